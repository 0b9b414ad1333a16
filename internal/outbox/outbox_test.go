package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/chatrelay/internal/storage"
)

type mockSubmitter struct {
	mu       sync.Mutex
	sent     []string
	keys     []string
	submitFn func(payload []byte) error
}

func (m *mockSubmitter) SubmitMessage(_ context.Context, payload []byte, key string) error {
	m.mu.Lock()
	m.sent = append(m.sent, string(payload))
	m.keys = append(m.keys, key)
	m.mu.Unlock()
	if m.submitFn != nil {
		return m.submitFn(payload)
	}
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueN(t *testing.T, o *Outbox, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := o.Enqueue(context.Background(), []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
}

func TestDrain_FailedRowStays(t *testing.T) {
	store := openTestStore(t)
	sub := &mockSubmitter{}
	o := New(store, sub)
	enqueueN(t, o, 5)

	sub.submitFn = func(p []byte) error {
		if string(p) == `{"n":2}` {
			return errors.New("HTTP 503")
		}
		return nil
	}

	res, err := o.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Attempted != 5 || res.Delivered != 4 || res.Remaining() != 1 {
		t.Errorf("result = %+v", res)
	}

	items, err := o.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].PayloadJSON != `{"n":2}` {
		t.Fatalf("remaining = %+v, want only row 2", items)
	}
	if items[0].Attempts != 1 || items[0].LastError != "HTTP 503" {
		t.Errorf("row 2 = %+v, want one recorded failure", items[0])
	}

	// Rows after the failing one were still attempted, in order.
	want := `{"n":0},{"n":1},{"n":2},{"n":3},{"n":4}`
	if got := strings.Join(sub.sent, ","); got != want {
		t.Errorf("send order = %s, want %s", got, want)
	}

	sub.submitFn = nil
	res, err = o.Drain(context.Background())
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if res.Delivered != 1 {
		t.Errorf("second drain delivered %d, want 1", res.Delivered)
	}
	if items, _ := o.List(context.Background()); len(items) != 0 {
		t.Errorf("outbox not empty: %+v", items)
	}
}

func TestDrain_ReplayReusesIdempotencyKey(t *testing.T) {
	store := openTestStore(t)
	sub := &mockSubmitter{}
	o := New(store, sub)
	enqueueN(t, o, 1)

	sub.submitFn = func([]byte) error { return errors.New("timeout") }
	o.Drain(context.Background())
	sub.submitFn = nil
	o.Drain(context.Background())

	if len(sub.keys) != 2 || sub.keys[0] != sub.keys[1] || sub.keys[0] == "" {
		t.Errorf("keys = %v, want the same non-empty key twice", sub.keys)
	}
}

func TestDrain_NoBackoffAcrossTriggers(t *testing.T) {
	store := openTestStore(t)
	sub := &mockSubmitter{submitFn: func([]byte) error { return errors.New("HTTP 500") }}
	o := New(store, sub)
	enqueueN(t, o, 1)

	for i := 0; i < 4; i++ {
		res, err := o.Drain(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Attempted != 1 {
			t.Fatalf("drain %d attempted %d, want 1", i, res.Attempted)
		}
	}
	items, _ := o.List(context.Background())
	if items[0].Attempts != 4 {
		t.Errorf("attempts = %d, want 4", items[0].Attempts)
	}
}

func TestDrain_Empty(t *testing.T) {
	o := New(openTestStore(t), &mockSubmitter{})

	res, err := o.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Attempted != 0 {
		t.Errorf("attempted = %d", res.Attempted)
	}
}

func TestDrain_StopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub := &mockSubmitter{submitFn: func([]byte) error {
		cancel()
		return nil
	}}
	o := New(store, sub)
	enqueueN(t, o, 3)

	res, err := o.Drain(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Attempted != 1 {
		t.Errorf("attempted = %d, want 1", res.Attempted)
	}
}

func TestEnqueue_RejectsInvalidJSON(t *testing.T) {
	o := New(openTestStore(t), &mockSubmitter{})

	if _, err := o.Enqueue(context.Background(), []byte("not json")); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("err = %v, want ErrInvalidPayload", err)
	}
}

func TestEnqueue_AssignsUniqueKeys(t *testing.T) {
	o := New(openTestStore(t), &mockSubmitter{})
	a, err := o.Enqueue(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := o.Enqueue(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if a.IdempotencyKey == b.IdempotencyKey {
		t.Error("idempotency keys collide")
	}
	if b.ID <= a.ID {
		t.Errorf("ids not monotonic: %d then %d", a.ID, b.ID)
	}
}
