package syncsched

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/chatrelay/internal/outbox"
	"github.com/kalambet/chatrelay/internal/push"
	"github.com/kalambet/chatrelay/internal/upstream"
)

type mockDrainer struct {
	calls   int
	drainFn func() (outbox.DrainResult, error)
}

func (m *mockDrainer) Drain(context.Context) (outbox.DrainResult, error) {
	m.calls++
	if m.drainFn != nil {
		return m.drainFn()
	}
	return outbox.DrainResult{}, nil
}

type mockBackend struct {
	contactCalls int
	checkCalls   int
	contactsErr  error
	check        upstream.CheckResult
	checkErr     error
}

func (m *mockBackend) SyncContacts(context.Context) error {
	m.contactCalls++
	return m.contactsErr
}

func (m *mockBackend) CheckMessages(context.Context) (upstream.CheckResult, error) {
	m.checkCalls++
	return m.check, m.checkErr
}

type mockNotifier struct {
	shown []push.Notification
}

func (m *mockNotifier) Show(n push.Notification) push.Notification {
	m.shown = append(m.shown, n)
	return n
}

var testTags = Tags{Messages: "sync-messages", Contacts: "sync-contacts", Periodic: "daily-sync"}

func newTestScheduler() (*Scheduler, *mockDrainer, *mockBackend, *mockNotifier) {
	d, b, n := &mockDrainer{}, &mockBackend{}, &mockNotifier{}
	return New(testTags, d, b, n), d, b, n
}

func TestHandle_MessagesTagDrainsOnly(t *testing.T) {
	s, d, b, _ := newTestScheduler()

	rep, err := s.Handle(context.Background(), "sync-messages")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if d.calls != 1 || b.contactCalls != 0 || b.checkCalls != 0 {
		t.Errorf("drain=%d contacts=%d check=%d, want 1/0/0", d.calls, b.contactCalls, b.checkCalls)
	}
	if rep.Drain == nil {
		t.Error("report missing drain result")
	}
}

func TestHandle_ContactsTag(t *testing.T) {
	s, d, b, _ := newTestScheduler()

	rep, err := s.Handle(context.Background(), "sync-contacts")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if d.calls != 0 || b.contactCalls != 1 || !rep.ContactsSynced {
		t.Errorf("drain=%d contacts=%d synced=%v", d.calls, b.contactCalls, rep.ContactsSynced)
	}
}

func TestHandle_PeriodicRunsEverything(t *testing.T) {
	s, d, b, n := newTestScheduler()
	b.check = upstream.CheckResult{Unread: 3}

	rep, err := s.Handle(context.Background(), "daily-sync")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if d.calls != 1 || b.contactCalls != 1 || b.checkCalls != 1 {
		t.Errorf("drain=%d contacts=%d check=%d, want 1/1/1", d.calls, b.contactCalls, b.checkCalls)
	}
	if !rep.Notified || len(n.shown) != 1 {
		t.Fatalf("notified=%v shown=%d", rep.Notified, len(n.shown))
	}
	if n.shown[0].Tag != NewMessagesTag {
		t.Errorf("tag = %q, want %q", n.shown[0].Tag, NewMessagesTag)
	}
	if !strings.Contains(n.shown[0].Body, "3 new messages") {
		t.Errorf("body = %q", n.shown[0].Body)
	}
}

func TestHandle_PeriodicWithoutUnreadDoesNotNotify(t *testing.T) {
	s, _, _, n := newTestScheduler()

	rep, err := s.Handle(context.Background(), "daily-sync")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rep.Notified || len(n.shown) != 0 {
		t.Error("notification shown without unread messages")
	}
	if !rep.Polled {
		t.Error("poll not recorded")
	}
}

func TestHandle_StepFailuresAreCollected(t *testing.T) {
	s, d, b, _ := newTestScheduler()
	d.drainFn = func() (outbox.DrainResult, error) { return outbox.DrainResult{}, errors.New("database is locked") }
	b.contactsErr = errors.New("HTTP 502")
	b.checkErr = errors.New("timeout")

	rep, err := s.Handle(context.Background(), "daily-sync")
	if err != nil {
		t.Fatalf("Handle returned %v, want step failures in the report", err)
	}
	if len(rep.Errors) != 3 {
		t.Errorf("errors = %v, want 3", rep.Errors)
	}
	if b.checkCalls != 1 {
		t.Error("poll skipped after earlier failures")
	}
}

func TestHandle_UnknownTag(t *testing.T) {
	s, d, _, _ := newTestScheduler()

	_, err := s.Handle(context.Background(), "sync-everything")
	if !errors.Is(err, ErrUnknownTag) {
		t.Errorf("err = %v, want ErrUnknownTag", err)
	}
	if d.calls != 0 {
		t.Error("unknown tag triggered a drain")
	}
}
