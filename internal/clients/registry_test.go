package clients

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kalambet/chatrelay/internal/dispatch"
	"github.com/kalambet/chatrelay/internal/notify"
	"github.com/kalambet/chatrelay/internal/push"
)

type mockOpener struct {
	mu     sync.Mutex
	opened []string
}

func (m *mockOpener) Open(_ context.Context, u string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, u)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *httptest.Server, *mockOpener) {
	t.Helper()
	origin, _ := url.Parse("https://chatr.app")
	op := &mockOpener{}
	r := NewRegistry(origin, op, "v1")
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return r, srv, op
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	if err := websocket.JSON.Receive(conn, &got); err != nil {
		t.Fatalf("receive: %v", err)
	}
	return got
}

func TestPostReachesWindow(t *testing.T) {
	r, srv, _ := newTestRegistry(t)
	conn := dial(t, srv)
	waitFor(t, func() bool { return r.Count() == 1 })

	windows := r.Windows()
	if err := windows[0].Post(context.Background(), map[string]string{"type": "navigate", "path": "/chat"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	got := readJSON(t, conn)
	if got["type"] != "navigate" || got["path"] != "/chat" {
		t.Errorf("frame = %v", got)
	}
}

func TestControlMessagesReachHandler(t *testing.T) {
	r, srv, _ := newTestRegistry(t)

	received := make(chan Message, 1)
	r.OnMessage(func(_ context.Context, _ string, msg Message) {
		received <- msg
	})

	conn := dial(t, srv)
	if err := websocket.JSON.Send(conn, Message{Type: TypeCacheURLs, URLs: []string{"/a", "/b"}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != TypeCacheURLs || len(msg.URLs) != 2 {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control message not delivered")
	}
}

func TestClaimMarksWindowsControlled(t *testing.T) {
	r, srv, _ := newTestRegistry(t)
	conn := dial(t, srv)
	waitFor(t, func() bool { return r.Count() == 1 })

	if err := r.Claim(context.Background()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	got := readJSON(t, conn)
	if got["type"] != "claimed" || got["version"] != "v1" {
		t.Errorf("frame = %v", got)
	}
	if list := r.List(); len(list) != 1 || !list[0].Controlled {
		t.Errorf("List = %+v, want one controlled window", list)
	}

	dial(t, srv)
	waitFor(t, func() bool { return r.Count() == 2 })
	for _, info := range r.List() {
		if !info.Controlled {
			t.Errorf("window %s connected after claim is not controlled", info.ID)
		}
	}
}

func TestDisconnectRemovesWindow(t *testing.T) {
	r, srv, _ := newTestRegistry(t)
	conn := dial(t, srv)
	waitFor(t, func() bool { return r.Count() == 1 })

	conn.Close()
	waitFor(t, func() bool { return r.Count() == 0 })
}

func TestBroadcast(t *testing.T) {
	r, srv, _ := newTestRegistry(t)
	a := dial(t, srv)
	b := dial(t, srv)
	waitFor(t, func() bool { return r.Count() == 2 })

	if n := r.Broadcast(map[string]string{"type": "notification"}); n != 2 {
		t.Errorf("Broadcast reached %d windows, want 2", n)
	}
	for _, c := range []*websocket.Conn{a, b} {
		if got := readJSON(t, c); got["type"] != "notification" {
			t.Errorf("frame = %v", got)
		}
	}
}

func TestOpenWindowResolvesAgainstOrigin(t *testing.T) {
	r, _, op := newTestRegistry(t)

	if err := r.OpenWindow(context.Background(), "/chat?answerCall=c1"); err != nil {
		t.Fatalf("OpenWindow: %v", err)
	}
	if len(op.opened) != 1 || op.opened[0] != "https://chatr.app/chat?answerCall=c1" {
		t.Errorf("opened = %v", op.opened)
	}
}

func TestCommandOpenerRequiresCommand(t *testing.T) {
	if err := (CommandOpener{}).Open(context.Background(), "https://chatr.app/"); err == nil {
		t.Error("expected error without a command")
	}
}

// readFrames collects every frame that arrives within wait.
func readFrames(conn *websocket.Conn, wait time.Duration) []map[string]any {
	var frames []map[string]any
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		var got map[string]any
		if err := websocket.JSON.Receive(conn, &got); err != nil {
			return frames
		}
		frames = append(frames, got)
	}
}

func TestAnswerClickSendsOneFrame(t *testing.T) {
	r, srv, op := newTestRegistry(t)
	conn := dial(t, srv)
	waitFor(t, func() bool { return r.Count() == 1 })

	center := notify.NewCenter(r)
	n := center.Show(push.Decode([]byte(`{"type":"call","callId":"c1","callerName":"Ada"}`)))
	if got := readJSON(t, conn); got["type"] != "notification" {
		t.Fatalf("frame = %v, want the notification", got)
	}

	out, err := dispatch.New(r, center).Click(context.Background(), n.Tag, push.Data{Type: "call", CallID: "c1"}, dispatch.ActionAnswer)
	if err != nil {
		t.Fatalf("Click: %v", err)
	}
	if out.Via != dispatch.ViaWindow {
		t.Errorf("Via = %q, want %q", out.Via, dispatch.ViaWindow)
	}

	frames := readFrames(conn, 200*time.Millisecond)
	if len(frames) != 1 {
		t.Fatalf("window received %d frames, want exactly 1: %v", len(frames), frames)
	}
	f := frames[0]
	if f["type"] != "navigate" || f["path"] != "/chat?answerCall=c1" || f["focus"] != true || f["dismissed"] != n.Tag {
		t.Errorf("frame = %v", f)
	}
	if len(op.opened) != 0 {
		t.Errorf("opened = %v, want no new window", op.opened)
	}
}

func TestRejectClickSendsNoFrame(t *testing.T) {
	r, srv, _ := newTestRegistry(t)
	conn := dial(t, srv)
	waitFor(t, func() bool { return r.Count() == 1 })

	center := notify.NewCenter(r)
	n := center.Show(push.Decode([]byte(`{"type":"call","callId":"c1"}`)))
	readJSON(t, conn)

	if _, err := dispatch.New(r, center).Click(context.Background(), n.Tag, push.Data{Type: "call", CallID: "c1"}, dispatch.ActionReject); err != nil {
		t.Fatalf("Click: %v", err)
	}
	if frames := readFrames(conn, 200*time.Millisecond); len(frames) != 0 {
		t.Errorf("reject sent %v", frames)
	}
}
