package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/chatrelay/internal/push"
)

type mockWindow struct {
	id      string
	postErr error
	posted  []any
}

func (w *mockWindow) ID() string { return w.id }

func (w *mockWindow) Post(_ context.Context, msg any) error {
	w.posted = append(w.posted, msg)
	return w.postErr
}

type mockClients struct {
	windows []*mockWindow
	opened  []string
	openErr error
}

func (c *mockClients) Windows() []Window {
	out := make([]Window, len(c.windows))
	for i, w := range c.windows {
		out[i] = w
	}
	return out
}

func (c *mockClients) OpenWindow(_ context.Context, path string) error {
	c.opened = append(c.opened, path)
	return c.openErr
}

type mockCloser struct{ closed []string }

func (m *mockCloser) Dismiss(tag string) bool {
	m.closed = append(m.closed, tag)
	return true
}

var callData = push.Data{Type: "call", CallID: "c1"}

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		data   push.Data
		action string
		path   string
		ok     bool
	}{
		{"answer", callData, ActionAnswer, "/chat?answerCall=c1", true},
		{"reject", callData, ActionReject, "", false},
		{"call default click", callData, "", "/chat?call=c1", true},
		{"reply", push.Data{Type: "message", ConversationID: "conv1"}, ActionReply, "/chat?conversation=conv1", true},
		{"view", push.Data{Type: "message", ConversationID: "conv1"}, ActionView, "/chat?conversation=conv1", true},
		{"message default click", push.Data{Type: "message", ConversationID: "conv1"}, "", "/chat?conversation=conv1", true},
		{"generic url", push.Data{Type: "generic", URL: "/contacts"}, "", "/contacts", true},
		{"generic without url", push.Data{Type: "generic"}, "", "/", true},
		{"escaped id", push.Data{Type: "call", CallID: "a&b"}, ActionAnswer, "/chat?answerCall=a%26b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, ok := Resolve(tt.data, tt.action)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.path, target.Path)
		})
	}
}

func TestClick_RejectTouchesNoWindow(t *testing.T) {
	w := &mockWindow{id: "w1"}
	clients := &mockClients{windows: []*mockWindow{w}}
	closer := &mockCloser{}
	d := New(clients, closer)

	out, err := d.Click(context.Background(), "chatr-call-c1", callData, ActionReject)
	require.NoError(t, err)

	assert.Equal(t, ViaNone, out.Via)
	assert.Equal(t, []string{"chatr-call-c1"}, closer.closed)
	assert.Empty(t, w.posted)
	assert.Empty(t, clients.opened)
}

func TestClick_AnswerWithOpenWindow(t *testing.T) {
	w1 := &mockWindow{id: "w1"}
	w2 := &mockWindow{id: "w2"}
	clients := &mockClients{windows: []*mockWindow{w1, w2}}
	d := New(clients, &mockCloser{})

	out, err := d.Click(context.Background(), "chatr-call-c1", callData, ActionAnswer)
	require.NoError(t, err)

	assert.Equal(t, ViaWindow, out.Via)
	assert.Equal(t, "w1", out.WindowID)
	require.Len(t, w1.posted, 1)
	msg, ok := w1.posted[0].(NavigateMessage)
	require.True(t, ok)
	assert.Equal(t, "navigate", msg.Type)
	assert.Equal(t, "/chat?answerCall=c1", msg.Path)
	assert.True(t, msg.Focus)
	assert.Equal(t, "chatr-call-c1", msg.Dismissed)
	require.NotNil(t, msg.CallContext)
	assert.Equal(t, "c1", msg.CallContext.CallID)
	assert.True(t, msg.CallContext.Answer)

	assert.Empty(t, w2.posted)
	assert.Empty(t, clients.opened)
}

func TestClick_AnswerWithoutWindowOpensOne(t *testing.T) {
	clients := &mockClients{}
	d := New(clients, &mockCloser{})

	out, err := d.Click(context.Background(), "chatr-call-c1", callData, ActionAnswer)
	require.NoError(t, err)

	assert.Equal(t, ViaOpened, out.Via)
	assert.Equal(t, []string{"/chat?answerCall=c1"}, clients.opened)
}

func TestClick_PostFailureOpensExactlyOne(t *testing.T) {
	w := &mockWindow{id: "w1", postErr: errors.New("socket closed")}
	clients := &mockClients{windows: []*mockWindow{w}}
	d := New(clients, &mockCloser{})

	out, err := d.Click(context.Background(), "", push.Data{Type: "generic", URL: "/settings"}, "")
	require.NoError(t, err)

	assert.Equal(t, ViaOpened, out.Via)
	assert.Len(t, w.posted, 1)
	assert.Equal(t, []string{"/settings"}, clients.opened)
}

func TestClick_OpenFailureIsReturned(t *testing.T) {
	clients := &mockClients{openErr: errors.New("xdg-open: not found")}
	d := New(clients, &mockCloser{})

	_, err := d.Click(context.Background(), "", push.Data{Type: "generic"}, "")
	assert.Error(t, err)
	assert.Len(t, clients.opened, 1)
}
