// Package dispatch turns a notification click into navigation inside an
// application window.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/kalambet/chatrelay/internal/push"
)

// Notification actions.
const (
	ActionAnswer = "answer"
	ActionReject = "reject"
	ActionReply  = "reply"
	ActionView   = "view"
)

// Window is an open application window. Every Post is one frame.
type Window interface {
	ID() string
	Post(ctx context.Context, msg any) error
}

// Clients enumerates open windows and opens new ones.
type Clients interface {
	Windows() []Window
	OpenWindow(ctx context.Context, path string) error
}

// Closer removes a clicked notification. The click is the dismissal, so
// windows are not told separately.
type Closer interface {
	Dismiss(tag string) bool
}

// CallContext tells the window which call a navigation concerns.
type CallContext struct {
	CallID     string `json:"callId"`
	CallType   string `json:"callType,omitempty"`
	CallerName string `json:"callerName,omitempty"`
	Answer     bool   `json:"answer,omitempty"`
}

// Target is where a click leads.
type Target struct {
	Path        string       `json:"path"`
	CallContext *CallContext `json:"callContext,omitempty"`
}

// NavigateMessage is the single frame a clicked window receives. The window
// raises itself when Focus is set, drops Dismissed from its notification
// list and performs the route change.
type NavigateMessage struct {
	Type        string       `json:"type"`
	Path        string       `json:"path"`
	Focus       bool         `json:"focus"`
	Dismissed   string       `json:"dismissed,omitempty"`
	CallContext *CallContext `json:"callContext,omitempty"`
}

// Resolve maps notification data and the pressed action to a target. It
// returns false for reject, which dismisses without navigating.
func Resolve(data push.Data, action string) (Target, bool) {
	call := func(answer bool) *CallContext {
		return &CallContext{
			CallID:     data.CallID,
			CallType:   data.CallType,
			CallerName: data.CallerName,
			Answer:     answer,
		}
	}

	switch action {
	case ActionReject:
		return Target{}, false
	case ActionAnswer:
		return Target{Path: "/chat?answerCall=" + url.QueryEscape(data.CallID), CallContext: call(true)}, true
	case ActionReply, ActionView:
		return Target{Path: conversationPath(data.ConversationID)}, true
	}

	switch data.Type {
	case string(push.KindCall):
		return Target{Path: "/chat?call=" + url.QueryEscape(data.CallID), CallContext: call(false)}, true
	case string(push.KindMessage):
		return Target{Path: conversationPath(data.ConversationID)}, true
	}
	if data.URL != "" {
		return Target{Path: data.URL}, true
	}
	return Target{Path: "/"}, true
}

func conversationPath(id string) string {
	if id == "" {
		return "/chat"
	}
	return "/chat?conversation=" + url.QueryEscape(id)
}

// How a click was delivered.
const (
	ViaNone   = "none"
	ViaWindow = "window"
	ViaOpened = "opened"
)

// Outcome describes what a click did.
type Outcome struct {
	Closed   bool   `json:"closed"`
	Path     string `json:"path,omitempty"`
	Via      string `json:"via"`
	WindowID string `json:"windowId,omitempty"`
}

// Dispatcher handles notification clicks.
type Dispatcher struct {
	clients Clients
	closer  Closer
	logger  *slog.Logger
}

func New(clients Clients, closer Closer) *Dispatcher {
	return &Dispatcher{clients: clients, closer: closer, logger: slog.Default()}
}

// Click dismisses the notification, then informs exactly one window of the
// target with exactly one message: the first open window when it accepts
// the message, otherwise a newly opened one. Reject touches no window.
func (d *Dispatcher) Click(ctx context.Context, tag string, data push.Data, action string) (Outcome, error) {
	out := Outcome{Via: ViaNone}
	if tag != "" && d.closer != nil {
		out.Closed = d.closer.Dismiss(tag)
	}

	target, ok := Resolve(data, action)
	if !ok {
		return out, nil
	}
	out.Path = target.Path

	if windows := d.clients.Windows(); len(windows) > 0 {
		w := windows[0]
		msg := NavigateMessage{
			Type:        "navigate",
			Path:        target.Path,
			Focus:       true,
			Dismissed:   tag,
			CallContext: target.CallContext,
		}
		err := w.Post(ctx, msg)
		if err == nil {
			out.Via = ViaWindow
			out.WindowID = w.ID()
			return out, nil
		}
		d.logger.Warn("navigating window failed, opening a new one", "window", w.ID(), "error", err)
	}

	if err := d.clients.OpenWindow(ctx, target.Path); err != nil {
		return out, fmt.Errorf("opening window at %s: %w", target.Path, err)
	}
	out.Via = ViaOpened
	return out, nil
}
