// Package syncsched reacts to host-delivered sync signals. It owns no timer;
// every run is triggered from outside.
package syncsched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/chatrelay/internal/outbox"
	"github.com/kalambet/chatrelay/internal/push"
	"github.com/kalambet/chatrelay/internal/upstream"
)

// NewMessagesTag is the notification tag of the periodic poll, so repeated
// polls replace one another.
const NewMessagesTag = "chatr-new-messages"

// ErrUnknownTag is returned for a tag the scheduler does not handle.
var ErrUnknownTag = errors.New("unknown sync tag")

// Drainer replays the outbox.
type Drainer interface {
	Drain(ctx context.Context) (outbox.DrainResult, error)
}

// Backend is the collaborator called during sync.
type Backend interface {
	SyncContacts(ctx context.Context) error
	CheckMessages(ctx context.Context) (upstream.CheckResult, error)
}

// Notifier shows a notification.
type Notifier interface {
	Show(n push.Notification) push.Notification
}

// Tags are the sync tag names the host delivers.
type Tags struct {
	Messages string
	Contacts string
	Periodic string
}

// Report describes one sync run. Step failures are recorded here rather
// than returned.
type Report struct {
	Tag            string              `json:"tag"`
	Drain          *outbox.DrainResult `json:"drain,omitempty"`
	ContactsSynced bool                `json:"contactsSynced"`
	Polled         bool                `json:"polled"`
	Unread         int                 `json:"unread,omitempty"`
	Notified       bool                `json:"notified"`
	Errors         []string            `json:"errors,omitempty"`
}

func (r *Report) fail(step string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", step, err))
}

// Scheduler dispatches sync tags.
type Scheduler struct {
	tags     Tags
	outbox   Drainer
	backend  Backend
	notifier Notifier
}

func New(tags Tags, outbox Drainer, backend Backend, notifier Notifier) *Scheduler {
	return &Scheduler{tags: tags, outbox: outbox, backend: backend, notifier: notifier}
}

// Tags returns the tags the scheduler accepts.
func (s *Scheduler) Tags() Tags {
	return s.tags
}

// Handle runs the work for tag. It fails only for an unknown tag.
func (s *Scheduler) Handle(ctx context.Context, tag string) (Report, error) {
	rep := Report{Tag: tag}

	switch tag {
	case s.tags.Messages:
		s.drain(ctx, &rep)
	case s.tags.Contacts:
		s.syncContacts(ctx, &rep)
	case s.tags.Periodic:
		s.drain(ctx, &rep)
		s.syncContacts(ctx, &rep)
		s.poll(ctx, &rep)
	default:
		return rep, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}

	if len(rep.Errors) > 0 {
		slog.Warn("sync finished with errors", "tag", tag, "errors", rep.Errors)
	} else {
		slog.Info("sync finished", "tag", tag)
	}
	return rep, nil
}

func (s *Scheduler) drain(ctx context.Context, rep *Report) {
	res, err := s.outbox.Drain(ctx)
	rep.Drain = &res
	if err != nil {
		rep.fail("drain", err)
	}
}

func (s *Scheduler) syncContacts(ctx context.Context, rep *Report) {
	if err := s.backend.SyncContacts(ctx); err != nil {
		rep.fail("contacts", err)
		return
	}
	rep.ContactsSynced = true
}

func (s *Scheduler) poll(ctx context.Context, rep *Report) {
	res, err := s.backend.CheckMessages(ctx)
	if err != nil {
		rep.fail("poll", err)
		return
	}
	rep.Polled = true
	rep.Unread = res.Unread
	if !res.HasUnread() || s.notifier == nil {
		return
	}

	body := "You have new messages"
	if res.Unread == 1 {
		body = "You have 1 new message"
	} else if res.Unread > 1 {
		body = fmt.Sprintf("You have %d new messages", res.Unread)
	}
	s.notifier.Show(push.Generic{
		Title: "Chatr",
		Body:  body,
		Tag:   NewMessagesTag,
		URL:   "/chat",
	}.Notification())
	rep.Notified = true
}
