// Package notify tracks the notifications currently on screen.
package notify

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/chatrelay/internal/push"
)

// Broadcaster delivers a message to every open application window and
// returns how many received it.
type Broadcaster interface {
	Broadcast(msg any) int
}

// Shown is a displayed notification.
type Shown struct {
	push.Notification
	ShownAt time.Time `json:"shownAt"`
}

type shownMessage struct {
	Type         string            `json:"type"`
	Notification push.Notification `json:"notification"`
}

type closedMessage struct {
	Type string `json:"type"`
	Tag  string `json:"tag"`
}

// Center holds displayed notifications keyed by tag. Showing a notification
// whose tag is already displayed replaces it.
type Center struct {
	mu    sync.Mutex
	byTag map[string]Shown
	out   Broadcaster
	now   func() time.Time
}

// NewCenter creates a center. out may be nil.
func NewCenter(out Broadcaster) *Center {
	return &Center{
		byTag: make(map[string]Shown),
		out:   out,
		now:   time.Now,
	}
}

// Show displays n and returns it with its effective tag. Untagged
// notifications get a unique tag so they never coalesce.
func (c *Center) Show(n push.Notification) push.Notification {
	if n.Tag == "" {
		n.Tag = "chatr-" + uuid.New().String()
	}

	c.mu.Lock()
	_, replaced := c.byTag[n.Tag]
	c.byTag[n.Tag] = Shown{Notification: n, ShownAt: c.now()}
	c.mu.Unlock()

	slog.Debug("notification shown", "tag", n.Tag, "replaced", replaced)
	if c.out != nil {
		c.out.Broadcast(shownMessage{Type: "notification", Notification: n})
	}
	return n
}

// Get returns the notification displayed under tag.
func (c *Center) Get(tag string) (Shown, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byTag[tag]
	return s, ok
}

// Close dismisses the notification under tag. It reports whether one was
// displayed.
func (c *Center) Close(tag string) bool {
	c.mu.Lock()
	_, ok := c.byTag[tag]
	delete(c.byTag, tag)
	c.mu.Unlock()

	if ok && c.out != nil {
		c.out.Broadcast(closedMessage{Type: "notification-closed", Tag: tag})
	}
	return ok
}

// Dismiss removes the notification under tag without telling any window.
// A click uses it: the window that handles the click learns of the
// dismissal from its navigate message.
func (c *Center) Dismiss(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byTag[tag]
	delete(c.byTag, tag)
	return ok
}

// List returns displayed notifications, oldest first.
func (c *Center) List() []Shown {
	c.mu.Lock()
	out := make([]Shown, 0, len(c.byTag))
	for _, s := range c.byTag {
		out = append(out, s)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ShownAt.Equal(out[j].ShownAt) {
			return out[i].Tag < out[j].Tag
		}
		return out[i].ShownAt.Before(out[j].ShownAt)
	})
	return out
}
