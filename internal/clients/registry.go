// Package clients tracks open application windows connected over WebSocket.
package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/kalambet/chatrelay/internal/dispatch"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxDecodeErrors     = 5
)

// Control message types a window may send.
const (
	TypeSkipWaiting = "SKIP_WAITING"
	TypeCacheURLs   = "CACHE_URLS"
)

// ErrClosed is returned when posting to a window that went away.
var ErrClosed = errors.New("window connection closed")

// Message is a control message received from a window.
type Message struct {
	Type string   `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

// MessageHandler receives control messages from windows.
type MessageHandler func(ctx context.Context, clientID string, msg Message)

// Opener launches a new application window at an absolute URL.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Conn is one connected window.
type Conn struct {
	id          string
	ws          *websocket.Conn
	connectedAt time.Time

	mu         sync.Mutex
	closed     bool
	controlled bool
}

func (c *Conn) ID() string { return c.id }

// Post sends msg as one JSON frame.
func (c *Conn) Post(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := websocket.JSON.Send(c.ws, msg); err != nil {
		return fmt.Errorf("posting to window %s: %w", c.id, err)
	}
	return nil
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Info describes a connected window.
type Info struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connectedAt"`
	Controlled  bool      `json:"controlled"`
	UserAgent   string    `json:"userAgent,omitempty"`
}

// Registry holds connected windows, oldest first.
type Registry struct {
	origin  *url.URL
	opener  Opener
	version string

	mu        sync.RWMutex
	conns     map[string]*Conn
	onMessage MessageHandler
	claimed   bool
}

// NewRegistry creates a registry. origin resolves paths for OpenWindow;
// version is announced to windows on claim.
func NewRegistry(origin *url.URL, opener Opener, version string) *Registry {
	return &Registry{
		origin:  origin,
		opener:  opener,
		version: version,
		conns:   make(map[string]*Conn),
	}
}

// OnMessage installs the control message handler.
func (r *Registry) OnMessage(h MessageHandler) {
	r.mu.Lock()
	r.onMessage = h
	r.mu.Unlock()
}

// Handler accepts window connections.
func (r *Registry) Handler() websocket.Handler {
	return websocket.Handler(r.serve)
}

func (r *Registry) serve(ws *websocket.Conn) {
	c := &Conn{id: uuid.New().String(), ws: ws, connectedAt: time.Now()}
	r.add(c)
	defer func() {
		r.remove(c.id)
		c.markClosed()
		_ = ws.Close()
	}()

	ctx := context.Background()
	if req := ws.Request(); req != nil {
		ctx = req.Context()
	}
	slog.Debug("window connected", "client", c.id)

	decodeErrors := 0
	for {
		var msg Message
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Debug("window disconnected", "client", c.id)
				return
			}
			decodeErrors++
			if decodeErrors >= maxDecodeErrors {
				slog.Warn("dropping window after repeated bad frames", "client", c.id, "error", err)
				return
			}
			continue
		}
		decodeErrors = 0

		r.mu.RLock()
		h := r.onMessage
		r.mu.RUnlock()
		if h != nil {
			h(ctx, c.id, msg)
		}
	}
}

// add registers c. Once the active version has claimed, new windows are
// controlled from the start.
func (r *Registry) add(c *Conn) {
	r.mu.Lock()
	c.controlled = r.claimed
	r.conns[c.id] = c
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *Registry) sorted() []*Conn {
	r.mu.RLock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

// Windows returns the open windows, oldest first.
func (r *Registry) Windows() []dispatch.Window {
	conns := r.sorted()
	out := make([]dispatch.Window, len(conns))
	for i, c := range conns {
		out[i] = c
	}
	return out
}

// List describes every open window.
func (r *Registry) List() []Info {
	conns := r.sorted()
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		info := Info{ID: c.id, ConnectedAt: c.connectedAt, Controlled: c.controlled}
		c.mu.Unlock()
		if req := c.ws.Request(); req != nil {
			info.UserAgent = req.UserAgent()
		}
		out = append(out, info)
	}
	return out
}

// OpenWindow launches a new window at path, resolved against the origin.
func (r *Registry) OpenWindow(ctx context.Context, path string) error {
	u, err := r.origin.Parse(path)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", path, err)
	}
	return r.opener.Open(ctx, u.String())
}

// Broadcast posts msg to every open window and returns how many accepted it.
func (r *Registry) Broadcast(msg any) int {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	n := 0
	for _, c := range r.sorted() {
		if err := c.Post(ctx, msg); err != nil {
			slog.Debug("broadcast to window failed", "client", c.id, "error", err)
			continue
		}
		n++
	}
	return n
}

type claimedMessage struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Claim marks every open window as controlled by the active version and
// tells it so, so no reload is needed.
// A window that disconnects mid-claim is skipped.
func (r *Registry) Claim(ctx context.Context) error {
	r.mu.Lock()
	r.claimed = true
	r.mu.Unlock()

	for _, c := range r.sorted() {
		c.mu.Lock()
		c.controlled = true
		c.mu.Unlock()
		if err := c.Post(ctx, claimedMessage{Type: "claimed", Version: r.version}); err != nil {
			slog.Debug("claim did not reach window", "client", c.id, "error", err)
		}
	}
	return nil
}

// Count returns the number of open windows.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
