// Package worker dispatches inbound events to their handlers and owns the
// relay's lifecycle state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/kalambet/chatrelay/internal/cache"
	"github.com/kalambet/chatrelay/internal/clients"
	"github.com/kalambet/chatrelay/internal/dispatch"
	"github.com/kalambet/chatrelay/internal/lifecycle"
	"github.com/kalambet/chatrelay/internal/notify"
	"github.com/kalambet/chatrelay/internal/push"
	"github.com/kalambet/chatrelay/internal/syncsched"
)

// State is the lifecycle state of the running version.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
)

var (
	// ErrUnknownEvent is returned for an event type with no handler.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrUnknownNotification is returned when a click names a tag that is
	// not displayed and carries no data of its own.
	ErrUnknownNotification = errors.New("unknown notification")
)

// Server serves intercepted requests.
type Server interface {
	Serve(ctx context.Context, r *http.Request) (*cache.Response, error)
}

// Fetcher passes requests straight to the network.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*cache.Response, error)
}

// Lifecycle installs and activates the current version.
type Lifecycle interface {
	Install(ctx context.Context) lifecycle.FillReport
	Activate(ctx context.Context) error
	PreWarm(ctx context.Context, urls []string) lifecycle.FillReport
}

// Syncer handles sync tags.
type Syncer interface {
	Handle(ctx context.Context, tag string) (syncsched.Report, error)
	Tags() syncsched.Tags
}

// Notifications displays and looks up notifications.
type Notifications interface {
	Show(n push.Notification) push.Notification
	Get(tag string) (notify.Shown, bool)
}

// Clicker handles notification clicks.
type Clicker interface {
	Click(ctx context.Context, tag string, data push.Data, action string) (dispatch.Outcome, error)
}

// Claimer takes control of open windows.
type Claimer interface {
	Claim(ctx context.Context) error
}

// Deps are the collaborators a Worker dispatches to.
type Deps struct {
	Server        Server
	Passthrough   Fetcher
	Syncer        Syncer
	Notifications Notifications
	Clicker       Clicker
	Claimer       Claimer
}

type handlerFunc func(ctx context.Context, ev Event) (Result, error)

// Worker routes events through a handler table. No handler failure or panic
// ever reaches the caller as anything but Result.Err.
type Worker struct {
	deps      Deps
	lifecycle Lifecycle
	tasks     *Tasks
	handlers  map[EventType]handlerFunc

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

func New(deps Deps, tasks *Tasks) *Worker {
	w := &Worker{
		deps:  deps,
		tasks: tasks,
		state: StateParsed,
	}
	w.handlers = map[EventType]handlerFunc{
		EventInstall:           w.handleInstall,
		EventActivate:          w.handleActivate,
		EventFetch:             w.handleFetch,
		EventSync:              w.handleSync,
		EventPeriodicSync:      w.handlePeriodicSync,
		EventPush:              w.handlePush,
		EventNotificationClick: w.handleNotificationClick,
		EventMessage:           w.handleMessage,
	}
	return w
}

// SetLifecycle installs the lifecycle controller. It is separate from New
// because the controller signals back into the worker.
func (w *Worker) SetLifecycle(l Lifecycle) {
	w.lifecycle = l
}

// Tasks returns the keep-alive task group.
func (w *Worker) Tasks() *Tasks {
	return w.tasks
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		slog.Info("lifecycle state changed", "from", prev, "to", s)
	}
}

// Dispatch runs the handler for ev and waits for it. The handler counts as
// in flight until it returns.
func (w *Worker) Dispatch(ctx context.Context, ev Event) Result {
	defer w.tasks.track()()

	h, ok := w.handlers[ev.Type]
	if !ok {
		return Result{Type: ev.Type, Err: fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)}
	}

	var res Result
	err := safely(string(ev.Type), func() error {
		var err error
		res, err = h(ctx, ev)
		return err
	})
	res.Type = ev.Type
	if err != nil {
		res.Err = err
		slog.Warn("event handler failed", "event", ev.Type, "error", err)
	}
	return res
}

// DispatchAsync runs ev in the background task group.
func (w *Worker) DispatchAsync(ev Event) {
	w.tasks.Go(string(ev.Type), func(ctx context.Context) error {
		return w.Dispatch(ctx, ev).Err
	})
}

// --- lifecycle.Host ---

// SkipWaiting asks for activation as soon as installation finishes.
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()
}

// Claim forwards to the window registry.
func (w *Worker) Claim(ctx context.Context) error {
	if w.deps.Claimer == nil {
		return nil
	}
	return w.deps.Claimer.Claim(ctx)
}

// --- handlers ---

func (w *Worker) handleInstall(ctx context.Context, _ Event) (Result, error) {
	if w.lifecycle == nil {
		return Result{}, errors.New("lifecycle controller not configured")
	}
	w.setState(StateInstalling)
	report := w.lifecycle.Install(ctx)
	w.setState(StateWaiting)

	res := Result{Install: &report}
	if w.takeSkipWaiting() {
		act := w.Dispatch(ctx, Event{Type: EventActivate})
		res.State = act.State
		return res, act.Err
	}
	res.State = StateWaiting
	return res, nil
}

func (w *Worker) takeSkipWaiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	skip := w.skipWaiting
	w.skipWaiting = false
	return skip
}

func (w *Worker) handleActivate(ctx context.Context, _ Event) (Result, error) {
	if w.lifecycle == nil {
		return Result{}, errors.New("lifecycle controller not configured")
	}
	w.setState(StateActivating)
	err := w.lifecycle.Activate(ctx)
	// A failed sweep leaves stale namespaces behind but the version still
	// takes over; the next activation retries the sweep.
	w.setState(StateActive)
	return Result{State: StateActive}, err
}

// handleFetch serves through the strategy engine once active. Until then
// requests pass straight through, as no version controls them yet.
func (w *Worker) handleFetch(ctx context.Context, ev Event) (Result, error) {
	if ev.Request == nil {
		return Result{}, errors.New("fetch event without request")
	}
	if w.State() != StateActive && w.deps.Passthrough != nil {
		resp, err := w.deps.Passthrough.Fetch(ctx, ev.Request)
		return Result{Response: resp}, err
	}
	resp, err := w.deps.Server.Serve(ctx, ev.Request)
	return Result{Response: resp}, err
}

func (w *Worker) handleSync(ctx context.Context, ev Event) (Result, error) {
	rep, err := w.deps.Syncer.Handle(ctx, ev.Tag)
	return Result{Sync: &rep}, err
}

func (w *Worker) handlePeriodicSync(ctx context.Context, ev Event) (Result, error) {
	tag := ev.Tag
	if tag == "" {
		tag = w.deps.Syncer.Tags().Periodic
	}
	rep, err := w.deps.Syncer.Handle(ctx, tag)
	return Result{Sync: &rep}, err
}

func (w *Worker) handlePush(_ context.Context, ev Event) (Result, error) {
	n := w.deps.Notifications.Show(push.Decode(ev.Payload))
	return Result{Notification: &n}, nil
}

func (w *Worker) handleNotificationClick(ctx context.Context, ev Event) (Result, error) {
	var data push.Data
	switch {
	case ev.Data != nil:
		data = *ev.Data
	default:
		shown, ok := w.deps.Notifications.Get(ev.Tag)
		if !ok {
			return Result{}, fmt.Errorf("%w: %q", ErrUnknownNotification, ev.Tag)
		}
		data = shown.Data
	}

	out, err := w.deps.Clicker.Click(ctx, ev.Tag, data, ev.Action)
	return Result{Click: &out}, err
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) (Result, error) {
	switch ev.Message.Type {
	case clients.TypeSkipWaiting:
		w.SkipWaiting()
		if w.State() != StateWaiting || !w.takeSkipWaiting() {
			return Result{State: w.State()}, nil
		}
		act := w.Dispatch(ctx, Event{Type: EventActivate})
		return Result{State: act.State}, act.Err
	case clients.TypeCacheURLs:
		if w.lifecycle == nil {
			return Result{}, errors.New("lifecycle controller not configured")
		}
		report := w.lifecycle.PreWarm(ctx, ev.Message.URLs)
		return Result{PreWarm: &report}, nil
	default:
		return Result{}, fmt.Errorf("unsupported client message %q", ev.Message.Type)
	}
}
