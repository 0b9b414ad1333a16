package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultTaskTimeout = 60 * time.Second

// Tasks tracks in-flight handlers and the detached work they spawn, so the
// host can stay alive until everything settles.
type Tasks struct {
	wg      sync.WaitGroup
	pending atomic.Int64
	timeout time.Duration
}

func NewTasks(timeout time.Duration) *Tasks {
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	return &Tasks{timeout: timeout}
}

// Go runs fn on its own goroutine with a fresh context bounded by the task
// timeout. Errors and panics are logged, never propagated.
func (t *Tasks) Go(name string, fn func(ctx context.Context) error) {
	t.wg.Add(1)
	t.pending.Add(1)
	go func() {
		defer t.done()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		if err := safely(name, func() error { return fn(ctx) }); err != nil {
			slog.Warn("background task failed", "task", name, "error", err)
		}
	}()
}

// track marks a synchronous handler as in flight until the returned
// function is called.
func (t *Tasks) track() func() {
	t.wg.Add(1)
	t.pending.Add(1)
	return t.done
}

func (t *Tasks) done() {
	t.pending.Add(-1)
	t.wg.Done()
}

// Pending returns the number of handlers and tasks still running.
func (t *Tasks) Pending() int64 {
	return t.pending.Load()
}

// Wait blocks until every tracked handler and task has settled or ctx ends.
func (t *Tasks) Wait(ctx context.Context) error {
	settled := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d tasks still pending: %w", t.Pending(), ctx.Err())
	}
}

// safely runs fn and turns a panic into an error.
func safely(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn()
}
