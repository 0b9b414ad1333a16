// Package outbox keeps writes that could not be delivered and replays them
// when the host signals connectivity.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/chatrelay/internal/storage"
)

// ErrInvalidPayload is returned by Enqueue for a payload that is not JSON.
var ErrInvalidPayload = errors.New("payload must be valid JSON")

// Store abstracts the outbox table.
type Store interface {
	EnqueueOutbox(ctx context.Context, payloadJSON, idempotencyKey string) (storage.OutboxItem, error)
	PendingOutbox(ctx context.Context) ([]storage.OutboxItem, error)
	DeleteOutbox(ctx context.Context, id int64) error
	RecordOutboxFailure(ctx context.Context, id int64, errMsg string) error
}

// Submitter delivers one payload to the message-submission endpoint.
type Submitter interface {
	SubmitMessage(ctx context.Context, payload []byte, idempotencyKey string) error
}

// DrainResult summarises one pass over the outbox.
type DrainResult struct {
	Attempted int              `json:"attempted"`
	Delivered int              `json:"delivered"`
	Failed    map[int64]string `json:"failed,omitempty"`
}

// Remaining is the number of rows left queued by this pass.
func (r DrainResult) Remaining() int {
	return r.Attempted - r.Delivered
}

// Outbox is the durable queue of pending outbound writes.
type Outbox struct {
	store     Store
	submitter Submitter
	logger    *slog.Logger

	// drainMu serialises drains so two triggers never replay a row twice
	// in the same moment.
	drainMu sync.Mutex
}

func New(store Store, submitter Submitter) *Outbox {
	return &Outbox{
		store:     store,
		submitter: submitter,
		logger:    slog.Default(),
	}
}

// Enqueue stores payload for later delivery under a fresh idempotency key.
func (o *Outbox) Enqueue(ctx context.Context, payload []byte) (storage.OutboxItem, error) {
	if !json.Valid(payload) {
		return storage.OutboxItem{}, ErrInvalidPayload
	}
	item, err := o.store.EnqueueOutbox(ctx, string(payload), uuid.New().String())
	if err != nil {
		return storage.OutboxItem{}, fmt.Errorf("enqueueing outbox item: %w", err)
	}
	o.logger.Debug("outbox item queued", "id", item.ID)
	return item, nil
}

// List returns every pending row in id order.
func (o *Outbox) List(ctx context.Context) ([]storage.OutboxItem, error) {
	items, err := o.store.PendingOutbox(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	return items, nil
}

// Drain replays every pending row in id order. A delivered row is deleted;
// a failed row is left queued with its failure recorded, and the pass moves
// on to the next row. There is no backoff and no attempt ceiling: a row that
// keeps failing is retried on every drain.
func (o *Outbox) Drain(ctx context.Context) (DrainResult, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	res := DrainResult{Failed: map[int64]string{}}

	items, err := o.store.PendingOutbox(ctx)
	if err != nil {
		return res, fmt.Errorf("reading outbox: %w", err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Attempted++

		if err := o.submitter.SubmitMessage(ctx, []byte(item.PayloadJSON), item.IdempotencyKey); err != nil {
			o.logger.Warn("outbox item send failed", "id", item.ID, "attempts", item.Attempts+1, "error", err)
			res.Failed[item.ID] = err.Error()
			if recErr := o.store.RecordOutboxFailure(ctx, item.ID, err.Error()); recErr != nil {
				o.logger.Error("failed to record outbox failure", "id", item.ID, "error", recErr)
			}
			continue
		}

		if err := o.store.DeleteOutbox(ctx, item.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			// Delivered but still queued: the next drain resends it under
			// the same idempotency key.
			o.logger.Error("failed to delete delivered outbox item", "id", item.ID, "error", err)
			res.Failed[item.ID] = err.Error()
			continue
		}
		res.Delivered++
	}

	if res.Attempted > 0 {
		o.logger.Info("outbox drained", "attempted", res.Attempted, "delivered", res.Delivered, "remaining", res.Remaining())
	}
	return res, nil
}
