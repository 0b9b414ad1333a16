package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/kalambet/chatrelay/internal/cache"
	"github.com/kalambet/chatrelay/internal/clients"
	"github.com/kalambet/chatrelay/internal/notify"
	"github.com/kalambet/chatrelay/internal/outbox"
	"github.com/kalambet/chatrelay/internal/push"
	"github.com/kalambet/chatrelay/internal/storage"
	"github.com/kalambet/chatrelay/internal/strategy"
	"github.com/kalambet/chatrelay/internal/syncsched"
	"github.com/kalambet/chatrelay/internal/upstream"
	"github.com/kalambet/chatrelay/internal/worker"
)

const (
	maxControlBodySize = 1 << 20  // 1MB
	maxPushBodySize    = 64 << 10 // 64KB
	maxOutboxBodySize  = 1 << 20  // 1MB

	// ClientHeader names the window a control request comes from.
	ClientHeader = "X-Chatr-Client"
)

// Dispatcher delivers inbound events to the worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev worker.Event) worker.Result
	State() worker.State
}

// OutboxService queues and lists pending messages.
type OutboxService interface {
	Enqueue(ctx context.Context, payload []byte) (storage.OutboxItem, error)
	List(ctx context.Context) ([]storage.OutboxItem, error)
}

// NotificationLister lists displayed notifications.
type NotificationLister interface {
	List() []notify.Shown
}

// CacheInspector reads cache namespaces.
type CacheInspector interface {
	Names(ctx context.Context) ([]string, error)
	Keys(ctx context.Context, ns cache.Namespace) ([]string, error)
}

// WindowRegistry accepts and lists window connections.
type WindowRegistry interface {
	Handler() websocket.Handler
	List() []clients.Info
}

type RelayDeps struct {
	Worker        Dispatcher
	Outbox        OutboxService
	Notifications NotificationLister
	Caches        CacheInspector
	Namespaces    cache.Namespaces
	Windows       WindowRegistry
	Token         string
	Version       string
}

// NewRelayHandler returns the relay's HTTP surface. Requests under /__relay
// are the relay's own endpoints; everything else, including every
// absolute-form request, is a fetch event.
func NewRelayHandler(deps RelayDeps) http.Handler {
	fetch := handleFetch(deps)

	r := chi.NewRouter()
	r.Route("/__relay", func(r chi.Router) {
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			httpError(w, http.StatusNotFound, "not_found", "no such relay endpoint")
		})

		r.Get("/health", handleHealth(deps))

		r.Post("/outbox", handleEnqueueOutbox(deps))
		r.Post("/control", handleControl(deps))
		r.Post("/notifications/{tag}/click", handleClick(deps))
		r.Method(http.MethodGet, "/clients", deps.Windows.Handler())

		r.Group(func(r chi.Router) {
			r.Use(RequireToken(deps.Token))
			r.Post("/push", handlePush(deps))
			r.Post("/sync/{tag}", handleSync(deps))
			r.Get("/outbox", handleListOutbox(deps))
			r.Get("/notifications", handleListNotifications(deps))
			r.Get("/caches", handleListCaches(deps))
			r.Get("/windows", handleListWindows(deps))
		})
	})
	r.HandleFunc("/*", fetch)

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.IsAbs() {
			fetch(w, req)
			return
		}
		r.ServeHTTP(w, req)
	})
}

// eventResponse is a worker result as returned to API callers.
type eventResponse struct {
	worker.Result
	Error string `json:"error,omitempty"`
}

func newEventResponse(res worker.Result) eventResponse {
	out := eventResponse{Result: res}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func handleHealth(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"state":   deps.Worker.State(),
			"version": deps.Version,
			"windows": len(deps.Windows.List()),
		})
	}
}

func handleFetch(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := deps.Worker.Dispatch(r.Context(), worker.Event{Type: worker.EventFetch, Request: r})
		if res.Response != nil {
			if err := res.Response.Write(w); err != nil {
				slog.Debug("writing response to window failed", "url", r.URL.String(), "error", err)
			}
			return
		}

		switch {
		case res.Err == nil, errors.Is(res.Err, strategy.ErrNoResponse):
			// Same as the network failing outright: no body, nothing to show.
			w.WriteHeader(http.StatusGatewayTimeout)
		case upstream.IsNetwork(res.Err):
			httpError(w, http.StatusBadGateway, "network_error", "%v", res.Err)
		case errors.Is(res.Err, context.Canceled):
			// The window went away.
		default:
			httpError(w, http.StatusInternalServerError, "api_error", "fetch failed: %v", res.Err)
		}
	}
}

func handlePush(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxPushBodySize)
		defer r.Body.Close()

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "reading push payload: %v", err)
			return
		}

		res := deps.Worker.Dispatch(r.Context(), worker.Event{Type: worker.EventPush, Payload: payload})
		if res.Notification == nil {
			httpError(w, http.StatusInternalServerError, "api_error", "push not displayed: %v", res.Err)
			return
		}
		writeJSON(w, http.StatusCreated, res.Notification)
	}
}

func handleSync(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag := chi.URLParam(r, "tag")
		res := deps.Worker.Dispatch(r.Context(), worker.Event{Type: worker.EventSync, Tag: tag})
		if errors.Is(res.Err, syncsched.ErrUnknownTag) {
			httpError(w, http.StatusNotFound, "not_found", "unknown sync tag %q", tag)
			return
		}
		writeJSON(w, http.StatusOK, newEventResponse(res))
	}
}

type outboxItemView struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
}

func newOutboxItemView(it storage.OutboxItem) outboxItemView {
	v := outboxItemView{
		ID:             it.ID,
		IdempotencyKey: it.IdempotencyKey,
		Payload:        json.RawMessage(it.PayloadJSON),
		Attempts:       it.Attempts,
		LastError:      it.LastError,
		CreatedAt:      it.CreatedAt,
	}
	if !it.LastAttemptAt.IsZero() {
		t := it.LastAttemptAt
		v.LastAttemptAt = &t
	}
	return v
}

func handleEnqueueOutbox(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxOutboxBodySize)
		defer r.Body.Close()

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "reading payload: %v", err)
			return
		}

		item, err := deps.Outbox.Enqueue(r.Context(), payload)
		if errors.Is(err, outbox.ErrInvalidPayload) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue message: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, newOutboxItemView(item))
	}
}

func handleListOutbox(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Outbox.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list outbox: %v", err)
			return
		}
		views := make([]outboxItemView, len(items))
		for i, it := range items {
			views[i] = newOutboxItemView(it)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleControl(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxControlBodySize)
		defer r.Body.Close()

		var msg clients.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		switch msg.Type {
		case clients.TypeSkipWaiting, clients.TypeCacheURLs:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported message type %q", msg.Type)
			return
		}

		res := deps.Worker.Dispatch(r.Context(), worker.Event{
			Type:     worker.EventMessage,
			ClientID: r.Header.Get(ClientHeader),
			Message:  msg,
		})
		writeJSON(w, http.StatusOK, newEventResponse(res))
	}
}

type clickRequest struct {
	Action string     `json:"action"`
	Data   *push.Data `json:"data,omitempty"`
}

func handleClick(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxControlBodySize)
		defer r.Body.Close()

		var req clickRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		tag := chi.URLParam(r, "tag")
		res := deps.Worker.Dispatch(r.Context(), worker.Event{
			Type:   worker.EventNotificationClick,
			Tag:    tag,
			Action: req.Action,
			Data:   req.Data,
		})
		if errors.Is(res.Err, worker.ErrUnknownNotification) {
			httpError(w, http.StatusNotFound, "not_found", "notification %q not found", tag)
			return
		}
		writeJSON(w, http.StatusOK, newEventResponse(res))
	}
}

func handleListNotifications(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shown := deps.Notifications.List()
		if shown == nil {
			shown = []notify.Shown{}
		}
		writeJSON(w, http.StatusOK, shown)
	}
}

// CacheInfo describes one cache namespace.
type CacheInfo struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose,omitempty"`
	Current bool   `json:"current"`
	Entries int    `json:"entries"`
}

// ListCaches reports every namespace in storage, marking the current ones.
func ListCaches(ctx context.Context, c CacheInspector, nss cache.Namespaces) ([]CacheInfo, error) {
	names, err := c.Names(ctx)
	if err != nil {
		return nil, err
	}

	purposes := make(map[string]cache.Purpose)
	for _, ns := range nss.All() {
		purposes[ns.Name] = ns.Purpose
	}

	infos := make([]CacheInfo, 0, len(names))
	for _, name := range names {
		keys, err := c.Keys(ctx, cache.Namespace{Name: name})
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", name, err)
		}
		p, current := purposes[name]
		infos = append(infos, CacheInfo{
			Name:    name,
			Purpose: string(p),
			Current: current,
			Entries: len(keys),
		})
	}
	return infos, nil
}

func handleListCaches(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := ListCaches(r.Context(), deps.Caches, deps.Namespaces)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list caches: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, infos)
	}
}

func handleListWindows(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos := deps.Windows.List()
		if infos == nil {
			infos = []clients.Info{}
		}
		writeJSON(w, http.StatusOK, infos)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encoding response failed", "error", err)
	}
}

// ErrorBody is the envelope every /__relay error response uses.
type ErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	var body ErrorBody
	body.Error.Message = fmt.Sprintf(format, args...)
	body.Error.Type = errType
	writeJSON(w, code, body)
}
