// Package strategy executes routing decisions against the cache and network.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/chatrelay/internal/cache"
	"github.com/kalambet/chatrelay/internal/router"
	"github.com/kalambet/chatrelay/internal/telemetry"
)

const defaultNetworkTimeout = 5 * time.Second

// ErrNoResponse means neither the cache nor the network produced anything
// and the route has no fallback.
var ErrNoResponse = errors.New("no response available")

// Fetcher performs a network request and buffers the reply. A non-2xx
// status is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*cache.Response, error)
}

// Cache is the subset of cache.Store the strategies need.
type Cache interface {
	Match(ctx context.Context, ns cache.Namespace, url string) (*cache.Response, error)
	MatchAny(ctx context.Context, nss []cache.Namespace, url string) (*cache.Response, error)
	Put(ctx context.Context, ns cache.Namespace, url string, resp *cache.Response) error
}

// Spawner runs detached work that must outlive the request that started it.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Source records where a served response came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

// Engine serves intercepted requests.
type Engine struct {
	router        *router.Router
	cache         Cache
	fetcher       Fetcher
	spawner       Spawner
	namespaces    cache.Namespaces
	shellDocument string
	tracer        trace.Tracer
}

// NewEngine creates an engine. shellDocument is the origin-relative path of
// the document served when navigation fails entirely.
func NewEngine(rt *router.Router, c Cache, f Fetcher, s Spawner, ns cache.Namespaces, shellDocument string) *Engine {
	return &Engine{
		router:        rt,
		cache:         c,
		fetcher:       f,
		spawner:       s,
		namespaces:    ns,
		shellDocument: shellDocument,
		tracer:        telemetry.Tracer(),
	}
}

// Serve classifies r and runs the matching strategy. A nil error always
// comes with a non-nil response.
func (e *Engine) Serve(ctx context.Context, r *http.Request) (*cache.Response, error) {
	d := e.router.Classify(r)
	key := router.CacheKey(router.Target(r, e.router.Origin()))

	ctx, span := e.tracer.Start(ctx, "strategy."+string(d.Strategy), trace.WithAttributes(
		attribute.String("chatr.strategy", string(d.Strategy)),
		attribute.String("chatr.namespace", string(d.Namespace)),
		attribute.String("http.request.method", r.Method),
		attribute.String("url.full", key),
	))
	defer span.End()

	var (
		resp *cache.Response
		src  Source
		err  error
	)
	switch d.Strategy {
	case router.CacheFirst, router.CacheFirstWithFallback:
		resp, src, err = e.cacheFirst(ctx, r, d, key)
	case router.NetworkFirst:
		resp, src, err = e.networkFirst(ctx, r, d, key)
	case router.StaleWhileRevalidate:
		resp, src, err = e.staleWhileRevalidate(ctx, r, d, key)
	default:
		resp, err = e.fetcher.Fetch(ctx, r)
		src = SourceNetwork
	}

	if err != nil {
		src = SourceNone
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("chatr.source", string(src)))
	return resp, err
}

func (e *Engine) namespace(d router.Decision) cache.Namespace {
	ns, ok := e.namespaces.For(d.Namespace)
	if !ok {
		return e.namespaces.Runtime()
	}
	return ns
}

// lookup treats storage errors as a miss; serving from the network is
// always preferable to failing the request.
func (e *Engine) lookup(ctx context.Context, nss []cache.Namespace, key string) *cache.Response {
	resp, err := e.cache.MatchAny(ctx, nss, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			slog.Warn("cache lookup failed", "url", key, "error", err)
		}
		return nil
	}
	return resp
}

// store writes a copy of resp in the background when it is cacheable.
func (e *Engine) store(ns cache.Namespace, key string, resp *cache.Response) {
	if !resp.OK() {
		return
	}
	snapshot := resp.Clone()
	e.spawner.Go("cache-put", func(ctx context.Context) error {
		if err := e.cache.Put(ctx, ns, key, snapshot); err != nil {
			return fmt.Errorf("caching %s: %w", key, err)
		}
		return nil
	})
}

func (e *Engine) cacheFirst(ctx context.Context, r *http.Request, d router.Decision, key string) (*cache.Response, Source, error) {
	ns := e.namespace(d)
	if hit := e.lookup(ctx, []cache.Namespace{ns}, key); hit != nil {
		return hit, SourceCache, nil
	}

	resp, err := e.fetcher.Fetch(ctx, r)
	if err == nil {
		e.store(ns, key, resp)
		return resp, SourceNetwork, nil
	}
	slog.Debug("cache-first fetch failed", "url", key, "error", err)

	if d.Fallback == router.FallbackPlaceholderImage {
		return placeholderImage(key), SourceFallback, nil
	}
	return nil, SourceNone, fmt.Errorf("%w: %s: %v", ErrNoResponse, key, err)
}

// networkFirst races the fetch against the decision's timeout. The fetch
// context is cancelled when the timeout fires, so a slow response is never
// written to the cache after the fallback was served.
func (e *Engine) networkFirst(ctx context.Context, r *http.Request, d router.Decision, key string) (*cache.Response, Source, error) {
	ns := e.namespace(d)
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultNetworkTimeout
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := e.fetcher.Fetch(fetchCtx, r)
	cancel()
	if err == nil {
		e.store(ns, key, resp)
		return resp, SourceNetwork, nil
	}
	slog.Debug("network-first fetch failed, falling back", "url", key, "error", err)

	if hit := e.lookup(ctx, []cache.Namespace{ns}, key); hit != nil {
		return hit, SourceCache, nil
	}
	return offlineJSON(key), SourceFallback, nil
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, r *http.Request, d router.Decision, key string) (*cache.Response, Source, error) {
	ns := e.namespace(d)
	if hit := e.lookup(ctx, []cache.Namespace{ns, e.namespaces.Shell()}, key); hit != nil {
		e.revalidate(r, ns, key)
		return hit, SourceCache, nil
	}

	resp, err := e.fetcher.Fetch(ctx, r)
	if err == nil {
		e.store(ns, key, resp)
		return resp, SourceNetwork, nil
	}
	slog.Debug("navigation fetch failed, serving shell", "url", key, "error", err)

	if doc := e.shell(ctx); doc != nil {
		return doc, SourceFallback, nil
	}
	return nil, SourceNone, fmt.Errorf("%w: %s: %v", ErrNoResponse, key, err)
}

// revalidate refetches key in the background and refreshes ns. The request
// is copied up front since r belongs to a handler that returns first.
func (e *Engine) revalidate(r *http.Request, ns cache.Namespace, key string) {
	bg := r.Clone(context.Background())
	e.spawner.Go("revalidate", func(ctx context.Context) error {
		resp, err := e.fetcher.Fetch(ctx, bg.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("revalidating %s: %w", key, err)
		}
		if !resp.OK() {
			return nil
		}
		return e.cache.Put(ctx, ns, key, resp)
	})
}

func (e *Engine) shell(ctx context.Context) *cache.Response {
	u, err := e.router.Origin().Parse(e.shellDocument)
	if err != nil {
		slog.Warn("invalid shell document path", "path", e.shellDocument, "error", err)
		return nil
	}
	return e.lookup(ctx, []cache.Namespace{e.namespaces.Shell(), e.namespaces.Runtime()}, router.CacheKey(u))
}
