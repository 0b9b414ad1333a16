// Package lifecycle prepares cache namespaces when a relay version installs
// and sweeps stale generations when it activates.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatrelay/internal/cache"
	"github.com/kalambet/chatrelay/internal/router"
)

const fetchConcurrency = 4

// Fetcher retrieves a single absolute URL.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*cache.Response, error)
}

// Cache is the subset of cache.Store the controller needs.
type Cache interface {
	Open(ctx context.Context, ns cache.Namespace) error
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
	Put(ctx context.Context, ns cache.Namespace, url string, resp *cache.Response) error
}

// Host receives lifecycle signals.
type Host interface {
	// SkipWaiting activates the installed version without waiting for
	// older windows to go away.
	SkipWaiting()
	// Claim puts every open window under the active version.
	Claim(ctx context.Context) error
}

// FillReport lists which URLs were stored and which failed.
type FillReport struct {
	Cached []string          `json:"cached"`
	Failed map[string]string `json:"failed,omitempty"`
}

// Complete reports whether every URL was stored.
func (r FillReport) Complete() bool {
	return len(r.Failed) == 0
}

// Controller owns namespace versioning.
type Controller struct {
	cache       Cache
	fetcher     Fetcher
	host        Host
	namespaces  cache.Namespaces
	origin      *url.URL
	shellAssets []string
}

func NewController(c Cache, f Fetcher, h Host, ns cache.Namespaces, origin *url.URL, shellAssets []string) *Controller {
	return &Controller{
		cache:       c,
		fetcher:     f,
		host:        h,
		namespaces:  ns,
		origin:      origin,
		shellAssets: shellAssets,
	}
}

// Install opens the shell namespace and stores each shell asset. A failed
// asset is logged and skipped. SkipWaiting is signalled whatever the outcome.
func (c *Controller) Install(ctx context.Context) FillReport {
	defer c.host.SkipWaiting()

	shell := c.namespaces.Shell()
	if err := c.cache.Open(ctx, shell); err != nil {
		slog.Error("install: opening shell namespace", "namespace", shell.Name, "error", err)
	}

	report := c.fill(ctx, shell, c.shellAssets)
	slog.Info("install complete", "namespace", shell.Name, "cached", len(report.Cached), "failed", len(report.Failed))
	return report
}

// Activate deletes every namespace outside the current generation, opens the
// current three and claims open windows. Claim runs even when a delete fails.
func (c *Controller) Activate(ctx context.Context) error {
	var errs []error

	names, err := c.cache.Names(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing namespaces: %w", err))
	}
	for _, name := range names {
		if c.namespaces.Contains(name) {
			continue
		}
		if err := c.cache.Delete(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("activate: deleted stale namespace", "namespace", name)
	}

	for _, ns := range c.namespaces.All() {
		if err := c.cache.Open(ctx, ns); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.host.Claim(ctx); err != nil {
		errs = append(errs, fmt.Errorf("claiming clients: %w", err))
	}
	return errors.Join(errs...)
}

// PreWarm stores the given URLs in the runtime namespace. Relative URLs are
// resolved against the application origin.
func (c *Controller) PreWarm(ctx context.Context, urls []string) FillReport {
	return c.fill(ctx, c.namespaces.Runtime(), urls)
}

// fill fetches every URL with bounded concurrency and stores the 2xx ones.
func (c *Controller) fill(ctx context.Context, ns cache.Namespace, urls []string) FillReport {
	report := FillReport{Failed: map[string]string{}}
	var mu sync.Mutex
	record := func(key string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Failed[key] = err.Error()
			slog.Warn("caching asset failed", "namespace", ns.Name, "url", key, "error", err)
			return
		}
		report.Cached = append(report.Cached, key)
	}

	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for _, raw := range urls {
		u, err := c.origin.Parse(raw)
		if err != nil {
			record(raw, fmt.Errorf("invalid URL: %w", err))
			continue
		}
		key := router.CacheKey(u)
		g.Go(func() error {
			record(key, c.fetchAndStore(ctx, ns, key))
			return nil
		})
	}
	g.Wait()

	return report
}

func (c *Controller) fetchAndStore(ctx context.Context, ns cache.Namespace, key string) error {
	resp, err := c.fetcher.Get(ctx, key)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return c.cache.Put(ctx, ns, key, resp)
}
