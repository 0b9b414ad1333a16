package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/chatrelay/internal/storage"
)

var (
	// ErrMiss is returned by Match when no entry is stored for the URL.
	ErrMiss = errors.New("cache miss")
	// ErrNotCacheable is returned by Put for a non-2xx response.
	ErrNotCacheable = errors.New("response is not cacheable")
)

// Store maps namespaces and (GET, absolute URL) keys onto the SQLite tables.
type Store struct {
	db *storage.Store
}

func NewStore(db *storage.Store) *Store {
	return &Store{db: db}
}

// Open registers ns if it does not exist yet.
func (s *Store) Open(ctx context.Context, ns Namespace) error {
	err := s.db.EnsureNamespace(ctx, storage.Namespace{
		Name:    ns.Name,
		Purpose: string(ns.Purpose),
		Version: ns.Version,
	})
	if err != nil {
		return fmt.Errorf("opening namespace %s: %w", ns.Name, err)
	}
	return nil
}

// Names lists every namespace present in storage, current or stale.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	all, err := s.db.ListNamespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	names := make([]string, 0, len(all))
	for _, ns := range all {
		names = append(names, ns.Name)
	}
	return names, nil
}

// Delete drops a namespace together with its entries.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.db.DeleteNamespace(ctx, name); err != nil {
		return fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	return nil
}

// Match returns the response stored for url in ns, or ErrMiss.
func (s *Store) Match(ctx context.Context, ns Namespace, url string) (*Response, error) {
	e, err := s.db.GetCacheEntry(ctx, ns.Name, url)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("matching %s in %s: %w", url, ns.Name, err)
	}

	header := http.Header{}
	if e.HeaderJSON != "" {
		if err := json.Unmarshal([]byte(e.HeaderJSON), &header); err != nil {
			return nil, fmt.Errorf("decoding stored headers for %s: %w", url, err)
		}
	}
	return &Response{
		URL:        e.URL,
		StatusCode: e.Status,
		Header:     header,
		Body:       e.Body,
		StoredAt:   e.StoredAt,
	}, nil
}

// MatchAny tries each namespace in order and returns the first hit.
func (s *Store) MatchAny(ctx context.Context, nss []Namespace, url string) (*Response, error) {
	for _, ns := range nss {
		resp, err := s.Match(ctx, ns, url)
		if errors.Is(err, ErrMiss) {
			continue
		}
		return resp, err
	}
	return nil, ErrMiss
}

// Put stores resp under (ns, url), opening ns on first use. Concurrent puts
// for the same key race and the last writer wins.
func (s *Store) Put(ctx context.Context, ns Namespace, url string, resp *Response) error {
	if !resp.OK() {
		return ErrNotCacheable
	}
	if err := s.Open(ctx, ns); err != nil {
		return err
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encoding headers for %s: %w", url, err)
	}
	err = s.db.PutCacheEntry(ctx, storage.CacheEntry{
		Namespace:  ns.Name,
		URL:        url,
		Status:     resp.StatusCode,
		HeaderJSON: string(header),
		Body:       resp.Body,
		StoredAt:   resp.StoredAt,
	})
	if err != nil {
		return fmt.Errorf("storing %s in %s: %w", url, ns.Name, err)
	}
	return nil
}

// Keys lists the URLs stored in ns.
func (s *Store) Keys(ctx context.Context, ns Namespace) ([]string, error) {
	urls, err := s.db.ListCacheURLs(ctx, ns.Name)
	if err != nil {
		return nil, fmt.Errorf("listing keys of %s: %w", ns.Name, err)
	}
	return urls, nil
}
