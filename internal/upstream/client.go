// Package upstream performs every outbound call the relay makes: forwarded
// application traffic and the backend collaborator endpoints.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/chatrelay/internal/cache"
)

const (
	defaultTimeout = 60 * time.Second
	maxBodyBytes   = 32 << 20
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	userAgent      = "chatrelay"
)

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NetworkError means no HTTP response was obtained: DNS, connect, reset,
// timeout or cancellation.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is (or wraps) a *NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// StatusError is returned by the collaborator calls on a non-2xx reply.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

// Endpoints are the collaborator paths, relative to the origin.
type Endpoints struct {
	Submit   string
	Check    string
	Contacts string
}

// Client talks to the network on behalf of the relay.
type Client struct {
	origin     *url.URL
	apiKey     string
	endpoints  Endpoints
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a client resolving relative URLs against origin.
// apiKey may be empty.
func NewClient(origin *url.URL, apiKey string, endpoints Endpoints) *Client {
	return &Client{
		origin:    origin,
		apiKey:    apiKey,
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			// Redirects are returned to the caller like any other response.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now: time.Now,
	}
}

// NewClientWithBaseURL creates a client pointing at a custom origin (for testing).
func NewClientWithBaseURL(baseURL, apiKey string, endpoints Endpoints) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return NewClient(u, apiKey, endpoints), nil
}

// Fetch forwards an intercepted request and buffers the reply. Any HTTP
// status is a successful fetch; only transport failures return an error.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (*cache.Response, error) {
	target := c.resolve(r.URL)

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	copyHeader(out.Header, r.Header)
	// Let the transport negotiate and transparently decode compression.
	out.Header.Del("Accept-Encoding")

	return c.do(out)
}

// Get fetches an absolute or origin-relative URL.
func (c *Client) Get(ctx context.Context, rawURL string) (*cache.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", rawURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(u).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	return c.do(req)
}

func (c *Client) resolve(u *url.URL) *url.URL {
	if u.IsAbs() {
		return u
	}
	return c.origin.ResolveReference(u)
}

func (c *Client) do(req *http.Request) (*cache.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	if len(b) > maxBodyBytes {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", req.URL, maxBodyBytes)
	}

	header := make(http.Header, len(resp.Header))
	copyHeader(header, resp.Header)
	header.Del("Content-Length")

	return &cache.Response{
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       b,
		StoredAt:   c.now(),
	}, nil
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	// Headers named by Connection are hop-by-hop as well.
	for _, f := range src.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
}

// --- Collaborator endpoints ---

// SubmitMessage replays one outbox payload to the message-submission
// endpoint. The idempotency key lets the backend drop duplicates of a replay
// whose acknowledgement was lost.
func (c *Client) SubmitMessage(ctx context.Context, payload []byte, idempotencyKey string) error {
	_, err := c.call(ctx, http.MethodPost, c.endpoints.Submit, payload, func(req *http.Request) {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	})
	return err
}

// SyncContacts asks the contacts endpoint to reconcile the address book.
func (c *Client) SyncContacts(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, c.endpoints.Contacts, []byte(`{}`), nil)
	return err
}

// CheckResult is the message-check endpoint's answer.
type CheckResult struct {
	Unread         int  `json:"unread"`
	HasNewMessages bool `json:"hasNewMessages"`
}

// HasUnread reports whether the poll found anything to notify about.
func (r CheckResult) HasUnread() bool {
	return r.Unread > 0 || r.HasNewMessages
}

// CheckMessages polls the message-check endpoint.
func (c *Client) CheckMessages(ctx context.Context) (CheckResult, error) {
	body, err := c.call(ctx, http.MethodGet, c.endpoints.Check, nil, nil)
	if err != nil {
		return CheckResult{}, err
	}
	var res CheckResult
	if len(bytes.TrimSpace(body)) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return CheckResult{}, fmt.Errorf("decoding check response: %w", err)
	}
	return res, nil
}

// call issues a collaborator request, retrying with backoff while the
// backend answers 429.
func (c *Client) call(ctx context.Context, method, path string, body []byte, mutate func(*http.Request)) ([]byte, error) {
	var lastErr error
	for attempt := range maxRetries {
		b, err := c.callOnce(ctx, method, path, body, mutate)
		if err == nil {
			return b, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) callOnce(ctx context.Context, method, path string, body []byte, mutate func(*http.Request)) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	u, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(u).String(), rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, body != nil)
	if mutate != nil {
		mutate(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("apikey", c.apiKey)
	}
}
