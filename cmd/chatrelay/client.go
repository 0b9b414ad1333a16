package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kalambet/chatrelay/internal/api"
	"github.com/kalambet/chatrelay/internal/config"
)

// apiClient drives the /__relay management surface of a local relay.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// newAPIClient is swapped out by tests.
var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return nil, fmt.Errorf("reading relay token: %w", err)
	}
	return &apiClient{
		baseURL: "http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port),
		token:   token,
		// A sync drains the whole outbox, so allow for slow collaborators.
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set(api.ClientHeader, "cli")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach the relay at %s; start it with `chatrelay start`: %w", c.baseURL, err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// post sends raw as a JSON body; nil sends none.
func (c *apiClient) post(ctx context.Context, path string, raw []byte) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, raw)
}

// relayError is a non-2xx answer from the relay.
type relayError struct {
	status  int
	kind    string
	message string
}

func (e *relayError) Error() string {
	if e.kind == "" {
		return fmt.Sprintf("relay returned %d: %s", e.status, e.message)
	}
	return fmt.Sprintf("relay returned %d: %s (%s)", e.status, e.message, e.kind)
}

// decodeJSON closes resp after decoding its body into v. Error statuses
// become a *relayError carrying the envelope message when there is one.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 400 {
		return json.NewDecoder(resp.Body).Decode(v)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return errors.Join(&relayError{status: resp.StatusCode, message: "unreadable body"}, err)
	}
	rerr := &relayError{status: resp.StatusCode, message: string(bytes.TrimSpace(raw))}
	var env api.ErrorBody
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		rerr.kind = env.Error.Type
		rerr.message = env.Error.Message
	}
	return rerr
}
