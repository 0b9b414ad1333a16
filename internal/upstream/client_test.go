package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var testEndpoints = Endpoints{
	Submit:   "/functions/v1/send-message",
	Check:    "/functions/v1/check-messages",
	Contacts: "/functions/v1/sync-contacts",
}

func newTestClient(t *testing.T, srv *httptest.Server, apiKey string) *Client {
	t.Helper()
	c, err := NewClientWithBaseURL(srv.URL, apiKey, testEndpoints)
	if err != nil {
		t.Fatalf("NewClientWithBaseURL: %v", err)
	}
	return c
}

func TestFetch_ResolvesAgainstOrigin(t *testing.T) {
	var gotPath, gotConn string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotConn = r.Header.Get("Keep-Alive")
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	in := httptest.NewRequest(http.MethodGet, "/chat?conversation=c1", nil)
	in.Header.Set("Keep-Alive", "timeout=5")

	resp, err := c.Fetch(context.Background(), in)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotPath != "/chat?conversation=c1" {
		t.Errorf("path = %q", gotPath)
	}
	if gotConn != "" {
		t.Errorf("hop-by-hop header forwarded: %q", gotConn)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "<html></html>" {
		t.Errorf("resp = %d %q", resp.StatusCode, resp.Body)
	}
	if resp.URL != srv.URL+"/chat?conversation=c1" {
		t.Errorf("URL = %q", resp.URL)
	}
	if resp.StoredAt.IsZero() {
		t.Error("StoredAt not set")
	}
}

func TestFetch_ForwardsBody(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	in := httptest.NewRequest(http.MethodPost, "/rest/v1/messages", strings.NewReader(`{"content":"hi"}`))

	resp, err := c.Fetch(context.Background(), in)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got != `{"content":"hi"}` {
		t.Errorf("body = %q", got)
	}
}

func TestFetch_NonOKIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv, "").Get(context.Background(), "/missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound || resp.OK() {
		t.Errorf("status = %d OK=%v", resp.StatusCode, resp.OK())
	}
}

func TestFetch_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv, "")
	srv.Close()

	_, err := c.Get(context.Background(), "/")
	if !IsNetwork(err) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}

func TestFetch_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestClient(t, srv, "").Get(ctx, "/slow")
	if !IsNetwork(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want network error wrapping DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Get did not return promptly after the deadline")
	}
}

func TestSubmitMessage_Headers(t *testing.T) {
	var gotKey, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != testEndpoints.Submit || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "anon-key")
	if err := c.SubmitMessage(context.Background(), []byte(`{"text":"hi"}`), "key-1"); err != nil {
		t.Fatalf("SubmitMessage: %v", err)
	}
	if gotKey != "key-1" {
		t.Errorf("Idempotency-Key = %q", gotKey)
	}
	if gotAuth != "Bearer anon-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody != `{"text":"hi"}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestSubmitMessage_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newTestClient(t, srv, "").SubmitMessage(context.Background(), []byte(`{}`), "k")
	var se *StatusError
	if !errors.As(err, &se) || se.Status != 500 {
		t.Fatalf("err = %v, want StatusError 500", err)
	}
}

func TestSubmitMessage_RateLimitRetry(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
	}))
	defer srv.Close()

	if err := newTestClient(t, srv, "").SubmitMessage(context.Background(), []byte(`{}`), "k"); err != nil {
		t.Fatalf("SubmitMessage: %v", err)
	}
	if got := attempt.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestCheckMessages(t *testing.T) {
	tests := []struct {
		body   string
		unread bool
	}{
		{`{"unread":3}`, true},
		{`{"hasNewMessages":true}`, true},
		{`{"unread":0}`, false},
		{``, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, tt.body)
		}))
		res, err := newTestClient(t, srv, "").CheckMessages(context.Background())
		srv.Close()
		if err != nil {
			t.Fatalf("CheckMessages(%q): %v", tt.body, err)
		}
		if res.HasUnread() != tt.unread {
			t.Errorf("CheckMessages(%q).HasUnread() = %v, want %v", tt.body, res.HasUnread(), tt.unread)
		}
	}
}
