package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/kalambet/chatrelay/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func okResponse(body string) *Response {
	return &Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(body),
	}
}

func TestNamespacesNaming(t *testing.T) {
	ns := NewNamespaces("chatr", "v2")

	if ns.Shell().Name != "chatr-shell-v2" {
		t.Errorf("shell = %q", ns.Shell().Name)
	}
	if ns.Runtime().Name != "chatr-runtime-v2" {
		t.Errorf("runtime = %q", ns.Runtime().Name)
	}
	if ns.Image().Name != "chatr-images-v2" {
		t.Errorf("image = %q", ns.Image().Name)
	}
	if !ns.Contains("chatr-runtime-v2") || ns.Contains("chatr-runtime-v1") {
		t.Error("Contains does not match the current generation only")
	}

	all := ns.All()
	all[0].Name = "mutated"
	if ns.Shell().Name != "chatr-shell-v2" {
		t.Error("All() exposed internal state")
	}
}

func TestPutMatchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rt := NewNamespaces("chatr", "v1").Runtime()

	if err := s.Put(ctx, rt, "https://chatr.app/a.css", okResponse("body{}")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Match(ctx, rt, "https://chatr.app/a.css")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if string(got.Body) != "body{}" || got.StatusCode != 200 {
		t.Errorf("got %d %q", got.StatusCode, got.Body)
	}
	if got.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("Content-Type = %q", got.Header.Get("Content-Type"))
	}

	names, err := s.Names(ctx)
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if len(names) != 1 || names[0] != rt.Name {
		t.Errorf("Put did not open namespace: %v", names)
	}
}

func TestPutRejectsNonOK(t *testing.T) {
	s := newTestStore(t)
	rt := NewNamespaces("chatr", "v1").Runtime()

	err := s.Put(context.Background(), rt, "https://chatr.app/x", &Response{StatusCode: 404})
	if !errors.Is(err, ErrNotCacheable) {
		t.Errorf("err = %v, want ErrNotCacheable", err)
	}
}

func TestMatchAnyOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ns := NewNamespaces("chatr", "v1")
	url := "https://chatr.app/index.html"

	if err := s.Put(ctx, ns.Shell(), url, okResponse("shell")); err != nil {
		t.Fatal(err)
	}
	got, err := s.MatchAny(ctx, []Namespace{ns.Runtime(), ns.Shell()}, url)
	if err != nil {
		t.Fatalf("MatchAny: %v", err)
	}
	if string(got.Body) != "shell" {
		t.Errorf("body = %q, want shell fallback", got.Body)
	}

	if err := s.Put(ctx, ns.Runtime(), url, okResponse("runtime")); err != nil {
		t.Fatal(err)
	}
	got, err = s.MatchAny(ctx, []Namespace{ns.Runtime(), ns.Shell()}, url)
	if err != nil {
		t.Fatalf("MatchAny: %v", err)
	}
	if string(got.Body) != "runtime" {
		t.Errorf("body = %q, want runtime first", got.Body)
	}

	if _, err := s.MatchAny(ctx, ns.All(), "https://chatr.app/none"); !errors.Is(err, ErrMiss) {
		t.Errorf("err = %v, want ErrMiss", err)
	}
}

func TestDeleteMakesEntriesUnreachable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := NewNamespaces("chatr", "v0").Runtime()

	if err := s.Put(ctx, old, "https://chatr.app/a", okResponse("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, old.Name); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Match(ctx, old, "https://chatr.app/a"); !errors.Is(err, ErrMiss) {
		t.Errorf("err = %v, want ErrMiss", err)
	}
	keys, err := s.Keys(ctx, old)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("keys = %v, want none", keys)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	r := okResponse("abc")
	c := r.Clone()
	c.Body[0] = 'X'
	c.Header.Set("Content-Type", "x")

	if string(r.Body) != "abc" || r.Header.Get("Content-Type") != "text/plain" {
		t.Error("Clone shares state with the original")
	}
}
