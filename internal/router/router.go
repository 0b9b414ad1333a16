// Package router decides how each intercepted request is served.
package router

import (
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/kalambet/chatrelay/internal/cache"
)

type Strategy string

const (
	NetworkOnly            Strategy = "networkOnly"
	CacheFirst             Strategy = "cacheFirst"
	NetworkFirst           Strategy = "networkFirst"
	StaleWhileRevalidate   Strategy = "staleWhileRevalidate"
	CacheFirstWithFallback Strategy = "cacheFirstWithFallback"
)

type Fallback string

const (
	FallbackNone             Fallback = "none"
	FallbackOfflineJSON      Fallback = "offlineJSON"
	FallbackPlaceholderImage Fallback = "placeholderImage"
	FallbackShellDocument    Fallback = "shellDocument"
)

// Decision is the routing outcome for one request.
type Decision struct {
	Strategy  Strategy
	Namespace cache.Purpose // empty for NetworkOnly
	Timeout   time.Duration // NetworkFirst only
	Fallback  Fallback
}

var (
	scriptExt    = regexp.MustCompile(`\.(m?js|jsx|tsx?)$`)
	scriptPrefix = []string{"/@vite/", "/node_modules/", "/src/"}

	imageExt = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
		".svg": true, ".ico": true, ".avif": true, ".bmp": true,
	}
)

// Router classifies requests against the application origin.
type Router struct {
	origin     *url.URL
	apiMarkers []string
	timeout    time.Duration
}

func New(origin *url.URL, apiMarkers []string, networkTimeout time.Duration) *Router {
	return &Router{origin: origin, apiMarkers: apiMarkers, timeout: networkTimeout}
}

// Origin returns the application origin requests are resolved against.
func (rt *Router) Origin() *url.URL {
	return rt.origin
}

// Classify applies the routing rules in priority order. The first rule that
// matches wins.
func (rt *Router) Classify(r *http.Request) Decision {
	if r.Method != http.MethodGet {
		return Decision{Strategy: NetworkOnly, Fallback: FallbackNone}
	}

	target := Target(r, rt.origin)
	sameOrigin := SameOrigin(target, rt.origin)
	image := IsImage(r, target)

	switch {
	case !sameOrigin && !image:
		return Decision{Strategy: NetworkOnly, Fallback: FallbackNone}
	case !sameOrigin:
		return Decision{Strategy: CacheFirst, Namespace: cache.PurposeImage, Fallback: FallbackNone}
	case isScript(target.Path):
		return Decision{Strategy: NetworkOnly, Fallback: FallbackNone}
	case rt.isAPI(target.Path):
		return Decision{Strategy: NetworkFirst, Namespace: cache.PurposeRuntime, Timeout: rt.timeout, Fallback: FallbackOfflineJSON}
	case image:
		return Decision{Strategy: CacheFirstWithFallback, Namespace: cache.PurposeImage, Fallback: FallbackPlaceholderImage}
	case IsNavigation(r):
		return Decision{Strategy: StaleWhileRevalidate, Namespace: cache.PurposeRuntime, Fallback: FallbackShellDocument}
	default:
		return Decision{Strategy: CacheFirst, Namespace: cache.PurposeRuntime, Fallback: FallbackNone}
	}
}

func (rt *Router) isAPI(p string) bool {
	for _, m := range rt.apiMarkers {
		if m != "" && strings.Contains(p, m) {
			return true
		}
	}
	return false
}

func isScript(p string) bool {
	if scriptExt.MatchString(p) {
		return true
	}
	for _, prefix := range scriptPrefix {
		if strings.Contains(p, prefix) {
			return true
		}
	}
	return false
}

// Target returns the absolute URL a request addresses. Absolute-form
// (proxy) requests carry it directly; origin-form requests are resolved
// against origin.
func Target(r *http.Request, origin *url.URL) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	u := *r.URL
	u.Scheme = origin.Scheme
	u.Host = origin.Host
	return &u
}

// CacheKey is the string form of the target URL without a fragment or an
// explicit default port, so https://chatr.app:443/x and https://chatr.app/x
// share an entry.
func CacheKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	if c.Port() != "" && c.Port() == defaultPort(c.Scheme) {
		c.Host = strings.TrimSuffix(c.Host, ":"+c.Port())
	}
	return c.String()
}

// SameOrigin compares scheme, host name and effective port.
func SameOrigin(u, origin *url.URL) bool {
	return strings.EqualFold(u.Scheme, origin.Scheme) &&
		strings.EqualFold(u.Hostname(), origin.Hostname()) &&
		effectivePort(u) == effectivePort(origin)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	return defaultPort(u.Scheme)
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}
	return ""
}

// IsImage reports an image destination. Without a Sec-Fetch-Dest header the
// file extension decides.
func IsImage(r *http.Request, target *url.URL) bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "image"
	}
	return imageExt[strings.ToLower(path.Ext(target.Path))]
}

func IsNavigation(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Mode") == "navigate" || r.Header.Get("Sec-Fetch-Dest") == "document"
}
