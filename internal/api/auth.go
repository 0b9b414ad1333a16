package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// RequireToken guards management endpoints with the relay's bearer token.
// An empty token locks the endpoints entirely.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				httpError(w, http.StatusServiceUnavailable, "authentication_error", "relay token not configured")
				return
			}
			given, ok := bearer(r)
			if !ok || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				slog.Debug("rejected management request", "path", r.URL.Path, "remote", r.RemoteAddr)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}
