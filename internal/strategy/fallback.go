package strategy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kalambet/chatrelay/internal/cache"
)

// OfflineHeader marks synthesized responses so the application can tell them
// apart from real backend answers.
const OfflineHeader = "X-Chatr-Offline"

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#e5e7eb"/>` +
	`<path d="M60 135l30-40 22 28 16-20 22 32z" fill="#9ca3af"/>` +
	`<circle cx="128" cy="72" r="12" fill="#9ca3af"/>` +
	`</svg>`

type offlineBody struct {
	Offline bool   `json:"offline"`
	Error   string `json:"error"`
	URL     string `json:"url"`
}

func offlineJSON(url string) *cache.Response {
	b, _ := json.Marshal(offlineBody{
		Offline: true,
		Error:   "network unavailable",
		URL:     url,
	})
	return &cache.Response{
		URL:        url,
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type":  {"application/json"},
			"Cache-Control": {"no-store"},
			OfflineHeader:   {"1"},
		},
		Body:     b,
		StoredAt: time.Now(),
	}
}

func placeholderImage(url string) *cache.Response {
	return &cache.Response{
		URL:        url,
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type":  {"image/svg+xml"},
			"Cache-Control": {"no-store"},
			OfflineHeader:   {"1"},
		},
		Body:     []byte(placeholderSVG),
		StoredAt: time.Now(),
	}
}
