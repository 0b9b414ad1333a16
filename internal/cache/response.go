package cache

import (
	"net/http"
	"time"
)

// Response is a fully buffered HTTP response. Unlike *http.Response its body
// can be read any number of times, so it can be served and stored at once.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// OK reports whether the status is in the 2xx range. Only such responses are
// ever written to a namespace.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone returns a deep copy safe to hand to a concurrent writer.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Write copies the snapshot onto w.
func (r *Response) Write(w http.ResponseWriter) error {
	h := w.Header()
	for k, vs := range r.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	w.WriteHeader(r.StatusCode)
	_, err := w.Write(r.Body)
	return err
}
