// Package cache implements the agent's offline HTTP cache: named, versioned
// buckets of request/response pairs, the fetch strategies that read and fill
// them, and the manager that owns their lifecycle.
package cache

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Response is a fully buffered HTTP response as kept in a bucket.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time // zero when the response came straight from the network
}

// hopHeaders are dropped when copying headers between hops.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// readResponse buffers and closes resp.
func readResponse(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     make(http.Header),
		Body:       body,
	}
	copyHeader(out.Header, resp.Header)
	return out, nil
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone returns a deep copy.
func (r *Response) Clone() *Response {
	c := &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
		StoredAt:   r.StoredAt,
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return c
}

// Serve writes the response to w.
func (r *Response) Serve(w http.ResponseWriter) error {
	h := w.Header()
	for k, vv := range r.Header {
		h[k] = append([]string(nil), vv...)
	}
	h.Del("Content-Length")
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.StatusCode)
	_, err := w.Write(r.Body)
	return err
}
