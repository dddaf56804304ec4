package core

import (
	"bytes"
	"net/http"
	"sync"
)

// MaxResponseBytes caps the body a script may buffer for one response.
const MaxResponseBytes = 8 << 20

// Response buffers what a script writes for one HTTP response. Scripts run
// on an engine goroutine while the request goroutine may be unwinding after
// an abort, so every method takes the lock.
type Response struct {
	mu        sync.Mutex
	status    int
	header    http.Header
	body      bytes.Buffer
	truncated bool
	committed bool
}

// NewResponse returns an empty response defaulting to 200 OK.
func NewResponse() *Response {
	return &Response{status: http.StatusOK, header: make(http.Header)}
}

// SetStatus sets the status code. Codes outside 100..999 are ignored.
func (r *Response) SetStatus(code int) {
	if code < 100 || code > 999 {
		return
	}
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

// Status returns the current status code.
func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetHeader replaces a header value.
func (r *Response) SetHeader(name, value string) {
	r.mu.Lock()
	r.header.Set(name, value)
	r.mu.Unlock()
}

// AddHeader appends a header value.
func (r *Response) AddHeader(name, value string) {
	r.mu.Lock()
	r.header.Add(name, value)
	r.mu.Unlock()
}

// Header returns a copy of the buffered headers.
func (r *Response) Header() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Clone()
}

// Write appends to the body, dropping bytes past MaxResponseBytes.
func (r *Response) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := MaxResponseBytes - r.body.Len()
	if room <= 0 {
		r.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		r.truncated = true
		r.body.Write(p[:room])
		return len(p), nil
	}
	return r.body.Write(p)
}

// WriteString appends s to the body.
func (r *Response) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// Body returns a copy of the buffered body.
func (r *Response) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.body.Bytes())
}

// Len returns the buffered body length.
func (r *Response) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Len()
}

// Truncated reports whether writes were dropped.
func (r *Response) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// Redirect sets a Location header and a redirect status (302 when code is 0).
func (r *Response) Redirect(location string, code int) {
	if code == 0 {
		code = http.StatusFound
	}
	r.mu.Lock()
	r.header.Set("Location", location)
	r.status = code
	r.mu.Unlock()
}

// Commit marks the response as flushed and reports whether this call did
// so. Only the first caller may write to the underlying ResponseWriter.
func (r *Response) Commit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return false
	}
	r.committed = true
	return true
}
