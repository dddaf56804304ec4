package core

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Per-request log limits.
const (
	MaxLogEntries     = 1000
	MaxLogMessageSize = 4096
)

// RequestState holds per-request values that engine callbacks reach by
// request ID: Go functions registered once per VM (JS) and shell builtins
// cannot close over a single request, so they look the request up here.
// The middleware registers it at bind time and clears it on release.
type RequestState struct {
	Response *Response
	State    SharedState

	mu   sync.Mutex
	logs []LogEntry
}

// Logs returns a copy of the captured log entries.
func (rs *RequestState) Logs() []LogEntry {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]LogEntry(nil), rs.logs...)
}

func (rs *RequestState) log(level, message string) {
	if len(message) > MaxLogMessageSize {
		message = message[:MaxLogMessageSize] + "...(truncated)"
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.logs) < MaxLogEntries {
		rs.logs = append(rs.logs, LogEntry{Level: level, Message: message, Time: time.Now()})
	}
}

// registry maps bound request IDs to their state. IDs start at 1.
var registry struct {
	next  atomic.Uint64
	bound sync.Map // uint64 -> *RequestState
}

// NewRequestState registers a request and returns its ID.
func NewRequestState(resp *Response, st SharedState) uint64 {
	id := registry.next.Add(1)
	registry.bound.Store(id, &RequestState{Response: resp, State: st})
	return id
}

// GetRequestState returns the state bound to id, or nil.
func GetRequestState(id uint64) *RequestState {
	if v, ok := registry.bound.Load(id); ok {
		return v.(*RequestState)
	}
	return nil
}

// ClearRequestState unbinds id and returns what was bound, or nil when
// nothing was.
func ClearRequestState(id uint64) *RequestState {
	if v, ok := registry.bound.LoadAndDelete(id); ok {
		return v.(*RequestState)
	}
	return nil
}

// ActiveRequestStates counts bound requests.
func ActiveRequestStates() (n int) {
	registry.bound.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// AddLog records a script log line against request id. Lines for unknown
// or cleared requests are dropped.
func AddLog(id uint64, level, message string) {
	if rs := GetRequestState(id); rs != nil {
		rs.log(level, message)
	}
}

// ParseReqID reads a request ID passed back from script code. Anything
// malformed yields 0, which is never bound.
func ParseReqID(s string) uint64 {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// JsEscape quotes s as a JavaScript string literal.
func JsEscape(s string) string {
	return strconv.Quote(s)
}
