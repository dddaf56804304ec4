package core

import "time"

// LogEntry is a single console/log line captured from a script.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// SharedState is the view of the process-wide state store that engines
// use. Implementations synchronise internally; callers never lock.
type SharedState interface {
	Get(name string) (any, bool)
	Set(name string, value any, scopes ...string)
	Has(name string) bool
	Delete(name string) bool
	Keys() []string
	Increment(name string, delta float64) (float64, error)
	Snapshot(scopes ...string) map[string]any
}

// Well-known names bound into every execution context.
const (
	VarRequest    = "Request"
	VarResponse   = "Response"
	VarState      = "State"
	VarTimestamp  = "Timestamp"
	VarUserAgent  = "UserAgent"
	VarServerName = "ServerName"
	VarHeaders    = "Headers"
	VarData       = "Data" // signal (WebSocket) message payload
)

// WellKnownVars lists the names every successful build populates.
var WellKnownVars = []string{
	VarRequest, VarResponse, VarState, VarTimestamp, VarUserAgent, VarServerName, VarHeaders,
}
