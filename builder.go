package runspace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/runspace/internal/compress"
	"github.com/cryguy/runspace/internal/core"
	"github.com/cryguy/runspace/internal/pool"
	"github.com/cryguy/runspace/internal/state"
	"github.com/google/uuid"
)

// Phase is a step of the per-request lifecycle.
type Phase int32

const (
	PhaseUnbound Phase = iota
	PhaseAcquiring
	PhaseBound
	PhaseExecuting
	PhaseCompleting
	PhaseReleased
)

func (p Phase) String() string {
	switch p {
	case PhaseUnbound:
		return "unbound"
	case PhaseAcquiring:
		return "acquiring"
	case PhaseBound:
		return "bound"
	case PhaseExecuting:
		return "executing"
	case PhaseCompleting:
		return "completing"
	case PhaseReleased:
		return "released"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// ExecutionContext is the request-scoped value set bound into a runspace.
// It is created by Builder.Build and cleared exactly once on release.
type ExecutionContext struct {
	ID        string
	Entry     *pool.Entry
	Request   *http.Request
	Response  *core.Response
	State     *state.Store
	Started   time.Time
	ctx       context.Context
	phase     atomic.Int32
	requestID atomic.Uint64

	mu        sync.Mutex
	vars      map[string]any
	functions []core.FunctionDef
	bound     map[core.Language]bool
	cleared   bool
}

// Context is the request's cancellation signal.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

func (ec *ExecutionContext) Phase() Phase { return Phase(ec.phase.Load()) }

func (ec *ExecutionContext) setPhase(p Phase) { ec.phase.Store(int32(p)) }

// Var returns a bound variable by name.
func (ec *ExecutionContext) Var(name string) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.vars[name]
	return v, ok
}

// Vars returns a copy of the bound variables.
func (ec *ExecutionContext) Vars() map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]any, len(ec.vars))
	for k, v := range ec.vars {
		out[k] = v
	}
	return out
}

func (ec *ExecutionContext) Functions() []core.FunctionDef {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]core.FunctionDef(nil), ec.functions...)
}

// SetArgs merges caller arguments over the current variables; the last
// write wins. Engines already bound are re-bound before their next use.
func (ec *ExecutionContext) SetArgs(args map[string]any) {
	if len(args) == 0 {
		return
	}
	ec.mu.Lock()
	for k, v := range args {
		ec.vars[k] = v
	}
	clear(ec.bound)
	ec.mu.Unlock()
}

// AddFunctions makes more user functions callable from scripts. A
// definition replaces an earlier one with the same name and language.
func (ec *ExecutionContext) AddFunctions(fns ...core.FunctionDef) {
	if len(fns) == 0 {
		return
	}
	ec.mu.Lock()
	ec.functions = mergeFunctions(ec.functions, fns)
	clear(ec.bound)
	ec.mu.Unlock()
}

func mergeFunctions(base, extra []core.FunctionDef) []core.FunctionDef {
	out := append([]core.FunctionDef(nil), base...)
	for _, fn := range extra {
		replaced := false
		for i := range out {
			if out[i].Name == fn.Name && out[i].Language == fn.Language {
				out[i] = fn
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, fn)
		}
	}
	return out
}

// Logs returns console output captured from scripts so far.
func (ec *ExecutionContext) Logs() []core.LogEntry {
	if rs := core.GetRequestState(ec.requestID.Load()); rs != nil {
		return rs.Logs()
	}
	return nil
}

// bind resets eng and writes the context into it, once per engine until the
// variables change. The first bind registers the request with the engine
// callback registry.
func (ec *ExecutionContext) bind(eng core.Engine) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.cleared {
		return fmt.Errorf("execution context %s already released", ec.ID)
	}
	lang := eng.Language()
	if ec.bound[lang] {
		return nil
	}
	if ec.requestID.Load() == 0 {
		ec.requestID.Store(core.NewRequestState(ec.Response, ec.State))
	}
	if err := eng.Reset(); err != nil {
		return fmt.Errorf("resetting %s engine: %w", lang, err)
	}
	vars := make(map[string]any, len(ec.vars))
	for k, v := range ec.vars {
		// Response and State reach engines through the request registry.
		if k == core.VarResponse || k == core.VarState {
			continue
		}
		vars[k] = v
	}
	b := &core.Binding{RequestID: ec.requestID.Load(), Vars: vars, Functions: ec.functions}
	if err := eng.Bind(b); err != nil {
		return fmt.Errorf("binding %s engine: %w", lang, err)
	}
	ec.bound[lang] = true
	return nil
}

// clear drops every reference the context holds and unregisters it from
// the engine callback registry. It reports false when already cleared.
func (ec *ExecutionContext) clear() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.cleared {
		return false
	}
	ec.cleared = true
	if id := ec.requestID.Load(); id != 0 {
		core.ClearRequestState(id)
	}
	ec.vars = nil
	ec.functions = nil
	ec.bound = nil
	ec.Entry = nil
	ec.State = nil
	return true
}

// BuildOptions carries the caller-supplied part of an execution context.
type BuildOptions struct {
	Args      map[string]any
	Functions []core.FunctionDef
}

// Builder assembles execution contexts for one host.
type Builder struct {
	cfg       core.Config
	state     *state.Store
	functions []core.FunctionDef
}

// NewBuilder returns a builder binding st by reference into every context.
// functions are made callable in every request.
func NewBuilder(cfg core.Config, st *state.Store, functions ...core.FunctionDef) *Builder {
	return &Builder{cfg: cfg, state: st, functions: functions}
}

// Build creates the execution context for r on entry. Every well-known name
// is present on success; opts.Args are applied last and win over them.
func (b *Builder) Build(entry *pool.Entry, r *http.Request, opts BuildOptions) (*ExecutionContext, error) {
	if entry == nil {
		return nil, fmt.Errorf("%w: no runspace to build on", core.ErrPoolMisconfigured)
	}
	body, err := readBody(r, b.cfg.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	headers := headerMap(r.Header)
	resp := core.NewResponse()

	vars := map[string]any{
		core.VarRequest:    requestMap(r, body, headers),
		core.VarResponse:   resp,
		core.VarState:      b.state,
		core.VarTimestamp:  now.UTC().Format(time.RFC3339Nano),
		core.VarUserAgent:  r.UserAgent(),
		core.VarServerName: b.cfg.ServerName,
		core.VarHeaders:    headers,
	}
	for k, v := range opts.Args {
		vars[k] = v
	}

	ec := &ExecutionContext{
		ID:        uuid.NewString(),
		Entry:     entry,
		Request:   r,
		Response:  resp,
		State:     b.state,
		Started:   now,
		ctx:       r.Context(),
		vars:      vars,
		functions: mergeFunctions(b.functions, opts.Functions),
		bound:     make(map[core.Language]bool),
	}
	ec.setPhase(PhaseBound)
	return ec, nil
}

// RequestError reports a request the builder cannot turn into script
// variables. The runspace is not at fault.
type RequestError struct {
	Status int
	Err    error
}

func (e *RequestError) Error() string { return e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }

// readBody reads up to limit bytes of the request body, decoding any
// Content-Encoding, and puts the raw bytes back for downstream handlers.
func readBody(r *http.Request, limit int64) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	if limit <= 0 {
		limit = 1 << 20
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return "", &RequestError{Status: http.StatusBadRequest, Err: fmt.Errorf("reading request body: %w", err)}
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if int64(len(raw)) > limit {
		return "", &RequestError{Status: http.StatusRequestEntityTooLarge, Err: fmt.Errorf("request body exceeds %d bytes", limit)}
	}
	if coding := r.Header.Get("Content-Encoding"); coding != "" {
		decoded, err := compress.Decode(bytes.NewReader(raw), coding, limit)
		if err != nil {
			return "", &RequestError{Status: http.StatusBadRequest, Err: fmt.Errorf("decoding request body: %w", err)}
		}
		return string(decoded), nil
	}
	return string(raw), nil
}

func headerMap(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

func requestMap(r *http.Request, body string, headers map[string]any) map[string]any {
	query := make(map[string]any)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	return map[string]any{
		"method":     r.Method,
		"path":       r.URL.Path,
		"query":      query,
		"rawQuery":   r.URL.RawQuery,
		"headers":    headers,
		"body":       body,
		"remoteAddr": r.RemoteAddr,
		"host":       r.Host,
		"url":        r.URL.String(),
	}
}
