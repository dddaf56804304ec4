package runspace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cryguy/runspace/internal/core"
	"github.com/cryguy/runspace/internal/pool"
	"github.com/google/uuid"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-Id"

// Event describes one lifecycle transition, reported to the observer.
type Event struct {
	RequestID string
	Runspace  string
	Phase     Phase
	Healthy   bool
	Wait      time.Duration // time spent acquiring (PhaseBound)
	Held      time.Duration // time the runspace was held (PhaseReleased)
	Err       error
}

// binding is one request's hold on a runspace. release runs at most once.
type binding struct {
	h        *Host
	reqID    string
	amb      *ambient
	entry    *pool.Entry
	ec       *ExecutionContext
	acquired time.Time

	once       sync.Once
	bindFailed bool
}

var errBind = errors.New("binding request")

// acquire checks a runspace out, builds the execution context, binds it
// into the engine for lang and publishes both in ambient storage. On error
// nothing is held.
func (h *Host) acquire(ctx context.Context, r *http.Request, reqID string, lang core.Language, opts BuildOptions) (*binding, error) {
	if lang == "" {
		lang = h.cfg.DefaultLanguage
	}
	ctx, amb := withAmbient(ctx)
	start := time.Now()
	entry, err := h.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	b := &binding{h: h, reqID: reqID, amb: amb, entry: entry, acquired: time.Now()}

	ec, err := h.builder.Build(entry, r.WithContext(ctx), opts)
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		b.release()
		return nil, err
	}
	if err == nil {
		b.ec = ec
		var eng core.Engine
		eng, err = entry.Engine(lang)
		if err == nil {
			err = ec.bind(eng)
		}
	}
	if err != nil {
		b.bindFailed = true
		b.release()
		return nil, fmt.Errorf("%w: %w", errBind, err)
	}

	entry.SetLastRequest(reqID)
	amb.set(KeyRunspace, entry)
	amb.set(KeyExecutionContext, ec)
	h.observe(Event{RequestID: reqID, Runspace: entry.ID(), Phase: PhaseBound, Wait: b.acquired.Sub(start)})
	return b, nil
}

// release clears ambient storage and the execution context and hands the
// runspace back to the pool, marked unhealthy when binding failed or the
// engine is no longer trustworthy.
func (b *binding) release() {
	b.once.Do(func() {
		if b.ec != nil {
			b.ec.setPhase(PhaseCompleting)
		}
		b.amb.clear(KeyRunspace, KeyExecutionContext)
		healthy := !b.bindFailed && b.entry.Healthy()
		id := b.entry.ID()
		if b.ec != nil {
			b.ec.clear()
		}
		err := b.h.pool.Release(b.entry, healthy)
		if err != nil {
			b.h.logf(func(l *log.Logger) {
				l.Error("releasing runspace", "runspace", id, "err", err)
			})
		}
		if b.ec != nil {
			b.ec.setPhase(PhaseReleased)
		}
		b.h.observe(Event{
			RequestID: b.reqID,
			Runspace:  id,
			Phase:     PhaseReleased,
			Healthy:   healthy,
			Held:      time.Since(b.acquired),
			Err:       err,
		})
	})
}

// logf hands the host logger to fn. A failing log sink never fails the
// request.
func (h *Host) logf(fn func(*log.Logger)) {
	if h.log == nil {
		return
	}
	defer func() { _ = recover() }()
	fn(h.log)
}

// observe reports ev to the observer; instrumentation never fails a request.
func (h *Host) observe(ev Event) {
	if h.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logf(func(l *log.Logger) {
				l.Warn("lifecycle observer panicked", "phase", ev.Phase, "panic", r)
			})
		}
	}()
	h.observer(ev)
}

// Middleware checks a runspace out for every request and releases it when
// the downstream handler returns, panics included.
//
// Requests that cannot get a runspace because the pool is exhausted or
// disposed get 503 with Retry-After. A pool that was never set up is
// logged and the request proceeds without scripting. A request whose body
// cannot be read answers 400 or 413 and releases the runspace healthy. A
// failed bind releases the runspace as broken and answers 500.
func (h *Host) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)

			ctx, _ := withAmbient(r.Context())
			r = r.WithContext(ctx)

			var lang core.Language
			if src, ok := scriptFrom(ctx); ok {
				lang = src.Language
			}
			b, err := h.acquire(ctx, r, reqID, lang, BuildOptions{})
			if err != nil {
				h.acquireFailed(w, r, next, reqID, err)
				return
			}
			defer b.release()

			next.ServeHTTP(w, r)
		})
	}
}

func (h *Host) acquireFailed(w http.ResponseWriter, r *http.Request, next http.Handler, reqID string, err error) {
	h.observe(Event{RequestID: reqID, Phase: PhaseAcquiring, Err: err})
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		h.logf(func(l *log.Logger) {
			l.Warn("rejecting request", "request", reqID, "path", r.URL.Path, "err", err)
		})
		http.Error(w, http.StatusText(reqErr.Status), reqErr.Status)
	case errors.Is(err, errBind):
		h.logf(func(l *log.Logger) {
			l.Error("binding runspace", "request", reqID, "path", r.URL.Path, "err", err)
		})
		http.Error(w, "internal server error", http.StatusInternalServerError)
	case errors.Is(err, core.ErrPoolExhausted), errors.Is(err, core.ErrPoolDisposed):
		h.logf(func(l *log.Logger) {
			l.Warn("no runspace available", "request", reqID, "path", r.URL.Path, "err", err)
		})
		w.Header().Set("Retry-After", "1")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, core.ErrPoolMisconfigured):
		h.logf(func(l *log.Logger) {
			l.Error("runspace pool misconfigured, serving without scripting", "request", reqID, "err", err)
		})
		next.ServeHTTP(w, r)
	case errors.Is(err, core.ErrOperationCanceled):
		h.logf(func(l *log.Logger) {
			l.Debug("client went away while waiting for a runspace", "request", reqID)
		})
	default:
		h.logf(func(l *log.Logger) {
			l.Error("acquiring runspace", "request", reqID, "path", r.URL.Path, "err", err)
		})
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// Exec runs src on a runspace checked out just for this call, for callers
// outside the HTTP middleware such as signal routes. r supplies the
// request variables; ctx is the cancellation signal.
func (h *Host) Exec(ctx context.Context, r *http.Request, src core.Source, opts BuildOptions) (any, *core.Response, error) {
	b, err := h.acquire(ctx, r.WithContext(ctx), uuid.NewString(), src.Language, opts)
	if err != nil {
		return nil, nil, err
	}
	defer b.release()
	resp := b.ec.Response
	out, err := h.Run(b.ec, src)
	return out, resp, err
}

// Recovery turns a panic in next into a 500 and logs the stack.
func Recovery(h *Host) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					h.log.Error("panic recovered",
						"error", rec,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Logging logs one line per request.
func Logging(h *Host) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			h.log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status,
				"duration", time.Since(start),
				"request", rw.Header().Get(RequestIDHeader),
			)
		})
	}
}

// Chain applies middlewares left to right:
// Chain(m1, m2)(handler) = m1(m2(handler)).
func Chain(middlewares ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(p)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }
