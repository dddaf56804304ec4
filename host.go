// Package runspace executes scripted HTTP routes on a bounded pool of
// reusable interpreters ("runspaces").
//
// A Host owns the pool, the shared process state and the request
// middleware. The middleware checks a runspace out for the lifetime of one
// request, binds the request into it and releases it when the handler
// returns; ScriptHandler and Host.Run execute scripts on the bound runspace
// through a cancellable invoker.
package runspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cryguy/runspace/internal/core"
	"github.com/cryguy/runspace/internal/exprlang"
	"github.com/cryguy/runspace/internal/jq"
	"github.com/cryguy/runspace/internal/jsengine"
	"github.com/cryguy/runspace/internal/pool"
	"github.com/cryguy/runspace/internal/shell"
	"github.com/cryguy/runspace/internal/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cryguy/runspace"

// DefaultEngineFactory builds the engine for lang: JavaScript and
// TypeScript on the compiled-in JS VM, shell on mvdan.cc/sh, expr on
// expr-lang and jq on gojq.
func DefaultEngineFactory(lang core.Language, cfg core.Config) (core.Engine, error) {
	switch lang {
	case core.LangJavaScript, core.LangTypeScript:
		eng, err := jsengine.New(lang, newJSRuntime, cfg.MemoryLimitMB)
		if err != nil {
			return nil, fmt.Errorf("creating %s engine: %w", jsBackend, err)
		}
		return eng, nil
	case core.LangShell:
		eng, err := shell.New()
		if err != nil {
			return nil, err
		}
		return eng, nil
	case core.LangExpr:
		return exprlang.New(), nil
	case core.LangJQ:
		return jq.New(), nil
	}
	return nil, fmt.Errorf("%w: unknown language %q", core.ErrPoolMisconfigured, lang)
}

// Host wires the pool, shared state, context builder and invoker together.
type Host struct {
	cfg      Config
	pool     *pool.Pool
	state    *state.Store
	snap     *state.Snapshotter
	builder  *Builder
	invoker  *Invoker
	log      *log.Logger
	observer func(Event)
}

type hostOptions struct {
	logger    *log.Logger
	factory   core.EngineFactory
	state     *state.Store
	tracer    trace.TracerProvider
	functions []core.FunctionDef
	observer  func(Event)
}

// Option configures a Host.
type Option func(*hostOptions)

func WithLogger(l *log.Logger) Option {
	return func(o *hostOptions) { o.logger = l }
}

// WithEngineFactory replaces DefaultEngineFactory.
func WithEngineFactory(f core.EngineFactory) Option {
	return func(o *hostOptions) { o.factory = f }
}

// WithState shares an existing store, e.g. between hosts serving
// different pipelines.
func WithState(st *state.Store) Option {
	return func(o *hostOptions) { o.state = st }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *hostOptions) { o.tracer = tp }
}

// WithFunctions makes fns callable from every script.
func WithFunctions(fns ...core.FunctionDef) Option {
	return func(o *hostOptions) { o.functions = append(o.functions, fns...) }
}

// WithObserver registers a callback for lifecycle events. A panicking
// observer is logged and otherwise ignored.
func WithObserver(fn func(Event)) Option {
	return func(o *hostOptions) { o.observer = fn }
}

// NewHost validates cfg, pre-warms the pool and restores shared state from
// cfg.StatePath when set.
func NewHost(cfg Config, opts ...Option) (*Host, error) {
	o := hostOptions{factory: DefaultEngineFactory}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "runspace"})
	}
	if o.state == nil {
		o.state = state.New()
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Host{
		cfg:      cfg,
		state:    o.state,
		log:      o.logger,
		observer: o.observer,
	}
	if cfg.StatePath != "" {
		snap, err := state.OpenSnapshotter(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		n, err := snap.Restore(context.Background(), h.state, true)
		if err != nil {
			snap.Close()
			return nil, fmt.Errorf("restoring state: %w", err)
		}
		h.snap = snap
		h.log.Debug("state restored", "path", cfg.StatePath, "entries", n)
	}

	p, err := pool.New(cfg, o.factory, pool.WithLogger(h.log.WithPrefix("pool")))
	if err != nil {
		if h.snap != nil {
			h.snap.Close()
		}
		return nil, err
	}
	h.pool = p
	h.builder = NewBuilder(cfg, h.state, o.functions...)
	h.invoker = NewInvoker(cfg.StopGracePeriod, o.tracer.Tracer(tracerName), h.log)
	return h, nil
}

func (h *Host) Config() Config      { return h.cfg }
func (h *Host) Pool() *pool.Pool    { return h.pool }
func (h *Host) State() *state.Store { return h.state }
func (h *Host) Builder() *Builder   { return h.builder }
func (h *Host) Invoker() *Invoker   { return h.invoker }
func (h *Host) Logger() *log.Logger { return h.log }

// Run compiles src on the request's runspace, binds the execution context
// into the engine for its language and invokes it under ec's cancellation
// signal.
func (h *Host) Run(ec *ExecutionContext, src core.Source) (any, error) {
	if ec == nil || ec.Entry == nil {
		return nil, fmt.Errorf("%w: no runspace bound to the request", core.ErrPoolMisconfigured)
	}
	ctx := ec.Context()
	if len(src.Args) > 0 {
		defaults := make(map[string]any, len(src.Args))
		for k, v := range src.Args {
			if _, set := ec.Var(k); !set {
				defaults[k] = v
			}
		}
		ec.SetArgs(defaults)
	}
	prog, eng, err := ec.Entry.Compile(src)
	if err != nil {
		return nil, err
	}
	if err := ec.bind(eng); err != nil {
		ec.Entry.Taint("bind failed")
		return nil, err
	}
	if ec.Phase() == PhaseBound {
		ec.setPhase(PhaseExecuting)
	}
	return h.invoker.Invoke(ctx, ec.Entry, eng, prog)
}

// Shutdown disposes the pool, waits for background evictions until ctx
// ends and saves shared state when a state path is configured.
func (h *Host) Shutdown(ctx context.Context) error {
	if h.pool == nil {
		h.logf(func(l *log.Logger) {
			l.Error("shutting down a host with no runspace pool", "err", core.ErrPoolMisconfigured)
		})
	}
	h.pool.Dispose()
	var errs []error
	if err := h.pool.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for runspaces: %w", err))
	}
	if h.snap != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		n, err := h.snap.Save(saveCtx, h.state)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("saving state: %w", err))
		} else {
			h.log.Debug("state saved", "path", h.cfg.StatePath, "entries", n)
		}
		if err := h.snap.Close(); err != nil {
			errs = append(errs, err)
		}
		h.snap = nil
	}
	return errors.Join(errs...)
}

// JSBackend names the JavaScript VM compiled into this build.
func JSBackend() string { return jsBackend }
