package runspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cryguy/runspace/internal/core"
	"github.com/cryguy/runspace/internal/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Invoker runs one script invocation while racing the request's
// cancellation signal.
type Invoker struct {
	grace  time.Duration
	tracer trace.Tracer
	log    *log.Logger
}

// NewInvoker returns an invoker that waits grace for a cooperative stop
// before giving up on an interrupted engine.
func NewInvoker(grace time.Duration, tracer trace.Tracer, logger *log.Logger) *Invoker {
	return &Invoker{grace: grace, tracer: tracer, log: logger}
}

type invokeResult struct {
	value any
	err   error
}

// Invoke runs prog on eng, which belongs to entry.
//
// When ctx ends first the engine is interrupted. If the invocation returns
// within the grace period the call reports ErrOperationCanceled; otherwise it
// reports ErrOperationCanceled anyway, taints entry and leaves the
// invocation to finish in the background. Exactly one cancellation listener
// is registered per call and it is removed before returning.
func (iv *Invoker) Invoke(ctx context.Context, entry *pool.Entry, eng core.Engine, prog core.Program) (any, error) {
	ctx, span := iv.tracer.Start(ctx, "runspace.invoke",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("runspace.id", entry.ID()),
			attribute.Int64("runspace.generation", int64(entry.Generation())),
			attribute.String("script.language", string(prog.Language())),
		),
	)
	defer span.End()

	v, err := iv.invoke(ctx, entry, eng, prog)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if entry.Tainted() {
			span.SetAttributes(attribute.String("runspace.taint", entry.TaintReason()))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return v, err
}

func (iv *Invoker) invoke(ctx context.Context, entry *pool.Entry, eng core.Engine, prog core.Program) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrOperationCanceled, err)
	}

	done := make(chan invokeResult, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		var res invokeResult
		defer func() {
			if r := recover(); r != nil {
				res = invokeResult{err: &core.RuntimeError{
					Language:   prog.Language(),
					Corrupting: true,
					Err:        fmt.Errorf("engine panic: %v", r),
				}}
			}
			done <- res
		}()
		res.value, res.err = eng.Invoke(ctx, prog)
	}()

	stop := context.AfterFunc(ctx, eng.Interrupt)
	defer stop()

	select {
	case res := <-done:
		return iv.settle(ctx, entry, prog.Language(), res)
	case <-ctx.Done():
	}

	timer := time.NewTimer(iv.grace)
	defer timer.Stop()
	select {
	case res := <-done:
		if core.IsCorrupting(res.err) {
			entry.Taint("corrupting error after cancellation")
		}
		return nil, fmt.Errorf("%w: %w", core.ErrOperationCanceled, ctx.Err())
	case <-timer.C:
		entry.Taint("stop not confirmed within grace period")
		entry.TrackAbandoned(finished)
		iv.log.Warn("script did not stop after cancellation",
			"runspace", entry.ID(), "language", prog.Language(), "grace", iv.grace)
		return nil, fmt.Errorf("%w: %w", core.ErrOperationCanceled, ctx.Err())
	}
}

// settle classifies a result that arrived before cancellation was noticed.
func (iv *Invoker) settle(ctx context.Context, entry *pool.Entry, lang core.Language, res invokeResult) (any, error) {
	if res.err == nil {
		return res.value, nil
	}
	if core.IsCorrupting(res.err) {
		entry.Taint("corrupting script error")
	}
	if ctx.Err() != nil || errors.Is(res.err, core.ErrOperationCanceled) {
		if errors.Is(res.err, core.ErrOperationCanceled) {
			return nil, res.err
		}
		return nil, fmt.Errorf("%w: %w", core.ErrOperationCanceled, ctx.Err())
	}
	var rerr *core.RuntimeError
	var cerr *core.CompilationError
	if errors.As(res.err, &rerr) || errors.As(res.err, &cerr) {
		return nil, res.err
	}
	return nil, &core.RuntimeError{Language: lang, Err: res.err}
}
