package runspace

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/runspace/internal/core"
	"github.com/cryguy/runspace/internal/pool"
	"go.opentelemetry.io/otel/trace/noop"
)

func shellSource(text string) core.Source {
	return core.Source{Name: "fake", Language: core.LangShell, Text: text}
}

// checkout acquires an entry and its shell engine directly from the pool.
func checkout(t *testing.T, h *Host) (*pool.Entry, *fakeEngine) {
	t.Helper()
	entry, err := h.Pool().Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	eng, err := entry.Engine(core.LangShell)
	if err != nil {
		t.Fatalf("Engine: %v", err)
	}
	return entry, eng.(*fakeEngine)
}

func compile(t *testing.T, eng core.Engine, text string) core.Program {
	t.Helper()
	prog, err := eng.Compile(shellSource(text), nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return prog
}

func newTestInvoker(grace time.Duration) *Invoker {
	return NewInvoker(grace, noop.NewTracerProvider().Tracer("test"), quietLogger())
}

func TestInvokeReturnsOutput(t *testing.T) {
	h, _ := newFakeHost(t, testConfig(1, 1))
	entry, eng := checkout(t, h)
	defer h.Pool().Release(entry, true)

	out, err := newTestInvoker(50*time.Millisecond).Invoke(context.Background(), entry, eng, compile(t, eng, "hello"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "hello" {
		t.Errorf("output = %v, want hello", out)
	}
	if n := eng.interrupts.Load(); n != 0 {
		t.Errorf("interrupts = %d without cancellation", n)
	}
	if entry.Tainted() {
		t.Error("entry tainted")
	}
}

func TestInvokeRuntimeErrorKeepsEntry(t *testing.T) {
	h, _ := newFakeHost(t, testConfig(1, 1))
	entry, eng := checkout(t, h)

	_, err := newTestInvoker(50*time.Millisecond).Invoke(context.Background(), entry, eng, compile(t, eng, "fail"))
	var rerr *core.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want RuntimeError", err)
	}
	if rerr.Corrupting || entry.Tainted() || !entry.Healthy() {
		t.Errorf("a script error spoiled the runspace: corrupting=%v tainted=%v", rerr.Corrupting, entry.Tainted())
	}

	if err := h.Pool().Release(entry, entry.Healthy()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := h.Pool().Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if again != entry {
		t.Error("runspace was not reused after a script error")
	}
	h.Pool().Release(again, true)
}

func TestInvokeCooperativeCancel(t *testing.T) {
	h, _ := newFakeHost(t, testConfig(1, 1))
	entry, eng := checkout(t, h)
	defer h.Pool().Release(entry, true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := newTestInvoker(time.Second).Invoke(ctx, entry, eng, compile(t, eng, "cooperative"))
	if !errors.Is(err, core.ErrOperationCanceled) {
		t.Fatalf("err = %v, want ErrOperationCanceled", err)
	}
	if n := eng.interrupts.Load(); n != 1 {
		t.Errorf("interrupts = %d, want 1", n)
	}
	if entry.Tainted() {
		t.Error("a confirmed stop tainted the runspace")
	}
}

func TestInvokeGracePeriodTaints(t *testing.T) {
	h, ff := newFakeHost(t, testConfig(1, 1))
	entry, eng := checkout(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := newTestInvoker(40*time.Millisecond).Invoke(ctx, entry, eng, compile(t, eng, "block"))
	elapsed := time.Since(start)

	if !errors.Is(err, core.ErrOperationCanceled) {
		t.Fatalf("err = %v, want ErrOperationCanceled", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the grace period ended", elapsed)
	}
	if n := eng.interrupts.Load(); n != 1 {
		t.Errorf("interrupts = %d, want exactly 1", n)
	}
	if !entry.Tainted() || entry.Healthy() {
		t.Error("entry not tainted after the grace period")
	}
	if reason := entry.TaintReason(); !strings.Contains(reason, "grace period") {
		t.Errorf("taint reason = %q", reason)
	}

	if err := h.Pool().Release(entry, entry.Healthy()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if entry.State() != pool.Broken {
		t.Errorf("state = %v, want Broken", entry.State())
	}
	if eng.closed.Load() {
		t.Error("engine closed while the abandoned call still runs")
	}

	close(ff.release)
	waitFor(t, 2*time.Second, eng.closed.Load)
	waitFor(t, 2*time.Second, func() bool { return h.Pool().Stats().Idle == 1 })
}

func TestInvokeAlreadyCanceled(t *testing.T) {
	h, _ := newFakeHost(t, testConfig(1, 1))
	entry, eng := checkout(t, h)
	defer h.Pool().Release(entry, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestInvoker(50*time.Millisecond).Invoke(ctx, entry, eng, compile(t, eng, "hello"))
	if !errors.Is(err, core.ErrOperationCanceled) {
		t.Fatalf("err = %v, want ErrOperationCanceled", err)
	}
	if n := eng.interrupts.Load(); n != 0 {
		t.Errorf("interrupts = %d, want 0", n)
	}
}

func TestInvokePanicIsCorrupting(t *testing.T) {
	h, _ := newFakeHost(t, testConfig(1, 1))
	entry, eng := checkout(t, h)

	_, err := newTestInvoker(50*time.Millisecond).Invoke(context.Background(), entry, eng, compile(t, eng, "panic"))
	if err == nil {
		t.Fatal("panic not reported")
	}
	if !core.IsCorrupting(err) {
		t.Errorf("err = %v, want a corrupting error", err)
	}
	if !strings.Contains(err.Error(), "engine exploded") {
		t.Errorf("err = %v, want the panic value", err)
	}
	if !entry.Tainted() {
		t.Error("entry not tainted")
	}
	if err := h.Pool().Release(entry, entry.Healthy()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if entry.State() != pool.Broken {
		t.Errorf("state = %v, want Broken", entry.State())
	}
}

func TestInvokeWrapsForeignErrors(t *testing.T) {
	iv := newTestInvoker(50 * time.Millisecond)
	res := invokeResult{err: errors.New("plain failure")}

	h, _ := newFakeHost(t, testConfig(1, 1))
	entry, _ := checkout(t, h)
	defer h.Pool().Release(entry, true)

	_, err := iv.settle(context.Background(), entry, core.LangShell, res)
	var rerr *core.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want RuntimeError", err)
	}
	if rerr.Language != core.LangShell {
		t.Errorf("language = %q, want shell", rerr.Language)
	}
}

func TestRunAppliesSourceDefaults(t *testing.T) {
	h, ff := newFakeHost(t, testConfig(1, 1))
	entry, err := h.Pool().Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Pool().Release(entry, true)

	ec, err := h.Builder().Build(entry, httptest.NewRequest(http.MethodGet, "/", nil),
		BuildOptions{Args: map[string]any{"name": "caller"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer ec.clear()

	src := shellSource("ok")
	src.Args = map[string]any{"name": "default", "color": "blue"}
	out, err := h.Run(ec, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "ok" {
		t.Errorf("output = %v, want ok", out)
	}
	if ec.Phase() != PhaseExecuting {
		t.Errorf("phase = %v, want Executing", ec.Phase())
	}

	if name, _ := ec.Var("name"); name != "caller" {
		t.Errorf("name = %v, want caller arguments to win over source defaults", name)
	}
	if color, _ := ec.Var("color"); color != "blue" {
		t.Errorf("color = %v, want blue", color)
	}

	if n := ff.count(); n != 1 {
		t.Fatalf("engines built = %d, want 1", n)
	}
	bound := ff.engines[0].last.Load()
	if bound == nil {
		t.Fatal("engine never bound")
	}
	if bound.Vars["name"] != "caller" || bound.Vars["color"] != "blue" {
		t.Errorf("bound vars = %v", bound.Vars)
	}
	if _, ok := bound.Vars[core.VarResponse]; ok {
		t.Error("Response bound as a plain variable")
	}
}

func TestRunWithoutRunspace(t *testing.T) {
	h, _ := newFakeHost(t, testConfig(1, 1))
	if _, err := h.Run(nil, shellSource("ok")); !errors.Is(err, core.ErrPoolMisconfigured) {
		t.Fatalf("err = %v, want ErrPoolMisconfigured", err)
	}
}

func TestRunCompileError(t *testing.T) {
	h, _ := newFakeHost(t, testConfig(1, 1))
	_, _, err := h.Exec(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil),
		shellSource("syntax error"), BuildOptions{})
	var cerr *core.CompilationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want CompilationError", err)
	}
	if n := h.Pool().Stats().Idle; n != 1 {
		t.Errorf("idle = %d, want 1", n)
	}
}
