package runspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cryguy/runspace/internal/core"
)

// fakeEngine runs a handful of canned programs selected by script text:
//
//	"block"        waits for the factory's release channel, ignoring stops
//	"cooperative"  waits for ctx to end
//	"panic"        panics on the engine goroutine
//	"fail"         returns a RuntimeError
//
// Any other text is returned as the output.
type fakeEngine struct {
	lang    core.Language
	factory *fakeFactory

	interrupts atomic.Int32
	binds      atomic.Int32
	resets     atomic.Int32
	closed     atomic.Bool
	unhealthy  atomic.Bool
	last       atomic.Pointer[core.Binding]
}

type fakeProgram struct {
	lang core.Language
	text string
}

func (p *fakeProgram) Language() core.Language { return p.lang }

func (e *fakeEngine) Language() core.Language { return e.lang }

func (e *fakeEngine) Compile(src core.Source, preludes []string) (core.Program, error) {
	if src.Text == "syntax error" {
		return nil, &core.CompilationError{Language: e.lang, Script: src.Name, Err: errors.New("unexpected token")}
	}
	return &fakeProgram{lang: e.lang, text: src.Text}, nil
}

func (e *fakeEngine) Reset() error {
	e.resets.Add(1)
	return nil
}

func (e *fakeEngine) Bind(b *core.Binding) error {
	e.binds.Add(1)
	if err := e.factory.bindErr.Load(); err != nil {
		return *err
	}
	e.last.Store(b)
	return nil
}

func (e *fakeEngine) Invoke(ctx context.Context, p core.Program) (any, error) {
	prog := p.(*fakeProgram)
	switch prog.text {
	case "block":
		<-e.factory.release
		return "late", nil
	case "cooperative":
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", core.ErrOperationCanceled, ctx.Err())
	case "panic":
		panic("engine exploded")
	case "fail":
		return nil, &core.RuntimeError{Language: e.lang, Err: errors.New("division by zero")}
	}
	return prog.text, nil
}

func (e *fakeEngine) Interrupt() { e.interrupts.Add(1) }

func (e *fakeEngine) Healthy() bool { return !e.unhealthy.Load() && !e.closed.Load() }

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
	bindErr atomic.Pointer[error]
	release chan struct{}
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{release: make(chan struct{})}
}

func (f *fakeFactory) New(lang core.Language, _ core.Config) (core.Engine, error) {
	e := &fakeEngine{lang: lang, factory: f}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

func (f *fakeFactory) failBinds(err error) { f.bindErr.Store(&err) }

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// events records lifecycle events.
type events struct {
	mu  sync.Mutex
	all []Event
}

func (ev *events) observe(e Event) {
	ev.mu.Lock()
	ev.all = append(ev.all, e)
	ev.mu.Unlock()
}

func (ev *events) phase(p Phase) []Event {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	var out []Event
	for _, e := range ev.all {
		if e.Phase == p {
			out = append(out, e)
		}
	}
	return out
}

func testConfig(minN, maxN int) Config {
	cfg := core.DefaultConfig()
	cfg.MinRunspaces = minN
	cfg.MaxRunspaces = maxN
	cfg.StopGracePeriod = 50 * time.Millisecond
	cfg.PoolName = "test"
	return cfg
}

func quietLogger() *log.Logger { return log.New(io.Discard) }

func newTestHost(t *testing.T, cfg Config, opts ...Option) *Host {
	t.Helper()
	h, err := NewHost(cfg, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})
	return h
}

// newFakeHost returns a host whose engines are fakes, shell by default.
func newFakeHost(t *testing.T, cfg Config, opts ...Option) (*Host, *fakeFactory) {
	t.Helper()
	ff := newFakeFactory()
	cfg.DefaultLanguage = core.LangShell
	h := newTestHost(t, cfg, append([]Option{WithEngineFactory(ff.New)}, opts...)...)
	return h, ff
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

// waitFor polls cond until it holds or timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
