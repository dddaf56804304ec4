//go:build !v8

package jsengine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/runspace/internal/core"
	"github.com/cryguy/runspace/internal/quickjs"
	"github.com/cryguy/runspace/internal/state"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestEngine(t *testing.T, lang core.Language) *Engine {
	t.Helper()
	e, err := New(lang, quickjs.New, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

type testRequest struct {
	id    uint64
	resp  *core.Response
	state *state.Store
}

func newTestRequest(t *testing.T) *testRequest {
	t.Helper()
	tr := &testRequest{resp: core.NewResponse(), state: state.New()}
	tr.id = core.NewRequestState(tr.resp, tr.state)
	t.Cleanup(func() { core.ClearRequestState(tr.id) })
	return tr
}

func runJS(t *testing.T, e *Engine, b *core.Binding, body string, fns ...core.FunctionDef) (any, error) {
	t.Helper()
	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	b.Functions = fns
	if err := e.Bind(b); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	prog, err := e.Compile(core.Source{Name: t.Name(), Language: e.Language(), Text: body}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return e.Invoke(context.Background(), prog)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestReturnValue(t *testing.T) {
	e := newTestEngine(t, core.LangJavaScript)
	tr := newTestRequest(t)

	out, err := runJS(t, e, &core.Binding{RequestID: tr.id}, `return {sum: 1 + 2, ok: true};`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("output = %T, want map", out)
	}
	if m["sum"] != 3.0 || m["ok"] != true {
		t.Errorf("output = %v", m)
	}

	out, err = runJS(t, e, &core.Binding{RequestID: tr.id}, `var x = 1;`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != nil {
		t.Errorf("output without return = %v, want nil", out)
	}
}

func TestBoundVariables(t *testing.T) {
	e := newTestEngine(t, core.LangJavaScript)
	tr := newTestRequest(t)

	out, err := runJS(t, e, &core.Binding{RequestID: tr.id, Vars: map[string]any{
		core.VarRequest:    map[string]any{"method": "GET", "path": "/hi"},
		core.VarServerName: "edge-1",
		"name":             "bob",
	}}, `return Request.method + " " + Request.path + " " + ServerName + " " + name;`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "GET /hi edge-1 bob" {
		t.Errorf("output = %q", out)
	}
}

func TestStateAndResponse(t *testing.T) {
	e := newTestEngine(t, core.LangJavaScript)
	tr := newTestRequest(t)
	tr.state.Set("greeting", "hello")

	out, err := runJS(t, e, &core.Binding{RequestID: tr.id}, `
		State.increment('hits');
		var n = State.increment('hits', 2);
		State.set('user', {name: 'ann'});
		console.log('hits', n);
		Response.status(201).header('X-Served-By', 'runspace').write(State.get('greeting'));
		return [n, State.has('user'), State.has('nope'), State.get('user').name];
	`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got, _ := out.([]any)
	if len(got) != 4 || got[0] != 3.0 || got[1] != true || got[2] != false || got[3] != "ann" {
		t.Errorf("output = %v", out)
	}
	if tr.resp.Status() != 201 {
		t.Errorf("status = %d, want 201", tr.resp.Status())
	}
	if h := tr.resp.Header().Get("X-Served-By"); h != "runspace" {
		t.Errorf("header = %q", h)
	}
	if body := string(tr.resp.Body()); body != "hello" {
		t.Errorf("body = %q", body)
	}
	logs := core.GetRequestState(tr.id).Logs()
	if len(logs) != 1 || logs[0].Level != "log" || logs[0].Message != "hits 3" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestTypeScript(t *testing.T) {
	e := newTestEngine(t, core.LangTypeScript)
	tr := newTestRequest(t)

	out, err := runJS(t, e, &core.Binding{RequestID: tr.id}, `
		interface Point { x: number; y: number }
		const p: Point = {x: 2, y: 3};
		return p.x * p.y;
	`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != 6.0 {
		t.Errorf("output = %v, want 6", out)
	}
}

func TestThrowIsRuntimeErrorAndEngineStaysHealthy(t *testing.T) {
	e := newTestEngine(t, core.LangJavaScript)
	tr := newTestRequest(t)

	_, err := runJS(t, e, &core.Binding{RequestID: tr.id}, `throw new RangeError('division by zero');`)
	var rerr *core.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want *RuntimeError", err)
	}
	if rerr.Corrupting {
		t.Error("thrown error marked corrupting")
	}
	if !strings.Contains(rerr.Error(), "division by zero") {
		t.Errorf("error = %q", rerr.Error())
	}
	if !e.Healthy() {
		t.Fatal("engine unhealthy after script error")
	}

	out, err := runJS(t, e, &core.Binding{RequestID: tr.id}, `return 'still fine';`)
	if err != nil || out != "still fine" {
		t.Errorf("reuse = %v, %v", out, err)
	}
}

func TestResetDropsGlobals(t *testing.T) {
	e := newTestEngine(t, core.LangJavaScript)
	tr := newTestRequest(t)

	if _, err := runJS(t, e, &core.Binding{RequestID: tr.id, Vars: map[string]any{"secret": "s3"}},
		`globalThis.leak = 1; State = null; return secret;`); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	out, err := runJS(t, e, &core.Binding{RequestID: tr.id},
		`return [typeof leak, typeof secret, typeof State.get].join(',');`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "undefined,undefined,function" {
		t.Errorf("after reset = %q", out)
	}
}

func TestUserFunctions(t *testing.T) {
	e := newTestEngine(t, core.LangTypeScript)
	tr := newTestRequest(t)

	out, err := runJS(t, e, &core.Binding{RequestID: tr.id}, `return add(2, 3);`,
		core.FunctionDef{Name: "add", Language: core.LangJavaScript, Params: []string{"a", "b"}, Body: "return a + b;"},
		core.FunctionDef{Name: "skip", Language: core.LangShell, Body: "echo nope"},
	)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != 5.0 {
		t.Errorf("output = %v, want 5", out)
	}
}

func TestCompileError(t *testing.T) {
	e := newTestEngine(t, core.LangJavaScript)
	_, err := e.Compile(core.Source{Name: "bad.js", Text: "return (;"}, nil)
	var cerr *core.CompilationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *CompilationError", err)
	}
	if !e.Healthy() {
		t.Error("compile error tainted the engine")
	}
}

func TestPreludes(t *testing.T) {
	e := newTestEngine(t, core.LangJavaScript)
	tr := newTestRequest(t)
	if err := e.Bind(&core.Binding{RequestID: tr.id}); err != nil {
		t.Fatal(err)
	}
	prog, err := e.Compile(core.Source{Text: "return greet('ann');"},
		[]string{"function greet(n) { return 'hello ' + n; }"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	out, err := e.Invoke(context.Background(), prog)
	if err != nil || out != "hello ann" {
		t.Errorf("output = %v, %v", out, err)
	}
}

func TestInterruptTaints(t *testing.T) {
	e := newTestEngine(t, core.LangJavaScript)
	tr := newTestRequest(t)
	if err := e.Bind(&core.Binding{RequestID: tr.id}); err != nil {
		t.Fatal(err)
	}
	prog, err := e.Compile(core.Source{Text: "while (true) {}"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Invoke(context.Background(), prog)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	e.Interrupt()

	select {
	case err := <-done:
		if err == nil {
			t.Error("interrupted script returned no error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt did not stop the script")
	}
	if e.Healthy() {
		t.Error("engine still healthy after interrupt")
	}
}
