package shell

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cryguy/runspace/internal/core"
	"github.com/cryguy/runspace/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newRequest(t *testing.T) (uint64, *core.Response, *state.Store) {
	t.Helper()
	resp := core.NewResponse()
	st := state.New()
	id := core.NewRequestState(resp, st)
	t.Cleanup(func() { core.ClearRequestState(id) })
	return id, resp, st
}

func run(t *testing.T, e *Engine, b *core.Binding, text string) (any, error) {
	t.Helper()
	require.NoError(t, e.Reset())
	require.NoError(t, e.Bind(b))
	prog, err := e.Compile(core.Source{Name: t.Name(), Language: core.LangShell, Text: text}, nil)
	require.NoError(t, err)
	return e.Invoke(context.Background(), prog)
}

func TestCompileError(t *testing.T) {
	e := newEngine(t)
	_, err := e.Compile(core.Source{Name: "bad", Text: "if then fi ("}, nil)

	var cerr *core.CompilationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, core.LangShell, cerr.Language)
	assert.True(t, e.Healthy())
}

func TestRequestEnvironment(t *testing.T) {
	e := newEngine(t)
	id, _, _ := newRequest(t)

	out, err := run(t, e, &core.Binding{
		RequestID: id,
		Vars: map[string]any{
			core.VarRequest:   map[string]any{"method": "GET", "path": "/hello"},
			core.VarHeaders:   map[string]any{"x-trace-id": "abc"},
			core.VarUserAgent: "curl/8",
			"name":            "bob",
			"count":           3,
		},
	}, `echo "$REQUEST_METHOD $REQUEST_PATH $HTTP_X_TRACE_ID $USER_AGENT $NAME $COUNT"`)
	require.NoError(t, err)
	assert.Equal(t, "GET /hello abc curl/8 bob 3\n", out)
}

func TestExitStatusIsRuntimeError(t *testing.T) {
	e := newEngine(t)
	id, _, _ := newRequest(t)

	_, err := run(t, e, &core.Binding{RequestID: id}, "echo 'division by zero' >&2; exit 3")
	var rerr *core.RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 3, rerr.ExitCode)
	assert.Contains(t, rerr.Error(), "division by zero")
	assert.False(t, rerr.Corrupting)
	assert.True(t, e.Healthy())

	out, err := run(t, e, &core.Binding{RequestID: id}, "echo ok")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
}

func TestStateAndRespondBuiltins(t *testing.T) {
	e := newEngine(t)
	id, resp, st := newRequest(t)
	st.Set("greeting", "hi")

	out, err := run(t, e, &core.Binding{RequestID: id}, `
state incr hits
state incr hits 2
state set user '{"name":"ann"}'
state get greeting
if state has missing; then echo yes; else echo no; fi
respond status 201
respond header X-Served-By runspace
respond write created
`)
	require.NoError(t, err)
	assert.Equal(t, "1\n3\nhi\nno\n", out)

	hits, _ := st.Get("hits")
	assert.Equal(t, 3.0, hits)
	user, _ := st.Get("user")
	assert.Equal(t, map[string]any{"name": "ann"}, user)

	assert.Equal(t, 201, resp.Status())
	assert.Equal(t, "runspace", resp.Header().Get("X-Served-By"))
	assert.Equal(t, "created", string(resp.Body()))
}

func TestBuiltinWithoutRequest(t *testing.T) {
	e := newEngine(t)

	_, err := run(t, e, &core.Binding{RequestID: 0}, "state get x")
	var rerr *core.RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 1, rerr.ExitCode)
	assert.Contains(t, rerr.Error(), "no active request")
}

func TestFunctionsDoNotLeakAcrossReset(t *testing.T) {
	e := newEngine(t)
	id, _, _ := newRequest(t)

	out, err := run(t, e, &core.Binding{
		RequestID: id,
		Functions: []core.FunctionDef{{Name: "greet", Language: core.LangShell, Body: `echo "hello $1"`}},
	}, "greet world; LEFTOVER=1")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)

	out, err = run(t, e, &core.Binding{RequestID: id}, `echo "[$LEFTOVER]"; greet world`)
	assert.Equal(t, "[]\n", out)
	var rerr *core.RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 127, rerr.ExitCode)
}

func TestInterruptStopsLoop(t *testing.T) {
	e := newEngine(t)
	id, _, _ := newRequest(t)
	require.NoError(t, e.Bind(&core.Binding{RequestID: id}))
	prog, err := e.Compile(core.Source{Text: "while true; do :; done"}, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Interrupt()
	}()
	_, err = e.Invoke(context.Background(), prog)
	require.True(t, errors.Is(err, core.ErrOperationCanceled), "got %v", err)
	assert.True(t, e.Healthy())
}

func TestContextCancellation(t *testing.T) {
	e := newEngine(t)
	prog, err := e.Compile(core.Source{Text: "while true; do :; done"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Invoke(ctx, prog)
	require.ErrorIs(t, err, core.ErrOperationCanceled)
}

func TestPreludes(t *testing.T) {
	e := newEngine(t)
	prog, err := e.Compile(core.Source{Text: "shout hey"}, []string{`shout() { echo "$1!"; }`})
	require.NoError(t, err)

	out, err := e.Invoke(context.Background(), prog)
	require.NoError(t, err)
	assert.Equal(t, "hey!\n", out)
}
