// Package jsengine runs JavaScript and TypeScript scripts on a pooled VM
// provided by a core.JSRuntime (QuickJS by default, V8 with -tags v8).
package jsengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cryguy/runspace/internal/core"
)

// Engine adapts one JS VM to core.Engine.
type Engine struct {
	lang    core.Language
	rt      core.JSRuntime
	tainted atomic.Bool
}

var _ core.Engine = (*Engine)(nil)

// New creates a VM with newRT and installs the host bindings on it.
func New(lang core.Language, newRT core.JSRuntimeFactory, memoryLimitMB int) (*Engine, error) {
	if lang != core.LangJavaScript && lang != core.LangTypeScript {
		return nil, fmt.Errorf("jsengine: unsupported language %q", lang)
	}
	rt, err := newRT(memoryLimitMB)
	if err != nil {
		return nil, err
	}
	for _, setup := range setupFuncs {
		if err := setup(rt); err != nil {
			rt.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
	return &Engine{lang: lang, rt: rt}, nil
}

func (e *Engine) Language() core.Language { return e.lang }

func (e *Engine) Compile(src core.Source, preludes []string) (core.Program, error) {
	prog, err := compile(e.lang, src, preludes)
	if err != nil {
		return nil, err
	}
	return prog, nil
}

// Reset removes globals left by the previous request and reinstalls the
// host objects.
func (e *Engine) Reset() error {
	if err := e.rt.Eval(resetJS); err != nil {
		return fmt.Errorf("resetting globals: %w", err)
	}
	if err := e.rt.Eval(hostObjectsJS); err != nil {
		return fmt.Errorf("reinstalling host objects: %w", err)
	}
	return nil
}

// Bind sets __requestID, the request variables and user functions as globals.
func (e *Engine) Bind(b *core.Binding) error {
	if err := e.rt.SetGlobal("__requestID", strconv.FormatUint(b.RequestID, 10)); err != nil {
		return fmt.Errorf("setting request ID: %w", err)
	}
	if len(b.Vars) > 0 {
		data, err := json.Marshal(b.Vars)
		if err != nil {
			return fmt.Errorf("encoding variables: %w", err)
		}
		js := fmt.Sprintf(`(function(vars) {
			for (var k in vars) { globalThis[k] = vars[k]; }
		})(JSON.parse(%s));`, core.JsEscape(string(data)))
		if err := e.rt.Eval(js); err != nil {
			return fmt.Errorf("binding variables: %w", err)
		}
	}
	for _, fn := range b.Functions {
		if !matches(e.lang, fn.Language) {
			continue
		}
		js, err := functionSource(e.lang, fn)
		if err != nil {
			return fmt.Errorf("compiling function %q: %w", fn.Name, err)
		}
		if err := e.rt.Eval(js); err != nil {
			return fmt.Errorf("binding function %q: %w", fn.Name, err)
		}
	}
	return nil
}

// matches lets plain JavaScript functions be called from TypeScript scripts.
func matches(engine, fn core.Language) bool {
	return fn == engine || fn == "" || (engine == core.LangTypeScript && fn == core.LangJavaScript)
}

const callMainJS = `(function() {
	var main = globalThis.__rs_main;
	delete globalThis.__rs_main;
	var r = main.call(globalThis);
	if (r === undefined) return '';
	return JSON.stringify({v: r});
})()`

// Invoke runs the compiled body and returns its JSON-decoded return value.
// The VM ignores ctx; cancellation arrives through Interrupt.
func (e *Engine) Invoke(_ context.Context, p core.Program) (any, error) {
	prog, ok := p.(*program)
	if !ok {
		return nil, fmt.Errorf("jsengine: foreign program %T", p)
	}
	if err := e.rt.Eval(prog.code); err != nil {
		return nil, e.runtimeError(prog, err)
	}
	out, err := e.rt.EvalString(callMainJS)
	if err != nil {
		return nil, e.runtimeError(prog, err)
	}
	if out == "" {
		return nil, nil
	}
	var wrapped struct {
		V any `json:"v"`
	}
	if err := json.Unmarshal([]byte(out), &wrapped); err != nil {
		return nil, &core.RuntimeError{Language: e.lang, Script: prog.name, Err: fmt.Errorf("decoding result: %w", err)}
	}
	return wrapped.V, nil
}

func (e *Engine) runtimeError(prog *program, err error) error {
	// An exhausted heap leaves QuickJS/V8 internals in an unknown state.
	corrupting := strings.Contains(err.Error(), "out of memory")
	if corrupting {
		e.tainted.Store(true)
	}
	return &core.RuntimeError{Language: e.lang, Script: prog.name, Corrupting: corrupting, Err: err}
}

// Interrupt aborts the running script. Neither QuickJS nor V8 guarantees a
// clean VM afterwards, so the engine is no longer considered healthy.
func (e *Engine) Interrupt() {
	e.tainted.Store(true)
	e.rt.Interrupt()
}

func (e *Engine) Healthy() bool { return !e.tainted.Load() }

func (e *Engine) Close() error {
	e.rt.Close()
	return nil
}
