// Package exprlang evaluates expr-lang expressions as scripts. Expressions
// have no side effects of their own; state and user functions are exposed
// as callable environment entries.
package exprlang

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cryguy/runspace/internal/core"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type program struct {
	name string
	prog *vm.Program
}

func (p *program) Language() core.Language { return core.LangExpr }

// Engine adapts expr-lang to core.Engine. Compiled programs are immutable,
// so the only per-request state is the environment built by Bind.
type Engine struct {
	env     map[string]any
	stopped atomic.Bool
	closed  atomic.Bool

	mu    sync.Mutex
	funcs map[string]*vm.Program // compiled user function bodies by source
}

var _ core.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{funcs: make(map[string]*vm.Program)}
}

func (e *Engine) Language() core.Language { return core.LangExpr }

// Compile accepts preludes as leading `let` bindings.
func (e *Engine) Compile(src core.Source, preludes []string) (core.Program, error) {
	text := src.Text
	if len(preludes) > 0 {
		text = strings.Join(preludes, "\n") + "\n" + src.Text
	}
	prog, err := expr.Compile(text, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &core.CompilationError{Language: core.LangExpr, Script: src.Name, Err: err}
	}
	return &program{name: src.Name, prog: prog}, nil
}

func (e *Engine) Reset() error {
	e.env = nil
	e.stopped.Store(false)
	return nil
}

// Bind builds the evaluation environment: request variables, the state_*
// functions and one callable per user function.
func (e *Engine) Bind(b *core.Binding) error {
	env := make(map[string]any, len(b.Vars)+len(b.Functions)+5)
	for k, v := range b.Vars {
		env[k] = v
	}
	for name, fn := range stateFuncs(b.RequestID) {
		env[name] = fn
	}
	for _, def := range b.Functions {
		if def.Language != core.LangExpr && def.Language != "" {
			continue
		}
		fn, err := e.userFunc(def, env)
		if err != nil {
			return err
		}
		env[def.Name] = fn
	}
	e.env = env
	return nil
}

// userFunc compiles a function body once per engine and returns a callable
// that evaluates it with the parameters layered over env.
func (e *Engine) userFunc(def core.FunctionDef, env map[string]any) (func(args ...any) (any, error), error) {
	e.mu.Lock()
	prog, ok := e.funcs[def.Body]
	if !ok {
		var err error
		prog, err = expr.Compile(def.Body, expr.AllowUndefinedVariables())
		if err != nil {
			e.mu.Unlock()
			return nil, &core.CompilationError{Language: core.LangExpr, Script: def.Name, Err: err}
		}
		e.funcs[def.Body] = prog
	}
	e.mu.Unlock()

	params := def.Params
	return func(args ...any) (any, error) {
		if len(args) > len(params) {
			return nil, fmt.Errorf("%s: expected at most %d arguments, got %d", def.Name, len(params), len(args))
		}
		scope := make(map[string]any, len(env)+len(params))
		for k, v := range env {
			scope[k] = v
		}
		for i, p := range params {
			if i < len(args) {
				scope[p] = args[i]
			} else {
				scope[p] = nil
			}
		}
		return expr.Run(prog, scope)
	}, nil
}

// Invoke evaluates the expression. The expr VM cannot be stopped midway, so
// an Interrupt only takes effect when evaluation returns.
func (e *Engine) Invoke(_ context.Context, p core.Program) (any, error) {
	prog, ok := p.(*program)
	if !ok {
		return nil, fmt.Errorf("exprlang: foreign program %T", p)
	}
	env := e.env
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(prog.prog, env)
	if e.stopped.Load() {
		return nil, core.ErrOperationCanceled
	}
	if err != nil {
		return nil, &core.RuntimeError{Language: core.LangExpr, Script: prog.name, Err: err}
	}
	return out, nil
}

func (e *Engine) Interrupt() { e.stopped.Store(true) }

func (e *Engine) Healthy() bool { return !e.closed.Load() }

func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}
