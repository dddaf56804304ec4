// Package jq runs gojq queries as scripts. The request is the query input;
// bound variables are exposed as $request, $headers, $args and friends.
package jq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cryguy/runspace/internal/core"
	"github.com/itchyny/gojq"
)

// Variables visible to every query, in binding order.
var variables = []string{
	"$request", "$headers", "$args", "$state", "$timestamp", "$user_agent", "$server_name",
}

var varNames = map[string]string{
	core.VarRequest:    "$request",
	core.VarHeaders:    "$headers",
	core.VarTimestamp:  "$timestamp",
	core.VarUserAgent:  "$user_agent",
	core.VarServerName: "$server_name",
}

// program holds the parsed source. gojq resolves function references at
// compile time, so compiled code is kept per bound function set.
type program struct {
	name string
	text string

	mu    sync.Mutex
	codes map[string]*gojq.Code
}

func (p *program) Language() core.Language { return core.LangJQ }

// Engine adapts gojq to core.Engine.
type Engine struct {
	reqID  atomic.Uint64
	input  any
	values []any
	defs   string

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

var _ core.Engine = (*Engine)(nil)

func New() *Engine { return &Engine{} }

func (e *Engine) Language() core.Language { return core.LangJQ }

// Compile parses the query with preludes (jq `def` blocks) prepended and
// checks that it compiles against the host functions.
func (e *Engine) Compile(src core.Source, preludes []string) (core.Program, error) {
	text := src.Text
	if len(preludes) > 0 {
		text = strings.Join(preludes, "\n") + "\n" + src.Text
	}
	prog := &program{name: src.Name, text: text, codes: make(map[string]*gojq.Code)}
	if _, err := gojq.Parse(text); err != nil {
		return nil, &core.CompilationError{Language: core.LangJQ, Script: src.Name, Err: err}
	}
	return prog, nil
}

func (e *Engine) Reset() error {
	e.reqID.Store(0)
	e.input = nil
	e.values = nil
	e.defs = ""
	return nil
}

// Bind converts the variables to plain JSON values and renders user
// functions as jq definitions.
func (e *Engine) Bind(b *core.Binding) error {
	vars, err := normalize(b.Vars)
	if err != nil {
		return fmt.Errorf("encoding variables: %w", err)
	}
	args, _ := vars.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	byName := map[string]any{"$args": args}
	for name, v := range args {
		if jqName, ok := varNames[name]; ok {
			byName[jqName] = v
		}
	}
	if rs := core.GetRequestState(b.RequestID); rs != nil && rs.State != nil {
		snap, err := normalize(rs.State.Snapshot())
		if err != nil {
			return fmt.Errorf("encoding state: %w", err)
		}
		byName["$state"] = snap
	}
	values := make([]any, len(variables))
	for i, name := range variables {
		values[i] = byName[name]
	}

	e.reqID.Store(b.RequestID)
	e.input = byName["$request"]
	e.values = values
	e.defs = renderDefs(b.Functions)
	return nil
}

func renderDefs(fns []core.FunctionDef) string {
	var b strings.Builder
	for _, fn := range fns {
		if fn.Language != core.LangJQ && fn.Language != "" {
			continue
		}
		b.WriteString("def ")
		b.WriteString(fn.Name)
		if len(fn.Params) > 0 {
			params := make([]string, len(fn.Params))
			for i, p := range fn.Params {
				params[i] = "$" + strings.TrimPrefix(p, "$")
			}
			b.WriteString("(" + strings.Join(params, "; ") + ")")
		}
		b.WriteString(": ")
		b.WriteString(fn.Body)
		b.WriteString(";\n")
	}
	return b.String()
}

// normalize round-trips v through JSON so gojq only sees the value types it
// supports.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) code(prog *program) (*gojq.Code, error) {
	prog.mu.Lock()
	defer prog.mu.Unlock()
	if code, ok := prog.codes[e.defs]; ok {
		return code, nil
	}
	query, err := gojq.Parse(e.defs + prog.text)
	if err != nil {
		return nil, &core.CompilationError{Language: core.LangJQ, Script: prog.name, Err: err}
	}
	opts := append([]gojq.CompilerOption{gojq.WithVariables(variables)}, e.functions()...)
	code, err := gojq.Compile(query, opts...)
	if err != nil {
		return nil, &core.CompilationError{Language: core.LangJQ, Script: prog.name, Err: err}
	}
	prog.codes[e.defs] = code
	return code, nil
}

// Invoke runs the query. No output yields nil, a single output is returned
// as is and several outputs are collected into an array.
func (e *Engine) Invoke(ctx context.Context, p core.Program) (any, error) {
	prog, ok := p.(*program)
	if !ok {
		return nil, fmt.Errorf("jq: foreign program %T", p)
	}
	code, err := e.code(prog)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}()

	values := e.values
	if values == nil {
		values = make([]any, len(variables))
	}
	var results []any
	iter := code.RunWithContext(runCtx, e.input, values...)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if runCtx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", core.ErrOperationCanceled, runCtx.Err())
			}
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				break
			}
			return nil, &core.RuntimeError{Language: core.LangJQ, Script: prog.name, Err: err}
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

func (e *Engine) Interrupt() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// functions exposes the shared state to queries. The request is resolved at
// call time so compiled code can be reused across requests.
func (e *Engine) functions() []gojq.CompilerOption {
	lookup := func() (*core.RequestState, error) {
		rs := core.GetRequestState(e.reqID.Load())
		if rs == nil {
			return nil, errors.New("no active request")
		}
		return rs, nil
	}
	name := func(fn string, v any) (string, error) {
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%s: name must be a string, got %T", fn, v)
		}
		return s, nil
	}
	return []gojq.CompilerOption{
		gojq.WithFunction("state_get", 1, 1, func(_ any, args []any) any {
			n, err := name("state_get", args[0])
			if err != nil {
				return err
			}
			rs, err := lookup()
			if err != nil {
				return err
			}
			v, _ := rs.State.Get(n)
			out, err := normalize(v)
			if err != nil {
				return err
			}
			return out
		}),
		gojq.WithFunction("state_has", 1, 1, func(_ any, args []any) any {
			n, err := name("state_has", args[0])
			if err != nil {
				return err
			}
			rs, err := lookup()
			if err != nil {
				return err
			}
			return rs.State.Has(n)
		}),
		gojq.WithFunction("state_set", 2, 2, func(_ any, args []any) any {
			n, err := name("state_set", args[0])
			if err != nil {
				return err
			}
			rs, err := lookup()
			if err != nil {
				return err
			}
			rs.State.Set(n, args[1])
			return args[1]
		}),
		gojq.WithFunction("state_incr", 1, 2, func(_ any, args []any) any {
			n, err := name("state_incr", args[0])
			if err != nil {
				return err
			}
			delta := 1.0
			if len(args) == 2 {
				switch d := args[1].(type) {
				case int:
					delta = float64(d)
				case float64:
					delta = d
				default:
					return fmt.Errorf("state_incr: delta must be a number, got %T", args[1])
				}
			}
			rs, err := lookup()
			if err != nil {
				return err
			}
			total, err := rs.State.Increment(n, delta)
			if err != nil {
				return err
			}
			return total
		}),
		gojq.WithFunction("state_keys", 0, 0, func(_ any, _ []any) any {
			rs, err := lookup()
			if err != nil {
				return err
			}
			keys := rs.State.Keys()
			sort.Strings(keys)
			out := make([]any, len(keys))
			for i, k := range keys {
				out[i] = k
			}
			return out
		}),
	}
}
