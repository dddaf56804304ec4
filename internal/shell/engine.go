// Package shell runs POSIX shell scripts on a reusable mvdan.cc/sh runner.
// Scripts reach the request through environment variables and the state and
// respond builtins; stdout is the script output.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cryguy/runspace/internal/core"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// RequestIDVar carries the request-state registry ID into builtins.
const RequestIDVar = "RUNSPACE_REQUEST_ID"

type program struct {
	name string
	file *syntax.File
}

func (p *program) Language() core.Language { return core.LangShell }

// Engine adapts one interp.Runner to core.Engine.
type Engine struct {
	runner *interp.Runner
	stdout bytes.Buffer
	stderr bytes.Buffer

	mu     sync.Mutex
	cancel context.CancelFunc
	broken bool
}

var _ core.Engine = (*Engine)(nil)

// New creates a runner whose exec handler serves the state and respond
// builtins before falling back to external commands.
func New() (*Engine, error) {
	e := &Engine{}
	runner, err := interp.New(
		interp.StdIO(nil, &e.stdout, &e.stderr),
		interp.Env(expand.ListEnviron(baseEnv()...)),
		interp.ExecHandlers(e.builtins),
	)
	if err != nil {
		return nil, fmt.Errorf("creating interpreter: %w", err)
	}
	e.runner = runner
	return e, nil
}

func baseEnv() []string {
	env := []string{"RUNSPACE=1"}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	return env
}

func (e *Engine) Language() core.Language { return core.LangShell }

func (e *Engine) Compile(src core.Source, preludes []string) (core.Program, error) {
	text := src.Text
	if len(preludes) > 0 {
		text = strings.Join(preludes, "\n") + "\n" + src.Text
	}
	name := src.Name
	if name == "" {
		name = "script"
	}
	file, err := syntax.NewParser().Parse(strings.NewReader(text), name)
	if err != nil {
		return nil, &core.CompilationError{Language: core.LangShell, Script: src.Name, Err: err}
	}
	return &program{name: src.Name, file: file}, nil
}

// Reset clears variables, functions and captured output.
func (e *Engine) Reset() error {
	e.runner.Reset()
	e.stdout.Reset()
	e.stderr.Reset()
	return nil
}

var nonIdent = regexp.MustCompile(`[^A-Za-z0-9_]`)

// envName maps a variable or header name to a shell identifier.
func envName(prefix, name string) string {
	return prefix + strings.ToUpper(nonIdent.ReplaceAllString(name, "_"))
}

func envValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Bind exports the request as environment variables and defines the user
// functions. Well-known request fields get CGI-style names; everything else
// is exported upper-cased.
func (e *Engine) Bind(b *core.Binding) error {
	pairs := baseEnv()
	pairs = append(pairs, fmt.Sprintf("%s=%d", RequestIDVar, b.RequestID))

	names := make([]string, 0, len(b.Vars))
	for name := range b.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := b.Vars[name]
		switch name {
		case core.VarRequest:
			if req, ok := v.(map[string]any); ok {
				for _, field := range []string{"method", "path", "query", "body", "remoteAddr", "host", "url"} {
					if fv, ok := req[field]; ok {
						pairs = append(pairs, envName("REQUEST_", field)+"="+envValue(fv))
					}
				}
			}
			pairs = append(pairs, "REQUEST_JSON="+envValue(v))
		case core.VarHeaders:
			if headers, ok := v.(map[string]any); ok {
				for hn, hv := range headers {
					pairs = append(pairs, envName("HTTP_", hn)+"="+envValue(hv))
				}
			}
		case core.VarUserAgent:
			pairs = append(pairs, "USER_AGENT="+envValue(v))
		case core.VarServerName:
			pairs = append(pairs, "SERVER_NAME="+envValue(v))
		default:
			pairs = append(pairs, envName("", name)+"="+envValue(v))
		}
	}
	if err := interp.Env(expand.ListEnviron(pairs...))(e.runner); err != nil {
		return fmt.Errorf("setting environment: %w", err)
	}
	e.runner.Reset()

	var defs strings.Builder
	for _, fn := range b.Functions {
		if fn.Language != core.LangShell && fn.Language != "" {
			continue
		}
		fmt.Fprintf(&defs, "%s() {\n%s\n}\n", fn.Name, fn.Body)
	}
	if defs.Len() == 0 {
		return nil
	}
	file, err := syntax.NewParser().Parse(strings.NewReader(defs.String()), "functions")
	if err != nil {
		return fmt.Errorf("parsing functions: %w", err)
	}
	if err := e.runner.Run(context.Background(), file); err != nil {
		return fmt.Errorf("defining functions: %w", err)
	}
	return nil
}

// Invoke runs the program and returns its stdout.
func (e *Engine) Invoke(ctx context.Context, p core.Program) (any, error) {
	prog, ok := p.(*program)
	if !ok {
		return nil, fmt.Errorf("shell: foreign program %T", p)
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

	e.stdout.Reset()
	e.stderr.Reset()
	err := e.runner.Run(runCtx, prog.file)
	out := e.stdout.String()
	if err == nil {
		return out, nil
	}
	if runCtx.Err() != nil {
		return out, fmt.Errorf("%w: %w", core.ErrOperationCanceled, runCtx.Err())
	}
	rerr := &core.RuntimeError{Language: core.LangShell, Script: prog.name, Err: err}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		rerr.ExitCode = int(status)
		if msg := strings.TrimSpace(e.stderr.String()); msg != "" {
			rerr.Err = errors.New(msg)
		}
	}
	return out, rerr
}

// Interrupt cancels the running program's context; the runner stops at the
// next statement boundary.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Healthy is always true once a run returned: Reset fully restores the runner.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.broken
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.broken = true
	e.mu.Unlock()
	return nil
}
