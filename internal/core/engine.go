package core

import (
	"context"
	"strings"
)

// Language tags a script unit with the interpreter back-end that runs it.
type Language string

const (
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangShell      Language = "shell"
	LangExpr       Language = "expr"
	LangJQ         Language = "jq"
)

// Languages lists every supported tag.
var Languages = []Language{LangJavaScript, LangTypeScript, LangShell, LangExpr, LangJQ}

// Valid reports whether l is a supported language tag.
func (l Language) Valid() bool {
	for _, known := range Languages {
		if l == known {
			return true
		}
	}
	return false
}

// ParseLanguage normalises common aliases ("js", "ts", "sh", "bash").
func ParseLanguage(s string) (Language, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "javascript", "js":
		return LangJavaScript, true
	case "typescript", "ts":
		return LangTypeScript, true
	case "shell", "sh", "bash":
		return LangShell, true
	case "expr", "expression":
		return LangExpr, true
	case "jq":
		return LangJQ, true
	}
	return "", false
}

// Source is an uncompiled script unit.
type Source struct {
	Name     string
	Language Language
	Text     string
	Imports  []string       // names of host libraries to prepend
	Args     map[string]any // default arguments, overridden by caller arguments
}

// FunctionDef is a named script fragment made callable from the executing
// script. Only definitions matching the engine's language are bound.
type FunctionDef struct {
	Name     string
	Language Language
	Params   []string
	Body     string
}

// Program is a compiled script ready to invoke on the engine that built it.
type Program interface {
	Language() Language
}

// Binding is the request-scoped value set written into an engine before
// invocation. Response, shared state and logs are reached through the
// request-state registry using RequestID.
type Binding struct {
	RequestID uint64
	Vars      map[string]any
	Functions []FunctionDef
}

// Engine is the uniform capability interface over one interpreter instance.
// Apart from Interrupt, methods are not safe for concurrent use; the pool
// guarantees a single holder.
type Engine interface {
	Language() Language

	// Compile parses src with the given prelude fragments prepended.
	// Failures are *CompilationError and leave the engine healthy.
	Compile(src Source, preludes []string) (Program, error)

	// Reset drops per-request state left behind by a previous holder.
	Reset() error

	// Bind writes the request-scoped values into the interpreter.
	Bind(b *Binding) error

	// Invoke runs p. Script failures are *RuntimeError.
	Invoke(ctx context.Context, p Program) (any, error)

	// Interrupt asks a running invocation to stop. Safe to call from any
	// goroutine, including while Invoke is running.
	Interrupt()

	// Healthy reports whether the interpreter can be handed to another request.
	Healthy() bool

	// Close disposes the interpreter.
	Close() error
}

// EngineFactory constructs a fresh engine for one language.
type EngineFactory func(lang Language, cfg Config) (Engine, error)
