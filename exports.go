package runspace

import (
	"github.com/cryguy/runspace/internal/core"
	"github.com/cryguy/runspace/internal/pool"
	"github.com/cryguy/runspace/internal/state"
)

// Type aliases re-exporting internal types so downstream code can use
// runspace.Config, runspace.Source, etc. without importing the internal
// packages directly.

type Config = core.Config
type Language = core.Language
type Source = core.Source
type FunctionDef = core.FunctionDef
type Program = core.Program
type Binding = core.Binding
type Engine = core.Engine
type EngineFactory = core.EngineFactory
type Response = core.Response
type LogEntry = core.LogEntry
type SharedState = core.SharedState
type CompilationError = core.CompilationError
type RuntimeError = core.RuntimeError
type Runspace = pool.Entry
type RunspaceState = pool.State
type PoolStats = pool.Stats
type Store = state.Store

// Language tags re-exported from core.
const (
	LangJavaScript = core.LangJavaScript
	LangTypeScript = core.LangTypeScript
	LangShell      = core.LangShell
	LangExpr       = core.LangExpr
	LangJQ         = core.LangJQ
)

// Runspace states re-exported from pool.
const (
	Idle   = pool.Idle
	InUse  = pool.InUse
	Broken = pool.Broken
)

// Errors re-exported from core.
var (
	ErrPoolExhausted     = core.ErrPoolExhausted
	ErrPoolDisposed      = core.ErrPoolDisposed
	ErrPoolMisconfigured = core.ErrPoolMisconfigured
	ErrOperationCanceled = core.ErrOperationCanceled
)

// Functions re-exported from core, pool and state.
var (
	DefaultConfig = core.DefaultConfig
	ParseLanguage = core.ParseLanguage
	IsCorrupting  = core.IsCorrupting
	IsRetryable   = pool.IsRetryable
	NewStore      = state.New
)
