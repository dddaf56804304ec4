package core

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned when no runspace became available within
	// the caller's wait budget. Callers may retry.
	ErrPoolExhausted = errors.New("runspace pool exhausted")

	// ErrPoolDisposed is returned by any acquisition against a pool that has
	// been torn down. It is not retryable.
	ErrPoolDisposed = errors.New("runspace pool disposed")

	// ErrPoolMisconfigured marks an operation against a pool that was never
	// initialised, or a release of an entry the pool does not consider in use.
	ErrPoolMisconfigured = errors.New("runspace pool misconfigured")

	// ErrOperationCanceled is returned when the request's cancellation signal
	// fired before or during execution.
	ErrOperationCanceled = errors.New("operation canceled")
)

// CompilationError reports a script that failed to parse or compile.
// Compilation never touches interpreter state, so the engine stays healthy.
type CompilationError struct {
	Language Language
	Script   string
	Err      error
}

func (e *CompilationError) Error() string {
	if e.Script != "" {
		return fmt.Sprintf("compiling %s script %q: %v", e.Language, e.Script, e.Err)
	}
	return fmt.Sprintf("compiling %s script: %v", e.Language, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// RuntimeError reports an error raised by a script during execution.
// Corrupting is set when the failure leaves the interpreter in a state that
// must not be reused (a recovered panic in the engine, for instance).
type RuntimeError struct {
	Language   Language
	Script     string
	ExitCode   int // shell scripts only
	Corrupting bool
	Err        error
}

func (e *RuntimeError) Error() string {
	name := e.Script
	if name == "" {
		name = "<inline>"
	}
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s script %q exited with status %d: %v", e.Language, name, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s script %q failed: %v", e.Language, name, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// IsCorrupting reports whether err carries a RuntimeError flagged as
// engine-corrupting.
func IsCorrupting(err error) bool {
	var rerr *RuntimeError
	return errors.As(err, &rerr) && rerr.Corrupting
}
