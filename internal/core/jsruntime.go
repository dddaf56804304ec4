package core

// JSRuntime is the part of a JavaScript VM the JS engine drives. QuickJS
// and V8 each provide one; only Interrupt may be called from a goroutine
// other than the one running scripts.
type JSRuntime interface {
	// Eval runs js in the global scope and discards the result.
	Eval(js string) error

	// EvalString runs js and returns its result converted to a string.
	EvalString(js string) (string, error)

	// RegisterFunc exposes a Go function to scripts under name. Functions
	// returning (T, error) throw into the script when the error is set.
	RegisterFunc(name string, fn any) error

	// SetGlobal assigns a global. Strings, numbers and booleans map to
	// their JS counterparts.
	SetGlobal(name string, value any) error

	// Interrupt aborts the script currently running on the VM.
	Interrupt()

	Close()
}

// JSRuntimeFactory creates a VM with a heap limit in MiB (0 = unlimited).
type JSRuntimeFactory func(memoryLimitMB int) (JSRuntime, error)
