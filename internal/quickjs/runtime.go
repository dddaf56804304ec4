//go:build !v8

// Package quickjs runs the JavaScript engine on modernc.org/quickjs, a
// pure-Go QuickJS. It is the default JS backend.
package quickjs

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/cryguy/runspace/internal/core"
	"modernc.org/quickjs"
)

type runtime struct {
	vm *quickjs.VM
}

var _ core.JSRuntime = (*runtime)(nil)

// New creates a VM. memoryLimitMB caps the VM heap; zero leaves it
// unlimited. It satisfies core.JSRuntimeFactory.
func New(memoryLimitMB int) (core.JSRuntime, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(memoryLimitMB) << 20)
	}
	return &runtime{vm: vm}, nil
}

func (r *runtime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (r *runtime) EvalString(js string) (string, error) {
	v, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil || v == nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// unwrapJS replaces the raw binding of a (T, error) function, which the
// QuickJS binding returns as a [T, error] array, with one that returns T
// or throws.
const unwrapJS = `(function(name, raw) {
	var fn = globalThis[raw];
	delete globalThis[raw];
	globalThis[name] = function() {
		var out = fn.apply(this, arguments);
		if (out[1] !== null && out[1] !== undefined) throw new Error(name + ": " + out[1]);
		return out[0];
	};
})(%s, %s)`

// RegisterFunc exposes fn as a global function. A (T, error) function
// throws into the script when the error is non-nil.
func (r *runtime) RegisterFunc(name string, fn any) error {
	ft := reflect.TypeOf(fn)
	if ft == nil || ft.Kind() != reflect.Func {
		return fmt.Errorf("registering %s: %T is not a function", name, fn)
	}
	if ft.NumOut() != 2 {
		return r.vm.RegisterFunc(name, fn, false)
	}
	raw := "__raw_" + name
	if err := r.vm.RegisterFunc(raw, fn, false); err != nil {
		return err
	}
	return r.Eval(fmt.Sprintf(unwrapJS, strconv.Quote(name), strconv.Quote(raw)))
}

func (r *runtime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	global := r.vm.GlobalObject()
	defer global.Free()
	return global.SetProperty(atom, value)
}

// Interrupt makes the running evaluation throw an uncatchable error. It
// is safe from any goroutine.
func (r *runtime) Interrupt() { r.vm.Interrupt() }

func (r *runtime) Close() { r.vm.Close() }
