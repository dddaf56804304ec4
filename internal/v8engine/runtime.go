//go:build v8

// Package v8engine runs the JavaScript engine on V8 through tommie/v8go.
// Build with -tags v8; the default build uses QuickJS.
package v8engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/cryguy/runspace/internal/core"
	v8 "github.com/tommie/v8go"
)

type runtime struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ core.JSRuntime = (*runtime)(nil)

// New creates an isolate with one context. memoryLimitMB caps the heap;
// zero leaves V8's default. It satisfies core.JSRuntimeFactory.
func New(memoryLimitMB int) (core.JSRuntime, error) {
	var iso *v8.Isolate
	if memoryLimitMB > 0 {
		heap := uint64(memoryLimitMB) << 20
		iso = v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap))
	} else {
		iso = v8.NewIsolate()
	}
	return &runtime{iso: iso, ctx: v8.NewContext(iso)}, nil
}

func (r *runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "runspace.js")
	return err
}

func (r *runtime) EvalString(js string) (string, error) {
	v, err := r.ctx.RunScript(js, "runspace.js")
	if err != nil || v == nil {
		return "", err
	}
	return v.String(), nil
}

// RegisterFunc exposes fn as a global function. Parameters may be string,
// int, int64, float64 or bool. fn returns nothing, one value, or a value
// and an error; a non-nil error is thrown into the script.
func (r *runtime) RegisterFunc(name string, fn any) error {
	hf, err := newHostFunc(name, fn)
	if err != nil {
		return err
	}
	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v, err := hf.call(info.Args())
		if err != nil {
			msg, _ := v8.NewValue(r.iso, err.Error())
			r.iso.ThrowException(msg)
			return nil
		}
		return r.toJS(v)
	})
	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

// SetGlobal sets a global property. Scalars are converted directly; other
// values go through JSON.
func (r *runtime) SetGlobal(name string, value any) error {
	v, err := r.anyToJS(value)
	if err != nil {
		return fmt.Errorf("converting %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, v)
}

// Interrupt terminates the running script. It is the only isolate call
// that is safe from another goroutine.
func (r *runtime) Interrupt() { r.iso.TerminateExecution() }

func (r *runtime) Close() {
	r.ctx.Close()
	r.iso.Dispose()
}

func (r *runtime) toJS(rv reflect.Value) *v8.Value {
	if !rv.IsValid() {
		return nil
	}
	var (
		v   *v8.Value
		err error
	)
	switch rv.Kind() {
	case reflect.String:
		v, err = v8.NewValue(r.iso, rv.String())
	case reflect.Int, reflect.Int32, reflect.Int64:
		// int64 would become a BigInt.
		v, err = v8.NewValue(r.iso, int32(rv.Int()))
	case reflect.Float32, reflect.Float64:
		v, err = v8.NewValue(r.iso, rv.Float())
	case reflect.Bool:
		v, err = v8.NewValue(r.iso, rv.Bool())
	}
	if err != nil {
		return nil
	}
	return v
}

func (r *runtime) anyToJS(value any) (*v8.Value, error) {
	switch v := value.(type) {
	case nil:
		return v8.Undefined(r.iso), nil
	case string:
		return v8.NewValue(r.iso, v)
	case int:
		return v8.NewValue(r.iso, float64(v))
	case float64:
		return v8.NewValue(r.iso, v)
	case bool:
		return v8.NewValue(r.iso, v)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return r.ctx.RunScript("JSON.parse("+strconv.Quote(string(data))+")", "runspace-global.js")
}

var errorType = reflect.TypeFor[error]()

// hostFunc is a Go function checked once at registration and called with
// converted V8 arguments.
type hostFunc struct {
	name    string
	fn      reflect.Value
	params  []reflect.Kind
	results int
	withErr bool
}

func newHostFunc(name string, fn any) (*hostFunc, error) {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("registering %s: %T is not a function", name, fn)
	}
	hf := &hostFunc{name: name, fn: fv, results: ft.NumOut()}
	for i := range ft.NumIn() {
		k := ft.In(i).Kind()
		switch k {
		case reflect.String, reflect.Int, reflect.Int64, reflect.Float64, reflect.Bool:
		default:
			return nil, fmt.Errorf("registering %s: unsupported parameter type %s", name, ft.In(i))
		}
		hf.params = append(hf.params, k)
	}
	switch hf.results {
	case 0, 1:
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("registering %s: second result must be error", name)
		}
		hf.withErr = true
	default:
		return nil, fmt.Errorf("registering %s: too many results", name)
	}
	return hf, nil
}

func (hf *hostFunc) call(args []*v8.Value) (reflect.Value, error) {
	if len(args) < len(hf.params) {
		return reflect.Value{}, fmt.Errorf("%s expects %d argument(s), got %d", hf.name, len(hf.params), len(args))
	}
	in := make([]reflect.Value, len(hf.params))
	for i, k := range hf.params {
		a := args[i]
		switch k {
		case reflect.String:
			in[i] = reflect.ValueOf(a.String())
		case reflect.Int:
			in[i] = reflect.ValueOf(int(a.Integer()))
		case reflect.Int64:
			in[i] = reflect.ValueOf(a.Integer())
		case reflect.Float64:
			in[i] = reflect.ValueOf(a.Number())
		case reflect.Bool:
			in[i] = reflect.ValueOf(a.Boolean())
		}
	}
	out := hf.fn.Call(in)
	if hf.results == 0 {
		return reflect.Value{}, nil
	}
	if hf.withErr && !out[1].IsNil() {
		err, _ := out[1].Interface().(error)
		return reflect.Value{}, fmt.Errorf("calling %s: %w", hf.name, err)
	}
	return out[0], nil
}
