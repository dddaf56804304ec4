package runspace

import (
	"context"
	"sync"

	"github.com/cryguy/runspace/internal/pool"
)

// Ambient storage keys. The middleware sets both once an entry is bound
// and clears both on release.
const (
	KeyRunspace         = "runspace.entry"
	KeyExecutionContext = "runspace.context"
)

type ambientKey struct{}

// ambient is the per-request item store carried in the request context.
// It is mutable so that the release step can clear entries that handlers
// captured the context of.
type ambient struct {
	mu    sync.RWMutex
	items map[string]any
}

// withAmbient returns ctx carrying an item store, reusing one already present.
func withAmbient(ctx context.Context) (context.Context, *ambient) {
	if a := ambientFrom(ctx); a != nil {
		return ctx, a
	}
	a := &ambient{items: make(map[string]any)}
	return context.WithValue(ctx, ambientKey{}, a), a
}

func ambientFrom(ctx context.Context) *ambient {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(ambientKey{}).(*ambient)
	return a
}

func (a *ambient) set(key string, v any) {
	a.mu.Lock()
	a.items[key] = v
	a.mu.Unlock()
}

func (a *ambient) get(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.items[key]
	return v, ok
}

func (a *ambient) clear(keys ...string) {
	a.mu.Lock()
	for _, k := range keys {
		delete(a.items, k)
	}
	a.mu.Unlock()
}

// Item looks up an ambient value for the request ctx belongs to.
func Item(ctx context.Context, key string) (any, bool) {
	a := ambientFrom(ctx)
	if a == nil {
		return nil, false
	}
	return a.get(key)
}

// RunspaceFrom returns the runspace bound to the request, or nil outside a
// bound request or after release.
func RunspaceFrom(ctx context.Context) *pool.Entry {
	v, _ := Item(ctx, KeyRunspace)
	e, _ := v.(*pool.Entry)
	return e
}

// ExecutionContextFrom returns the request's execution context, or nil
// outside a bound request or after release.
func ExecutionContextFrom(ctx context.Context) *ExecutionContext {
	v, _ := Item(ctx, KeyExecutionContext)
	ec, _ := v.(*ExecutionContext)
	return ec
}
