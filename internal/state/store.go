// Package state implements the process-wide shared state every request and
// every pooled engine observes by reference.
package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cryguy/runspace/internal/core"
)

type item struct {
	value  any
	scopes []string
}

// Store is a synchronized name to value map. All methods are safe for
// concurrent use; read-modify-write operations (Increment, Update) hold the
// write lock for their whole duration so concurrent updates are never lost.
type Store struct {
	mu    sync.RWMutex
	items map[string]item
}

var _ core.SharedState = (*Store)(nil)

func New() *Store {
	return &Store{items: make(map[string]item)}
}

func (s *Store) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[name]
	return it.value, ok
}

// Set stores value under name. Scopes tag the entry for Snapshot filtering;
// when none are given an existing entry keeps its scopes.
func (s *Store) Set(name string, value any, scopes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(name, value, scopes)
}

func (s *Store) setLocked(name string, value any, scopes []string) {
	if len(scopes) == 0 {
		scopes = s.items[name].scopes
	} else {
		scopes = append([]string(nil), scopes...)
	}
	s.items[name] = item{value: value, scopes: scopes}
}

func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[name]
	return ok
}

// Delete removes name and reports whether it was present.
func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[name]
	delete(s.items, name)
	return ok
}

// Keys returns the names in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Increment adds delta to the number stored under name and returns the new
// value. A missing entry counts as zero; numeric strings are accepted.
func (s *Store) Increment(name string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[name]
	n, err := toNumber(it.value)
	if err != nil {
		return 0, fmt.Errorf("incrementing %q: %w", name, err)
	}
	n += delta
	s.items[name] = item{value: n, scopes: it.scopes}
	return n, nil
}

// Update replaces the value under name with fn(old, present) atomically.
func (s *Store) Update(name string, fn func(old any, present bool) any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[name]
	v := fn(it.value, ok)
	s.items[name] = item{value: v, scopes: it.scopes}
	return v
}

// Lock runs fn with the store held exclusively. fn receives a Tx and must
// not call methods on the Store itself.
func (s *Store) Lock(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Tx{s: s})
}

// Snapshot copies the current entries. With scopes given, only entries
// tagged with at least one of them are included.
func (s *Store) Snapshot(scopes ...string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.items))
	for k, it := range s.items {
		if inScope(it.scopes, scopes) {
			out[k] = it.value
		}
	}
	return out
}

// entries is Snapshot with scopes, used by the snapshotter.
func (s *Store) entries(scopes []string) map[string]item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]item, len(s.items))
	for k, it := range s.items {
		if inScope(it.scopes, scopes) {
			out[k] = it
		}
	}
	return out
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = make(map[string]item)
	s.mu.Unlock()
}

func inScope(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("value of type %T is not a number", v)
}

// Tx is the store view handed to Lock callbacks.
type Tx struct {
	s *Store
}

func (tx *Tx) Get(name string) (any, bool) {
	it, ok := tx.s.items[name]
	return it.value, ok
}

func (tx *Tx) Set(name string, value any, scopes ...string) {
	tx.s.setLocked(name, value, scopes)
}

func (tx *Tx) Delete(name string) {
	delete(tx.s.items, name)
}
