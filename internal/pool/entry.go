package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/runspace/internal/core"
	"github.com/google/uuid"
)

// State is the lifecycle state of an Entry.
type State int32

const (
	Idle State = iota
	InUse
	Broken
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InUse:
		return "in_use"
	case Broken:
		return "broken"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Entry is one pooled runspace: a lazily populated set of engines, one per
// language, plus the programs compiled on them. An entry is held by at most
// one request at a time; the pool tracks that through State.
type Entry struct {
	id      string
	pool    *Pool
	created time.Time

	state       atomic.Int32
	generation  atomic.Uint64
	uses        atomic.Uint64
	lastRequest atomic.Value // string

	mu          sync.Mutex
	engines     map[core.Language]core.Engine
	programs    map[string]core.Program
	tainted     bool
	taintReason string
	abandoned   []<-chan struct{}
	closed      bool
}

func newEntry(p *Pool) *Entry {
	return &Entry{
		id:       uuid.NewString(),
		pool:     p,
		created:  time.Now(),
		engines:  make(map[core.Language]core.Engine),
		programs: make(map[string]core.Program),
	}
}

func (e *Entry) ID() string { return e.id }

// Generation is incremented every time the entry is handed out.
func (e *Entry) Generation() uint64 { return e.generation.Load() }

// Uses returns how many times the entry has been acquired.
func (e *Entry) Uses() uint64 { return e.uses.Load() }

func (e *Entry) State() State { return State(e.state.Load()) }

// LastRequest is the ID of the request the entry was last bound to. It is
// kept for diagnostics only.
func (e *Entry) LastRequest() string {
	id, _ := e.lastRequest.Load().(string)
	return id
}

func (e *Entry) SetLastRequest(id string) { e.lastRequest.Store(id) }

func (e *Entry) Created() time.Time { return e.created }

// Engine returns the entry's engine for lang, constructing it on first use.
func (e *Entry) Engine(lang core.Language) (core.Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engineLocked(lang)
}

func (e *Entry) engineLocked(lang core.Language) (core.Engine, error) {
	if e.closed {
		return nil, core.ErrPoolDisposed
	}
	if eng, ok := e.engines[lang]; ok {
		return eng, nil
	}
	if !lang.Valid() {
		return nil, fmt.Errorf("%w: unknown language %q", core.ErrPoolMisconfigured, lang)
	}
	eng, err := e.pool.factory(lang, e.pool.cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s engine: %w", lang, err)
	}
	e.engines[lang] = eng
	return eng, nil
}

// Compile returns the program for src on the engine of its language. Results
// are cached per entry, keyed by language, imports and text.
func (e *Entry) Compile(src core.Source) (core.Program, core.Engine, error) {
	lang := src.Language
	if lang == "" {
		lang = e.pool.cfg.DefaultLanguage
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	eng, err := e.engineLocked(lang)
	if err != nil {
		return nil, nil, err
	}
	key := programKey(lang, src)
	if prog, ok := e.programs[key]; ok {
		return prog, eng, nil
	}
	preludes, err := e.pool.preludes(lang, src)
	if err != nil {
		return nil, eng, err
	}
	src.Language = lang
	prog, err := eng.Compile(src, preludes)
	if err != nil {
		return nil, eng, err
	}
	e.programs[key] = prog
	return prog, eng, nil
}

func programKey(lang core.Language, src core.Source) string {
	h := sha256.New()
	h.Write([]byte(lang))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(src.Imports, ",")))
	h.Write([]byte{0})
	h.Write([]byte(src.Text))
	return hex.EncodeToString(h.Sum(nil))
}

// Engines returns the engines constructed so far.
func (e *Entry) Engines() []core.Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Engine, 0, len(e.engines))
	for _, eng := range e.engines {
		out = append(out, eng)
	}
	return out
}

// Taint marks the entry as unfit for reuse. The first reason is kept.
func (e *Entry) Taint(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.tainted {
		e.tainted = true
		e.taintReason = reason
	}
}

func (e *Entry) Tainted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tainted
}

func (e *Entry) TaintReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.taintReason
}

// Healthy reports whether the entry may go back to the idle set: it is not
// tainted and every engine it owns reports healthy.
func (e *Entry) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tainted || e.closed {
		return false
	}
	for _, eng := range e.engines {
		if !eng.Healthy() {
			return false
		}
	}
	return true
}

// TrackAbandoned records an invocation that is still running after its
// caller stopped waiting. done is closed when it finally returns; engines
// are not closed before that.
func (e *Entry) TrackAbandoned(done <-chan struct{}) {
	e.mu.Lock()
	e.abandoned = append(e.abandoned, done)
	e.mu.Unlock()
	poolAbandoned.WithLabelValues(e.pool.cfg.PoolName).Inc()
	go func() {
		<-done
		poolAbandoned.WithLabelValues(e.pool.cfg.PoolName).Dec()
	}()
}

// Interrupt asks every engine of the entry to stop what it is running.
func (e *Entry) Interrupt() {
	for _, eng := range e.Engines() {
		eng.Interrupt()
	}
}

// close waits for abandoned invocations and disposes the engines.
func (e *Entry) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.abandoned
	e.abandoned = nil
	engines := e.engines
	e.engines = nil
	e.programs = nil
	e.mu.Unlock()

	for _, done := range pending {
		<-done
	}
	for lang, eng := range engines {
		if err := eng.Close(); err != nil {
			e.pool.log.Warn("closing engine", "runspace", e.id, "language", lang, "err", err)
		}
	}
}
