// Package pool implements the bounded pool of reusable runspaces.
//
// A buffered channel of MaxRunspaces slots is the counting semaphore: every
// InUse entry owns one slot and blocked acquirers queue on the channel send.
// The idle set and the live count sit behind a mutex that is never held
// while an engine is being built, run or closed.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cryguy/runspace/internal/core"
	"golang.org/x/sync/errgroup"
)

// Pool hands out runspaces to requests.
type Pool struct {
	cfg     core.Config
	factory core.EngineFactory
	log     *log.Logger

	slots  chan struct{}
	closed chan struct{}

	mu       sync.Mutex
	idle     []*Entry
	inUse    map[*Entry]struct{}
	live     int           // Idle + InUse + reserved replacements
	changed  chan struct{} // closed and replaced whenever live or idle changes
	disposed bool
	created  int

	bg sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for eviction and disposal events.
func WithLogger(l *log.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// New validates cfg, builds the pool and pre-warms MinRunspaces entries with
// an engine for the default language before returning.
func New(cfg core.Config, factory core.EngineFactory, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: no engine factory", core.ErrPoolMisconfigured)
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		slots:   make(chan struct{}, cfg.MaxRunspaces),
		closed:  make(chan struct{}),
		inUse:   make(map[*Entry]struct{}),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = log.NewWithOptions(os.Stderr, log.Options{Prefix: "pool"})
	}

	warm := make([]*Entry, cfg.MinRunspaces)
	var g errgroup.Group
	for i := range warm {
		g.Go(func() error {
			e, err := p.build()
			if err != nil {
				return err
			}
			warm[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, e := range warm {
			if e != nil {
				e.close()
			}
		}
		return nil, fmt.Errorf("pre-warming pool: %w", err)
	}

	p.idle = warm
	p.live = len(warm)
	p.created = len(warm)
	p.recordGaugesLocked()
	p.log.Debug("pool ready", "pool", cfg.PoolName, "min", cfg.MinRunspaces, "max", cfg.MaxRunspaces)
	return p, nil
}

// build constructs an entry with its default-language engine.
func (p *Pool) build() (*Entry, error) {
	e := newEntry(p)
	if _, err := e.Engine(p.cfg.DefaultLanguage); err != nil {
		e.close()
		return nil, err
	}
	poolCreated.WithLabelValues(p.cfg.PoolName).Inc()
	return e, nil
}

func (p *Pool) Config() core.Config { return p.cfg }

// preludes resolves src.Imports against the configured libraries.
func (p *Pool) preludes(lang core.Language, src core.Source) ([]string, error) {
	if len(src.Imports) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(src.Imports))
	for _, name := range src.Imports {
		lib, ok := p.cfg.Libraries[name]
		if !ok {
			return nil, &core.CompilationError{
				Language: lang,
				Script:   src.Name,
				Err:      fmt.Errorf("unknown import %q", name),
			}
		}
		out = append(out, lib)
	}
	return out, nil
}

// Acquire waits for a runspace using the configured AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Entry, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: pool not initialised", core.ErrPoolMisconfigured)
	}
	return p.AcquireWithin(ctx, p.cfg.AcquireTimeout)
}

// AcquireWithin waits at most timeout for a runspace; a zero timeout waits
// as long as ctx allows. Running out of time yields ErrPoolExhausted, ctx
// ending yields ErrOperationCanceled and disposal yields ErrPoolDisposed.
func (p *Pool) AcquireWithin(ctx context.Context, timeout time.Duration) (*Entry, error) {
	if p == nil || p.slots == nil {
		return nil, fmt.Errorf("%w: pool not initialised", core.ErrPoolMisconfigured)
	}
	start := time.Now()
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	fail := func(result string, err error) (*Entry, error) {
		p.recordAcquire(result, start)
		return nil, err
	}
	select {
	case <-p.closed:
		return fail("disposed", core.ErrPoolDisposed)
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-p.closed:
		return fail("disposed", core.ErrPoolDisposed)
	case <-expired:
		return fail("exhausted", fmt.Errorf("%w: no runspace within %s", core.ErrPoolExhausted, timeout))
	case <-ctx.Done():
		return fail("canceled", fmt.Errorf("%w: %w", core.ErrOperationCanceled, ctx.Err()))
	}

	for {
		p.mu.Lock()
		if p.disposed {
			p.mu.Unlock()
			<-p.slots
			return fail("disposed", core.ErrPoolDisposed)
		}
		if n := len(p.idle); n > 0 {
			e := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			p.leaseLocked(e)
			p.mu.Unlock()
			p.recordAcquire("ok", start)
			return e, nil
		}
		if p.live < p.cfg.MaxRunspaces {
			p.live++
			p.mu.Unlock()
			e, err := p.build()
			p.mu.Lock()
			if err != nil {
				p.live--
				p.signalLocked()
				p.mu.Unlock()
				<-p.slots
				return fail("error", fmt.Errorf("creating runspace: %w", err))
			}
			p.created++
			if p.disposed {
				p.live--
				p.mu.Unlock()
				<-p.slots
				e.close()
				return fail("disposed", core.ErrPoolDisposed)
			}
			p.leaseLocked(e)
			p.mu.Unlock()
			p.recordAcquire("ok", start)
			return e, nil
		}
		// Every live entry is either in use by another slot holder or a
		// replacement under construction; wait for the latter to land.
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-p.closed:
			<-p.slots
			return fail("disposed", core.ErrPoolDisposed)
		case <-expired:
			<-p.slots
			return fail("exhausted", fmt.Errorf("%w: no runspace within %s", core.ErrPoolExhausted, timeout))
		case <-ctx.Done():
			<-p.slots
			return fail("canceled", fmt.Errorf("%w: %w", core.ErrOperationCanceled, ctx.Err()))
		}
	}
}

func (p *Pool) leaseLocked(e *Entry) {
	e.state.Store(int32(InUse))
	e.generation.Add(1)
	e.uses.Add(1)
	p.inUse[e] = struct{}{}
	p.recordGaugesLocked()
}

func (p *Pool) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
	p.recordGaugesLocked()
}

// Release returns e to the pool. A healthy entry goes back to the idle set;
// otherwise it is marked Broken and evicted in the background, and a
// replacement is built if the pool fell below MinRunspaces. Release never
// blocks on engine work.
func (p *Pool) Release(e *Entry, healthy bool) error {
	if p == nil || p.slots == nil {
		return fmt.Errorf("%w: pool not initialised", core.ErrPoolMisconfigured)
	}
	if e == nil || e.pool != p {
		return fmt.Errorf("%w: runspace does not belong to this pool", core.ErrPoolMisconfigured)
	}
	healthy = healthy && e.Healthy()

	p.mu.Lock()
	if _, ok := p.inUse[e]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: runspace %s is not in use", core.ErrPoolMisconfigured, e.id)
	}
	delete(p.inUse, e)

	if healthy && !p.disposed {
		e.state.Store(int32(Idle))
		p.idle = append(p.idle, e)
		p.signalLocked()
		p.mu.Unlock()
		<-p.slots
		return nil
	}

	e.state.Store(int32(Broken))
	p.live--
	replace := !p.disposed && p.live < p.cfg.MinRunspaces
	if replace {
		p.live++
	}
	p.signalLocked()
	p.mu.Unlock()
	<-p.slots

	reason := e.TaintReason()
	if reason == "" {
		reason = "unhealthy"
	}
	if p.Disposed() {
		reason = "disposed"
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		p.evict(e, reason)
	}()
	if replace {
		p.bg.Add(1)
		go func() {
			defer p.bg.Done()
			p.replace()
		}()
	}
	return nil
}

func (p *Pool) evict(e *Entry, reason string) {
	poolEvictions.WithLabelValues(p.cfg.PoolName, reason).Inc()
	p.log.Debug("evicting runspace", "pool", p.cfg.PoolName, "runspace", e.id, "reason", reason, "uses", e.Uses())
	e.close()
}

// replace fills a live slot reserved by Release.
func (p *Pool) replace() {
	e, err := p.build()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.live--
		p.signalLocked()
		p.log.Error("replacing runspace", "pool", p.cfg.PoolName, "err", err)
		return
	}
	p.created++
	if p.disposed {
		p.live--
		go e.close()
		return
	}
	e.state.Store(int32(Idle))
	p.idle = append(p.idle, e)
	p.signalLocked()
}

// Dispose closes idle runspaces, interrupts in-use ones and fails every
// current and future Acquire with ErrPoolDisposed. In-use runspaces are
// closed when their holders release them. Dispose is idempotent and safe on
// a nil or uninitialised pool.
func (p *Pool) Dispose() {
	if p == nil {
		return
	}
	if p.slots == nil {
		log.Error("dispose called on an uninitialised runspace pool")
		return
	}
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	close(p.closed)
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	busy := make([]*Entry, 0, len(p.inUse))
	for e := range p.inUse {
		busy = append(busy, e)
	}
	p.signalLocked()
	p.mu.Unlock()

	for _, e := range idle {
		e.state.Store(int32(Broken))
		e.close()
	}
	for _, e := range busy {
		e.Interrupt()
	}
	p.log.Debug("pool disposed", "pool", p.cfg.PoolName, "closed", len(idle), "in_use", len(busy))
}

// Wait blocks until background evictions and replacements finish or ctx
// ends. A pool that was never set up has nothing to wait for.
func (p *Pool) Wait(ctx context.Context) error {
	if p == nil || p.slots == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Disposed() bool {
	if p == nil || p.slots == nil {
		return false
	}
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Live    int
	Idle    int
	InUse   int
	Created int
	Max     int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Live:    p.live,
		Idle:    len(p.idle),
		InUse:   len(p.inUse),
		Created: p.created,
		Max:     p.cfg.MaxRunspaces,
	}
}

// IsRetryable reports whether an Acquire error may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, core.ErrPoolExhausted)
}
