package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/dbhandler/pkg/apperrors"
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/logging"
	"github.com/ekaya-inc/dbhandler/pkg/retry"
)

// Entry wraps one physical connection. It is owned by the pool and only
// reachable by callers through a Lease.
type Entry struct {
	id        uint64
	conn      Conn
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	valid     bool
}

// ID identifies the physical connection for the lifetime of the pool.
func (e *Entry) ID() uint64 { return e.id }

// grant is what a waiter receives: an entry handed over by Release, a
// reserved slot freed by Invalidate, or a terminal error.
type grant struct {
	entry *Entry
	slot  bool
	err   error
}

type waiter struct {
	ch chan grant
}

// Pool is a bounded set of connections to one backend.
//
// All mutable state is guarded by mu. Connection creation, health checks
// and closes happen outside the lock.
type Pool struct {
	cfg       config.PoolConfig
	connector Connector
	logger    *zap.Logger
	clock     func() time.Time

	mu      sync.Mutex
	free    []*Entry // LIFO: the most recently released entry is reused first
	live    int      // entries plus reserved creation slots, never above MaxSize
	leased  map[*Lease]struct{}
	waiters []*waiter
	nextID  uint64
	closed  bool
	drained chan struct{}
	counts  counters
}

type counters struct {
	created     int64
	evicted     int64
	invalidated int64
	exhausted   int64
	failed      int64
}

// New creates a pool. No connection is opened until Warm or the first
// Acquire.
func New(cfg config.PoolConfig, connector Connector, logger *zap.Logger) *Pool {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:       cfg,
		connector: connector,
		logger:    logger,
		clock:     time.Now,
		leased:    make(map[*Lease]struct{}),
	}
}

// Warm opens connections until MinSize entries exist.
func (p *Pool) Warm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return apperrors.ErrPoolClosed
		}
		if p.live >= p.cfg.MinSize || p.live >= p.cfg.MaxSize {
			p.mu.Unlock()
			return nil
		}
		p.live++
		p.mu.Unlock()

		e, err := p.open(ctx)
		if err != nil {
			p.mu.Lock()
			p.freeSlotLocked()
			p.mu.Unlock()
			return err
		}

		p.mu.Lock()
		if p.closed {
			p.live--
			p.mu.Unlock()
			p.closeEntry(e)
			return apperrors.ErrPoolClosed
		}
		p.putLocked(e)
		p.mu.Unlock()
	}
}

// Acquire leases a connection. When the pool is at capacity it waits up to
// timeout for a release; timeout <= 0 fails immediately with
// ErrPoolExhausted. borrower is recorded for leak diagnostics.
func (p *Pool) Acquire(ctx context.Context, borrower string, timeout time.Duration) (*Lease, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = p.clock().Add(timeout)
	}

	for {
		e, slot, err := p.take(ctx, deadline)
		if err != nil {
			return nil, err
		}
		if slot {
			e, err = p.open(ctx)
			if err != nil {
				p.mu.Lock()
				p.freeSlotLocked()
				p.mu.Unlock()
				return nil, err
			}
		} else if !p.healthy(ctx, e) {
			p.discard(e)
			continue
		}
		return p.lease(e, borrower)
	}
}

// take pops a usable free entry, reserves a creation slot, or waits.
func (p *Pool) take(ctx context.Context, deadline time.Time) (*Entry, bool, error) {
	var stale []*Entry
	defer func() {
		for _, e := range stale {
			p.closeEntry(e)
		}
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, apperrors.ErrPoolClosed
	}

	now := p.clock()
	for len(p.free) > 0 {
		e := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		if p.expired(e, now) {
			e.valid = false
			p.live--
			p.counts.evicted++
			stale = append(stale, e)
			continue
		}
		e.inUse = true
		p.mu.Unlock()
		return e, false, nil
	}

	if p.live < p.cfg.MaxSize {
		p.live++
		p.mu.Unlock()
		return nil, true, nil
	}

	var remaining time.Duration
	if !deadline.IsZero() {
		remaining = deadline.Sub(now)
	}
	if remaining <= 0 {
		p.counts.exhausted++
		p.mu.Unlock()
		return nil, false, apperrors.ErrPoolExhausted
	}

	w := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case g := <-w.ch:
		return g.entry, g.slot, g.err
	case <-timer.C:
		if g, ok := p.abandon(w); ok {
			return g.entry, g.slot, g.err
		}
		p.mu.Lock()
		p.counts.exhausted++
		p.mu.Unlock()
		return nil, false, apperrors.ErrPoolExhausted
	case <-ctx.Done():
		if g, ok := p.abandon(w); ok {
			p.giveBack(g)
		}
		return nil, false, ctx.Err()
	}
}

// abandon removes w from the wait list. If w was already granted something
// the grant is returned instead.
func (p *Pool) abandon(w *waiter) (grant, bool) {
	p.mu.Lock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return grant{}, false
		}
	}
	p.mu.Unlock()
	return <-w.ch, true
}

func (p *Pool) giveBack(g grant) {
	if g.err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if g.slot {
		p.freeSlotLocked()
		return
	}
	p.putLocked(g.entry)
}

func (p *Pool) expired(e *Entry, now time.Time) bool {
	if p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) >= p.cfg.MaxLifetime {
		return true
	}
	return p.cfg.IdleTimeout > 0 && now.Sub(e.lastUsed) >= p.cfg.IdleTimeout
}

// healthy runs the optional acquire-time check on an existing entry.
func (p *Pool) healthy(ctx context.Context, e *Entry) bool {
	if p.expired(e, p.clock()) {
		return false
	}
	if !p.cfg.PingOnAcquire {
		return true
	}
	if err := p.ping(ctx, e.conn); err != nil {
		p.logger.Debug("discarding connection that failed its health check",
			zap.Uint64("entry", e.id),
			zap.String("error", logging.SanitizeError(err)),
		)
		return false
	}
	return true
}

func (p *Pool) ping(ctx context.Context, c Conn) error {
	if p.cfg.TestQuery == "" {
		return c.PingContext(ctx)
	}
	rows, err := c.QueryContext(ctx, p.cfg.TestQuery)
	if err != nil {
		return err
	}
	return rows.Close()
}

// open creates a physical connection with bounded exponential backoff.
// The caller holds a reserved slot.
func (p *Pool) open(ctx context.Context) (*Entry, error) {
	rc := &retry.Config{
		MaxRetries:   p.cfg.ConnectAttempts - 1,
		InitialDelay: p.cfg.ConnectBackoff,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
	attempt := 0
	conn, err := retry.DoWithResult(ctx, rc, func() (Conn, error) {
		attempt++
		c, err := p.connector.Connect(ctx)
		if err != nil {
			p.logger.Debug("connection attempt failed",
				zap.Int("attempt", attempt),
				zap.String("error", logging.SanitizeError(err)),
			)
		}
		return c, err
	})
	if err != nil {
		p.mu.Lock()
		p.counts.failed++
		p.mu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("backend unreachable",
			zap.Int("attempts", attempt),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, fmt.Errorf("%w after %d attempts: %w", apperrors.ErrPoolUnavailable, attempt, err)
	}

	now := p.clock()
	p.mu.Lock()
	p.nextID++
	e := &Entry{id: p.nextID, conn: conn, createdAt: now, lastUsed: now, inUse: true, valid: true}
	p.counts.created++
	p.mu.Unlock()

	p.logger.Debug("opened connection", zap.Uint64("entry", e.id))
	return e, nil
}

func (p *Pool) lease(e *Entry, borrower string) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		e.valid = false
		p.live--
		p.mu.Unlock()
		p.closeEntry(e)
		return nil, apperrors.ErrPoolClosed
	}
	l := &Lease{
		pool:       p,
		entry:      e,
		id:         uuid.New(),
		acquiredAt: p.clock(),
		borrower:   borrower,
	}
	e.inUse = true
	p.leased[l] = struct{}{}
	p.mu.Unlock()
	return l, nil
}

// putLocked hands e to the oldest waiter or returns it to the free list.
func (p *Pool) putLocked(e *Entry) {
	if w := p.popWaiterLocked(); w != nil {
		e.inUse = true
		w.ch <- grant{entry: e}
		return
	}
	e.inUse = false
	p.free = append(p.free, e)
}

// freeSlotLocked gives up one unit of live capacity, passing it to the
// oldest waiter when there is one.
func (p *Pool) freeSlotLocked() {
	if w := p.popWaiterLocked(); w != nil {
		w.ch <- grant{slot: true}
		return
	}
	p.live--
}

func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

// Release returns the lease's entry to the pool. Releasing twice, or
// after Invalidate, is a no-op.
func (p *Pool) Release(l *Lease) {
	p.mu.Lock()
	if l.done {
		p.mu.Unlock()
		return
	}
	l.done = true
	delete(p.leased, l)
	e := l.entry
	now := p.clock()
	e.lastUsed = now
	held := now.Sub(l.acquiredAt)

	if p.closed {
		e.valid = false
		p.live--
		p.signalDrainedLocked()
		p.mu.Unlock()
		p.closeEntry(e)
		return
	}
	p.putLocked(e)
	p.mu.Unlock()

	if p.cfg.LeakThreshold > 0 && held > p.cfg.LeakThreshold {
		p.logger.Warn("lease held longer than leak threshold",
			zap.String("borrower", l.borrower),
			zap.Duration("held", held),
			zap.Duration("threshold", p.cfg.LeakThreshold),
		)
	}
}

// Invalidate closes the lease's connection; it is never handed out again.
func (p *Pool) Invalidate(l *Lease) {
	p.mu.Lock()
	if l.done {
		p.mu.Unlock()
		return
	}
	l.done = true
	l.invalidated = true
	delete(p.leased, l)
	e := l.entry
	e.valid = false
	e.inUse = false
	p.counts.invalidated++
	if p.closed {
		p.live--
		p.signalDrainedLocked()
	} else {
		p.freeSlotLocked()
	}
	p.mu.Unlock()

	p.logger.Debug("invalidated connection",
		zap.Uint64("entry", e.id),
		zap.String("borrower", l.borrower),
	)
	p.closeEntry(e)
}

// discard drops an entry that failed its acquire-time check.
func (p *Pool) discard(e *Entry) {
	p.mu.Lock()
	e.valid = false
	e.inUse = false
	p.counts.evicted++
	if p.closed {
		p.live--
	} else {
		p.freeSlotLocked()
	}
	p.mu.Unlock()
	p.closeEntry(e)
}

func (p *Pool) closeEntry(e *Entry) {
	if err := e.conn.Close(); err != nil {
		p.logger.Debug("error closing connection",
			zap.Uint64("entry", e.id),
			zap.String("error", logging.SanitizeError(err)),
		)
	}
}

func (p *Pool) signalDrainedLocked() {
	if p.drained != nil && len(p.leased) == 0 {
		close(p.drained)
		p.drained = nil
	}
}

// Shutdown rejects new acquires, fails pending waiters with ErrPoolClosed,
// waits until every lease is returned or ctx ends, then closes all
// connections and the connector. Leases still outstanding when ctx ends
// are logged and their connections closed on release.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.waiters {
		w.ch <- grant{err: apperrors.ErrPoolClosed}
	}
	p.waiters = nil
	idle := p.free
	p.free = nil
	p.live -= len(idle)
	drained := make(chan struct{})
	p.drained = drained
	p.signalDrainedLocked()
	p.mu.Unlock()

	for _, e := range idle {
		e.valid = false
		p.closeEntry(e)
	}

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		leaks := p.Leaks(0)
		for _, l := range leaks {
			p.logger.Warn("lease outstanding at shutdown",
				zap.String("lease", l.LeaseID.String()),
				zap.String("borrower", l.Borrower),
				zap.Duration("held", l.Held),
			)
		}
		err = fmt.Errorf("pool shutdown with %d leases outstanding: %w", len(leaks), ctx.Err())
	}

	if cerr := p.connector.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close connector: %w", cerr)
	}
	p.logger.Info("connection pool shut down")
	return err
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
