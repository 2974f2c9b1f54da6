// Package gateway runs database tasks on a fixed set of background
// workers and routes their completions back to the caller. Tasks sharing
// an ordering key execute strictly one after another in submission order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/dbhandler/pkg/apperrors"
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/logging"
	"github.com/ekaya-inc/dbhandler/pkg/pool"
	"github.com/ekaya-inc/dbhandler/pkg/retry"
)

// ErrQueueFull is returned when a bounded queue cannot take another task.
var ErrQueueFull = errors.New("gateway queue full")

// LeaseSource hands out exclusive connections. *pool.Pool satisfies it.
type LeaseSource interface {
	Acquire(ctx context.Context, borrower string, timeout time.Duration) (*pool.Lease, error)
}

// job is the type-erased form of a submitted task. All state fields are
// guarded by Gateway.mu.
type job struct {
	id   uuid.UUID
	name string
	key  string

	status     Status
	suppressed bool

	execute   func(ctx context.Context) // runs the task and resolves the handle
	complete  func()                    // dispatches the callback, nil when none
	cancelled func()                    // resolves the handle with ErrCancelled
	failed    bool                      // outcome, set by execute
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDispatcher routes Main callbacks somewhere other than the built-in
// MainQueue. Tick is a no-op when a custom dispatcher is used.
func WithDispatcher(d Dispatcher) Option {
	return func(g *Gateway) {
		g.dispatcher = d
		g.mainQueue = nil
	}
}

// WithRetryConfig sets the backoff used between RetryTransient attempts.
func WithRetryConfig(cfg *retry.Config) Option {
	return func(g *Gateway) {
		g.retryConfig = cfg
	}
}

// WithAcquireTimeout overrides how long a task waits for a lease.
func WithAcquireTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.acquireTimeout = d
	}
}

// Gateway owns the worker pool and the pending queue.
type Gateway struct {
	leases         LeaseSource
	cfg            config.GatewayConfig
	acquireTimeout time.Duration
	retryConfig    *retry.Config
	dispatcher     Dispatcher
	mainQueue      *MainQueue
	logger         *zap.Logger

	// ctx is handed to running tasks and cancelled only when Stop gives up.
	ctx    context.Context
	abort  context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*job            // runnable, FIFO
	keys    map[string][]*job // key present = a job for it is queued or running; value = jobs parked behind it
	running int
	closed  bool
	stats   counts

	group    errgroup.Group
	stopOnce sync.Once
	stopped  chan struct{}
}

type counts struct {
	submitted, completed, failed, cancelled int64
}

// Stats is a point-in-time view of the gateway.
type Stats struct {
	Workers          int   `json:"workers"`
	Queued           int   `json:"queued"`
	Parked           int   `json:"parked"`
	Running          int   `json:"running"`
	PendingCallbacks int   `json:"pending_callbacks"`
	Submitted        int64 `json:"submitted"`
	Completed        int64 `json:"completed"`
	Failed           int64 `json:"failed"`
	Cancelled        int64 `json:"cancelled"`
	Closed           bool  `json:"closed"`
}

// New starts cfg.Workers workers pulling from one queue. acquireTimeout
// bounds how long each task waits for a lease.
func New(leases LeaseSource, cfg config.GatewayConfig, acquireTimeout time.Duration, logger *zap.Logger, opts ...Option) *Gateway {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gateway")
	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		leases:         leases,
		cfg:            cfg,
		acquireTimeout: acquireTimeout,
		retryConfig:    retry.DefaultConfig(),
		mainQueue:      NewMainQueue(logger),
		logger:         logger,
		ctx:            ctx,
		abort:          cancel,
		keys:           make(map[string][]*job),
		stopped:        make(chan struct{}),
	}
	g.dispatcher = g.mainQueue
	g.cond = sync.NewCond(&g.mu)
	for _, opt := range opts {
		opt(g)
	}

	for i := 0; i < cfg.Workers; i++ {
		g.group.Go(g.work)
	}
	go func() {
		_ = g.group.Wait()
		close(g.stopped)
	}()
	return g
}

// Submit queues t and returns its handle. A closed gateway resolves the
// handle immediately with ErrGatewayClosed and never calls OnComplete.
func Submit[T any](g *Gateway, t Task[T]) *Handle[T] {
	h := &Handle[T]{id: uuid.New(), g: g, done: make(chan struct{})}
	if t.Run == nil {
		var zero T
		h.resolve(zero, fmt.Errorf("task %q has no Run function", t.Name))
		return h
	}

	j := &job{id: h.id, name: t.Name, key: t.Key, status: StatusPending}
	var value T
	var err error
	j.execute = func(ctx context.Context) {
		value, err = runTask(ctx, g, t)
		j.failed = err != nil
		h.resolve(value, err)
	}
	if t.OnComplete != nil {
		cb := func() { t.OnComplete(value, err) }
		if t.Context == Background {
			j.complete = func() { safeCall(g.logger, "background", cb) }
		} else {
			j.complete = func() { g.dispatcher.Dispatch(cb) }
		}
	}
	j.cancelled = func() {
		var zero T
		h.resolve(zero, apperrors.ErrCancelled)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		var zero T
		h.resolve(zero, apperrors.ErrGatewayClosed)
		return h
	}
	if g.cfg.QueueSize > 0 && g.pendingLocked() >= g.cfg.QueueSize {
		var zero T
		h.resolve(zero, ErrQueueFull)
		return h
	}

	h.job = j
	g.stats.submitted++
	if j.key != "" {
		if parked, busy := g.keys[j.key]; busy {
			g.keys[j.key] = append(parked, j)
			return h
		}
		g.keys[j.key] = nil
	}
	g.queue = append(g.queue, j)
	g.cond.Signal()
	return h
}

// runTask acquires a lease per attempt and re-runs on transient failures
// when the task asks for it.
func runTask[T any](ctx context.Context, g *Gateway, t Task[T]) (T, error) {
	borrower := t.Name
	if borrower == "" {
		borrower = "gateway-task"
	}
	for attempt := 0; ; attempt++ {
		v, err := runOnce(ctx, g, t, borrower)
		if err == nil || !apperrors.IsTransient(err) || attempt >= t.RetryTransient || ctx.Err() != nil {
			return v, err
		}

		delay := g.retryConfig.Delay(attempt)
		g.logger.Info("retrying task after transient failure",
			zap.String("task", t.Name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.String("error", logging.SanitizeError(err)),
		)
		if sleepErr := retry.Sleep(ctx, delay); sleepErr != nil {
			return v, err
		}
	}
}

func runOnce[T any](ctx context.Context, g *Gateway, t Task[T], borrower string) (v T, err error) {
	lease, err := g.leases.Acquire(ctx, borrower, g.acquireTimeout)
	if err != nil {
		return v, err
	}
	defer func() {
		if r := recover(); r != nil {
			// The connection may be mid-statement or mid-transaction.
			lease.Invalidate()
			g.logger.Error("task panicked",
				zap.String("task", t.Name),
				zap.String("panic", fmt.Sprint(r)),
			)
			err = fmt.Errorf("task %q panicked: %v", t.Name, r)
			return
		}
		lease.Release()
	}()
	return t.Run(ctx, lease)
}

func (g *Gateway) work() error {
	for {
		j := g.next()
		if j == nil {
			return nil
		}
		j.execute(g.ctx)
		g.finish(j)
	}
}

// next blocks until a job is runnable. It returns nil once the gateway is
// closed and the queue is empty.
func (g *Gateway) next() *job {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.queue) == 0 && !g.closed {
		g.cond.Wait()
	}
	if len(g.queue) == 0 {
		return nil
	}
	j := g.queue[0]
	g.queue[0] = nil
	g.queue = g.queue[1:]
	j.status = StatusRunning
	g.running++
	return j
}

func (g *Gateway) finish(j *job) {
	g.mu.Lock()
	g.running--
	if j.failed {
		j.status = StatusFailed
		g.stats.failed++
	} else {
		j.status = StatusCompleted
		g.stats.completed++
	}
	g.releaseKeyLocked(j.key)
	notify := j.complete != nil && !j.suppressed
	g.mu.Unlock()

	if notify {
		j.complete()
	}
}

// releaseKeyLocked promotes the next parked job for key, or frees the key.
func (g *Gateway) releaseKeyLocked(key string) {
	if key == "" {
		return
	}
	parked, ok := g.keys[key]
	if !ok {
		return
	}
	if len(parked) == 0 {
		delete(g.keys, key)
		return
	}
	nextJob := parked[0]
	g.keys[key] = parked[1:]
	if g.closed {
		return
	}
	g.queue = append(g.queue, nextJob)
	g.cond.Signal()
}

func (g *Gateway) cancel(j *job) bool {
	g.mu.Lock()
	switch j.status {
	case StatusRunning:
		j.suppressed = true
		g.mu.Unlock()
		return false
	case StatusPending:
	default:
		g.mu.Unlock()
		return false
	}

	if i := slices.Index(g.queue, j); i >= 0 {
		g.queue = slices.Delete(g.queue, i, i+1)
		// It was the key's active job; let the next one in.
		g.releaseKeyLocked(j.key)
	} else if parked := g.keys[j.key]; j.key != "" {
		if i := slices.Index(parked, j); i >= 0 {
			g.keys[j.key] = slices.Delete(parked, i, i+1)
		}
	}
	g.markCancelledLocked(j)
	g.mu.Unlock()

	j.cancelled()
	return true
}

func (g *Gateway) markCancelledLocked(j *job) {
	j.status = StatusCancelled
	g.stats.cancelled++
}

func (g *Gateway) status(j *job) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return j.status
}

func (g *Gateway) pendingLocked() int {
	n := len(g.queue)
	for _, parked := range g.keys {
		n += len(parked)
	}
	return n
}

// Tick runs queued Main callbacks on the calling goroutine and returns how
// many ran. Hosts call it from their own loop.
func (g *Gateway) Tick() int {
	if g.mainQueue == nil {
		return 0
	}
	return g.mainQueue.Tick()
}

// Stop rejects new submissions, cancels every task that has not started
// and waits for running tasks to finish. If ctx ends first the running
// tasks' context is cancelled and Stop returns without waiting further.
// Queued callbacks stay pending for a final Tick.
func (g *Gateway) Stop(ctx context.Context) error {
	var cancelled []*job
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		cancelled = append(cancelled, g.queue...)
		g.queue = nil
		for key, parked := range g.keys {
			cancelled = append(cancelled, parked...)
			g.keys[key] = nil
		}
		for _, j := range cancelled {
			g.markCancelledLocked(j)
		}
		g.cond.Broadcast()
		g.mu.Unlock()

		for _, j := range cancelled {
			j.cancelled()
		}
		g.logger.Info("gateway stopping", zap.Int("cancelled", len(cancelled)))
	})

	select {
	case <-g.stopped:
		g.abort()
		return nil
	case <-ctx.Done():
		g.abort()
		g.mu.Lock()
		running := g.running
		g.mu.Unlock()
		g.logger.Warn("gateway stop timed out with tasks still running", zap.Int("running", running))
		return fmt.Errorf("gateway stop: %d tasks still running: %w", running, ctx.Err())
	}
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	parked := 0
	for _, p := range g.keys {
		parked += len(p)
	}
	s := Stats{
		Workers:   g.cfg.Workers,
		Queued:    len(g.queue),
		Parked:    parked,
		Running:   g.running,
		Submitted: g.stats.submitted,
		Completed: g.stats.completed,
		Failed:    g.stats.failed,
		Cancelled: g.stats.cancelled,
		Closed:    g.closed,
	}
	if g.mainQueue != nil {
		s.PendingCallbacks = g.mainQueue.Len()
	}
	return s
}
