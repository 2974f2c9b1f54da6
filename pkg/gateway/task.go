package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/dbhandler/pkg/pool"
)

// ExecContext selects where a completion callback runs.
type ExecContext int

const (
	// Main callbacks are queued for the host thread and run only from Tick.
	Main ExecContext = iota
	// Background callbacks run on the worker that executed the task.
	Background
)

func (c ExecContext) String() string {
	if c == Background {
		return "background"
	}
	return "main"
}

// Status represents the current state of a submitted task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is a unit of database work.
type Task[T any] struct {
	// Name is used in logs and as the lease borrower.
	Name string
	// Key serializes tasks: tasks sharing a non-empty key run one at a time
	// in submission order.
	Key     string
	Context ExecContext
	// Run receives an exclusive lease. It must not retain the lease after
	// returning; the gateway releases it.
	Run func(ctx context.Context, lease *pool.Lease) (T, error)
	// OnComplete is dispatched according to Context after the handle
	// resolves. It is not called for cancelled tasks.
	OnComplete func(T, error)
	// RetryTransient re-runs Run on a fresh lease up to this many times
	// after a transient query error.
	RetryTransient int
}

// Handle tracks one submitted task.
type Handle[T any] struct {
	id   uuid.UUID
	g    *Gateway
	job  *job
	done chan struct{}

	once  sync.Once
	value T
	err   error
}

func (h *Handle[T]) ID() uuid.UUID { return h.id }

// Done is closed once the task's outcome is known.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx ends.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while the task
// is still pending or running.
func (h *Handle[T]) Result() (value T, err error, ok bool) {
	select {
	case <-h.done:
		return h.value, h.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Cancel prevents a task that has not started from ever running; the
// handle then resolves with ErrCancelled and no callback fires. For a
// running task only the callback is suppressed and the handle still
// reports the real outcome. Cancel reports whether the task was stopped
// before it started.
func (h *Handle[T]) Cancel() bool {
	if h.job == nil {
		return false
	}
	return h.g.cancel(h.job)
}

func (h *Handle[T]) Status() Status {
	if h.job == nil {
		return StatusFailed
	}
	return h.g.status(h.job)
}

func (h *Handle[T]) resolve(v T, err error) {
	h.once.Do(func() {
		h.value, h.err = v, err
		close(h.done)
	})
}
