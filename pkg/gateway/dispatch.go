package gateway

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher schedules Main-context callbacks onto the host thread.
type Dispatcher interface {
	Dispatch(fn func())
}

// MainQueue is the default Dispatcher: callbacks accumulate until the host
// calls Tick from its own loop.
type MainQueue struct {
	mu      sync.Mutex
	pending []func()
	logger  *zap.Logger
}

func NewMainQueue(logger *zap.Logger) *MainQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MainQueue{logger: logger}
}

func (q *MainQueue) Dispatch(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

// Tick runs every callback queued before the call, in dispatch order, on
// the calling goroutine. Callbacks queued while ticking wait for the next
// Tick. Returns the number run.
func (q *MainQueue) Tick() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, fn := range batch {
		safeCall(q.logger, "main", fn)
	}
	return len(batch)
}

// Len is the number of callbacks waiting for the next Tick.
func (q *MainQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func safeCall(logger *zap.Logger, where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("completion callback panicked",
				zap.String("context", where),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}
