package pool

import (
	"time"

	"github.com/google/uuid"
)

// Lease is an exclusive grant of one pooled connection. It must be
// released or invalidated exactly once; further calls are no-ops.
// done and invalidated are guarded by the owning pool's mutex.
type Lease struct {
	pool       *Pool
	entry      *Entry
	id         uuid.UUID
	acquiredAt time.Time
	borrower   string

	done        bool
	invalidated bool
}

func (l *Lease) ID() uuid.UUID { return l.id }

// Conn is the leased connection. It must not be used after Release.
func (l *Lease) Conn() Conn { return l.entry.conn }

// EntryID identifies the physical connection behind the lease.
func (l *Lease) EntryID() uint64 { return l.entry.id }

func (l *Lease) Borrower() string { return l.borrower }

func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Release returns the connection to the pool.
func (l *Lease) Release() { l.pool.Release(l) }

// Invalidate marks the connection broken and closes it.
func (l *Lease) Invalidate() { l.pool.Invalidate(l) }

// Done reports whether the lease has been released or invalidated.
func (l *Lease) Done() bool {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	return l.done
}

// Invalidated reports whether the lease ended through Invalidate.
func (l *Lease) Invalidated() bool {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	return l.invalidated
}
