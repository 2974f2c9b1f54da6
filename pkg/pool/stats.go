package pool

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	MaxSize     int   `json:"max_size"`
	Live        int   `json:"live"`
	Idle        int   `json:"idle"`
	InUse       int   `json:"in_use"`
	Waiting     int   `json:"waiting"`
	Created     int64 `json:"created"`
	Evicted     int64 `json:"evicted"`
	Invalidated int64 `json:"invalidated"`
	Exhausted   int64 `json:"exhausted"`
	FailedOpens int64 `json:"failed_opens"`
	Closed      bool  `json:"closed"`
}

// Stats returns statistics about the pool. Safe to call concurrently.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		MaxSize:     p.cfg.MaxSize,
		Live:        p.live,
		Idle:        len(p.free),
		InUse:       len(p.leased),
		Waiting:     len(p.waiters),
		Created:     p.counts.created,
		Evicted:     p.counts.evicted,
		Invalidated: p.counts.invalidated,
		Exhausted:   p.counts.exhausted,
		FailedOpens: p.counts.failed,
		Closed:      p.closed,
	}
}

// LeakInfo describes an outstanding lease.
type LeakInfo struct {
	LeaseID    uuid.UUID     `json:"lease_id"`
	Borrower   string        `json:"borrower"`
	AcquiredAt time.Time     `json:"acquired_at"`
	Held       time.Duration `json:"held"`
}

// Leaks lists leases held for at least threshold, longest held first.
func (p *Pool) Leaks(threshold time.Duration) []LeakInfo {
	p.mu.Lock()
	now := p.clock()
	var out []LeakInfo
	for l := range p.leased {
		held := now.Sub(l.acquiredAt)
		if held >= threshold {
			out = append(out, LeakInfo{LeaseID: l.id, Borrower: l.borrower, AcquiredAt: l.acquiredAt, Held: held})
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Held > out[j].Held })
	return out
}
