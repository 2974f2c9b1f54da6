package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ekaya-inc/dbhandler/pkg/apperrors"
	"github.com/ekaya-inc/dbhandler/pkg/executor"
	"github.com/ekaya-inc/dbhandler/pkg/gateway"
	"github.com/ekaya-inc/dbhandler/pkg/models"
)

// SaveOperation selects what Cache.SaveAll writes and what it drops from
// memory afterwards.
type SaveOperation int

const (
	// SaveEverything writes every cached item and keeps them all.
	SaveEverything SaveOperation = iota
	// SaveAndRemoveInactive writes only inactive items and drops them.
	SaveAndRemoveInactive
	// SaveAllAndRemoveAll writes every item and empties the cache.
	SaveAllAndRemoveAll
	// SaveAllAndRemoveInactive writes every item and drops the inactive ones.
	SaveAllAndRemoveInactive
)

func (op SaveOperation) String() string {
	switch op {
	case SaveEverything:
		return "save_all"
	case SaveAndRemoveInactive:
		return "save_and_remove_inactive"
	case SaveAllAndRemoveAll:
		return "save_all_and_remove_all"
	case SaveAllAndRemoveInactive:
		return "save_all_and_remove_inactive"
	}
	return fmt.Sprintf("SaveOperation(%d)", int(op))
}

type entry[T any] struct {
	item     *T
	lastUsed time.Time
}

// picked is an entry as it was when a save selected it.
type picked[T any] struct {
	e    *entry[T]
	used time.Time
}

// Cache keeps items of one Repo in memory by primary key. Loads of the
// same key are shared while one is in flight, and every item operation is
// serialized on the gateway under that key.
type Cache[T any] struct {
	repo    *Repo[T]
	maxIdle time.Duration
	now     func() time.Time

	mu      sync.Mutex
	items   map[string]*entry[T]
	loads   map[string]*gateway.Handle[*T]
	stopped bool
}

// NewCache wraps repo. Items unused for maxIdle are inactive; a negative
// maxIdle means items never become inactive.
func NewCache[T any](repo *Repo[T], maxIdle time.Duration) *Cache[T] {
	return &Cache[T]{
		repo:    repo,
		maxIdle: maxIdle,
		now:     time.Now,
		items:   make(map[string]*entry[T]),
		loads:   make(map[string]*gateway.Handle[*T]),
	}
}

func (c *Cache[T]) Repo() *Repo[T] { return c.repo }

// Len reports how many items are held in memory.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// keyOf renders the primary key values of rec in declaration order.
func (c *Cache[T]) keyOf(rec models.Record) (string, error) {
	t := c.repo.Table()
	var sb strings.Builder
	sb.WriteString(t.Name)
	for _, pk := range t.PrimaryKey {
		v, ok := rec[pk]
		if !ok || v == nil {
			return "", fmt.Errorf("%s: missing key column %q", t.Name, pk)
		}
		fmt.Fprintf(&sb, "|%v", v)
	}
	return sb.String(), nil
}

// Load reads the item from the table and replaces the cached copy. While
// a load of the same key is pending or running, Load returns its handle
// and opts are ignored.
func (c *Cache[T]) Load(key models.Record, opts ...Option) *gateway.Handle[*T] {
	k, err := c.keyOf(key)
	if err != nil {
		return submit(c.repo.store, "load", opts, func(context.Context, statementRunner) (*T, error) {
			return nil, err
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.loads[k]; ok {
		select {
		case <-h.Done():
			delete(c.loads, k)
		default:
			return h
		}
	}
	if c.stopped {
		return submit(c.repo.store, "load", opts, func(context.Context, statementRunner) (*T, error) {
			return nil, apperrors.ErrCancelled
		})
	}

	h := submit(c.repo.store, "load", append([]Option{Key(k)}, opts...), func(ctx context.Context, sr statementRunner) (*T, error) {
		rec, err := c.repo.store.get(ctx, sr, key)
		var v *T
		if err == nil {
			v, err = c.repo.decode(rec)
		}
		c.finishLoad(k, v, err)
		return v, err
	})
	c.loads[k] = h
	return h
}

// finishLoad stores a loaded item. Failed attempts keep the load
// registered since the gateway may retry them; Load drops finished handles.
func (c *Cache[T]) finishLoad(k string, v *T, err error) {
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.loads, k)
	if !c.stopped {
		c.items[k] = &entry[T]{item: v, lastUsed: c.now()}
	}
}

// TryGet returns the cached item and marks it used. When the item is not
// in memory it starts a Load, unless one is running, and reports false.
func (c *Cache[T]) TryGet(key models.Record) (*T, bool) {
	k, err := c.keyOf(key)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	if e, ok := c.items[k]; ok {
		e.lastUsed = c.now()
		c.mu.Unlock()
		return e.item, true
	}
	c.mu.Unlock()
	c.Load(key, On(gateway.Background))
	return nil, false
}

// Loading reports whether a load of key is pending or running.
func (c *Cache[T]) Loading(key models.Record) bool {
	k, err := c.keyOf(key)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.loads[k]
	if !ok {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// Put places v in memory, replacing any cached item with the same key.
// Nothing is written until a save.
func (c *Cache[T]) Put(v *T) error {
	rec, err := c.repo.mapping.ToRecord(v)
	if err != nil {
		return err
	}
	k, err := c.keyOf(rec)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[k] = &entry[T]{item: v, lastUsed: c.now()}
	return nil
}

// Save writes the cached item for key. It fails with ErrNotFound when the
// item is not in memory.
func (c *Cache[T]) Save(key models.Record, opts ...Option) *gateway.Handle[bool] {
	return c.save(key, false, opts)
}

// SaveAndRemove writes the cached item for key and drops it from memory
// once the write succeeds.
func (c *Cache[T]) SaveAndRemove(key models.Record, opts ...Option) *gateway.Handle[bool] {
	return c.save(key, true, opts)
}

func (c *Cache[T]) save(key models.Record, remove bool, opts []Option) *gateway.Handle[bool] {
	k, err := c.keyOf(key)
	var (
		e    *entry[T]
		used time.Time
	)
	if err == nil {
		c.mu.Lock()
		if e = c.items[k]; e != nil {
			used = e.lastUsed
		}
		c.mu.Unlock()
		if e == nil {
			err = fmt.Errorf("%s: %w", k, apperrors.ErrNotFound)
		}
	}
	var (
		rec  models.Record
		keep bool
	)
	if err == nil {
		rec, keep, err = c.repo.snapshot(e.item)
	}
	if err != nil {
		return submit(c.repo.store, "save", opts, func(context.Context, statementRunner) (bool, error) {
			return false, err
		})
	}
	return submit(c.repo.store, "save", append([]Option{Key(k)}, opts...), func(ctx context.Context, sr statementRunner) (bool, error) {
		saved, err := c.repo.apply(ctx, sr, rec, keep)
		if err == nil && remove {
			c.drop(map[string]picked[T]{k: {e: e, used: used}})
		}
		return saved, err
	})
}

// SaveAll writes cached items in one transaction as op selects. Items are
// dropped from memory only after the transaction commits.
func (c *Cache[T]) SaveAll(op SaveOperation, opts ...Option) *gateway.Handle[SaveResult] {
	switch op {
	case SaveAndRemoveInactive:
		return c.EvictInactive(c.maxIdle, opts...)
	case SaveAllAndRemoveInactive:
		if c.maxIdle < 0 {
			return c.saveAll(op.String(), func(*entry[T]) (bool, bool) { return true, false }, opts)
		}
		cutoff := c.now().Add(-c.maxIdle)
		return c.saveAll(op.String(), func(e *entry[T]) (bool, bool) {
			return true, !e.lastUsed.After(cutoff)
		}, opts)
	case SaveAllAndRemoveAll:
		return c.saveAll(op.String(), func(*entry[T]) (bool, bool) { return true, true }, opts)
	default:
		return c.saveAll(op.String(), func(*entry[T]) (bool, bool) { return true, false }, opts)
	}
}

// EvictInactive writes the items unused for at least maxIdle and drops
// them from memory. A negative maxIdle selects nothing.
func (c *Cache[T]) EvictInactive(maxIdle time.Duration, opts ...Option) *gateway.Handle[SaveResult] {
	if maxIdle < 0 {
		return c.saveAll("evict_inactive", func(*entry[T]) (bool, bool) { return false, false }, opts)
	}
	cutoff := c.now().Add(-maxIdle)
	return c.saveAll("evict_inactive", func(e *entry[T]) (bool, bool) {
		inactive := !e.lastUsed.After(cutoff)
		return inactive, inactive
	}, opts)
}

type pendingSave struct {
	rec  models.Record
	keep bool
}

func (c *Cache[T]) saveAll(op string, pick func(*entry[T]) (save, remove bool), opts []Option) *gateway.Handle[SaveResult] {
	c.mu.Lock()
	var (
		batch   []pendingSave
		removed = make(map[string]picked[T])
		errs    []error
	)
	for k, e := range c.items {
		save, remove := pick(e)
		if save {
			rec, keep, err := c.repo.snapshot(e.item)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
				continue
			}
			batch = append(batch, pendingSave{rec: rec, keep: keep})
		}
		if remove {
			removed[k] = picked[T]{e: e, used: e.lastUsed}
		}
	}
	c.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return submit(c.repo.store, op, opts, func(context.Context, statementRunner) (SaveResult, error) {
			return SaveResult{}, err
		})
	}
	if len(batch) == 0 {
		c.drop(removed)
		return submit(c.repo.store, op, opts, func(context.Context, statementRunner) (SaveResult, error) {
			return SaveResult{}, nil
		})
	}
	return submit(c.repo.store, op, opts, func(ctx context.Context, sr statementRunner) (SaveResult, error) {
		b := sr.(boundLease)
		var res SaveResult
		err := b.x.InTx(ctx, b.lease, func(tx *executor.Tx) error {
			res = SaveResult{}
			for _, p := range batch {
				saved, err := c.repo.apply(ctx, tx, p.rec, p.keep)
				if err != nil {
					return err
				}
				if saved {
					res.Saved++
				} else {
					res.Deleted++
				}
			}
			return nil
		})
		if err == nil {
			c.drop(removed)
		}
		return res, err
	})
}

// drop removes entries that were not replaced or used since they were
// picked.
func (c *Cache[T]) drop(selected map[string]picked[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, p := range selected {
		if cur, ok := c.items[k]; ok && cur == p.e && !cur.lastUsed.After(p.used) {
			delete(c.items, k)
		}
	}
}

// StopLoads cancels every pending load and refuses new ones. It returns
// how many loads were cancelled before they started.
func (c *Cache[T]) StopLoads() int {
	c.mu.Lock()
	c.stopped = true
	loads := c.loads
	c.loads = make(map[string]*gateway.Handle[*T])
	c.mu.Unlock()

	n := 0
	for _, h := range loads {
		if h.Cancel() {
			n++
		}
	}
	return n
}
