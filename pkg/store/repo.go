package store

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/dbhandler/pkg/executor"
	"github.com/ekaya-inc/dbhandler/pkg/gateway"
	"github.com/ekaya-inc/dbhandler/pkg/models"
	"github.com/ekaya-inc/dbhandler/pkg/schema"
)

// SaveResult counts what a batch save did.
type SaveResult struct {
	Saved   int
	Deleted int
}

// Repo is a Store over a struct type declared with schema.FromStruct tags.
type Repo[T any] struct {
	store    *Store
	mapping  *schema.Mapping
	saveWhen func(*T) bool
}

// NewRepo maps T and prefixes its table name.
func NewRepo[T any](gw *gateway.Gateway, exec *executor.Executor, prefix string) (*Repo[T], error) {
	var zero T
	m, err := schema.MapStruct(zero)
	if err != nil {
		return nil, err
	}
	t := m.Table.WithPrefix(prefix)
	m.Table = &t
	return &Repo[T]{store: New(gw, exec, m.Table), mapping: m}, nil
}

func (r *Repo[T]) Table() *models.Table { return r.mapping.Table }

func (r *Repo[T]) Store() *Store { return r.store }

// SaveWhen installs a predicate applied on every save: items failing it
// are deleted from the table instead of written.
func (r *Repo[T]) SaveWhen(pred func(*T) bool) *Repo[T] {
	r.saveWhen = pred
	return r
}

func (r *Repo[T]) decode(rec models.Record) (*T, error) {
	v := new(T)
	if err := r.mapping.FromRecord(rec, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Get loads the item whose primary key columns match key.
func (r *Repo[T]) Get(key models.Record, opts ...Option) *gateway.Handle[*T] {
	return submit(r.store, "get", opts, func(ctx context.Context, sr statementRunner) (*T, error) {
		rec, err := r.store.get(ctx, sr, key)
		if err != nil {
			return nil, err
		}
		return r.decode(rec)
	})
}

func (r *Repo[T]) Find(where []models.Condition, opts ...Option) *gateway.Handle[[]*T] {
	return submit(r.store, "find", opts, func(ctx context.Context, sr statementRunner) ([]*T, error) {
		recs, err := r.store.find(ctx, sr, where)
		if err != nil {
			return nil, err
		}
		out := make([]*T, 0, len(recs))
		for _, rec := range recs {
			v, err := r.decode(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	})
}

// Save writes v, or deletes it when a SaveWhen predicate rejects it. The
// result reports whether v was written.
func (r *Repo[T]) Save(v *T, opts ...Option) *gateway.Handle[bool] {
	return submit(r.store, "save", opts, func(ctx context.Context, sr statementRunner) (bool, error) {
		return r.saveOne(ctx, sr, v)
	})
}

// SaveAll applies Save to every item in one transaction.
func (r *Repo[T]) SaveAll(items []*T, opts ...Option) *gateway.Handle[SaveResult] {
	return submitTx(r.store, "save_all", opts, func(ctx context.Context, sr statementRunner) (SaveResult, error) {
		var res SaveResult
		for _, v := range items {
			saved, err := r.saveOne(ctx, sr, v)
			if err != nil {
				return res, err
			}
			if saved {
				res.Saved++
			} else {
				res.Deleted++
			}
		}
		return res, nil
	})
}

func (r *Repo[T]) Delete(v *T, opts ...Option) *gateway.Handle[int64] {
	return submit(r.store, "delete", opts, func(ctx context.Context, sr statementRunner) (int64, error) {
		rec, err := r.mapping.ToRecord(v)
		if err != nil {
			return 0, err
		}
		return r.store.delete(ctx, sr, rec)
	})
}

func (r *Repo[T]) saveOne(ctx context.Context, sr statementRunner, v *T) (bool, error) {
	rec, keep, err := r.snapshot(v)
	if err != nil {
		return false, err
	}
	return r.apply(ctx, sr, rec, keep)
}

// snapshot reads v and evaluates the save predicate so the database work
// can run later without touching v.
func (r *Repo[T]) snapshot(v *T) (models.Record, bool, error) {
	if v == nil {
		return nil, false, fmt.Errorf("store: nil %T", v)
	}
	rec, err := r.mapping.ToRecord(v)
	if err != nil {
		return nil, false, err
	}
	return rec, r.saveWhen == nil || r.saveWhen(v), nil
}

// apply upserts rec, or deletes its row when keep is false.
func (r *Repo[T]) apply(ctx context.Context, sr statementRunner, rec models.Record, keep bool) (bool, error) {
	if !keep {
		_, err := r.store.delete(ctx, sr, rec)
		return false, err
	}
	_, err := r.store.save(ctx, sr, rec)
	return err == nil, err
}
