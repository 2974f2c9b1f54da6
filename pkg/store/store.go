// Package store is the caller-facing CRUD surface. Every operation is
// submitted to the gateway and completes through a typed handle.
package store

import (
	"context"
	"fmt"
	"maps"
	"reflect"

	"github.com/ekaya-inc/dbhandler/pkg/apperrors"
	"github.com/ekaya-inc/dbhandler/pkg/executor"
	"github.com/ekaya-inc/dbhandler/pkg/gateway"
	"github.com/ekaya-inc/dbhandler/pkg/models"
	"github.com/ekaya-inc/dbhandler/pkg/pool"
)

// Option adjusts how a single operation is submitted.
type Option func(*options)

type options struct {
	context gateway.ExecContext
	key     string
	retry   int
	then    any
}

// On selects where the completion callback runs. Main is the default.
func On(c gateway.ExecContext) Option {
	return func(o *options) { o.context = c }
}

// Key serializes the operation with every other operation sharing k.
func Key(k string) Option {
	return func(o *options) { o.key = k }
}

// Retry re-runs the operation on a fresh connection up to n times after a
// transient failure.
func Retry(n int) Option {
	return func(o *options) { o.retry = n }
}

// Then registers a completion callback. Its value type must match the
// operation's result type or the operation fails without running.
func Then[T any](cb func(T, error)) Option {
	return func(o *options) { o.then = cb }
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// statementRunner is satisfied by a transaction and by a bound lease.
type statementRunner interface {
	Execute(ctx context.Context, stmt models.Statement) (*models.Result, error)
}

type boundLease struct {
	x     *executor.Executor
	lease *pool.Lease
}

func (b boundLease) Execute(ctx context.Context, stmt models.Statement) (*models.Result, error) {
	return b.x.Execute(ctx, b.lease, stmt)
}

// Store runs CRUD operations against one declared table.
type Store struct {
	gw    *gateway.Gateway
	exec  *executor.Executor
	table *models.Table
}

func New(gw *gateway.Gateway, exec *executor.Executor, table *models.Table) *Store {
	return &Store{gw: gw, exec: exec, table: table}
}

func (s *Store) Table() *models.Table { return s.table }

func submit[T any](s *Store, op string, opts []Option, run func(ctx context.Context, r statementRunner) (T, error)) *gateway.Handle[T] {
	o := collect(opts)
	task := gateway.Task[T]{
		Name:           s.table.Name + "." + op,
		Key:            o.key,
		Context:        o.context,
		RetryTransient: o.retry,
		Run: func(ctx context.Context, lease *pool.Lease) (T, error) {
			return run(ctx, boundLease{x: s.exec, lease: lease})
		},
	}
	if o.then != nil {
		cb, ok := o.then.(func(T, error))
		if !ok {
			task.Run = func(context.Context, *pool.Lease) (T, error) {
				var zero T
				return zero, fmt.Errorf("store: %s callback is %T, want func(%T, error)", op, o.then, zero)
			}
		} else {
			task.OnComplete = cb
		}
	}
	return gateway.Submit(s.gw, task)
}

// submitTx runs fn inside one transaction on one lease.
func submitTx[T any](s *Store, op string, opts []Option, fn func(ctx context.Context, r statementRunner) (T, error)) *gateway.Handle[T] {
	return submit(s, op, opts, func(ctx context.Context, r statementRunner) (T, error) {
		b := r.(boundLease)
		var out T
		err := s.exec.InTx(ctx, b.lease, func(tx *executor.Tx) error {
			v, err := fn(ctx, tx)
			out = v
			return err
		})
		return out, err
	})
}

// Get loads the row whose primary key matches key. A missing row fails
// with apperrors.ErrNotFound.
func (s *Store) Get(key models.Record, opts ...Option) *gateway.Handle[models.Record] {
	return submit(s, "get", opts, func(ctx context.Context, r statementRunner) (models.Record, error) {
		return s.get(ctx, r, key)
	})
}

func (s *Store) Exists(key models.Record, opts ...Option) *gateway.Handle[bool] {
	return submit(s, "exists", opts, func(ctx context.Context, r statementRunner) (bool, error) {
		conds, err := models.KeyConditions(s.table, key)
		if err != nil {
			return false, err
		}
		res, err := r.Execute(ctx, models.Exists(s.table, conds...))
		if err != nil {
			return false, err
		}
		return res.Rows.Len() > 0, nil
	})
}

// Find returns every row matching all of where, in primary key order.
func (s *Store) Find(where []models.Condition, opts ...Option) *gateway.Handle[[]models.Record] {
	return submit(s, "find", opts, func(ctx context.Context, r statementRunner) ([]models.Record, error) {
		return s.find(ctx, r, where)
	})
}

func (s *Store) Count(where []models.Condition, opts ...Option) *gateway.Handle[int64] {
	return submit(s, "count", opts, func(ctx context.Context, r statementRunner) (int64, error) {
		res, err := r.Execute(ctx, models.Count(s.table, where...))
		if err != nil {
			return 0, err
		}
		v, _ := res.Rows.Get(0, "count")
		n, ok := v.(int64)
		if !ok {
			return 0, fmt.Errorf("store: count returned %T", v)
		}
		return n, nil
	})
}

// Save inserts rec or overwrites the existing row with the same key.
func (s *Store) Save(rec models.Record, opts ...Option) *gateway.Handle[int64] {
	return submit(s, "save", opts, func(ctx context.Context, r statementRunner) (int64, error) {
		return s.save(ctx, r, rec)
	})
}

// Insert adds rec and returns the generated key for auto-increment tables.
func (s *Store) Insert(rec models.Record, opts ...Option) *gateway.Handle[int64] {
	return submit(s, "insert", opts, func(ctx context.Context, r statementRunner) (int64, error) {
		res, err := r.Execute(ctx, models.Insert(s.table, models.ParamsFor(s.table, rec)...))
		if err != nil {
			return 0, err
		}
		return res.LastInsertID, nil
	})
}

// Update writes the non-key columns present in rec to the row matching its
// key and returns the number of rows changed.
func (s *Store) Update(rec models.Record, opts ...Option) *gateway.Handle[int64] {
	return submit(s, "update", opts, func(ctx context.Context, r statementRunner) (int64, error) {
		conds, err := models.KeyConditions(s.table, rec)
		if err != nil {
			return 0, err
		}
		var values []models.Param
		for _, p := range models.ParamsFor(s.table, rec) {
			if !s.table.IsPrimaryKey(p.Column) {
				values = append(values, p)
			}
		}
		if len(values) == 0 {
			return 0, fmt.Errorf("store: update of %s sets no columns", s.table.Name)
		}
		res, err := r.Execute(ctx, models.Update(s.table, values...).Where(conds...))
		if err != nil {
			return 0, err
		}
		return res.RowsAffected, nil
	})
}

func (s *Store) Delete(key models.Record, opts ...Option) *gateway.Handle[int64] {
	return submit(s, "delete", opts, func(ctx context.Context, r statementRunner) (int64, error) {
		return s.delete(ctx, r, key)
	})
}

// SaveAll upserts every record in one transaction.
func (s *Store) SaveAll(recs []models.Record, opts ...Option) *gateway.Handle[int64] {
	return submitTx(s, "save_all", opts, func(ctx context.Context, r statementRunner) (int64, error) {
		var total int64
		for _, rec := range recs {
			n, err := s.save(ctx, r, rec)
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	})
}

// DeleteAll removes every keyed row in one transaction.
func (s *Store) DeleteAll(keys []models.Record, opts ...Option) *gateway.Handle[int64] {
	return submitTx(s, "delete_all", opts, func(ctx context.Context, r statementRunner) (int64, error) {
		var total int64
		for _, key := range keys {
			n, err := s.delete(ctx, r, key)
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	})
}

func (s *Store) get(ctx context.Context, r statementRunner, key models.Record) (models.Record, error) {
	conds, err := models.KeyConditions(s.table, key)
	if err != nil {
		return nil, err
	}
	res, err := r.Execute(ctx, models.Select(s.table).Where(conds...).Limit(1))
	if err != nil {
		return nil, err
	}
	if res.Rows.Len() == 0 {
		return nil, fmt.Errorf("%s: %w", s.table.Name, apperrors.ErrNotFound)
	}
	return res.Rows.Record(0), nil
}

func (s *Store) find(ctx context.Context, r statementRunner, where []models.Condition) ([]models.Record, error) {
	stmt := models.Select(s.table).Where(where...)
	for _, pk := range s.table.PrimaryKey {
		stmt = stmt.OrderBy(pk, false)
	}
	res, err := r.Execute(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return res.Rows.Records(), nil
}

// save upserts rec. A zero or missing auto-increment key is left to the
// database to generate.
func (s *Store) save(ctx context.Context, r statementRunner, rec models.Record) (int64, error) {
	if auto, ok := s.table.AutoIncrementColumn(); ok && isZeroInt(rec[auto.Name]) {
		trimmed := maps.Clone(rec)
		delete(trimmed, auto.Name)
		rec = trimmed
	} else if _, err := models.KeyConditions(s.table, rec); err != nil {
		return 0, err
	}
	res, err := r.Execute(ctx, models.Upsert(s.table, models.ParamsFor(s.table, rec)...))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

func (s *Store) delete(ctx context.Context, r statementRunner, key models.Record) (int64, error) {
	conds, err := models.KeyConditions(s.table, key)
	if err != nil {
		return 0, err
	}
	res, err := r.Execute(ctx, models.Delete(s.table, conds...))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

func isZeroInt(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 0
	}
	return false
}
