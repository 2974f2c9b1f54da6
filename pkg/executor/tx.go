package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
	"github.com/ekaya-inc/dbhandler/pkg/apperrors"
	"github.com/ekaya-inc/dbhandler/pkg/logging"
	"github.com/ekaya-inc/dbhandler/pkg/models"
	"github.com/ekaya-inc/dbhandler/pkg/pool"
)

// ErrTxDone is returned by a Tx after Commit, Rollback or a transient
// failure that ended it.
var ErrTxDone = errors.New("transaction already finished")

// Tx is a caller-scoped transaction on one leased connection. Statements
// inside a transaction are never retried: a transient failure rolls the
// transaction back, invalidates the lease and leaves the retry to the
// caller. The lease stays owned by the caller.
type Tx struct {
	x     *Executor
	lease *pool.Lease
	tx    *sql.Tx

	mu   sync.Mutex
	done bool
}

// Begin starts a transaction on the lease.
func (x *Executor) Begin(ctx context.Context, lease *pool.Lease, opts *sql.TxOptions) (*Tx, error) {
	if lease == nil || lease.Done() {
		return nil, apperrors.ErrLeaseReleased
	}
	tx, err := lease.Conn().BeginTx(ctx, opts)
	if err != nil {
		if class := x.dialect.Classify(err); class != dialect.Permanent {
			return nil, x.invalidate(lease, "BEGIN", err, "begin failed")
		}
		return nil, &apperrors.QueryError{SQL: "BEGIN", Err: err}
	}
	return &Tx{x: x, lease: lease, tx: tx}, nil
}

// Execute runs one statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, stmt models.Statement) (*models.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxDone
	}

	r, args, err := t.x.prepare(stmt)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &apperrors.QueryError{SQL: r.SQL, Err: err}
	}
	res, err := t.x.run(ctx, t.tx, r, args)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		t.done = true
		_ = t.tx.Rollback()
		return nil, t.x.interrupted(t.lease, r.SQL, err)
	}
	if t.x.dialect.Classify(err) != dialect.Permanent {
		t.done = true
		if rbErr := t.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			t.x.logger.Debug("rollback after transient failure failed",
				zap.String("error", logging.SanitizeError(rbErr)))
		}
		return nil, t.x.invalidate(t.lease, r.SQL, err, "transient failure inside transaction")
	}
	return nil, &apperrors.QueryError{SQL: r.SQL, Err: err}
}

func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		if t.x.dialect.Classify(err) != dialect.Permanent {
			return t.x.invalidate(t.lease, "COMMIT", err, "commit failed")
		}
		return &apperrors.QueryError{SQL: "COMMIT", Err: err}
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction
// is a no-op so it can be deferred.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// InTx runs fn inside a transaction on lease, committing when fn returns
// nil and rolling back otherwise.
func (x *Executor) InTx(ctx context.Context, lease *pool.Lease, fn func(*Tx) error) error {
	tx, err := x.Begin(ctx, lease, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
