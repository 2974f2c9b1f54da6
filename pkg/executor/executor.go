// Package executor runs rendered statements on leased connections and maps
// results into backend-agnostic rows.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
	"github.com/ekaya-inc/dbhandler/pkg/apperrors"
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/logging"
	"github.com/ekaya-inc/dbhandler/pkg/models"
	"github.com/ekaya-inc/dbhandler/pkg/pool"
	"github.com/ekaya-inc/dbhandler/pkg/retry"
)

// querier is satisfied by both *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Executor executes statements through one dialect. It never acquires
// connections itself; retries happen on the caller's lease only.
type Executor struct {
	dialect dialect.Dialect
	retry   *retry.Config
	logger  *zap.Logger
}

func New(d dialect.Dialect, cfg config.ExecutorConfig, logger *zap.Logger) *Executor {
	rc := retry.DefaultConfig().WithRetries(cfg.MaxRetries)
	if cfg.RetryBackoff > 0 {
		rc.InitialDelay = cfg.RetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{dialect: d, retry: rc, logger: logger}
}

func (x *Executor) Dialect() dialect.Dialect { return x.dialect }

// Execute renders stmt, binds its parameters in declared order and runs it
// on the lease.
//
// Transient failures are retried on the same lease while a ping shows the
// connection is still usable. When the connection is broken, or retries
// run out, the lease is invalidated and a transient *QueryError returned so
// the caller can re-acquire. Permanent failures are returned as
// *QueryError{Transient: false} and never retried. A context that ends
// while a statement is running invalidates the lease, since drivers tear
// the connection down mid-query.
func (x *Executor) Execute(ctx context.Context, lease *pool.Lease, stmt models.Statement) (*models.Result, error) {
	if lease == nil || lease.Done() {
		return nil, apperrors.ErrLeaseReleased
	}
	r, args, err := x.prepare(stmt)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &apperrors.QueryError{SQL: r.SQL, Err: err}
	}

	conn := lease.Conn()
	for attempt := 0; ; attempt++ {
		start := time.Now()
		res, err := x.run(ctx, conn, r, args)
		if err == nil {
			x.logger.Debug("statement executed",
				zap.String("sql", logging.SanitizeQuery(r.SQL)),
				zap.Duration("duration", time.Since(start)),
				zap.Int("attempt", attempt+1),
			)
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, x.interrupted(lease, r.SQL, err)
		}

		class := x.dialect.Classify(err)
		switch {
		case class == dialect.Permanent:
			return nil, &apperrors.QueryError{SQL: r.SQL, Err: err}
		case class == dialect.Broken:
			return nil, x.invalidate(lease, r.SQL, err, "connection broken")
		case attempt >= x.retry.MaxRetries:
			return nil, x.invalidate(lease, r.SQL, err, "transient failure persisted")
		case conn.PingContext(ctx) != nil:
			return nil, x.invalidate(lease, r.SQL, err, "connection failed ping after transient failure")
		}

		delay := x.retry.Delay(attempt)
		x.logger.Debug("retrying transient failure on same connection",
			zap.String("sql", logging.SanitizeQuery(r.SQL)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("error", logging.SanitizeError(err)),
		)
		if werr := retry.Sleep(ctx, delay); werr != nil {
			return nil, &apperrors.QueryError{SQL: r.SQL, Err: werr}
		}
	}
}

func (x *Executor) invalidate(lease *pool.Lease, sqlText string, err error, reason string) error {
	x.logger.Warn("invalidating lease",
		zap.String("reason", reason),
		zap.String("borrower", lease.Borrower()),
		zap.String("sql", logging.SanitizeQuery(sqlText)),
		zap.String("error", logging.SanitizeError(err)),
	)
	lease.Invalidate()
	return &apperrors.QueryError{Transient: true, SQL: sqlText, Err: err}
}

// interrupted invalidates a lease whose statement was cut off by its
// context. The error is not transient: the caller gave up.
func (x *Executor) interrupted(lease *pool.Lease, sqlText string, err error) error {
	x.logger.Warn("invalidating lease",
		zap.String("reason", "statement interrupted by context"),
		zap.String("borrower", lease.Borrower()),
		zap.String("sql", logging.SanitizeQuery(sqlText)),
	)
	lease.Invalidate()
	return &apperrors.QueryError{SQL: sqlText, Err: err}
}

// prepare renders and binds. Failures are permanent: retrying cannot fix
// a statement the dialect rejects.
func (x *Executor) prepare(stmt models.Statement) (models.Rendered, []any, error) {
	r, err := x.dialect.Render(stmt)
	if err != nil {
		return r, nil, &apperrors.QueryError{Err: fmt.Errorf("render %s: %w", stmt.Kind, err)}
	}
	args := make([]any, len(r.Params))
	for i, p := range r.Params {
		v, err := x.dialect.Bind(p)
		if err != nil {
			name := p.Column
			if name == "" {
				name = fmt.Sprintf("$%d", i+1)
			}
			return r, nil, &apperrors.QueryError{SQL: r.SQL, Err: fmt.Errorf("bind %s: %w", name, err)}
		}
		args[i] = v
	}
	// a non-nil empty column list makes run use Query and infer types
	if (stmt.ReturnsResultRows() || r.Returning) && r.Columns == nil {
		r.Columns = []models.ResultColumn{}
	}
	return r, args, nil
}

func (x *Executor) run(ctx context.Context, q querier, r models.Rendered, args []any) (*models.Result, error) {
	if r.Columns == nil {
		res, err := q.ExecContext(ctx, r.SQL, args...)
		if err != nil {
			return nil, err
		}
		out := &models.Result{}
		out.RowsAffected, _ = res.RowsAffected()
		out.LastInsertID, _ = res.LastInsertId()
		return out, nil
	}

	rows, err := q.QueryContext(ctx, r.SQL, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set, err := x.scan(rows, r.Columns)
	if err != nil {
		return nil, err
	}
	if r.Returning {
		out := &models.Result{RowsAffected: int64(set.Len())}
		if set.Len() > 0 {
			if id, ok := set.Rows[0][0].(int64); ok {
				out.LastInsertID = id
			} else if n, err := dialect.DecodeValue(models.TypeInt64, set.Rows[0][0]); err == nil {
				out.LastInsertID = n.(int64)
			}
		}
		return out, nil
	}
	return &models.Result{Rows: set}, nil
}

// scan reads every row. With declared columns each value is decoded to its
// declared type; otherwise the type is inferred from driver metadata.
func (x *Executor) scan(rows *sql.Rows, declared []models.ResultColumn) (*models.RowSet, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	cols := declared
	if len(cols) == 0 {
		types, err := rows.ColumnTypes()
		if err != nil {
			return nil, err
		}
		cols = make([]models.ResultColumn, len(names))
		for i, ct := range types {
			cols[i] = models.ResultColumn{
				Name: names[i],
				Type: dialect.RepresentativeType(dialect.FamilyOf(ct.DatabaseTypeName())),
			}
		}
	}
	if len(cols) != len(names) {
		return nil, fmt.Errorf("expected %d result columns, got %d", len(cols), len(names))
	}

	set := &models.RowSet{Columns: cols}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(models.Row, len(cols))
		for i, c := range cols {
			v, err := x.dialect.Decode(c.Type, raw[i])
			if err != nil {
				return nil, fmt.Errorf("decode column %s: %w", c.Name, err)
			}
			row[i] = v
		}
		set.Rows = append(set.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return set, nil
}
