// Package schema reconciles declared tables against the live database.
// Reconciliation is additive only: missing tables are created and missing
// columns added. Nothing is dropped, renamed or narrowed.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
	"github.com/ekaya-inc/dbhandler/pkg/apperrors"
	"github.com/ekaya-inc/dbhandler/pkg/executor"
	"github.com/ekaya-inc/dbhandler/pkg/models"
	"github.com/ekaya-inc/dbhandler/pkg/pool"
)

// LeaseSource hands out exclusive connections. *pool.Pool satisfies it.
type LeaseSource interface {
	Acquire(ctx context.Context, borrower string, timeout time.Duration) (*pool.Lease, error)
}

// Change is one planned DDL statement.
type Change struct {
	Table  string
	Column string // empty for CREATE TABLE
	SQL    string
}

// Plan is the DDL needed to bring the database in line with a declaration.
type Plan struct {
	Changes []Change
}

// Empty reports whether the database already matches.
func (p *Plan) Empty() bool { return len(p.Changes) == 0 }

// Report summarises an applied reconciliation.
type Report struct {
	CreatedTables []string
	AddedColumns  []string // table.column
	Statements    []string
}

// Applied is the number of DDL statements run.
func (r *Report) Applied() int { return len(r.Statements) }

type Manager struct {
	leases         LeaseSource
	exec           *executor.Executor
	dialect        dialect.Dialect
	acquireTimeout time.Duration
	logger         *zap.Logger
}

func NewManager(leases LeaseSource, exec *executor.Executor, acquireTimeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		leases:         leases,
		exec:           exec,
		dialect:        exec.Dialect(),
		acquireTimeout: acquireTimeout,
		logger:         logger.Named("schema"),
	}
}

// Reconcile plans and applies additive DDL for tables on one lease. Any
// live column whose type cannot hold its declaration aborts the whole run
// with a SchemaConflict before a single statement executes.
func (m *Manager) Reconcile(ctx context.Context, tables []*models.Table) (*Report, error) {
	lease, err := m.leases.Acquire(ctx, "schema-reconcile", m.acquireTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for schema reconcile: %w", err)
	}
	defer lease.Release()

	plan, err := m.plan(ctx, lease, tables)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, ch := range plan.Changes {
		if _, err := m.exec.Execute(ctx, lease, models.Exec(ch.SQL)); err != nil {
			return report, fmt.Errorf("apply schema change to %s: %w", ch.Table, err)
		}
		report.Statements = append(report.Statements, ch.SQL)
		if ch.Column == "" {
			report.CreatedTables = append(report.CreatedTables, ch.Table)
			m.logger.Info("Created table", zap.String("table", ch.Table))
		} else {
			report.AddedColumns = append(report.AddedColumns, ch.Table+"."+ch.Column)
			m.logger.Info("Added column", zap.String("table", ch.Table), zap.String("column", ch.Column))
		}
	}

	if plan.Empty() {
		m.logger.Debug("Schema up to date", zap.Int("tables", len(tables)))
	}
	return report, nil
}

// Plan computes the DDL Reconcile would apply without running it.
func (m *Manager) Plan(ctx context.Context, tables []*models.Table) (*Plan, error) {
	lease, err := m.leases.Acquire(ctx, "schema-plan", m.acquireTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for schema plan: %w", err)
	}
	defer lease.Release()
	return m.plan(ctx, lease, tables)
}

func (m *Manager) plan(ctx context.Context, lease *pool.Lease, tables []*models.Table) (*Plan, error) {
	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("table %s declared twice", t.Name)
		}
		seen[t.Name] = true
	}

	plan := &Plan{}
	var conflicts []error
	for _, t := range tables {
		live, err := m.introspect(ctx, lease, t.Name)
		if err != nil {
			return nil, err
		}

		if len(live) == 0 {
			ddl, err := m.dialect.CreateTable(t)
			if err != nil {
				return nil, err
			}
			plan.Changes = append(plan.Changes, Change{Table: t.Name, SQL: ddl})
			continue
		}

		for _, c := range t.Columns {
			liveType, ok := live[strings.ToLower(c.Name)]
			if !ok {
				plan.Changes = append(plan.Changes, Change{
					Table:  t.Name,
					Column: c.Name,
					SQL:    m.dialect.AddColumn(t, c),
				})
				continue
			}
			if !m.dialect.Compatible(c, liveType) {
				declared := c.SQLType
				if declared == "" {
					declared = m.dialect.ColumnType(c)
				}
				conflicts = append(conflicts, &apperrors.ConflictError{
					Table:    t.Name,
					Column:   c.Name,
					Declared: declared,
					Live:     liveType,
				})
			}
		}
	}

	if len(conflicts) > 0 {
		for _, err := range conflicts {
			m.logger.Error("Schema conflict", zap.Error(err))
		}
		return nil, errors.Join(conflicts...)
	}
	return plan, nil
}

// introspect maps lower-cased column names to their live type. An empty
// map means the table does not exist.
func (m *Manager) introspect(ctx context.Context, lease *pool.Lease, table string) (map[string]string, error) {
	sql, args := m.dialect.IntrospectColumns(table)
	res, err := m.exec.Execute(ctx, lease, models.Query(sql, args...))
	if err != nil {
		return nil, fmt.Errorf("introspect table %s: %w", table, err)
	}

	live := make(map[string]string, res.Rows.Len())
	for i := 0; i < res.Rows.Len(); i++ {
		row := res.Rows.Rows[i]
		if len(row) < 2 {
			return nil, fmt.Errorf("introspect table %s: expected 2 columns, got %d", table, len(row))
		}
		live[strings.ToLower(asString(row[0]))] = asString(row[1])
	}
	return live, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
