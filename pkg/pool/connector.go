package pool

import (
	"context"
	"database/sql"
	"fmt"
)

// Conn is one physical connection as seen by the executor.
// *sql.Conn satisfies it.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
}

// Connector creates physical connections for a pool.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
	Close() error
}

// SQLConnector pins one *sql.Conn per pool entry. The underlying *sql.DB
// keeps no idle connections of its own so closing an entry closes the
// physical connection and the pool alone decides reuse.
type SQLConnector struct {
	db *sql.DB
}

// NewSQLConnector takes ownership of db. maxOpen bounds db's open
// connections to the pool's max size.
func NewSQLConnector(db *sql.DB, maxOpen int) *SQLConnector {
	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxLifetime(0)
	return &SQLConnector{db: db}
}

// OpenSQL opens a database handle for driverName and wraps it. The DSN is
// not dialed until the first Connect.
func OpenSQL(driverName, dsn string, maxOpen int) (*SQLConnector, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	return NewSQLConnector(db, maxOpen), nil
}

func (c *SQLConnector) Connect(ctx context.Context) (Conn, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *SQLConnector) Close() error { return c.db.Close() }

// DB exposes the handle for diagnostics such as db.Stats().
func (c *SQLConnector) DB() *sql.DB { return c.db }
