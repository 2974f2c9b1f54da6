// Package dialect isolates every backend SQL difference behind one interface.
// Backends live in subpackages and register themselves from init(); import
// pkg/adapters/dialect/all to compile every backend in.
package dialect

import (
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/models"
)

// ErrorClass is how a backend error should be handled by the executor.
type ErrorClass int

const (
	// Permanent errors (bad SQL, constraint violations) are never retried.
	Permanent ErrorClass = iota
	// Transient errors (deadlock, lock timeout) may succeed on the same connection.
	Transient
	// Broken errors mean the connection itself is unusable.
	Broken
)

func (c ErrorClass) String() string {
	switch c {
	case Transient:
		return "transient"
	case Broken:
		return "broken"
	default:
		return "permanent"
	}
}

// Dialect translates backend-agnostic schema and statement descriptions into
// backend SQL and maps values in both directions. Implementations are
// stateless and safe for concurrent use.
type Dialect interface {
	// Name is the registry key (e.g. "sqlite", "mysql").
	Name() string
	// DriverName is the database/sql driver the backend registers.
	DriverName() string
	// DSN builds the driver connection string from configuration.
	DSN(cfg config.BackendConfig) (string, error)

	Quote(ident string) string
	// Placeholder returns the bind marker for the n-th parameter (1-based).
	Placeholder(n int) string
	// ColumnType maps a declared column to its SQL type.
	ColumnType(c models.Column) string

	CreateTable(t *models.Table) (string, error)
	AddColumn(t *models.Table, c models.Column) string
	// IntrospectColumns returns a raw query (? placeholders) yielding
	// (column_name, data_type) rows for table, or no rows when the table
	// does not exist.
	IntrospectColumns(table string) (string, []models.Param)
	// Compatible reports whether an existing column of liveType can hold c.
	Compatible(c models.Column, liveType string) bool

	Render(stmt models.Statement) (models.Rendered, error)
	Bind(p models.Param) (any, error)
	Decode(t models.ColumnType, raw any) (any, error)
	Classify(err error) ErrorClass
}

// Configurable is implemented by dialects whose rendering depends on
// backend settings beyond the connection string.
type Configurable interface {
	Configure(cfg config.BackendConfig) Dialect
}

// Configure returns d adjusted for cfg, or d itself when it takes no settings.
func Configure(d Dialect, cfg config.BackendConfig) Dialect {
	if c, ok := d.(Configurable); ok {
		return c.Configure(cfg)
	}
	return d
}

// LiveColumn is one column as reported by IntrospectColumns.
type LiveColumn struct {
	Name string
	Type string
}
