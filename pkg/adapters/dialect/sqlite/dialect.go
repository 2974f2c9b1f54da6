package sqlite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/models"
)

// Dialect targets SQLite through the pure-Go modernc.org/sqlite driver.
type Dialect struct {
	dialect.Base
}

func New() *Dialect {
	d := &Dialect{}
	d.Base = dialect.NewBase(d)
	return d
}

func (d *Dialect) Name() string       { return "sqlite" }
func (d *Dialect) DriverName() string { return "sqlite" }

// DSN opens the configured file with a busy timeout, foreign keys and WAL
// so concurrent readers do not block the single writer.
func (d *Dialect) DSN(cfg config.BackendConfig) (string, error) {
	if cfg.Path == "" {
		return "", fmt.Errorf("sqlite: backend.path is required")
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if cfg.Path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	for k, v := range cfg.Params {
		q.Add(k, v)
	}
	return "file:" + cfg.Path + "?" + q.Encode(), nil
}

func (d *Dialect) Quote(ident string) string { return dialect.QuoteWith(ident, `"`, `"`) }

func (d *Dialect) Placeholder(n int) string { return dialect.QuestionPlaceholder(n) }

func (d *Dialect) ColumnType(c models.Column) string {
	switch c.Type {
	case models.TypeInt8, models.TypeInt16, models.TypeInt32, models.TypeInt64:
		return "INTEGER"
	case models.TypeFloat32, models.TypeFloat64:
		return "REAL"
	case models.TypeBool:
		return "BOOLEAN"
	case models.TypeChar:
		return fmt.Sprintf("CHAR(%d)", c.StringLength())
	case models.TypeString:
		return fmt.Sprintf("VARCHAR(%d)", c.StringLength())
	case models.TypeUUID:
		return "CHAR(36)"
	case models.TypeBytes:
		return "BLOB"
	case models.TypeTime:
		return "DATETIME"
	}
	return "TEXT"
}

// AutoIncrementDef uses a rowid alias, which must also be the primary key.
func (d *Dialect) AutoIncrementDef(c models.Column) (string, bool) {
	return d.Quote(c.Name) + " INTEGER PRIMARY KEY AUTOINCREMENT", true
}

func (d *Dialect) Limit(n int) (string, string) { return "", fmt.Sprintf(" LIMIT %d", n) }

func (d *Dialect) InsertReturning(models.Column) (string, string) { return "", "" }

func (d *Dialect) TableOptions() string { return "" }

// SQLite accepts all three identifier quote styles.
func (d *Dialect) QuoteRunes() string { return "\"`[" }

func (d *Dialect) IntrospectColumns(table string) (string, []models.Param) {
	return "SELECT name, type FROM pragma_table_info(?)", []models.Param{{Type: models.TypeString, Value: table}}
}

func (d *Dialect) Render(stmt models.Statement) (models.Rendered, error) {
	if stmt.Kind != models.KindUpsert {
		return d.Base.Render(stmt)
	}
	parts, err := d.InsertParts(stmt.Table, stmt.Values)
	if err != nil {
		return models.Rendered{}, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (",
		d.Quote(stmt.Table.Name), strings.Join(parts.Columns, ", "), strings.Join(parts.Placeholders, ", "))
	for i, pk := range stmt.Table.PrimaryKey {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(d.Quote(pk))
	}
	sb.WriteString(")")

	nonKey := parts.NonKey()
	if len(nonKey) == 0 {
		sb.WriteString(" DO NOTHING")
	} else {
		sb.WriteString(" DO UPDATE SET ")
		for i, n := range nonKey {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s = excluded.%s", d.Quote(n), d.Quote(n))
		}
	}
	return models.Rendered{SQL: sb.String(), Params: parts.Params}, nil
}

// Classify treats SQLITE_BUSY and SQLITE_LOCKED as transient and I/O or
// open failures as a broken connection. Other result codes are permanent.
func (d *Dialect) Classify(err error) dialect.ErrorClass {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return dialect.Transient
		case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB:
			return dialect.Broken
		}
		return dialect.Permanent
	}
	return dialect.ClassifyDefault(err)
}

var _ dialect.Dialect = (*Dialect)(nil)
