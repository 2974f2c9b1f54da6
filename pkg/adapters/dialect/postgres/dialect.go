package postgres

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/models"
)

const defaultPort = 5432

// Dialect targets PostgreSQL 12+ through pgx's database/sql driver.
type Dialect struct {
	dialect.Base
}

func New() *Dialect {
	d := &Dialect{}
	d.Base = dialect.NewBase(d)
	return d
}

func (d *Dialect) Name() string       { return "postgres" }
func (d *Dialect) DriverName() string { return "pgx" }

// DSN builds a PostgreSQL URL with proper escaping.
// All user-provided fields are URL-escaped to handle special characters
// in passwords (e.g., @, /, #, ?) that would otherwise break URL parsing.
func (d *Dialect) DSN(cfg config.BackendConfig) (string, error) {
	if cfg.Database == "" {
		return "", fmt.Errorf("postgres: backend.database is required")
	}
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   cfg.Address(defaultPort),
		Path:   "/" + cfg.Database,
	}
	q := url.Values{}
	q.Set("sslmode", "prefer")
	for k, v := range cfg.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Dialect) Quote(ident string) string { return pgx.Identifier{ident}.Sanitize() }

func (d *Dialect) Placeholder(n int) string { return dialect.DollarPlaceholder(n) }

func (d *Dialect) ColumnType(c models.Column) string {
	switch c.Type {
	case models.TypeInt8, models.TypeInt16:
		return "SMALLINT"
	case models.TypeInt32:
		return "INTEGER"
	case models.TypeInt64:
		return "BIGINT"
	case models.TypeFloat32:
		return "REAL"
	case models.TypeFloat64:
		return "DOUBLE PRECISION"
	case models.TypeBool:
		return "BOOLEAN"
	case models.TypeChar:
		return fmt.Sprintf("CHAR(%d)", c.StringLength())
	case models.TypeString:
		return fmt.Sprintf("VARCHAR(%d)", c.StringLength())
	case models.TypeUUID:
		return "UUID"
	case models.TypeBytes:
		return "BYTEA"
	case models.TypeTime:
		return "TIMESTAMPTZ"
	}
	return "TEXT"
}

func (d *Dialect) AutoIncrementDef(c models.Column) (string, bool) {
	return fmt.Sprintf("%s %s GENERATED BY DEFAULT AS IDENTITY", d.Quote(c.Name), d.ColumnType(c)), false
}

func (d *Dialect) Limit(n int) (string, string) { return "", fmt.Sprintf(" LIMIT %d", n) }

// InsertReturning uses RETURNING since the pgx driver has no LastInsertId.
func (d *Dialect) InsertReturning(c models.Column) (string, string) {
	return "", " RETURNING " + d.Quote(c.Name)
}

func (d *Dialect) TableOptions() string { return "" }

// Brackets are array syntax, so only double quotes delimit identifiers.
func (d *Dialect) QuoteRunes() string { return `"` }

func (d *Dialect) IntrospectColumns(table string) (string, []models.Param) {
	return `SELECT column_name, data_type FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = ?
ORDER BY ordinal_position`, []models.Param{{Type: models.TypeString, Value: table}}
}

func (d *Dialect) Render(stmt models.Statement) (models.Rendered, error) {
	if stmt.Kind != models.KindUpsert {
		return d.Base.Render(stmt)
	}
	parts, err := d.InsertParts(stmt.Table, stmt.Values)
	if err != nil {
		return models.Rendered{}, err
	}

	pk := make([]string, len(stmt.Table.PrimaryKey))
	for i, n := range stmt.Table.PrimaryKey {
		pk[i] = d.Quote(n)
	}

	action := "DO NOTHING"
	if nonKey := parts.NonKey(); len(nonKey) > 0 {
		sets := make([]string, len(nonKey))
		for i, n := range nonKey {
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", d.Quote(n), d.Quote(n))
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		d.Quote(stmt.Table.Name), strings.Join(parts.Columns, ", "),
		strings.Join(parts.Placeholders, ", "), strings.Join(pk, ", "), action)
	return models.Rendered{SQL: sql, Params: parts.Params}, nil
}

// Classify maps SQLSTATE codes: serialization failures, deadlocks and lock
// timeouts are transient; connection exceptions (class 08) and operator
// shutdowns are broken.
func (d *Dialect) Classify(err error) dialect.ErrorClass {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03", pgErr.Code == "57014":
			return dialect.Transient
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return dialect.Broken
		}
		return dialect.Permanent
	}
	if pgconn.Timeout(err) {
		return dialect.Transient
	}
	if pgconn.SafeToRetry(err) {
		return dialect.Broken
	}
	return dialect.ClassifyDefault(err)
}

var _ dialect.Dialect = (*Dialect)(nil)
