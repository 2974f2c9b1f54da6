package mssql

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/models"
)

const defaultPort = 1433

// SQL Server error numbers treated as transient.
const (
	errDeadlockVictim     = 1205
	errLockTimeout        = 1222
	errAzureBusy          = 40501
	errAzureDBUnavailable = 40613
)

// Dialect targets SQL Server 2016+ and Azure SQL.
type Dialect struct {
	dialect.Base
}

func New() *Dialect {
	d := &Dialect{}
	d.Base = dialect.NewBase(d)
	return d
}

func (d *Dialect) Name() string       { return "mssql" }
func (d *Dialect) DriverName() string { return "sqlserver" }

// DSN builds a sqlserver:// URL using SQL authentication.
func (d *Dialect) DSN(cfg config.BackendConfig) (string, error) {
	if cfg.Database == "" {
		return "", fmt.Errorf("mssql: backend.database is required")
	}
	q := url.Values{}
	q.Add("database", cfg.Database)
	q.Add("encrypt", "false")
	for k, v := range cfg.Params {
		q.Set(k, v)
	}
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Address(defaultPort),
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

// Quote uses QUOTENAME rules: square brackets with ] escaped as ]].
func (d *Dialect) Quote(ident string) string { return dialect.QuoteWith(ident, "[", "]") }

func (d *Dialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (d *Dialect) ColumnType(c models.Column) string {
	switch c.Type {
	case models.TypeInt8, models.TypeInt16: // TINYINT is unsigned in SQL Server
		return "SMALLINT"
	case models.TypeInt32:
		return "INT"
	case models.TypeInt64:
		return "BIGINT"
	case models.TypeFloat32:
		return "REAL"
	case models.TypeFloat64:
		return "FLOAT"
	case models.TypeBool:
		return "BIT"
	case models.TypeChar:
		return fmt.Sprintf("NCHAR(%d)", c.StringLength())
	case models.TypeString:
		return fmt.Sprintf("NVARCHAR(%d)", c.StringLength())
	case models.TypeUUID:
		return "UNIQUEIDENTIFIER"
	case models.TypeBytes:
		return "VARBINARY(MAX)"
	case models.TypeTime:
		return "DATETIME2"
	}
	return "NVARCHAR(MAX)"
}

func (d *Dialect) AutoIncrementDef(c models.Column) (string, bool) {
	return fmt.Sprintf("%s %s IDENTITY(1,1) NOT NULL", d.Quote(c.Name), d.ColumnType(c)), false
}

func (d *Dialect) Limit(n int) (string, string) { return fmt.Sprintf("TOP (%d) ", n), "" }

// InsertReturning uses OUTPUT; SCOPE_IDENTITY would need a second batch.
func (d *Dialect) InsertReturning(c models.Column) (string, string) {
	return " OUTPUT INSERTED." + d.Quote(c.Name), ""
}

func (d *Dialect) TableOptions() string { return "" }

func (d *Dialect) QuoteRunes() string { return "\"[" }

// AddColumn overrides the shared form: T-SQL has no COLUMN keyword here.
func (d *Dialect) AddColumn(t *models.Table, c models.Column) string {
	stmt := d.Base.AddColumn(t, c)
	return strings.Replace(stmt, " ADD COLUMN ", " ADD ", 1)
}

func (d *Dialect) IntrospectColumns(table string) (string, []models.Param) {
	return `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`, []models.Param{{Type: models.TypeString, Value: table}}
}

// Render renders upserts as MERGE ... WITH (HOLDLOCK) so concurrent
// upserts of the same key do not race between match and insert.
func (d *Dialect) Render(stmt models.Statement) (models.Rendered, error) {
	if stmt.Kind != models.KindUpsert {
		return d.Base.Render(stmt)
	}
	t := stmt.Table
	parts, err := d.InsertParts(t, stmt.Values)
	if err != nil {
		return models.Rendered{}, err
	}
	for _, pk := range t.PrimaryKey {
		if !slices.Contains(parts.Names, pk) {
			// no key to match on: the row is new
			return d.Base.Render(models.Insert(t, stmt.Values...))
		}
	}

	on := make([]string, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		on[i] = fmt.Sprintf("target.%s = source.%s", d.Quote(pk), d.Quote(pk))
	}
	sourceCols := make([]string, len(parts.Names))
	for i, n := range parts.Names {
		sourceCols[i] = "source." + d.Quote(n)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MERGE INTO %s WITH (HOLDLOCK) AS target USING (VALUES (%s)) AS source (%s) ON %s",
		d.Quote(t.Name), strings.Join(parts.Placeholders, ", "), strings.Join(parts.Columns, ", "),
		strings.Join(on, " AND "))
	if nonKey := parts.NonKey(); len(nonKey) > 0 {
		sets := make([]string, len(nonKey))
		for i, n := range nonKey {
			sets[i] = fmt.Sprintf("target.%s = source.%s", d.Quote(n), d.Quote(n))
		}
		sb.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		sb.WriteString(strings.Join(sets, ", "))
	}
	fmt.Fprintf(&sb, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		strings.Join(parts.Columns, ", "), strings.Join(sourceCols, ", "))
	return models.Rendered{SQL: sb.String(), Params: parts.Params}, nil
}

// Bind passes UUIDs as UNIQUEIDENTIFIER so SQL Server's mixed-endian byte
// order is applied by the driver.
func (d *Dialect) Bind(p models.Param) (any, error) {
	if p.Type == models.TypeUUID && p.Value != nil {
		s, err := dialect.BindValue(models.TypeUUID, p.Value)
		if err != nil || s == nil {
			return s, err
		}
		var id mssql.UniqueIdentifier
		if err := id.Scan(s.(string)); err != nil {
			return nil, fmt.Errorf("bind uniqueidentifier: %w", err)
		}
		return id, nil
	}
	return d.Base.Bind(p)
}

func (d *Dialect) Decode(t models.ColumnType, raw any) (any, error) {
	if t == models.TypeUUID {
		if b, ok := raw.([]byte); ok && len(b) == 16 {
			var id mssql.UniqueIdentifier
			if err := id.Scan(b); err != nil {
				return nil, fmt.Errorf("decode uniqueidentifier: %w", err)
			}
			return uuid.Parse(id.String())
		}
	}
	return d.Base.Decode(t, raw)
}

func (d *Dialect) Classify(err error) dialect.ErrorClass {
	var me mssql.Error
	if errors.As(err, &me) {
		switch me.Number {
		case errDeadlockVictim, errLockTimeout, errAzureBusy, errAzureDBUnavailable:
			return dialect.Transient
		}
		return dialect.Permanent
	}
	return dialect.ClassifyDefault(err)
}

var _ dialect.Dialect = (*Dialect)(nil)
