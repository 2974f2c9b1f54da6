package mysql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/models"
)

const defaultPort = 3306

// MySQL server error numbers the executor treats specially.
const (
	erLockWaitTimeout    = 1205
	erLockDeadlock       = 1213
	erTooManyConnections = 1040
	erServerShutdown     = 1053
	erConnectionKilled   = 1927
	erQueryInterrupted   = 1317
)

// Dialect targets MySQL 5.7+ and MariaDB 10.3+.
type Dialect struct {
	dialect.Base
	charset string
}

func New() *Dialect {
	d := &Dialect{}
	d.Base = dialect.NewBase(d)
	return d
}

// Configure returns a dialect whose CREATE TABLE carries the configured
// default character set.
func (d *Dialect) Configure(cfg config.BackendConfig) dialect.Dialect {
	c := New()
	c.charset = cfg.Charset
	return c
}

func (d *Dialect) Name() string       { return "mysql" }
func (d *Dialect) DriverName() string { return "mysql" }

// DSN builds a go-sql-driver DSN. parseTime is always on so DATETIME
// columns scan into time.Time.
func (d *Dialect) DSN(cfg config.BackendConfig) (string, error) {
	if cfg.Database == "" {
		return "", fmt.Errorf("mysql: backend.database is required")
	}
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = cfg.Address(defaultPort)
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Params = map[string]string{}
	if cfg.Charset != "" {
		mc.Params["charset"] = cfg.Charset
	}
	for k, v := range cfg.Params {
		mc.Params[k] = v
	}
	return mc.FormatDSN(), nil
}

func (d *Dialect) Quote(ident string) string { return dialect.QuoteWith(ident, "`", "`") }

func (d *Dialect) Placeholder(n int) string { return dialect.QuestionPlaceholder(n) }

func (d *Dialect) ColumnType(c models.Column) string {
	switch c.Type {
	case models.TypeInt8:
		return "TINYINT"
	case models.TypeInt16:
		return "SMALLINT"
	case models.TypeInt32:
		return "INT"
	case models.TypeInt64:
		return "BIGINT"
	case models.TypeFloat32:
		return "FLOAT"
	case models.TypeFloat64:
		return "DOUBLE"
	case models.TypeBool:
		return "BOOLEAN"
	case models.TypeChar:
		return fmt.Sprintf("CHAR(%d)", c.StringLength())
	case models.TypeString:
		return fmt.Sprintf("VARCHAR(%d)", c.StringLength())
	case models.TypeUUID:
		return "CHAR(36)"
	case models.TypeBytes:
		return "LONGBLOB"
	case models.TypeTime:
		return "DATETIME(6)"
	}
	return "LONGTEXT"
}

func (d *Dialect) AutoIncrementDef(c models.Column) (string, bool) {
	return fmt.Sprintf("%s %s NOT NULL AUTO_INCREMENT", d.Quote(c.Name), d.ColumnType(c)), false
}

func (d *Dialect) Limit(n int) (string, string) { return "", fmt.Sprintf(" LIMIT %d", n) }

func (d *Dialect) InsertReturning(models.Column) (string, string) { return "", "" }

func (d *Dialect) TableOptions() string {
	if d.charset == "" {
		return " ENGINE=InnoDB"
	}
	return " ENGINE=InnoDB DEFAULT CHARACTER SET " + d.charset
}

// Double quotes are string literals outside ANSI_QUOTES mode.
func (d *Dialect) QuoteRunes() string { return "`\"" }

func (d *Dialect) IntrospectColumns(table string) (string, []models.Param) {
	return `SELECT COLUMN_NAME, DATA_TYPE FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`, []models.Param{{Type: models.TypeString, Value: table}}
}

func (d *Dialect) Render(stmt models.Statement) (models.Rendered, error) {
	if stmt.Kind != models.KindUpsert {
		return d.Base.Render(stmt)
	}
	parts, err := d.InsertParts(stmt.Table, stmt.Values)
	if err != nil {
		return models.Rendered{}, err
	}

	nonKey := parts.NonKey()
	if len(nonKey) == 0 {
		// nothing to overwrite; a self-assignment keeps the statement an upsert
		nonKey = stmt.Table.PrimaryKey[:1]
	}
	sets := make([]string, len(nonKey))
	for i, n := range nonKey {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", d.Quote(n), d.Quote(n))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		d.Quote(stmt.Table.Name), strings.Join(parts.Columns, ", "),
		strings.Join(parts.Placeholders, ", "), strings.Join(sets, ", "))
	return models.Rendered{SQL: sql, Params: parts.Params}, nil
}

func (d *Dialect) Classify(err error) dialect.ErrorClass {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return dialect.Broken
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case erLockWaitTimeout, erLockDeadlock, erTooManyConnections, erQueryInterrupted:
			return dialect.Transient
		case erServerShutdown, erConnectionKilled:
			return dialect.Broken
		}
		return dialect.Permanent
	}
	return dialect.ClassifyDefault(err)
}

var _ dialect.Dialect = (*Dialect)(nil)
