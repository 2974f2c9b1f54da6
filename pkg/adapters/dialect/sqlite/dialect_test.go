package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/models"
)

func players() *models.Table {
	return &models.Table{
		Name: "players",
		Columns: []models.Column{
			{Name: "id", Type: models.TypeUUID, NotNull: true},
			{Name: "name", Type: models.TypeString, Length: 32, NotNull: true},
			{Name: "balance", Type: models.TypeFloat64},
		},
		PrimaryKey: []string{"id"},
		Unique:     [][]string{{"name"}},
	}
}

func events() *models.Table {
	return &models.Table{
		Name: "events",
		Columns: []models.Column{
			{Name: "id", Type: models.TypeInt64, AutoIncrement: true},
			{Name: "kind", Type: models.TypeString},
		},
		PrimaryKey: []string{"id"},
	}
}

func TestRegistered(t *testing.T) {
	d, err := dialect.Lookup("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.DriverName())
}

func TestDSN(t *testing.T) {
	dsn, err := New().DSN(config.BackendConfig{Path: "/tmp/app.db", BusyTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "file:/tmp/app.db?_pragma=busy_timeout%285000%29&_pragma=foreign_keys%281%29&_pragma=journal_mode%28WAL%29", dsn)

	_, err = New().DSN(config.BackendConfig{})
	assert.Error(t, err)
}

func TestCreateTable(t *testing.T) {
	d := New()

	sql, err := d.CreateTable(players())
	require.NoError(t, err)
	assert.Equal(t, `CREATE TABLE "players" (
  "id" CHAR(36) NOT NULL,
  "name" VARCHAR(32) NOT NULL,
  "balance" REAL,
  PRIMARY KEY ("id"),
  UNIQUE ("name")
)`, sql)

	sql, err = d.CreateTable(events())
	require.NoError(t, err)
	assert.Equal(t, `CREATE TABLE "events" (
  "id" INTEGER PRIMARY KEY AUTOINCREMENT,
  "kind" VARCHAR(255)
)`, sql)
}

func TestAddColumn(t *testing.T) {
	d := New()
	assert.Equal(t, `ALTER TABLE "players" ADD COLUMN "level" INTEGER`,
		d.AddColumn(players(), models.Column{Name: "level", Type: models.TypeInt32, NotNull: true}))
	assert.Equal(t, `ALTER TABLE "players" ADD COLUMN "level" INTEGER NOT NULL DEFAULT 1`,
		d.AddColumn(players(), models.Column{Name: "level", Type: models.TypeInt32, NotNull: true, Default: "1"}))
}

func TestRender(t *testing.T) {
	d := New()
	p := players()
	values := []models.Param{
		{Column: "id", Value: "k"},
		{Column: "name", Value: "alex"},
		{Column: "balance", Value: 2.5},
	}

	tests := []struct {
		name   string
		stmt   models.Statement
		sql    string
		params int
	}{
		{
			name:   "select",
			stmt:   models.Select(p).Where(models.Eq("name", "alex")).OrderBy("balance", true).Limit(5),
			sql:    `SELECT "id", "name", "balance" FROM "players" WHERE "name" = ? ORDER BY "balance" DESC LIMIT 5`,
			params: 1,
		},
		{
			name:   "exists",
			stmt:   models.Exists(p, models.Eq("id", "k")),
			sql:    `SELECT 1 AS "found" FROM "players" WHERE "id" = ? LIMIT 1`,
			params: 1,
		},
		{
			name: "count",
			stmt: models.Count(p, models.IsNull("balance")),
			sql:  `SELECT COUNT(*) AS "count" FROM "players" WHERE "balance" IS NULL`,
		},
		{
			name:   "upsert",
			stmt:   models.Upsert(p, values...),
			sql:    `INSERT INTO "players" ("id", "name", "balance") VALUES (?, ?, ?) ON CONFLICT ("id") DO UPDATE SET "name" = excluded."name", "balance" = excluded."balance"`,
			params: 3,
		},
		{
			name:   "upsert key only",
			stmt:   models.Upsert(p, values[0]),
			sql:    `INSERT INTO "players" ("id") VALUES (?) ON CONFLICT ("id") DO NOTHING`,
			params: 1,
		},
		{
			name:   "update",
			stmt:   models.Update(p, values[2]).Where(models.Eq("id", "k")),
			sql:    `UPDATE "players" SET "balance" = ? WHERE "id" = ?`,
			params: 2,
		},
		{
			name:   "delete",
			stmt:   models.Delete(p, models.Eq("id", "k")),
			sql:    `DELETE FROM "players" WHERE "id" = ?`,
			params: 1,
		},
		{
			name:   "insert auto increment",
			stmt:   models.Insert(events(), models.Param{Column: "kind", Value: "join"}),
			sql:    `INSERT INTO "events" ("kind") VALUES (?)`,
			params: 1,
		},
		{
			name:   "raw",
			stmt:   models.Query("SELECT name FROM players WHERE balance > ?", models.Arg(1)),
			sql:    "SELECT name FROM players WHERE balance > ?",
			params: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := d.Render(tt.stmt)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, r.SQL)
			assert.Len(t, r.Params, tt.params)
			assert.False(t, r.Returning)
		})
	}
}

func TestRender_TypesParamsFromDeclaration(t *testing.T) {
	r, err := New().Render(models.Update(players(), models.Param{Column: "balance", Value: 1}).Where(models.Eq("id", "k")))
	require.NoError(t, err)
	assert.Equal(t, models.TypeFloat64, r.Params[0].Type)
	assert.Equal(t, models.TypeUUID, r.Params[1].Type)
}

func TestRender_RejectsUnknownColumn(t *testing.T) {
	_, err := New().Render(models.Select(players()).Where(models.Eq("password", "x")))
	assert.Error(t, err)

	_, err = New().Render(models.Select(players(), "secret"))
	assert.Error(t, err)
}

func TestIntrospectColumns(t *testing.T) {
	sql, args := New().IntrospectColumns("players")
	assert.Contains(t, sql, "pragma_table_info(?)")
	require.Len(t, args, 1)
	assert.Equal(t, "players", args[0].Value)
}
