package postgres

import (
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/models"
)

func scores() *models.Table {
	return &models.Table{
		Name: "scores",
		Columns: []models.Column{
			{Name: "player", Type: models.TypeUUID},
			{Name: "season", Type: models.TypeInt32},
			{Name: "points", Type: models.TypeInt64, NotNull: true, Default: "0"},
			{Name: "updated", Type: models.TypeTime},
		},
		PrimaryKey: []string{"player", "season"},
	}
}

func TestDSN_EscapesCredentials(t *testing.T) {
	dsn, err := New().DSN(config.BackendConfig{
		Host: "pg", Port: 6543, User: "app", Password: "p@ss/w#rd?", Database: "game",
		Params: map[string]string{"sslmode": "disable"},
	})
	require.NoError(t, err)

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgresql", u.Scheme)
	assert.Equal(t, "pg:6543", u.Host)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss/w#rd?", pw)
	assert.Equal(t, "/game", u.Path)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
}

func TestCreateTable_CompositeKey(t *testing.T) {
	sql, err := New().CreateTable(scores())
	require.NoError(t, err)
	assert.Equal(t, `CREATE TABLE "scores" (
  "player" UUID NOT NULL,
  "season" INTEGER NOT NULL,
  "points" BIGINT NOT NULL DEFAULT 0,
  "updated" TIMESTAMPTZ,
  PRIMARY KEY ("player", "season")
)`, sql)
}

func TestRender(t *testing.T) {
	d := New()

	r, err := d.Render(models.Upsert(scores(),
		models.Param{Column: "player", Value: "p"},
		models.Param{Column: "season", Value: 3},
		models.Param{Column: "points", Value: 10},
	))
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "scores" ("player", "season", "points") VALUES ($1, $2, $3) `+
		`ON CONFLICT ("player", "season") DO UPDATE SET "points" = EXCLUDED."points"`, r.SQL)

	r, err = d.Render(models.Update(scores(), models.Param{Column: "points", Value: 11}).
		Where(models.Eq("player", "p"), models.Eq("season", 3)))
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "scores" SET "points" = $1 WHERE "player" = $2 AND "season" = $3`, r.SQL)

	r, err = d.Render(models.Query("SELECT * FROM scores WHERE points > ? AND season = ?", models.Arg(1), models.Arg(2)))
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM scores WHERE points > $1 AND season = $2", r.SQL)

	_, err = d.Render(models.Query("SELECT ?", models.Arg(1), models.Arg(2)))
	assert.Error(t, err, "argument count mismatch")
}

func TestRenderInsert_Returning(t *testing.T) {
	tbl := &models.Table{
		Name:       "events",
		Columns:    []models.Column{{Name: "id", Type: models.TypeInt64, AutoIncrement: true}, {Name: "kind", Type: models.TypeText}},
		PrimaryKey: []string{"id"},
	}

	create, err := New().CreateTable(tbl)
	require.NoError(t, err)
	assert.Contains(t, create, `"id" BIGINT GENERATED BY DEFAULT AS IDENTITY`)

	r, err := New().Render(models.Insert(tbl, models.Param{Column: "kind", Value: "join"}))
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "events" ("kind") VALUES ($1) RETURNING "id"`, r.SQL)
	assert.True(t, r.Returning)
	require.Len(t, r.Columns, 1)
	assert.Equal(t, "id", r.Columns[0].Name)
}

func TestRenderRaw_ArraySyntax(t *testing.T) {
	d := New()
	r, err := d.Render(models.Query(`SELECT "tags"[?] FROM scores WHERE season = ANY(ARRAY[?, ?])`,
		models.Param{Type: models.TypeInt32, Value: 1},
		models.Param{Type: models.TypeInt32, Value: 2023},
		models.Param{Type: models.TypeInt32, Value: 2024}))
	require.NoError(t, err)
	assert.Equal(t, `SELECT "tags"[$1] FROM scores WHERE season = ANY(ARRAY[$2, $3])`, r.SQL)
	assert.Len(t, r.Params, 3)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"we""ird"`, New().Quote(`we"ird`))
}

func TestClassify(t *testing.T) {
	d := New()
	assert.Equal(t, dialect.Transient, d.Classify(&pgconn.PgError{Code: "40P01"}))
	assert.Equal(t, dialect.Transient, d.Classify(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})))
	assert.Equal(t, dialect.Broken, d.Classify(&pgconn.PgError{Code: "08006"}))
	assert.Equal(t, dialect.Broken, d.Classify(&pgconn.PgError{Code: "57P01"}))
	assert.Equal(t, dialect.Permanent, d.Classify(&pgconn.PgError{Code: "23505"}))
	assert.Equal(t, dialect.Permanent, d.Classify(&pgconn.PgError{Code: "42601"}))
	assert.Equal(t, dialect.Permanent, d.Classify(errors.New("boom")))
}

func TestCompatibleWithInformationSchemaNames(t *testing.T) {
	d := New()
	assert.True(t, d.Compatible(models.Column{Type: models.TypeTime}, "timestamp with time zone"))
	assert.True(t, d.Compatible(models.Column{Type: models.TypeString}, "character varying"))
	assert.True(t, d.Compatible(models.Column{Type: models.TypeFloat64}, "double precision"))
	assert.False(t, d.Compatible(models.Column{Type: models.TypeUUID}, "bytea"))
}
