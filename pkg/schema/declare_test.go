package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/dbhandler/pkg/models"
)

type PlayerProfile struct {
	ID        uuid.UUID `db:"id,pk"`
	Name      string    `db:"name,notnull,size=32,unique"`
	Guild     *string   `db:",unique=guild_rank"`
	Rank      int16     `db:",unique=guild_rank"`
	Bio       string    `db:"bio,type=text"`
	Balance   float64
	Banned    bool
	JoinedAt  time.Time
	Avatar    []byte
	HTTPToken string `db:"-"`
	internal  int
}

type Item struct {
	ID    int64  `db:"id,pk,auto"`
	Label string `db:"label,type=VARCHAR(12)"`
}

func (Item) TableName() string { return "shop_items" }

func TestFromStruct(t *testing.T) {
	tbl, err := FromStruct(PlayerProfile{})
	require.NoError(t, err)

	assert.Equal(t, "player_profiles", tbl.Name)
	assert.Equal(t, []string{"id"}, tbl.PrimaryKey)
	assert.Equal(t,
		[]string{"id", "name", "guild", "rank", "bio", "balance", "banned", "joined_at", "avatar"},
		tbl.ColumnNames())
	assert.Equal(t, [][]string{{"name"}, {"guild", "rank"}}, tbl.Unique)

	name, _ := tbl.Column("name")
	assert.Equal(t, models.Column{Name: "name", Type: models.TypeString, Length: 32, NotNull: true}, name)

	want := map[string]models.ColumnType{
		"id":        models.TypeUUID,
		"guild":     models.TypeString,
		"rank":      models.TypeInt16,
		"bio":       models.TypeText,
		"balance":   models.TypeFloat64,
		"banned":    models.TypeBool,
		"joined_at": models.TypeTime,
		"avatar":    models.TypeBytes,
	}
	for col, typ := range want {
		c, ok := tbl.Column(col)
		require.True(t, ok, col)
		assert.Equal(t, typ, c.Type, col)
	}
}

func TestFromStruct_TableNameAndSQLType(t *testing.T) {
	tbl, err := FromStruct(&Item{})
	require.NoError(t, err)
	assert.Equal(t, "shop_items", tbl.Name)

	id, _ := tbl.Column("id")
	assert.True(t, id.AutoIncrement)
	label, _ := tbl.Column("label")
	assert.Equal(t, "VARCHAR(12)", label.SQLType)
	assert.Equal(t, models.TypeString, label.Type)
}

func TestFromStruct_Errors(t *testing.T) {
	type noKey struct{ Name string }
	_, err := FromStruct(noKey{})
	assert.ErrorContains(t, err, "primary key required")

	type badOption struct {
		ID int64 `db:"id,pk,index"`
	}
	_, err = FromStruct(badOption{})
	assert.ErrorContains(t, err, `unknown tag option "index"`)

	type badField struct {
		ID   int64 `db:"id,pk"`
		Tags []string
	}
	_, err = FromStruct(badField{})
	assert.ErrorContains(t, err, "unsupported field type")

	_, err = FromStruct(42)
	assert.Error(t, err)
}

func TestFromStruct_KeysFollowFieldOrder(t *testing.T) {
	type Route struct {
		Code   string `db:"code,unique=lane,pk,size=8"`
		Region string `db:",pk,unique=lane"`
		Hops   int32  `db:"hops,default=0,notnull"`
	}
	for i := 0; i < 2; i++ {
		tbl, err := FromStruct(&Route{})
		require.NoError(t, err)
		assert.Equal(t, "routes", tbl.Name)
		assert.Equal(t, []string{"code", "region"}, tbl.PrimaryKey)
		assert.Equal(t, [][]string{{"code", "region"}}, tbl.Unique)
		hops, _ := tbl.Column("hops")
		assert.True(t, hops.NotNull)
		assert.Equal(t, "0", hops.Default)
	}
}

func TestSnakeCase(t *testing.T) {
	cases := map[string]string{
		"Player":      "player",
		"PlayerID":    "player_id",
		"HTTPServer":  "http_server",
		"JoinedAt":    "joined_at",
		"Level2Score": "level2_score",
		"already":     "already",
	}
	for in, want := range cases {
		assert.Equal(t, want, snakeCase(in), in)
	}
}

func TestMapping_RecordRoundTrip(t *testing.T) {
	m, err := MapStruct(PlayerProfile{})
	require.NoError(t, err)

	guild := "red"
	in := PlayerProfile{
		ID:       uuid.New(),
		Name:     "kim",
		Guild:    &guild,
		Rank:     4,
		Balance:  12.5,
		JoinedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	rec, err := m.ToRecord(&in)
	require.NoError(t, err)
	assert.Equal(t, "red", rec["guild"])
	assert.Equal(t, int16(4), rec["rank"])
	assert.NotContains(t, rec, "http_token")

	// Decoded rows carry the declared Go types; widen one to check conversion.
	rec["rank"] = int64(4)
	var out PlayerProfile
	require.NoError(t, m.FromRecord(rec, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Name, out.Name)
	require.NotNil(t, out.Guild)
	assert.Equal(t, "red", *out.Guild)
	assert.Equal(t, int16(4), out.Rank)
	assert.True(t, in.JoinedAt.Equal(out.JoinedAt))

	rec["guild"] = nil
	require.NoError(t, m.FromRecord(rec, &out))
	assert.Nil(t, out.Guild)

	assert.Error(t, m.FromRecord(rec, out), "needs a pointer")
	_, err = m.ToRecord(Item{})
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tables:
  - name: players
    primary_key: [id]
    columns:
      - {name: id, type: uuid}
      - {name: name, type: string, length: 32, not_null: true}
      - {name: level, type: int32, not_null: true, default: "1"}
    unique:
      - [name]
  - name: scores
    primary_key: [player, season]
    columns:
      - {name: player, type: uuid}
      - {name: season, type: int16}
      - {name: points, type: int64}
    foreign_keys:
      - {column: player, ref_table: players, ref_column: id}
`), 0644))

	tables, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	assert.Equal(t, "players", tables[0].Name)
	level, ok := tables[0].Column("level")
	require.True(t, ok)
	assert.Equal(t, "1", level.Default)
	assert.Equal(t, [][]string{{"name"}}, tables[0].Unique)
	assert.Equal(t, []string{"player", "season"}, tables[1].PrimaryKey)
	assert.Equal(t, "players", tables[1].ForeignKeys[0].RefTable)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(strings.NewReader("tables:\n  - name: t\n    colums: []\n"))
	assert.ErrorContains(t, err, "colums", "unknown keys are rejected")

	_, err = Parse(strings.NewReader("tables:\n  - name: t\n    columns: [{name: id, type: varchar}]\n    primary_key: [id]\n"))
	assert.ErrorContains(t, err, "unknown type")

	tables, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, tables)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
