package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func playersTable() *Table {
	return &Table{
		Name: "players",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, NotNull: true},
			{Name: "name", Type: TypeString, Length: 32, NotNull: true},
			{Name: "balance", Type: TypeFloat64},
		},
		PrimaryKey: []string{"id"},
		Unique:     [][]string{{"name"}},
	}
}

func TestTable_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(tbl *Table)
		wantErr string
	}{
		{"valid", func(tbl *Table) {}, ""},
		{"bad table name", func(tbl *Table) { tbl.Name = "players; DROP" }, "invalid table name"},
		{"no columns", func(tbl *Table) { tbl.Columns = nil }, "no columns"},
		{"duplicate column", func(tbl *Table) { tbl.Columns = append(tbl.Columns, Column{Name: "id", Type: TypeUUID}) }, "duplicate column"},
		{"unknown type", func(tbl *Table) { tbl.Columns[2].Type = "money" }, "unknown type"},
		{"no primary key", func(tbl *Table) { tbl.PrimaryKey = nil }, "primary key required"},
		{"undeclared key", func(tbl *Table) { tbl.PrimaryKey = []string{"uid"} }, "not declared"},
		{"auto increment on uuid", func(tbl *Table) { tbl.Columns[0].AutoIncrement = true }, "auto-increment"},
		{"unique on missing column", func(tbl *Table) { tbl.Unique = [][]string{{"email"}} }, "unique column"},
		{"fk on missing column", func(tbl *Table) {
			tbl.ForeignKeys = []ForeignKey{{Column: "guild", RefTable: "guilds", RefColumn: "id"}}
		}, "foreign key column"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := playersTable()
			tt.mutate(tbl)
			err := tbl.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTable_AutoIncrementOnIntegerKey(t *testing.T) {
	tbl := &Table{
		Name:       "events",
		Columns:    []Column{{Name: "id", Type: TypeInt64, AutoIncrement: true}, {Name: "kind", Type: TypeString}},
		PrimaryKey: []string{"id"},
	}
	require.NoError(t, tbl.Validate())

	col, ok := tbl.AutoIncrementColumn()
	require.True(t, ok)
	assert.Equal(t, "id", col.Name)
}

func TestTable_WithPrefix(t *testing.T) {
	tbl := playersTable()
	tbl.Columns = append(tbl.Columns, Column{Name: "guild_id", Type: TypeInt64})
	tbl.ForeignKeys = []ForeignKey{{Column: "guild_id", RefTable: "guilds", RefColumn: "id"}}

	prefixed := tbl.WithPrefix("mp_")
	assert.Equal(t, "mp_players", prefixed.Name)
	assert.Equal(t, "mp_guilds", prefixed.ForeignKeys[0].RefTable)

	// original untouched
	assert.Equal(t, "players", tbl.Name)
	assert.Equal(t, "guilds", tbl.ForeignKeys[0].RefTable)
}

func TestColumn_StringLength(t *testing.T) {
	assert.Equal(t, 1, Column{Type: TypeChar}.StringLength())
	assert.Equal(t, DefaultStringLength, Column{Type: TypeString}.StringLength())
	assert.Equal(t, 16, Column{Type: TypeString, Length: 16}.StringLength())
}

func TestStatement_BuildersCopy(t *testing.T) {
	tbl := playersTable()
	base := Select(tbl)
	filtered := base.Where(Eq("name", "alex")).OrderBy("balance", true).Limit(5)

	assert.Empty(t, base.Conditions)
	assert.Zero(t, base.LimitRows)
	require.Len(t, filtered.Conditions, 1)
	assert.Equal(t, 5, filtered.LimitRows)
	assert.True(t, filtered.ReturnsResultRows())

	again := filtered.Where(IsNull("balance"))
	assert.Len(t, filtered.Conditions, 1)
	assert.Len(t, again.Conditions, 2)
}

func TestParamsFor_DeclaredOrder(t *testing.T) {
	tbl := playersTable()
	params := ParamsFor(tbl, Record{"balance": 1.5, "id": "k", "unknown": 1})

	require.Len(t, params, 2)
	assert.Equal(t, "id", params[0].Column)
	assert.Equal(t, TypeUUID, params[0].Type)
	assert.Equal(t, "balance", params[1].Column)
}

func TestKeyConditions(t *testing.T) {
	tbl := playersTable()
	conds, err := KeyConditions(tbl, Record{"id": "k"})
	require.NoError(t, err)
	assert.Equal(t, []Condition{Eq("id", "k")}, conds)

	_, err = KeyConditions(tbl, Record{"name": "x"})
	assert.Error(t, err)
}

func TestRowSet(t *testing.T) {
	rs := &RowSet{
		Columns: []ResultColumn{{Name: "id", Type: TypeInt64}, {Name: "name", Type: TypeString}},
		Rows:    []Row{{int64(1), "a"}, {int64(2), "b"}},
	}
	assert.Equal(t, 2, rs.Len())
	v, ok := rs.Get(1, "name")
	require.True(t, ok)
	assert.Equal(t, "b", v)
	_, ok = rs.Get(0, "missing")
	assert.False(t, ok)
	assert.Equal(t, Record{"id": int64(1), "name": "a"}, rs.Record(0))

	var empty *RowSet
	assert.Zero(t, empty.Len())
}
