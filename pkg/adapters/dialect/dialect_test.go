package dialect

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/dbhandler/pkg/apperrors"
	"github.com/ekaya-inc/dbhandler/pkg/models"
)

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		sqlType string
		want    Family
	}{
		{"INTEGER", FamilyInteger},
		{"bigint", FamilyInteger},
		{"tinyint(1)", FamilyInteger},
		{"smallint", FamilyInteger},
		{"int(11) unsigned", FamilyInteger},
		{"UNSIGNED BIG INT", FamilyInteger},
		{"bigserial", FamilyInteger},
		{"interval", FamilyUnknown},
		{"point", FamilyUnknown},
		{"BOOLEAN", FamilyBool},
		{"bit", FamilyBool},
		{"VARCHAR(32)", FamilyText},
		{"character varying", FamilyText},
		{"nvarchar", FamilyText},
		{"longtext", FamilyText},
		{"uuid", FamilyText},
		{"uniqueidentifier", FamilyText},
		{"BLOB", FamilyBinary},
		{"varbinary", FamilyBinary},
		{"bytea", FamilyBinary},
		{"DATETIME", FamilyTime},
		{"timestamp with time zone", FamilyTime},
		{"datetime2", FamilyTime},
		{"REAL", FamilyReal},
		{"double precision", FamilyReal},
		{"float", FamilyReal},
		{"decimal(10,2)", FamilyReal},
		{"", FamilyUnknown},
		{"json", FamilyUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.sqlType, func(t *testing.T) {
			assert.Equal(t, tt.want, FamilyOf(tt.sqlType))
		})
	}
}

func TestCompatibleFamilies(t *testing.T) {
	assert.True(t, CompatibleFamilies(FamilyText, FamilyText))
	assert.True(t, CompatibleFamilies(FamilyBool, FamilyInteger))
	assert.True(t, CompatibleFamilies(FamilyInteger, FamilyBool))
	assert.True(t, CompatibleFamilies(FamilyTime, FamilyUnknown))
	assert.False(t, CompatibleFamilies(FamilyInteger, FamilyText))
	assert.False(t, CompatibleFamilies(FamilyText, FamilyBinary))
}

func TestDeclaredFamily_SQLTypeOverride(t *testing.T) {
	c := models.Column{Name: "meta", Type: models.TypeText, SQLType: "BLOB"}
	assert.Equal(t, FamilyBinary, DeclaredFamily(c))
	assert.Equal(t, FamilyInteger, DeclaredFamily(models.Column{Type: models.TypeInt16}))
}

func TestRebind(t *testing.T) {
	sql, n, err := Rebind("SELECT * FROM t WHERE a = ? AND b = '?' AND c = ?", DollarPlaceholder, `"`)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = '?' AND c = $2", sql)

	sql, n, err = Rebind(`SELECT "we?rd" FROM [x?] WHERE s = 'it''s ?' AND v = ?`, DollarPlaceholder, `"[`)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, `SELECT "we?rd" FROM [x?] WHERE s = 'it''s ?' AND v = $1`, sql)

	_, _, err = Rebind("SELECT 'open", DollarPlaceholder, "")
	assert.Error(t, err)
}

func TestRebind_BracketsOutsideQuoteRunes(t *testing.T) {
	sql, n, err := Rebind("SELECT id FROM t WHERE id = ANY(ARRAY[?, ?])", DollarPlaceholder, `"`)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "SELECT id FROM t WHERE id = ANY(ARRAY[$1, $2])", sql)

	sql, n, err = Rebind("SELECT tags[?] FROM t", DollarPlaceholder, `"`)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "SELECT tags[$1] FROM t", sql)
}

type namedInt int32

func TestBindValue(t *testing.T) {
	id := uuid.New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	seven := 7

	tests := []struct {
		name string
		typ  models.ColumnType
		in   any
		want any
	}{
		{"nil", models.TypeInt64, nil, nil},
		{"nil pointer", models.TypeInt64, (*int)(nil), nil},
		{"pointer", models.TypeInt64, &seven, int64(7)},
		{"named int", models.TypeInt32, namedInt(3), int64(3)},
		{"uint", models.TypeInt64, uint16(9), int64(9)},
		{"float from int", models.TypeFloat64, 2, float64(2)},
		{"bool", models.TypeBool, true, true},
		{"string", models.TypeString, "abc", "abc"},
		{"uuid value", models.TypeUUID, id, id.String()},
		{"uuid string", models.TypeUUID, id.String(), id.String()},
		{"time utc", models.TypeTime, now, now.UTC()},
		{"bytes", models.TypeBytes, []byte("x"), []byte("x")},
		{"untyped int", "", 5, int64(5)},
		{"untyped uuid", "", id, id.String()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BindValue(tt.typ, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := BindValue(models.TypeUUID, "not-a-uuid")
	assert.Error(t, err)
	_, err = BindValue(models.TypeBool, "yes")
	assert.Error(t, err)
	_, err = BindValue(models.TypeInt64, 1.5)
	assert.Error(t, err)
}

func TestDecodeValue(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name string
		typ  models.ColumnType
		in   any
		want any
	}{
		{"null", models.TypeString, nil, nil},
		{"int8 narrow", models.TypeInt8, int64(12), int8(12)},
		{"int32 from bytes", models.TypeInt32, []byte("42"), int32(42)},
		{"float32", models.TypeFloat32, float64(1.5), float32(1.5)},
		{"decimal bytes", models.TypeFloat64, []byte("3.25"), 3.25},
		{"bool from tinyint", models.TypeBool, int64(1), true},
		{"bool from text", models.TypeBool, []byte("0"), false},
		{"string from bytes", models.TypeString, []byte("hey"), "hey"},
		{"uuid from string", models.TypeUUID, id.String(), id},
		{"uuid from bytes", models.TypeUUID, id[:], id},
		{"time from text", models.TypeTime, "2024-05-01 12:00:00", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"untyped bytes", "", []byte("raw"), "raw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeValue(tt.typ, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DecodeValue(models.TypeInt8, int64(300))
	assert.Error(t, err, "overflow must not be silently truncated")
}

type retryableErr struct{}

func (retryableErr) Error() string     { return "custom" }
func (retryableErr) IsRetryable() bool { return true }

func TestClassifyDefault(t *testing.T) {
	assert.Equal(t, Broken, ClassifyDefault(fmt.Errorf("exec: %w", driver.ErrBadConn)))
	assert.Equal(t, Transient, ClassifyDefault(context.DeadlineExceeded))
	assert.Equal(t, Permanent, ClassifyDefault(context.Canceled))
	assert.Equal(t, Transient, ClassifyDefault(retryableErr{}))
	assert.Equal(t, Transient, ClassifyDefault(errors.New("Deadlock found when trying to get lock")))
	assert.Equal(t, Permanent, ClassifyDefault(errors.New("syntax error at or near")))
}

type stubDialect struct {
	Dialect
}

func TestRegistry(t *testing.T) {
	d := stubDialect{}
	Register(Registration{Info: Info{Name: "stubdb", Aliases: []string{"StubAlias"}}, Dialect: d})

	got, err := Lookup("STUBDB")
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = Lookup("stubalias")
	require.NoError(t, err)
	assert.True(t, IsRegistered(" stubdb "))
	assert.Contains(t, Registered(), "stubalias")

	_, err = Lookup("oracle")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnknownBackend)
	assert.Contains(t, err.Error(), "stubdb")
}
