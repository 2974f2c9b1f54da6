package dialect

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/dbhandler/pkg/models"
)

// Family groups SQL types by the values they can hold. Schema conflicts
// are detected by family, not by exact type name.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyInteger
	FamilyReal
	FamilyBool
	FamilyText
	FamilyBinary
	FamilyTime
)

func (f Family) String() string {
	switch f {
	case FamilyInteger:
		return "integer"
	case FamilyReal:
		return "real"
	case FamilyBool:
		return "bool"
	case FamilyText:
		return "text"
	case FamilyBinary:
		return "binary"
	case FamilyTime:
		return "time"
	default:
		return "unknown"
	}
}

// FamilyOf classifies a SQL type name as reported by any supported backend.
// Rules are ordered keyword checks in the style of SQLite type affinity.
func FamilyOf(sqlType string) Family {
	t := strings.ToUpper(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}

	switch {
	case t == "":
		return FamilyUnknown
	case t == "BOOL" || t == "BOOLEAN" || t == "BIT":
		return FamilyBool
	case isIntegerType(t):
		return FamilyInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"),
		strings.Contains(t, "UUID"), t == "UNIQUEIDENTIFIER":
		return FamilyText
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BINARY"), t == "BYTEA", t == "IMAGE":
		return FamilyBinary
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return FamilyTime
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"),
		strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return FamilyReal
	}
	return FamilyUnknown
}

var integerWords = map[string]bool{
	"INT": true, "INTEGER": true, "TINYINT": true, "SMALLINT": true, "MEDIUMINT": true,
	"BIGINT": true, "INT2": true, "INT4": true, "INT8": true,
	"SERIAL": true, "SMALLSERIAL": true, "BIGSERIAL": true,
}

// isIntegerType matches integer type names word by word, so INTERVAL and
// POINT are not mistaken for integers.
func isIntegerType(t string) bool {
	for _, w := range strings.Fields(t) {
		if integerWords[w] {
			return true
		}
	}
	return false
}

// DeclaredFamily is the family a declared column belongs to.
func DeclaredFamily(c models.Column) Family {
	if c.SQLType != "" {
		return FamilyOf(c.SQLType)
	}
	if c.Type.IsInteger() {
		return FamilyInteger
	}
	switch c.Type {
	case models.TypeFloat32, models.TypeFloat64:
		return FamilyReal
	case models.TypeBool:
		return FamilyBool
	case models.TypeChar, models.TypeString, models.TypeText, models.TypeUUID:
		return FamilyText
	case models.TypeBytes:
		return FamilyBinary
	case models.TypeTime:
		return FamilyTime
	}
	return FamilyUnknown
}

// CompatibleFamilies reports whether a live column of family live can hold
// values declared as family declared. Backends without a native boolean
// store booleans as small integers, so those two are interchangeable.
// Untyped live columns accept anything.
func CompatibleFamilies(declared, live Family) bool {
	if declared == live || live == FamilyUnknown || declared == FamilyUnknown {
		return true
	}
	pair := func(a, b Family) bool {
		return (declared == a && live == b) || (declared == b && live == a)
	}
	return pair(FamilyInteger, FamilyBool)
}

// RepresentativeType picks the column type used to decode values of a
// family when no declaration is available (raw queries).
func RepresentativeType(f Family) models.ColumnType {
	switch f {
	case FamilyInteger:
		return models.TypeInt64
	case FamilyReal:
		return models.TypeFloat64
	case FamilyBool:
		return models.TypeBool
	case FamilyText:
		return models.TypeString
	case FamilyBinary:
		return models.TypeBytes
	case FamilyTime:
		return models.TypeTime
	}
	return ""
}

// BindValue converts a Go value to the driver representation for t. When t
// is empty the value is passed through after normalizing named types.
func BindValue(t models.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		return BindValue(t, rv.Elem().Interface())
	}

	if t.IsInteger() {
		return toInt64(v)
	}

	switch t {
	case models.TypeFloat32, models.TypeFloat64:
		return toFloat64(v)
	case models.TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		if rv.Kind() == reflect.Bool {
			return rv.Bool(), nil
		}
		return nil, fmt.Errorf("cannot bind %T as bool", v)
	case models.TypeChar, models.TypeString, models.TypeText:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case fmt.Stringer:
			return s.String(), nil
		}
		if rv.Kind() == reflect.String {
			return rv.String(), nil
		}
		return nil, fmt.Errorf("cannot bind %T as string", v)
	case models.TypeUUID:
		id, err := toUUID(v)
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	case models.TypeBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
		return nil, fmt.Errorf("cannot bind %T as bytes", v)
	case models.TypeTime:
		if tm, ok := v.(time.Time); ok {
			return tm.UTC(), nil
		}
		return nil, fmt.Errorf("cannot bind %T as time", v)
	case "":
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint8, reflect.Uint16, reflect.Uint32:
			return toInt64(v)
		case reflect.String:
			return rv.String(), nil
		}
		if id, ok := v.(uuid.UUID); ok {
			return id.String(), nil
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported column type %q", t)
}

// DecodeValue converts a value scanned from database/sql into the Go type
// for t: int8..int64, float32/float64, bool, string, uuid.UUID, []byte or
// time.Time. NULL decodes to nil.
func DecodeValue(t models.ColumnType, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}

	switch t {
	case models.TypeInt8, models.TypeInt16, models.TypeInt32, models.TypeInt64:
		n, err := toInt64(raw)
		if err != nil {
			return nil, err
		}
		return narrowInt(t, n)
	case models.TypeFloat32:
		f, err := toFloat64(raw)
		if err != nil {
			return nil, err
		}
		return float32(f), nil
	case models.TypeFloat64:
		return toFloat64(raw)
	case models.TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case []byte:
			return parseBool(string(v))
		case string:
			return parseBool(v)
		}
		n, err := toInt64(raw)
		if err != nil {
			return nil, fmt.Errorf("cannot decode %T as bool", raw)
		}
		return n != 0, nil
	case models.TypeChar, models.TypeString, models.TypeText:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
		return fmt.Sprint(raw), nil
	case models.TypeUUID:
		return toUUID(raw)
	case models.TypeBytes:
		switch v := raw.(type) {
		case []byte:
			return append([]byte(nil), v...), nil
		case string:
			return []byte(v), nil
		}
		return nil, fmt.Errorf("cannot decode %T as bytes", raw)
	case models.TypeTime:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case []byte:
			return parseTime(string(v))
		case string:
			return parseTime(v)
		}
		return nil, fmt.Errorf("cannot decode %T as time", raw)
	case "":
		if b, ok := raw.([]byte); ok {
			return string(b), nil
		}
		return raw, nil
	}
	return nil, fmt.Errorf("unsupported column type %q", t)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("value %v is not an integer", f)
		}
		return int64(f), nil
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}

func narrowInt(t models.ColumnType, n int64) (any, error) {
	switch t {
	case models.TypeInt8:
		if n < math.MinInt8 || n > math.MaxInt8 {
			return nil, fmt.Errorf("value %d overflows int8", n)
		}
		return int8(n), nil
	case models.TypeInt16:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("value %d overflows int16", n)
		}
		return int16(n), nil
	case models.TypeInt32:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("value %d overflows int32", n)
		}
		return int32(n), nil
	}
	return n, nil
}

func toFloat64(v any) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	case []byte:
		return strconv.ParseFloat(string(f), 64)
	case string:
		return strconv.ParseFloat(f, 64)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	}
	return 0, fmt.Errorf("cannot convert %T to float", v)
}

func toUUID(v any) (uuid.UUID, error) {
	switch id := v.(type) {
	case uuid.UUID:
		return id, nil
	case [16]byte:
		return uuid.UUID(id), nil
	case string:
		return uuid.Parse(id)
	case []byte:
		if len(id) == 16 {
			return uuid.FromBytes(id)
		}
		return uuid.ParseBytes(id)
	case fmt.Stringer:
		return uuid.Parse(id.String())
	}
	return uuid.Nil, fmt.Errorf("cannot convert %T to uuid", v)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes":
		return true, nil
	case "0", "f", "false", "n", "no", "":
		return false, nil
	}
	return false, fmt.Errorf("cannot decode %q as bool", s)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot decode %q as time", s)
}
