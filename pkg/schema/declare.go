package schema

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
	"github.com/jmoiron/sqlx/reflectx"

	"github.com/ekaya-inc/dbhandler/pkg/models"
)

// Tabler lets a struct choose its own table name.
type Tabler interface {
	TableName() string
}

var (
	uuidType  = reflect.TypeOf(uuid.UUID{})
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))
)

// Mapping ties a struct type to its declared table and converts between
// struct values and records.
type Mapping struct {
	Table  *models.Table
	typ    reflect.Type
	fields []fieldMap
}

type fieldMap struct {
	index  []int
	column string
}

// FromStruct declares a table from the exported fields of a struct. Field
// tags take the form
//
//	db:"name,pk,notnull,unique[=group],auto,size=N,type=T,default=SQL"
//
// where T is either a column type (text, char, int64, ...) or a literal SQL
// type. `db:"-"` skips a field. Columns are named by the tag or the
// snake-cased field name; the table by TableName() or the pluralised
// snake-cased type name.
func FromStruct(v any) (*models.Table, error) {
	m, err := MapStruct(v)
	if err != nil {
		return nil, err
	}
	return m.Table, nil
}

// mapper resolves db tags, falling back to snake-cased field names. It
// caches the field tree per type.
var mapper = reflectx.NewMapperFunc("db", snakeCase)

// MapStruct is FromStruct that also keeps the field mapping.
func MapStruct(v any) (*Mapping, error) {
	typ := reflect.TypeOf(v)
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ == nil || typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: %T is not a struct", v)
	}

	name := inflection.Plural(snakeCase(typ.Name()))
	if tn, ok := reflect.New(typ).Interface().(Tabler); ok {
		name = tn.TableName()
	}

	t := &models.Table{Name: name}
	m := &Mapping{Table: t, typ: typ}
	groups := map[string]int{}

	for _, fi := range mapper.TypeMap(typ).Tree.Children {
		// skipped (db:"-") and unexported fields leave nil slots
		if fi == nil || fi.Embedded {
			continue
		}
		col := fi.Name
		if col == "" {
			col = snakeCase(fi.Field.Name)
		}
		c := models.Column{Name: col}
		if err := applyGoType(&c, fi.Field.Type); err != nil {
			return nil, fmt.Errorf("schema: %s.%s: %w", typ.Name(), fi.Field.Name, err)
		}
		if err := applyOptions(t, &c, fi.Options, groups); err != nil {
			return nil, fmt.Errorf("schema: %s.%s: %w", typ.Name(), fi.Field.Name, err)
		}

		t.Columns = append(t.Columns, c)
		m.fields = append(m.fields, fieldMap{index: fi.Index, column: col})
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("schema: %s: %w", typ.Name(), err)
	}
	return m, nil
}

// tagOptions is the order options are applied in, so composite keys and
// unique groups follow field order regardless of map iteration.
var tagOptions = []string{"pk", "notnull", "auto", "unique", "size", "type", "default"}

func applyOptions(t *models.Table, c *models.Column, opts map[string]string, groups map[string]int) error {
	for key := range opts {
		if key != "" && !slices.Contains(tagOptions, key) {
			return fmt.Errorf("unknown tag option %q", key)
		}
	}
	for _, key := range tagOptions {
		val, ok := opts[key]
		if !ok {
			continue
		}
		switch key {
		case "pk":
			t.PrimaryKey = append(t.PrimaryKey, c.Name)
		case "notnull":
			c.NotNull = true
		case "auto":
			c.AutoIncrement = true
		case "unique":
			if val == "" {
				t.Unique = append(t.Unique, []string{c.Name})
			} else if i, ok := groups[val]; ok {
				t.Unique[i] = append(t.Unique[i], c.Name)
			} else {
				groups[val] = len(t.Unique)
				t.Unique = append(t.Unique, []string{c.Name})
			}
		case "size":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid size %q", val)
			}
			c.Length = n
		case "type":
			if ct := models.ColumnType(strings.ToLower(val)); ct.Valid() {
				c.Type = ct
			} else {
				c.SQLType = val
			}
		case "default":
			c.Default = val
		}
	}
	return nil
}

func applyGoType(c *models.Column, t reflect.Type) error {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t {
	case uuidType:
		c.Type = models.TypeUUID
		return nil
	case timeType:
		c.Type = models.TypeTime
		return nil
	case bytesType:
		c.Type = models.TypeBytes
		return nil
	}

	switch t.Kind() {
	case reflect.Int8:
		c.Type = models.TypeInt8
	case reflect.Int16, reflect.Uint8:
		c.Type = models.TypeInt16
	case reflect.Int32, reflect.Uint16:
		c.Type = models.TypeInt32
	case reflect.Int, reflect.Int64, reflect.Uint32:
		c.Type = models.TypeInt64
	case reflect.Float32:
		c.Type = models.TypeFloat32
	case reflect.Float64:
		c.Type = models.TypeFloat64
	case reflect.Bool:
		c.Type = models.TypeBool
	case reflect.String:
		c.Type = models.TypeString
	default:
		return fmt.Errorf("unsupported field type %s", t)
	}
	return nil
}

// snakeCase converts PlayerID to player_id and HTTPServer to http_server.
func snakeCase(s string) string {
	runes := []rune(s)
	var sb strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					sb.WriteByte('_')
				}
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// ToRecord reads every mapped field of v, which must be the mapped struct
// or a pointer to it. Nil pointer fields become nil values.
func (m *Mapping) ToRecord(v any) (models.Record, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("schema: nil %s", m.typ)
		}
		rv = rv.Elem()
	}
	if rv.Type() != m.typ {
		return nil, fmt.Errorf("schema: expected %s, got %s", m.typ, rv.Type())
	}

	rec := make(models.Record, len(m.fields))
	for _, f := range m.fields {
		fv := reflectx.FieldByIndexesReadOnly(rv, f.index)
		if fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				rec[f.column] = nil
				continue
			}
			fv = fv.Elem()
		}
		rec[f.column] = fv.Interface()
	}
	return rec, nil
}

// FromRecord fills dst, a pointer to the mapped struct, from rec. Columns
// absent from rec leave their fields untouched.
func (m *Mapping) FromRecord(rec models.Record, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Type() != m.typ {
		return fmt.Errorf("schema: FromRecord needs *%s, got %T", m.typ, dst)
	}
	rv = rv.Elem()

	for _, f := range m.fields {
		raw, ok := rec[f.column]
		if !ok {
			continue
		}
		fv := reflectx.FieldByIndexes(rv, f.index)
		if err := assign(fv, raw); err != nil {
			return fmt.Errorf("schema: column %s: %w", f.column, err)
		}
	}
	return nil
}

func assign(fv reflect.Value, raw any) error {
	if raw == nil {
		fv.SetZero()
		return nil
	}
	target := fv
	if fv.Kind() == reflect.Pointer {
		target = reflect.New(fv.Type().Elem()).Elem()
	}

	val := reflect.ValueOf(raw)
	switch {
	case val.Type().AssignableTo(target.Type()):
		target.Set(val)
	case val.Type().ConvertibleTo(target.Type()) && val.Kind() != reflect.String && target.Kind() != reflect.String:
		target.Set(val.Convert(target.Type()))
	case val.Kind() == reflect.String && target.Kind() == reflect.String:
		target.SetString(val.String())
	default:
		return fmt.Errorf("cannot assign %T to %s", raw, target.Type())
	}

	if fv.Kind() == reflect.Pointer {
		fv.Set(target.Addr())
	}
	return nil
}
