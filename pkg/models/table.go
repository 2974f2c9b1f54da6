package models

import (
	"fmt"
	"regexp"
	"slices"
)

// ColumnType is the backend-agnostic semantic type of a column or bound value.
type ColumnType string

const (
	TypeInt8    ColumnType = "int8"
	TypeInt16   ColumnType = "int16"
	TypeInt32   ColumnType = "int32"
	TypeInt64   ColumnType = "int64"
	TypeFloat32 ColumnType = "float32"
	TypeFloat64 ColumnType = "float64"
	TypeBool    ColumnType = "bool"
	TypeChar    ColumnType = "char"   // fixed width, Length characters (default 1)
	TypeString  ColumnType = "string" // variable width, Length characters (default 255)
	TypeText    ColumnType = "text"   // unbounded
	TypeUUID    ColumnType = "uuid"
	TypeBytes   ColumnType = "bytes"
	TypeTime    ColumnType = "time"
)

// DefaultStringLength is used for TypeString columns declared without a length.
const DefaultStringLength = 255

// Valid reports whether t is one of the declared column types.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeFloat32, TypeFloat64, TypeBool,
		TypeChar, TypeString, TypeText, TypeUUID, TypeBytes, TypeTime:
		return true
	}
	return false
}

func (t ColumnType) IsInteger() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return true
	}
	return false
}

// Column is one declared column of a Table.
type Column struct {
	Name          string     `yaml:"name"`
	Type          ColumnType `yaml:"type"`
	Length        int        `yaml:"length,omitempty"`
	NotNull       bool       `yaml:"not_null,omitempty"`
	AutoIncrement bool       `yaml:"auto_increment,omitempty"`
	// Default is a SQL literal emitted verbatim in DDL.
	Default string `yaml:"default,omitempty"`
	// SQLType overrides the dialect's type mapping in DDL.
	SQLType string `yaml:"sql_type,omitempty"`
}

// StringLength returns the effective length for character columns.
func (c Column) StringLength() int {
	if c.Length > 0 {
		return c.Length
	}
	if c.Type == TypeChar {
		return 1
	}
	return DefaultStringLength
}

// ForeignKey references a column of another table.
type ForeignKey struct {
	Column    string `yaml:"column"`
	RefTable  string `yaml:"ref_table"`
	RefColumn string `yaml:"ref_column"`
}

// Table is a declared entity schema: a named, ordered set of typed columns
// with a primary key and optional unique and foreign key constraints.
type Table struct {
	Name        string       `yaml:"name"`
	Columns     []Column     `yaml:"columns"`
	PrimaryKey  []string     `yaml:"primary_key"`
	Unique      [][]string   `yaml:"unique,omitempty"` // each entry is one constraint group
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty"`
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to use as a table or column name.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

// Column looks up a column by name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t *Table) IsPrimaryKey(name string) bool {
	return slices.Contains(t.PrimaryKey, name)
}

// AutoIncrementColumn returns the auto-increment primary key column, if any.
func (t *Table) AutoIncrementColumn() (Column, bool) {
	for _, c := range t.Columns {
		if c.AutoIncrement {
			return c, true
		}
	}
	return Column{}, false
}

// WithPrefix returns a copy of t with prefix applied to its own name and to
// the tables its foreign keys reference.
func (t *Table) WithPrefix(prefix string) Table {
	out := t.Clone()
	if prefix == "" {
		return out
	}
	out.Name = prefix + t.Name
	for i := range out.ForeignKeys {
		out.ForeignKeys[i].RefTable = prefix + out.ForeignKeys[i].RefTable
	}
	return out
}

// Clone returns a deep copy.
func (t *Table) Clone() Table {
	out := *t
	out.Columns = slices.Clone(t.Columns)
	out.PrimaryKey = slices.Clone(t.PrimaryKey)
	out.ForeignKeys = slices.Clone(t.ForeignKeys)
	if t.Unique != nil {
		out.Unique = make([][]string, len(t.Unique))
		for i, g := range t.Unique {
			out.Unique[i] = slices.Clone(g)
		}
	}
	return out
}

// Validate checks that the declaration can be rendered into DDL.
func (t *Table) Validate() error {
	if !ValidIdentifier(t.Name) {
		return fmt.Errorf("invalid table name %q", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns declared", t.Name)
	}

	seen := make(map[string]bool, len(t.Columns))
	autoInc := 0
	for _, c := range t.Columns {
		if !ValidIdentifier(c.Name) {
			return fmt.Errorf("table %s: invalid column name %q", t.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		seen[c.Name] = true
		if !c.Type.Valid() {
			return fmt.Errorf("table %s: column %s has unknown type %q", t.Name, c.Name, c.Type)
		}
		if c.AutoIncrement {
			autoInc++
		}
	}

	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("table %s: primary key required", t.Name)
	}
	for _, name := range t.PrimaryKey {
		if !seen[name] {
			return fmt.Errorf("table %s: primary key column %s not declared", t.Name, name)
		}
	}

	if autoInc > 0 {
		c, _ := t.AutoIncrementColumn()
		if autoInc > 1 || len(t.PrimaryKey) != 1 || t.PrimaryKey[0] != c.Name || !c.Type.IsInteger() {
			return fmt.Errorf("table %s: auto-increment is only supported on a single integer primary key", t.Name)
		}
	}

	for _, group := range t.Unique {
		if len(group) == 0 {
			return fmt.Errorf("table %s: empty unique constraint", t.Name)
		}
		for _, name := range group {
			if !seen[name] {
				return fmt.Errorf("table %s: unique column %s not declared", t.Name, name)
			}
		}
	}

	for _, fk := range t.ForeignKeys {
		if !seen[fk.Column] {
			return fmt.Errorf("table %s: foreign key column %s not declared", t.Name, fk.Column)
		}
		if !ValidIdentifier(fk.RefTable) || !ValidIdentifier(fk.RefColumn) {
			return fmt.Errorf("table %s: invalid foreign key reference %s.%s", t.Name, fk.RefTable, fk.RefColumn)
		}
	}
	return nil
}
