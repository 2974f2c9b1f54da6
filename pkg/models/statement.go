package models

import (
	"fmt"
	"slices"
)

// StatementKind is the operation a Statement performs.
type StatementKind int

const (
	KindSelect StatementKind = iota
	KindExists
	KindCount
	KindInsert
	KindUpsert
	KindUpdate
	KindDelete
	KindRaw
)

func (k StatementKind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindExists:
		return "exists"
	case KindCount:
		return "count"
	case KindInsert:
		return "insert"
	case KindUpsert:
		return "upsert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindRaw:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsWrite reports whether the kind modifies data.
func (k StatementKind) IsWrite() bool {
	switch k {
	case KindInsert, KindUpsert, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Param is one named, typed value bound into a statement.
type Param struct {
	Column string
	Type   ColumnType
	Value  any
}

// Op is a comparison operator in a WHERE condition.
type Op string

const (
	OpEq      Op = "="
	OpNe      Op = "<>"
	OpLt      Op = "<"
	OpLe      Op = "<="
	OpGt      Op = ">"
	OpGe      Op = ">="
	OpLike    Op = "LIKE"
	OpIsNull  Op = "IS NULL"
	OpNotNull Op = "IS NOT NULL"
)

// Unary reports whether the operator takes no value.
func (o Op) Unary() bool {
	return o == OpIsNull || o == OpNotNull
}

func (o Op) Valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpLike, OpIsNull, OpNotNull:
		return true
	}
	return false
}

// Condition is one predicate; a statement's conditions are ANDed.
type Condition struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, value any) Condition { return Condition{Column: column, Op: OpEq, Value: value} }

func IsNull(column string) Condition { return Condition{Column: column, Op: OpIsNull} }

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Statement is a backend-agnostic description of one SQL statement.
// Builder methods return modified copies; a Statement value is never
// mutated after it is handed to an executor.
type Statement struct {
	Kind       StatementKind
	Table      *Table
	Columns    []string // projection for KindSelect, empty means every declared column
	Values     []Param  // assignments for writes
	Conditions []Condition
	Order      []Order
	LimitRows  int

	// KindRaw only. SQL uses ? placeholders which dialects rebind.
	SQL         string
	Args        []Param
	ReturnsRows bool
}

func Select(t *Table, columns ...string) Statement {
	return Statement{Kind: KindSelect, Table: t, Columns: slices.Clone(columns)}
}

func Exists(t *Table, conds ...Condition) Statement {
	return Statement{Kind: KindExists, Table: t, Conditions: slices.Clone(conds)}
}

func Count(t *Table, conds ...Condition) Statement {
	return Statement{Kind: KindCount, Table: t, Conditions: slices.Clone(conds)}
}

func Insert(t *Table, values ...Param) Statement {
	return Statement{Kind: KindInsert, Table: t, Values: slices.Clone(values)}
}

// Upsert inserts the row or, when the primary key already exists,
// overwrites its non-key columns.
func Upsert(t *Table, values ...Param) Statement {
	return Statement{Kind: KindUpsert, Table: t, Values: slices.Clone(values)}
}

func Update(t *Table, values ...Param) Statement {
	return Statement{Kind: KindUpdate, Table: t, Values: slices.Clone(values)}
}

func Delete(t *Table, conds ...Condition) Statement {
	return Statement{Kind: KindDelete, Table: t, Conditions: slices.Clone(conds)}
}

// Exec builds a raw statement that returns no rows.
func Exec(sql string, args ...Param) Statement {
	return Statement{Kind: KindRaw, SQL: sql, Args: slices.Clone(args)}
}

// Query builds a raw statement that returns rows.
func Query(sql string, args ...Param) Statement {
	return Statement{Kind: KindRaw, SQL: sql, Args: slices.Clone(args), ReturnsRows: true}
}

// Arg builds an untyped positional argument for raw statements. The type is
// inferred from the Go value at bind time.
func Arg(v any) Param { return Param{Value: v} }

func (s Statement) clone() Statement {
	s.Columns = slices.Clone(s.Columns)
	s.Values = slices.Clone(s.Values)
	s.Conditions = slices.Clone(s.Conditions)
	s.Order = slices.Clone(s.Order)
	s.Args = slices.Clone(s.Args)
	return s
}

func (s Statement) Where(conds ...Condition) Statement {
	out := s.clone()
	out.Conditions = append(out.Conditions, conds...)
	return out
}

func (s Statement) OrderBy(column string, desc bool) Statement {
	out := s.clone()
	out.Order = append(out.Order, Order{Column: column, Desc: desc})
	return out
}

func (s Statement) Limit(n int) Statement {
	out := s.clone()
	out.LimitRows = n
	return out
}

// ReturnsResultRows reports whether executing s produces a row set.
func (s Statement) ReturnsResultRows() bool {
	switch s.Kind {
	case KindSelect, KindExists, KindCount:
		return true
	case KindRaw:
		return s.ReturnsRows
	}
	return false
}

// KeyConditions builds equality conditions on t's primary key from a record.
func KeyConditions(t *Table, rec Record) ([]Condition, error) {
	conds := make([]Condition, 0, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		v, ok := rec[name]
		if !ok {
			return nil, fmt.Errorf("table %s: record missing primary key column %s", t.Name, name)
		}
		conds = append(conds, Eq(name, v))
	}
	return conds, nil
}

// ParamsFor returns the record's values for t in declared column order,
// skipping columns the record does not set.
func ParamsFor(t *Table, rec Record) []Param {
	params := make([]Param, 0, len(rec))
	for _, c := range t.Columns {
		if v, ok := rec[c.Name]; ok {
			params = append(params, Param{Column: c.Name, Type: c.Type, Value: v})
		}
	}
	return params
}

// Rendered is a statement translated by a dialect: SQL text plus the
// parameters to bind, in placeholder order.
type Rendered struct {
	SQL    string
	Params []Param
	// Returning is set for inserts whose generated key comes back as a row.
	Returning bool
	// Columns describes the expected result columns; nil means infer from
	// driver metadata.
	Columns []ResultColumn
}
