package models

// Record is one row keyed by column name.
type Record map[string]any

// ResultColumn names and types one column of a RowSet.
type ResultColumn struct {
	Name string
	Type ColumnType
}

// Row holds decoded values in RowSet column order.
type Row []any

// RowSet is a backend-agnostic query result.
type RowSet struct {
	Columns []ResultColumn
	Rows    []Row
}

func (rs *RowSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}

// Index returns the position of the named column or -1.
func (rs *RowSet) Index(name string) int {
	for i, c := range rs.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Get returns the named column of row i.
func (rs *RowSet) Get(i int, name string) (any, bool) {
	idx := rs.Index(name)
	if idx < 0 || i < 0 || i >= len(rs.Rows) {
		return nil, false
	}
	return rs.Rows[i][idx], true
}

// Record converts row i to a Record.
func (rs *RowSet) Record(i int) Record {
	rec := make(Record, len(rs.Columns))
	for j, c := range rs.Columns {
		rec[c.Name] = rs.Rows[i][j]
	}
	return rec
}

func (rs *RowSet) Records() []Record {
	out := make([]Record, rs.Len())
	for i := range out {
		out[i] = rs.Record(i)
	}
	return out
}

// Result is the outcome of one executed statement. Rows is set for
// statements that return rows; the counters are set for writes.
type Result struct {
	Rows         *RowSet
	RowsAffected int64
	LastInsertID int64
}
