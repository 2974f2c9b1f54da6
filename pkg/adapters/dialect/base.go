package dialect

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ekaya-inc/dbhandler/pkg/models"
)

// Hooks are the backend differences the shared renderer depends on.
// Every backend dialect implements them and embeds a Base built over itself.
type Hooks interface {
	Quote(ident string) string
	Placeholder(n int) string
	ColumnType(c models.Column) string
	// AutoIncrementDef renders the full definition of an auto-increment key
	// column. inlinePK reports that the definition already declares the
	// primary key, so no table-level PRIMARY KEY clause is emitted.
	AutoIncrementDef(c models.Column) (def string, inlinePK bool)
	// Limit returns text placed after SELECT and at the end of the statement.
	Limit(n int) (prefix, suffix string)
	// InsertReturning returns text placed before VALUES and at the end of an
	// INSERT so the generated key comes back as a row. Both empty means the
	// driver's LastInsertId is used.
	InsertReturning(c models.Column) (output, suffix string)
	// TableOptions is appended after the closing parenthesis of CREATE TABLE.
	TableOptions() string
	// QuoteRunes lists the opening runes of quoted identifiers and literals
	// besides the single quote. '[' is closed by ']'.
	QuoteRunes() string
}

// Base implements the parts of Dialect that are identical across backends.
type Base struct {
	h Hooks
}

func NewBase(h Hooks) Base { return Base{h: h} }

// QuestionPlaceholder is the Placeholder of backends using ? markers.
func QuestionPlaceholder(int) string { return "?" }

// QuoteWith wraps ident in open/close, doubling any embedded close rune.
func QuoteWith(ident string, open, close string) string {
	return open + strings.ReplaceAll(ident, close, close+close) + close
}

// ColumnDef renders one column definition for CREATE TABLE or ADD COLUMN.
func (b Base) ColumnDef(t *models.Table, c models.Column) (string, bool) {
	if c.AutoIncrement {
		return b.h.AutoIncrementDef(c)
	}
	typ := c.SQLType
	if typ == "" {
		typ = b.h.ColumnType(c)
	}
	var sb strings.Builder
	sb.WriteString(b.h.Quote(c.Name))
	sb.WriteString(" ")
	sb.WriteString(typ)
	if c.NotNull || t.IsPrimaryKey(c.Name) {
		sb.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(c.Default)
	}
	return sb.String(), false
}

func (b Base) quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = b.h.Quote(n)
	}
	return strings.Join(quoted, ", ")
}

// CreateTable renders CREATE TABLE with primary key, unique and foreign key
// constraints inline.
func (b Base) CreateTable(t *models.Table) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(t.Columns)+2)
	pkInline := false
	for _, c := range t.Columns {
		def, inline := b.ColumnDef(t, c)
		pkInline = pkInline || inline
		defs = append(defs, def)
	}
	if !pkInline {
		defs = append(defs, "PRIMARY KEY ("+b.quoteList(t.PrimaryKey)+")")
	}
	for _, group := range t.Unique {
		defs = append(defs, "UNIQUE ("+b.quoteList(group)+")")
	}
	for _, fk := range t.ForeignKeys {
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			b.h.Quote(fk.Column), b.h.Quote(fk.RefTable), b.h.Quote(fk.RefColumn)))
	}

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)%s",
		b.h.Quote(t.Name), strings.Join(defs, ",\n  "), b.h.TableOptions()), nil
}

// AddColumn renders ALTER TABLE ... ADD COLUMN. NOT NULL is kept only when a
// default exists, since existing rows would otherwise violate it.
func (b Base) AddColumn(t *models.Table, c models.Column) string {
	col := c
	col.AutoIncrement = false
	if col.Default == "" {
		col.NotNull = false
	}
	def, _ := b.ColumnDef(&models.Table{Name: t.Name}, col)
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", b.h.Quote(t.Name), def)
}

// Compatible compares declared and live type families.
func (b Base) Compatible(c models.Column, liveType string) bool {
	return CompatibleFamilies(DeclaredFamily(c), FamilyOf(liveType))
}

func (b Base) Bind(p models.Param) (any, error) {
	return BindValue(p.Type, p.Value)
}

func (b Base) Decode(t models.ColumnType, raw any) (any, error) {
	return DecodeValue(t, raw)
}

func (b Base) Classify(err error) ErrorClass {
	return ClassifyDefault(err)
}

// builder accumulates SQL text and parameters with placeholder numbering.
type builder struct {
	h      Hooks
	sb     strings.Builder
	params []models.Param
}

func (w *builder) write(s ...string) {
	for _, p := range s {
		w.sb.WriteString(p)
	}
}

func (w *builder) bind(p models.Param) string {
	w.params = append(w.params, p)
	return w.h.Placeholder(len(w.params))
}

// Render translates every statement kind except KindUpsert, which each
// backend renders itself through InsertParts.
func (b Base) Render(stmt models.Statement) (models.Rendered, error) {
	if stmt.Kind == models.KindRaw {
		return b.renderRaw(stmt)
	}
	if stmt.Table == nil {
		return models.Rendered{}, fmt.Errorf("%s statement has no table", stmt.Kind)
	}

	switch stmt.Kind {
	case models.KindSelect:
		return b.renderSelect(stmt)
	case models.KindExists:
		return b.renderExists(stmt)
	case models.KindCount:
		return b.renderCount(stmt)
	case models.KindInsert:
		return b.renderInsert(stmt)
	case models.KindUpdate:
		return b.renderUpdate(stmt)
	case models.KindDelete:
		return b.renderDelete(stmt)
	}
	return models.Rendered{}, fmt.Errorf("%s statements are not supported by the shared renderer", stmt.Kind)
}

func (b Base) where(w *builder, t *models.Table, conds []models.Condition) error {
	for i, c := range conds {
		col, ok := t.Column(c.Column)
		if !ok {
			return fmt.Errorf("table %s has no column %s", t.Name, c.Column)
		}
		if !c.Op.Valid() {
			return fmt.Errorf("invalid operator %q", c.Op)
		}
		if i == 0 {
			w.write(" WHERE ")
		} else {
			w.write(" AND ")
		}
		if c.Op.Unary() {
			w.write(b.h.Quote(col.Name), " ", string(c.Op))
			continue
		}
		ph := w.bind(models.Param{Column: col.Name, Type: col.Type, Value: c.Value})
		w.write(b.h.Quote(col.Name), " ", string(c.Op), " ", ph)
	}
	return nil
}

func (b Base) orderBy(w *builder, t *models.Table, order []models.Order) error {
	for i, o := range order {
		if _, ok := t.Column(o.Column); !ok {
			return fmt.Errorf("table %s has no column %s", t.Name, o.Column)
		}
		if i == 0 {
			w.write(" ORDER BY ")
		} else {
			w.write(", ")
		}
		w.write(b.h.Quote(o.Column))
		if o.Desc {
			w.write(" DESC")
		}
	}
	return nil
}

func (b Base) renderSelect(stmt models.Statement) (models.Rendered, error) {
	t := stmt.Table
	names := stmt.Columns
	if len(names) == 0 {
		names = t.ColumnNames()
	}
	cols := make([]models.ResultColumn, len(names))
	for i, n := range names {
		c, ok := t.Column(n)
		if !ok {
			return models.Rendered{}, fmt.Errorf("table %s has no column %s", t.Name, n)
		}
		cols[i] = models.ResultColumn{Name: c.Name, Type: c.Type}
	}

	w := &builder{h: b.h}
	prefix, suffix := "", ""
	if stmt.LimitRows > 0 {
		prefix, suffix = b.h.Limit(stmt.LimitRows)
	}
	w.write("SELECT ", prefix, b.quoteList(names), " FROM ", b.h.Quote(t.Name))
	if err := b.where(w, t, stmt.Conditions); err != nil {
		return models.Rendered{}, err
	}
	if err := b.orderBy(w, t, stmt.Order); err != nil {
		return models.Rendered{}, err
	}
	w.write(suffix)
	return models.Rendered{SQL: w.sb.String(), Params: w.params, Columns: cols}, nil
}

func (b Base) renderExists(stmt models.Statement) (models.Rendered, error) {
	t := stmt.Table
	w := &builder{h: b.h}
	prefix, suffix := b.h.Limit(1)
	w.write("SELECT ", prefix, "1 AS ", b.h.Quote("found"), " FROM ", b.h.Quote(t.Name))
	if err := b.where(w, t, stmt.Conditions); err != nil {
		return models.Rendered{}, err
	}
	w.write(suffix)
	return models.Rendered{
		SQL:     w.sb.String(),
		Params:  w.params,
		Columns: []models.ResultColumn{{Name: "found", Type: models.TypeInt64}},
	}, nil
}

func (b Base) renderCount(stmt models.Statement) (models.Rendered, error) {
	t := stmt.Table
	w := &builder{h: b.h}
	w.write("SELECT COUNT(*) AS ", b.h.Quote("count"), " FROM ", b.h.Quote(t.Name))
	if err := b.where(w, t, stmt.Conditions); err != nil {
		return models.Rendered{}, err
	}
	return models.Rendered{
		SQL:     w.sb.String(),
		Params:  w.params,
		Columns: []models.ResultColumn{{Name: "count", Type: models.TypeInt64}},
	}, nil
}

// InsertParts is the shared column list and VALUES tuple of an insert or upsert.
type InsertParts struct {
	Table        *models.Table
	Columns      []string // quoted
	Names        []string // unquoted, declared order
	Placeholders []string
	Params       []models.Param
}

// InsertParts validates values against the table and numbers placeholders
// from 1.
func (b Base) InsertParts(t *models.Table, values []models.Param) (InsertParts, error) {
	if len(values) == 0 {
		return InsertParts{}, fmt.Errorf("insert into %s has no values", t.Name)
	}
	w := &builder{h: b.h}
	parts := InsertParts{Table: t}
	for _, v := range values {
		c, ok := t.Column(v.Column)
		if !ok {
			return InsertParts{}, fmt.Errorf("table %s has no column %s", t.Name, v.Column)
		}
		parts.Names = append(parts.Names, c.Name)
		parts.Columns = append(parts.Columns, b.h.Quote(c.Name))
		parts.Placeholders = append(parts.Placeholders, w.bind(models.Param{Column: c.Name, Type: c.Type, Value: v.Value}))
	}
	parts.Params = w.params
	return parts, nil
}

// NonKey returns the inserted columns that are not part of the primary key.
func (p InsertParts) NonKey() []string {
	var out []string
	for _, n := range p.Names {
		if !p.Table.IsPrimaryKey(n) {
			out = append(out, n)
		}
	}
	return out
}

func (b Base) renderInsert(stmt models.Statement) (models.Rendered, error) {
	t := stmt.Table
	parts, err := b.InsertParts(t, stmt.Values)
	if err != nil {
		return models.Rendered{}, err
	}

	output, suffix := "", ""
	var cols []models.ResultColumn
	if ai, ok := t.AutoIncrementColumn(); ok && !slices.Contains(parts.Names, ai.Name) {
		output, suffix = b.h.InsertReturning(ai)
		if output != "" || suffix != "" {
			cols = []models.ResultColumn{{Name: ai.Name, Type: ai.Type}}
		}
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s)%s VALUES (%s)%s",
		b.h.Quote(t.Name), strings.Join(parts.Columns, ", "), output,
		strings.Join(parts.Placeholders, ", "), suffix)
	return models.Rendered{SQL: sql, Params: parts.Params, Returning: cols != nil, Columns: cols}, nil
}

func (b Base) renderUpdate(stmt models.Statement) (models.Rendered, error) {
	t := stmt.Table
	if len(stmt.Values) == 0 {
		return models.Rendered{}, fmt.Errorf("update of %s has no values", t.Name)
	}
	w := &builder{h: b.h}
	w.write("UPDATE ", b.h.Quote(t.Name), " SET ")
	for i, v := range stmt.Values {
		c, ok := t.Column(v.Column)
		if !ok {
			return models.Rendered{}, fmt.Errorf("table %s has no column %s", t.Name, v.Column)
		}
		if i > 0 {
			w.write(", ")
		}
		ph := w.bind(models.Param{Column: c.Name, Type: c.Type, Value: v.Value})
		w.write(b.h.Quote(c.Name), " = ", ph)
	}
	if err := b.where(w, t, stmt.Conditions); err != nil {
		return models.Rendered{}, err
	}
	return models.Rendered{SQL: w.sb.String(), Params: w.params}, nil
}

func (b Base) renderDelete(stmt models.Statement) (models.Rendered, error) {
	t := stmt.Table
	w := &builder{h: b.h}
	w.write("DELETE FROM ", b.h.Quote(t.Name))
	if err := b.where(w, t, stmt.Conditions); err != nil {
		return models.Rendered{}, err
	}
	return models.Rendered{SQL: w.sb.String(), Params: w.params}, nil
}

// renderRaw rebinds ? markers outside quoted literals and identifiers.
func (b Base) renderRaw(stmt models.Statement) (models.Rendered, error) {
	sql, n, err := Rebind(stmt.SQL, b.h.Placeholder, b.h.QuoteRunes())
	if err != nil {
		return models.Rendered{}, err
	}
	if n != len(stmt.Args) {
		return models.Rendered{}, fmt.Errorf("statement has %d placeholders but %d arguments", n, len(stmt.Args))
	}
	return models.Rendered{SQL: sql, Params: stmt.Args}, nil
}

// Rebind replaces each ? outside quotes with placeholder(n) and returns the
// number of markers found. Single quotes always delimit literals; quotes
// holds the other opening runes the backend recognizes.
func Rebind(sql string, placeholder func(int) string, quotes string) (string, int, error) {
	var sb strings.Builder
	n := 0
	var quote rune
	for _, r := range sql {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'':
			quote = r
		case strings.ContainsRune(quotes, r):
			quote = r
			if r == '[' {
				quote = ']'
			}
		case r == '?':
			n++
			sb.WriteString(placeholder(n))
			continue
		}
		sb.WriteRune(r)
	}
	if quote != 0 {
		return "", 0, fmt.Errorf("unterminated quote %q in statement", string(quote))
	}
	return sb.String(), n, nil
}

// DollarPlaceholder renders $n markers.
func DollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

