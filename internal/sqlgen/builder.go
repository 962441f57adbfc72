package sqlgen

import (
	"fmt"
	"hash/fnv"
	"strings"

	"sqlwrap/internal/shape"
)

// Statement is SQL text plus the field name bound to each placeholder, in
// placeholder order. A name may appear more than once.
type Statement struct {
	SQL    string
	Params []string
}

// Bind returns the argument list for one record. Fields the record does not
// carry bind as nil.
func (s Statement) Bind(r shape.Record) []any {
	args := make([]any, len(s.Params))
	for i, p := range s.Params {
		args[i], _ = r.Get(p)
	}
	return args
}

// binder hands out placeholders in order and remembers what each one binds.
type binder struct {
	d      Dialect
	params []string
}

func (b *binder) next(field string) string {
	b.params = append(b.params, field)
	return b.d.Placeholder(len(b.params))
}

func checkColumns(cols []string) error {
	if len(cols) == 0 {
		return fmt.Errorf("%w: no columns", shape.ErrInvalidInput)
	}
	for i, c := range cols {
		if c == "" {
			return fmt.Errorf("%w: column %d has an empty name", shape.ErrInvalidInput, i)
		}
	}
	return nil
}

func checkTable(table string) error {
	if strings.TrimSpace(table) == "" {
		return fmt.Errorf("%w: table name is empty", shape.ErrInvalidInput)
	}
	return nil
}

// Insert builds a single-row INSERT over cols.
func Insert(d Dialect, table string, cols []string) (Statement, error) {
	if err := checkTable(table); err != nil {
		return Statement{}, err
	}
	if err := checkColumns(cols); err != nil {
		return Statement{}, err
	}
	bd := &binder{d: d}
	var b strings.Builder
	writeInsert(&b, bd, table, cols)
	b.WriteString(";")
	return Statement{SQL: b.String(), Params: bd.params}, nil
}

func writeInsert(b *strings.Builder, bd *binder, table string, cols []string) {
	b.WriteString("INSERT INTO ")
	b.WriteString(QuoteTable(bd.d, table))
	b.WriteString(" (")
	writeIdentList(b, bd.d, "", cols)
	b.WriteString(") VALUES (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(bd.next(c))
	}
	b.WriteString(")")
}

func writeIdentList(b *strings.Builder, d Dialect, prefix string, cols []string) {
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(prefix)
		b.WriteString(d.QuoteIdent(c))
	}
}

// InsertIgnore builds an insert that skips rows colliding on key.
func InsertIgnore(d Dialect, table string, cols []string, key Key) (Statement, error) {
	return conflictInsert(d, table, cols, key, false)
}

// Upsert builds an insert that overwrites the existing row on a key
// collision. Every column in cols is taken from the incoming row.
func Upsert(d Dialect, table string, cols []string, key Key) (Statement, error) {
	return conflictInsert(d, table, cols, key, true)
}

func conflictInsert(d Dialect, table string, cols []string, key Key, update bool) (Statement, error) {
	if err := checkTable(table); err != nil {
		return Statement{}, err
	}
	if err := checkColumns(cols); err != nil {
		return Statement{}, err
	}
	if err := key.validate(); err != nil {
		return Statement{}, err
	}
	if d.Conflict() == Merge {
		return mergeInsert(d, table, cols, key, update)
	}

	bd := &binder{d: d}
	var b strings.Builder
	writeInsert(&b, bd, table, cols)
	b.WriteString(" ON CONFLICT (")
	b.WriteString(key.render(d))
	b.WriteString(")")
	if !update {
		b.WriteString(" DO NOTHING;")
		return Statement{SQL: b.String(), Params: bd.params}, nil
	}

	b.WriteString(" DO UPDATE SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		q := d.QuoteIdent(c)
		b.WriteString(q)
		b.WriteString(" = EXCLUDED.")
		b.WriteString(q)
	}
	b.WriteString(";")
	return Statement{SQL: b.String(), Params: bd.params}, nil
}

// mergeInsert renders the conflict-aware insert for dialects without
// ON CONFLICT:
//
//	MERGE INTO [t] WITH (HOLDLOCK) AS tgt
//	USING (VALUES (@p1, @p2)) AS src ([k], [v])
//	ON tgt.[k] = src.[k]
//	WHEN MATCHED THEN UPDATE SET tgt.[v] = src.[v]
//	WHEN NOT MATCHED THEN INSERT ([k], [v]) VALUES (src.[k], src.[v]);
func mergeInsert(d Dialect, table string, cols []string, key Key, update bool) (Statement, error) {
	if key.HasExpr() {
		return Statement{}, fmt.Errorf("%w: %s conflict keys must be plain columns", ErrUnsupported, d.Name())
	}
	inCols := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		inCols[c] = struct{}{}
	}
	isKey := make(map[string]struct{}, len(key))
	for _, t := range key {
		if _, ok := inCols[t.text]; !ok {
			return Statement{}, fmt.Errorf("%w: key column %q is not among the inserted columns", shape.ErrInvalidInput, t.text)
		}
		isKey[t.text] = struct{}{}
	}

	bd := &binder{d: d}
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(QuoteTable(d, table))
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(bd.next(c))
	}
	b.WriteString(")) AS src (")
	writeIdentList(&b, d, "", cols)
	b.WriteString(") ON ")
	for i, t := range key {
		if i > 0 {
			b.WriteString(" AND ")
		}
		q := d.QuoteIdent(t.text)
		b.WriteString("tgt." + q + " = src." + q)
	}

	if update {
		var set []string
		for _, c := range cols {
			if _, k := isKey[c]; k {
				continue
			}
			q := d.QuoteIdent(c)
			set = append(set, "tgt."+q+" = src."+q)
		}
		if len(set) > 0 {
			b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
			b.WriteString(strings.Join(set, ", "))
		}
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	writeIdentList(&b, d, "", cols)
	b.WriteString(") VALUES (")
	writeIdentList(&b, d, "src.", cols)
	b.WriteString(");")
	return Statement{SQL: b.String(), Params: bd.params}, nil
}

// Update builds UPDATE ... SET setCols WHERE key. fields lists the fields the
// bound record carries; it resolves which column an Expr key compares
// against and rejects records missing a key column.
//
// A column key renders as "k" = ph. An expression key renders as the
// expression compared with itself applied to the bound value:
//
//	date(ts) = date($3)
func Update(d Dialect, table string, setCols []string, key Key, fields []string) (Statement, error) {
	if err := checkTable(table); err != nil {
		return Statement{}, err
	}
	if err := checkColumns(setCols); err != nil {
		return Statement{}, err
	}
	if err := key.validate(); err != nil {
		return Statement{}, err
	}
	have := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		have[f] = struct{}{}
	}

	bd := &binder{d: d}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(QuoteTable(d, table))
	b.WriteString(" SET ")
	for i, c := range setCols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(c))
		b.WriteString(" = ")
		b.WriteString(bd.next(c))
	}

	b.WriteString(" WHERE ")
	for i, t := range key {
		if i > 0 {
			b.WriteString(" AND ")
		}
		if !t.expr {
			if _, ok := have[t.text]; !ok {
				return Statement{}, fmt.Errorf("%w: record has no value for key column %q", shape.ErrInvalidInput, t.text)
			}
			b.WriteString(d.QuoteIdent(t.text))
			b.WriteString(" = ")
			b.WriteString(bd.next(t.text))
			continue
		}

		col, err := boundColumn(t, fields)
		if err != nil {
			return Statement{}, err
		}
		b.WriteString(t.text)
		b.WriteString(" = ")
		for _, tok := range tokenizeExpr(t.text) {
			if tok.column && tok.text == col {
				b.WriteString(bd.next(col))
			} else {
				b.WriteString(tok.text)
			}
		}
	}
	b.WriteString(";")
	return Statement{SQL: b.String(), Params: bd.params}, nil
}

// IndexName derives the unique index name for key on table:
//
//	("public.t", [name, Date(ts)]) -> t_name_Date_ts_uix
//
// Characters outside [A-Za-z0-9_] fold to "_". Names over the dialect limit
// are cut and suffixed with a hash of the full name so they stay unique.
func IndexName(d Dialect, table string, key Key) string {
	_, bare := SplitQualifiedName(table)
	parts := []string{foldIdent(bare)}
	for _, t := range key {
		parts = append(parts, foldIdent(t.text))
	}
	parts = append(parts, "uix")
	name := strings.Join(parts, "_")

	if limit := d.MaxIdentLen(); limit > 0 && len(name) > limit {
		h := fnv.New32a()
		_, _ = h.Write([]byte(name))
		suffix := fmt.Sprintf("_%08x", h.Sum32())
		name = name[:limit-len(suffix)] + suffix
	}
	return name
}

func foldIdent(s string) string {
	var b strings.Builder
	underscore := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' || isLetter(c) || isDigit(c) {
			b.WriteByte(c)
			underscore = c == '_'
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// CreateUniqueIndex builds the DDL used to recover from a missing conflict
// constraint.
func CreateUniqueIndex(d Dialect, table string, key Key) (name string, sql string, err error) {
	if err := checkTable(table); err != nil {
		return "", "", err
	}
	if err := key.validate(); err != nil {
		return "", "", err
	}
	if _, ok := d.(SQLServer); ok && key.HasExpr() {
		return "", "", fmt.Errorf("%w: %s cannot index expressions", ErrUnsupported, d.Name())
	}
	name = IndexName(d, table, key)
	sql = fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s);", d.QuoteIdent(name), QuoteTable(d, table), key.render(d))
	return name, sql, nil
}

// DropIndex builds the DDL removing the index CreateUniqueIndex would create.
func DropIndex(d Dialect, table string, key Key) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	if err := key.validate(); err != nil {
		return "", err
	}
	name := d.QuoteIdent(IndexName(d, table, key))
	if _, ok := d.(SQLServer); ok {
		return fmt.Sprintf("DROP INDEX IF EXISTS %s ON %s;", name, QuoteTable(d, table)), nil
	}
	if schema, _ := SplitQualifiedName(table); schema != "" {
		name = d.QuoteIdent(schema) + "." + name
	}
	return fmt.Sprintf("DROP INDEX IF EXISTS %s;", name), nil
}

// ClearTable builds the statement that removes every row of table.
func ClearTable(d Dialect, table string) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	return d.ClearVerb() + " " + QuoteTable(d, table) + ";", nil
}
