package shape

// Table is column-oriented input: a header and positional rows.
type Table struct {
	Columns []string
	Rows    [][]any
}

type missing struct{}

func (missing) String() string { return "<missing>" }

// Missing marks an absent cell in a Table. Normalize turns it into nil, which
// binds as SQL NULL.
var Missing any = missing{}

// IsMissing reports whether v is the Missing marker.
func IsMissing(v any) bool {
	_, ok := v.(missing)
	return ok
}

// Append adds a row. The row length is checked by Normalize.
func (t *Table) Append(cells ...any) {
	t.Rows = append(t.Rows, cells)
}

// Records converts each row into a Record keyed by the table header.
func (t *Table) Records() []Record {
	out := make([]Record, 0, len(t.Rows))
	for _, row := range t.Rows {
		var r Record
		for i, c := range t.Columns {
			var v any
			if i < len(row) {
				v = row[i]
			}
			r.Set(c, v)
		}
		out = append(out, r)
	}
	return out
}
