package shape

import (
	"errors"
	"fmt"
	"math"
	"reflect"
)

// ErrInvalidInput marks data that cannot be turned into records.
var ErrInvalidInput = errors.New("invalid input")

// Kind is the classification of a caller-supplied value.
type Kind int

const (
	Unsupported Kind = iota
	// Tabular is a *Table (or Table) with named columns.
	Tabular
	// RecordSequence is a slice or array of records.
	RecordSequence
	// SingleRecord is one Record, *Record or map[string]any.
	SingleRecord
)

func (k Kind) String() string {
	switch k {
	case Tabular:
		return "tabular"
	case RecordSequence:
		return "record_sequence"
	case SingleRecord:
		return "single_record"
	default:
		return "unsupported"
	}
}

// Normalized is the result of Normalize.
type Normalized struct {
	Kind Kind
	// Columns is the statement column order: the table header, or the
	// fields of the first record.
	Columns []string
	Rows    []Record
	// Uniform reports whether every row carries exactly the same field set.
	Uniform bool
}

// Classify reports how data would be treated by Normalize without inspecting
// individual elements.
func Classify(data any) Kind {
	switch data.(type) {
	case nil:
		return Unsupported
	case Table, *Table:
		return Tabular
	case Record, *Record, map[string]any:
		return SingleRecord
	case []Record, []*Record, []map[string]any, []any:
		return RecordSequence
	}

	rv := reflect.ValueOf(data)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Unsupported
		}
		return RecordSequence
	}
	return Unsupported
}

// Normalize converts data into an ordered column list and record rows.
//
// Tables keep their header order and have Missing or NaN cells replaced by
// nil. Record sequences must be non-empty and contain only records. Every
// failure wraps ErrInvalidInput.
func Normalize(data any) (Normalized, error) {
	switch Classify(data) {
	case Tabular:
		return normalizeTable(data)
	case SingleRecord:
		rec, _ := toRecord(data)
		return fromRecords(SingleRecord, []Record{rec})
	case RecordSequence:
		recs, err := toRecords(data)
		if err != nil {
			return Normalized{}, err
		}
		return fromRecords(RecordSequence, recs)
	default:
		return Normalized{}, fmt.Errorf("%w: unsupported data structure %T", ErrInvalidInput, data)
	}
}

func normalizeTable(data any) (Normalized, error) {
	var t *Table
	switch v := data.(type) {
	case Table:
		t = &v
	case *Table:
		t = v
	}
	if t == nil {
		return Normalized{}, fmt.Errorf("%w: nil table", ErrInvalidInput)
	}
	if len(t.Columns) == 0 {
		return Normalized{}, fmt.Errorf("%w: table has no columns", ErrInvalidInput)
	}
	if len(t.Rows) == 0 {
		return Normalized{}, fmt.Errorf("%w: at least one record required", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if c == "" {
			return Normalized{}, fmt.Errorf("%w: table has an empty column name", ErrInvalidInput)
		}
		if _, dup := seen[c]; dup {
			return Normalized{}, fmt.Errorf("%w: duplicate column %q", ErrInvalidInput, c)
		}
		seen[c] = struct{}{}
	}

	rows := make([]Record, 0, len(t.Rows))
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return Normalized{}, fmt.Errorf("%w: row %d has %d cells, want %d", ErrInvalidInput, i, len(row), len(t.Columns))
		}
		var r Record
		for j, c := range t.Columns {
			r.Set(c, missingToNil(row[j]))
		}
		rows = append(rows, r)
	}

	return Normalized{
		Kind:    Tabular,
		Columns: append([]string(nil), t.Columns...),
		Rows:    rows,
		Uniform: true,
	}, nil
}

func fromRecords(kind Kind, recs []Record) (Normalized, error) {
	if len(recs) == 0 {
		return Normalized{}, fmt.Errorf("%w: at least one record required", ErrInvalidInput)
	}

	uniform := true
	first := recs[0].fieldSetKey()
	for i, r := range recs {
		if r.Len() == 0 {
			return Normalized{}, fmt.Errorf("%w: record %d has no fields", ErrInvalidInput, i)
		}
		if uniform && i > 0 && r.fieldSetKey() != first {
			uniform = false
		}
	}

	return Normalized{
		Kind:    kind,
		Columns: recs[0].Keys(),
		Rows:    recs,
		Uniform: uniform,
	}, nil
}

func toRecords(data any) ([]Record, error) {
	switch v := data.(type) {
	case []Record:
		return v, nil
	case []map[string]any:
		out := make([]Record, len(v))
		for i, m := range v {
			out[i] = FromMap(m)
		}
		return out, nil
	}

	rv := reflect.ValueOf(data)
	out := make([]Record, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		el := rv.Index(i).Interface()
		rec, ok := toRecord(el)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is %T: mixed types, expected uniform record type", ErrInvalidInput, i, el)
		}
		out = append(out, rec)
	}
	return out, nil
}

func toRecord(v any) (Record, bool) {
	switch r := v.(type) {
	case Record:
		return r, true
	case *Record:
		if r == nil {
			return Record{}, false
		}
		return *r, true
	case map[string]any:
		return FromMap(r), true
	}
	return Record{}, false
}

func missingToNil(v any) any {
	switch x := v.(type) {
	case missing:
		return nil
	case float64:
		if math.IsNaN(x) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(x)) {
			return nil
		}
	}
	return v
}
