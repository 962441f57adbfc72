// Package shape turns caller-supplied data into an ordered column list and a
// row sequence that the statement builders can bind.
//
// Accepted inputs are a single record, a sequence of records, or a table. The
// package never talks to a database; every error it returns wraps
// ErrInvalidInput and is raised before a connection is opened.
package shape

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Record is one logical row: an ordered mapping from field name to value.
//
// The zero value is an empty record ready for Set. Field order is insertion
// order; setting an existing field replaces its value in place.
type Record struct {
	keys []string
	vals map[string]any
}

// NewRecord builds a record from alternating name/value pairs:
//
//	shape.NewRecord("num", 300, "name", "Ethan")
//
// It panics if a name is not a string or if the pair list is odd, since that
// is a programming error at the call site.
func NewRecord(pairs ...any) Record {
	if len(pairs)%2 != 0 {
		panic("shape: NewRecord called with an odd number of arguments")
	}
	var r Record
	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			panic("shape: NewRecord field name must be a string")
		}
		r.Set(name, pairs[i+1])
	}
	return r
}

// FromMap converts a Go map into a Record.
//
// Go maps carry no order, so fields are ordered by sorted name.
func FromMap(m map[string]any) Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := Record{keys: keys, vals: make(map[string]any, len(m))}
	for k, v := range m {
		r.vals[k] = v
	}
	return r
}

// Set assigns value to name, appending name when it is new.
func (r *Record) Set(name string, value any) {
	if r.vals == nil {
		r.vals = make(map[string]any)
	}
	if _, ok := r.vals[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.vals[name] = value
}

// Get returns the value stored under name.
func (r Record) Get(name string) (any, bool) {
	v, ok := r.vals[name]
	return v, ok
}

// Has reports whether the record carries name (possibly with a nil value).
func (r Record) Has(name string) bool {
	_, ok := r.vals[name]
	return ok
}

// Delete removes name from the record. Missing names are ignored.
func (r *Record) Delete(name string) {
	if _, ok := r.vals[name]; !ok {
		return
	}
	delete(r.vals, name)
	for i, k := range r.keys {
		if k == name {
			r.keys = append(r.keys[:i:i], r.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of fields.
func (r Record) Len() int { return len(r.keys) }

// Keys returns a copy of the field names in order.
func (r Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Values returns the values in field order.
func (r Record) Values() []any {
	out := make([]any, len(r.keys))
	for i, k := range r.keys {
		out[i] = r.vals[k]
	}
	return out
}

// Map returns the record as a plain map (order is lost).
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.keys))
	for k, v := range r.vals {
		out[k] = v
	}
	return out
}

// Equal reports whether both records hold the same fields, in the same order,
// with values that compare equal under ==.
//
// Values that are not comparable (slices, maps) never compare equal.
func (r Record) Equal(o Record) bool {
	if len(r.keys) != len(o.keys) {
		return false
	}
	for i, k := range r.keys {
		if o.keys[i] != k {
			return false
		}
		if !equalValue(r.vals[k], o.vals[k]) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// MarshalJSON writes the record as a JSON object preserving field order.
func (r Record) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(r.vals[k])
		if err != nil {
			return nil, err
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// fieldSetKey is the sorted field-name tuple used for uniformity checks.
func (r Record) fieldSetKey() string {
	ks := r.Keys()
	sort.Strings(ks)

	var b bytes.Buffer
	for i, k := range ks {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(k)
	}
	return b.String()
}
