package tabular

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"sqlwrap/internal/shape"
)

// JSONOptions controls ReadJSON.
type JSONOptions struct {
	// ArraySep joins arrays of strings into one value. Empty means ",".
	ArraySep string
}

// ReadJSON reads records from r, keeping each object's key order.
//
// Accepted layouts:
//   - an array of objects
//   - an envelope object: the first field holding an array of objects is
//     used and the remaining fields are skipped
//   - a single object
//   - any of the above followed by more objects (JSON lines)
//
// Integers decode as int64, other numbers as float64. Arrays of strings are
// joined with ArraySep; other nested values are kept as JSON text.
func ReadJSON(r io.Reader, opt JSONOptions) ([]shape.Record, error) {
	sep := opt.ArraySep
	if sep == "" {
		sep = ","
	}
	jr := &jsonReader{dec: json.NewDecoder(r), sep: sep}
	jr.dec.UseNumber()

	tok, err := jr.dec.Token()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("json: read first token: %w", err)
	}

	var out []shape.Record
	switch tok {
	case json.Delim('['):
		if out, err = jr.objectArray(); err != nil {
			return nil, err
		}
	case json.Delim('{'):
		if out, err = jr.envelopeOrSingle(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("json: unsupported root token %v (want object or array)", tok)
	}

	for jr.dec.More() {
		tok, err := jr.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: trailing value: %w", err)
		}
		if tok != json.Delim('{') {
			return nil, fmt.Errorf("json: trailing value %v is not an object", tok)
		}
		rec, err := jr.object()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type jsonReader struct {
	dec *json.Decoder
	sep string
}

// objectArray reads the elements of an array whose '[' was consumed, and the
// closing ']'. null elements are skipped.
func (jr *jsonReader) objectArray() ([]shape.Record, error) {
	var out []shape.Record
	for jr.dec.More() {
		tok, err := jr.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: array element %d: %w", len(out), err)
		}
		if tok == nil {
			continue
		}
		if tok != json.Delim('{') {
			return nil, fmt.Errorf("json: array element %d is not an object (got %v)", len(out), tok)
		}
		rec, err := jr.object()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, jr.expect(json.Delim(']'))
}

// envelopeOrSingle reads a root object whose '{' was consumed.
func (jr *jsonReader) envelopeOrSingle() ([]shape.Record, error) {
	var single shape.Record
	for jr.dec.More() {
		key, err := jr.key()
		if err != nil {
			return nil, err
		}
		tok, err := jr.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: value of %q: %w", key, err)
		}
		if tok == json.Delim('[') {
			recs, plain, err := jr.recordsOrArray()
			if err != nil {
				return nil, fmt.Errorf("json: field %q: %w", key, err)
			}
			if plain == nil {
				for jr.dec.More() {
					if _, err := jr.key(); err != nil {
						return nil, err
					}
					if _, err := jr.value(); err != nil {
						return nil, err
					}
				}
				return recs, jr.expect(json.Delim('}'))
			}
			single.Set(key, jr.scalar(plain))
			continue
		}
		v, err := jr.valueFrom(tok)
		if err != nil {
			return nil, err
		}
		single.Set(key, jr.scalar(v))
	}
	if err := jr.expect(json.Delim('}')); err != nil {
		return nil, err
	}
	return []shape.Record{single}, nil
}

// recordsOrArray reads an array whose '[' was consumed. When its first
// element is an object the array is read as records; otherwise it comes back
// as a plain non-nil slice.
func (jr *jsonReader) recordsOrArray() ([]shape.Record, []any, error) {
	if !jr.dec.More() {
		return nil, []any{}, jr.expect(json.Delim(']'))
	}
	tok, err := jr.dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if tok == json.Delim('{') {
		first, err := jr.object()
		if err != nil {
			return nil, nil, err
		}
		rest, err := jr.objectArray()
		if err != nil {
			return nil, nil, err
		}
		return append([]shape.Record{first}, rest...), nil, nil
	}

	v, err := jr.valueFrom(tok)
	if err != nil {
		return nil, nil, err
	}
	arr := []any{v}
	for jr.dec.More() {
		if v, err = jr.value(); err != nil {
			return nil, nil, err
		}
		arr = append(arr, v)
	}
	return nil, arr, jr.expect(json.Delim(']'))
}

// object reads the fields of an object whose '{' was consumed.
func (jr *jsonReader) object() (shape.Record, error) {
	var rec shape.Record
	for jr.dec.More() {
		key, err := jr.key()
		if err != nil {
			return shape.Record{}, err
		}
		v, err := jr.value()
		if err != nil {
			return shape.Record{}, err
		}
		rec.Set(key, jr.scalar(v))
	}
	return rec, jr.expect(json.Delim('}'))
}

func (jr *jsonReader) key() (string, error) {
	tok, err := jr.dec.Token()
	if err != nil {
		return "", fmt.Errorf("json: read object key: %w", err)
	}
	k, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("json: object key not a string (got %T)", tok)
	}
	return k, nil
}

func (jr *jsonReader) expect(d json.Delim) error {
	tok, err := jr.dec.Token()
	if err != nil {
		return fmt.Errorf("json: expected %v: %w", d, err)
	}
	if tok != d {
		return fmt.Errorf("json: expected %v, got %v", d, tok)
	}
	return nil
}

// value materializes the next value.
func (jr *jsonReader) value() (any, error) {
	tok, err := jr.dec.Token()
	if err != nil {
		return nil, fmt.Errorf("json: read value: %w", err)
	}
	return jr.valueFrom(tok)
}

// valueFrom materializes the value starting at tok. Nested objects come back
// as map[string]any.
func (jr *jsonReader) valueFrom(tok json.Token) (any, error) {
	switch tok {
	case json.Delim('{'):
		m := make(map[string]any)
		for jr.dec.More() {
			k, err := jr.key()
			if err != nil {
				return nil, err
			}
			if m[k], err = jr.value(); err != nil {
				return nil, err
			}
		}
		return m, jr.expect(json.Delim('}'))
	case json.Delim('['):
		arr := []any{}
		for jr.dec.More() {
			v, err := jr.value()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, jr.expect(json.Delim(']'))
	}
	if n, ok := tok.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("json: number %s: %w", n, err)
		}
		return f, nil
	}
	return tok, nil
}

// scalar flattens v into something a driver can bind.
func (jr *jsonReader) scalar(v any) any {
	switch t := v.(type) {
	case []any:
		ss := make([]string, 0, len(t))
		for _, it := range t {
			if it == nil {
				continue
			}
			s, ok := it.(string)
			if !ok {
				return jsonText(v)
			}
			ss = append(ss, s)
		}
		return strings.Join(ss, jr.sep)
	case map[string]any:
		return jsonText(v)
	}
	return v
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
