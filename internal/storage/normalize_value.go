package storage

import (
	"database/sql"
	"time"
)

// NormalizeValue converts a scanned driver value into the plain Go value
// records carry.
//
// Backends must not leak driver-specific wrapper types into records; this
// helper keeps query results comparable across backends:
//   - []byte becomes string (drivers return TEXT as bytes through
//     database/sql), copied so the driver can reuse its buffer
//   - sql.Null* wrappers become their value or nil
//   - time.Time is kept as is
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	case sql.RawBytes:
		return string(t)
	case sql.NullString:
		if !t.Valid {
			return nil
		}
		return t.String
	case sql.NullInt64:
		if !t.Valid {
			return nil
		}
		return t.Int64
	case sql.NullFloat64:
		if !t.Valid {
			return nil
		}
		return t.Float64
	case sql.NullBool:
		if !t.Valid {
			return nil
		}
		return t.Bool
	case sql.NullTime:
		if !t.Valid {
			return nil
		}
		return t.Time
	case time.Time:
		return t
	default:
		return v
	}
}

// NormalizeRow applies NormalizeValue in place and returns row.
func NormalizeRow(row []any) []any {
	for i := range row {
		row[i] = NormalizeValue(row[i])
	}
	return row
}
