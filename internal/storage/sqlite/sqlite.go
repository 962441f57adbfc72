// Package sqlite registers the "sqlite" storage backend using
// modernc.org/sqlite (pure Go, no cgo).
//
// Key differences vs Postgres:
//   - SQLite has no native timestamp type. Bound time.Time values are written
//     as RFC3339Nano TEXT in UTC, and TEXT read back from DATE, DATETIME or
//     TIMESTAMP columns is parsed into time.Time.
//   - ":memory:" databases are private to one connection. Every call opens its
//     own connection, so use a file DSN for data that must outlive a call.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"

	"sqlwrap/internal/sqlgen"
	"sqlwrap/internal/storage"
	"sqlwrap/internal/storage/sqldb"
)

func init() {
	storage.Register("sqlite", Open)
}

// Open opens the SQLite database named by cfg.DSN.
func Open(ctx context.Context, cfg storage.Config) (storage.Conn, error) {
	return sqldb.Open(ctx, cfg.DSN, sqldb.Options{
		Driver:   "sqlite",
		Dialect:  sqlgen.SQLite{},
		Classify: classify,
		BindArg:  bindArg,
		Value:    scanValue,
	})
}

// missingConstraintMsg is how SQLite reports an upsert whose conflict target
// has no matching unique index.
const missingConstraintMsg = "ON CONFLICT clause does not match any PRIMARY KEY or UNIQUE constraint"

func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && strings.Contains(se.Error(), missingConstraintMsg) {
		return storage.MissingConstraint(err)
	}
	// Errors wrapped by database/sql may only carry the text.
	if strings.Contains(err.Error(), missingConstraintMsg) {
		return storage.MissingConstraint(err)
	}
	return err
}

func bindArg(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatSQLiteTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return formatSQLiteTime(*t)
	}
	return v
}

func scanValue(dbType string, v any) any {
	s, ok := v.(string)
	if !ok {
		if b, isBytes := v.([]byte); isBytes {
			s, ok = string(b), true
		}
	}
	if !ok {
		return v
	}
	switch dbType {
	case "DATE", "DATETIME", "TIMESTAMP", "TIMESTAMPTZ":
		if ts, err := parseSQLiteTime(s); err == nil {
			return ts
		}
	}
	return v
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps stored by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - Common "SQLite-like" formats used by other tools/libs:
//     "2006-01-02 15:04:05Z07:00"
//     "2006-01-02 15:04:05.999999999Z07:00"
//     "2006-01-02 15:04:05" (interpreted as UTC)
//     "2006-01-02" (midnight UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
