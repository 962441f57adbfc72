// Package sqlgen renders parameterized SQL for the write operations.
//
// Builders are pure: they take identifiers and return a Statement whose
// placeholders are listed, in order, by the field names that must be bound to
// them. Values never enter the SQL text. Identifiers are always quoted by the
// dialect, so hostile table or column names cannot break out of the
// statement. The only raw text that reaches the SQL is an Expr conflict key,
// which is caller-authored by definition.
package sqlgen

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned when a dialect cannot express an operation.
var ErrUnsupported = errors.New("unsupported by dialect")

// ConflictStyle selects how conflict-aware writes are rendered.
type ConflictStyle int

const (
	// OnConflict renders INSERT ... ON CONFLICT (...) DO NOTHING/UPDATE.
	OnConflict ConflictStyle = iota
	// Merge renders MERGE ... WITH (HOLDLOCK) USING (VALUES ...).
	Merge
)

// Dialect captures the per-engine differences the builders care about.
type Dialect interface {
	Name() string
	// QuoteIdent quotes a single identifier part.
	QuoteIdent(name string) string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder(n int) string
	Conflict() ConflictStyle
	// ClearVerb is the statement prefix that empties a table.
	ClearVerb() string
	// MaxIdentLen is the identifier length limit (0 = unlimited).
	MaxIdentLen() int
}

// Postgres is the PostgreSQL dialect ("..." quoting, $n placeholders).
type Postgres struct{}

func (Postgres) Name() string               { return "postgres" }
func (Postgres) QuoteIdent(s string) string { return pgIdent(s) }
func (Postgres) Placeholder(n int) string   { return fmt.Sprintf("$%d", n) }
func (Postgres) Conflict() ConflictStyle    { return OnConflict }
func (Postgres) ClearVerb() string          { return "TRUNCATE TABLE" }
func (Postgres) MaxIdentLen() int           { return 63 }

// SQLite is the SQLite dialect ("..." quoting, ? placeholders).
type SQLite struct{}

func (SQLite) Name() string               { return "sqlite" }
func (SQLite) QuoteIdent(s string) string { return pgIdent(s) }
func (SQLite) Placeholder(int) string     { return "?" }
func (SQLite) Conflict() ConflictStyle    { return OnConflict }
func (SQLite) ClearVerb() string          { return "DELETE FROM" }
func (SQLite) MaxIdentLen() int           { return 0 }

// SQLServer is the Microsoft SQL Server dialect ([...] quoting, @pN
// placeholders). It has no ON CONFLICT, so conflict-aware writes use MERGE.
type SQLServer struct{}

func (SQLServer) Name() string               { return "mssql" }
func (SQLServer) QuoteIdent(s string) string { return mssqlIdent(s) }
func (SQLServer) Placeholder(n int) string   { return fmt.Sprintf("@p%d", n) }
func (SQLServer) Conflict() ConflictStyle    { return Merge }
func (SQLServer) ClearVerb() string          { return "DELETE FROM" }
func (SQLServer) MaxIdentLen() int           { return 128 }

// DialectFor returns the dialect registered under a backend kind.
func DialectFor(kind string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "postgres", "postgresql", "pg":
		return Postgres{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	case "mssql", "sqlserver":
		return SQLServer{}, nil
	}
	return nil, fmt.Errorf("%w: no dialect for backend %q", ErrUnsupported, kind)
}

// pgIdent double-quotes an identifier, doubling embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// QuoteTable quotes a possibly schema-qualified table name:
//
//	"public.users" -> "public"."users"
func QuoteTable(d Dialect, name string) string {
	schema, table := SplitQualifiedName(name)
	if schema == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

// SplitQualifiedName splits "schema.table". Names with no dot, or with more
// than one, are treated as a bare table name.
func SplitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}
