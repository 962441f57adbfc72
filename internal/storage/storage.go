// Package storage is the database seam: a backend registry plus the small
// connection, transaction and row interfaces the statement executor needs.
//
// Backends register themselves from init() (see internal/storage/all) and
// translate their driver's "no unique constraint matches the conflict target"
// error into ErrMissingConstraint, so callers never inspect driver types.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"sqlwrap/internal/sqlgen"
)

// ErrMissingConstraint reports that a conflict-aware statement named a
// conflict target no unique index or constraint covers.
var ErrMissingConstraint = errors.New("no unique constraint matches the conflict target")

// Config is the minimal configuration needed to open a connection.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Conn is one open database connection.
//
// Each public operation opens its own Conn, runs one transaction and closes
// it. Implementations need not be safe for concurrent use.
type Conn interface {
	Dialect() sqlgen.Dialect
	Begin(ctx context.Context) (Tx, error)
	// Close releases the connection. Calling it more than once is a no-op.
	Close(ctx context.Context) error
}

// Tx is an open transaction.
type Tx interface {
	// Exec runs one statement and returns the affected row count.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)

	// ExecBatch runs the same statement once per argument set and returns the
	// summed affected row count.
	//
	// Edge cases:
	//   - An empty argSets is a no-op.
	//   - The first failing execution stops the batch; the transaction is then
	//     unusable until rolled back.
	ExecBatch(ctx context.Context, sql string, argSets [][]any) (int64, error)

	// Query runs sql and returns its rows. Statements that produce no rows
	// return Rows with an empty column list.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)

	Commit(ctx context.Context) error
	// Rollback is safe to call after Commit; it then does nothing.
	Rollback(ctx context.Context) error
}

// Rows is a forward-only cursor.
type Rows interface {
	Columns() []string
	Next() bool
	// Values returns the current row, normalized with NormalizeValue.
	Values() ([]any, error)
	Err() error
	Close() error
}

// Opener opens a connection for a registered backend kind.
type Opener func(ctx context.Context, cfg Config) (Conn, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register makes a backend available under kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty or f is nil.
//   - If kind is already registered. Ambiguous backend selection fails fast.
func Register(kind string, f Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil opener")
	}
	if _, exists := openers[kind]; exists {
		panic(fmt.Sprintf("storage: opener already registered for kind=%q", kind))
	}

	openers[kind] = f
}

// Open connects using the backend registered for cfg.Kind.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the backend returns.
func Open(ctx context.Context, cfg Config) (Conn, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing backend kind")
	}

	openersMu.RLock()
	f := openers[cfg.Kind]
	openersMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported backend kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()

	out := make([]string, 0, len(openers))
	for k := range openers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// missingConstraintError keeps the driver error in the chain while matching
// ErrMissingConstraint.
type missingConstraintError struct {
	err error
}

func (e *missingConstraintError) Error() string {
	return ErrMissingConstraint.Error() + ": " + e.err.Error()
}

func (e *missingConstraintError) Unwrap() error { return e.err }

func (e *missingConstraintError) Is(target error) bool { return target == ErrMissingConstraint }

// MissingConstraint wraps a driver error so errors.Is(err,
// ErrMissingConstraint) holds. A nil err stays nil.
func MissingConstraint(err error) error {
	if err == nil {
		return nil
	}
	return &missingConstraintError{err: err}
}
