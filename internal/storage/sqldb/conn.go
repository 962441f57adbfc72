// Package sqldb implements storage.Conn on top of database/sql for backends
// whose driver plugs into database/sql (SQLite and SQL Server).
//
// Backend packages supply the driver name, dialect and the hooks that
// translate driver errors and values; the transaction plumbing lives here.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"sqlwrap/internal/sqlgen"
	"sqlwrap/internal/storage"
)

// Options configures a database/sql backed connection.
type Options struct {
	// Driver is the database/sql driver name ("sqlite", "sqlserver").
	Driver  string
	Dialect sqlgen.Dialect

	// Classify maps a driver error to a storage error (for example
	// storage.MissingConstraint). Nil keeps errors unchanged.
	Classify func(error) error
	// BindArg converts a bound argument before it reaches the driver.
	BindArg func(any) any
	// Value converts a scanned value given the column's database type name.
	// It runs before storage.NormalizeValue.
	Value func(dbType string, v any) any
}

// Conn is a storage.Conn over a single-connection *sql.DB.
type Conn struct {
	db  dbConn
	opt Options
}

// Open opens and pings a database/sql handle limited to one connection, so
// the transaction and any follow-up statements share a session.
func Open(ctx context.Context, dsn string, opt Options) (*Conn, error) {
	if opt.Driver == "" || opt.Dialect == nil {
		return nil, fmt.Errorf("sqldb: driver and dialect are required")
	}
	raw, err := sql.Open(opt.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", opt.Dialect.Name(), err)
	}
	raw.SetMaxOpenConns(1)
	raw.SetMaxIdleConns(1)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%s: ping: %w", opt.Dialect.Name(), err)
	}
	return newConn(&sqlDB{db: raw}, opt), nil
}

func newConn(db dbConn, opt Options) *Conn {
	if opt.Classify == nil {
		opt.Classify = func(err error) error { return err }
	}
	if opt.BindArg == nil {
		opt.BindArg = func(v any) any { return v }
	}
	if opt.Value == nil {
		opt.Value = func(_ string, v any) any { return v }
	}
	return &Conn{db: db, opt: opt}
}

func (c *Conn) Dialect() sqlgen.Dialect { return c.opt.Dialect }

// Begin starts a transaction.
func (c *Conn) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, c.opt.Classify(err)
	}
	return &Tx{tx: tx, opt: c.opt}, nil
}

// Close closes the handle. Repeated calls are no-ops.
func (c *Conn) Close(ctx context.Context) error {
	if c == nil || c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Tx is a storage.Tx over *sql.Tx.
type Tx struct {
	tx  txConn
	opt Options
}

func (t *Tx) args(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = t.opt.BindArg(v)
	}
	return out
}

// Exec runs one statement.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, t.args(args)...)
	if err != nil {
		return 0, t.opt.Classify(err)
	}
	return affected(res), nil
}

// ExecBatch prepares query once and executes it for every argument set.
func (t *Tx) ExecBatch(ctx context.Context, query string, argSets [][]any) (int64, error) {
	if len(argSets) == 0 {
		return 0, nil
	}
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, t.opt.Classify(err)
	}
	defer stmt.Close()

	var total int64
	for i, args := range argSets {
		res, err := stmt.ExecContext(ctx, t.args(args)...)
		if err != nil {
			return total, fmt.Errorf("row %d: %w", i, t.opt.Classify(err))
		}
		total += affected(res)
	}
	return total, nil
}

// Query runs query inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, t.args(args)...)
	if err != nil {
		return nil, t.opt.Classify(err)
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, t.opt.Classify(err)
	}
	types := make([]string, len(cols))
	if cts, err := rows.ColumnTypes(); err == nil {
		for i, ct := range cts {
			types[i] = strings.ToUpper(ct.DatabaseTypeName())
		}
	}
	return &Rows{rows: rows, cols: cols, types: types, opt: t.opt}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	return t.opt.Classify(t.tx.Commit())
}

// Rollback rolls back. It is a no-op after Commit or a previous Rollback.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// Rows adapts *sql.Rows with a dynamic scan.
type Rows struct {
	rows  *sql.Rows
	cols  []string
	types []string
	opt   Options
}

func (r *Rows) Columns() []string { return append([]string(nil), r.cols...) }

func (r *Rows) Next() bool { return r.rows.Next() }

// Values scans the current row into fresh values.
func (r *Rows) Values() ([]any, error) {
	out := make([]any, len(r.cols))
	dests := make([]any, len(r.cols))
	for i := range out {
		dests[i] = &out[i]
	}
	if err := r.rows.Scan(dests...); err != nil {
		return nil, r.opt.Classify(err)
	}
	for i := range out {
		out[i] = storage.NormalizeValue(r.opt.Value(r.types[i], out[i]))
	}
	return out, nil
}

func (r *Rows) Err() error { return r.opt.Classify(r.rows.Err()) }

func (r *Rows) Close() error { return r.rows.Close() }

var (
	_ storage.Conn = (*Conn)(nil)
	_ storage.Tx   = (*Tx)(nil)
	_ storage.Rows = (*Rows)(nil)
)
