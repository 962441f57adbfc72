/*
Package postgres registers the "postgres" storage backend on pgx/v5.

Each Conn is a single *pgx.Conn rather than a pool: the public operations
open one connection per call and release it when the call returns.

Batches are sent with pgx.Batch so a multi-row write is one network round
trip. A failed statement aborts the Postgres transaction, so callers must roll
back before retrying anything.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"sqlwrap/internal/sqlgen"
	"sqlwrap/internal/storage"
)

func init() {
	storage.Register("postgres", Open)
}

// sqlstateNoConflictTarget is invalid_column_reference, raised when no
// unique index or constraint matches an ON CONFLICT target.
const sqlstateNoConflictTarget = "42P10"

// Conn is a storage.Conn over one pgx connection.
type Conn struct {
	conn *pgx.Conn
}

// Open connects using a postgres:// URL or key=value DSN.
func Open(ctx context.Context, cfg storage.Config) (storage.Conn, error) {
	c, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Conn{conn: c}, nil
}

func (c *Conn) Dialect() sqlgen.Dialect { return sqlgen.Postgres{} }

// Begin starts a transaction.
func (c *Conn) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &Tx{tx: tx}, nil
}

// Close closes the connection. Repeated calls are no-ops.
func (c *Conn) Close(ctx context.Context) error {
	if c == nil || c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}

// classify turns the missing-conflict-target SQLSTATE into
// storage.ErrMissingConstraint. Everything else passes through.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateNoConflictTarget {
		return storage.MissingConstraint(err)
	}
	return err
}

// Tx is a storage.Tx over pgx.Tx.
type Tx struct {
	tx pgx.Tx
}

// Exec runs one statement.
func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// ExecBatch queues sql once per argument set and sends them as one batch.
func (t *Tx) ExecBatch(ctx context.Context, sql string, argSets [][]any) (int64, error) {
	if len(argSets) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, args := range argSets {
		b.Queue(sql, args...)
	}

	br := t.tx.SendBatch(ctx, b)
	var total int64
	for i := range argSets {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return total, fmt.Errorf("row %d: %w", i, classify(err))
		}
		total += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return total, classify(err)
	}
	return total, nil
}

// Query runs sql and exposes the rows with driver values normalized.
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (storage.Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}
	return &Rows{rows: rows, cols: cols}, nil
}

func (t *Tx) Commit(ctx context.Context) error { return classify(t.tx.Commit(ctx)) }

// Rollback is a no-op once the transaction is closed.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// Rows adapts pgx.Rows.
type Rows struct {
	rows pgx.Rows
	cols []string
}

func (r *Rows) Columns() []string { return append([]string(nil), r.cols...) }

func (r *Rows) Next() bool { return r.rows.Next() }

func (r *Rows) Values() ([]any, error) {
	vals, err := r.rows.Values()
	if err != nil {
		return nil, classify(err)
	}
	for i, v := range vals {
		vals[i] = storage.NormalizeValue(pgValue(v))
	}
	return vals, nil
}

func (r *Rows) Err() error { return classify(r.rows.Err()) }

// Close releases the rows and reports any error that ended iteration.
func (r *Rows) Close() error {
	r.rows.Close()
	return classify(r.rows.Err())
}

// pgValue maps pgx decoding results without a plain Go form.
func pgValue(v any) any {
	switch t := v.(type) {
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", t[0:4], t[4:6], t[6:8], t[8:10], t[10:16])
	case pgtype.Numeric:
		if !t.Valid {
			return nil
		}
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return v
		}
		return f.Float64
	}
	return v
}

var (
	_ storage.Conn = (*Conn)(nil)
	_ storage.Tx   = (*Tx)(nil)
	_ storage.Rows = (*Rows)(nil)
)
