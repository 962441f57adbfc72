package synth

import (
	"context"
	"fmt"
	"iter"

	"sqlwrap/internal/shape"
	"sqlwrap/internal/storage"
)

// Query runs sql verbatim in a new transaction.
//
// The returned iterator owns the transaction. Exhausting it or calling Close
// commits, closes the rows and calls release. A statement without result
// columns is committed immediately and yields an empty iterator. On error the
// transaction is rolled back and release has already been called.
func (e *Executor) Query(ctx context.Context, sql string, release func(context.Context) error) (*RecordIter, error) {
	if release == nil {
		release = func(context.Context) error { return nil }
	}
	fail := func(err error) (*RecordIter, error) {
		_ = release(ctx)
		return nil, fmt.Errorf("%w: %w", ErrStatement, err)
	}

	tx, err := e.Conn.Begin(ctx)
	if err != nil {
		return fail(err)
	}
	e.logf("query sql=%q", sql)
	rows, err := tx.Query(ctx, sql)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fail(err)
	}

	it := &RecordIter{ctx: ctx, tx: tx, rows: rows, cols: rows.Columns(), release: release}
	if len(it.cols) == 0 {
		it.finish(nil)
		if it.err != nil {
			return nil, it.err
		}
	}
	return it, nil
}

// RecordIter is a single-pass cursor over query results.
//
//	for it.Next() {
//		r := it.Record()
//	}
//	if err := it.Err(); err != nil { ... }
//
// It is not safe for concurrent use and cannot be restarted.
type RecordIter struct {
	ctx     context.Context
	tx      storage.Tx
	rows    storage.Rows
	cols    []string
	cur     shape.Record
	vals    []any
	err     error
	done    bool
	release func(context.Context) error
}

// Columns returns the result column names in select order.
func (it *RecordIter) Columns() []string { return append([]string(nil), it.cols...) }

// Next advances to the next record. It returns false when the rows are
// exhausted or an error occurred; the transaction is finished by then.
func (it *RecordIter) Next() bool {
	if it.done {
		return false
	}
	if !it.rows.Next() {
		it.finish(it.rows.Err())
		return false
	}
	vals, err := it.rows.Values()
	if err != nil {
		it.finish(err)
		return false
	}
	var r shape.Record
	for i, c := range it.cols {
		r.Set(c, vals[i])
	}
	it.cur = r
	it.vals = vals
	return true
}

// Record returns the record Next moved to.
func (it *RecordIter) Record() shape.Record { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *RecordIter) Err() error { return it.err }

// Close commits and releases the connection. It is safe to call more than
// once and after exhaustion.
func (it *RecordIter) Close() error {
	if !it.done {
		it.finish(nil)
	}
	return it.err
}

// All yields the remaining records. Breaking out of the loop closes the
// iterator; check Err afterwards.
func (it *RecordIter) All() iter.Seq[shape.Record] {
	return func(yield func(shape.Record) bool) {
		for it.Next() {
			if !yield(it.Record()) {
				_ = it.Close()
				return
			}
		}
	}
}

// Table drains the iterator into a table.
func (it *RecordIter) Table() (*shape.Table, error) {
	t := &shape.Table{Columns: it.Columns()}
	for it.Next() {
		t.Append(it.vals...)
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	return t, nil
}

func (it *RecordIter) finish(err error) {
	it.done = true
	it.cur = shape.Record{}
	it.vals = nil

	if cerr := it.rows.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = it.tx.Commit(it.ctx)
	}
	if err != nil {
		_ = it.tx.Rollback(it.ctx)
		it.err = fmt.Errorf("%w: %w", ErrStatement, err)
	}
	if rerr := it.release(it.ctx); rerr != nil && it.err == nil {
		it.err = rerr
	}
}
