// Package synth turns normalized records into statements and runs them.
//
// Every write runs in one transaction on the Executor's connection. Nothing is
// committed unless every statement of the call succeeded. Conflict writes
// (insert-ignore, upsert) that fail because no unique index matches the
// conflict key get exactly one retry: a fresh transaction creates the index
// and re-runs the batch.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"

	"sqlwrap/internal/metrics"
	"sqlwrap/internal/shape"
	"sqlwrap/internal/sqlgen"
	"sqlwrap/internal/storage"
)

// ErrStatement marks a database failure that aborted the call.
var ErrStatement = errors.New("statement failed")

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Op names a write operation.
type Op string

const (
	OpInsert       Op = "insert"
	OpInsertIgnore Op = "insert_ignore"
	OpUpsert       Op = "upsert"
	OpUpdate       Op = "update"
	OpClearTable   Op = "clear_table"
	OpDropIndex    Op = "drop_index"
	OpQuery        Op = "query"
)

// Request describes one write.
type Request struct {
	Op    Op
	Table string
	// Data is required for insert, insert_ignore, upsert and update.
	Data shape.Normalized
	// Key is the conflict target for insert_ignore and upsert, the WHERE
	// target for update, and the index to remove for drop_index.
	Key sqlgen.Key
	// Exclude lists fields never written by update.
	Exclude []string
	// NoIndex makes upsert update-then-insert per record instead of relying
	// on a unique index.
	NoIndex bool
}

// Result reports what a write did.
type Result struct {
	Rows int64
	// Recovered is set when a unique index had to be created.
	Recovered bool
	Index     string
}

// Executor runs requests on one open connection.
type Executor struct {
	Conn   storage.Conn
	Logger Logger
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// DiscardLogger drops every line.
var DiscardLogger Logger = log.New(io.Discard, "", 0)

// batch is one statement text run once per argument set. A nil args runs the
// statement once with no arguments.
type batch struct {
	sql  string
	args [][]any
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeMissingConstraint
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeMissingConstraint:
		return "missing_constraint"
	default:
		return "failed"
	}
}

// Write plans and runs req.
//
// Errors:
//   - shape.ErrInvalidInput or sqlgen.ErrUnsupported when no statement can be
//     built; nothing has been sent to the database.
//   - ErrStatement for database failures; the transaction has been rolled
//     back. After a failed recovery the chain also carries
//     storage.ErrMissingConstraint from the first attempt.
func (e *Executor) Write(ctx context.Context, req Request) (Result, error) {
	if req.Op == OpUpsert && req.NoIndex {
		return e.upsertWithoutIndex(ctx, req)
	}

	batches, err := plan(e.Conn.Dialect(), req)
	if err != nil {
		return Result{}, err
	}

	n, out, err := e.attempt(ctx, nil, batches)
	if out != outcomeOK {
		e.logf("op=%s table=%s outcome=%s err=%v", req.Op, req.Table, out, err)
	}
	switch out {
	case outcomeOK:
		return Result{Rows: n}, nil
	case outcomeMissingConstraint:
		if req.Op == OpInsertIgnore || req.Op == OpUpsert {
			return e.recoverIndex(ctx, req, batches, err)
		}
	}
	return Result{}, fmt.Errorf("%w: %w", ErrStatement, err)
}

// recoverIndex creates the unique index for req.Key and runs batches once
// more in a new transaction. It is never called twice for one request.
func (e *Executor) recoverIndex(ctx context.Context, req Request, batches []batch, cause error) (Result, error) {
	name, ddl, err := sqlgen.CreateUniqueIndex(e.Conn.Dialect(), req.Table, req.Key)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", cause, err)
	}
	e.logf("op=%s table=%s missing constraint, creating index=%s", req.Op, req.Table, name)

	n, out, err := e.attempt(ctx, []string{ddl}, batches)
	if out != outcomeOK {
		return Result{}, fmt.Errorf("%w: retry after creating index %s: %w (first attempt: %w)", ErrStatement, name, err, cause)
	}
	metrics.RecordIndexRecovery(req.Table)
	return Result{Rows: n, Recovered: true, Index: name}, nil
}

// attempt runs prelude then batches in one transaction and commits. Anything
// short of a commit rolls back.
func (e *Executor) attempt(ctx context.Context, prelude []string, batches []batch) (int64, outcome, error) {
	tx, err := e.Conn.Begin(ctx)
	if err != nil {
		return 0, outcomeFailed, err
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := tx.Rollback(ctx); rerr != nil {
				e.logf("rollback: %v", rerr)
			}
		}
	}()

	for _, ddl := range prelude {
		e.logf("exec sql=%q", ddl)
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return 0, outcomeFailed, err
		}
	}

	var total int64
	for _, b := range batches {
		var affected int64
		var err error
		if b.args == nil {
			e.logf("exec sql=%q", b.sql)
			affected, err = tx.Exec(ctx, b.sql)
		} else {
			e.logf("exec sql=%q records=%d", b.sql, len(b.args))
			affected, err = tx.ExecBatch(ctx, b.sql, b.args)
		}
		if err != nil {
			if errors.Is(err, storage.ErrMissingConstraint) {
				return 0, outcomeMissingConstraint, err
			}
			return 0, outcomeFailed, err
		}
		total += affected
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, outcomeFailed, err
	}
	committed = true
	return total, outcomeOK, nil
}

// upsertWithoutIndex updates each record by key and inserts it when no row
// matched. It needs no unique index and never creates one.
func (e *Executor) upsertWithoutIndex(ctx context.Context, req Request) (Result, error) {
	if err := checkData(req); err != nil {
		return Result{}, err
	}
	d := e.Conn.Dialect()
	type step struct {
		update, insert sqlgen.Statement
		rec            shape.Record
	}
	steps := make([]step, 0, len(req.Data.Rows))
	for _, r := range req.Data.Rows {
		fields := r.Keys()
		up, err := sqlgen.Update(d, req.Table, fields, req.Key, fields)
		if err != nil {
			return Result{}, err
		}
		ins, err := sqlgen.Insert(d, req.Table, fields)
		if err != nil {
			return Result{}, err
		}
		steps = append(steps, step{update: up, insert: ins, rec: r})
	}

	tx, err := e.Conn.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrStatement, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	for _, s := range steps {
		n, err := tx.Exec(ctx, s.update.SQL, s.update.Bind(s.rec)...)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrStatement, err)
		}
		if n == 0 {
			if n, err = tx.Exec(ctx, s.insert.SQL, s.insert.Bind(s.rec)...); err != nil {
				return Result{}, fmt.Errorf("%w: %w", ErrStatement, err)
			}
		}
		total += n
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrStatement, err)
	}
	e.logf("op=%s table=%s records=%d without index", req.Op, req.Table, len(steps))
	return Result{Rows: total}, nil
}

// plan builds the batches for req without touching the database.
func plan(d sqlgen.Dialect, req Request) ([]batch, error) {
	switch req.Op {
	case OpInsert, OpInsertIgnore, OpUpsert:
		return planInsert(d, req)
	case OpUpdate:
		return planUpdate(d, req)
	case OpClearTable:
		sql, err := sqlgen.ClearTable(d, req.Table)
		if err != nil {
			return nil, err
		}
		return []batch{{sql: sql}}, nil
	case OpDropIndex:
		sql, err := sqlgen.DropIndex(d, req.Table, req.Key)
		if err != nil {
			return nil, err
		}
		return []batch{{sql: sql}}, nil
	}
	return nil, fmt.Errorf("%w: unknown operation %q", shape.ErrInvalidInput, req.Op)
}

func insertStatement(d sqlgen.Dialect, req Request, cols []string) (sqlgen.Statement, error) {
	switch req.Op {
	case OpInsertIgnore:
		return sqlgen.InsertIgnore(d, req.Table, cols, req.Key)
	case OpUpsert:
		return sqlgen.Upsert(d, req.Table, cols, req.Key)
	default:
		return sqlgen.Insert(d, req.Table, cols)
	}
}

// planInsert emits one batch over the shared columns when the data is
// uniform. Otherwise each run of consecutive records with the same field list
// gets its own statement, so no record writes a column it does not carry.
func planInsert(d sqlgen.Dialect, req Request) ([]batch, error) {
	if err := checkData(req); err != nil {
		return nil, err
	}
	if req.Data.Uniform {
		st, err := insertStatement(d, req, req.Data.Columns)
		if err != nil {
			return nil, err
		}
		return []batch{bindAll(st, req.Data.Rows)}, nil
	}

	var out []batch
	for _, run := range runsByFields(req.Data.Rows) {
		st, err := insertStatement(d, req, run[0].Keys())
		if err != nil {
			return nil, err
		}
		out = append(out, bindAll(st, run))
	}
	return out, nil
}

// planUpdate emits one batch over Columns minus Exclude for uniform data, or
// one statement per record over that record's own fields minus Exclude.
// Records left with nothing to set are skipped.
func planUpdate(d sqlgen.Dialect, req Request) ([]batch, error) {
	if err := checkData(req); err != nil {
		return nil, err
	}
	if req.Data.Uniform {
		set := without(req.Data.Columns, req.Exclude)
		if len(set) == 0 {
			return nil, fmt.Errorf("%w: every column is excluded from update", shape.ErrInvalidInput)
		}
		st, err := sqlgen.Update(d, req.Table, set, req.Key, req.Data.Columns)
		if err != nil {
			return nil, err
		}
		return []batch{bindAll(st, req.Data.Rows)}, nil
	}

	out := make([]batch, 0, len(req.Data.Rows))
	for _, r := range req.Data.Rows {
		fields := r.Keys()
		set := without(fields, req.Exclude)
		if len(set) == 0 {
			continue
		}
		st, err := sqlgen.Update(d, req.Table, set, req.Key, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, bindAll(st, []shape.Record{r}))
	}
	return out, nil
}

func checkData(req Request) error {
	if len(req.Data.Rows) == 0 {
		return fmt.Errorf("%w: at least one record required", shape.ErrInvalidInput)
	}
	return nil
}

func bindAll(st sqlgen.Statement, rows []shape.Record) batch {
	args := make([][]any, len(rows))
	for i, r := range rows {
		args[i] = st.Bind(r)
	}
	return batch{sql: st.SQL, args: args}
}

// runsByFields splits rows into maximal runs sharing the same ordered field
// list. Record order is preserved.
func runsByFields(rows []shape.Record) [][]shape.Record {
	var (
		out  [][]shape.Record
		prev string
	)
	for _, r := range rows {
		k := strings.Join(r.Keys(), "\x00")
		if len(out) > 0 && k == prev {
			out[len(out)-1] = append(out[len(out)-1], r)
			continue
		}
		out = append(out, []shape.Record{r})
		prev = k
	}
	return out
}

func without(cols, exclude []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if !slices.Contains(exclude, c) {
			out = append(out, c)
		}
	}
	return out
}
