package synth

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"sqlwrap/internal/shape"
	"sqlwrap/internal/sqlgen"
	"sqlwrap/internal/storage"
)

// fakeConn records every transaction event as a line in log.
type fakeConn struct {
	log      []string
	batches  [][][]any
	execErr  func(sql string) error
	affected func(sql string, args []any) int64

	queryCols []string
	queryRows [][]any
	queryErr  error
}

func (c *fakeConn) Dialect() sqlgen.Dialect { return sqlgen.SQLite{} }

func (c *fakeConn) Begin(context.Context) (storage.Tx, error) {
	c.log = append(c.log, "begin")
	return &fakeTx{c: c}, nil
}

func (c *fakeConn) Close(context.Context) error { return nil }

func (c *fakeConn) run(sql string, args []any) (int64, error) {
	if c.execErr != nil {
		if err := c.execErr(sql); err != nil {
			return 0, err
		}
	}
	if c.affected != nil {
		return c.affected(sql, args), nil
	}
	return 1, nil
}

type fakeTx struct {
	c    *fakeConn
	done bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	t.c.log = append(t.c.log, "exec "+sql)
	return t.c.run(sql, args)
}

func (t *fakeTx) ExecBatch(_ context.Context, sql string, argSets [][]any) (int64, error) {
	t.c.log = append(t.c.log, fmt.Sprintf("batch %s x%d", sql, len(argSets)))
	t.c.batches = append(t.c.batches, argSets)
	var total int64
	for _, args := range argSets {
		n, err := t.c.run(sql, args)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (t *fakeTx) Query(_ context.Context, sql string, _ ...any) (storage.Rows, error) {
	t.c.log = append(t.c.log, "query "+sql)
	if t.c.queryErr != nil {
		return nil, t.c.queryErr
	}
	return &fakeRows{c: t.c, cols: t.c.queryCols, rows: t.c.queryRows, i: -1}, nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.c.log = append(t.c.log, "commit")
	t.done = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.done {
		t.c.log = append(t.c.log, "rollback")
		t.done = true
	}
	return nil
}

type fakeRows struct {
	c    *fakeConn
	cols []string
	rows [][]any
	i    int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Next() bool {
	r.i++
	return r.i < len(r.rows)
}
func (r *fakeRows) Values() ([]any, error) { return r.rows[r.i], nil }
func (r *fakeRows) Err() error             { return nil }
func (r *fakeRows) Close() error {
	r.c.log = append(r.c.log, "rows closed")
	return nil
}

func normalized(t *testing.T, data any) shape.Normalized {
	t.Helper()
	n, err := shape.Normalize(data)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return n
}

func wantLog(t *testing.T, c *fakeConn, want ...string) {
	t.Helper()
	if !reflect.DeepEqual(c.log, want) {
		t.Fatalf("log:\n  %s\nwant:\n  %s", strings.Join(c.log, "\n  "), strings.Join(want, "\n  "))
	}
}

func TestInsertUniformRunsOneBatch(t *testing.T) {
	t.Parallel()

	c := &fakeConn{}
	e := &Executor{Conn: c}
	res, err := e.Write(context.Background(), Request{
		Op:    OpInsert,
		Table: "heroes",
		Data: normalized(t, []shape.Record{
			shape.NewRecord("num", 300, "name", "Ethan"),
			shape.NewRecord("name", "Matthew", "num", 301),
		}),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Rows != 2 || res.Recovered {
		t.Fatalf("res=%+v", res)
	}
	wantLog(t, c,
		"begin",
		`batch INSERT INTO "heroes" ("num", "name") VALUES (?, ?); x2`,
		"commit",
	)
	want := [][]any{{300, "Ethan"}, {301, "Matthew"}}
	if !reflect.DeepEqual(c.batches[0], want) {
		t.Fatalf("args=%v, want %v", c.batches[0], want)
	}
}

func TestInsertNonUniformUsesEachRecordsFields(t *testing.T) {
	t.Parallel()

	c := &fakeConn{}
	e := &Executor{Conn: c}
	_, err := e.Write(context.Background(), Request{
		Op:    OpInsert,
		Table: "t",
		Data: normalized(t, []shape.Record{
			shape.NewRecord("a", 1, "b", 2),
			shape.NewRecord("a", 3, "b", 4),
			shape.NewRecord("a", 5),
		}),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	wantLog(t, c,
		"begin",
		`batch INSERT INTO "t" ("a", "b") VALUES (?, ?); x2`,
		`batch INSERT INTO "t" ("a") VALUES (?); x1`,
		"commit",
	)
}

func TestConflictWriteRecoversOnce(t *testing.T) {
	t.Parallel()

	created := false
	c := &fakeConn{}
	c.execErr = func(sql string) error {
		switch {
		case strings.HasPrefix(sql, "CREATE UNIQUE INDEX"):
			created = true
		case strings.Contains(sql, "ON CONFLICT") && !created:
			return storage.MissingConstraint(errors.New("ON CONFLICT clause does not match any PRIMARY KEY or UNIQUE constraint"))
		}
		return nil
	}
	e := &Executor{Conn: c}
	res, err := e.Write(context.Background(), Request{
		Op:    OpInsertIgnore,
		Table: "heroes",
		Data:  normalized(t, shape.NewRecord("name", "Ethan")),
		Key:   sqlgen.ParseKey("name"),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !res.Recovered || res.Index != "heroes_name_uix" {
		t.Fatalf("res=%+v", res)
	}
	ins := `INSERT INTO "heroes" ("name") VALUES (?) ON CONFLICT ("name") DO NOTHING;`
	wantLog(t, c,
		"begin",
		"batch "+ins+" x1",
		"rollback",
		"begin",
		`exec CREATE UNIQUE INDEX "heroes_name_uix" ON "heroes" ("name");`,
		"batch "+ins+" x1",
		"commit",
	)
}

func TestFailedRetryRollsBackAndStops(t *testing.T) {
	t.Parallel()

	c := &fakeConn{}
	c.execErr = func(sql string) error {
		if strings.Contains(sql, "ON CONFLICT") {
			return storage.MissingConstraint(errors.New("no constraint"))
		}
		return nil
	}
	e := &Executor{Conn: c}
	_, err := e.Write(context.Background(), Request{
		Op:    OpUpsert,
		Table: "heroes",
		Data:  normalized(t, shape.NewRecord("name", "Ethan", "power", 9)),
		Key:   sqlgen.ParseKey("name"),
	})
	if !errors.Is(err, ErrStatement) || !errors.Is(err, storage.ErrMissingConstraint) {
		t.Fatalf("err=%v, want ErrStatement wrapping ErrMissingConstraint", err)
	}
	var begins, commits int
	for _, l := range c.log {
		switch l {
		case "begin":
			begins++
		case "commit":
			commits++
		}
	}
	if begins != 2 || commits != 0 || c.log[len(c.log)-1] != "rollback" {
		t.Fatalf("log=%v", c.log)
	}
}

func TestIndexCreationFailureIsFatal(t *testing.T) {
	t.Parallel()

	dup := errors.New("UNIQUE constraint failed: heroes.name")
	c := &fakeConn{}
	c.execErr = func(sql string) error {
		if strings.HasPrefix(sql, "CREATE UNIQUE INDEX") {
			return dup
		}
		return storage.MissingConstraint(errors.New("no constraint"))
	}
	e := &Executor{Conn: c}
	_, err := e.Write(context.Background(), Request{
		Op:    OpInsertIgnore,
		Table: "heroes",
		Data:  normalized(t, shape.NewRecord("name", "Ethan")),
		Key:   sqlgen.ParseKey("name"),
	})
	if !errors.Is(err, ErrStatement) || !errors.Is(err, dup) || !errors.Is(err, storage.ErrMissingConstraint) {
		t.Fatalf("err=%v", err)
	}
	if got := c.log[len(c.log)-2:]; got[0] != `exec CREATE UNIQUE INDEX "heroes_name_uix" ON "heroes" ("name");` || got[1] != "rollback" {
		t.Fatalf("log=%v", c.log)
	}
}

func TestOtherFailuresAreNotRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("NOT NULL constraint failed")
	c := &fakeConn{execErr: func(string) error { return boom }}
	e := &Executor{Conn: c}
	_, err := e.Write(context.Background(), Request{
		Op:    OpUpsert,
		Table: "t",
		Data:  normalized(t, shape.NewRecord("k", 1)),
		Key:   sqlgen.ParseKey("k"),
	})
	if !errors.Is(err, ErrStatement) || !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	wantLog(t, c,
		"begin",
		`batch INSERT INTO "t" ("k") VALUES (?) ON CONFLICT ("k") DO UPDATE SET "k" = EXCLUDED."k"; x1`,
		"rollback",
	)
}

func TestMissingConstraintOnPlainInsertIsFatal(t *testing.T) {
	t.Parallel()

	c := &fakeConn{execErr: func(string) error { return storage.MissingConstraint(errors.New("x")) }}
	e := &Executor{Conn: c}
	_, err := e.Write(context.Background(), Request{Op: OpInsert, Table: "t", Data: normalized(t, shape.NewRecord("k", 1))})
	if !errors.Is(err, ErrStatement) {
		t.Fatalf("err=%v", err)
	}
	if len(c.log) != 3 {
		t.Fatalf("recovery attempted for plain insert: %v", c.log)
	}
}

func TestUpdateNonUniformWritesOwnFields(t *testing.T) {
	t.Parallel()

	c := &fakeConn{}
	e := &Executor{Conn: c}
	_, err := e.Write(context.Background(), Request{
		Op:    OpUpdate,
		Table: "heroes",
		Data: normalized(t, []shape.Record{
			shape.NewRecord("name", "Ethan", "superhero", "Captain America", "ts", 1),
			shape.NewRecord("name", "Matthew", "city", "Boston"),
			shape.NewRecord("name", "Zed", "ts", 2),
		}),
		Key:     sqlgen.ParseKey("name"),
		Exclude: []string{"ts", "name"},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	wantLog(t, c,
		"begin",
		`batch UPDATE "heroes" SET "superhero" = ? WHERE "name" = ?; x1`,
		`batch UPDATE "heroes" SET "city" = ? WHERE "name" = ?; x1`,
		"commit",
	)
	if got := c.batches[0][0]; !reflect.DeepEqual(got, []any{"Captain America", "Ethan"}) {
		t.Fatalf("args=%v", got)
	}
}

func TestUpdateUniformExcludesColumns(t *testing.T) {
	t.Parallel()

	c := &fakeConn{}
	e := &Executor{Conn: c}
	_, err := e.Write(context.Background(), Request{
		Op:    OpUpdate,
		Table: "heroes",
		Data: normalized(t, []shape.Record{
			shape.NewRecord("name", "Ethan", "power", 1, "ts", 10),
			shape.NewRecord("name", "Matthew", "power", 2, "ts", 11),
		}),
		Key:     sqlgen.ParseKey("name"),
		Exclude: []string{"ts"},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	wantLog(t, c,
		"begin",
		`batch UPDATE "heroes" SET "name" = ?, "power" = ? WHERE "name" = ?; x2`,
		"commit",
	)
}

func TestInvalidRequestsNeverBegin(t *testing.T) {
	t.Parallel()

	one := shape.NewRecord("a", 1)
	tests := []struct {
		name string
		req  Request
	}{
		{"no rows", Request{Op: OpInsert, Table: "t"}},
		{"all excluded", Request{Op: OpUpdate, Table: "t", Data: normalized(t, one), Key: sqlgen.ParseKey("a"), Exclude: []string{"a"}}},
		{"no key", Request{Op: OpUpsert, Table: "t", Data: normalized(t, one)}},
		{"update key not in record", Request{Op: OpUpdate, Table: "t", Data: normalized(t, one), Key: sqlgen.ParseKey("b")}},
		{"empty table", Request{Op: OpClearTable}},
		{"unknown op", Request{Op: "merge", Table: "t", Data: normalized(t, one)}},
		{"no index without rows", Request{Op: OpUpsert, Table: "t", NoIndex: true, Key: sqlgen.ParseKey("a")}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &fakeConn{}
			_, err := (&Executor{Conn: c}).Write(context.Background(), tt.req)
			if !errors.Is(err, shape.ErrInvalidInput) {
				t.Fatalf("err=%v, want ErrInvalidInput", err)
			}
			if len(c.log) != 0 {
				t.Fatalf("database touched: %v", c.log)
			}
		})
	}
}

func TestUpsertWithoutIndexUpdatesThenInserts(t *testing.T) {
	t.Parallel()

	c := &fakeConn{}
	c.affected = func(sql string, args []any) int64 {
		if strings.HasPrefix(sql, "UPDATE") && args[len(args)-1] == "Matthew" {
			return 0
		}
		return 1
	}
	e := &Executor{Conn: c}
	res, err := e.Write(context.Background(), Request{
		Op:    OpUpsert,
		Table: "heroes",
		Data: normalized(t, []shape.Record{
			shape.NewRecord("name", "Ethan", "power", 1),
			shape.NewRecord("name", "Matthew", "power", 2),
		}),
		Key:     sqlgen.ParseKey("name"),
		NoIndex: true,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Rows != 2 || res.Recovered {
		t.Fatalf("res=%+v", res)
	}
	up := `exec UPDATE "heroes" SET "name" = ?, "power" = ? WHERE "name" = ?;`
	wantLog(t, c,
		"begin",
		up,
		up,
		`exec INSERT INTO "heroes" ("name", "power") VALUES (?, ?);`,
		"commit",
	)
}

func TestClearTableAndDropIndex(t *testing.T) {
	t.Parallel()

	c := &fakeConn{}
	e := &Executor{Conn: c}
	ctx := context.Background()
	if _, err := e.Write(ctx, Request{Op: OpClearTable, Table: "main.heroes"}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := e.Write(ctx, Request{Op: OpDropIndex, Table: "heroes", Key: sqlgen.ParseKey("name", "Date(ts)")}); err != nil {
		t.Fatalf("drop: %v", err)
	}
	wantLog(t, c,
		"begin",
		`exec DELETE FROM "main"."heroes";`,
		"commit",
		"begin",
		`exec DROP INDEX IF EXISTS "heroes_name_Date_ts_uix";`,
		"commit",
	)
}

func TestRunsByFieldsKeepsOrder(t *testing.T) {
	t.Parallel()

	rows := []shape.Record{
		shape.NewRecord("a", 1),
		shape.NewRecord("a", 2, "b", 3),
		shape.NewRecord("a", 4),
		shape.NewRecord("a", 5),
	}
	runs := runsByFields(rows)
	var sizes []int
	for _, r := range runs {
		sizes = append(sizes, len(r))
	}
	if !reflect.DeepEqual(sizes, []int{1, 1, 2}) {
		t.Fatalf("run sizes=%v", sizes)
	}
}
