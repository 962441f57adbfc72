// Package sqlwrap writes records to a relational database without hand-written
// SQL.
//
// Callers pass one record, a slice of records or a table; the column list and
// bind parameters come from the data itself. Insert-ignore and upsert rely on
// a unique index over the conflict keys and create it when it is missing:
//
//	c := sqlwrap.New(cfg, sqlwrap.WithLogger(log.Default()))
//	err := c.Upsert(ctx, []sqlwrap.Record{
//		sqlwrap.NewRecord("name", "Ethan", "num", 300),
//	}, "heroes", []string{"name"})
//
// Every call opens its own connection, runs one transaction and closes the
// connection again. A Client holds only configuration and is safe for
// concurrent use.
package sqlwrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sqlwrap/internal/config"
	"sqlwrap/internal/metrics"
	"sqlwrap/internal/shape"
	"sqlwrap/internal/sqlgen"
	"sqlwrap/internal/storage"
	_ "sqlwrap/internal/storage/all"
	"sqlwrap/internal/synth"
)

type (
	// Record is an ordered set of named values.
	Record = shape.Record
	// Table is a column list plus rows of values.
	Table = shape.Table
	// RecordIter is a single-pass cursor over query results.
	RecordIter = synth.RecordIter
)

// Missing marks an absent table cell. It is written as NULL.
var Missing = shape.Missing

// NewRecord builds a Record from name, value pairs.
func NewRecord(pairs ...any) Record { return shape.NewRecord(pairs...) }

// Client runs statements against the database described by its configuration.
type Client struct {
	cfg    config.Config
	logger Logger
	open   func(context.Context, storage.Config) (storage.Conn, error)
}

// New returns a Client for cfg. Nothing is connected until the first call.
func New(cfg config.Config, opts ...Option) *Client {
	c := &Client{cfg: cfg, logger: synth.DiscardLogger, open: storage.Open}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// Config returns the client's base configuration.
func (c *Client) Config() config.Config { return c.cfg }

// Insert writes data into table.
func (c *Client) Insert(ctx context.Context, data any, table string, opts ...CallOption) error {
	return c.write(ctx, synth.Request{Op: synth.OpInsert, Table: table}, data, opts)
}

// InsertIgnore writes data into table, skipping records whose keys already
// exist. The unique index over keys is created when missing.
func (c *Client) InsertIgnore(ctx context.Context, data any, table string, keys []string, opts ...CallOption) error {
	return c.write(ctx, synth.Request{Op: synth.OpInsertIgnore, Table: table, Key: sqlgen.ParseKey(keys...)}, data, opts)
}

// Upsert writes data into table, overwriting every column of records whose
// keys already exist. The unique index over keys is created when missing
// unless WithoutIndex is given.
//
// A key that is not a plain column name (for example "Date(ts)") is spliced
// into the SQL verbatim and must come from trusted code.
func (c *Client) Upsert(ctx context.Context, data any, table string, keys []string, opts ...CallOption) error {
	return c.write(ctx, synth.Request{Op: synth.OpUpsert, Table: table, Key: sqlgen.ParseKey(keys...)}, data, opts)
}

// Update sets the columns of existing rows matched by keys. Fields named in
// exclude are never written. Records of different shapes each update only
// their own fields.
func (c *Client) Update(ctx context.Context, data any, table string, keys []string, exclude []string, opts ...CallOption) error {
	return c.write(ctx, synth.Request{Op: synth.OpUpdate, Table: table, Key: sqlgen.ParseKey(keys...), Exclude: exclude}, data, opts)
}

// ClearTable deletes every row of table.
func (c *Client) ClearTable(ctx context.Context, table string, opts ...CallOption) error {
	return c.write(ctx, synth.Request{Op: synth.OpClearTable, Table: table}, nil, opts)
}

// DropIndex removes the unique index InsertIgnore or Upsert would create for
// keys. A missing index is not an error.
func (c *Client) DropIndex(ctx context.Context, table string, keys []string, opts ...CallOption) error {
	return c.write(ctx, synth.Request{Op: synth.OpDropIndex, Table: table, Key: sqlgen.ParseKey(keys...)}, nil, opts)
}

// Query runs sql verbatim and returns its rows. The iterator holds the
// connection until it is exhausted or closed.
func (c *Client) Query(ctx context.Context, sql string, opts ...CallOption) (*RecordIter, error) {
	start := time.Now()
	it, err := c.query(ctx, sql, collect(opts))
	c.observe(synth.OpQuery, "", 0, start, err)
	if err != nil {
		return nil, &OpError{Op: string(synth.OpQuery), Err: err}
	}
	return it, nil
}

// QueryTable runs sql and reads every row.
func (c *Client) QueryTable(ctx context.Context, sql string, opts ...CallOption) (*Table, error) {
	it, err := c.Query(ctx, sql, opts...)
	if err != nil {
		return nil, err
	}
	t, err := it.Table()
	if err != nil {
		return nil, &OpError{Op: string(synth.OpQuery), Err: err}
	}
	return t, nil
}

func (c *Client) query(ctx context.Context, sql string, co callOptions) (*RecordIter, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidInput)
	}
	conn, err := c.connect(ctx, co)
	if err != nil {
		return nil, err
	}
	ex := &synth.Executor{Conn: conn, Logger: c.logger}
	return ex.Query(ctx, sql, conn.Close)
}

func (c *Client) write(ctx context.Context, req synth.Request, data any, opts []CallOption) error {
	start := time.Now()
	co := collect(opts)
	req.NoIndex = co.noIndex

	res, err := c.run(ctx, &req, data, co)
	n := len(req.Data.Rows)
	c.observe(req.Op, req.Table, n, start, err)
	if err != nil {
		return &OpError{Op: string(req.Op), Table: req.Table, Err: err}
	}

	if len(req.Data.Rows) > 0 {
		c.logger.Printf("op=%s table=%s rows=%d uniform=%t affected=%d duration=%s",
			req.Op, req.Table, n, req.Data.Uniform, res.Rows, time.Since(start).Round(time.Microsecond))
	} else {
		c.logger.Printf("op=%s table=%s duration=%s", req.Op, req.Table, time.Since(start).Round(time.Microsecond))
	}
	if res.Recovered {
		c.logger.Printf("op=%s table=%s created_index=%s", req.Op, req.Table, res.Index)
	}
	return nil
}

// run validates req, normalizes data into it and executes it. Validation
// failures return before a connection is opened.
func (c *Client) run(ctx context.Context, req *synth.Request, data any, co callOptions) (synth.Result, error) {
	if strings.TrimSpace(req.Table) == "" {
		return synth.Result{}, fmt.Errorf("%w: table name is empty", ErrInvalidInput)
	}
	switch req.Op {
	case synth.OpInsertIgnore, synth.OpUpsert, synth.OpUpdate, synth.OpDropIndex:
		if len(req.Key) == 0 {
			return synth.Result{}, fmt.Errorf("%w: %s needs at least one key", ErrInvalidInput, req.Op)
		}
	}
	switch req.Op {
	case synth.OpInsert, synth.OpInsertIgnore, synth.OpUpsert, synth.OpUpdate:
		d, err := shape.Normalize(data)
		if err != nil {
			return synth.Result{}, err
		}
		req.Data = d
	}

	conn, err := c.connect(ctx, co)
	if err != nil {
		return synth.Result{}, err
	}
	defer func() {
		if cerr := conn.Close(ctx); cerr != nil {
			c.logger.Printf("op=%s table=%s close: %v", req.Op, req.Table, cerr)
		}
	}()

	ex := &synth.Executor{Conn: conn, Logger: c.logger}
	return ex.Write(ctx, *req)
}

// connect opens a connection with the call's overrides merged over the base
// configuration.
func (c *Client) connect(ctx context.Context, co callOptions) (storage.Conn, error) {
	cfg, err := c.cfg.Merge(co.overrides)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	dsn, err := cfg.ConnString()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	conn, err := c.open(ctx, storage.Config{Kind: cfg.Kind(), DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", ErrStatement, cfg, err)
	}
	return conn, nil
}

func (c *Client) observe(op synth.Op, table string, records int, start time.Time, err error) {
	metrics.RecordOp(string(op), status(err), records, time.Since(start))
	if err != nil {
		c.logger.Printf("op=%s table=%s status=%s err=%v", op, table, status(err), err)
	}
}
