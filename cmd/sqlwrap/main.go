// Command sqlwrap loads JSON, CSV or HTML tables into a database and runs
// ad hoc queries.
//
//	sqlwrap -config db.yaml -table heroes -keys name upsert < heroes.json
//	sqlwrap -file heroes.csv -table heroes insert-ignore -keys name
//	sqlwrap -set dbname=/tmp/h.db query "SELECT * FROM heroes"
//
// Connection settings come from -config, then DB_* environment variables, then
// -set overrides.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"sqlwrap"
	"sqlwrap/internal/config"
	"sqlwrap/internal/metrics"
	"sqlwrap/internal/metrics/datadog"
	"sqlwrap/internal/tabular"
)

const usage = `usage: sqlwrap [flags] <command> [args]

commands:
  query [SQL]     run SQL (or the contents of -file) and print the rows
  insert          insert the records read from -file
  insert-ignore   insert, skipping records whose -keys already exist
  upsert          insert, overwriting records whose -keys already exist
  update          update rows matched by -keys, never writing -exclude
  clear           delete every row of -table
  drop-index      drop the unique index over -keys

flags:`

type cliOptions struct {
	configPath     string
	sets           multiFlag
	table          string
	keys           string
	exclude        string
	file           string
	format         string
	encoding       string
	htmlSelector   string
	csvComma       string
	snakeHeader    bool
	out            string
	noIndex        bool
	verbose        bool
	metricsBackend string
}

// multiFlag collects repeated string flags.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// appDeps are the side effects runMain needs. Tests replace them.
type appDeps struct {
	loadConfig  func(path string) (config.Config, error)
	initMetrics func(ctx context.Context, backend string, logger *log.Logger) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{loadConfig: loadConfig, initMetrics: initMetrics}
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultDeps()))
}

// runMain parses args and runs one command. It returns 2 for usage errors and
// 1 for runtime failures.
func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("sqlwrap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage)
		fs.PrintDefaults()
	}

	var o cliOptions
	fs.StringVar(&o.configPath, "config", "", "YAML file with a database section")
	fs.Var(&o.sets, "set", "connection override key=value (repeatable)")
	fs.StringVar(&o.table, "table", "", "target table (schema.table allowed)")
	fs.StringVar(&o.keys, "keys", "", "comma separated conflict keys; expressions such as Date(ts) are used verbatim")
	fs.StringVar(&o.exclude, "exclude", "", "comma separated fields update never writes")
	fs.StringVar(&o.file, "file", "-", "input file; - reads stdin")
	fs.StringVar(&o.format, "format", "", "input format json|jsonl|csv|tsv|html (default: from -file extension)")
	fs.StringVar(&o.encoding, "encoding", "", "input charset, e.g. windows-1250 (default utf-8)")
	fs.StringVar(&o.htmlSelector, "html-selector", "table", "CSS selector of the HTML table to load")
	fs.StringVar(&o.csvComma, "csv-comma", ",", "CSV field delimiter")
	fs.BoolVar(&o.snakeHeader, "snake-header", false, "lowercase CSV headers and replace spaces with _")
	fs.StringVar(&o.out, "out", "jsonl", "query output jsonl|csv")
	fs.BoolVar(&o.noIndex, "no-index", false, "upsert by update-then-insert without a unique index")
	fs.BoolVar(&o.verbose, "v", false, "log every statement")
	fs.StringVar(&o.metricsBackend, "metrics-backend", "", "metrics backend none|datadog (default env METRICS_BACKEND)")

	// Flags may follow the command as well as precede it.
	var cmdArgs []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if fs.NArg() == 0 {
			break
		}
		cmdArgs = append(cmdArgs, fs.Arg(0))
		rest = fs.Args()[1:]
	}
	if len(cmdArgs) == 0 {
		fmt.Fprintln(stderr, "usage: sqlwrap [flags] <command>; run with -h for the command list")
		return 2
	}
	cmd, cmdRest := cmdArgs[0], cmdArgs[1:]

	overrides, err := parseSets(o.sets)
	if err != nil {
		fmt.Fprintf(stderr, "usage: %v\n", err)
		return 2
	}
	if err := checkUsage(cmd, cmdRest, o); err != nil {
		fmt.Fprintf(stderr, "usage: %v\n", err)
		return 2
	}

	cfg, err := deps.loadConfig(o.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	var logger *log.Logger
	if o.verbose {
		logger = log.New(stderr, "sqlwrap: ", log.LstdFlags|log.Lmicroseconds)
	}
	cleanup, err := deps.initMetrics(ctx, o.metricsBackend, logger)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	var copts []sqlwrap.Option
	if logger != nil {
		copts = append(copts, sqlwrap.WithLogger(logger))
	}
	client := sqlwrap.New(cfg, copts...)
	call := []sqlwrap.CallOption{sqlwrap.WithOverrides(overrides)}
	if o.noIndex {
		call = append(call, sqlwrap.WithoutIndex())
	}

	start := time.Now()
	if err := run(ctx, client, cmd, cmdRest, o, call, stdin, stdout); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	if logger != nil {
		logger.Printf("%s completed in %s", cmd, time.Since(start).Truncate(time.Millisecond))
	}
	return 0
}

var commands = map[string]struct{ table, keys bool }{
	"query":         {},
	"insert":        {table: true},
	"insert-ignore": {table: true, keys: true},
	"upsert":        {table: true, keys: true},
	"update":        {table: true, keys: true},
	"clear":         {table: true},
	"drop-index":    {table: true, keys: true},
}

func checkUsage(cmd string, rest []string, o cliOptions) error {
	need, ok := commands[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if cmd != "query" && len(rest) > 0 {
		return fmt.Errorf("%s takes no arguments, got %q", cmd, rest)
	}
	if need.table && strings.TrimSpace(o.table) == "" {
		return fmt.Errorf("%s needs -table", cmd)
	}
	if need.keys && len(splitList(o.keys)) == 0 {
		return fmt.Errorf("%s needs -keys", cmd)
	}
	if o.out != "jsonl" && o.out != "csv" {
		return fmt.Errorf("-out must be jsonl or csv, got %q", o.out)
	}
	if n := len([]rune(o.csvComma)); n != 1 {
		return fmt.Errorf("-csv-comma must be one character, got %q", o.csvComma)
	}
	return nil
}

func run(ctx context.Context, c *sqlwrap.Client, cmd string, rest []string, o cliOptions, call []sqlwrap.CallOption, stdin io.Reader, stdout io.Writer) error {
	keys, exclude := splitList(o.keys), splitList(o.exclude)

	switch cmd {
	case "query":
		sql := strings.Join(rest, " ")
		if strings.TrimSpace(sql) == "" {
			b, err := readInput(o.file, stdin)
			if err != nil {
				return err
			}
			sql = string(b)
		}
		it, err := c.Query(ctx, sql, call...)
		if err != nil {
			return err
		}
		defer it.Close()
		if o.out == "csv" {
			return writeCSV(stdout, it)
		}
		return writeJSONLines(stdout, it)
	case "clear":
		return c.ClearTable(ctx, o.table, call...)
	case "drop-index":
		return c.DropIndex(ctx, o.table, keys, call...)
	}

	data, err := loadData(o, stdin)
	if err != nil {
		return err
	}
	switch cmd {
	case "insert":
		return c.Insert(ctx, data, o.table, call...)
	case "insert-ignore":
		return c.InsertIgnore(ctx, data, o.table, keys, call...)
	case "upsert":
		return c.Upsert(ctx, data, o.table, keys, call...)
	case "update":
		return c.Update(ctx, data, o.table, keys, exclude, call...)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func readInput(name string, stdin io.Reader) ([]byte, error) {
	if name == "" || name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

func loadData(o cliOptions, stdin io.Reader) (any, error) {
	var r io.Reader = stdin
	if o.file != "" && o.file != "-" {
		f, err := os.Open(o.file)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	format := o.format
	if format == "" {
		format = tabular.FormatFromPath(o.file)
	}
	comma := []rune(o.csvComma)[0]
	data, err := tabular.Read(r, tabular.Options{
		Format:       format,
		Encoding:     o.encoding,
		HTMLSelector: o.htmlSelector,
		CSV:          tabular.CSVOptions{Comma: comma, SnakeHeader: o.snakeHeader},
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", format, err)
	}
	return data, nil
}

func writeJSONLines(w io.Writer, it *sqlwrap.RecordIter) error {
	enc := json.NewEncoder(w)
	for it.Next() {
		if err := enc.Encode(it.Record()); err != nil {
			return err
		}
	}
	return it.Err()
}

func writeCSV(w io.Writer, it *sqlwrap.RecordIter) error {
	cw := csv.NewWriter(w)
	cols := it.Columns()
	if len(cols) == 0 {
		return it.Err()
	}
	if err := cw.Write(cols); err != nil {
		return err
	}
	row := make([]string, len(cols))
	for it.Next() {
		vals := it.Record().Values()
		for i := range row {
			row[i] = cell(vals[i])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return it.Err()
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSets(sets []string) (config.Overrides, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	o := config.Overrides{}
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("-set wants key=value, got %q", s)
		}
		o[strings.TrimSpace(k)] = v
	}
	return o, nil
}

// loadConfig reads path (when set) and applies DB_* environment variables.
func loadConfig(path string) (config.Config, error) {
	var cfg config.Config
	if strings.TrimSpace(path) != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	return config.FromEnv(cfg)
}

// initMetrics installs the chosen metrics backend. The returned cleanup
// flushes it and restores the discarding backend.
func initMetrics(ctx context.Context, backend string, logger *log.Logger) (func(), error) {
	if backend == "" {
		backend = os.Getenv("METRICS_BACKEND")
	}
	switch backend {
	case "", "none":
		return func() {}, nil
	case "datadog":
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName: os.Getenv("METRICS_JOB"),
			Tags:    tags,
		})
		if err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Printf("metrics: backend=datadog tags=%v", tags)
		}
		metrics.SetBackend(b)
		return func() {
			// Close stops the flush loop and submits what is buffered.
			if err := b.Close(); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("metrics: datadog close/flush error: %v", err)
			}
			metrics.SetBackend(nil)
		}, nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", backend)
	}
}
