package tabular

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// Options selects and configures a reader.
type Options struct {
	// Format is json, csv or html.
	Format string
	// Encoding names the input charset (WHATWG label, e.g. windows-1250).
	// Empty means UTF-8.
	Encoding     string
	HTMLSelector string
	CSV          CSVOptions
	JSON         JSONOptions
}

// Read decodes r according to opt. The result is a *shape.Table for csv and
// html and a []shape.Record for json.
func Read(r io.Reader, opt Options) (any, error) {
	r, err := Decode(r, opt.Encoding)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(opt.Format) {
	case "json", "jsonl", "ndjson":
		return ReadJSON(r, opt.JSON)
	case "csv":
		return ReadCSV(r, opt.CSV)
	case "tsv":
		c := opt.CSV
		c.Comma = '\t'
		return ReadCSV(r, c)
	case "html", "htm":
		return ReadHTMLTable(r, opt.HTMLSelector)
	default:
		return nil, fmt.Errorf("tabular: unsupported format %q", opt.Format)
	}
}

// FormatFromPath guesses the format from a file extension, defaulting to
// json.
func FormatFromPath(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "csv", "tsv", "html", "htm", "jsonl", "ndjson":
		return ext
	default:
		return "json"
	}
}

// Decode wraps r so that it yields UTF-8 from the named charset. An empty
// name returns r unchanged.
func Decode(r io.Reader, charset string) (io.Reader, error) {
	name := strings.TrimSpace(charset)
	if name == "" {
		return r, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("tabular: encoding %q: %w", charset, err)
	}
	return enc.NewDecoder().Reader(r), nil
}
