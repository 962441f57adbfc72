// Package tabular reads files into the shapes the normalizer accepts.
//
// CSV and HTML tables become *shape.Table; JSON becomes []shape.Record with
// the key order of the document preserved. Empty cells become shape.Missing,
// which binds as NULL.
package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"sqlwrap/internal/shape"
)

// CSVOptions controls ReadCSV.
type CSVOptions struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune
	// LazyQuotes allows quotes in unquoted fields.
	LazyQuotes bool
	// KeepSpace disables trimming of cell and header whitespace.
	KeepSpace bool
	// HeaderMap renames header cells before they become column names.
	HeaderMap map[string]string
	// SnakeHeader lowercases unmapped headers and replaces spaces with "_".
	SnakeHeader bool
}

// ReadCSV reads a CSV document whose first row is the header.
//
// Short rows are padded with shape.Missing. Rows longer than the header are
// an error.
func ReadCSV(r io.Reader, opt CSVOptions) (*shape.Table, error) {
	cr := csv.NewReader(r)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("csv: empty input")
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header: %w", err)
	}

	t := &shape.Table{Columns: make([]string, len(hdr))}
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if !opt.KeepSpace {
			h = strings.TrimSpace(h)
		}
		if mapped, ok := opt.HeaderMap[h]; ok {
			h = mapped
		} else if opt.SnakeHeader {
			h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
		}
		t.Columns[i] = h
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) > len(t.Columns) {
			return nil, fmt.Errorf("csv: line %d has %d fields, header has %d", line, len(rec), len(t.Columns))
		}

		row := make([]any, len(t.Columns))
		for i := range row {
			if i >= len(rec) {
				row[i] = shape.Missing
				continue
			}
			v := rec[i]
			if !opt.KeepSpace {
				v = strings.TrimSpace(v)
			}
			if v == "" {
				row[i] = shape.Missing
			} else {
				row[i] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}
}
