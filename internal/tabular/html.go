package tabular

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"sqlwrap/internal/shape"
)

// ReadHTMLTable reads the first table matched by selector ("table" when
// empty). The first row supplies the column names. Cell text is trimmed and
// inner whitespace collapsed; colspan and rowspan are not expanded.
func ReadHTMLTable(r io.Reader, selector string) (*shape.Table, error) {
	if strings.TrimSpace(selector) == "" {
		selector = "table"
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("html: parse: %w", err)
	}

	tbl := doc.Find(selector).First()
	if tbl.Length() == 0 {
		return nil, fmt.Errorf("html: nothing matches %q", selector)
	}
	if !tbl.Is("table") {
		tbl = tbl.Find("table").First()
		if tbl.Length() == 0 {
			return nil, fmt.Errorf("html: %q matches no table", selector)
		}
	}

	t := &shape.Table{}
	var rowErr error
	tbl.Find("tr").EachWithBreak(func(i int, tr *goquery.Selection) bool {
		var cells []string
		tr.ChildrenFiltered("th, td").Each(func(_ int, c *goquery.Selection) {
			cells = append(cells, strings.Join(strings.Fields(c.Text()), " "))
		})
		if len(cells) == 0 {
			return true
		}
		if t.Columns == nil {
			t.Columns = cells
			return true
		}
		if len(cells) > len(t.Columns) {
			rowErr = fmt.Errorf("html: row %d has %d cells, header has %d", i, len(cells), len(t.Columns))
			return false
		}
		row := make([]any, len(t.Columns))
		for j := range row {
			if j < len(cells) && cells[j] != "" {
				row[j] = cells[j]
			} else {
				row[j] = shape.Missing
			}
		}
		t.Rows = append(t.Rows, row)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	if t.Columns == nil {
		return nil, fmt.Errorf("html: table has no rows")
	}
	return t, nil
}
