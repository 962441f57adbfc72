package tabular

import (
	"reflect"
	"strings"
	"testing"

	"sqlwrap/internal/shape"
)

func TestReadCSV(t *testing.T) {
	t.Parallel()

	in := "\uFEFF Num ,Hero Name,ts\n300, Ethan ,\n301,Ana\n"
	got, err := ReadCSV(strings.NewReader(in), CSVOptions{
		HeaderMap:   map[string]string{"Num": "num"},
		SnakeHeader: true,
	})
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if want := []string{"num", "hero_name", "ts"}; !reflect.DeepEqual(got.Columns, want) {
		t.Fatalf("columns=%v, want %v", got.Columns, want)
	}
	want := [][]any{
		{"300", "Ethan", shape.Missing},
		{"301", "Ana", shape.Missing},
	}
	if !reflect.DeepEqual(got.Rows, want) {
		t.Fatalf("rows=%#v, want %#v", got.Rows, want)
	}
}

func TestReadCSVKeepSpaceAndComma(t *testing.T) {
	t.Parallel()

	got, err := ReadCSV(strings.NewReader("a;b\n x ;y\n"), CSVOptions{Comma: ';', KeepSpace: true})
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if got.Rows[0][0] != " x " || got.Rows[0][1] != "y" {
		t.Fatalf("row=%#v", got.Rows[0])
	}
}

func TestReadCSVErrors(t *testing.T) {
	t.Parallel()

	if _, err := ReadCSV(strings.NewReader(""), CSVOptions{}); err == nil || !strings.Contains(err.Error(), "empty input") {
		t.Fatalf("err=%v, want empty input", err)
	}
	_, err := ReadCSV(strings.NewReader("a,b\n1,2\n1,2,3\n"), CSVOptions{})
	if err == nil || !strings.Contains(err.Error(), "line 3") {
		t.Fatalf("err=%v, want line 3 error", err)
	}
}
