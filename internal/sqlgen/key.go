package sqlgen

import (
	"fmt"
	"regexp"
	"strings"

	"sqlwrap/internal/shape"
)

// Target is one entry of a conflict key: a column name or a raw expression.
type Target struct {
	text string
	expr bool
}

// Col is a column target. It is always quoted by the dialect.
func Col(name string) Target { return Target{text: name} }

// Expr is a caller-trusted SQL expression such as "date(ts)". It is spliced
// into the statement verbatim and is never parameter bound, so it must not
// carry untrusted input.
func Expr(sql string) Target { return Target{text: sql, expr: true} }

// Text returns the column name or expression as given.
func (t Target) Text() string { return t.text }

// IsExpr reports whether t is a raw expression.
func (t Target) IsExpr() bool { return t.expr }

func (t Target) String() string { return t.text }

// Key is an ordered conflict target.
type Key []Target

var bareIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseKey classifies key strings: bare identifiers become Col targets,
// anything else becomes an Expr.
func ParseKey(names ...string) Key {
	k := make(Key, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if bareIdent.MatchString(n) {
			k = append(k, Col(n))
		} else {
			k = append(k, Expr(n))
		}
	}
	return k
}

// Columns returns the column targets' names. Expr entries are skipped.
func (k Key) Columns() []string {
	var out []string
	for _, t := range k {
		if !t.expr {
			out = append(out, t.text)
		}
	}
	return out
}

// HasExpr reports whether any target is an expression.
func (k Key) HasExpr() bool {
	for _, t := range k {
		if t.expr {
			return true
		}
	}
	return false
}

func (k Key) validate() error {
	if len(k) == 0 {
		return fmt.Errorf("%w: conflict key is empty", shape.ErrInvalidInput)
	}
	for i, t := range k {
		if strings.TrimSpace(t.text) == "" {
			return fmt.Errorf("%w: conflict key entry %d is empty", shape.ErrInvalidInput, i)
		}
	}
	return nil
}

// render writes the key as an index element list: columns quoted, expressions
// parenthesized.
func (k Key) render(d Dialect) string {
	parts := make([]string, len(k))
	for i, t := range k {
		if t.expr {
			parts[i] = "(" + t.text + ")"
		} else {
			parts[i] = d.QuoteIdent(t.text)
		}
	}
	return strings.Join(parts, ", ")
}

// exprToken is a lexical piece of an expression. Column references are the
// identifiers that are not followed by "(".
type exprToken struct {
	text   string
	column bool
}

func tokenizeExpr(s string) []exprToken {
	var out []exprToken
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			out = append(out, exprToken{text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'':
			j := i + 1
			for j < len(s) {
				if s[j] == '\'' {
					if j+1 < len(s) && s[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j < len(s) {
				j++
			}
			lit.WriteString(s[i:j])
			i = j
		case c == '_' || isLetter(c):
			j := i + 1
			for j < len(s) && (s[j] == '_' || isLetter(s[j]) || isDigit(s[j])) {
				j++
			}
			word := s[i:j]
			k := j
			for k < len(s) && s[k] == ' ' {
				k++
			}
			if k < len(s) && s[k] == '(' {
				lit.WriteString(word)
			} else {
				flush()
				out = append(out, exprToken{text: word, column: true})
			}
			i = j
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return out
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

// boundColumn finds the single field an expression references.
func boundColumn(t Target, fields []string) (string, error) {
	have := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		have[f] = struct{}{}
	}

	var found string
	for _, tok := range tokenizeExpr(t.text) {
		if !tok.column {
			continue
		}
		if _, ok := have[tok.text]; !ok {
			continue
		}
		if found != "" && found != tok.text {
			return "", fmt.Errorf("%w: key expression %q references more than one field (%s, %s)", shape.ErrInvalidInput, t.text, found, tok.text)
		}
		found = tok.text
	}
	if found == "" {
		return "", fmt.Errorf("%w: key expression %q references no record field", shape.ErrInvalidInput, t.text)
	}
	return found, nil
}
