package search

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dfir-tools/walscope/api"
	"github.com/dfir-tools/walscope/internal/catalog"
	"github.com/dfir-tools/walscope/internal/rxhint"
)

// predicate is the per-table SQL built for one search invocation: one
// combined WHERE clause OR-ing every searchable column, bound once.
type predicate struct {
	where string
	args  []any
	// checkCols are the column positions the client-side matcher must
	// test; columns excluded from the WHERE are excluded here too.
	checkCols []int
	// limitInSQL is false for regex mode, where the LIKE pre-filter
	// over-selects and the limit can only be enforced after the real
	// pattern runs.
	limitInSQL bool
}

// buildPredicate assembles the single OR-combined clause for a table.
// BLOB-typed columns stay out of row predicates unless deep-blob mode
// asks for them; blob mode inverts that and scans only BLOB columns.
func buildPredicate(t *catalog.Table, opts api.SearchOptions, hint string) predicate {
	var (
		parts []string
		p     predicate
	)
	p.limitInSQL = true

	esc := catalog.EscapeLike(opts.Pattern)
	for ci := range t.Columns {
		col := &t.Columns[ci]
		qcol := catalog.QuoteIdent(col.Name)

		if opts.Mode == api.ModeBlobHex {
			if !col.IsBlob {
				continue
			}
			parts = append(parts, "typeof("+qcol+") = 'blob'")
			p.checkCols = append(p.checkCols, ci)
			// Hex matching happens in-process; SQL only narrows to rows
			// that hold a blob at all.
			p.limitInSQL = false
			continue
		}

		if col.IsBlob && !opts.DeepBlob {
			continue
		}

		switch opts.Mode {
		case api.ModeCaseSensitive:
			parts = append(parts, "instr("+qcol+", ?) > 0")
			p.args = append(p.args, opts.Pattern)
		case api.ModeExact:
			parts = append(parts, qcol+" = ?")
			p.args = append(p.args, opts.Pattern)
		case api.ModeStartsWith:
			parts = append(parts, qcol+` LIKE ? ESCAPE '\'`)
			p.args = append(p.args, esc+"%")
		case api.ModeEndsWith:
			parts = append(parts, qcol+` LIKE ? ESCAPE '\'`)
			p.args = append(p.args, "%"+esc)
		case api.ModeRegex:
			p.limitInSQL = false
			if hint != "" {
				parts = append(parts, qcol+` LIKE ? ESCAPE '\'`)
				p.args = append(p.args, "%"+catalog.EscapeLike(hint)+"%")
			}
		default: // case-insensitive containment
			parts = append(parts, qcol+` LIKE ? ESCAPE '\'`)
			p.args = append(p.args, "%"+esc+"%")
		}
		p.checkCols = append(p.checkCols, ci)
	}

	// Regex with no usable hint: full scan, every searchable column
	// tested in-process. Slower but always correct.
	if opts.Mode == api.ModeRegex && hint == "" {
		p.args = nil
		parts = nil
	}
	if len(parts) > 0 {
		p.where = " WHERE " + strings.Join(parts, " OR ")
	}
	return p
}

// NewMatcher compiles the in-process matcher for a search. It is the
// authority on what constitutes a match; SQL predicates only narrow
// candidates. The session hands the same matcher to the WAL-side scan
// so both sources agree on semantics.
func NewMatcher(opts api.SearchOptions) (func(string) bool, error) {
	switch opts.Mode {
	case api.ModeCaseSensitive:
		return func(s string) bool { return strings.Contains(s, opts.Pattern) }, nil
	case api.ModeExact:
		return func(s string) bool { return s == opts.Pattern }, nil
	case api.ModeStartsWith:
		lp := strings.ToLower(opts.Pattern)
		return func(s string) bool { return strings.HasPrefix(strings.ToLower(s), lp) }, nil
	case api.ModeEndsWith:
		lp := strings.ToLower(opts.Pattern)
		return func(s string) bool { return strings.HasSuffix(strings.ToLower(s), lp) }, nil
	case api.ModeRegex:
		rx, err := regexp.Compile(opts.Pattern)
		if err != nil {
			return nil, &api.ValidationError{Field: "pattern", Message: err.Error()}
		}
		return rx.MatchString, nil
	default: // ci, blob, column-name all compare case-insensitively
		lp := strings.ToLower(opts.Pattern)
		return func(s string) bool { return strings.Contains(strings.ToLower(s), lp) }, nil
	}
}

// regexHint returns the LIKE pre-filter literal for regex mode, and ""
// for every other mode.
func regexHint(opts api.SearchOptions) string {
	if opts.Mode != api.ModeRegex {
		return ""
	}
	return rxhint.Extract(opts.Pattern)
}

const displayLimit = 220

// truncateDisplay bounds a hit's display value; matching always ran on
// the full value.
func truncateDisplay(s string) string {
	r := []rune(s)
	if len(r) <= displayLimit {
		return s
	}
	return string(r[:displayLimit]) + "..."
}

func storageClass(v any) string {
	switch v.(type) {
	case nil:
		return "NULL"
	case int64:
		return "INTEGER"
	case float64:
		return "REAL"
	case []byte:
		return "BLOB"
	}
	return "TEXT"
}

// valueString renders a scanned value for matching. Blobs return ok
// false unless deep-blob decoding applies.
func valueString(v any, deepBlob bool) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case []byte:
		if !deepBlob {
			return "", false
		}
		return string(x), true
	case string:
		return x, true
	default:
		return fmt.Sprintf("%v", x), true
	}
}
