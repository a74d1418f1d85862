// Package rxhint derives a LIKE pre-filter from a regular expression.
//
// Given a pattern, Extract returns the longest substring guaranteed to
// appear verbatim in every string the pattern can match. The search
// engine turns that into `column LIKE '%hint%'` so SQLite discards
// non-candidate rows before the real pattern runs in-process.
//
// Soundness is the one invariant: a hint must never exclude a true
// match. When in doubt the extractor breaks the literal run or returns
// no hint at all; the engine then falls back to a full scan, which is
// slower but always correct.
package rxhint

import (
	"regexp/syntax"
	"strings"
)

// minHintLen is the shortest hint worth a LIKE pre-filter. A single
// character matches too many rows to pay for the extra predicate.
const minHintLen = 2

// Extract parses pattern with the engine's own parser and walks the
// AST for mandatory literal runs. It returns "" when the pattern is
// invalid or no run of at least minHintLen runes can be proven.
func Extract(pattern string) string {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return ""
	}

	var c collector
	c.walk(re)
	c.flush()

	best := ""
	for _, run := range c.runs {
		if len([]rune(run)) >= minHintLen && len(run) > len(best) {
			best = run
		}
	}
	return best
}

// collector accumulates guaranteed literal runs. buf holds the run
// being grown; any construct that makes adjacency uncertain flushes it.
type collector struct {
	runs []string
	buf  []rune
}

func (c *collector) flush() {
	if len(c.buf) > 0 {
		c.runs = append(c.runs, string(c.buf))
		c.buf = c.buf[:0]
	}
}

func (c *collector) walk(re *syntax.Regexp) {
	switch re.Op {
	case syntax.OpLiteral:
		// Case-folded literals survive only when pure ASCII: SQLite's
		// LIKE is case-insensitive for ASCII alone, so a folded
		// non-ASCII rune could exclude a true match.
		if re.Flags&syntax.FoldCase != 0 && !allASCII(re.Rune) {
			c.flush()
			return
		}
		c.buf = append(c.buf, re.Rune...)

	case syntax.OpConcat:
		for _, sub := range re.Sub {
			c.walk(sub)
		}

	case syntax.OpCapture:
		// Group boundaries do not break adjacency: ab(cd)ef
		// guarantees "abcdef".
		c.walk(re.Sub[0])

	case syntax.OpPlus:
		// At least one occurrence: the first iteration extends the
		// current run, but nothing after it is adjacent (x(ab)+y
		// guarantees "xab", not "xaby").
		c.walk(re.Sub[0])
		c.flush()

	case syntax.OpRepeat:
		if re.Min >= 1 && re.Min == re.Max && isPlainLiteral(re.Sub[0]) {
			// Exact count of a pure literal repeats with full
			// adjacency: x(ab){2}y guarantees "xababy".
			for i := 0; i < re.Min; i++ {
				c.buf = append(c.buf, re.Sub[0].Rune...)
			}
			return
		}
		if re.Min >= 1 {
			c.walk(re.Sub[0])
		}
		c.flush()

	case syntax.OpAlternate:
		c.flush()
		if h := commonAlternateHint(re.Sub); h != "" {
			c.runs = append(c.runs, h)
		}

	case syntax.OpEmptyMatch:
		// Zero-width, adjacency preserved.

	default:
		// Optional repeats, character classes, any-char, anchors,
		// boundaries, backrefs: nothing guaranteed, adjacency broken.
		c.flush()
	}
}

// commonAlternateHint finds a substring guaranteed by every branch of an
// alternation: a string contained in some mandatory run of each branch.
// Returns "" when any branch guarantees nothing.
func commonAlternateHint(branches []*syntax.Regexp) string {
	all := make([][]string, 0, len(branches))
	for _, b := range branches {
		var c collector
		c.walk(b)
		c.flush()
		if len(c.runs) == 0 {
			return ""
		}
		all = append(all, c.runs)
	}

	// Candidates are substrings of the first branch's runs, longest
	// first. Branch counts are tiny in practice; brute force is fine.
	best := ""
	for _, run := range all[0] {
		r := []rune(run)
		for size := len(r); size >= minHintLen; size-- {
			if size <= len([]rune(best)) {
				break
			}
			for start := 0; start+size <= len(r); start++ {
				cand := string(r[start : start+size])
				if containedInAll(cand, all[1:]) {
					best = cand
					break
				}
			}
			if len([]rune(best)) == size {
				break
			}
		}
	}
	return best
}

func containedInAll(cand string, branches [][]string) bool {
	for _, runs := range branches {
		found := false
		for _, run := range runs {
			if strings.Contains(run, cand) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func isPlainLiteral(re *syntax.Regexp) bool {
	return re.Op == syntax.OpLiteral &&
		(re.Flags&syntax.FoldCase == 0 || allASCII(re.Rune))
}

func allASCII(runes []rune) bool {
	for _, r := range runes {
		if r > 0x7f {
			return false
		}
	}
	return true
}
