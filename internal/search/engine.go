// Package search streams multi-table pattern matches out of the live
// database. One combined OR query per table narrows candidates inside
// SQLite; the in-process matcher then decides per column, so hits name
// the exact column that matched.
package search

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/dfir-tools/walscope/api"
	"github.com/dfir-tools/walscope/internal/catalog"
)

// batchSize rows are fetched between cancellation checks. Cancellation
// is cooperative: observed between batches and between tables, never
// mid-row, so a cancelled search yields a clean prefix of results.
const batchSize = 5000

// Engine scans catalog tables on its own dedicated connection, so a
// long search never contends with WAL reconciliation for a handle.
type Engine struct {
	db  *sql.DB
	cat *catalog.Catalog
	log *zap.SugaredLogger
}

// NewEngine wires a search engine to its dedicated connection and the
// session's immutable catalog.
func NewEngine(db *sql.DB, cat *catalog.Catalog, log *zap.SugaredLogger) *Engine {
	return &Engine{db: db, cat: cat, log: log}
}

// Search runs one invocation to completion, streaming through sub in
// table order. It validates the pattern and scope up front — an invalid
// regex or unknown table fails here, before any table is scanned — and
// afterwards only per-table errors occur, reported via OnError without
// aborting the remaining tables.
//
// Run it on a worker goroutine; every callback fires from that
// goroutine, one at a time.
func (e *Engine) Search(ctx context.Context, opts api.SearchOptions, sub api.SearchSubscriber) error {
	if opts.Pattern == "" {
		return &api.ValidationError{Field: "pattern", Message: "empty pattern"}
	}
	match, err := NewMatcher(opts)
	if err != nil {
		return err
	}
	tables, err := e.resolveScope(opts.Tables)
	if err != nil {
		return err
	}

	hint := regexHint(opts)
	if opts.Mode == api.ModeRegex {
		e.log.Debugw("regex pre-filter", "pattern", opts.Pattern, "hint", hint)
	}

	for _, t := range tables {
		if ctx.Err() != nil {
			sub.OnCancelled()
			return nil
		}

		var found int
		if opts.Mode == api.ModeColumnName {
			found = e.matchColumnNames(t, match, sub)
		} else {
			found, err = e.scanTable(ctx, t, opts, hint, match, sub)
			if err != nil {
				if ctx.Err() != nil {
					sub.OnCancelled()
					return nil
				}
				// Schema drift, lock contention: skip the table, keep going.
				e.log.Warnw("table skipped", "table", t.Name, "error", err)
				sub.OnError(t.Name, err)
				continue
			}
		}
		sub.OnTableDone(t.Name, found)
	}
	sub.OnComplete()
	return nil
}

// resolveScope maps the requested table names to catalog descriptors,
// preserving catalog order for the full-scope case.
func (e *Engine) resolveScope(names []string) ([]*catalog.Table, error) {
	if len(names) == 0 {
		tables := make([]*catalog.Table, 0, len(e.cat.Tables))
		for i := range e.cat.Tables {
			tables = append(tables, &e.cat.Tables[i])
		}
		return tables, nil
	}
	tables := make([]*catalog.Table, 0, len(names))
	for _, name := range names {
		t, ok := e.cat.Table(name)
		if !ok {
			return nil, &api.ValidationError{Field: "tables", Message: fmt.Sprintf("unknown table %q", name)}
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// matchColumnNames handles ModeColumnName: it matches against the
// catalog only and performs zero row scans.
func (e *Engine) matchColumnNames(t *catalog.Table, match func(string) bool, sub api.SearchSubscriber) int {
	found := 0
	for _, col := range t.Columns {
		if match(col.Name) {
			found++
			sub.OnHit(api.SearchHit{
				Table:  t.Name,
				Column: col.Name,
				RowID:  -1,
				Value:  col.Name,
				Type:   "column_name",
				Source: api.SourceDB,
			})
		}
	}
	return found
}

// scanTable runs the combined predicate query for one table and streams
// matching columns. Hits are emitted in row-fetch order; the per-table
// limit counts hits, not rows.
func (e *Engine) scanTable(ctx context.Context, t *catalog.Table, opts api.SearchOptions, hint string, match func(string) bool, sub api.SearchSubscriber) (int, error) {
	p := buildPredicate(t, opts, hint)
	if len(p.checkCols) == 0 {
		return 0, nil // nothing searchable under this mode
	}

	query := "SELECT rowid, * FROM " + catalog.QuoteIdent(t.Name) + p.where
	if opts.Limit > 0 && p.limitInSQL {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := e.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", t.Name, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	vals := make([]any, len(t.Columns)+1)
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	found := 0
	inBatch := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return found, fmt.Errorf("scan %s: %w", t.Name, err)
		}
		rowid, _ := vals[0].(int64)

		for _, ci := range p.checkCols {
			v := vals[ci+1]
			if hit, ok := e.matchValue(t, ci, v, rowid, opts, match); ok {
				found++
				sub.OnHit(hit)
				if opts.Limit > 0 && found >= opts.Limit {
					return found, nil
				}
			}
		}

		inBatch++
		if inBatch >= batchSize {
			inBatch = 0
			if ctx.Err() != nil {
				return found, ctx.Err()
			}
		}
	}
	if err := rows.Err(); err != nil {
		return found, fmt.Errorf("iterate %s: %w", t.Name, err)
	}
	return found, nil
}

// matchValue applies the in-process matcher to one column value.
func (e *Engine) matchValue(t *catalog.Table, ci int, v any, rowid int64, opts api.SearchOptions, match func(string) bool) (api.SearchHit, bool) {
	if opts.Mode == api.ModeBlobHex {
		blob, ok := v.([]byte)
		if !ok {
			return api.SearchHit{}, false
		}
		hx := hex.EncodeToString(blob)
		if !strings.Contains(hx, strings.ToLower(opts.Pattern)) {
			return api.SearchHit{}, false
		}
		return api.SearchHit{
			Table:  t.Name,
			Column: t.Columns[ci].Name,
			RowID:  rowid,
			Value:  fmt.Sprintf("[hex match in %s]", humanize.Bytes(uint64(len(blob)))),
			Type:   "blob_hex",
			Source: api.SourceDB,
		}, true
	}

	s, ok := valueString(v, opts.DeepBlob)
	if !ok || !match(s) {
		return api.SearchHit{}, false
	}
	return api.SearchHit{
		Table:  t.Name,
		Column: t.Columns[ci].Name,
		RowID:  rowid,
		Value:  truncateDisplay(s),
		Type:   storageClass(v),
		Source: api.SourceDB,
	}, true
}
