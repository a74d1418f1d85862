package reconcile

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/dfir-tools/walscope/api"
	"github.com/dfir-tools/walscope/internal/catalog"
	"github.com/dfir-tools/walscope/internal/wal"
)

// Engine materializes rows out of WAL table-leaf pages, classifies
// their frames, and diffs each row against the live database.
//
// The engine only reads: the frame index and page map are shared
// immutable state, and the live connection runs point lookups. Run it
// on a worker goroutine; output goes through the subscriber in table
// order, rows sorted by rowid within a table.
type Engine struct {
	ix        *wal.Index
	cat       *catalog.Catalog
	pm        *PageMap
	db        *sql.DB
	livePages uint32
	log       *zap.SugaredLogger
}

// NewEngine wires the reconciliation engine. livePages is the page
// count the live connection reported at session open; Saved
// classification compares commit frames against it.
func NewEngine(ix *wal.Index, cat *catalog.Catalog, pm *PageMap, db *sql.DB, livePages uint32, log *zap.SugaredLogger) *Engine {
	return &Engine{ix: ix, cat: cat, pm: pm, db: db, livePages: livePages, log: log}
}

// Classify recomputes frame classification from the frame index.
func (e *Engine) Classify() *Classification {
	return Classify(e.ix, e.livePages)
}

// UnparsedFrame is a frame whose checksum held but whose page would not
// decode as the table leaf its type byte claims.
type UnparsedFrame struct {
	FrameIndex int
	PageNumber uint32
	Reason     string
}

func (u UnparsedFrame) String() string {
	return fmt.Sprintf("frame %d (page %d): %s", u.FrameIndex, u.PageNumber, u.Reason)
}

// record is one materialized row before emission.
type record struct {
	rec api.ReconciledRecord
}

// Recover materializes every WAL row for the requested tables, diffs
// them against the live database, and streams the results. A nil or
// empty tables slice means every table the WAL touches: live, WAL-only,
// and unmapped pages, the last emitted under page_N placeholder names
// after the named tables. A page_N name is also a valid explicit scope.
// Frame-level decode failures are reported per frame through OnError
// and never abort the rest.
func (e *Engine) Recover(ctx context.Context, tables []string, sub api.RecoverSubscriber) error {
	cls := e.Classify()
	byTable, unparsed := e.materialize(cls)

	scope, err := e.resolveScope(tables, byTable)
	if err != nil {
		return err
	}

	for _, u := range unparsed {
		sub.OnError(e.pm.Table(u.PageNumber), fmt.Errorf("unparsed %s", u))
	}

	for _, table := range scope {
		if ctx.Err() != nil {
			sub.OnCancelled()
			return nil
		}
		if e.pm.IsWalOnly(table) {
			sub.OnWalOnlyTable(api.WalOnlyTable{Name: table, CreateSQL: e.pm.WalOnlyTables()[table]})
		}

		recs := byTable[table]
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].rec.RowID < recs[j].rec.RowID })

		var sum api.TableSummary
		for i := range recs {
			if ctx.Err() != nil {
				sub.OnCancelled()
				return nil
			}
			r := &recs[i].rec
			e.label(r)
			switch r.Status {
			case api.StatusSaved:
				sum.Saved++
			case api.StatusUnsaved:
				sum.Unsaved++
			case api.StatusOverwritten:
				sum.Overwritten++
			}
			sub.OnRecord(*r)
		}
		sub.OnTableSummary(table, sum)
	}
	sub.OnComplete()
	return nil
}

// resolveScope validates the requested tables and expands an empty
// scope to every table the WAL or catalog knows, plus page_N
// placeholders for unmapped pages that materialized rows. Dropped and
// checkpointed tables come back exactly this way and must not be
// silently skipped.
func (e *Engine) resolveScope(tables []string, byTable map[string][]record) ([]string, error) {
	if len(tables) > 0 {
		for _, t := range tables {
			if _, live := e.cat.Table(t); !live && !e.pm.IsWalOnly(t) && !e.KnowsPlaceholder(t) {
				return nil, &api.ValidationError{Field: "tables", Message: fmt.Sprintf("unknown table %q", t)}
			}
		}
		return tables, nil
	}

	scope := e.cat.TableNames()
	var extra []string
	for name := range e.pm.WalOnlyTables() {
		extra = append(extra, name)
	}
	sort.Strings(extra)
	scope = append(scope, extra...)

	var placeholders []string
	for name := range byTable {
		if _, ok := e.pm.PlaceholderPage(name); ok {
			placeholders = append(placeholders, name)
		}
	}
	sort.Slice(placeholders, func(i, j int) bool {
		pi, _ := e.pm.PlaceholderPage(placeholders[i])
		pj, _ := e.pm.PlaceholderPage(placeholders[j])
		return pi < pj
	})
	return append(scope, placeholders...), nil
}

// KnowsPlaceholder reports whether name is a page_N placeholder for a
// page the WAL carries but the page map could not resolve.
func (e *Engine) KnowsPlaceholder(name string) bool {
	page, ok := e.pm.PlaceholderPage(name)
	if !ok {
		return false
	}
	for i := range e.ix.Frames {
		if e.ix.Frames[i].PageNumber == page {
			return true
		}
	}
	return false
}

// materialize walks every classified table-leaf frame once and decodes
// its cells into per-table record slices.
func (e *Engine) materialize(cls *Classification) (map[string][]record, []UnparsedFrame) {
	byTable := make(map[string][]record)
	var unparsed []UnparsedFrame

	for i := range e.ix.Frames {
		f := &e.ix.Frames[i]
		status, ok := cls.Status(f.Index)
		if !ok || f.PageType != wal.PageTableLeaf {
			continue
		}
		// Schema pages are metadata, not user rows.
		if f.PageNumber == 1 {
			continue
		}
		table := e.pm.Table(f.PageNumber)
		if table == "sqlite_master" || table == "sqlite_sequence" {
			continue
		}

		page, err := e.ix.Page(f.Index)
		if err != nil {
			unparsed = append(unparsed, UnparsedFrame{FrameIndex: f.Index, PageNumber: f.PageNumber, Reason: err.Error()})
			continue
		}
		cells, skipped, err := wal.ParseTableLeaf(page, f.PageNumber)
		if err != nil {
			unparsed = append(unparsed, UnparsedFrame{FrameIndex: f.Index, PageNumber: f.PageNumber, Reason: err.Error()})
			continue
		}
		if skipped > 0 {
			e.log.Debugw("skipped corrupt cells", "frame", f.Index, "page", f.PageNumber, "cells", skipped)
		}
		if isMasterLeaf(cells) {
			// A schema page the map had no name for; its cells are
			// CREATE statements, not user data.
			continue
		}

		cols := e.pm.Columns(table)
		pkIdx := e.pm.RowidAliasIndex(table)
		for _, cell := range cells {
			byTable[table] = append(byTable[table], record{rec: api.ReconciledRecord{
				Table:      table,
				RowID:      cell.RowID,
				Columns:    columnNamesFor(cols, len(cell.Values)),
				Values:     substituteRowid(cell.Values, pkIdx, cell.RowID),
				Status:     status,
				Group:      cls.FrameGroup[f.Index],
				FrameIndex: f.Index,
				PageNumber: f.PageNumber,
			}})
		}
	}
	return byTable, unparsed
}

// label assigns the reconciliation verdict by looking the row up live.
func (e *Engine) label(r *api.ReconciledRecord) {
	if e.pm.IsWalOnly(r.Table) {
		r.Label = api.LabelWalOnlyTable
		return
	}
	t, ok := e.cat.Table(r.Table)
	if !ok {
		// Unmapped page or table invisible to the live connection.
		r.Label = api.LabelNotInDB
		return
	}

	live, err := e.liveRow(t, r.RowID)
	if err != nil {
		if err == sql.ErrNoRows {
			r.Label = api.LabelNotInDB
			return
		}
		e.log.Debugw("live lookup failed", "table", r.Table, "rowid", r.RowID, "error", err)
		r.Label = api.LabelNotInDB
		return
	}
	if valuesEqual(r.Values, live) {
		r.Label = api.LabelSameAsDB
	} else {
		r.Label = api.LabelDifferentFromDB
	}
}

// liveRow fetches one row by rowid from the live connection.
func (e *Engine) liveRow(t *catalog.Table, rowid int64) ([]any, error) {
	query := "SELECT * FROM " + catalog.QuoteIdent(t.Name) + " WHERE rowid = ?"
	rows, err := e.db.Query(query, rowid)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}
	vals := make([]any, len(t.Columns))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

// valuesEqual compares a materialized row against a live one. Rows
// written before an ALTER TABLE ADD COLUMN legitimately store fewer
// values; missing positions compare as NULL.
func valuesEqual(a, b []any) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv any
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if !valueEqual(av, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.([]byte); ok {
		bb, ok2 := b.([]byte)
		return ok2 && bytes.Equal(ab, bb)
	}
	return a == b
}

// substituteRowid puts the rowid back into the INTEGER PRIMARY KEY slot
// where the record payload stores NULL.
func substituteRowid(values []any, pkIdx int, rowid int64) []any {
	if pkIdx >= 0 && pkIdx < len(values) && values[pkIdx] == nil {
		values[pkIdx] = rowid
	}
	return values
}

// columnNamesFor returns the known column names, generating colN
// placeholders when the schema is unknown or the record is wider.
func columnNamesFor(cols []string, n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		if i < len(cols) {
			out[i] = cols[i]
		} else {
			out[i] = fmt.Sprintf("col%d", i)
		}
	}
	return out
}

// isMasterLeaf recognizes an unmapped sqlite_master page by shape: five
// columns where the first is an object type and the fifth starts with
// CREATE.
func isMasterLeaf(cells []wal.Cell) bool {
	if len(cells) == 0 {
		return false
	}
	v := cells[0].Values
	if len(v) < 5 {
		return false
	}
	objType, ok := v[0].(string)
	if !ok {
		return false
	}
	switch objType {
	case "table", "index", "view", "trigger":
	default:
		return false
	}
	createSQL, ok := v[4].(string)
	return ok && strings.HasPrefix(strings.ToUpper(strings.TrimSpace(createSQL)), "CREATE")
}

// SearchWAL scans materialized WAL rows with the caller's matcher and
// streams hits the same way the live search engine does. The limit is
// global across tables, matching how recovered data is usually triaged:
// a handful of confirming hits, not an exhaustive listing.
func (e *Engine) SearchWAL(ctx context.Context, opts api.SearchOptions, match func(string) bool, sub api.SearchSubscriber) error {
	scope := make(map[string]bool, len(opts.Tables))
	for _, t := range opts.Tables {
		scope[t] = true
	}

	cls := e.Classify()
	found := 0

	for i := range e.ix.Frames {
		if ctx.Err() != nil {
			sub.OnCancelled()
			return nil
		}
		f := &e.ix.Frames[i]
		status, ok := cls.Status(f.Index)
		if !ok || f.PageType != wal.PageTableLeaf || f.PageNumber == 1 {
			continue
		}
		table := e.pm.Table(f.PageNumber)
		if table == "sqlite_master" || table == "sqlite_sequence" {
			continue
		}
		if len(scope) > 0 && !scope[table] {
			continue
		}

		page, err := e.ix.Page(f.Index)
		if err != nil {
			continue
		}
		cells, _, err := wal.ParseTableLeaf(page, f.PageNumber)
		if err != nil || isMasterLeaf(cells) {
			continue
		}

		cols := e.pm.Columns(table)
		pkIdx := e.pm.RowidAliasIndex(table)
		for _, cell := range cells {
			for ci, v := range cell.Values {
				if ci == pkIdx && v == nil {
					v = cell.RowID
				}
				hit, ok := matchWalValue(v, opts, match)
				if !ok {
					continue
				}
				hit.Table = table
				hit.Column = columnNameAt(cols, ci)
				hit.RowID = cell.RowID
				hit.Source = api.SourceWAL
				hit.FrameIndex = f.Index
				hit.PageNumber = f.PageNumber
				hit.Status = status
				found++
				sub.OnHit(hit)
				if opts.Limit > 0 && found >= opts.Limit {
					sub.OnComplete()
					return nil
				}
			}
		}
	}
	sub.OnComplete()
	return nil
}

// TableStats counts records per table split by frame status, using the
// page header cell counts so no cell decoding is paid.
func (e *Engine) TableStats() map[string]api.TableSummary {
	cls := e.Classify()
	stats := make(map[string]api.TableSummary)

	for i := range e.ix.Frames {
		f := &e.ix.Frames[i]
		status, ok := cls.Status(f.Index)
		if !ok || f.PageType != wal.PageTableLeaf || f.PageNumber == 1 {
			continue
		}
		if !e.pm.Known(f.PageNumber) {
			continue
		}
		table := e.pm.Table(f.PageNumber)
		if table == "sqlite_master" || table == "sqlite_sequence" {
			continue
		}
		page, err := e.ix.Page(f.Index)
		if err != nil {
			continue
		}
		info, err := wal.ParsePage(page, f.PageNumber)
		if err != nil {
			continue
		}
		sum := stats[table]
		switch status {
		case api.StatusSaved:
			sum.Saved += info.CellCount
		case api.StatusUnsaved:
			sum.Unsaved += info.CellCount
		case api.StatusOverwritten:
			sum.Overwritten += info.CellCount
		}
		stats[table] = sum
	}
	return stats
}

// matchWalValue applies the search mode to one decoded cell value,
// mirroring how the live engine treats blobs: hex mode matches only
// blob bytes, every other mode sees blobs only under deep-blob.
func matchWalValue(v any, opts api.SearchOptions, match func(string) bool) (api.SearchHit, bool) {
	if opts.Mode == api.ModeBlobHex {
		blob, ok := v.([]byte)
		if !ok {
			return api.SearchHit{}, false
		}
		if !strings.Contains(hex.EncodeToString(blob), strings.ToLower(opts.Pattern)) {
			return api.SearchHit{}, false
		}
		return api.SearchHit{
			Value: fmt.Sprintf("[hex match in %s]", humanize.Bytes(uint64(len(blob)))),
			Type:  "blob_hex",
		}, true
	}

	var s string
	switch x := v.(type) {
	case nil:
		return api.SearchHit{}, false
	case []byte:
		if !opts.DeepBlob {
			return api.SearchHit{}, false
		}
		s = string(x)
	case string:
		s = x
	default:
		s = fmt.Sprintf("%v", x)
	}
	if !match(s) {
		return api.SearchHit{}, false
	}
	return api.SearchHit{Value: truncateDisplay(s), Type: storageClass(v)}, true
}

func columnNameAt(cols []string, i int) string {
	if i < len(cols) {
		return cols[i]
	}
	return fmt.Sprintf("col%d", i)
}

const displayLimit = 220

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
