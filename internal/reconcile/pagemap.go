package reconcile

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dfir-tools/walscope/internal/catalog"
	"github.com/dfir-tools/walscope/internal/wal"
)

// PageMap resolves WAL page numbers to the tables that own them, so
// recovered rows carry real table and column names instead of "page 42".
//
// Three sources feed it, in order:
//  1. live sqlite_master root pages plus a b-tree walk of the main file;
//  2. WAL copies of sqlite_master pages, which reveal tables created
//     inside WAL transactions the live schema has never seen;
//  3. WAL interior pages, whose child pointers map pages SQLite
//     allocated for existing tables inside the WAL itself.
type PageMap struct {
	tables map[uint32]string
	cols   map[string][]string
	pkIdx  map[string]int
	// walOnly: table name → CREATE statement, for tables whose schema
	// exists only inside WAL frames.
	walOnly map[string]string
}

// Table returns the owning table for a page, or a placeholder name.
func (pm *PageMap) Table(page uint32) string {
	if name, ok := pm.tables[page]; ok {
		return name
	}
	return fmt.Sprintf("page_%d", page)
}

// Known reports whether the page resolved to a real table.
func (pm *PageMap) Known(page uint32) bool {
	_, ok := pm.tables[page]
	return ok
}

// PlaceholderPage parses a page_N placeholder back to its page number.
// Pages the map did resolve do not count: the placeholder name only
// exists where no real table name does.
func (pm *PageMap) PlaceholderPage(name string) (uint32, bool) {
	rest, ok := strings.CutPrefix(name, "page_")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	if _, mapped := pm.tables[uint32(n)]; mapped {
		return 0, false
	}
	return uint32(n), true
}

// Columns returns the column names for a table, from the live catalog
// or from a WAL-resident CREATE statement.
func (pm *PageMap) Columns(table string) []string { return pm.cols[table] }

// RowidAliasIndex returns the INTEGER PRIMARY KEY column position for a
// table, or -1.
func (pm *PageMap) RowidAliasIndex(table string) int {
	if i, ok := pm.pkIdx[table]; ok {
		return i
	}
	return -1
}

// WalOnlyTables returns the tables visible only to the WAL parser,
// sorted is the caller's concern.
func (pm *PageMap) WalOnlyTables() map[string]string { return pm.walOnly }

// IsWalOnly reports whether a table's schema exists only in the WAL.
func (pm *PageMap) IsWalOnly(table string) bool {
	_, ok := pm.walOnly[table]
	return ok
}

const maxBtreeDepth = 20

// BuildPageMap derives the page→table map for one session. Mapping is
// best effort throughout: every failure shrinks the map rather than
// failing the build, because a partial map still names most pages.
func BuildPageMap(cat *catalog.Catalog, dbPath string, ix *wal.Index, log *zap.SugaredLogger) *PageMap {
	pm := &PageMap{
		tables:  make(map[uint32]string),
		cols:    make(map[string][]string),
		pkIdx:   make(map[string]int),
		walOnly: make(map[string]string),
	}

	// Live schema roots. Index/view/trigger roots map to the owning
	// table so their child pages inherit usable names.
	roots := make(map[uint32]string)
	for _, o := range cat.Objects {
		owner := o.Name
		if o.Type != "table" {
			if o.TblName != "" {
				owner = o.TblName
			}
		}
		roots[o.RootPage] = owner
		pm.tables[o.RootPage] = owner
	}
	for i := range cat.Tables {
		t := &cat.Tables[i]
		pm.cols[t.Name] = t.ColumnNames()
		if idx := t.RowidAliasIndex(); idx >= 0 {
			pm.pkIdx[t.Name] = idx
		}
	}

	// Page 1 is always the sqlite_master root; include it in the walk so
	// schema overflow pages map too.
	pm.tables[1] = "sqlite_master"
	pm.cols["sqlite_master"] = []string{"type", "name", "tbl_name", "rootpage", "sql"}
	roots[1] = "sqlite_master"

	pm.walkMainFile(dbPath, ix.Header.PageSize, roots, log)
	pm.scanWalMaster(ix, cat, log)
	pm.mapWalInteriorChildren(ix)
	return pm
}

// walkMainFile reads the main database file directly and follows
// interior-page child pointers from every root.
func (pm *PageMap) walkMainFile(dbPath string, pageSize uint32, roots map[uint32]string, log *zap.SugaredLogger) {
	if pageSize == 0 {
		return
	}
	f, err := os.Open(dbPath)
	if err != nil {
		log.Debugw("page map: main file walk skipped", "error", err)
		return
	}
	defer func() { _ = f.Close() }() // safe to ignore

	st, err := f.Stat()
	if err != nil {
		return
	}
	maxPages := uint32(st.Size() / int64(pageSize))
	page := make([]byte, pageSize)
	visited := make(map[uint32]bool)

	var walk func(pageNum uint32, table string, depth int)
	walk = func(pageNum uint32, table string, depth int) {
		if depth > maxBtreeDepth || pageNum < 1 || pageNum > maxPages || visited[pageNum] {
			return
		}
		visited[pageNum] = true
		pm.tables[pageNum] = table

		if _, err := f.ReadAt(page, int64(pageNum-1)*int64(pageSize)); err != nil {
			return
		}
		info, err := wal.ParsePage(page, pageNum)
		if err != nil || info.IsLeaf() {
			return
		}
		children, err := wal.InteriorChildren(page, pageNum)
		if err != nil {
			return
		}
		for _, child := range children {
			pm.tables[child] = table
			walk(child, table, depth+1)
		}
	}

	for root, table := range roots {
		walk(root, table, 0)
	}
}

// scanWalMaster parses WAL copies of sqlite_master pages to discover
// tables created inside WAL transactions. Those never appear in the
// live schema, so this is the only way their pages get names.
func (pm *PageMap) scanWalMaster(ix *wal.Index, cat *catalog.Catalog, log *zap.SugaredLogger) {
	// Latest frame per page, for walking b-trees that live in the WAL.
	latest := make(map[uint32]int)
	for i := range ix.Frames {
		latest[ix.Frames[i].PageNumber] = i
	}

	var masterCells []wal.Cell
	for i := range ix.Frames {
		f := &ix.Frames[i]
		if f.PageNumber != 1 {
			continue
		}
		page, err := ix.Page(f.Index)
		if err != nil {
			continue
		}
		switch f.PageType {
		case wal.PageTableLeaf:
			cells, _, err := wal.ParseTableLeaf(page, 1)
			if err == nil {
				masterCells = append(masterCells, cells...)
			}
		case wal.PageTableInterior:
			// Large schemas: sqlite_master spans child pages. Map them
			// and pull cells from any child copies present in the WAL.
			children, err := wal.InteriorChildren(page, 1)
			if err != nil {
				continue
			}
			for _, child := range children {
				pm.tables[child] = "sqlite_master"
				ci, ok := latest[child]
				if !ok || ix.Frames[ci].PageType != wal.PageTableLeaf {
					continue
				}
				cp, err := ix.Page(ci)
				if err != nil {
					continue
				}
				cells, _, err := wal.ParseTableLeaf(cp, child)
				if err == nil {
					masterCells = append(masterCells, cells...)
				}
			}
		}
	}

	for _, cell := range masterCells {
		if len(cell.Values) < 5 {
			continue
		}
		objType, _ := cell.Values[0].(string)
		name, _ := cell.Values[1].(string)
		tblName, _ := cell.Values[2].(string)
		rootPage, _ := cell.Values[3].(int64)
		createSQL, _ := cell.Values[4].(string)
		if name == "" || rootPage <= 0 {
			continue
		}
		rp := uint32(rootPage)

		if objType != "table" {
			owner := tblName
			if owner == "" {
				owner = name
			}
			pm.tables[rp] = owner
			continue
		}

		pm.tables[rp] = name
		if _, live := cat.Table(name); !live && !strings.HasPrefix(name, "sqlite_") {
			pm.walOnly[name] = createSQL
			log.Debugw("page map: wal-only table", "table", name, "rootpage", rp)
		}
		if _, ok := pm.cols[name]; !ok && createSQL != "" {
			if cols := parseCreateColumns(createSQL); len(cols) > 0 {
				pm.cols[name] = cols
			}
			if pkIdx := detectRowidAlias(createSQL); pkIdx >= 0 {
				pm.pkIdx[name] = pkIdx
			}
		}
		pm.walkWalBtree(ix, latest, rp, name, 0)
	}
}

// walkWalBtree follows interior pages that exist only in the WAL, for
// tables whose whole b-tree was built inside an uncheckpointed
// transaction.
func (pm *PageMap) walkWalBtree(ix *wal.Index, latest map[uint32]int, pageNum uint32, table string, depth int) {
	if depth > maxBtreeDepth {
		return
	}
	fi, ok := latest[pageNum]
	if !ok {
		return
	}
	f := &ix.Frames[fi]
	if f.PageType != wal.PageTableInterior && f.PageType != wal.PageIndexInterior {
		return
	}
	page, err := ix.Page(fi)
	if err != nil {
		return
	}
	children, err := wal.InteriorChildren(page, pageNum)
	if err != nil {
		return
	}
	for _, child := range children {
		if _, mapped := pm.tables[child]; mapped {
			continue
		}
		pm.tables[child] = table
		pm.walkWalBtree(ix, latest, child, table, depth+1)
	}
}

// mapWalInteriorChildren maps child pointers of WAL interior pages that
// already belong to a known table: page splits inside WAL transactions
// allocate fresh pages the main file walk never saw.
func (pm *PageMap) mapWalInteriorChildren(ix *wal.Index) {
	for i := range ix.Frames {
		f := &ix.Frames[i]
		if f.PageType != wal.PageTableInterior && f.PageType != wal.PageIndexInterior {
			continue
		}
		table, ok := pm.tables[f.PageNumber]
		if !ok {
			continue
		}
		page, err := ix.Page(f.Index)
		if err != nil {
			continue
		}
		children, err := wal.InteriorChildren(page, f.PageNumber)
		if err != nil {
			continue
		}
		for _, child := range children {
			if _, mapped := pm.tables[child]; !mapped {
				pm.tables[child] = table
			}
		}
	}
}

var createTableRe = regexp.MustCompile(`(?is)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?\S+\s*\((.+)\)`)

// parseCreateColumns extracts column names from a CREATE TABLE
// statement recovered out of a WAL sqlite_master page. Only needed for
// tables absent from the live schema, where PRAGMA table_info cannot run.
func parseCreateColumns(createSQL string) []string {
	defs := splitColumnDefs(createSQL)
	var names []string
	for _, def := range defs {
		fields := strings.Fields(def)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "PRIMARY", "FOREIGN", "UNIQUE", "CHECK", "CONSTRAINT":
			continue // table-level constraint, not a column
		}
		names = append(names, strings.Trim(fields[0], "\"'`[]"))
	}
	return names
}

// detectRowidAlias returns the column index declared INTEGER PRIMARY
// KEY, or -1. Such columns store NULL in the record and live in the
// rowid instead.
func detectRowidAlias(createSQL string) int {
	defs := splitColumnDefs(createSQL)
	idx := 0
	for _, def := range defs {
		fields := strings.Fields(def)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "PRIMARY", "FOREIGN", "UNIQUE", "CHECK", "CONSTRAINT":
			continue
		}
		upper := strings.ToUpper(def)
		if strings.Contains(upper, "INTEGER") && strings.Contains(upper, "PRIMARY") && strings.Contains(upper, "KEY") {
			return idx
		}
		idx++
	}
	return -1
}

// splitColumnDefs splits the parenthesized body of a CREATE TABLE on
// top-level commas, respecting nested parens in DEFAULT/CHECK clauses.
func splitColumnDefs(createSQL string) []string {
	m := createTableRe.FindStringSubmatch(createSQL)
	if m == nil {
		return nil
	}
	var (
		defs    []string
		depth   int
		current strings.Builder
	)
	for _, ch := range m[1] {
		switch {
		case ch == '(':
			depth++
			current.WriteRune(ch)
		case ch == ')':
			depth--
			current.WriteRune(ch)
		case ch == ',' && depth == 0:
			if s := strings.TrimSpace(current.String()); s != "" {
				defs = append(defs, s)
			}
			current.Reset()
		default:
			current.WriteRune(ch)
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		defs = append(defs, s)
	}
	return defs
}
