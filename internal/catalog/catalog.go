// Package catalog introspects the live database: tables, columns,
// declared types, row counts, indexes, and database-level metadata.
// The catalog is read once per session and treated as immutable; both
// the search engine and the WAL reconciliation engine iterate its
// table list without ever re-querying the schema.
package catalog

import (
	"database/sql"
	"fmt"
	"strings"
)

// Column is one column of a table, in declaration order.
type Column struct {
	Name     string
	DeclType string
	NotNull  bool
	// IsRowidAlias marks an INTEGER PRIMARY KEY column. SQLite stores
	// NULL in the record payload for such columns and keeps the value
	// in the rowid; WAL materialization must substitute it back.
	IsRowidAlias bool
	// IsBlob marks a declared BLOB column, excluded from search
	// predicates unless deep-blob mode is on.
	IsBlob bool
}

// Index is one index on a table.
type Index struct {
	Name    string
	Unique  bool
	Columns []string
}

// ForeignKey is one outgoing foreign key constraint.
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

// Table describes one user table. Immutable once loaded.
type Table struct {
	Name      string
	Columns   []Column
	RowCount  int64
	CreateSQL string
	// RootPage anchors the page→table map for WAL reconciliation.
	RootPage    uint32
	Indexes     []Index
	ForeignKeys []ForeignKey
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// RowidAliasIndex returns the position of the INTEGER PRIMARY KEY
// column, or -1 when the table has none.
func (t *Table) RowidAliasIndex() int {
	for i, c := range t.Columns {
		if c.IsRowidAlias {
			return i
		}
	}
	return -1
}

// Object is one sqlite_master row with a root page: table, index, view,
// or trigger. The page mapper needs all of them, because index pages
// must resolve to their owning table.
type Object struct {
	Type     string
	Name     string
	TblName  string
	RootPage uint32
}

// Catalog is the immutable schema snapshot for one session.
type Catalog struct {
	Tables  []Table
	Objects []Object

	byName map[string]*Table
}

// Table looks a table up by name.
func (c *Catalog) Table(name string) (*Table, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// TableNames returns the table names in catalog (sqlite_master name)
// order, which is the order the search engine scans in.
func (c *Catalog) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i := range c.Tables {
		names[i] = c.Tables[i].Name
	}
	return names
}

// Load reads the full schema through the given live connection.
// Row counts are computed here, once, so later scans never pay for them.
func Load(db *sql.DB) (*Catalog, error) {
	cat := &Catalog{byName: make(map[string]*Table)}

	rows, err := db.Query(
		"SELECT type, name, tbl_name, rootpage FROM sqlite_master WHERE rootpage > 0 ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("read sqlite_master: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var o Object
		if err := rows.Scan(&o.Type, &o.Name, &o.TblName, &o.RootPage); err != nil {
			return nil, fmt.Errorf("scan sqlite_master row: %w", err)
		}
		cat.Objects = append(cat.Objects, o)
		if o.Type == "table" && !strings.HasPrefix(o.Name, "sqlite_") {
			cat.Tables = append(cat.Tables, Table{Name: o.Name, RootPage: o.RootPage})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sqlite_master: %w", err)
	}

	for i := range cat.Tables {
		t := &cat.Tables[i]
		if err := loadColumns(db, t); err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		if err := loadIndexes(db, t); err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		if err := loadForeignKeys(db, t); err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		if err := db.QueryRow("SELECT sql FROM sqlite_master WHERE name = ?", t.Name).
			Scan(&t.CreateSQL); err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("create sql for %s: %w", t.Name, err)
		}
		// COUNT(*) on a corrupt or locked table must not sink the whole
		// catalog; the table stays listed with an unknown count.
		if err := db.QueryRow("SELECT COUNT(*) FROM " + QuoteIdent(t.Name)).
			Scan(&t.RowCount); err != nil {
			t.RowCount = -1
		}
		cat.byName[t.Name] = t
	}
	return cat, nil
}

func loadColumns(db *sql.DB, t *Table) error {
	rows, err := db.Query("PRAGMA table_info(" + QuoteIdent(t.Name) + ")")
	if err != nil {
		return fmt.Errorf("table_info: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var (
			cid, notNull, pk int
			name, declType   string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan table_info: %w", err)
		}
		upper := strings.ToUpper(declType)
		t.Columns = append(t.Columns, Column{
			Name:         name,
			DeclType:     declType,
			NotNull:      notNull != 0,
			IsRowidAlias: pk == 1 && upper == "INTEGER",
			IsBlob:       strings.Contains(upper, "BLOB"),
		})
	}
	return rows.Err()
}

func loadIndexes(db *sql.DB, t *Table) error {
	rows, err := db.Query("PRAGMA index_list(" + QuoteIdent(t.Name) + ")")
	if err != nil {
		return fmt.Errorf("index_list: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	type idxRow struct {
		name   string
		unique bool
	}
	var idxs []idxRow
	for rows.Next() {
		var (
			seq, unique, partial int
			name, origin         string
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return fmt.Errorf("scan index_list: %w", err)
		}
		idxs = append(idxs, idxRow{name: name, unique: unique != 0})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ix := range idxs {
		cols, err := indexColumns(db, ix.name)
		if err != nil {
			return err
		}
		t.Indexes = append(t.Indexes, Index{Name: ix.name, Unique: ix.unique, Columns: cols})
	}
	return nil
}

func loadForeignKeys(db *sql.DB, t *Table) error {
	rows, err := db.Query("PRAGMA foreign_key_list(" + QuoteIdent(t.Name) + ")")
	if err != nil {
		return fmt.Errorf("foreign_key_list: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var (
			id, seq                  int
			refTable, from           string
			to                       sql.NullString
			onUpdate, onDelete, mode string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &mode); err != nil {
			return fmt.Errorf("scan foreign_key_list: %w", err)
		}
		t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
			Column:    from,
			RefTable:  refTable,
			RefColumn: to.String,
		})
	}
	return rows.Err()
}

func indexColumns(db *sql.DB, index string) ([]string, error) {
	rows, err := db.Query("PRAGMA index_info(" + QuoteIdent(index) + ")")
	if err != nil {
		return nil, fmt.Errorf("index_info %s: %w", index, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var cols []string
	for rows.Next() {
		var (
			seqno, cid int
			name       sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("scan index_info: %w", err)
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

// Meta reads database-level pragmas for the info surface.
func Meta(db *sql.DB) map[string]string {
	info := make(map[string]string)
	for _, prag := range []string{
		"page_size", "page_count", "journal_mode", "encoding",
		"auto_vacuum", "user_version", "freelist_count",
	} {
		var v string
		if err := db.QueryRow("PRAGMA " + prag).Scan(&v); err == nil {
			info[prag] = v
		}
	}
	return info
}

// PageCount reports the live database size in pages, the value Saved
// classification compares commit frames against.
func PageCount(db *sql.DB) (uint32, error) {
	var n uint32
	if err := db.QueryRow("PRAGMA page_count").Scan(&n); err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}
	return n, nil
}

// Integrity runs a bounded integrity check and returns its verdict.
func Integrity(db *sql.DB) string {
	var v string
	if err := db.QueryRow("PRAGMA quick_check(1)").Scan(&v); err != nil {
		return err.Error()
	}
	return v
}

// QuoteIdent quotes a SQL identifier so hostile table or column names
// cannot break out of a statement.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// EscapeLike escapes LIKE wildcards in a user term; the engine pairs it
// with ESCAPE '\'.
func EscapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
