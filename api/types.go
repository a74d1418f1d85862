// Package api holds the shared vocabulary of the analyzer: search modes,
// result types, frame and record classifications, and the subscriber
// interfaces the engines stream through. Internal packages and the CLI
// both import it; it imports nothing of theirs.
package api

import "fmt"

// SearchMode selects how a pattern is matched against column values.
// It is a closed enum: every engine switch over it handles all values.
type SearchMode int

const (
	ModeCaseInsensitive SearchMode = iota
	ModeCaseSensitive
	ModeExact
	ModeStartsWith
	ModeEndsWith
	ModeRegex
	ModeBlobHex
	ModeColumnName
)

var modeNames = map[SearchMode]string{
	ModeCaseInsensitive: "ci",
	ModeCaseSensitive:   "cs",
	ModeExact:           "exact",
	ModeStartsWith:      "starts",
	ModeEndsWith:        "ends",
	ModeRegex:           "regex",
	ModeBlobHex:         "blob",
	ModeColumnName:      "column",
}

func (m SearchMode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("SearchMode(%d)", int(m))
}

// ParseSearchMode maps a CLI mode string to its SearchMode.
func ParseSearchMode(s string) (SearchMode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown search mode %q", s)}
}

// MatchSource tags where a hit was found: the live database or the WAL.
type MatchSource int

const (
	SourceDB MatchSource = iota
	SourceWAL
)

func (s MatchSource) String() string {
	if s == SourceWAL {
		return "WAL"
	}
	return "DB"
}

// FrameStatus classifies one WAL frame relative to the live database.
// It is derived from the frame index on demand, never stored in it.
type FrameStatus int

const (
	// StatusSaved frames belong to the last committed transaction whose
	// post-commit size matches the live database.
	StatusSaved FrameStatus = iota
	// StatusUnsaved frames belong to a transaction with no commit frame.
	StatusUnsaved
	// StatusOverwritten frames were superseded by a later checkpoint,
	// transaction, or a later frame for the same page.
	StatusOverwritten
)

func (s FrameStatus) String() string {
	switch s {
	case StatusSaved:
		return "Saved"
	case StatusUnsaved:
		return "Unsaved"
	case StatusOverwritten:
		return "Overwritten"
	}
	return fmt.Sprintf("FrameStatus(%d)", int(s))
}

// RecordLabel is the reconciliation verdict for one materialized WAL row.
type RecordLabel int

const (
	// LabelSameAsDB: the live table holds a byte-identical row for the key.
	LabelSameAsDB RecordLabel = iota
	// LabelDifferentFromDB: the key exists live but the values differ.
	LabelDifferentFromDB
	// LabelNotInDB: the key is absent from the live table.
	LabelNotInDB
	// LabelWalOnlyTable: the owning table's schema exists only in the WAL.
	LabelWalOnlyTable
)

func (l RecordLabel) String() string {
	switch l {
	case LabelSameAsDB:
		return "same-as-db"
	case LabelDifferentFromDB:
		return "different-from-db"
	case LabelNotInDB:
		return "not-in-db"
	case LabelWalOnlyTable:
		return "★ wal-only-table"
	}
	return fmt.Sprintf("RecordLabel(%d)", int(l))
}

// SearchHit is one matched (row, column) pair. Immutable once emitted.
type SearchHit struct {
	Table  string
	Column string
	// RowID is the SQLite rowid, or -1 for hits with no row identity
	// (column-name matches).
	RowID int64
	// Value is a display form of the matched value, truncated for long text.
	Value string
	// Type is the detected storage class: INTEGER, REAL, TEXT, BLOB, NULL,
	// or "column_name" for ModeColumnName hits.
	Type   string
	Source MatchSource

	// WAL provenance; zero values for SourceDB hits.
	FrameIndex int
	PageNumber uint32
	Status     FrameStatus
}

// SearchOptions parameterizes one search invocation.
type SearchOptions struct {
	Pattern string
	Mode    SearchMode
	// Tables restricts the scan; nil or empty means every catalog table.
	Tables []string
	// Limit caps hits per table: 100, 500, 1000, 5000, or 0 for unbounded.
	Limit int
	// DeepBlob includes BLOB-typed columns in non-blob modes and enables
	// hex matching inside blob payloads.
	DeepBlob bool
}

// SearchSubscriber receives a search's results in order: hits are
// delivered in table order and, within a table, in row-fetch order.
// All callbacks run on the engine's worker goroutine, one at a time.
type SearchSubscriber interface {
	OnHit(SearchHit)
	// OnTableDone fires after each table's scan, with the hit count found.
	OnTableDone(table string, found int)
	OnComplete()
	OnCancelled()
	// OnError reports a skipped table; the scan continues with the next.
	OnError(table string, err error)
}

// ReconciledRecord is one WAL-materialized row diffed against the live DB.
type ReconciledRecord struct {
	Table   string
	RowID   int64
	Columns []string
	// Values holds decoded column values: int64, float64, string, []byte,
	// or nil. The rowid-alias column is substituted with RowID.
	Values []any
	Label  RecordLabel
	Status FrameStatus
	// Group is the index of the owning transaction group in the frame index.
	Group      int
	FrameIndex int
	PageNumber uint32
}

// WalOnlyTable describes a table whose schema exists only inside WAL
// frames that SQLite itself will never replay.
type WalOnlyTable struct {
	Name      string
	CreateSQL string
}

// TableSummary counts reconciled records per frame status for one table.
type TableSummary struct {
	Saved       int
	Unsaved     int
	Overwritten int
}

// RecoverSubscriber receives reconciliation output. Same delivery
// discipline as SearchSubscriber.
type RecoverSubscriber interface {
	OnRecord(ReconciledRecord)
	OnWalOnlyTable(WalOnlyTable)
	OnTableSummary(table string, sum TableSummary)
	OnComplete()
	OnCancelled()
	OnError(table string, err error)
}

// ValidationError rejects an operation before any work starts:
// a bad regex pattern, an unknown mode, an invalid table scope.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
