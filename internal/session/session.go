// Package session owns the lifecycle of one opened database: the two
// live connections, the WAL backup and index, the schema catalog, and
// the engines built over them. Nothing here is global — every worker
// receives the session by reference and reads only its immutable parts.
package session

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dfir-tools/walscope/api"
	"github.com/dfir-tools/walscope/internal/catalog"
	"github.com/dfir-tools/walscope/internal/reconcile"
	"github.com/dfir-tools/walscope/internal/search"
	"github.com/dfir-tools/walscope/internal/wal"
)

// Open failure classification, matched with errors.Is.
var (
	ErrNotSQLite        = errors.New("not a SQLite database file")
	ErrLocked           = errors.New("database is locked")
	ErrPermissionDenied = errors.New("permission denied")
)

// sqliteMagic is the 16-byte main database file header prefix.
var sqliteMagic = []byte("SQLite format 3\x00")

// Session is the explicit, init/teardown lifecycle object for one
// opened database. All fields are fixed at Open and immutable afterwards:
// a schema change outside this tool (impossible through it — both
// connections are read-only) would require a fresh session anyway.
type Session struct {
	Path string
	// Catalog is the immutable schema snapshot.
	Catalog *catalog.Catalog
	// Wal is nil when the database has no usable WAL file.
	Wal *wal.Index
	// WalBackupPath is where the WAL was preserved before any connection
	// opened the original; empty when there was no WAL.
	WalBackupPath string
	// WalOriginalSize is the WAL's size at the moment of backup. SQLite
	// may truncate the original during the session; the backup keeps it.
	WalOriginalSize int64

	db       *sql.DB // main read-only connection
	searchDB *sql.DB // dedicated search connection, never shared with WAL work
	pageMap  *reconcile.PageMap
	searcher *search.Engine
	recon    *reconcile.Engine
	log      *zap.SugaredLogger
}

// Open opens path read-only and assembles a full session: WAL backup
// first (before any connection can trigger a checkpoint), then the
// connections, catalog, WAL index, and engines.
func Open(path string, log *zap.SugaredLogger) (*Session, error) {
	if err := sniffMagic(path); err != nil {
		return nil, err
	}

	s := &Session{Path: path, log: log}

	// Backup precedes the first connection: closing the last SQLite
	// connection can auto-checkpoint and truncate the WAL, destroying
	// exactly the evidence this tool exists to read.
	walPath := path + "-wal"
	if st, err := os.Stat(walPath); err == nil && st.Size() > 0 {
		backup, err := BackupWAL(walPath)
		if err != nil {
			return nil, fmt.Errorf("preserve wal: %w", err)
		}
		s.WalBackupPath = backup
		s.WalOriginalSize = st.Size()
		log.Infow("wal preserved", "backup", backup, "bytes", st.Size())
	}

	var err error
	s.db, err = openReadOnly(path)
	if err != nil {
		s.close()
		return nil, classifyOpenErr(err)
	}
	s.searchDB, err = openReadOnly(path)
	if err != nil {
		s.close()
		return nil, classifyOpenErr(err)
	}

	s.Catalog, err = catalog.Load(s.db)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	if s.WalBackupPath != "" {
		// Header probe before the mmap: a torn or foreign WAL leaves the
		// live side fully usable.
		if hdr, err := wal.ReadHeader(s.WalBackupPath); err != nil {
			log.Warnw("wal header unreadable", "error", err)
		} else {
			log.Debugw("wal header", "pageSize", hdr.PageSize, "checkpointSeq", hdr.CheckpointSeq)
			ix, err := wal.Open(s.WalBackupPath)
			if err != nil {
				log.Warnw("wal index unavailable", "error", err)
			} else {
				s.Wal = ix
			}
		}
	}

	if s.Wal != nil {
		livePages, err := catalog.PageCount(s.db)
		if err != nil {
			s.close()
			return nil, err
		}
		s.pageMap = reconcile.BuildPageMap(s.Catalog, path, s.Wal, log)
		s.recon = reconcile.NewEngine(s.Wal, s.Catalog, s.pageMap, s.db, livePages, log)
	}
	s.searcher = search.NewEngine(s.searchDB, s.Catalog, log)
	return s, nil
}

// Close tears the session down. The WAL backup file is deliberately
// kept: the original may have been checkpointed to zero bytes while the
// session ran, leaving the backup as the only copy of the evidence.
func (s *Session) Close() error {
	return s.close()
}

func (s *Session) close() error {
	var first error
	if s.Wal != nil {
		if err := s.Wal.Close(); err != nil && first == nil {
			first = err
		}
		s.Wal = nil
	}
	if s.searchDB != nil {
		if err := s.searchDB.Close(); err != nil && first == nil {
			first = err
		}
		s.searchDB = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && first == nil {
			first = err
		}
		s.db = nil
	}
	return first
}

// HasWAL reports whether a valid WAL index is attached.
func (s *Session) HasWAL() bool { return s.Wal != nil }

// DB exposes the main read-only connection for metadata queries.
func (s *Session) DB() *sql.DB { return s.db }

// Reconciler returns the WAL reconciliation engine, nil without a WAL.
func (s *Session) Reconciler() *reconcile.Engine { return s.recon }

// WalOnlyTables lists tables recoverable only from the WAL, sorted.
func (s *Session) WalOnlyTables() []api.WalOnlyTable {
	if s.pageMap == nil {
		return nil
	}
	var out []api.WalOnlyTable
	for name, createSQL := range s.pageMap.WalOnlyTables() {
		out = append(out, api.WalOnlyTable{Name: name, CreateSQL: createSQL})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search validates opts synchronously — a bad pattern or scope fails
// here, before any scanning — then launches the scan on its own worker
// goroutine. With includeWAL set, WAL-recovered rows are scanned after
// the live tables, through the same matcher, and the subscriber sees a
// single completion.
func (s *Session) Search(ctx context.Context, opts api.SearchOptions, includeWAL bool, sub api.SearchSubscriber) error {
	if opts.Pattern == "" {
		return &api.ValidationError{Field: "pattern", Message: "empty pattern"}
	}
	match, err := search.NewMatcher(opts)
	if err != nil {
		return err
	}
	includeWAL = includeWAL && s.recon != nil && opts.Mode != api.ModeColumnName
	dbOpts, walOpts, skipDB, err := s.splitScope(opts, includeWAL)
	if err != nil {
		return err
	}

	go func() {
		phase := &phaseSub{inner: sub}
		if !skipDB {
			if err := s.searcher.Search(ctx, dbOpts, phase); err != nil {
				// Validation already happened; anything here is a bug.
				s.log.Errorw("search worker failed", "error", err)
				sub.OnError("", err)
			}
		}
		if phase.cancelled || !includeWAL {
			if !phase.cancelled {
				sub.OnComplete()
			}
			return
		}
		if err := s.recon.SearchWAL(ctx, walOpts, match, phase); err != nil {
			s.log.Errorw("wal search worker failed", "error", err)
			sub.OnError("", err)
		}
		if !phase.cancelled {
			sub.OnComplete()
		}
	}()
	return nil
}

// splitScope validates the requested tables and routes each to the side
// that knows it: live tables to the DB scan, and everything (including
// WAL-only tables) to the WAL scan. skipDB is set when the request
// named only WAL-only tables; an emptied scope must not widen back to
// every live table.
func (s *Session) splitScope(opts api.SearchOptions, includeWAL bool) (dbOpts, walOpts api.SearchOptions, skipDB bool, err error) {
	dbOpts, walOpts = opts, opts
	if len(opts.Tables) == 0 {
		return dbOpts, walOpts, false, nil
	}

	var dbTables []string
	for _, t := range opts.Tables {
		_, live := s.Catalog.Table(t)
		walSide := s.pageMap != nil && (s.pageMap.IsWalOnly(t) || s.recon.KnowsPlaceholder(t))
		switch {
		case live:
			dbTables = append(dbTables, t)
		case walSide && includeWAL:
			// WAL-side only; the live scan never sees it.
		default:
			return dbOpts, walOpts, false, &api.ValidationError{Field: "tables", Message: fmt.Sprintf("unknown table %q", t)}
		}
	}
	dbOpts.Tables = dbTables
	return dbOpts, walOpts, len(dbTables) == 0, nil
}

// Recover validates the scope synchronously and runs reconciliation on
// its own worker goroutine.
func (s *Session) Recover(ctx context.Context, tables []string, sub api.RecoverSubscriber) error {
	if s.recon == nil {
		return fmt.Errorf("no wal file for %s", s.Path)
	}
	for _, t := range tables {
		if _, live := s.Catalog.Table(t); !live && !s.pageMap.IsWalOnly(t) && !s.recon.KnowsPlaceholder(t) {
			return &api.ValidationError{Field: "tables", Message: fmt.Sprintf("unknown table %q", t)}
		}
	}
	go func() {
		if err := s.recon.Recover(ctx, tables, sub); err != nil {
			s.log.Errorw("recover worker failed", "error", err)
			sub.OnError("", err)
			sub.OnComplete()
		}
	}()
	return nil
}

// phaseSub forwards a phase's events but holds back the terminal
// OnComplete, so a two-phase search (live then WAL) completes once.
type phaseSub struct {
	inner     api.SearchSubscriber
	cancelled bool
}

func (p *phaseSub) OnHit(h api.SearchHit)              { p.inner.OnHit(h) }
func (p *phaseSub) OnTableDone(table string, n int)    { p.inner.OnTableDone(table, n) }
func (p *phaseSub) OnError(table string, err error)    { p.inner.OnError(table, err) }
func (p *phaseSub) OnComplete()                        {}
func (p *phaseSub) OnCancelled() {
	p.cancelled = true
	p.inner.OnCancelled()
}

// openReadOnly opens one connection with the forensic pragmas: the
// database must never be modified, and SQLite must never checkpoint
// the WAL on our behalf.
func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, prag := range []string{
		"PRAGMA query_only = ON",
		"PRAGMA wal_autocheckpoint = 0",
		"PRAGMA cache_size = -8000",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(prag); err != nil {
			_ = db.Close() // ignore error
			return nil, fmt.Errorf("%s: %w", prag, err)
		}
	}
	return db, nil
}

// sniffMagic rejects non-SQLite files before any connection touches
// them, with a classification the caller can match on.
func sniffMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%s: %w", path, ErrPermissionDenied)
		}
		return err
	}
	defer func() { _ = f.Close() }() // safe to ignore

	buf := make([]byte, len(sqliteMagic))
	if _, err := f.Read(buf); err != nil {
		return fmt.Errorf("%s: %w", path, ErrNotSQLite)
	}
	if !bytes.Equal(buf, sqliteMagic) {
		return fmt.Errorf("%s: %w", path, ErrNotSQLite)
	}
	return nil
}

// classifyOpenErr maps driver failures to the session's open taxonomy.
func classifyOpenErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "locked") || strings.Contains(msg, "busy"):
		return fmt.Errorf("%v: %w", err, ErrLocked)
	case strings.Contains(msg, "permission"):
		return fmt.Errorf("%v: %w", err, ErrPermissionDenied)
	}
	return err
}
