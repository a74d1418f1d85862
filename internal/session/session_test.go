package session

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dfir-tools/walscope/api"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// newFixtureDB creates a WAL-mode database and keeps the writer open so
// the WAL file survives until the test ends.
func newFixtureDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() }) // safe to ignore

	for _, s := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA wal_autocheckpoint = 0`,
		`CREATE TABLE evidence (id INTEGER PRIMARY KEY, note TEXT)`,
		`INSERT INTO evidence VALUES (1, 'alpha'), (2, 'beta'), (3, 'gamma')`,
	} {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	return path
}

func TestOpenFullSession(t *testing.T) {
	path := newFixtureDB(t)
	s, err := Open(path, testLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }() // safe to ignore

	assert.True(t, s.HasWAL())
	assert.Equal(t, path+"-wal.bak", s.WalBackupPath)
	assert.NotNil(t, s.Reconciler())
	assert.Equal(t, []string{"evidence"}, s.Catalog.TableNames())

	// The backup holds the WAL bytes as they were at open.
	st, err := os.Stat(s.WalBackupPath)
	require.NoError(t, err)
	assert.Equal(t, s.WalOriginalSize, st.Size())
}

func TestOpenBackupPreservedAcrossReopen(t *testing.T) {
	path := newFixtureDB(t)

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	first, err := os.ReadFile(path + "-wal.bak")
	require.NoError(t, err)

	// An up-to-date backup is reused, not rewritten.
	s, err = Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	second, err := os.ReadFile(path + "-wal.bak")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBackupWALRefreshesStaleBackup(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "x.db-wal")
	require.NoError(t, os.WriteFile(walPath+".bak", []byte("old"), 0o644))

	// Make the original newer than the backup.
	require.NoError(t, os.WriteFile(walPath, []byte("fresh contents"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(walPath, future, future))

	backup, err := BackupWAL(walPath)
	require.NoError(t, err)
	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "fresh contents", string(data))
}

func TestOpenToleratesForeignWALFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, os.WriteFile(path+"-wal", []byte("garbage that is not a wal header"), 0o644))

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }() // safe to ignore

	assert.False(t, s.HasWAL())
	assert.Nil(t, s.Reconciler())
	// The file was still preserved before anything touched it.
	assert.Equal(t, path+"-wal.bak", s.WalBackupPath)
}

func TestOpenRejectsNonSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(path, []byte("just some text, long enough"), 0o644))

	_, err := Open(path, testLogger())
	require.ErrorIs(t, err, ErrNotSQLite)
}

func TestOpenRejectsMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.db"), testLogger())
	assert.Error(t, err)
}

func TestSessionSearch(t *testing.T) {
	s, err := Open(newFixtureDB(t), testLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }() // safe to ignore

	sub := newWaitSub()
	require.NoError(t, s.Search(context.Background(),
		api.SearchOptions{Pattern: "beta"}, false, sub))
	sub.wait(t)

	require.Len(t, sub.hits, 1)
	assert.Equal(t, "evidence", sub.hits[0].Table)
	assert.Equal(t, int64(2), sub.hits[0].RowID)
}

func TestSessionSearchIncludesWAL(t *testing.T) {
	s, err := Open(newFixtureDB(t), testLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }() // safe to ignore

	sub := newWaitSub()
	require.NoError(t, s.Search(context.Background(),
		api.SearchOptions{Pattern: "beta"}, true, sub))
	sub.wait(t)

	sources := make(map[api.MatchSource]int)
	for _, h := range sub.hits {
		sources[h.Source]++
	}
	assert.Equal(t, 1, sources[api.SourceDB])
	// The row was committed through the WAL, so its frames hold it too.
	assert.GreaterOrEqual(t, sources[api.SourceWAL], 1)
}

func TestSessionSearchValidatesBeforeSpawning(t *testing.T) {
	s, err := Open(newFixtureDB(t), testLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }() // safe to ignore

	var verr *api.ValidationError

	err = s.Search(context.Background(), api.SearchOptions{}, false, newWaitSub())
	require.ErrorAs(t, err, &verr)

	err = s.Search(context.Background(),
		api.SearchOptions{Pattern: "(", Mode: api.ModeRegex}, false, newWaitSub())
	require.ErrorAs(t, err, &verr)

	err = s.Search(context.Background(),
		api.SearchOptions{Pattern: "x", Tables: []string{"nope"}}, false, newWaitSub())
	require.ErrorAs(t, err, &verr)
}

func TestSessionRecover(t *testing.T) {
	s, err := Open(newFixtureDB(t), testLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }() // safe to ignore

	sub := newWaitRecoverSub()
	require.NoError(t, s.Recover(context.Background(), nil, sub))
	sub.wait(t)

	require.NotEmpty(t, sub.records)
	for _, r := range sub.records {
		assert.Equal(t, "evidence", r.Table)
		assert.Equal(t, api.LabelSameAsDB, r.Label)
	}
}

func TestSessionRecoverAcceptsPlaceholderScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() }) // safe to ignore

	// relic's rows land in the WAL, then the uncheckpointed DROP removes
	// it from the schema every connection sees. Its leaf pages can no
	// longer be named and surface under a page_N placeholder.
	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA wal_autocheckpoint = 0`,
		`CREATE TABLE relic (id INTEGER PRIMARY KEY, note TEXT)`,
		`PRAGMA wal_checkpoint(TRUNCATE)`,
		`INSERT INTO relic VALUES (1, 'orphaned row')`,
		`DROP TABLE relic`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }() // safe to ignore
	require.True(t, s.HasWAL())

	sub := newWaitRecoverSub()
	require.NoError(t, s.Recover(context.Background(), nil, sub))
	sub.wait(t)

	var placeholder string
	for _, r := range sub.records {
		if strings.HasPrefix(r.Table, "page_") {
			placeholder = r.Table
		}
	}
	require.NotEmpty(t, placeholder, "dropped table's rows must surface under a placeholder")

	scoped := newWaitRecoverSub()
	require.NoError(t, s.Recover(context.Background(), []string{placeholder}, scoped))
	scoped.wait(t)
	require.NotEmpty(t, scoped.records)
	for _, r := range scoped.records {
		assert.Equal(t, placeholder, r.Table)
	}
}

// waitSub is a SearchSubscriber that signals terminal callbacks.
type waitSub struct {
	hits      []api.SearchHit
	cancelled bool
	done      chan struct{}
}

func newWaitSub() *waitSub { return &waitSub{done: make(chan struct{})} }

func (w *waitSub) wait(t *testing.T) {
	t.Helper()
	select {
	case <-w.done:
	case <-time.After(10 * time.Second):
		t.Fatal("search did not finish")
	}
}

func (w *waitSub) OnHit(h api.SearchHit)   { w.hits = append(w.hits, h) }
func (w *waitSub) OnTableDone(string, int) {}
func (w *waitSub) OnComplete()             { close(w.done) }
func (w *waitSub) OnCancelled()            { w.cancelled = true; close(w.done) }
func (w *waitSub) OnError(string, error)   {}

type waitRecoverSub struct {
	records []api.ReconciledRecord
	done    chan struct{}
}

func newWaitRecoverSub() *waitRecoverSub { return &waitRecoverSub{done: make(chan struct{})} }

func (w *waitRecoverSub) wait(t *testing.T) {
	t.Helper()
	select {
	case <-w.done:
	case <-time.After(10 * time.Second):
		t.Fatal("recover did not finish")
	}
}

func (w *waitRecoverSub) OnRecord(r api.ReconciledRecord)          { w.records = append(w.records, r) }
func (w *waitRecoverSub) OnWalOnlyTable(api.WalOnlyTable)          {}
func (w *waitRecoverSub) OnTableSummary(string, api.TableSummary)  {}
func (w *waitRecoverSub) OnComplete()                              { close(w.done) }
func (w *waitRecoverSub) OnCancelled()                             { close(w.done) }
func (w *waitRecoverSub) OnError(string, error)                    {}
