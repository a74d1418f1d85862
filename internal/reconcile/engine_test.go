package reconcile

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dfir-tools/walscope/api"
	"github.com/dfir-tools/walscope/internal/catalog"
	"github.com/dfir-tools/walscope/internal/search"
	"github.com/dfir-tools/walscope/internal/wal"
)

type collectRecoverSub struct {
	records   []api.ReconciledRecord
	walOnly   []api.WalOnlyTable
	summaries map[string]api.TableSummary
	complete  bool
	cancelled bool
	errs      []error
}

func (c *collectRecoverSub) OnRecord(r api.ReconciledRecord) { c.records = append(c.records, r) }
func (c *collectRecoverSub) OnWalOnlyTable(t api.WalOnlyTable) {
	c.walOnly = append(c.walOnly, t)
}
func (c *collectRecoverSub) OnTableSummary(table string, sum api.TableSummary) {
	if c.summaries == nil {
		c.summaries = make(map[string]api.TableSummary)
	}
	c.summaries[table] = sum
}
func (c *collectRecoverSub) OnComplete()                  { c.complete = true }
func (c *collectRecoverSub) OnCancelled()                 { c.cancelled = true }
func (c *collectRecoverSub) OnError(_ string, err error)  { c.errs = append(c.errs, err) }

// walFixture drives a real WAL-mode database: exec statements, snapshot
// the live WAL mid-flight, keep writing, and build an engine over the
// snapshot the way a session does over its backup.
type walFixture struct {
	t      *testing.T
	dbPath string
	db     *sql.DB
}

func newWalFixture(t *testing.T) *walFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() }) // safe to ignore

	fx := &walFixture{t: t, dbPath: path, db: db}
	fx.exec(`PRAGMA journal_mode = WAL`)
	fx.exec(`PRAGMA wal_autocheckpoint = 0`)
	return fx
}

func (fx *walFixture) exec(stmt string, args ...any) {
	fx.t.Helper()
	_, err := fx.db.Exec(stmt, args...)
	require.NoError(fx.t, err)
}

// snapshotWAL copies the live WAL file, frames and all, before a later
// checkpoint truncates it.
func (fx *walFixture) snapshotWAL() string {
	fx.t.Helper()
	src, err := os.Open(fx.dbPath + "-wal")
	require.NoError(fx.t, err)
	defer func() { _ = src.Close() }() // safe to ignore

	dst := filepath.Join(fx.t.TempDir(), "snapshot.db-wal")
	out, err := os.Create(dst)
	require.NoError(fx.t, err)
	_, err = io.Copy(out, src)
	require.NoError(fx.t, err)
	require.NoError(fx.t, out.Close())
	return dst
}

func (fx *walFixture) engine(walPath string) *Engine {
	fx.t.Helper()
	ix, err := wal.Open(walPath)
	require.NoError(fx.t, err)
	fx.t.Cleanup(func() { _ = ix.Close() }) // safe to ignore

	cat, err := catalog.Load(fx.db)
	require.NoError(fx.t, err)
	livePages, err := catalog.PageCount(fx.db)
	require.NoError(fx.t, err)

	log := zap.NewNop().Sugar()
	pm := BuildPageMap(cat, fx.dbPath, ix, log)
	return NewEngine(ix, cat, pm, fx.db, livePages, log)
}

func recoverAll(t *testing.T, e *Engine, tables []string) *collectRecoverSub {
	t.Helper()
	sub := &collectRecoverSub{}
	require.NoError(t, e.Recover(context.Background(), tables, sub))
	require.True(t, sub.complete)
	return sub
}

func TestRecoverLabelsAgainstLiveDatabase(t *testing.T) {
	fx := newWalFixture(t)
	fx.exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, score INTEGER)`)
	fx.exec(`INSERT INTO users VALUES (1, 'alice', 10), (2, 'bob', 20), (3, 'carol', 30)`)

	snapshot := fx.snapshotWAL()

	// The live database moves on: bob changes, carol disappears.
	fx.exec(`UPDATE users SET score = 99 WHERE id = 2`)
	fx.exec(`DELETE FROM users WHERE id = 3`)
	fx.exec(`PRAGMA wal_checkpoint(TRUNCATE)`)

	e := fx.engine(snapshot)
	sub := recoverAll(t, e, []string{"users"})

	labels := make(map[int64]api.RecordLabel)
	for _, r := range sub.records {
		require.Equal(t, "users", r.Table)
		labels[r.RowID] = r.Label
	}
	assert.Equal(t, api.LabelSameAsDB, labels[1])
	assert.Equal(t, api.LabelDifferentFromDB, labels[2])
	assert.Equal(t, api.LabelNotInDB, labels[3])
}

func TestRecoverSubstitutesRowidAlias(t *testing.T) {
	fx := newWalFixture(t)
	fx.exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)`)
	fx.exec(`INSERT INTO items VALUES (41, 'first'), (42, 'second')`)

	e := fx.engine(fx.snapshotWAL())
	sub := recoverAll(t, e, []string{"items"})

	require.NotEmpty(t, sub.records)
	byRowid := make(map[int64]api.ReconciledRecord)
	for _, r := range sub.records {
		byRowid[r.RowID] = r
	}
	r42, ok := byRowid[42]
	require.True(t, ok)
	assert.Equal(t, []string{"id", "label"}, r42.Columns)
	// The record stores NULL in the alias slot; the rowid fills it back.
	assert.Equal(t, int64(42), r42.Values[0])
	assert.Equal(t, "second", r42.Values[1])
}

func TestRecoverRowsSortedByRowid(t *testing.T) {
	fx := newWalFixture(t)
	fx.exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)`)
	fx.exec(`INSERT INTO items VALUES (9, 'z'), (1, 'a'), (5, 'm')`)

	e := fx.engine(fx.snapshotWAL())
	sub := recoverAll(t, e, []string{"items"})

	var prev int64 = -1
	for _, r := range sub.records {
		assert.GreaterOrEqual(t, r.RowID, prev)
		prev = r.RowID
	}
}

func TestRecoverLastWriteWinsAcrossVersions(t *testing.T) {
	fx := newWalFixture(t)
	fx.exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)`)
	// Three commits rewrite the same leaf page; only the newest copy of
	// the page may keep a non-overwritten status.
	fx.exec(`INSERT INTO items VALUES (1, 'a')`)
	fx.exec(`INSERT INTO items VALUES (2, 'b')`)
	fx.exec(`INSERT INTO items VALUES (3, 'c')`)

	e := fx.engine(fx.snapshotWAL())
	sub := recoverAll(t, e, []string{"items"})

	fresh := 0
	for _, r := range sub.records {
		if r.Status != api.StatusOverwritten {
			fresh++
		}
	}
	// Rows 1, 2, 3 from the final page version; every older copy of the
	// page is superseded.
	assert.Equal(t, 3, fresh)
	assert.Greater(t, len(sub.records), 3)
}

func TestRecoverWalOnlyTable(t *testing.T) {
	fx := newWalFixture(t)
	fx.exec(`CREATE TABLE keep (id INTEGER PRIMARY KEY, v TEXT)`)
	fx.exec(`INSERT INTO keep VALUES (1, 'kept')`)
	fx.exec(`PRAGMA wal_checkpoint(TRUNCATE)`)

	// ghost lives and dies inside the WAL; the snapshot preserves it.
	fx.exec(`CREATE TABLE ghost (id INTEGER PRIMARY KEY, secret TEXT)`)
	fx.exec(`INSERT INTO ghost VALUES (1, 'hidden evidence')`)
	snapshot := fx.snapshotWAL()
	fx.exec(`DROP TABLE ghost`)
	fx.exec(`PRAGMA wal_checkpoint(TRUNCATE)`)

	e := fx.engine(snapshot)
	sub := recoverAll(t, e, nil)

	require.Len(t, sub.walOnly, 1)
	assert.Equal(t, "ghost", sub.walOnly[0].Name)
	assert.Contains(t, sub.walOnly[0].CreateSQL, "CREATE TABLE ghost")

	var ghostRows []api.ReconciledRecord
	for _, r := range sub.records {
		if r.Table == "ghost" {
			ghostRows = append(ghostRows, r)
		}
	}
	require.NotEmpty(t, ghostRows)
	assert.Equal(t, api.LabelWalOnlyTable, ghostRows[0].Label)
	assert.Equal(t, []string{"id", "secret"}, ghostRows[0].Columns)
	assert.Equal(t, "hidden evidence", ghostRows[0].Values[1])
}

func TestRecoverEmitsUnmappedPages(t *testing.T) {
	fx := newWalFixture(t)
	// relic's schema is checkpointed into the main file, its rows go to
	// the WAL, then the table is dropped and checkpointed away. The
	// snapshot's leaf pages can no longer be named by anything.
	fx.exec(`CREATE TABLE relic (id INTEGER PRIMARY KEY, note TEXT)`)
	fx.exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	fx.exec(`INSERT INTO relic VALUES (1, 'orphaned row')`)
	snapshot := fx.snapshotWAL()
	fx.exec(`DROP TABLE relic`)
	fx.exec(`PRAGMA wal_checkpoint(TRUNCATE)`)

	e := fx.engine(snapshot)
	sub := recoverAll(t, e, nil)

	var orphan *api.ReconciledRecord
	for i := range sub.records {
		if strings.HasPrefix(sub.records[i].Table, "page_") {
			orphan = &sub.records[i]
		}
	}
	require.NotNil(t, orphan, "rows on unmapped pages must still be emitted")
	assert.Equal(t, api.LabelNotInDB, orphan.Label)
	assert.Equal(t, "orphaned row", orphan.Values[1])
	assert.Equal(t, []string{"col0", "col1"}, orphan.Columns)
	_, summarized := sub.summaries[orphan.Table]
	assert.True(t, summarized)

	// The placeholder name works as an explicit scope too.
	scoped := recoverAll(t, e, []string{orphan.Table})
	require.NotEmpty(t, scoped.records)
	for _, r := range scoped.records {
		assert.Equal(t, orphan.Table, r.Table)
	}

	err := e.Recover(context.Background(), []string{"page_999999"}, &collectRecoverSub{})
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRecoverUnknownTableRejected(t *testing.T) {
	fx := newWalFixture(t)
	fx.exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	fx.exec(`INSERT INTO t VALUES (1)`)

	e := fx.engine(fx.snapshotWAL())
	err := e.Recover(context.Background(), []string{"nope"}, &collectRecoverSub{})
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRecoverCancelled(t *testing.T) {
	fx := newWalFixture(t)
	fx.exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	fx.exec(`INSERT INTO t VALUES (1)`)

	e := fx.engine(fx.snapshotWAL())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sub := &collectRecoverSub{}
	require.NoError(t, e.Recover(ctx, nil, sub))
	assert.True(t, sub.cancelled)
	assert.False(t, sub.complete)
}

// cancelMidRecoverSub cancels its context after the first table's
// summary, so the scan stops between tables.
type cancelMidRecoverSub struct {
	collectRecoverSub
	cancel context.CancelFunc
}

func (c *cancelMidRecoverSub) OnTableSummary(table string, sum api.TableSummary) {
	c.collectRecoverSub.OnTableSummary(table, sum)
	if len(c.summaries) == 1 {
		c.cancel()
	}
}

func TestRecoverCancelledMidScanYieldsPrefix(t *testing.T) {
	fx := newWalFixture(t)
	fx.exec(`CREATE TABLE alpha (id INTEGER PRIMARY KEY, v TEXT)`)
	fx.exec(`CREATE TABLE beta (id INTEGER PRIMARY KEY, v TEXT)`)
	fx.exec(`INSERT INTO alpha VALUES (1, 'a1'), (2, 'a2')`)
	fx.exec(`INSERT INTO beta VALUES (1, 'b1'), (2, 'b2')`)
	snapshot := fx.snapshotWAL()

	full := recoverAll(t, fx.engine(snapshot), nil)
	require.NotEmpty(t, full.records)

	ctx, cancel := context.WithCancel(context.Background())
	sub := &cancelMidRecoverSub{cancel: cancel}
	require.NoError(t, fx.engine(snapshot).Recover(ctx, nil, sub))

	assert.True(t, sub.cancelled)
	assert.False(t, sub.complete)
	// Exactly the first table was delivered, and its records are the
	// prefix of the uncancelled run.
	require.Len(t, sub.summaries, 1)
	for _, r := range sub.records {
		assert.Equal(t, "alpha", r.Table)
	}
	require.LessOrEqual(t, len(sub.records), len(full.records))
	assert.Equal(t, full.records[:len(sub.records)], sub.records)
}

func TestSearchWALFindsRecoveredValues(t *testing.T) {
	fx := newWalFixture(t)
	fx.exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`)
	fx.exec(`INSERT INTO notes VALUES (1, 'the missing ledger entry')`)
	snapshot := fx.snapshotWAL()

	fx.exec(`DELETE FROM notes`)
	fx.exec(`PRAGMA wal_checkpoint(TRUNCATE)`)

	e := fx.engine(snapshot)
	match := func(s string) bool { return s == "the missing ledger entry" }

	sub := &collectSearchSub{}
	require.NoError(t, e.SearchWAL(context.Background(),
		api.SearchOptions{Pattern: "ledger"}, match, sub))
	require.True(t, sub.complete)

	require.NotEmpty(t, sub.hits)
	h := sub.hits[0]
	assert.Equal(t, api.SourceWAL, h.Source)
	assert.Equal(t, "notes", h.Table)
	assert.Equal(t, "body", h.Column)
	assert.NotZero(t, h.PageNumber)
}

func TestSearchWALBlobHexMode(t *testing.T) {
	fx := newWalFixture(t)
	// The file name would match a text scan of the hex pattern; blob
	// mode must look only inside blob bytes.
	fx.exec(`CREATE TABLE files (id INTEGER PRIMARY KEY, name TEXT, data BLOB)`)
	fx.exec(`INSERT INTO files VALUES (1, 'deadbeef.bin', X'DEADBEEF'), (2, 'clean.bin', X'00112233')`)
	snapshot := fx.snapshotWAL()

	e := fx.engine(snapshot)
	opts := api.SearchOptions{Pattern: "DEADBE", Mode: api.ModeBlobHex}
	match, err := search.NewMatcher(opts)
	require.NoError(t, err)

	sub := &collectSearchSub{}
	require.NoError(t, e.SearchWAL(context.Background(), opts, match, sub))
	require.True(t, sub.complete)

	require.Len(t, sub.hits, 1)
	h := sub.hits[0]
	assert.Equal(t, "data", h.Column)
	assert.Equal(t, int64(1), h.RowID)
	assert.Equal(t, "blob_hex", h.Type)
	assert.Equal(t, api.SourceWAL, h.Source)
}

func TestSearchWALDeepBlob(t *testing.T) {
	fx := newWalFixture(t)
	fx.exec(`CREATE TABLE stash (id INTEGER PRIMARY KEY, data BLOB)`)
	fx.exec(`INSERT INTO stash VALUES (1, X'68656C6C6F20626C6F62')`)
	snapshot := fx.snapshotWAL()

	e := fx.engine(snapshot)
	opts := api.SearchOptions{Pattern: "hello blob", Mode: api.ModeCaseInsensitive}
	match, err := search.NewMatcher(opts)
	require.NoError(t, err)

	sub := &collectSearchSub{}
	require.NoError(t, e.SearchWAL(context.Background(), opts, match, sub))
	assert.Empty(t, sub.hits)

	opts.DeepBlob = true
	sub = &collectSearchSub{}
	require.NoError(t, e.SearchWAL(context.Background(), opts, match, sub))
	require.Len(t, sub.hits, 1)
	assert.Equal(t, "BLOB", sub.hits[0].Type)
}

type collectSearchSub struct {
	hits      []api.SearchHit
	complete  bool
	cancelled bool
}

func (c *collectSearchSub) OnHit(h api.SearchHit)      { c.hits = append(c.hits, h) }
func (c *collectSearchSub) OnTableDone(string, int)    {}
func (c *collectSearchSub) OnComplete()                { c.complete = true }
func (c *collectSearchSub) OnCancelled()               { c.cancelled = true }
func (c *collectSearchSub) OnError(string, error)      {}

func TestTableStats(t *testing.T) {
	fx := newWalFixture(t)
	fx.exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)`)
	fx.exec(`INSERT INTO items VALUES (1, 'a'), (2, 'b')`)

	e := fx.engine(fx.snapshotWAL())
	stats := e.TableStats()

	sum, ok := stats["items"]
	require.True(t, ok)
	assert.Greater(t, sum.Saved+sum.Unsaved+sum.Overwritten, 0)
}
