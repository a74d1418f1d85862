package catalog

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() }) // safe to ignore

	stmts := []string{
		`CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			bio TEXT,
			avatar BLOB
		)`,
		`CREATE UNIQUE INDEX idx_users_name ON users(name)`,
		`CREATE TABLE notes (code TEXT PRIMARY KEY, body TEXT,
			author INTEGER REFERENCES users(id))`,
		`INSERT INTO users (id, name, bio) VALUES (1, 'alice', 'likes go'),
			(2, 'bob', NULL), (3, 'carol', 'databases')`,
		`INSERT INTO notes VALUES ('n1', 'hello world', 1)`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	return db
}

func TestLoad(t *testing.T) {
	db := newTestDB(t)
	cat, err := Load(db)
	require.NoError(t, err)

	assert.Equal(t, []string{"notes", "users"}, cat.TableNames())

	users, ok := cat.Table("users")
	require.True(t, ok)
	assert.Equal(t, int64(3), users.RowCount)
	assert.NotZero(t, users.RootPage)
	assert.Equal(t, []string{"id", "name", "bio", "avatar"}, users.ColumnNames())

	assert.True(t, users.Columns[0].IsRowidAlias)
	assert.True(t, users.Columns[1].NotNull)
	assert.True(t, users.Columns[3].IsBlob)

	require.Len(t, users.Indexes, 1)
	assert.Equal(t, "idx_users_name", users.Indexes[0].Name)
	assert.True(t, users.Indexes[0].Unique)
	assert.Equal(t, []string{"name"}, users.Indexes[0].Columns)

	notes, ok := cat.Table("notes")
	require.True(t, ok)
	// TEXT PRIMARY KEY is not a rowid alias.
	assert.False(t, notes.Columns[0].IsRowidAlias)

	require.Len(t, notes.ForeignKeys, 1)
	assert.Equal(t, "author", notes.ForeignKeys[0].Column)
	assert.Equal(t, "users", notes.ForeignKeys[0].RefTable)
	assert.Equal(t, "id", notes.ForeignKeys[0].RefColumn)

	_, ok = cat.Table("missing")
	assert.False(t, ok)
}

func TestLoadObjectsIncludeIndexes(t *testing.T) {
	db := newTestDB(t)
	cat, err := Load(db)
	require.NoError(t, err)

	var kinds []string
	for _, o := range cat.Objects {
		kinds = append(kinds, o.Type)
		assert.NotZero(t, o.RootPage)
	}
	assert.Contains(t, kinds, "table")
	assert.Contains(t, kinds, "index")
}

func TestRowidAliasIndex(t *testing.T) {
	db := newTestDB(t)
	cat, err := Load(db)
	require.NoError(t, err)

	users, _ := cat.Table("users")
	assert.Equal(t, 0, users.RowidAliasIndex())
	notes, _ := cat.Table("notes")
	assert.Equal(t, -1, notes.RowidAliasIndex())
}

func TestMetaAndPageCount(t *testing.T) {
	db := newTestDB(t)

	meta := Meta(db)
	assert.Equal(t, "4096", meta["page_size"])
	assert.NotEmpty(t, meta["journal_mode"])

	n, err := PageCount(db)
	require.NoError(t, err)
	assert.Greater(t, n, uint32(0))

	assert.Equal(t, "ok", Integrity(db))
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"users"`, QuoteIdent("users"))
	assert.Equal(t, `"a""b"`, QuoteIdent(`a"b`))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%`, EscapeLike("100%"))
	assert.Equal(t, `a\_b`, EscapeLike("a_b"))
	assert.Equal(t, `c:\\temp`, EscapeLike(`c:\temp`))
}
