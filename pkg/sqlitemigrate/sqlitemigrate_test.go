package sqlitemigrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func count(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query).Scan(&n))
	return n
}

func TestApply_RunsUpSectionOnce(t *testing.T) {
	db := openDB(t)
	fsys := fstest.MapFS{
		"m/0001_items.sql": &fstest.MapFile{
			Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;"),
		},
		"m/0002_more.sql": &fstest.MapFile{
			Data: []byte("CREATE TABLE more(id TEXT PRIMARY KEY);"),
		},
		"m/README.md": &fstest.MapFile{Data: []byte("ignored")},
	}

	applied, err := Apply(context.Background(), db, fsys, "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_items.sql", "0002_more.sql"}, applied)
	assert.Equal(t, 2, count(t, db, "SELECT COUNT(*) FROM schema_migrations"))
	assert.Equal(t, 1, count(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'items'"))

	applied, err = Apply(context.Background(), db, fsys, "m")
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, 2, count(t, db, "SELECT COUNT(*) FROM schema_migrations"))
}

func TestApply_FailsOnBadSQL(t *testing.T) {
	db := openDB(t)
	fsys := fstest.MapFS{
		"0001_bad.sql": &fstest.MapFile{Data: []byte("CREATE TABLEX nope;")},
	}

	_, err := Apply(context.Background(), db, fsys, "")
	require.Error(t, err)
	assert.Equal(t, 0, count(t, db, "SELECT COUNT(*) FROM schema_migrations"))
}

func TestUpSection(t *testing.T) {
	assert.Equal(t, "\nA\n", UpSection("-- +migrate Up\nA\n-- +migrate Down\nB"))
	assert.Equal(t, "plain", UpSection("plain"))
}
