package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Memory_Defaults(t *testing.T) {
	database, err := Open()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT);")
	require.NoError(t, err)

	// a second statement must see the same in-memory database
	_, err = database.Exec("INSERT INTO t (v) VALUES ('x');")
	require.NoError(t, err)

	var n int
	require.NoError(t, database.Get(&n, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 1, n)
}

func TestOpen_File_CreatesParent(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "nested", "farm.db")

	database, err := Open(WithPath(dbPath))
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Dir(dbPath))
	assert.FileExists(t, dbPath)
}

func TestOpen_CustomPragmas(t *testing.T) {
	database, err := Open(WithPragmas("PRAGMA busy_timeout=1000;"))
	require.NoError(t, err)
	defer database.Close()

	var timeout int
	require.NoError(t, database.Get(&timeout, "PRAGMA busy_timeout"))
	assert.Equal(t, 1000, timeout)
}

func TestMigrate(t *testing.T) {
	database, err := Open()
	require.NoError(t, err)
	defer database.Close()

	migrations := []Migration{
		{Version: 2, Name: "add_b", SQL: "ALTER TABLE a ADD COLUMN b TEXT;"},
		{Version: 1, Name: "create_a", SQL: "CREATE TABLE a (id INTEGER PRIMARY KEY);"},
	}

	version, err := Migrate(database, migrations)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	// re-running is a no-op
	version, err = Migrate(database, migrations)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	_, err = database.Exec("INSERT INTO a (b) VALUES ('ok')")
	assert.NoError(t, err)
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	database, err := Open()
	require.NoError(t, err)
	defer database.Close()

	version, err := Migrate(database, []Migration{
		{Version: 1, Name: "ok", SQL: "CREATE TABLE a (id INTEGER PRIMARY KEY);"},
		{Version: 2, Name: "broken", SQL: "CREATE TABLE b (id INTEGER PRIMARY KEY); THIS IS NOT SQL;"},
	})
	require.Error(t, err)
	assert.Equal(t, 1, version)

	var n int
	require.NoError(t, database.Get(&n, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'b'"))
	assert.Equal(t, 0, n)
}

func TestCheckpoint_TruncatesWAL(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "farm.db")
	database, err := Open(WithPath(dbPath))
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT); INSERT INTO t (v) VALUES ('x');")
	require.NoError(t, err)

	require.NoError(t, Checkpoint(database))
	info, err := os.Stat(dbPath + "-wal")
	if err == nil {
		assert.Zero(t, info.Size())
	}
}
