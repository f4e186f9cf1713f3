package database_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentlog/tlogd/pkg/database"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.OpenDatabase(database.DatabaseOptions{
		Path:      filepath.Join(t.TempDir(), "meta.db"),
		EnableWAL: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDatabase(db) })
	return db
}

func TestSchemaInitialization(t *testing.T) {
	db := openTestDB(t)

	t.Run("creates every table the service relies on", func(t *testing.T) {
		for _, table := range []string{
			"statements", "tree_state", "current_tree_size",
			"receipts", "tiles", "service_config", "service_keys",
			"schema_version",
		} {
			var name string
			err := db.QueryRow(
				"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
			).Scan(&name)
			assert.NoError(t, err, "table %s should exist", table)
		}
	})

	t.Run("tree size singleton starts at zero", func(t *testing.T) {
		size, err := database.GetCurrentTreeSize(db)
		require.NoError(t, err)
		assert.Zero(t, size)

		var rows int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM current_tree_size").Scan(&rows))
		assert.Equal(t, 1, rows, "current_tree_size is a singleton")
	})

	t.Run("statement hash carries a unique index", func(t *testing.T) {
		require.NoError(t, database.InsertStatement(db, 0, database.Statement{
			StatementHash: "aa",
			Iss:           "https://issuer.example.com",
			PayloadHash:   "bb",
			EntryTileKey:  "tile/entries/000",
		}))
		err := database.InsertStatement(db, 1, database.Statement{
			StatementHash: "aa",
			Iss:           "https://issuer.example.com",
			PayloadHash:   "cc",
			EntryTileKey:  "tile/entries/000",
		})
		require.Error(t, err, "duplicate statement_hash must be rejected")
		assert.Contains(t, err.Error(), "UNIQUE")
	})

	t.Run("records a schema version", func(t *testing.T) {
		var version string
		require.NoError(t, db.QueryRow(
			"SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1",
		).Scan(&version))
		assert.NotEmpty(t, version)
	})
}

func TestSchemaReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	open := func() *sql.DB {
		db, err := database.OpenDatabase(database.DatabaseOptions{Path: path, EnableWAL: true})
		require.NoError(t, err)
		return db
	}

	db := open()
	require.NoError(t, database.UpdateTreeSize(db, 7))
	require.NoError(t, database.CloseDatabase(db))

	reopened := open()
	defer database.CloseDatabase(reopened)

	size, err := database.GetCurrentTreeSize(reopened)
	require.NoError(t, err)
	assert.Equal(t, int64(7), size, "reopening must not reset state")
}

func TestWALMode(t *testing.T) {
	db := openTestDB(t)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestBusyTimeoutOption(t *testing.T) {
	db, err := database.OpenDatabase(database.DatabaseOptions{
		Path:        filepath.Join(t.TempDir(), "meta.db"),
		EnableWAL:   false,
		BusyTimeout: 250,
	})
	require.NoError(t, err)
	defer database.CloseDatabase(db)

	var timeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 250, timeout)
}
