package db

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrate_CreatesSchema(t *testing.T) {
	database := openMemDB(t)
	require.NoError(t, Migrate(database, nil))

	for _, table := range []string{"schema_migrations", "doc_versions", "doc_states", "doc_snapshots", "edges", "outbox", "kv"} {
		var count int
		err := database.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist after migrations", table)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	database := openMemDB(t)
	require.NoError(t, Migrate(database, nil))
	require.NoError(t, Migrate(database, nil), "second run should skip applied migrations")

	var applied int
	require.NoError(t, database.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 5, applied)
}

func TestMigrate_EdgeIndexes(t *testing.T) {
	database := openMemDB(t)
	require.NoError(t, Migrate(database, nil))

	for _, idx := range []string{"idx_edges_source", "idx_edges_target"} {
		var count int
		err := database.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx,
		).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "index %s should exist", idx)
	}
}
