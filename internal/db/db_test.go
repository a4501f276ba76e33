package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *BaseDB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "lattice.db")

	baseDB, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, baseDB.Close())
	})

	return baseDB
}

func TestOpenAppliesMigrations(t *testing.T) {
	t.Parallel()

	baseDB := openTestDB(t)

	// Both schema tables exist after migration.
	for _, table := range []string{"actor_state", "service_registry"} {
		var name string
		err := baseDB.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' "+
				"AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "lattice.db")

	first, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Reopening an already migrated database is a no-op.
	second, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestOpenRefusesDowngrade(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "lattice.db")

	baseDB, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, baseDB.Close())

	// Pretend the binary only knows about version 1: the existing
	// database is now "from the future" and must be rejected.
	_, err = Open(dbPath, WithLatestVersion(1))
	require.ErrorIs(t, err, ErrMigrationDowngrade)
}

func TestExecTxCommitsAndRollsBack(t *testing.T) {
	t.Parallel()

	baseDB := openTestDB(t)
	ctx := context.Background()

	executor := NewTransactionExecutor(
		baseDB, func(tx *sql.Tx) *sql.Tx { return tx },
	)

	err := executor.ExecTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO actor_state (id, state_type, data, "+
				"version, updated_at_ms) VALUES (?, ?, ?, ?, ?)",
			"counter-1", "counter", []byte(`{"n":1}`), 1, 0,
		)
		return err
	})
	require.NoError(t, err)

	// A failing body rolls the whole transaction back.
	err = executor.ExecTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE actor_state SET version = 2 WHERE id = ?",
			"counter-1",
		)
		require.NoError(t, err)

		return sql.ErrConnDone
	})
	require.Error(t, err)

	var version int
	err = baseDB.QueryRow(
		"SELECT version FROM actor_state WHERE id = ?", "counter-1",
	).Scan(&version)
	require.NoError(t, err)
	require.Equal(t, 1, version)
}
