package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bufferbane/bufferbane/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestMigrations_UpDownUpIsIdempotent(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, required, err := db.Version()
	require.NoError(t, err)
	require.Greater(t, required, uint64(0))

	for i := 0; i < 2; i++ {
		require.NoError(t, db.MigrateUp(ctx, required))
		cur, _, err := db.Version()
		require.NoError(t, err)
		require.Equal(t, required, cur)

		require.NoError(t, db.MigrateDown(ctx, 0))
		cur, _, err = db.Version()
		require.NoError(t, err)
		require.Equal(t, uint64(0), cur)
	}
}

func TestMigrations_ToLatestThenQuery(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "latest.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.MigrateToLatest(ctx))

	rows, err := db.QueryRange(ctx, 0, 1<<62, storage.Filters{})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestMigrations_UpToLowerVersionFails(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "bad.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.MigrateToLatest(ctx))

	err = db.MigrateUp(ctx, 0)
	require.Error(t, err)
}
