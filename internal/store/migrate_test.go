package store

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// --- Migrate ---

func TestMigrate(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("applies once and records version", func(t *testing.T) {
		testFS := fstest.MapFS{
			"900_test_migrate.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_migrate_tbl (id INT);")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_migrate_tbl")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", "900_test_migrate.sql")
		})

		require.NoError(t, testStore.Migrate(ctx, testFS))
		require.NoError(t, testStore.Migrate(ctx, testFS), "second run should skip")

		var count int
		err := testStore.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = $1", "900_test_migrate.sql",
		).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("failed file leaves no record", func(t *testing.T) {
		testFS := fstest.MapFS{
			"901_test_broken.sql": &fstest.MapFile{Data: []byte("CREATE TABLE;")},
		}

		require.Error(t, testStore.Migrate(ctx, testFS))

		var exists bool
		err := testStore.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", "901_test_broken.sql",
		).Scan(&exists)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("concurrent runs apply a file once", func(t *testing.T) {
		testFS := fstest.MapFS{
			"902_test_concurrent.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_concurrent_tbl (id INT);")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_concurrent_tbl")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", "902_test_concurrent.sql")
		})

		var g errgroup.Group
		for range 4 {
			g.Go(func() error { return testStore.Migrate(ctx, testFS) })
		}
		require.NoError(t, g.Wait(), "a second CREATE TABLE would fail if the file ran twice")

		var count int
		err := testStore.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = $1", "902_test_concurrent.sql",
		).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}
