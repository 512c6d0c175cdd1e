package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/offline_sync/internal/storage"
)

func newTestRepo(t *testing.T, maxPages int) *KVRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "queue.db"), maxPages)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return NewKVRepository(db)
}

func TestInitDB_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	db, err := InitDB(path, 0)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Re-opening an already migrated database must not fail with ErrNoChange.
	db, err = InitDB(path, 0)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestKVRepository_PutGetDelete(t *testing.T) {
	repo := newTestRepo(t, 0)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "pending-download-kjv", []byte(`{"itemKey":"kjv"}`)))

	got, err := repo.Get(ctx, "pending-download-kjv")
	require.NoError(t, err)
	assert.Equal(t, `{"itemKey":"kjv"}`, string(got))

	// Overwrite keeps a single row.
	require.NoError(t, repo.Put(ctx, "pending-download-kjv", []byte(`{"itemKey":"kjv","v":2}`)))

	got, err = repo.Get(ctx, "pending-download-kjv")
	require.NoError(t, err)
	assert.Equal(t, `{"itemKey":"kjv","v":2}`, string(got))

	require.NoError(t, repo.Delete(ctx, "pending-download-kjv"))

	_, err = repo.Get(ctx, "pending-download-kjv")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting again is fine.
	require.NoError(t, repo.Delete(ctx, "pending-download-kjv"))
}

func TestKVRepository_ListByPrefix(t *testing.T) {
	repo := newTestRepo(t, 0)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "pending-download-web", []byte("w")))
	require.NoError(t, repo.Put(ctx, "pending-download-asv", []byte("a")))
	require.NoError(t, repo.Put(ctx, "settings-theme", []byte("dark")))

	records, err := repo.List(ctx, "pending-download-")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, storage.Record{Key: "pending-download-asv", Value: []byte("a")}, records[0])
	assert.Equal(t, storage.Record{Key: "pending-download-web", Value: []byte("w")}, records[1])

	none, err := repo.List(ctx, "missing-")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestKVRepository_QuotaExceeded(t *testing.T) {
	// Just enough pages for the schema; a large value cannot fit.
	repo := newTestRepo(t, 4)
	ctx := context.Background()

	err := repo.Put(ctx, "pending-download-big", []byte(strings.Repeat("x", 64*1024)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrQuotaExceeded), "got %v", err)
}

func TestInstrumentedKVRepository_Delegates(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "queue.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewInstrumentedKVRepository(db, nil)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "pending-download-kjv", []byte("v")))

	got, err := repo.Get(ctx, "pending-download-kjv")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	records, err := repo.List(ctx, "pending-download-")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.NoError(t, repo.Delete(ctx, "pending-download-kjv"))

	_, err = repo.Get(ctx, "pending-download-kjv")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
