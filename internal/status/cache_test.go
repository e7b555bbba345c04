package status

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

func testCache(t *testing.T) (*Cache, *state.Store) {
	t.Helper()

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return New(store, "sync-status"), store
}

func TestLoad_EmptyReturnsNil(t *testing.T) {
	c, _ := testCache(t)

	got, err := c.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveThenLoad(t *testing.T) {
	c, _ := testCache(t)

	s := models.SyncStatus{PendingUploads: 2, CheckedAt: time.Now().UTC()}
	require.NoError(t, c.Save(s))

	got, err := c.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.PendingUploads)
}

func TestInvalidate_ForcesReloadFromDisk(t *testing.T) {
	c, store := testCache(t)

	require.NoError(t, c.Save(models.SyncStatus{PendingUploads: 1}))

	// Bypass the cache and change persisted state directly.
	require.NoError(t, store.PutStatus("sync-status", models.SyncStatus{PendingUploads: 7}))

	// Cached copy still serves the old value.
	got, err := c.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.PendingUploads)

	c.Invalidate()

	got, err = c.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 7, got.PendingUploads)
}

func TestInvalidate_DoesNotTouchPersisted(t *testing.T) {
	c, store := testCache(t)

	require.NoError(t, c.Save(models.SyncStatus{PendingUploads: 3}))
	c.Invalidate()

	persisted, err := store.GetStatus("sync-status")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, 3, persisted.PendingUploads)
}

func TestClear_RemovesBoth(t *testing.T) {
	c, store := testCache(t)

	require.NoError(t, c.Save(models.SyncStatus{PendingUploads: 3}))
	require.NoError(t, c.Clear())

	got, err := c.Load()
	require.NoError(t, err)
	assert.Nil(t, got)

	persisted, err := store.GetStatus("sync-status")
	require.NoError(t, err)
	assert.Nil(t, persisted)
}
