package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestChat_SaveGetDelete(t *testing.T) {
	s := testStore(t)

	record := models.ChatRecord{
		ID:        "chat-1",
		Title:     "hello",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveChat(record))

	got, err := s.GetChat("chat-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Title)

	require.NoError(t, s.DeleteChat("chat-1"))

	got, err = s.GetChat("chat-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChat_MissingIDRejected(t *testing.T) {
	s := testStore(t)
	assert.Error(t, s.SaveChat(models.ChatRecord{}))
}

func TestChat_DeleteMissingIsNoop(t *testing.T) {
	s := testStore(t)
	assert.NoError(t, s.DeleteChat("never-existed"))
}

func TestMarkAsSynced(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.SaveChat(models.ChatRecord{
		ID:              "chat-1",
		LocallyModified: true,
	}))

	require.NoError(t, s.MarkAsSynced("chat-1", 3))

	got, err := s.GetChat("chat-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.SyncVersion)
	assert.False(t, got.LocallyModified)
	require.NotNil(t, got.SyncedAt)
	assert.WithinDuration(t, time.Now(), *got.SyncedAt, time.Minute)
}

func TestMarkAsSynced_MissingChat(t *testing.T) {
	s := testStore(t)
	assert.Error(t, s.MarkAsSynced("missing", 1))
}

func TestSyncedChatsNewestFirst(t *testing.T) {
	s := testStore(t)

	base := time.Now().UTC()
	for i, tc := range []struct {
		id        string
		syncedAgo time.Duration
		localOnly bool
		unsynced  bool
	}{
		{id: "old", syncedAgo: 3 * time.Hour},
		{id: "new", syncedAgo: time.Minute},
		{id: "mid", syncedAgo: time.Hour},
		{id: "local-only", syncedAgo: time.Second, localOnly: true},
		{id: "never-synced", unsynced: true},
	} {
		record := models.ChatRecord{ID: tc.id, IsLocalOnly: tc.localOnly, SyncVersion: int64(i)}
		if !tc.unsynced {
			at := base.Add(-tc.syncedAgo)
			record.SyncedAt = &at
		}

		require.NoError(t, s.SaveChat(record))
	}

	synced, err := s.SyncedChatsNewestFirst()
	require.NoError(t, err)

	ids := make([]string, 0, len(synced))
	for _, r := range synced {
		ids = append(ids, r.ID)
	}

	assert.Equal(t, []string{"new", "mid", "old"}, ids)
}

func TestCredentials_RoundTrip(t *testing.T) {
	s := testStore(t)

	older := models.CredentialEntry{CredentialID: "cred-a", CreatedAt: time.Now().Add(-time.Hour)}
	newer := models.CredentialEntry{CredentialID: "cred-b", CreatedAt: time.Now()}

	require.NoError(t, s.SaveCredential(newer))
	require.NoError(t, s.SaveCredential(older))

	entries, err := s.Credentials()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cred-a", entries[0].CredentialID, "oldest first")

	require.NoError(t, s.DeleteCredential("cred-a"))

	entries, err = s.Credentials()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cred-b", entries[0].CredentialID)
}

func TestFlags(t *testing.T) {
	s := testStore(t)

	set, err := s.Flag(FlagPasskeyBackedUp)
	require.NoError(t, err)
	assert.False(t, set, "unset flag defaults to false")

	require.NoError(t, s.SetFlag(FlagPasskeyBackedUp, true))

	set, err = s.Flag(FlagPasskeyBackedUp)
	require.NoError(t, err)
	assert.True(t, set)

	require.NoError(t, s.SetFlag(FlagPasskeyBackedUp, false))

	set, err = s.Flag(FlagPasskeyBackedUp)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestStatus_RoundTrip(t *testing.T) {
	s := testStore(t)

	got, err := s.GetStatus("sync-status")
	require.NoError(t, err)
	assert.Nil(t, got)

	status := models.SyncStatus{PendingUploads: 4, CheckedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, s.PutStatus("sync-status", status))

	got, err = s.GetStatus("sync-status")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.PendingUploads)

	require.NoError(t, s.DeleteStatus("sync-status"))

	got, err = s.GetStatus("sync-status")
	require.NoError(t, err)
	assert.Nil(t, got)
}
