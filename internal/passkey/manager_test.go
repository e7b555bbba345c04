package passkey

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/keyring"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/remote"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var testUser = models.UserInfo{ID: "user-1", Name: "u@example.com", DisplayName: "U"}

// fakeAuthenticator simulates a platform authenticator with one
// credential and a stable PRF output.
type fakeAuthenticator struct {
	credentialID  string
	prfOutput     []byte
	cancelNext    bool
	failNext      error
	registerCalls int
	authCalls     int
}

func (f *fakeAuthenticator) ceremony() (*Ceremony, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil

		return nil, err
	}

	if f.cancelNext {
		f.cancelNext = false
		return nil, nil
	}

	return &Ceremony{
		CredentialID: f.credentialID,
		PRFOutput:    append([]byte(nil), f.prfOutput...),
	}, nil
}

func (f *fakeAuthenticator) Register(_ context.Context, _ models.UserInfo) (*Ceremony, error) {
	f.registerCalls++
	return f.ceremony()
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, _ []string) (*Ceremony, error) {
	f.authCalls++
	return f.ceremony()
}

// fakeBackend is an in-memory bundle store.
type fakeBackend struct {
	bundles   map[string][]byte
	flags     remote.AccountFlags
	storeErr  error
	fetchErr  error
	flagsErr  error
	flagsSets int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{bundles: map[string][]byte{}}
}

func (b *fakeBackend) StoreWrappedBundle(_ context.Context, credentialID string, wrapped []byte) error {
	if b.storeErr != nil {
		return b.storeErr
	}

	b.bundles[credentialID] = append([]byte(nil), wrapped...)

	return nil
}

func (b *fakeBackend) RetrieveWrappedBundle(_ context.Context, credentialID string) ([]byte, error) {
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}

	wrapped, ok := b.bundles[credentialID]
	if !ok {
		return nil, syncerrors.ErrBackupMissing
	}

	return wrapped, nil
}

func (b *fakeBackend) GetAccountFlags(_ context.Context) (*remote.AccountFlags, error) {
	if b.flagsErr != nil {
		return nil, b.flagsErr
	}

	flags := b.flags

	return &flags, nil
}

func (b *fakeBackend) SetAccountFlags(_ context.Context, flags remote.AccountFlags) error {
	b.flags = flags
	b.flagsSets++

	return nil
}

func testManager(t *testing.T) (*Manager, *fakeAuthenticator, *fakeBackend, *keyring.Keyring, *state.Store) {
	t.Helper()

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auth := &fakeAuthenticator{
		credentialID: "cred-1",
		prfOutput:    []byte("prf-output-material-0123456789ab"),
	}
	backend := newFakeBackend()
	keys := keyring.New()

	m := NewManager(auth, keys, store, backend, quietLogger)
	m.introDelay = time.Millisecond

	return m, auth, backend, keys, store
}

func testBundle(t *testing.T) models.KeyBundle {
	t.Helper()

	primary, err := keyring.Generate()
	require.NoError(t, err)
	alt, err := keyring.Generate()
	require.NoError(t, err)

	return models.KeyBundle{Primary: primary, Alternatives: []models.Key{alt}}
}

func TestDeriveKEK(t *testing.T) {
	prf := []byte("stable-prf-output")

	k1, err := deriveKEK(prf, "cred-1")
	require.NoError(t, err)
	assert.Len(t, k1, kekLen)

	k2, err := deriveKEK(prf, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same authenticator and credential derive the same KEK")

	k3, err := deriveKEK(prf, "cred-2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = deriveKEK(nil, "cred-1")
	assert.Error(t, err)
}

func TestCreateBackup_StoresWrappedBundle(t *testing.T) {
	m, _, backend, _, store := testManager(t)
	bundle := testBundle(t)

	created, err := m.CreateBackup(context.Background(), testUser, bundle)
	require.NoError(t, err)
	assert.True(t, created)

	wrapped, ok := backend.bundles["cred-1"]
	require.True(t, ok)
	assert.NotContains(t, string(wrapped), string(bundle.Primary), "bundle must be encrypted at rest")

	entries, err := store.Credentials()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cred-1", entries[0].CredentialID)

	backedUp, err := store.Flag(state.FlagPasskeyBackedUp)
	require.NoError(t, err)
	assert.True(t, backedUp)
}

func TestCreateBackup_CancelLeavesNothingBehind(t *testing.T) {
	m, auth, backend, _, store := testManager(t)
	auth.cancelNext = true

	created, err := m.CreateBackup(context.Background(), testUser, testBundle(t))
	require.NoError(t, err)
	assert.False(t, created)

	assert.Empty(t, backend.bundles)

	entries, err := store.Credentials()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateBackup_CeremonyFailureSurfaces(t *testing.T) {
	m, auth, _, _, _ := testManager(t)
	auth.failNext = fmt.Errorf("authenticator timeout")

	_, err := m.CreateBackup(context.Background(), testUser, testBundle(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration ceremony")
}

func TestRecover_NoCredentialsIsNoop(t *testing.T) {
	m, auth, _, _, _ := testManager(t)

	bundle, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, bundle)
	assert.Zero(t, auth.authCalls, "no ceremony without known credentials")
}

func TestRecover_RoundTrip(t *testing.T) {
	m, _, _, _, _ := testManager(t)
	original := testBundle(t)

	created, err := m.CreateBackup(context.Background(), testUser, original)
	require.NoError(t, err)
	require.True(t, created)

	recovered, err := m.Recover(context.Background())
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, original.Primary, recovered.Primary)
	assert.Equal(t, original.Alternatives, recovered.Alternatives)
}

func TestRecover_CancelReturnsNil(t *testing.T) {
	m, auth, _, _, _ := testManager(t)

	created, err := m.CreateBackup(context.Background(), testUser, testBundle(t))
	require.NoError(t, err)
	require.True(t, created)

	auth.cancelNext = true

	bundle, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, bundle)
}

func TestRecover_MissingBackendRecordReturnsNil(t *testing.T) {
	m, _, backend, _, store := testManager(t)

	// Credential known locally but backend holds no bundle for it.
	require.NoError(t, store.SaveCredential(models.CredentialEntry{
		CredentialID: "cred-1",
		CreatedAt:    time.Now(),
	}))
	delete(backend.bundles, "cred-1")

	bundle, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, bundle)
}

func TestRecover_TransportErrorSurfaces(t *testing.T) {
	m, _, backend, _, store := testManager(t)

	require.NoError(t, store.SaveCredential(models.CredentialEntry{
		CredentialID: "cred-1",
		CreatedAt:    time.Now(),
	}))
	backend.fetchErr = &remote.TransientError{Err: fmt.Errorf("backend down")}

	_, err := m.Recover(context.Background())
	require.Error(t, err)
	assert.True(t, remote.IsTransient(err))
}

func TestUpdateBackup_CachedBranchSkipsPrompt(t *testing.T) {
	m, auth, backend, keys, _ := testManager(t)

	bundle := testBundle(t)
	require.NoError(t, keys.SetAllKeys(bundle.Primary, bundle.Alternatives))

	created, err := m.CreateBackup(context.Background(), testUser, bundle)
	require.NoError(t, err)
	require.True(t, created)

	before := backend.bundles["cred-1"]

	// Rotate and re-backup within the PRF cache TTL: no fresh ceremony.
	_, err = keys.Rotate()
	require.NoError(t, err)

	updated, err := m.UpdateBackup(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Zero(t, auth.authCalls, "cached PRF output must avoid a fresh prompt")
	assert.NotEqual(t, before, backend.bundles["cred-1"])
}

func TestUpdateBackup_FreshBranchPrompts(t *testing.T) {
	m, auth, _, keys, _ := testManager(t)

	bundle := testBundle(t)
	require.NoError(t, keys.SetAllKeys(bundle.Primary, bundle.Alternatives))

	created, err := m.CreateBackup(context.Background(), testUser, bundle)
	require.NoError(t, err)
	require.True(t, created)

	// Expire the cache to force the fresh-authentication branch.
	m.mu.Lock()
	m.prf.expiresAt = time.Now().Add(-time.Second)
	m.mu.Unlock()

	updated, err := m.UpdateBackup(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, 1, auth.authCalls)
}

func TestUpdateBackup_FreshBranchCancel(t *testing.T) {
	m, auth, _, keys, _ := testManager(t)

	bundle := testBundle(t)
	require.NoError(t, keys.SetAllKeys(bundle.Primary, bundle.Alternatives))

	created, err := m.CreateBackup(context.Background(), testUser, bundle)
	require.NoError(t, err)
	require.True(t, created)

	m.mu.Lock()
	m.prf = nil
	m.mu.Unlock()
	auth.cancelNext = true

	updated, err := m.UpdateBackup(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestUpdateBackup_NoKeys(t *testing.T) {
	m, _, _, _, _ := testManager(t)

	_, err := m.UpdateBackup(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrNoKeys)
}

func TestSetup_Unavailable(t *testing.T) {
	_, _, backend, keys, store := testManager(t)

	m := NewManager(nil, keys, store, backend, quietLogger)

	result, err := m.Setup(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, SetupUnavailable, result.State)
	assert.False(t, result.SyncEnabled)
}

func TestSetup_FirstTimeUser(t *testing.T) {
	m, _, backend, keys, _ := testManager(t)

	result, err := m.Setup(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, FirstTimeSetupDone, result.State)
	assert.True(t, result.SyncEnabled)
	assert.True(t, keys.HasKeys(), "generated key activated after successful backup")
	assert.NotEmpty(t, backend.bundles)
}

func TestSetup_FirstTimeCancelDiscardsKey(t *testing.T) {
	m, auth, backend, keys, store := testManager(t)
	auth.cancelNext = true

	result, err := m.Setup(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, FirstTimeSetupCancelled, result.State)
	assert.False(t, result.SyncEnabled)

	// The generated key must not survive anywhere.
	assert.False(t, keys.HasKeys())
	assert.Empty(t, backend.bundles)

	entries, err := store.Credentials()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSetup_RecoversExistingBackup(t *testing.T) {
	m, _, _, keys, _ := testManager(t)
	original := testBundle(t)

	created, err := m.CreateBackup(context.Background(), testUser, original)
	require.NoError(t, err)
	require.True(t, created)

	// Simulate a wiped device: keys gone, credential entry retained.
	keys.Clear()

	result, err := m.Setup(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, RecoverySucceeded, result.State)
	assert.True(t, result.SyncEnabled)

	restored, ok := keys.Bundle()
	require.True(t, ok)
	assert.Equal(t, original.Primary, restored.Primary)
}

func TestSetup_RecoveryCancelled(t *testing.T) {
	m, auth, _, keys, _ := testManager(t)

	created, err := m.CreateBackup(context.Background(), testUser, testBundle(t))
	require.NoError(t, err)
	require.True(t, created)

	keys.Clear()
	auth.cancelNext = true

	result, err := m.Setup(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, RecoveryFailed, result.State)
	assert.False(t, keys.HasKeys())
}

func TestSetup_ExistingKeysShowsIntroOnce(t *testing.T) {
	m, _, backend, keys, _ := testManager(t)

	bundle := testBundle(t)
	require.NoError(t, keys.SetAllKeys(bundle.Primary, bundle.Alternatives))

	result, err := m.Setup(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, FirstTimeSetupDone, result.State)
	assert.True(t, backend.flags.HasSeenPasskeyIntro)
	assert.Equal(t, 1, backend.flagsSets)
}

func TestSetup_ExistingKeysIntroAlreadySeen(t *testing.T) {
	m, _, backend, keys, _ := testManager(t)
	backend.flags.HasSeenPasskeyIntro = true

	bundle := testBundle(t)
	require.NoError(t, keys.SetAllKeys(bundle.Primary, bundle.Alternatives))

	_, err := m.Setup(context.Background(), testUser)
	require.NoError(t, err)
	assert.Zero(t, backend.flagsSets, "intro flag is set at most once per account")
}

func TestSetup_ExistingKeysCancelKeepsLocalKeys(t *testing.T) {
	m, auth, _, keys, _ := testManager(t)
	auth.cancelNext = true

	bundle := testBundle(t)
	require.NoError(t, keys.SetAllKeys(bundle.Primary, bundle.Alternatives))

	result, err := m.Setup(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, FirstTimeSetupCancelled, result.State)
	assert.True(t, result.SyncEnabled, "pre-existing keys stay usable without a backup")
	assert.True(t, keys.HasKeys())
}

func TestFlowGuard_RejectsOverlappingCeremonies(t *testing.T) {
	m, _, _, _, _ := testManager(t)

	require.NoError(t, m.beginFlow())

	_, err := m.CreateBackup(context.Background(), testUser, testBundle(t))
	assert.ErrorIs(t, err, syncerrors.ErrFlowInProgress)

	_, err = m.Recover(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrFlowInProgress)

	m.endFlow()
}
