package passkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/codec"
	syncerrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/keyring"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/remote"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

const (
	// prfCacheTTL bounds how long a PRF output is reused before a fresh
	// ceremony is required. Keeps repeated re-backups within one
	// settings session from prompting the user every time.
	prfCacheTTL = 5 * time.Minute

	// defaultIntroDelay is how long the introductory explanation is
	// shown before the first hardware prompt. A pacing delay, not a
	// hard requirement.
	defaultIntroDelay = 3 * time.Second
)

// BundleStore is the backend surface the manager needs: opaque wrapped
// bundle storage plus account-scoped flags. Implemented by
// remote.Client.
type BundleStore interface {
	StoreWrappedBundle(ctx context.Context, credentialID string, wrapped []byte) error
	RetrieveWrappedBundle(ctx context.Context, credentialID string) ([]byte, error)
	GetAccountFlags(ctx context.Context) (*remote.AccountFlags, error)
	SetAccountFlags(ctx context.Context, flags remote.AccountFlags) error
}

// SetupState is the terminal state of a Setup run.
type SetupState int

const (
	// SetupUnavailable means no authenticator is present; the feature
	// is silently disabled.
	SetupUnavailable SetupState = iota

	// RecoverySucceeded means the key bundle was restored from a
	// backend backup.
	RecoverySucceeded

	// RecoveryFailed means credentials exist but no bundle could be
	// recovered (cancelled, or backup missing).
	RecoveryFailed

	// FirstTimeSetupDone means a backup now exists for this account.
	FirstTimeSetupDone

	// FirstTimeSetupCancelled means the user declined the ceremony;
	// any generated key was discarded and sync stays disabled.
	FirstTimeSetupCancelled
)

// SetupResult reports what Setup did.
type SetupResult struct {
	State       SetupState
	SyncEnabled bool
}

// cachedPRF is a short-lived copy of the last ceremony's PRF output.
type cachedPRF struct {
	credentialID string
	prfOutput    []byte
	expiresAt    time.Time
}

// Manager drives passkey backup and recovery for one session.
type Manager struct {
	auth    Authenticator // nil when the platform has no authenticator
	keys    *keyring.Keyring
	store   *state.Store
	backend BundleStore
	logger  *slog.Logger

	introDelay time.Duration

	mu             sync.Mutex
	flowInProgress bool
	prf            *cachedPRF
}

// NewManager creates a passkey manager. auth may be nil when the
// platform reports no authenticator support; every operation then
// short-circuits without error.
func NewManager(auth Authenticator, keys *keyring.Keyring, store *state.Store, backend BundleStore, logger *slog.Logger) *Manager {
	return &Manager{
		auth:       auth,
		keys:       keys,
		store:      store,
		backend:    backend,
		logger:     logger,
		introDelay: defaultIntroDelay,
	}
}

// Supported reports whether a hardware authenticator is available.
func (m *Manager) Supported() bool {
	return m.auth != nil
}

// beginFlow claims the single-flight ceremony slot. The platform
// serializes authenticator prompts; a second prompt while one is
// outstanding must never be triggered.
func (m *Manager) beginFlow() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.flowInProgress {
		return syncerrors.ErrFlowInProgress
	}

	m.flowInProgress = true

	return nil
}

func (m *Manager) endFlow() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flowInProgress = false
}

// cachePRF stores the ceremony's PRF output for a short window.
func (m *Manager) cachePRF(c *Ceremony) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prf = &cachedPRF{
		credentialID: c.CredentialID,
		prfOutput:    append([]byte(nil), c.PRFOutput...),
		expiresAt:    time.Now().Add(prfCacheTTL),
	}
}

// cachedCeremony returns the cached PRF output if still fresh.
func (m *Manager) cachedCeremony() *Ceremony {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.prf == nil || time.Now().After(m.prf.expiresAt) {
		m.prf = nil
		return nil
	}

	return &Ceremony{
		CredentialID: m.prf.credentialID,
		PRFOutput:    append([]byte(nil), m.prf.prfOutput...),
	}
}

// CreateBackup registers a new hardware credential and stores the key
// bundle wrapped under its derived KEK. Returns false, without error,
// when the user cancels the prompt; the caller must then discard any
// newly generated key rather than persist an unbacked-up key.
func (m *Manager) CreateBackup(ctx context.Context, user models.UserInfo, bundle models.KeyBundle) (bool, error) {
	if m.auth == nil {
		return false, syncerrors.ErrNotSupported
	}

	if err := m.beginFlow(); err != nil {
		return false, err
	}
	defer m.endFlow()

	return m.createBackup(ctx, user, bundle)
}

func (m *Manager) createBackup(ctx context.Context, user models.UserInfo, bundle models.KeyBundle) (bool, error) {
	ceremony, err := m.auth.Register(ctx, user)
	if err != nil {
		return false, fmt.Errorf("registration ceremony: %w", err)
	}

	if ceremony == nil {
		m.logger.Info("passkey registration cancelled by user")
		return false, nil
	}

	if err := m.wrapAndStore(ctx, ceremony, bundle); err != nil {
		return false, err
	}

	if err := m.store.SaveCredential(models.CredentialEntry{
		CredentialID: ceremony.CredentialID,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return false, fmt.Errorf("saving credential entry: %w", err)
	}

	if err := m.store.SetFlag(state.FlagPasskeyBackedUp, true); err != nil {
		return false, fmt.Errorf("saving backed-up flag: %w", err)
	}

	m.cachePRF(ceremony)
	m.logger.Info("key bundle backed up", slog.String("credential_id", ceremony.CredentialID))

	return true, nil
}

// wrapAndStore derives the KEK and uploads the wrapped bundle.
func (m *Manager) wrapAndStore(ctx context.Context, ceremony *Ceremony, bundle models.KeyBundle) error {
	kek, err := deriveKEK(ceremony.PRFOutput, ceremony.CredentialID)
	if err != nil {
		return err
	}

	wrapped, err := codec.Encode(bundle, kek)
	if err != nil {
		return fmt.Errorf("wrapping key bundle: %w", err)
	}

	if err := m.backend.StoreWrappedBundle(ctx, ceremony.CredentialID, wrapped); err != nil {
		return err
	}

	return nil
}

// Recover restores the key bundle from a backend backup. Returns
// (nil, nil) when no credentials are known locally, when the user
// cancels the ceremony, or when the backend holds no record for the
// credential. Only transport failures surface as errors.
func (m *Manager) Recover(ctx context.Context) (*models.KeyBundle, error) {
	if m.auth == nil {
		return nil, nil
	}

	if err := m.beginFlow(); err != nil {
		return nil, err
	}
	defer m.endFlow()

	return m.recover(ctx)
}

func (m *Manager) recover(ctx context.Context) (*models.KeyBundle, error) {
	entries, err := m.store.Credentials()
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.CredentialID)
	}

	ceremony, err := m.auth.Authenticate(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("authentication ceremony: %w", err)
	}

	if ceremony == nil {
		m.logger.Info("passkey recovery cancelled by user")
		return nil, nil
	}

	wrapped, err := m.backend.RetrieveWrappedBundle(ctx, ceremony.CredentialID)
	if err != nil {
		if errors.Is(err, syncerrors.ErrBackupMissing) {
			m.logger.Warn("no backend backup for credential",
				slog.String("credential_id", ceremony.CredentialID))

			return nil, nil
		}

		return nil, err
	}

	kek, err := deriveKEK(ceremony.PRFOutput, ceremony.CredentialID)
	if err != nil {
		return nil, err
	}

	var bundle models.KeyBundle
	if err := codec.Decode(codec.FormatVersionBinary, wrapped, kek, &bundle); err != nil {
		return nil, fmt.Errorf("unwrapping key bundle: %w", err)
	}

	m.cachePRF(ceremony)
	m.logger.Info("key bundle recovered", slog.String("credential_id", ceremony.CredentialID))

	return &bundle, nil
}

// UpdateBackup re-wraps the current key bundle after a rotation. Two
// explicit branches: reuse the short-lived cached PRF output when one
// is fresh, otherwise run a fresh authentication ceremony. The second
// branch may prompt the user. Returns false when the user cancels the
// fresh ceremony.
func (m *Manager) UpdateBackup(ctx context.Context) (bool, error) {
	if m.auth == nil {
		return false, syncerrors.ErrNotSupported
	}

	bundle, ok := m.keys.Bundle()
	if !ok {
		return false, syncerrors.ErrNoKeys
	}

	if err := m.beginFlow(); err != nil {
		return false, err
	}
	defer m.endFlow()

	// Cached branch: no user interaction.
	if ceremony := m.cachedCeremony(); ceremony != nil {
		if err := m.wrapAndStore(ctx, ceremony, bundle); err != nil {
			return false, err
		}

		return true, nil
	}

	// Fresh branch: prompts the user.
	entries, err := m.store.Credentials()
	if err != nil {
		return false, fmt.Errorf("listing credentials: %w", err)
	}

	if len(entries) == 0 {
		return false, syncerrors.ErrNoCredentials
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.CredentialID)
	}

	ceremony, err := m.auth.Authenticate(ctx, ids)
	if err != nil {
		return false, fmt.Errorf("authentication ceremony: %w", err)
	}

	if ceremony == nil {
		return false, nil
	}

	if err := m.wrapAndStore(ctx, ceremony, bundle); err != nil {
		return false, err
	}

	m.cachePRF(ceremony)

	return true, nil
}

// Setup drives the session's passkey state machine at sign-in:
//
//   - authenticator absent: feature disabled, no error
//   - known credentials: attempt silent recovery
//   - local keys, no backup: show the one-time intro, then back up
//   - no keys, no credentials: genuinely first-time user. Generate a
//     key and back it up immediately; on cancel the key is discarded so
//     a key never exists only in volatile memory
func (m *Manager) Setup(ctx context.Context, user models.UserInfo) (*SetupResult, error) {
	if m.auth == nil {
		return &SetupResult{State: SetupUnavailable, SyncEnabled: m.keys.HasKeys()}, nil
	}

	if err := m.beginFlow(); err != nil {
		return nil, err
	}
	defer m.endFlow()

	entries, err := m.store.Credentials()
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	if len(entries) > 0 {
		return m.setupRecover(ctx)
	}

	if m.keys.HasKeys() {
		return m.setupBackupExistingKeys(ctx, user)
	}

	return m.setupFirstTime(ctx, user)
}

func (m *Manager) setupRecover(ctx context.Context) (*SetupResult, error) {
	bundle, err := m.recover(ctx)
	if err != nil {
		return nil, err
	}

	if bundle == nil {
		return &SetupResult{State: RecoveryFailed}, nil
	}

	if err := m.keys.SetAllKeys(bundle.Primary, bundle.Alternatives); err != nil {
		return nil, fmt.Errorf("restoring key bundle: %w", err)
	}

	return &SetupResult{State: RecoverySucceeded, SyncEnabled: true}, nil
}

// setupBackupExistingKeys handles a user who has local keys but no
// backend backup: show the introductory explanation once per account
// (tracked server-side so it survives device changes), then register.
func (m *Manager) setupBackupExistingKeys(ctx context.Context, user models.UserInfo) (*SetupResult, error) {
	flags, err := m.backend.GetAccountFlags(ctx)
	if err != nil {
		return nil, err
	}

	if !flags.HasSeenPasskeyIntro {
		select {
		case <-time.After(m.introDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if err := m.backend.SetAccountFlags(ctx, remote.AccountFlags{HasSeenPasskeyIntro: true}); err != nil {
			return nil, err
		}
	}

	bundle, ok := m.keys.Bundle()
	if !ok {
		return nil, syncerrors.ErrNoKeys
	}

	created, err := m.createBackup(ctx, user, bundle)
	if err != nil {
		return nil, err
	}

	if !created {
		// Existing keys stay usable locally; only the backup is missing.
		return &SetupResult{State: FirstTimeSetupCancelled, SyncEnabled: true}, nil
	}

	return &SetupResult{State: FirstTimeSetupDone, SyncEnabled: true}, nil
}

// setupFirstTime handles a genuinely first-time user: no local keys,
// no backend credential.
func (m *Manager) setupFirstTime(ctx context.Context, user models.UserInfo) (*SetupResult, error) {
	key, err := keyring.Generate()
	if err != nil {
		return nil, err
	}

	created, err := m.createBackup(ctx, user, models.KeyBundle{Primary: key})
	if err != nil {
		return nil, err
	}

	if !created {
		// Discard the generated key: it must never be persisted or used
		// while it exists nowhere but this process's memory.
		for i := range key {
			key[i] = 0
		}

		return &SetupResult{State: FirstTimeSetupCancelled, SyncEnabled: false}, nil
	}

	if err := m.keys.SetKey(key); err != nil {
		return nil, fmt.Errorf("activating generated key: %w", err)
	}

	return &SetupResult{State: FirstTimeSetupDone, SyncEnabled: true}, nil
}
