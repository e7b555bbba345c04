// Package chatsync orchestrates the sync session: it ties the keyring,
// codec, remote store, local state, and pagination engine together into
// the upload and download paths. One Session lives from sign-in to
// sign-out; nothing here survives the session.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/chat-sync/internal/codec"
	syncerrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/keyring"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/paginate"
	"github.com/alexjbarnes/chat-sync/internal/remote"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/internal/status"
)

// statusKey is the storage key for the session's cached sync status.
const statusKey = "sync_status"

// statusTTL bounds how old a cached status may be before Status
// recomputes it from local state.
const statusTTL = time.Minute

// chatPayload is the portion of a record that travels encrypted. Sync
// bookkeeping (versions, flags, timestamps of the sync itself) stays
// local and in transport metadata, never inside the frame.
type chatPayload struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Messages  []models.Message `json:"messages"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Session is the per-sign-in sync orchestrator.
type Session struct {
	keys   *keyring.Keyring
	store  *state.Store
	chats  remote.ChatStore
	status *status.Cache
	engine *paginate.Engine
	logger *slog.Logger

	mu        sync.Mutex
	enabled   bool
	closed    bool
	observers []func(bool)
}

// NewSession wires a sync session. Sync starts disabled until the
// passkey setup flow reports an active key.
func NewSession(keys *keyring.Keyring, store *state.Store, chats remote.ChatStore, logger *slog.Logger, opts ...paginate.Option) *Session {
	s := &Session{
		keys:   keys,
		store:  store,
		chats:  chats,
		status: status.New(store, statusKey),
		logger: logger,
	}

	s.engine = paginate.New(store, chats, s, logger, opts...)

	return s
}

// Pages exposes the session's pagination engine.
func (s *Session) Pages() *paginate.Engine {
	return s.engine
}

// ensureLive rejects operations on a signed-out session. Results of
// in-flight network calls must never commit after sign-out.
func (s *Session) ensureLive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return syncerrors.ErrNotSignedIn
	}

	return nil
}

// SyncEnabled reports whether sync is currently active.
func (s *Session) SyncEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.enabled
}

// SetSyncEnabled flips the sync setting and notifies observers. A
// no-op when the setting does not change.
func (s *Session) SetSyncEnabled(enabled bool) {
	s.mu.Lock()

	if s.enabled == enabled {
		s.mu.Unlock()
		return
	}

	s.enabled = enabled
	observers := make([]func(bool), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	s.status.Invalidate()

	for _, fn := range observers {
		fn(enabled)
	}
}

// OnSyncSettingChanged registers an observer called whenever the sync
// setting flips. Observers are called outside the session lock.
func (s *Session) OnSyncSettingChanged(fn func(enabled bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observers = append(s.observers, fn)
}

// CreateChat stores a fresh local chat record. The record is marked
// locally modified so the next sync pass uploads it.
func (s *Session) CreateChat(title string, messages []models.Message) (*models.ChatRecord, error) {
	if err := s.ensureLive(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := models.ChatRecord{
		ID:              uuid.NewString(),
		Title:           title,
		Messages:        messages,
		CreatedAt:       now,
		UpdatedAt:       now,
		LocallyModified: true,
		IsBlankChat:     title == "" && len(messages) == 0,
	}

	if err := s.store.SaveChat(record); err != nil {
		return nil, fmt.Errorf("saving chat %s: %w", record.ID, err)
	}

	s.dropStatus()

	return &record, nil
}

// UploadChat encrypts a local chat under the primary key and writes it
// to the remote store. Local-only and blank chats are skipped without
// error, as is any upload while sync is disabled. A version conflict
// from the server surfaces as ErrVersionConflict.
func (s *Session) UploadChat(ctx context.Context, id string) error {
	if err := s.ensureLive(); err != nil {
		return err
	}

	if !s.SyncEnabled() {
		return nil
	}

	record, err := s.store.GetChat(id)
	if err != nil {
		return fmt.Errorf("loading chat %s: %w", id, err)
	}

	if record == nil {
		return fmt.Errorf("chat %s not found", id)
	}

	if !record.Uploadable() {
		return nil
	}

	if record.DecryptionFailed {
		// Never re-encrypt placeholder content over a frame we could
		// not read. The retained ciphertext stays authoritative.
		return nil
	}

	key, err := s.keys.Primary()
	if err != nil {
		return err
	}

	frame, err := codec.Encode(payloadOf(record), key)
	if err != nil {
		return fmt.Errorf("encoding chat %s: %w", id, err)
	}

	newVersion, err := s.chats.PutChat(ctx, id, frame, record.SyncVersion)
	if err != nil {
		return err
	}

	if err := s.store.MarkAsSynced(id, newVersion); err != nil {
		return fmt.Errorf("marking chat %s synced: %w", id, err)
	}

	s.dropStatus()
	s.logger.Debug("chat uploaded",
		slog.String("chat_id", id),
		slog.Int64("sync_version", newVersion))

	return nil
}

// UploadPending uploads every record with unsynced local changes. A
// version conflict downloads the remote copy instead; the remote store
// is authoritative for a record someone else wrote first.
func (s *Session) UploadPending(ctx context.Context) error {
	if err := s.ensureLive(); err != nil {
		return err
	}

	all, err := s.store.AllChats()
	if err != nil {
		return fmt.Errorf("listing chats: %w", err)
	}

	for _, record := range all {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !record.Uploadable() || record.DecryptionFailed {
			continue
		}

		if !record.LocallyModified && record.Synced() {
			continue
		}

		err := s.UploadChat(ctx, record.ID)
		if errors.Is(err, syncerrors.ErrVersionConflict) {
			s.logger.Info("upload conflict, taking remote copy", slog.String("chat_id", record.ID))

			if err := s.DownloadChat(ctx, record.ID); err != nil {
				return err
			}

			continue
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// DownloadChat fetches a chat's encrypted frame from the remote store
// and decodes it into local state.
func (s *Session) DownloadChat(ctx context.Context, id string) error {
	if err := s.ensureLive(); err != nil {
		return err
	}

	chat, err := s.chats.GetChat(ctx, id)
	if err != nil {
		return err
	}

	syncVersion := chat.SyncVersion
	if syncVersion == 0 {
		// Backends that do not report a version on reads fall back to
		// the version we last saw.
		existing, err := s.store.GetChat(id)
		if err != nil {
			return fmt.Errorf("loading chat %s: %w", id, err)
		}

		if existing != nil {
			syncVersion = existing.SyncVersion
		}
	}

	return s.decodeAndStore(id, chat.FormatVersion, chat.Content, syncVersion, time.Time{}, true)
}

// SaveRemote stores one listing entry locally, fetching the frame
// separately when the listing carried no content. Implements the
// pagination engine's record sink.
func (s *Session) SaveRemote(ctx context.Context, chat remote.RemoteChat) error {
	frame := chat.Content
	version := chat.FormatVersion

	syncVersion := chat.SyncVersion

	if len(frame) == 0 {
		fetched, err := s.chats.GetChat(ctx, chat.ID)
		if err != nil {
			return err
		}

		frame = fetched.Content
		version = fetched.FormatVersion

		if fetched.SyncVersion > syncVersion {
			syncVersion = fetched.SyncVersion
		}
	}

	return s.decodeAndStore(chat.ID, version, frame, syncVersion, chat.UpdatedAt, false)
}

// decodeAndStore turns an encrypted frame into a local record. Failures
// to decode are not errors: the record is stored with its failure flags
// set and the ciphertext retained, so a later key recovery can retry
// without re-fetching. Unless force is set, a record with unsynced
// local edits is left alone when the incoming version is not newer; the
// upload path resolves it against the server's concurrency check.
func (s *Session) decodeAndStore(id string, frameVersion int, frame []byte, syncVersion int64, updatedAt time.Time, force bool) error {
	// The fetch may have raced a sign-out; never commit after it.
	if err := s.ensureLive(); err != nil {
		return err
	}

	if !force {
		existing, err := s.store.GetChat(id)
		if err != nil {
			return fmt.Errorf("loading chat %s: %w", id, err)
		}

		if existing != nil && existing.LocallyModified && syncVersion <= existing.SyncVersion {
			return nil
		}
	}

	var payload chatPayload

	err := s.keys.TryDecrypt(frameVersion, frame, &payload)
	if err != nil {
		return s.storeUndecrypted(id, frameVersion, frame, syncVersion, updatedAt, err)
	}

	now := time.Now().UTC()
	record := models.ChatRecord{
		ID:              id,
		Title:           payload.Title,
		Messages:        payload.Messages,
		CreatedAt:       payload.CreatedAt,
		UpdatedAt:       payload.UpdatedAt,
		SyncedAt:        &now,
		SyncVersion:     syncVersion,
		LocallyModified: false,
	}

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = updatedAt
	}

	if err := s.store.SaveChat(record); err != nil {
		return fmt.Errorf("saving chat %s: %w", id, err)
	}

	s.dropStatus()

	return nil
}

// storeUndecrypted records a frame that would not decode. Corruption
// and authentication failure are distinguished so the UI can tell
// "wrong key, recoverable" from "damaged data".
func (s *Session) storeUndecrypted(id string, frameVersion int, frame []byte, syncVersion int64, updatedAt time.Time, decodeErr error) error {
	record := models.ChatRecord{
		ID:                   id,
		UpdatedAt:            updatedAt,
		SyncVersion:          syncVersion,
		DecryptionFailed:     true,
		EncryptedData:        frame,
		EncryptedDataVersion: frameVersion,
	}

	switch {
	case codec.IsAuthFailure(decodeErr) || errors.Is(decodeErr, syncerrors.ErrNoKeys):
		// Recoverable once the right key arrives.
	case codec.IsFormatCorruption(decodeErr) || codec.IsMalformedFrame(decodeErr):
		record.DataCorrupted = true
	default:
		return fmt.Errorf("decoding chat %s: %w", id, decodeErr)
	}

	// Keep any plaintext we already had rather than blanking the title.
	if existing, err := s.store.GetChat(id); err == nil && existing != nil {
		record.Title = existing.Title
		record.CreatedAt = existing.CreatedAt
		record.SyncedAt = existing.SyncedAt
	}

	if err := s.store.SaveChat(record); err != nil {
		return fmt.Errorf("saving chat %s: %w", id, err)
	}

	s.dropStatus()
	s.logger.Warn("chat stored undecrypted",
		slog.String("chat_id", id),
		slog.Bool("corrupted", record.DataCorrupted))

	return nil
}

// RetryUndecrypted re-runs the decode path for every record whose
// ciphertext was retained after a decryption failure. Called after key
// recovery; no network traffic. Returns the number of records restored.
func (s *Session) RetryUndecrypted(ctx context.Context) (int, error) {
	if err := s.ensureLive(); err != nil {
		return 0, err
	}

	all, err := s.store.AllChats()
	if err != nil {
		return 0, fmt.Errorf("listing chats: %w", err)
	}

	recovered := 0

	for _, record := range all {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}

		if !record.DecryptionFailed || len(record.EncryptedData) == 0 {
			continue
		}

		if record.DataCorrupted {
			// A new key cannot repair damaged ciphertext.
			continue
		}

		var payload chatPayload
		if err := s.keys.TryDecrypt(record.EncryptedDataVersion, record.EncryptedData, &payload); err != nil {
			continue
		}

		record.Title = payload.Title
		record.Messages = payload.Messages
		record.CreatedAt = payload.CreatedAt
		record.UpdatedAt = payload.UpdatedAt
		record.DecryptionFailed = false
		record.DataCorrupted = false
		record.EncryptedData = nil
		record.EncryptedDataVersion = 0

		if err := s.store.SaveChat(record); err != nil {
			return recovered, fmt.Errorf("saving chat %s: %w", record.ID, err)
		}

		recovered++
	}

	if recovered > 0 {
		s.dropStatus()
		s.logger.Info("recovered undecrypted chats", slog.Int("count", recovered))
	}

	return recovered, nil
}

// Status returns the current sync status, recomputing it from local
// state when the cache holds nothing or the cached entry has gone
// stale.
func (s *Session) Status(ctx context.Context) (*models.SyncStatus, error) {
	if err := s.ensureLive(); err != nil {
		return nil, err
	}

	cached, err := s.status.Load()
	if err != nil {
		return nil, err
	}

	if cached != nil && time.Since(cached.CheckedAt) < statusTTL {
		return cached, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := s.store.AllChats()
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}

	computed := models.SyncStatus{CheckedAt: time.Now().UTC()}

	for _, record := range all {
		if record.DecryptionFailed {
			computed.FailedDecrypts++
			continue
		}

		if record.Uploadable() && (record.LocallyModified || !record.Synced()) {
			computed.PendingUploads++
		}
	}

	if err := s.status.Save(computed); err != nil {
		return nil, err
	}

	return &computed, nil
}

// Close marks the session signed-out and clears session-scoped caches.
// Local chat records stay on disk; only the status hint is dropped.
// Any operation racing Close fails with ErrNotSignedIn instead of
// committing stale results.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return s.status.Clear()
}

// dropStatus discards the cached status after a local mutation. The
// next Status call recomputes from state; a failure to clear only
// delays that by the cache TTL.
func (s *Session) dropStatus() {
	if err := s.status.Clear(); err != nil {
		s.logger.Warn("clearing status cache", slog.String("error", err.Error()))
	}
}

func payloadOf(record *models.ChatRecord) chatPayload {
	return chatPayload{
		ID:        record.ID,
		Title:     record.Title,
		Messages:  record.Messages,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}
