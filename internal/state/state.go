// Package state persists all local engine state in a bbolt database:
// chat records, known passkey credential entries, account-scoped flags,
// and the sync status cache. Everything here is a local replica or
// hint; the remote store and the in-memory keyring stay authoritative.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	chatsBucket       = []byte("chats")
	credentialsBucket = []byte("credentials")
	flagsBucket       = []byte("flags")
	statusBucket      = []byte("status")
)

// Flag keys persisted in the flags bucket. These are hints, never the
// sole source of truth.
const (
	FlagPasskeyBackedUp = "passkey_backed_up"
)

// Store wraps a bbolt database holding all persistent local state.
type Store struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chat-sync/state.db, creating it
// if it does not exist.
func Load() (*Store, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return LoadAt(filepath.Join(dir, ".chat-sync", "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{chatsBucket, credentialsBucket, flagsBucket, statusBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveChat persists a chat record, overwriting any existing entry.
func (s *Store) SaveChat(record models.ChatRecord) error {
	if record.ID == "" {
		return fmt.Errorf("chat record has no id")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}

		return tx.Bucket(chatsBucket).Put([]byte(record.ID), data)
	})
}

// GetChat returns the chat record for an id, or nil if not found.
func (s *Store) GetChat(id string) (*models.ChatRecord, error) {
	var record *models.ChatRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		record = &models.ChatRecord{}

		return json.Unmarshal(v, record)
	})

	return record, err
}

// DeleteChat removes a chat record by id. Deleting a missing id is not
// an error.
func (s *Store) DeleteChat(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).Delete([]byte(id))
	})
}

// AllChats returns every locally stored chat record, unordered.
func (s *Store) AllChats() ([]models.ChatRecord, error) {
	var records []models.ChatRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var record models.ChatRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}

			records = append(records, record)

			return nil
		})
	})

	return records, err
}

// SyncedChatsNewestFirst returns all synced, non-local-only chats
// sorted by SyncedAt descending. Used by the pagination engine to
// decide which locally retained chats fall outside the first page.
func (s *Store) SyncedChatsNewestFirst() ([]models.ChatRecord, error) {
	all, err := s.AllChats()
	if err != nil {
		return nil, err
	}

	var synced []models.ChatRecord

	for _, record := range all {
		if record.Synced() && !record.IsLocalOnly {
			synced = append(synced, record)
		}
	}

	sort.Slice(synced, func(i, j int) bool {
		return synced[i].SyncedAt.After(*synced[j].SyncedAt)
	})

	return synced, nil
}

// MarkAsSynced records a successful remote write: stamps SyncedAt,
// stores the new sync version, and clears the locally-modified flag.
func (s *Store) MarkAsSynced(id string, syncVersion int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("chat %s not found", id)
		}

		var record models.ChatRecord
		if err := json.Unmarshal(v, &record); err != nil {
			return err
		}

		now := time.Now().UTC()
		record.SyncedAt = &now
		record.SyncVersion = syncVersion
		record.LocallyModified = false

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// SaveCredential records a passkey credential known to this device.
func (s *Store) SaveCredential(entry models.CredentialEntry) error {
	if entry.CredentialID == "" {
		return fmt.Errorf("credential entry has no id")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		return tx.Bucket(credentialsBucket).Put([]byte(entry.CredentialID), data)
	})
}

// Credentials returns all known credential entries, oldest first.
func (s *Store) Credentials() ([]models.CredentialEntry, error) {
	var entries []models.CredentialEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).ForEach(func(_, v []byte) error {
			var entry models.CredentialEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}

			entries = append(entries, entry)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	return entries, nil
}

// DeleteCredential removes a credential entry by id.
func (s *Store) DeleteCredential(credentialID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Delete([]byte(credentialID))
	})
}

// Flag returns the boolean flag for a key, defaulting to false.
func (s *Store) Flag(key string) (bool, error) {
	var set bool

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(flagsBucket).Get([]byte(key))
		set = len(v) == 1 && v[0] == 1

		return nil
	})

	return set, err
}

// SetFlag persists a boolean flag.
func (s *Store) SetFlag(key string, value bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := []byte{0}
		if value {
			b[0] = 1
		}

		return tx.Bucket(flagsBucket).Put([]byte(key), b)
	})
}

// GetStatus returns the persisted sync status for a storage key, or nil
// if none is stored.
func (s *Store) GetStatus(key string) (*models.SyncStatus, error) {
	var status *models.SyncStatus

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(statusBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		status = &models.SyncStatus{}

		return json.Unmarshal(v, status)
	})

	return status, err
}

// PutStatus persists the sync status for a storage key.
func (s *Store) PutStatus(key string, status models.SyncStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}

		return tx.Bucket(statusBucket).Put([]byte(key), data)
	})
}

// DeleteStatus removes the persisted sync status for a storage key.
func (s *Store) DeleteStatus(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(statusBucket).Delete([]byte(key))
	})
}
