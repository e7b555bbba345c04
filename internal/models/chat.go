// Package models holds the domain types shared across the sync engine:
// chat records, message content, key bundles, and passkey credential
// metadata. Types here carry no behavior beyond simple predicates so
// that every component can depend on them without import cycles.
package models

import "time"

// Message is a single turn in a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`

	// Attachments holds per-attachment metadata. Each attachment is
	// encrypted under its own one-off key; the raw key material travels
	// inside the (chat-key-encrypted) record, never in the clear.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment references an encrypted blob stored alongside the chat.
// RawKey is the per-attachment symmetric key. It is only ever
// serialized as part of an encrypted ChatRecord.
type Attachment struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	RawKey []byte `json:"rawKey"`
}

// ChatRecord is one conversation as held in the local store. Remote
// copies are always encrypted; local copies hold plaintext fields plus
// sync bookkeeping.
type ChatRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// SyncedAt is the time of the last successful remote write or read.
	// Nil when the chat has never been synced.
	SyncedAt *time.Time `json:"syncedAt,omitempty"`

	// SyncVersion is the optimistic-concurrency token, incremented on
	// every successful remote write and compared before overwriting.
	SyncVersion int64 `json:"syncVersion"`

	// LocallyModified is true when local content has diverged from the
	// last known synced version.
	LocallyModified bool `json:"locallyModified"`

	// IsLocalOnly and IsBlankChat exclude a record from upload.
	IsLocalOnly bool `json:"isLocalOnly"`
	IsBlankChat bool `json:"isBlankChat"`

	// DecryptionFailed is set when the remote blob could not be turned
	// back into a record with any key in the bundle. DataCorrupted is
	// additionally set when a key authenticated the blob but the
	// payload would not parse. While DecryptionFailed is set the
	// plaintext fields are placeholders and EncryptedData retains the
	// original ciphertext so a later key recovery can retry without
	// re-fetching.
	DecryptionFailed bool   `json:"decryptionFailed,omitempty"`
	DataCorrupted    bool   `json:"dataCorrupted,omitempty"`
	EncryptedData    []byte `json:"encryptedData,omitempty"`

	// EncryptedDataVersion is the frame format version of EncryptedData,
	// recorded so a retry after key recovery decodes it correctly.
	EncryptedDataVersion int `json:"encryptedDataVersion,omitempty"`
}

// Uploadable reports whether this record is ever eligible for upload.
func (c *ChatRecord) Uploadable() bool {
	return !c.IsLocalOnly && !c.IsBlankChat
}

// Synced reports whether the record has ever completed a remote sync.
func (c *ChatRecord) Synced() bool {
	return c.SyncedAt != nil
}

// CredentialEntry records a hardware credential known to this device.
// Only the id and creation time are stored; the wrapped key bundle for
// the credential lives on the backend.
type CredentialEntry struct {
	CredentialID string    `json:"credentialId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SyncStatus is the cached last-known sync state, used to avoid
// re-deriving it on every poll.
type SyncStatus struct {
	PendingUploads int       `json:"pendingUploads"`
	FailedDecrypts int       `json:"failedDecrypts"`
	CheckedAt      time.Time `json:"checkedAt"`
}

// UserInfo identifies the account during a passkey registration
// ceremony. No secret material.
type UserInfo struct {
	ID          string
	Name        string
	DisplayName string
}
