// Package keyring manages the session's symmetric key bundle: one
// primary key used for all new encryptions plus a bounded list of
// alternatives retained across rotations so older ciphertext stays
// readable. All bundle mutation is serialized so a rotation can never
// interleave with an in-flight decrypt.
package keyring

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/codec"
	syncerrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// maxAlternatives bounds the bundle so repeated rotations do not grow
// decrypt attempts without limit. Oldest keys fall off first.
const maxAlternatives = 10

// Keyring holds the active key bundle for one session. The zero value
// is an empty, uninitialized keyring, distinct from "all keys tried
// and failed".
type Keyring struct {
	mu           sync.Mutex
	primary      models.Key
	alternatives []models.Key
}

// New returns an empty keyring.
func New() *Keyring {
	return &Keyring{}
}

// Generate produces a fresh 32-byte symmetric key from a
// cryptographically secure source. It does not modify the keyring.
func Generate() (models.Key, error) {
	key := make(models.Key, models.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	return key, nil
}

// SetKey replaces the primary key and clears all alternatives. Used
// when a user imports a single key.
func (k *Keyring) SetKey(key models.Key) error {
	if !key.Valid() {
		return fmt.Errorf("invalid key length %d: expected %d bytes", len(key), models.KeySize)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.primary = append(models.Key(nil), key...)
	k.alternatives = nil

	return nil
}

// SetAllKeys restores an entire bundle atomically, as after recovery.
func (k *Keyring) SetAllKeys(primary models.Key, alternatives []models.Key) error {
	if !primary.Valid() {
		return fmt.Errorf("invalid primary key length %d: expected %d bytes", len(primary), models.KeySize)
	}

	for i, alt := range alternatives {
		if !alt.Valid() {
			return fmt.Errorf("invalid alternative key %d: length %d", i, len(alt))
		}
	}

	alts := make([]models.Key, 0, len(alternatives))
	for _, alt := range alternatives {
		alts = append(alts, append(models.Key(nil), alt...))
	}

	if len(alts) > maxAlternatives {
		alts = alts[:maxAlternatives]
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.primary = append(models.Key(nil), primary...)
	k.alternatives = alts

	return nil
}

// Rotate generates a fresh primary key and demotes the current primary
// to the front of the alternatives list. Returns the new primary.
func (k *Keyring) Rotate() (models.Key, error) {
	fresh, err := Generate()
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.primary == nil {
		return nil, syncerrors.ErrNoKeys
	}

	k.alternatives = append([]models.Key{k.primary}, k.alternatives...)
	if len(k.alternatives) > maxAlternatives {
		k.alternatives = k.alternatives[:maxAlternatives]
	}

	k.primary = fresh

	return append(models.Key(nil), fresh...), nil
}

// Bundle returns a copy of the current bundle. ok is false when the
// keyring is uninitialized.
func (k *Keyring) Bundle() (bundle models.KeyBundle, ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.primary == nil {
		return models.KeyBundle{}, false
	}

	bundle.Primary = append(models.Key(nil), k.primary...)
	for _, alt := range k.alternatives {
		bundle.Alternatives = append(bundle.Alternatives, append(models.Key(nil), alt...))
	}

	return bundle, true
}

// Primary returns a copy of the primary key, or ErrNoKeys.
func (k *Keyring) Primary() (models.Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.primary == nil {
		return nil, syncerrors.ErrNoKeys
	}

	return append(models.Key(nil), k.primary...), nil
}

// HasKeys reports whether the keyring holds at least a primary key.
func (k *Keyring) HasKeys() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.primary != nil
}

// Clear drops all key material, returning the keyring to its
// uninitialized state. Used at sign-out.
func (k *Keyring) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()

	zero(k.primary)
	for _, alt := range k.alternatives {
		zero(alt)
	}

	k.primary = nil
	k.alternatives = nil
}

// TryDecrypt attempts to decode the frame with the primary key first,
// then each alternative in order, returning the first success. An
// AuthFailure is returned only when every key fails AEAD verification.
// If any key authenticates the frame but the payload will not parse,
// that FormatCorruption is returned immediately: a different key will
// not fix damaged data. Malformed frames are likewise terminal.
func (k *Keyring) TryDecrypt(version int, frame []byte, out any) error {
	bundle, ok := k.Bundle()
	if !ok {
		return syncerrors.ErrNoKeys
	}

	var lastAuthErr error

	for _, key := range bundle.All() {
		err := codec.Decode(version, frame, key, out)
		if err == nil {
			return nil
		}

		if codec.IsAuthFailure(err) {
			lastAuthErr = err
			continue
		}

		// FormatCorruption or MalformedFrame: no other key can help.
		return err
	}

	return lastAuthErr
}

func zero(key models.Key) {
	for i := range key {
		key[i] = 0
	}
}
