// Package passkey backs up and recovers the session's key bundle using
// a hardware authenticator. The bundle is wrapped under a KEK derived
// from the authenticator's PRF output and stored on the backend keyed
// by credential id, so a user on a wiped device can regain their keys
// with nothing but a biometric check. No password, no server-held
// secret: the backend only ever sees ciphertext.
package passkey

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// kekInfo is the HKDF info string binding derived KEKs to this
// application. The same authenticator and credential always derive the
// same KEK.
const kekInfo = "ChatSyncKek"

// kekLen is the derived key-encryption-key length (AES-256).
const kekLen = 32

// Ceremony is the outcome of a completed authenticator interaction.
type Ceremony struct {
	// CredentialID identifies the hardware credential that ran the
	// ceremony.
	CredentialID string

	// PRFOutput is the stable pseudorandom secret evaluated by the
	// authenticator. It never leaves the device and is only held in
	// memory long enough to derive the KEK.
	PRFOutput []byte
}

// Authenticator abstracts the platform's hardware-authenticator
// bridge. Implementations run the actual WebAuthn-style ceremonies;
// this engine only consumes their PRF outputs.
//
// A user-cancelled ceremony returns (nil, nil): cancellation is a
// normal outcome, not an error. The platform serializes prompts, so
// implementations are inherently single-flight.
type Authenticator interface {
	// Register runs a registration ceremony for a new credential.
	Register(ctx context.Context, user models.UserInfo) (*Ceremony, error)

	// Authenticate runs an assertion ceremony against one of the given
	// credential ids.
	Authenticate(ctx context.Context, credentialIDs []string) (*Ceremony, error)
}

// deriveKEK derives the key-encryption-key from a PRF output via
// HKDF-SHA256, salted with the credential id so two credentials with
// equal PRF outputs (however unlikely) wrap under different KEKs.
func deriveKEK(prfOutput []byte, credentialID string) (models.Key, error) {
	if len(prfOutput) == 0 {
		return nil, fmt.Errorf("empty PRF output")
	}

	r := hkdf.New(sha256.New, prfOutput, []byte(credentialID), []byte(kekInfo))

	kek := make(models.Key, kekLen)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving KEK: %w", err)
	}

	return kek, nil
}
