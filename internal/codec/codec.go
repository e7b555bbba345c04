// Package codec implements the binary frame format for encrypted chat
// payloads: JSON serialization, DEFLATE compression, and AES-256-GCM
// with a random 12-byte IV prepended to the ciphertext.
//
// Two frame versions exist on the wire. Version 1 is the raw binary
// frame [12-byte IV][ciphertext+GCM tag] and is the only version ever
// written. Version 0 is a legacy JSON envelope {"v":0,"iv":...,"ct":...}
// with base64 fields, accepted on read only so data written by older
// clients stays importable.
package codec

import (
	"bytes"
	"compress/flate"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	// FormatVersionLegacy is the JSON-envelope frame format. Read-only.
	FormatVersionLegacy = 0

	// FormatVersionBinary is the raw [IV][ciphertext] frame format.
	FormatVersionBinary = 1

	// ivLen is the AES-GCM nonce length in bytes.
	ivLen = 12
)

// ErrorKind classifies a decode failure. The distinction is
// load-bearing: AuthFailure means a different key might succeed, while
// FormatCorruption means the data is damaged and no key will help.
type ErrorKind int

const (
	// KindMalformedFrame means the frame failed structural validation
	// before any cryptographic operation was attempted.
	KindMalformedFrame ErrorKind = iota

	// KindAuthFailure means the AEAD tag did not verify (wrong key or
	// tampered ciphertext).
	KindAuthFailure

	// KindFormatCorruption means decryption succeeded but the payload
	// would not decompress or deserialize (written under the right key,
	// then damaged).
	KindFormatCorruption
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedFrame:
		return "malformed frame"
	case KindAuthFailure:
		return "authentication failure"
	case KindFormatCorruption:
		return "format corruption"
	}

	return "unknown"
}

// DecodeError reports why a frame could not be decoded.
type DecodeError struct {
	Kind ErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding frame: %s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("decoding frame: %s", e.Kind)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsAuthFailure reports whether err is a DecodeError caused by AEAD
// verification failure.
func IsAuthFailure(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == KindAuthFailure
}

// IsFormatCorruption reports whether err is a DecodeError caused by a
// payload that authenticated but would not parse.
func IsFormatCorruption(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == KindFormatCorruption
}

// IsMalformedFrame reports whether err is a DecodeError caused by
// structural validation, before any cryptography ran.
func IsMalformedFrame(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == KindMalformedFrame
}

// legacyEnvelope is the version-0 JSON wire format.
type legacyEnvelope struct {
	V  int    `json:"v"`
	IV string `json:"iv"`
	CT string `json:"ct"`
}

// Encode serializes v to JSON, compresses it, and encrypts it under key
// with a fresh random IV. The result is a version-1 binary frame:
// [12-byte IV][ciphertext+GCM tag].
func Encode(v any, key models.Key) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling payload: %w", err)
	}

	compressed, err := compress(plain)
	if err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ct := gcm.Seal(nil, iv, compressed, nil)
	frame := make([]byte, len(iv)+len(ct))
	copy(frame, iv)
	copy(frame[len(iv):], ct)

	return frame, nil
}

// Decode reverses Encode. version selects the framing rules: 0 parses
// the legacy JSON envelope, 1 reads the raw binary frame. Frames with
// no ciphertext after the IV are rejected as malformed before any
// cryptographic operation is attempted.
func Decode(version int, frame []byte, key models.Key, out any) error {
	iv, ct, err := splitFrame(version, frame)
	if err != nil {
		return err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	compressed, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return &DecodeError{Kind: KindAuthFailure, Err: err}
	}

	plain, err := decompress(compressed)
	if err != nil {
		return &DecodeError{Kind: KindFormatCorruption, Err: err}
	}

	if err := json.Unmarshal(plain, out); err != nil {
		return &DecodeError{Kind: KindFormatCorruption, Err: err}
	}

	return nil
}

// splitFrame validates the frame structure for the given version and
// returns the IV and ciphertext. A frame must carry at least one byte
// of ciphertext beyond the 12-byte IV; anything shorter is rejected
// here so no out-of-bounds slice is ever taken.
func splitFrame(version int, frame []byte) (iv, ct []byte, err error) {
	switch version {
	case FormatVersionBinary:
		if len(frame) <= ivLen {
			return nil, nil, &DecodeError{
				Kind: KindMalformedFrame,
				Err:  fmt.Errorf("frame too short: %d bytes", len(frame)),
			}
		}

		return frame[:ivLen], frame[ivLen:], nil

	case FormatVersionLegacy:
		var env legacyEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			return nil, nil, &DecodeError{
				Kind: KindMalformedFrame,
				Err:  fmt.Errorf("parsing legacy envelope: %w", err),
			}
		}

		iv, err := base64.StdEncoding.DecodeString(env.IV)
		if err != nil {
			return nil, nil, &DecodeError{
				Kind: KindMalformedFrame,
				Err:  fmt.Errorf("decoding legacy IV: %w", err),
			}
		}

		ct, err := base64.StdEncoding.DecodeString(env.CT)
		if err != nil {
			return nil, nil, &DecodeError{
				Kind: KindMalformedFrame,
				Err:  fmt.Errorf("decoding legacy ciphertext: %w", err),
			}
		}

		if len(iv) != ivLen || len(ct) == 0 {
			return nil, nil, &DecodeError{
				Kind: KindMalformedFrame,
				Err:  fmt.Errorf("legacy frame: iv %d bytes, ct %d bytes", len(iv), len(ct)),
			}
		}

		return iv, ct, nil
	}

	return nil, nil, &DecodeError{
		Kind: KindMalformedFrame,
		Err:  fmt.Errorf("unknown format version %d", version),
	}
}

// EncryptAttachment encrypts a large attachment under a one-off key so
// a single attachment's exposure cannot compromise the chat history.
// The returned raw key material must only be stored inside the
// chat-key-encrypted record. No compression is applied; attachment
// content is typically already compressed media.
func EncryptAttachment(data []byte) (ct []byte, rawKey models.Key, err error) {
	rawKey = make(models.Key, models.KeySize)
	if _, err := rand.Read(rawKey); err != nil {
		return nil, nil, fmt.Errorf("generating attachment key: %w", err)
	}

	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, nil, err
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generating IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, data, nil)
	out := make([]byte, len(iv)+len(sealed))
	copy(out, iv)
	copy(out[len(iv):], sealed)

	return out, rawKey, nil
}

// DecryptAttachment reverses EncryptAttachment.
func DecryptAttachment(ct []byte, rawKey models.Key) ([]byte, error) {
	if len(ct) <= ivLen {
		return nil, &DecodeError{
			Kind: KindMalformedFrame,
			Err:  fmt.Errorf("attachment too short: %d bytes", len(ct)),
		}
	}

	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	plain, err := gcm.Open(nil, ct[:ivLen], ct[ivLen:], nil)
	if err != nil {
		return nil, &DecodeError{Kind: KindAuthFailure, Err: err}
	}

	return plain, nil
}

func newGCM(key models.Key) (cipher.AEAD, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("invalid key length %d: expected %d bytes", len(key), models.KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return out, nil
}
