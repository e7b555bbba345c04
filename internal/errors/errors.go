// Package errors defines sentinel errors shared across the sync engine.
package errors

import "errors"

// Session and key errors.
var (
	ErrNoKeys      = errors.New("no encryption keys available")
	ErrNotSignedIn = errors.New("no active session")
)

// Guard errors for single-flight operations.
var (
	ErrLoadInProgress = errors.New("page load already in progress")
	ErrFlowInProgress = errors.New("passkey ceremony already in progress")
)

// Passkey and sync errors.
var (
	ErrNoCredentials   = errors.New("no passkey credentials known to this device")
	ErrNotSupported    = errors.New("hardware authenticator not supported")
	ErrBackupMissing   = errors.New("no key backup found for credential")
	ErrVersionConflict = errors.New("remote chat is newer than local copy")
)
