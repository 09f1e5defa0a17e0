// Package errs defines the sentinel error kinds shared by the mapping
// store and Signal repository, per the error-kind taxonomy of the design:
// callers use errors.Is against these instead of matching strings.
package errs

import "errors"

var (
	// ErrInvalidArgs marks empty or wrong-domain inputs.
	ErrInvalidArgs = errors.New("invalid-args")
	// ErrDecodeFailed marks a JID parse failure.
	ErrDecodeFailed = errors.New("decode-failed")
	// ErrStorageError marks an underlying key-value store failure.
	ErrStorageError = errors.New("storage-error")
	// ErrNoSession marks a validate-session failure: no session record.
	ErrNoSession = errors.New("no-session")
	// ErrNoOpenSession marks a validate-session failure: a session record
	// exists but has no open ratchet state.
	ErrNoOpenSession = errors.New("no-open-session")
	// ErrCipherError marks a failure from the underlying Signal cipher.
	ErrCipherError = errors.New("cipher-error")
	// ErrUnknownMessageType marks a decrypt request with a type tag other
	// than pkmsg or msg.
	ErrUnknownMessageType = errors.New("unknown-type")
	// ErrMissingGroupID marks a sender-key distribution request with an
	// empty group id.
	ErrMissingGroupID = errors.New("missing-group-id")
)
