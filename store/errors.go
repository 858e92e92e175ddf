package store

import "errors"

// Sentinel errors for record store operations
var (
	// ErrLockTimeout indicates that the write lock could not be acquired
	// within the configured bound. Fatal for the operation; callers may
	// retry the whole operation later, never the lock itself.
	ErrLockTimeout = errors.New("store: write lock acquisition timed out")

	// ErrSchemaMismatch indicates that the database file carries a schema
	// version this build cannot operate on. Requires operator intervention.
	ErrSchemaMismatch = errors.New("store: schema version mismatch")

	// ErrNotInitialized indicates that the settings rows have not been
	// written yet (guestmail-admin setup has not run).
	ErrNotInitialized = errors.New("store: settings not initialized")

	// ErrInvalidName indicates a token name containing forbidden characters
	ErrInvalidName = errors.New("store: invalid token name")

	// ErrInvalidInput indicates an out-of-range field value
	ErrInvalidInput = errors.New("store: invalid input")

	// ErrDuplicateToken indicates that a token with the given name or secret already exists
	ErrDuplicateToken = errors.New("store: token already exists")

	// ErrTokenNotFound indicates that a token was not found in the database
	ErrTokenNotFound = errors.New("store: token not found")

	// ErrTokenExhausted indicates that a token has reached its max-use limit
	ErrTokenExhausted = errors.New("store: token is exhausted")

	// ErrDuplicateAccount indicates that an account with the given address already exists
	ErrDuplicateAccount = errors.New("store: account already exists")

	// ErrAccountNotFound indicates that an account was not found in the database
	ErrAccountNotFound = errors.New("store: account not found")
)
