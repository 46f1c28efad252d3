package session

import "errors"

// Sentinel errors for store operations. These are part of the Store's public
// API and should be checked with errors.Is().
var (
	// ErrNotFound indicates no matching row exists.
	ErrNotFound = errors.New("session not found")

	// ErrConflict indicates an insert lost the race for the single active
	// session slot of an API key (unique_violation on the partial index).
	// Expected under concurrent writers; callers re-read exactly once rather
	// than retrying blindly.
	ErrConflict = errors.New("active session already exists for API key")

	// ErrKeyNotFound indicates no API key row matches the presented prefix.
	ErrKeyNotFound = errors.New("API key not found")
)
