package session

import "errors"

var (
	// ErrNotInitialized is returned when operations run before Initialize.
	ErrNotInitialized = errors.New("session manager not initialized")
	// ErrSessionLimit is returned when the runner is at max concurrent sessions.
	ErrSessionLimit = errors.New("session limit reached")
	// ErrAlreadyExists is returned for duplicate session ids.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrNoAdapter is returned when input arrives before a provider is attached.
	ErrNoAdapter = errors.New("session has no provider adapter")
)
