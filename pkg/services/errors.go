package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoCapacity is returned when no online runner can take the session.
	ErrNoCapacity = errors.New("no runner capacity available")
	// ErrSessionNotActive is returned for operations that need a live
	// session when the session has already reached a terminal state.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrRunnerUnavailable is returned when the session's runner cannot be
	// reached.
	ErrRunnerUnavailable = errors.New("runner unavailable")
)

// ValidationError reports per-field problems with a request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, reason := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, reason))
	}
	sort.Strings(parts)
	return "invalid request: " + strings.Join(parts, "; ")
}

// newValidationError builds a ValidationError, or returns nil when no
// fields were recorded.
func newValidationError(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
