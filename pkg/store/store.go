// Package store persists control-plane session metadata and the event
// journal that backs subscriber catchup. Two implementations exist: an
// in-memory store for single-process deployments and tests, and a
// Postgres store for durable multi-replica setups.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ai-village/village/pkg/events"
	"github.com/ai-village/village/pkg/models"
)

var (
	// ErrSessionNotFound is returned when no session record exists for the id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when a session id already exists.
	ErrDuplicateSession = errors.New("session already exists")
)

// SessionRecord is the control plane's durable view of a session. The
// runner owns the live runtime state; this record mirrors the parts the
// control plane needs to answer queries after the runner forgets.
type SessionRecord struct {
	Config       models.SessionConfig `json:"config"`
	RunnerID     string               `json:"runner_id"`
	State        models.SessionState  `json:"state"`
	ErrorMessage string               `json:"error_message,omitempty"`
	ExitCode     *int                 `json:"exit_code,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	EndedAt      *time.Time           `json:"ended_at,omitempty"`
}

// JournalEntry is one journaled event plus its global journal position.
// Positions are strictly increasing in append order and are what catchup
// clients use as their resume cursor.
type JournalEntry struct {
	ID    int64        `json:"id"`
	Event events.Event `json:"event"`
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	RunnerID string
	State    models.SessionState
}

// MetadataStore is the control plane's persistence surface.
type MetadataStore interface {
	// CreateSession persists a new session record. Returns
	// ErrDuplicateSession when the id is already taken.
	CreateSession(ctx context.Context, rec *SessionRecord) error

	// GetSession returns the record for the id or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// UpdateSessionState records a state transition reported by the runner.
	// Unknown ids return ErrSessionNotFound.
	UpdateSessionState(ctx context.Context, sessionID string, state models.SessionState, errorMessage string, exitCode *int) error

	// ListSessions returns records matching the filter, newest first.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionRecord, error)

	// AppendEvent journals one event, deduplicating by (session_id, seq).
	// Returns the journal position and whether the event was a duplicate;
	// duplicates are not re-journaled and report position 0.
	AppendEvent(ctx context.Context, ev events.Event) (id int64, duplicate bool, err error)

	// CatchupEvents returns up to limit journaled events for a fan-out
	// subject with journal position greater than afterID, oldest first.
	CatchupEvents(ctx context.Context, subject string, afterID int64, limit int) ([]JournalEntry, error)

	// Close releases the store's resources.
	Close()
}

// parseSubject splits a fan-out subject into its kind and id.
func parseSubject(subject string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(subject, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("malformed subject: %q", subject)
	}
	switch kind {
	case "agent", "session", "village":
		return kind, id, nil
	}
	return "", "", fmt.Errorf("unknown subject kind: %q", kind)
}

// matchesSubject reports whether a journaled event routes to the subject.
func matchesSubject(ev *events.Event, kind, id string) bool {
	switch kind {
	case "agent":
		return ev.AgentID == id
	case "session":
		return ev.SessionID == id
	case "village":
		return ev.VillageID == id
	}
	return false
}
