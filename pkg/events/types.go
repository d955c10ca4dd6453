// Package events defines the runner event envelope shared by both planes,
// the per-session emitter that assigns gapless sequence numbers, and the
// outbound stream from runner to control plane.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ai-village/village/pkg/models"
)

// Type identifies a runner event kind.
type Type string

const (
	TypeSessionStarted      Type = "SESSION_STARTED"
	TypeSessionStateChanged Type = "SESSION_STATE_CHANGED"
	TypeTerminalChunk       Type = "TERMINAL_CHUNK"
	TypeFileTouched         Type = "FILE_TOUCHED"
	TypeDiffSummary         Type = "DIFF_SUMMARY"
	TypeApprovalRequested   Type = "APPROVAL_REQUESTED"
	TypeApprovalResolved    Type = "APPROVAL_RESOLVED"
	TypeUsageTick           Type = "USAGE_TICK"
	TypeProviderForwarded   Type = "PROVIDER_EVENT_FORWARDED"
	TypeSessionEnded        Type = "SESSION_ENDED"
)

// Event is the envelope carried from runner to control plane and fanned out
// to subscribers. Seq is strictly increasing per session, starting at 1,
// with no gaps; consumers deduplicate by (session_id, seq).
type Event struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id"`
	OrgID     string          `json:"org_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	VillageID string          `json:"village_id,omitempty"`
	Repo      models.RepoRef  `json:"repo"`
	TS        int64           `json:"ts"` // ms epoch
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the payload into the given typed payload struct.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s seq=%d has no payload", e.Type, e.Seq)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Subjects returns the fan-out subjects for the event, in routing order.
// Empty ids produce no subject.
func (e *Event) Subjects() []string {
	subjects := make([]string, 0, 3)
	if e.AgentID != "" {
		subjects = append(subjects, AgentSubject(e.AgentID))
	}
	if e.SessionID != "" {
		subjects = append(subjects, SessionSubject(e.SessionID))
	}
	if e.VillageID != "" {
		subjects = append(subjects, VillageSubject(e.VillageID))
	}
	return subjects
}

// AgentSubject returns the fan-out subject for an agent's events.
func AgentSubject(agentID string) string { return "agent:" + agentID }

// SessionSubject returns the fan-out subject for a session's events.
func SessionSubject(sessionID string) string { return "session:" + sessionID }

// VillageSubject returns the fan-out subject for a village's events.
func VillageSubject(villageID string) string { return "village:" + villageID }

// Millis converts a time to the envelope's ms-epoch representation.
func Millis(t time.Time) int64 { return t.UnixMilli() }
