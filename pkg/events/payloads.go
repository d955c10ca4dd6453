package events

import "github.com/ai-village/village/pkg/models"

// SessionStartedPayload is emitted once the provider process is up,
// strictly after PROVIDER_STARTED is accepted by the session machine.
type SessionStartedPayload struct {
	ProviderID      models.ProviderID `json:"provider_id"`
	ProviderVersion string            `json:"provider_version,omitempty"`
	WorkspacePath   string            `json:"workspace_path"`
	RoomPath        string            `json:"room_path,omitempty"`
}

// StateChangedPayload records an external state transition.
type StateChangedPayload struct {
	PreviousState models.SessionState `json:"previous_state"`
	NewState      models.SessionState `json:"new_state"`
}

// TerminalChunkPayload carries PTY output bytes.
type TerminalChunkPayload struct {
	Data   string `json:"data"`
	Stream string `json:"stream"` // always "stdout"; PTYs merge stderr
}

// FileTouchReason classifies a FILE_TOUCHED event.
type FileTouchReason string

const (
	TouchRead   FileTouchReason = "read"
	TouchWrite  FileTouchReason = "write"
	TouchDelete FileTouchReason = "delete"
)

// FileTouchedPayload records a file the provider read, wrote, or deleted.
type FileTouchedPayload struct {
	Path     string          `json:"path"`
	Reason   FileTouchReason `json:"reason"`
	RoomPath string          `json:"room_path,omitempty"`
}

// DiffFileStat is one file's entry in a diff summary.
type DiffFileStat struct {
	Path         string `json:"path"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// DiffSummaryPayload summarizes the provider's pending changes.
type DiffSummaryPayload struct {
	FilesChanged int            `json:"files_changed"`
	LinesAdded   int            `json:"lines_added"`
	LinesRemoved int            `json:"lines_removed"`
	Files        []DiffFileStat `json:"files,omitempty"`
}

// ApprovalRequestedPayload carries a pending approval gate.
type ApprovalRequestedPayload struct {
	Approval models.ApprovalRequest `json:"approval"`
}

// ApprovalResolvedPayload records the terminal resolution of an approval.
type ApprovalResolvedPayload struct {
	ApprovalID string                  `json:"approval_id"`
	Decision   models.ApprovalDecision `json:"decision"`
	Note       string                  `json:"note,omitempty"`
}

// UsageTickPayload carries a periodic usage delta.
type UsageTickPayload struct {
	ProviderID models.ProviderID   `json:"provider_id"`
	Units      models.UsageMetrics `json:"units"`
	IntervalMS int64               `json:"interval_ms"`
}

// ProviderForwardedPayload relays a provider event the manager does not
// interpret itself.
type ProviderForwardedPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// SessionEndedPayload is the final event of a session; no event for the
// session may follow it.
type SessionEndedPayload struct {
	FinalState      models.SessionState `json:"final_state"`
	ExitCode        *int                `json:"exit_code,omitempty"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	TotalDurationMS int64               `json:"total_duration_ms"`
	TotalUsage      models.UsageMetrics `json:"total_usage"`
}
