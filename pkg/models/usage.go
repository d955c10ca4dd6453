package models

// UsageMetrics accumulates billing-relevant counters for a session.
// All fields are non-negative and only grow; they reset when the session ends.
type UsageMetrics struct {
	AgentSeconds       int64 `json:"agent_seconds"`
	TerminalKB         int64 `json:"terminal_kb"`
	FilesTouched       int64 `json:"files_touched"`
	CommandsRun        int64 `json:"commands_run"`
	ApprovalsRequested int64 `json:"approvals_requested"`
}

// Add accumulates a delta into the metrics.
func (u *UsageMetrics) Add(delta UsageMetrics) {
	u.AgentSeconds += delta.AgentSeconds
	u.TerminalKB += delta.TerminalKB
	u.FilesTouched += delta.FilesTouched
	u.CommandsRun += delta.CommandsRun
	u.ApprovalsRequested += delta.ApprovalsRequested
}
