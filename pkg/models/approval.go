package models

import "time"

// ApprovalDecision resolves an approval request. Resolution is terminal.
type ApprovalDecision string

const (
	DecisionAllow ApprovalDecision = "allow"
	DecisionDeny  ApprovalDecision = "deny"
)

// ApprovalRiskLevel grades the blast radius of the gated action.
type ApprovalRiskLevel string

const (
	RiskLow    ApprovalRiskLevel = "low"
	RiskMedium ApprovalRiskLevel = "medium"
	RiskHigh   ApprovalRiskLevel = "high"
)

// ApprovalRequest is a human-in-the-loop gate demanded by a provider for a
// sensitive action. It lives from the provider event that raised it until
// it is resolved or the session ends.
type ApprovalRequest struct {
	ApprovalID  string            `json:"approval_id"`
	SessionID   string            `json:"session_id"`
	Category    ApprovalCategory  `json:"category"`
	Summary     string            `json:"summary"`
	Risk        ApprovalRiskLevel `json:"risk,omitempty"`
	Context     string            `json:"context,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
	TimeoutAt   *time.Time        `json:"timeout_at,omitempty"`
}
