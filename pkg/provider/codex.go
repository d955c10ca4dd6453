package provider

import (
	"encoding/json"
	"time"

	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/pty"
)

// codexLine is the JSON schema of one Codex CLI event line.
type codexLine struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`

	ApprovalID string `json:"approval_id,omitempty"`
	Category   string `json:"category,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Risk       string `json:"risk,omitempty"`
	Context    string `json:"context,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`

	Diff *Diff `json:"diff,omitempty"`
}

// NewCodexAdapter builds the adapter for the Codex CLI.
func NewCodexAdapter(sessionID string, ptys *pty.Manager) Adapter {
	a := &cliAdapter{
		id:        models.ProviderCodex,
		sessionID: sessionID,
		ptys:      ptys,
		binary:    "codex",
	}
	a.buildArgs = func(spec StartSpec) []string {
		args := []string{"exec", "--json", "--skip-git-repo-check"}
		if spec.Policy.NetworkMode == models.NetworkRestricted {
			args = append(args, "--sandbox", "workspace-write")
		}
		return append(args, taskPrompt(spec.Task))
	}
	a.decode = decodeCodexLine
	return a
}

func decodeCodexLine(line []byte) (Event, bool) {
	var l codexLine
	if err := json.Unmarshal(line, &l); err != nil {
		return Event{}, false
	}
	switch l.Type {
	case "thought", "reasoning":
		return Event{Kind: KindThought, Message: l.Text}, true
	case "tool_use", "exec_command":
		return Event{Kind: KindToolUse, Tool: l.Tool, Detail: l.Command}, true
	case "file_touched", "file_change":
		reason := l.Action
		if reason == "" {
			reason = "write"
		}
		return Event{Kind: KindFileTouched, Path: l.Path, Reason: reason}, true
	case "request_approval":
		return Event{Kind: KindRequestApproval, Approval: approvalFromLine(
			l.ApprovalID, l.Category, l.Summary, l.Risk, l.Context, l.TimeoutSec)}, true
	case "diff_summary":
		if l.Diff == nil {
			return Event{}, false
		}
		return Event{Kind: KindDiffSummary, Diff: l.Diff}, true
	case "error":
		return Event{Kind: KindError, Message: l.Message, Detail: l.Text}, true
	case "info", "status":
		return Event{Kind: KindInfo, Message: l.Message, Detail: l.Text}, true
	default:
		return Event{}, false
	}
}

// taskPrompt renders a TaskSpec as the provider's instruction prompt.
func taskPrompt(task models.TaskSpec) string {
	prompt := task.Title + "\n\n" + task.Goal
	if task.Constraints != "" {
		prompt += "\n\nConstraints:\n" + task.Constraints
	}
	if task.Acceptance != "" {
		prompt += "\n\nAcceptance criteria:\n" + task.Acceptance
	}
	return prompt
}

func approvalFromLine(id, category, summary, risk, context string, timeoutSec int) *models.ApprovalRequest {
	approval := &models.ApprovalRequest{
		ApprovalID: id,
		Category:   models.ApprovalCategory(category),
		Summary:    summary,
		Risk:       models.ApprovalRiskLevel(risk),
		Context:    context,
	}
	if timeoutSec > 0 {
		t := time.Now().Add(time.Duration(timeoutSec) * time.Second)
		approval.TimeoutAt = &t
	}
	return approval
}
