package provider

import (
	"encoding/json"

	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/pty"
)

// claudeLine is the JSON schema of one Claude Code stream-json line.
// Tool activity arrives as "assistant" messages with tool_use content
// blocks; permission prompts arrive as "permission_request".
type claudeLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	Message *struct {
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text,omitempty"`
			Name     string `json:"name,omitempty"`
			Thinking string `json:"thinking,omitempty"`
			Input    struct {
				FilePath string `json:"file_path,omitempty"`
				Command  string `json:"command,omitempty"`
			} `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`

	Request *struct {
		ID         string `json:"id"`
		Category   string `json:"category"`
		Summary    string `json:"summary"`
		Risk       string `json:"risk,omitempty"`
		Context    string `json:"context,omitempty"`
		TimeoutSec int    `json:"timeout_sec,omitempty"`
	} `json:"request,omitempty"`
}

// NewClaudeCodeAdapter builds the adapter for the Claude Code CLI.
func NewClaudeCodeAdapter(sessionID string, ptys *pty.Manager) Adapter {
	a := &cliAdapter{
		id:        models.ProviderClaudeCode,
		sessionID: sessionID,
		ptys:      ptys,
		binary:    "claude",
	}
	a.buildArgs = func(spec StartSpec) []string {
		return []string{
			"-p", taskPrompt(spec.Task),
			"--output-format", "stream-json",
			"--verbose",
			"--permission-mode", "default",
		}
	}
	a.decode = decodeClaudeLine
	return a
}

func decodeClaudeLine(line []byte) (Event, bool) {
	var l claudeLine
	if err := json.Unmarshal(line, &l); err != nil {
		return Event{}, false
	}
	switch l.Type {
	case "assistant":
		if l.Message == nil {
			return Event{}, false
		}
		for _, block := range l.Message.Content {
			switch block.Type {
			case "thinking":
				return Event{Kind: KindThought, Message: block.Thinking}, true
			case "tool_use":
				event := Event{Kind: KindToolUse, Tool: block.Name, Detail: block.Input.Command}
				switch block.Name {
				case "Write", "Edit":
					return Event{Kind: KindFileTouched, Path: block.Input.FilePath, Reason: "write"}, true
				case "Read":
					return Event{Kind: KindFileTouched, Path: block.Input.FilePath, Reason: "read"}, true
				}
				return event, true
			case "text":
				return Event{Kind: KindInfo, Message: block.Text}, true
			}
		}
		return Event{}, false
	case "permission_request":
		if l.Request == nil {
			return Event{}, false
		}
		return Event{Kind: KindRequestApproval, Approval: approvalFromLine(
			l.Request.ID, l.Request.Category, l.Request.Summary,
			l.Request.Risk, l.Request.Context, l.Request.TimeoutSec)}, true
	case "result":
		if l.IsError {
			return Event{Kind: KindError, Message: l.Result}, true
		}
		return Event{Kind: KindInfo, Message: l.Result, Detail: l.Subtype}, true
	default:
		return Event{}, false
	}
}
