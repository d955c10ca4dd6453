package models

import "time"

// WorkspaceRef describes a per-session working copy. The worktree path is
// unique across sessions: baseDir/{sessionId}/{workspaceId}.
type WorkspaceRef struct {
	WorkspaceID  string       `json:"workspace_id"`
	SessionID    string       `json:"session_id"`
	Repo         RepoRef      `json:"repo"`
	Checkout     CheckoutSpec `json:"checkout"`
	WorktreePath string       `json:"worktree_path"`
	RoomPath     string       `json:"room_path,omitempty"`
	ReadOnly     bool         `json:"read_only"`
	CreatedAt    time.Time    `json:"created_at"`
}
