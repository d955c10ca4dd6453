package models

import (
	"fmt"
	"strings"
	"time"
)

// ProviderID identifies a coding-agent provider.
type ProviderID string

const (
	ProviderCodex      ProviderID = "codex"
	ProviderClaudeCode ProviderID = "claude_code"
)

// SessionState is the externally visible lifecycle state of a session.
type SessionState string

const (
	StateCreated            SessionState = "CREATED"
	StatePreparingWorkspace SessionState = "PREPARING_WORKSPACE"
	StateStartingProvider   SessionState = "STARTING_PROVIDER"
	StateRunning            SessionState = "RUNNING"
	StateWaitingForApproval SessionState = "WAITING_FOR_APPROVAL"
	StatePausedByHuman      SessionState = "PAUSED_BY_HUMAN"
	StateStopping           SessionState = "STOPPING"
	StateCompleted          SessionState = "COMPLETED"
	StateFailed             SessionState = "FAILED"
)

// Terminal reports whether the state is a terminal state.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// RepoProvider identifies a code hosting provider for a RepoRef.
type RepoProvider string

const (
	RepoGitHub    RepoProvider = "github"
	RepoGitLab    RepoProvider = "gitlab"
	RepoBitbucket RepoProvider = "bitbucket"
	RepoLocal     RepoProvider = "local"
)

// RepoRef points at a repository, either on a hosting provider or on local disk.
type RepoRef struct {
	Provider      RepoProvider `json:"provider"`
	Owner         string       `json:"owner,omitempty"`
	Name          string       `json:"name,omitempty"`
	DefaultBranch string       `json:"default_branch,omitempty"`
	// Path is set only for the local provider and must exist on disk.
	Path string `json:"path,omitempty"`
}

// Validate checks the repo reference for internal consistency.
func (r RepoRef) Validate() error {
	switch r.Provider {
	case RepoLocal:
		if r.Path == "" {
			return fmt.Errorf("local repo ref requires a path")
		}
	case RepoGitHub, RepoGitLab, RepoBitbucket:
		if r.Owner == "" || r.Name == "" {
			return fmt.Errorf("repo ref for %s requires owner and name", r.Provider)
		}
	default:
		return fmt.Errorf("unsupported repo provider: %q", r.Provider)
	}
	return nil
}

// Slug returns the cache key for the repository: "{provider}-{owner}-{name}".
// Local repositories use the base name of their path.
func (r RepoRef) Slug() string {
	if r.Provider == RepoLocal {
		name := r.Name
		if name == "" {
			parts := strings.Split(strings.TrimRight(r.Path, "/"), "/")
			name = parts[len(parts)-1]
		}
		return string(RepoLocal) + "-" + name
	}
	return fmt.Sprintf("%s-%s-%s", r.Provider, r.Owner, r.Name)
}

// CheckoutType discriminates CheckoutSpec variants.
type CheckoutType string

const (
	CheckoutBranch CheckoutType = "branch"
	CheckoutCommit CheckoutType = "commit"
	CheckoutTag    CheckoutType = "tag"
)

// CheckoutSpec selects what to check out: exactly one of branch ref,
// commit sha, or tag.
type CheckoutSpec struct {
	Type CheckoutType `json:"type"`
	Ref  string       `json:"ref,omitempty"`
	SHA  string       `json:"sha,omitempty"`
	Tag  string       `json:"tag,omitempty"`
}

// Target returns the git ref/sha/tag the checkout resolves to.
func (c CheckoutSpec) Target() string {
	switch c.Type {
	case CheckoutCommit:
		return c.SHA
	case CheckoutTag:
		return c.Tag
	default:
		return c.Ref
	}
}

// Validate checks that exactly one variant is populated.
func (c CheckoutSpec) Validate() error {
	switch c.Type {
	case CheckoutBranch:
		if c.Ref == "" {
			return fmt.Errorf("branch checkout requires ref")
		}
	case CheckoutCommit:
		if c.SHA == "" {
			return fmt.Errorf("commit checkout requires sha")
		}
	case CheckoutTag:
		if c.Tag == "" {
			return fmt.Errorf("tag checkout requires tag")
		}
	default:
		return fmt.Errorf("unsupported checkout type: %q", c.Type)
	}
	return nil
}

// ApprovalCategory is an action class that can be gated behind human approval.
type ApprovalCategory string

const (
	ApprovalMerge   ApprovalCategory = "merge"
	ApprovalDepsAdd ApprovalCategory = "deps_add"
	ApprovalSecrets ApprovalCategory = "secrets"
	ApprovalDeploy  ApprovalCategory = "deploy"
)

// NetworkMode controls egress policy for a session.
type NetworkMode string

const (
	NetworkRestricted NetworkMode = "restricted"
	NetworkOpen       NetworkMode = "open"
)

// PolicySpec is the per-session policy. Immutable for the session's lifetime.
// When a command matches both lists, the denylist wins.
type PolicySpec struct {
	ShellAllowlist      []string           `json:"shell_allowlist,omitempty"`
	ShellDenylist       []string           `json:"shell_denylist,omitempty"`
	RequiresApprovalFor []ApprovalCategory `json:"requires_approval_for,omitempty"`
	NetworkMode         NetworkMode        `json:"network_mode,omitempty"`
}

// DefaultPolicySpec returns the policy applied when a request carries none:
// everything allowed except the always-dangerous patterns, restricted egress.
func DefaultPolicySpec() PolicySpec {
	return PolicySpec{
		ShellAllowlist: []string{"*"},
		NetworkMode:    NetworkRestricted,
	}
}

// TaskSpec describes what the agent should do.
type TaskSpec struct {
	Title      string `json:"title"`
	Goal       string `json:"goal"`
	Constraints string `json:"constraints,omitempty"`
	Acceptance string `json:"acceptance,omitempty"`
	RoomPath   string `json:"room_path,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
}

// SessionConfig is the immutable configuration of a session, created on
// request and carried unchanged until the session terminates.
type SessionConfig struct {
	SessionID  string            `json:"session_id"`
	OrgID      string            `json:"org_id"`
	UserID     string            `json:"user_id,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	VillageID  string            `json:"village_id,omitempty"`
	ProviderID ProviderID        `json:"provider_id"`
	Repo       RepoRef           `json:"repo"`
	Checkout   CheckoutSpec      `json:"checkout"`
	RoomPath   string            `json:"room_path,omitempty"`
	Task       TaskSpec          `json:"task"`
	Policy     PolicySpec        `json:"policy"`
	Env        map[string]string `json:"env,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Validate checks the parts of the config the execution plane depends on.
func (c *SessionConfig) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if c.ProviderID == "" {
		return fmt.Errorf("provider id is required")
	}
	if err := c.Repo.Validate(); err != nil {
		return fmt.Errorf("repo: %w", err)
	}
	if err := c.Checkout.Validate(); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	if c.Task.Title == "" || c.Task.Goal == "" {
		return fmt.Errorf("task title and goal are required")
	}
	return nil
}

// SessionRuntimeState is the point-in-time runtime view of a session,
// returned by the runner and mirrored by the control plane.
type SessionRuntimeState struct {
	SessionID        string            `json:"session_id"`
	State            SessionState      `json:"state"`
	ProviderID       ProviderID        `json:"provider_id"`
	Workspace        *WorkspaceRef     `json:"workspace,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	EndedAt          *time.Time        `json:"ended_at,omitempty"`
	ProviderPID      int               `json:"provider_pid,omitempty"`
	LastEventSeq     uint64            `json:"last_event_seq"`
	PendingApprovals []ApprovalRequest `json:"pending_approvals,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	Usage            UsageMetrics      `json:"usage"`
}
