// Package provider defines the narrow contract coding-agent providers
// implement, plus the concrete adapters for Codex and Claude Code CLIs.
package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/pty"
)

// EventKind discriminates provider events.
type EventKind string

const (
	KindThought         EventKind = "THOUGHT"
	KindToolUse         EventKind = "TOOL_USE"
	KindFileTouched     EventKind = "FILE_TOUCHED"
	KindRequestApproval EventKind = "REQUEST_APPROVAL"
	KindDiffSummary     EventKind = "DIFF_SUMMARY"
	KindInfo            EventKind = "INFO"
	KindError           EventKind = "ERROR"
)

// DiffFile is one file's entry in a provider diff summary.
type DiffFile struct {
	Path         string `json:"path"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// Diff is a provider-reported change summary.
type Diff struct {
	FilesChanged int        `json:"files_changed"`
	LinesAdded   int        `json:"lines_added"`
	LinesRemoved int        `json:"lines_removed"`
	Files        []DiffFile `json:"files,omitempty"`
}

// Event is one structured event surfaced by a provider. Which fields are
// set depends on Kind; REQUEST_APPROVAL always carries Approval.
type Event struct {
	Kind     EventKind
	Message  string
	Detail   string
	Tool     string
	Path     string
	Reason   string // read, write, delete
	Approval *models.ApprovalRequest
	Diff     *Diff
}

// Detection reports whether a provider CLI is installed on this host.
type Detection struct {
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
}

// StartSpec carries everything a provider needs to begin working.
type StartSpec struct {
	RepoPath string
	Task     models.TaskSpec
	Policy   models.PolicySpec
	Env      map[string]string
}

// Adapter is the contract a concrete provider implements. One adapter
// instance serves exactly one session.
type Adapter interface {
	ID() models.ProviderID
	// Detect reports whether the provider CLI is installed and its version.
	Detect(ctx context.Context) Detection
	// StartSession launches the provider process and returns its OS pid.
	StartSession(ctx context.Context, spec StartSpec) (int, error)
	// SendInput writes to the provider's input stream.
	SendInput(data []byte) error
	// Stop requests graceful shutdown; provider exit surfaces via PTY exit.
	Stop(ctx context.Context) error
	// HandleOutput feeds raw PTY output to the adapter's event parser.
	HandleOutput(data []byte)
	// OnEvent registers the callback structured events are delivered to.
	// Must be set before StartSession.
	OnEvent(fn func(Event))
}

// Factory builds an adapter bound to a session and the runner's PTY manager.
type Factory func(sessionID string, ptys *pty.Manager) Adapter

// ErrUnknownProvider is returned for provider ids with no registered factory.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry maps provider ids to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.ProviderID]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.ProviderID]Factory)}
}

// DefaultRegistry returns a registry with the built-in adapters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.ProviderCodex, NewCodexAdapter)
	r.Register(models.ProviderClaudeCode, NewClaudeCodeAdapter)
	return r
}

// Register installs a factory, replacing any existing one for the id.
func (r *Registry) Register(id models.ProviderID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// New builds an adapter for the provider id.
func (r *Registry) New(id models.ProviderID, sessionID string, ptys *pty.Manager) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownProvider
	}
	return f(sessionID, ptys), nil
}

// IDs returns the registered provider ids.
func (r *Registry) IDs() []models.ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]models.ProviderID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}
