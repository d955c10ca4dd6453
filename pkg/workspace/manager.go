// Package workspace maintains a shared clone cache and creates a disposable
// git worktree per session.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ai-village/village/pkg/models"
)

var (
	// ErrUnsupportedProvider is returned for non-local repos on a hosting
	// provider the runner cannot derive a clone URL for.
	ErrUnsupportedProvider = errors.New("unsupported repo provider")
	// ErrWorkspaceNotFound is returned when no workspace exists for a session.
	ErrWorkspaceNotFound = errors.New("workspace not found")
)

// Options tune workspace creation for one session.
type Options struct {
	RoomPath string
	ReadOnly bool
}

// Config configures the workspace manager.
type Config struct {
	// BaseDir holds per-session worktrees: BaseDir/{sessionId}/{workspaceId}.
	BaseDir string
	// CacheDir holds shared bare clones keyed by repo slug.
	CacheDir string
	// MaxCachedRepos bounds the clone cache; PruneCache removes the excess.
	MaxCachedRepos int
	// ShallowClone clones with --depth 1 --single-branch.
	ShallowClone bool
	// GitToken authenticates clones and fetches from hosting providers.
	GitToken string
}

// Manager owns the clone cache and all per-session worktrees on the runner.
type Manager struct {
	cfg   Config
	git   GitRunner
	newID func() string

	mu         sync.Mutex
	workspaces map[string]*models.WorkspaceRef
}

// NewManager creates a manager; call Initialize before creating workspaces.
func NewManager(cfg Config) *Manager {
	return NewManagerWithRunner(cfg, execGitRunner{})
}

// NewManagerWithRunner creates a manager with a custom git runner.
func NewManagerWithRunner(cfg Config, git GitRunner) *Manager {
	return &Manager{
		cfg:        cfg,
		git:        git,
		newID:      func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
		workspaces: make(map[string]*models.WorkspaceRef),
	}
}

// Initialize creates the base and cache directories.
func (m *Manager) Initialize() error {
	for _, dir := range []string{m.cfg.BaseDir, m.cfg.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// CreateWorkspace ensures the repo is cached, then creates a detached-HEAD
// worktree for the session at the requested checkout. Detached HEAD lets
// concurrent sessions target the same ref.
func (m *Manager) CreateWorkspace(ctx context.Context, sessionID string, repo models.RepoRef, checkout models.CheckoutSpec, opts Options) (*models.WorkspaceRef, error) {
	if err := repo.Validate(); err != nil {
		return nil, err
	}
	if err := checkout.Validate(); err != nil {
		return nil, err
	}

	cachePath, err := m.ensureCache(ctx, repo)
	if err != nil {
		return nil, err
	}

	workspaceID := m.newID()
	worktreePath := filepath.Join(m.cfg.BaseDir, sessionID, workspaceID)
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	target := checkout.Target()
	if _, err := m.git.Git(ctx, cachePath, "worktree", "add", "--detach", worktreePath, target); err != nil {
		// The ref may not exist locally yet (shallow clone, new branch).
		// Fetch it from origin and retry once.
		if repo.Provider != models.RepoLocal {
			if _, ferr := m.git.Git(ctx, cachePath, "fetch", "origin", target); ferr != nil {
				slog.Warn("Fetch of missing ref failed",
					"session_id", sessionID, "ref", target, "error", ferr)
			}
		}
		if _, err = m.git.Git(ctx, cachePath, "worktree", "add", "--detach", worktreePath, target); err != nil {
			return nil, fmt.Errorf("create worktree at %s: %w", target, err)
		}
	}

	ref := &models.WorkspaceRef{
		WorkspaceID:  workspaceID,
		SessionID:    sessionID,
		Repo:         repo,
		Checkout:     checkout,
		WorktreePath: worktreePath,
		RoomPath:     opts.RoomPath,
		ReadOnly:     opts.ReadOnly,
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.workspaces[sessionID] = ref
	m.mu.Unlock()

	slog.Info("Workspace created",
		"session_id", sessionID, "workspace_id", workspaceID,
		"repo", repo.Slug(), "checkout", target)
	return ref, nil
}

// ensureCache returns the repo's cache path, cloning or refreshing as
// needed. Local repos are used in place with no network.
func (m *Manager) ensureCache(ctx context.Context, repo models.RepoRef) (string, error) {
	if repo.Provider == models.RepoLocal {
		if _, err := os.Stat(repo.Path); err != nil {
			return "", fmt.Errorf("local repo path %s: %w", repo.Path, err)
		}
		return repo.Path, nil
	}

	cachePath := filepath.Join(m.cfg.CacheDir, repo.Slug())
	if _, err := os.Stat(cachePath); err == nil {
		if _, err := m.git.Git(ctx, cachePath, "fetch", "--prune", "origin"); err != nil {
			return "", fmt.Errorf("refresh cached clone %s: %w", repo.Slug(), err)
		}
		return cachePath, nil
	}

	url, err := cloneURL(repo, m.cfg.GitToken)
	if err != nil {
		return "", err
	}

	args := []string{"clone", "--bare"}
	if m.cfg.ShallowClone {
		args = append(args, "--depth", "1", "--single-branch")
	}
	args = append(args, url, cachePath)
	if _, err := m.git.Git(ctx, m.cfg.CacheDir, args...); err != nil {
		return "", fmt.Errorf("clone %s: %w", repo.Slug(), err)
	}
	// Bare repos refuse worktree checkouts of their own branches; flipping
	// core.bare keeps the cache tree-less while allowing worktrees.
	if _, err := m.git.Git(ctx, cachePath, "config", "core.bare", "false"); err != nil {
		return "", fmt.Errorf("configure cached clone %s: %w", repo.Slug(), err)
	}
	return cachePath, nil
}

// cloneURL derives the authenticated clone URL for a hosted repo.
func cloneURL(repo models.RepoRef, token string) (string, error) {
	var host, auth string
	switch repo.Provider {
	case models.RepoGitHub:
		host, auth = "github.com", token
	case models.RepoGitLab:
		host, auth = "gitlab.com", "oauth2:"+token
	case models.RepoBitbucket:
		host, auth = "bitbucket.org", "x-token-auth:"+token
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, repo.Provider)
	}
	if token == "" {
		return fmt.Sprintf("https://%s/%s/%s.git", host, repo.Owner, repo.Name), nil
	}
	return fmt.Sprintf("https://%s@%s/%s/%s.git", auth, host, repo.Owner, repo.Name), nil
}

// DestroyWorkspace removes the session's worktree and directory. Best
// effort: failures are logged, never returned, and the in-memory entry is
// always dropped so teardown cannot block.
func (m *Manager) DestroyWorkspace(ctx context.Context, sessionID string) {
	m.mu.Lock()
	ref, ok := m.workspaces[sessionID]
	delete(m.workspaces, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	cachePath := ref.Repo.Path
	if ref.Repo.Provider != models.RepoLocal {
		cachePath = filepath.Join(m.cfg.CacheDir, ref.Repo.Slug())
	}
	if _, err := m.git.Git(ctx, cachePath, "worktree", "remove", "--force", ref.WorktreePath); err != nil {
		slog.Warn("Worktree removal failed, deleting directory anyway",
			"session_id", sessionID, "error", err)
	}
	sessionDir := filepath.Join(m.cfg.BaseDir, sessionID)
	if err := os.RemoveAll(sessionDir); err != nil {
		slog.Warn("Failed to delete session directory",
			"session_id", sessionID, "dir", sessionDir, "error", err)
	}
}

// PruneCache deletes cached clones beyond MaxCachedRepos, oldest by
// modification time first. Returns the number removed.
func (m *Manager) PruneCache() int {
	entries, err := os.ReadDir(m.cfg.CacheDir)
	if err != nil {
		slog.Warn("Failed to read cache directory", "dir", m.cfg.CacheDir, "error", err)
		return 0
	}

	type cached struct {
		name    string
		modTime time.Time
	}
	var repos []cached
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		repos = append(repos, cached{name: entry.Name(), modTime: info.ModTime()})
	}
	if m.cfg.MaxCachedRepos <= 0 || len(repos) <= m.cfg.MaxCachedRepos {
		return 0
	}

	sort.Slice(repos, func(i, j int) bool { return repos[i].modTime.Before(repos[j].modTime) })
	excess := repos[:len(repos)-m.cfg.MaxCachedRepos]
	removed := 0
	for _, repo := range excess {
		path := filepath.Join(m.cfg.CacheDir, repo.name)
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Failed to prune cached clone", "repo", repo.name, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Pruned clone cache", "removed", removed, "kept", m.cfg.MaxCachedRepos)
	}
	return removed
}

// GetWorkspace returns the session's workspace, if any.
func (m *Manager) GetWorkspace(sessionID string) (*models.WorkspaceRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.workspaces[sessionID]
	return ref, ok
}

// GetFilePath resolves a path relative to the session's worktree. Rejects
// escapes from the worktree.
func (m *Manager) GetFilePath(sessionID, relPath string) (string, error) {
	ref, ok := m.GetWorkspace(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkspaceNotFound, sessionID)
	}
	full := filepath.Join(ref.WorktreePath, relPath)
	if full != ref.WorktreePath && !strings.HasPrefix(full, ref.WorktreePath+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", relPath)
	}
	return full, nil
}

// GetRoomPath returns the session's room path, or "".
func (m *Manager) GetRoomPath(sessionID string) string {
	ref, ok := m.GetWorkspace(sessionID)
	if !ok {
		return ""
	}
	return ref.RoomPath
}

// GetGit returns a git handle bound to the session's worktree.
func (m *Manager) GetGit(sessionID string) (*Git, error) {
	ref, ok := m.GetWorkspace(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, sessionID)
	}
	return &Git{runner: m.git, dir: ref.WorktreePath}, nil
}
