// Package config holds typed configuration for both planes, loaded from
// environment variables with built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RunnerConfig controls a single runner host process.
type RunnerConfig struct {
	// WorkspaceDir is the base directory for per-session worktrees.
	WorkspaceDir string

	// CacheDir holds the shared bare clone cache.
	CacheDir string

	// MaxSessions is the concurrent session limit for this runner.
	MaxSessions int

	// MaxCachedRepos bounds the clone cache; excess repos are pruned
	// oldest-first by modification time.
	MaxCachedRepos int

	// ShallowClone enables --depth 1 --single-branch on first clone.
	ShallowClone bool

	// GitToken is injected into derived clone URLs when set.
	GitToken string

	// UsageTickInterval is the cadence of USAGE_TICK emission per session.
	UsageTickInterval time.Duration

	// StopGraceTimeout bounds STOPPING before the session is forced to
	// COMPLETED and the provider process is killed.
	StopGraceTimeout time.Duration

	// TerminalRetention is how long a terminated session stays readable
	// in the session map before removal.
	TerminalRetention time.Duration

	// ControlPlaneURL is the base URL of the control plane (events + heartbeat).
	ControlPlaneURL string

	// ControlPlaneToken is the bearer token for control plane API calls.
	ControlPlaneToken string

	// AdvertiseURL is the base URL the control plane dispatches session
	// commands to. Empty derives http://{hostname}{listen_addr}.
	AdvertiseURL string

	// Hostname advertised on registration.
	Hostname string

	// ListenAddr is the runner's internal HTTP listen address.
	ListenAddr string

	// HeartbeatInterval is the cadence of heartbeats to the control plane.
	HeartbeatInterval time.Duration

	// CachePruneInterval is the cadence of the background cache pruner.
	CachePruneInterval time.Duration
}

// DefaultRunnerConfig returns the built-in runner defaults.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		WorkspaceDir:       "/tmp/ai-village-workspaces",
		CacheDir:           "/tmp/ai-village-cache",
		MaxSessions:        10,
		MaxCachedRepos:     50,
		ShallowClone:       true,
		UsageTickInterval:  30 * time.Second,
		StopGraceTimeout:   30 * time.Second,
		TerminalRetention:  5 * time.Second,
		ControlPlaneURL:    "http://localhost:8080",
		ListenAddr:         ":8090",
		HeartbeatInterval:  15 * time.Second,
		CachePruneInterval: 10 * time.Minute,
	}
}

// LoadRunnerConfig builds a RunnerConfig from the environment on top of the
// defaults.
func LoadRunnerConfig() (*RunnerConfig, error) {
	cfg := DefaultRunnerConfig()

	cfg.WorkspaceDir = getEnvOrDefault("RUNNER_WORKSPACE_DIR", cfg.WorkspaceDir)
	cfg.CacheDir = getEnvOrDefault("RUNNER_CACHE_DIR", cfg.CacheDir)
	cfg.ControlPlaneURL = getEnvOrDefault("CONTROL_PLANE_URL", cfg.ControlPlaneURL)
	cfg.ListenAddr = getEnvOrDefault("RUNNER_LISTEN_ADDR", cfg.ListenAddr)
	cfg.ControlPlaneToken = os.Getenv("CONTROL_PLANE_TOKEN")
	cfg.AdvertiseURL = os.Getenv("RUNNER_ADVERTISE_URL")
	cfg.GitToken = os.Getenv("RUNNER_GIT_TOKEN")

	if v := os.Getenv("RUNNER_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid RUNNER_MAX_SESSIONS: %q", v)
		}
		cfg.MaxSessions = n
	}
	if v := os.Getenv("RUNNER_MAX_CACHED_REPOS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid RUNNER_MAX_CACHED_REPOS: %q", v)
		}
		cfg.MaxCachedRepos = n
	}
	if v := os.Getenv("RUNNER_SHALLOW_CLONE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RUNNER_SHALLOW_CLONE: %q", v)
		}
		cfg.ShallowClone = b
	}

	cfg.Hostname = os.Getenv("RUNNER_HOSTNAME")
	if cfg.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		cfg.Hostname = hostname
	}

	var err error
	if cfg.UsageTickInterval, err = durationEnv("RUNNER_USAGE_TICK_INTERVAL", cfg.UsageTickInterval); err != nil {
		return nil, err
	}
	if cfg.StopGraceTimeout, err = durationEnv("RUNNER_STOP_GRACE_TIMEOUT", cfg.StopGraceTimeout); err != nil {
		return nil, err
	}
	if cfg.TerminalRetention, err = durationEnv("RUNNER_TERMINAL_RETENTION", cfg.TerminalRetention); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = durationEnv("RUNNER_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.CachePruneInterval, err = durationEnv("RUNNER_CACHE_PRUNE_INTERVAL", cfg.CachePruneInterval); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolveAdvertiseURL returns the base URL the control plane dispatches to.
func (c *RunnerConfig) ResolveAdvertiseURL() string {
	if c.AdvertiseURL != "" {
		return c.AdvertiseURL
	}
	if strings.HasPrefix(c.ListenAddr, ":") {
		return "http://" + c.Hostname + c.ListenAddr
	}
	return "http://" + c.ListenAddr
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func durationEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
