package models

import "time"

// RunnerStatus is the fleet-membership status of a runner host.
type RunnerStatus string

const (
	RunnerOnline   RunnerStatus = "online"
	RunnerDraining RunnerStatus = "draining"
	RunnerOffline  RunnerStatus = "offline"
)

// RunnerCapabilities advertises what a runner can execute.
type RunnerCapabilities struct {
	Providers             []ProviderID `json:"providers"`
	MaxConcurrentSessions int          `json:"max_concurrent_sessions"`
	Features              []string     `json:"features,omitempty"`
}

// Supports reports whether the runner advertises the given provider.
func (c RunnerCapabilities) Supports(p ProviderID) bool {
	for _, id := range c.Providers {
		if id == p {
			return true
		}
	}
	return false
}

// RunnerLoad is the self-reported load of a runner, refreshed on heartbeat.
type RunnerLoad struct {
	ActiveSessions int     `json:"active_sessions"`
	CPUPercent     float64 `json:"cpu_percent,omitempty"`
	MemPercent     float64 `json:"mem_percent,omitempty"`
	DiskPercent    float64 `json:"disk_percent,omitempty"`
}

// StoredRunner is the control plane's record of a runner host.
// hostname→runnerId is one-to-one; ActiveSessions mirrors Load.ActiveSessions.
type StoredRunner struct {
	RunnerID        string                `json:"runner_id"`
	Hostname        string                `json:"hostname"`
	Status          RunnerStatus          `json:"status"`
	Capabilities    RunnerCapabilities    `json:"capabilities"`
	Load            RunnerLoad            `json:"load"`
	RuntimeVersions map[ProviderID]string `json:"runtime_versions,omitempty"`
	Metadata        map[string]string     `json:"metadata,omitempty"`
	RegisteredAt    time.Time             `json:"registered_at"`
	LastHeartbeat   time.Time             `json:"last_heartbeat"`
	ActiveSessions  []string              `json:"active_sessions,omitempty"`
}

// Utilization returns activeSessions / maxConcurrentSessions, or 1.0 when
// the runner advertises no capacity.
func (r *StoredRunner) Utilization() float64 {
	if r.Capabilities.MaxConcurrentSessions <= 0 {
		return 1.0
	}
	return float64(r.Load.ActiveSessions) / float64(r.Capabilities.MaxConcurrentSessions)
}

// Heartbeat is a runner's periodic load and liveness report.
type Heartbeat struct {
	RunnerID        string                `json:"runner_id"`
	Timestamp       time.Time             `json:"timestamp"`
	ActiveSessions  []string              `json:"active_sessions"`
	Load            RunnerLoad            `json:"load"`
	RuntimeVersions map[ProviderID]string `json:"runtime_versions,omitempty"`
}
