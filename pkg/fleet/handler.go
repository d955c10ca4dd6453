// Package fleet tracks runner membership, health, capacity, and selection
// on the control plane.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ai-village/village/pkg/models"
)

var (
	// ErrRunnerLimitExceeded is returned when the fleet is at maxRunners.
	ErrRunnerLimitExceeded = errors.New("runner limit exceeded")
	// ErrRunnerNotFound is returned for unknown runner ids.
	ErrRunnerNotFound = errors.New("runner not found")
	// ErrRunnerHasActiveSessions refuses removal of a busy runner.
	ErrRunnerHasActiveSessions = errors.New("runner has active sessions")
)

// EventType identifies a fleet event.
type EventType string

const (
	EventRegistered      EventType = "runner_registered"
	EventOnline          EventType = "runner_online"
	EventOffline         EventType = "runner_offline"
	EventDraining        EventType = "runner_draining"
	EventRemoved         EventType = "runner_removed"
	EventVersionReported EventType = "version_reported"
)

// Event is one fleet membership change.
type Event struct {
	Type      EventType         `json:"type"`
	RunnerID  string            `json:"runner_id"`
	Hostname  string            `json:"hostname"`
	Provider  models.ProviderID `json:"provider,omitempty"`
	Version   string            `json:"version,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Listener receives fleet events. Called synchronously; keep it fast.
type Listener func(Event)

// Config tunes the handler.
type Config struct {
	MaxRunners          int
	HeartbeatTimeout    time.Duration
	HealthCheckInterval time.Duration
	LoadFactor          float64
}

// RegisterRequest is a runner's registration payload.
type RegisterRequest struct {
	Hostname     string                    `json:"hostname"`
	Capabilities models.RunnerCapabilities `json:"capabilities"`
	Metadata     map[string]string         `json:"metadata,omitempty"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Status   models.RunnerStatus
	Provider models.ProviderID
}

// Handler owns the fleet: every runner's record, its active session set,
// and the health sweep.
type Handler struct {
	cfg   Config
	now   func() time.Time
	newID func() string

	mu         sync.Mutex
	runners    map[string]*models.StoredRunner
	byHostname map[string]string
	active     map[string]map[string]struct{}
	listeners  []Listener
}

// NewHandler creates a handler with the given configuration.
func NewHandler(cfg Config) *Handler {
	if cfg.LoadFactor <= 0 || cfg.LoadFactor > 1 {
		cfg.LoadFactor = 0.8
	}
	return &Handler{
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
		runners:    make(map[string]*models.StoredRunner),
		byHostname: make(map[string]string),
		active:     make(map[string]map[string]struct{}),
	}
}

// Subscribe adds a fleet event listener.
func (h *Handler) Subscribe(l Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

func (h *Handler) publish(events ...Event) {
	h.mu.Lock()
	listeners := make([]Listener, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()
	for _, l := range listeners {
		for _, e := range events {
			l(e)
		}
	}
}

func (h *Handler) event(t EventType, r *models.StoredRunner) Event {
	return Event{Type: t, RunnerID: r.RunnerID, Hostname: r.Hostname, Timestamp: h.now()}
}

// Register admits a runner, or updates it in place when the hostname is
// already known. Re-registration is idempotent: the runnerId is stable and
// capabilities reflect the latest request.
func (h *Handler) Register(req RegisterRequest) (models.StoredRunner, error) {
	if req.Hostname == "" {
		return models.StoredRunner{}, fmt.Errorf("hostname is required")
	}

	h.mu.Lock()
	now := h.now()

	if id, known := h.byHostname[req.Hostname]; known {
		r := h.runners[id]
		r.Capabilities = req.Capabilities
		r.Metadata = req.Metadata
		r.Status = models.RunnerOnline
		r.LastHeartbeat = now
		snapshot := *r
		h.mu.Unlock()
		h.publish(h.event(EventOnline, &snapshot))
		slog.Info("Runner re-registered", "runner_id", id, "hostname", req.Hostname)
		return snapshot, nil
	}

	if len(h.runners) >= h.cfg.MaxRunners {
		h.mu.Unlock()
		return models.StoredRunner{}, fmt.Errorf("%w: max %d", ErrRunnerLimitExceeded, h.cfg.MaxRunners)
	}

	r := &models.StoredRunner{
		RunnerID:      h.newID(),
		Hostname:      req.Hostname,
		Status:        models.RunnerOnline,
		Capabilities:  req.Capabilities,
		Metadata:      req.Metadata,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	h.runners[r.RunnerID] = r
	h.byHostname[req.Hostname] = r.RunnerID
	h.active[r.RunnerID] = make(map[string]struct{})
	snapshot := *r
	h.mu.Unlock()

	h.publish(h.event(EventRegistered, &snapshot))
	slog.Info("Runner registered", "runner_id", snapshot.RunnerID,
		"hostname", req.Hostname, "max_sessions", req.Capabilities.MaxConcurrentSessions)
	return snapshot, nil
}

// ProcessHeartbeat refreshes a runner's liveness, load, and versions.
// Emits runner_online only on an offline→online edge, and version_reported
// for each provider whose version changed.
func (h *Handler) ProcessHeartbeat(hb models.Heartbeat) error {
	h.mu.Lock()
	r, ok := h.runners[hb.RunnerID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, hb.RunnerID)
	}

	var out []Event
	if r.Status == models.RunnerOffline {
		out = append(out, h.event(EventOnline, r))
	}
	if r.Status != models.RunnerDraining {
		r.Status = models.RunnerOnline
	}
	r.LastHeartbeat = h.now()
	r.Load = hb.Load
	r.ActiveSessions = append([]string(nil), hb.ActiveSessions...)

	sessions := make(map[string]struct{}, len(hb.ActiveSessions))
	for _, id := range hb.ActiveSessions {
		sessions[id] = struct{}{}
	}
	h.active[hb.RunnerID] = sessions

	for providerID, version := range hb.RuntimeVersions {
		if r.RuntimeVersions[providerID] != version {
			e := h.event(EventVersionReported, r)
			e.Provider = providerID
			e.Version = version
			out = append(out, e)
		}
	}
	if hb.RuntimeVersions != nil {
		r.RuntimeVersions = hb.RuntimeVersions
	}
	h.mu.Unlock()

	h.publish(out...)
	return nil
}

// Drain marks a runner draining: it keeps its sessions but receives no new
// ones.
func (h *Handler) Drain(runnerID string) error {
	h.mu.Lock()
	r, ok := h.runners[runnerID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, runnerID)
	}
	r.Status = models.RunnerDraining
	snapshot := *r
	h.mu.Unlock()

	h.publish(h.event(EventDraining, &snapshot))
	return nil
}

// Remove deletes a runner. Refused while it still has active sessions.
func (h *Handler) Remove(runnerID string) error {
	h.mu.Lock()
	r, ok := h.runners[runnerID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, runnerID)
	}
	if len(h.active[runnerID]) > 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s has %d", ErrRunnerHasActiveSessions, runnerID, len(h.active[runnerID]))
	}
	delete(h.runners, runnerID)
	delete(h.byHostname, r.Hostname)
	delete(h.active, runnerID)
	snapshot := *r
	h.mu.Unlock()

	h.publish(h.event(EventRemoved, &snapshot))
	return nil
}

// Get returns a copy of one runner's record.
func (h *Handler) Get(runnerID string) (models.StoredRunner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runners[runnerID]
	if !ok {
		return models.StoredRunner{}, fmt.Errorf("%w: %s", ErrRunnerNotFound, runnerID)
	}
	return *r, nil
}

// List returns runners matching the filter, sorted by hostname ascending,
// paginated with page ≥ 1 and pageSize ≥ 1. Also returns the filtered total.
func (h *Handler) List(filter ListFilter, page, pageSize int) ([]models.StoredRunner, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	h.mu.Lock()
	matched := make([]models.StoredRunner, 0, len(h.runners))
	for _, r := range h.runners {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Provider != "" && !r.Capabilities.Supports(filter.Provider) {
			continue
		}
		matched = append(matched, *r)
	}
	h.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Hostname < matched[j].Hostname })

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []models.StoredRunner{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// Select picks the best runner for a provider: online, supporting the
// provider, with activeSessions below maxConcurrentSessions × loadFactor.
// Lowest utilization wins; ties break by hostname. Returns nil when no
// candidate qualifies.
func (h *Handler) Select(providerID models.ProviderID) *models.StoredRunner {
	h.mu.Lock()
	defer h.mu.Unlock()

	var best *models.StoredRunner
	for _, r := range h.runners {
		if r.Status != models.RunnerOnline || !r.Capabilities.Supports(providerID) {
			continue
		}
		limit := float64(r.Capabilities.MaxConcurrentSessions) * h.cfg.LoadFactor
		if float64(r.Load.ActiveSessions) >= limit {
			continue
		}
		if best == nil ||
			r.Utilization() < best.Utilization() ||
			(r.Utilization() == best.Utilization() && r.Hostname < best.Hostname) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	snapshot := *best
	return &snapshot
}

// Assign records a session on a runner, keeping the set and the counter
// consistent.
func (h *Handler) Assign(runnerID, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runners[runnerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, runnerID)
	}
	if _, dup := h.active[runnerID][sessionID]; dup {
		return nil
	}
	h.active[runnerID][sessionID] = struct{}{}
	r.Load.ActiveSessions = len(h.active[runnerID])
	r.ActiveSessions = sessionIDs(h.active[runnerID])
	return nil
}

// Release removes a session from a runner. Unknown sessions are a no-op.
func (h *Handler) Release(runnerID, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runners[runnerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, runnerID)
	}
	delete(h.active[runnerID], sessionID)
	r.Load.ActiveSessions = len(h.active[runnerID])
	r.ActiveSessions = sessionIDs(h.active[runnerID])
	return nil
}

func sessionIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep marks online runners offline when their last heartbeat is older
// than the timeout. Offline runners are retained.
func (h *Handler) Sweep() {
	h.mu.Lock()
	now := h.now()
	var out []Event
	for _, r := range h.runners {
		if r.Status == models.RunnerOffline {
			continue
		}
		if now.Sub(r.LastHeartbeat) > h.cfg.HeartbeatTimeout {
			r.Status = models.RunnerOffline
			out = append(out, h.event(EventOffline, r))
			slog.Warn("Runner went offline", "runner_id", r.RunnerID,
				"hostname", r.Hostname, "last_heartbeat", r.LastHeartbeat)
		}
	}
	h.mu.Unlock()
	h.publish(out...)
}

// Run executes the periodic health sweep until the context ends.
func (h *Handler) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Capacity aggregates online runners: total slots, used, available.
func (h *Handler) Capacity() (total, used, available int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.runners {
		if r.Status != models.RunnerOnline {
			continue
		}
		total += r.Capabilities.MaxConcurrentSessions
		used += r.Load.ActiveSessions
	}
	return total, used, total - used
}
