package fleet

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-village/village/pkg/models"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) listen(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestHandler() (*Handler, *eventLog, *time.Time) {
	current := time.Unix(10_000, 0)
	h := NewHandler(Config{
		MaxRunners:          3,
		HeartbeatTimeout:    60 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		LoadFactor:          0.8,
	})
	h.now = func() time.Time { return current }
	log := &eventLog{}
	h.Subscribe(log.listen)
	return h, log, &current
}

func register(t *testing.T, h *Handler, hostname string, providers ...models.ProviderID) models.StoredRunner {
	t.Helper()
	if len(providers) == 0 {
		providers = []models.ProviderID{models.ProviderCodex}
	}
	r, err := h.Register(RegisterRequest{
		Hostname: hostname,
		Capabilities: models.RunnerCapabilities{
			Providers:             providers,
			MaxConcurrentSessions: 10,
		},
	})
	require.NoError(t, err)
	return r
}

func heartbeat(t *testing.T, h *Handler, runnerID string, active int) {
	t.Helper()
	sessions := make([]string, active)
	for i := range sessions {
		sessions[i] = fmt.Sprintf("sess-%s-%d", runnerID[:4], i)
	}
	require.NoError(t, h.ProcessHeartbeat(models.Heartbeat{
		RunnerID:       runnerID,
		ActiveSessions: sessions,
		Load:           models.RunnerLoad{ActiveSessions: active},
	}))
}

func TestRegister_IdempotentByHostname(t *testing.T) {
	h, log, _ := newTestHandler()

	first := register(t, h, "host-a")
	require.Len(t, log.ofType(EventRegistered), 1)

	again, err := h.Register(RegisterRequest{
		Hostname: "host-a",
		Capabilities: models.RunnerCapabilities{
			Providers:             []models.ProviderID{models.ProviderClaudeCode},
			MaxConcurrentSessions: 4,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, first.RunnerID, again.RunnerID, "hostname keeps its runnerId")
	assert.Equal(t, 4, again.Capabilities.MaxConcurrentSessions, "capabilities reflect the last request")
	assert.Len(t, log.ofType(EventRegistered), 1)
	assert.Len(t, log.ofType(EventOnline), 1, "re-registration emits runner_online")
}

func TestRegister_LimitExceeded(t *testing.T) {
	h, _, _ := newTestHandler() // MaxRunners: 3
	for i := 0; i < 3; i++ {
		register(t, h, fmt.Sprintf("host-%d", i))
	}
	_, err := h.Register(RegisterRequest{Hostname: "host-overflow",
		Capabilities: models.RunnerCapabilities{MaxConcurrentSessions: 1}})
	assert.ErrorIs(t, err, ErrRunnerLimitExceeded)
}

func TestProcessHeartbeat_UnknownRunner(t *testing.T) {
	h, _, _ := newTestHandler()
	err := h.ProcessHeartbeat(models.Heartbeat{RunnerID: "ghost"})
	assert.ErrorIs(t, err, ErrRunnerNotFound)
}

func TestProcessHeartbeat_OfflineToOnlineEdgeEmitsOnce(t *testing.T) {
	h, log, current := newTestHandler()
	r := register(t, h, "host-a")

	// Miss heartbeats long enough for the sweep to mark it offline.
	*current = current.Add(2 * time.Minute)
	h.Sweep()
	require.Len(t, log.ofType(EventOffline), 1)

	heartbeat(t, h, r.RunnerID, 0)
	assert.Len(t, log.ofType(EventOnline), 1, "offline→online emits runner_online")

	heartbeat(t, h, r.RunnerID, 0)
	assert.Len(t, log.ofType(EventOnline), 1, "already-online heartbeat emits nothing")
}

func TestProcessHeartbeat_VersionReported(t *testing.T) {
	h, log, _ := newTestHandler()
	r := register(t, h, "host-a")

	require.NoError(t, h.ProcessHeartbeat(models.Heartbeat{
		RunnerID:        r.RunnerID,
		RuntimeVersions: map[models.ProviderID]string{models.ProviderCodex: "1.0"},
	}))
	require.Len(t, log.ofType(EventVersionReported), 1)
	assert.Equal(t, "1.0", log.ofType(EventVersionReported)[0].Version)

	// Same version again: no event. Changed version: one more.
	require.NoError(t, h.ProcessHeartbeat(models.Heartbeat{
		RunnerID:        r.RunnerID,
		RuntimeVersions: map[models.ProviderID]string{models.ProviderCodex: "1.0"},
	}))
	assert.Len(t, log.ofType(EventVersionReported), 1)

	require.NoError(t, h.ProcessHeartbeat(models.Heartbeat{
		RunnerID:        r.RunnerID,
		RuntimeVersions: map[models.ProviderID]string{models.ProviderCodex: "1.1"},
	}))
	assert.Len(t, log.ofType(EventVersionReported), 2)
}

func TestDrainAndRemove(t *testing.T) {
	h, log, _ := newTestHandler()
	r := register(t, h, "host-a")

	require.NoError(t, h.Assign(r.RunnerID, "sess-1"))
	require.NoError(t, h.Drain(r.RunnerID))
	require.Len(t, log.ofType(EventDraining), 1)

	err := h.Remove(r.RunnerID)
	assert.ErrorIs(t, err, ErrRunnerHasActiveSessions)

	require.NoError(t, h.Release(r.RunnerID, "sess-1"))
	require.NoError(t, h.Remove(r.RunnerID))
	require.Len(t, log.ofType(EventRemoved), 1)

	_, err = h.Get(r.RunnerID)
	assert.ErrorIs(t, err, ErrRunnerNotFound)

	// The hostname is free again.
	fresh := register(t, h, "host-a")
	assert.NotEqual(t, r.RunnerID, fresh.RunnerID)
}

func TestDrainingRunnerStaysDrainingOnHeartbeat(t *testing.T) {
	h, _, _ := newTestHandler()
	r := register(t, h, "host-a")
	require.NoError(t, h.Drain(r.RunnerID))

	heartbeat(t, h, r.RunnerID, 0)
	got, err := h.Get(r.RunnerID)
	require.NoError(t, err)
	assert.Equal(t, models.RunnerDraining, got.Status)
}

func TestList_FilterSortPaginate(t *testing.T) {
	h := NewHandler(Config{MaxRunners: 10, HeartbeatTimeout: time.Minute, LoadFactor: 0.8})
	for _, hostname := range []string{"charlie", "alpha", "bravo", "delta"} {
		_, err := h.Register(RegisterRequest{Hostname: hostname,
			Capabilities: models.RunnerCapabilities{
				Providers:             []models.ProviderID{models.ProviderCodex},
				MaxConcurrentSessions: 5,
			}})
		require.NoError(t, err)
	}

	page1, total := h.List(ListFilter{}, 1, 2)
	assert.Equal(t, 4, total)
	require.Len(t, page1, 2)
	assert.Equal(t, "alpha", page1[0].Hostname)
	assert.Equal(t, "bravo", page1[1].Hostname)

	page2, _ := h.List(ListFilter{}, 2, 2)
	require.Len(t, page2, 2)
	assert.Equal(t, "charlie", page2[0].Hostname)

	beyond, _ := h.List(ListFilter{}, 9, 2)
	assert.Empty(t, beyond)

	byProvider, total := h.List(ListFilter{Provider: models.ProviderClaudeCode}, 1, 10)
	assert.Zero(t, total)
	assert.Empty(t, byProvider)

	online, total := h.List(ListFilter{Status: models.RunnerOnline}, 1, 10)
	assert.Equal(t, 4, total)
	assert.Len(t, online, 4)
}

func TestSelect_LoadFactorAndUtilization(t *testing.T) {
	h, _, _ := newTestHandler()
	a := register(t, h, "host-a") // max 10
	b := register(t, h, "host-b")

	heartbeat(t, h, a.RunnerID, 7)
	heartbeat(t, h, b.RunnerID, 5)
	picked := h.Select(models.ProviderCodex)
	require.NotNil(t, picked)
	assert.Equal(t, "host-b", picked.Hostname, "lowest utilization wins")

	heartbeat(t, h, b.RunnerID, 8)
	picked = h.Select(models.ProviderCodex)
	require.NotNil(t, picked)
	assert.Equal(t, "host-a", picked.Hostname, "at loadFactor the runner is excluded")

	heartbeat(t, h, a.RunnerID, 8)
	assert.Nil(t, h.Select(models.ProviderCodex), "no candidate below the load factor")
}

func TestSelect_FiltersStatusAndProvider(t *testing.T) {
	h, _, _ := newTestHandler()
	a := register(t, h, "host-a", models.ProviderCodex)
	register(t, h, "host-b", models.ProviderClaudeCode)

	assert.Nil(t, h.Select(models.ProviderID("gemini")))

	picked := h.Select(models.ProviderCodex)
	require.NotNil(t, picked)
	assert.Equal(t, a.RunnerID, picked.RunnerID)

	require.NoError(t, h.Drain(a.RunnerID))
	assert.Nil(t, h.Select(models.ProviderCodex), "draining runners receive no new sessions")
}

func TestSelect_HostnameTiebreak(t *testing.T) {
	h, _, _ := newTestHandler()
	register(t, h, "bravo")
	register(t, h, "alpha")

	picked := h.Select(models.ProviderCodex)
	require.NotNil(t, picked)
	assert.Equal(t, "alpha", picked.Hostname)
}

func TestAssignRelease_KeepSetAndCounterConsistent(t *testing.T) {
	h, _, _ := newTestHandler()
	r := register(t, h, "host-a")

	require.NoError(t, h.Assign(r.RunnerID, "s1"))
	require.NoError(t, h.Assign(r.RunnerID, "s2"))
	require.NoError(t, h.Assign(r.RunnerID, "s1")) // duplicate is a no-op

	got, err := h.Get(r.RunnerID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Load.ActiveSessions)
	assert.Equal(t, []string{"s1", "s2"}, got.ActiveSessions)

	require.NoError(t, h.Release(r.RunnerID, "s1"))
	require.NoError(t, h.Release(r.RunnerID, "missing")) // no-op
	got, err = h.Get(r.RunnerID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Load.ActiveSessions)

	assert.ErrorIs(t, h.Assign("ghost", "s"), ErrRunnerNotFound)
	assert.ErrorIs(t, h.Release("ghost", "s"), ErrRunnerNotFound)
}

func TestSweep_MarksOfflineAndRetains(t *testing.T) {
	h, log, current := newTestHandler()
	a := register(t, h, "host-a")
	b := register(t, h, "host-b")

	*current = current.Add(30 * time.Second)
	heartbeat(t, h, b.RunnerID, 0)

	*current = current.Add(45 * time.Second) // a: 75s stale, b: 45s
	h.Sweep()

	offline := log.ofType(EventOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, a.RunnerID, offline[0].RunnerID)

	got, err := h.Get(a.RunnerID)
	require.NoError(t, err, "offline runners are retained")
	assert.Equal(t, models.RunnerOffline, got.Status)

	// Sweeping again does not re-emit for already offline runners.
	h.Sweep()
	assert.Len(t, log.ofType(EventOffline), 1)
}

func TestCapacity_CountsOnlineOnly(t *testing.T) {
	h, _, current := newTestHandler()
	a := register(t, h, "host-a") // 10 slots
	b := register(t, h, "host-b")

	heartbeat(t, h, a.RunnerID, 3)
	heartbeat(t, h, b.RunnerID, 2)

	total, used, available := h.Capacity()
	assert.Equal(t, 20, total)
	assert.Equal(t, 5, used)
	assert.Equal(t, 15, available)

	*current = current.Add(5 * time.Minute)
	h.Sweep()
	total, used, available = h.Capacity()
	assert.Zero(t, total)
	assert.Zero(t, used)
	assert.Zero(t, available)
}
