package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ai-village/village/pkg/config"
	"github.com/ai-village/village/pkg/events"
	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/policy"
	"github.com/ai-village/village/pkg/provider"
	"github.com/ai-village/village/pkg/pty"
	"github.com/ai-village/village/pkg/workspace"
)

const (
	laneCapacity         = 1024
	approvalSweepEvery   = 5 * time.Second
	shutdownAwaitTimeout = 15 * time.Second
)

// activeSession is one session's runtime: machine, lane, emitter, policy,
// adapter, and usage counters. All fields below the lane are touched only
// from the lane goroutine.
type activeSession struct {
	config   *models.SessionConfig
	machine  *Machine
	emitter  *events.Emitter
	enforcer *policy.Enforcer

	lane   chan func()
	closed bool // guarded by Manager.mu

	adapter       provider.Adapter
	ended         bool
	terminalBytes int64
	filesTouched  int64
	commandsRun   int64
	lastTick      time.Time
	tickerCancel  context.CancelFunc
	forceKill     *time.Timer
}

// Manager drives every active session on the runner. Each session has a
// lane goroutine that serializes its machine events, provider events, PTY
// chunks, and ticks in arrival order; different sessions run in parallel.
type Manager struct {
	cfg        *config.RunnerConfig
	workspaces *workspace.Manager
	ptys       *pty.Manager
	registry   *provider.Registry
	sink       events.Sink
	rules      *policy.Ruleset
	now        func() time.Time

	mu          sync.Mutex
	initialized bool
	sessions    map[string]*activeSession
	lanes       sync.WaitGroup
}

// NewManager wires a session manager; call Initialize before use. The PTY
// manager is created here so its data and exit callbacks land in the
// session lanes.
func NewManager(cfg *config.RunnerConfig, workspaces *workspace.Manager, registry *provider.Registry, sink events.Sink) *Manager {
	m := &Manager{
		cfg:        cfg,
		workspaces: workspaces,
		registry:   registry,
		sink:       sink,
		rules:      policy.DefaultRuleset(),
		now:        time.Now,
		sessions:   make(map[string]*activeSession),
	}
	m.ptys = pty.NewManager(pty.Config{OnData: m.onPTYData, OnExit: m.onPTYExit})
	return m
}

// PTYs exposes the PTY manager for diagnostic buffer reads.
func (m *Manager) PTYs() *pty.Manager { return m.ptys }

// Initialize prepares the PTY and workspace layers.
func (m *Manager) Initialize() error {
	if err := m.workspaces.Initialize(); err != nil {
		return err
	}
	m.ptys.Initialize()
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Run performs periodic housekeeping (approval timeouts) until the context
// ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(approvalSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepApprovalTimeouts()
		}
	}
}

// StartSession admits a new session and begins preparing its workspace.
// Returns the initial runtime state.
func (m *Manager) StartSession(cfg *models.SessionConfig) (models.SessionRuntimeState, error) {
	var zero models.SessionRuntimeState
	if err := cfg.Validate(); err != nil {
		return zero, err
	}

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return zero, ErrNotInitialized
	}
	if _, exists := m.sessions[cfg.SessionID]; exists {
		m.mu.Unlock()
		return zero, fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.SessionID)
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return zero, fmt.Errorf("%w: %d active", ErrSessionLimit, m.cfg.MaxSessions)
	}

	s := &activeSession{
		config:   cfg,
		machine:  NewMachine(m.now),
		emitter:  events.NewEmitter(cfg, m.sink),
		enforcer: policy.NewEnforcer(cfg.Policy, m.rules),
		lane:     make(chan func(), laneCapacity),
	}
	m.sessions[cfg.SessionID] = s
	m.lanes.Add(1)
	go m.runLane(s)
	m.mu.Unlock()

	slog.Info("Session admitted", "session_id", cfg.SessionID,
		"provider", cfg.ProviderID, "repo", cfg.Repo.Slug())

	// Snapshot before the lane starts the machine; the machine is lane-owned
	// from here on.
	initial := s.machine.Snapshot(cfg.SessionID, cfg.ProviderID, 0)

	m.dispatch(cfg.SessionID, func() {
		tr := s.machine.Start()
		if tr.Changed {
			m.emit(s, events.TypeSessionStateChanged, events.StateChangedPayload{
				PreviousState: tr.From, NewState: tr.To,
			})
		}
		m.handleTransition(s, tr)
	})

	return initial, nil
}

func (m *Manager) runLane(s *activeSession) {
	defer m.lanes.Done()
	for fn := range s.lane {
		fn()
	}
}

// dispatch enqueues work on the session's lane. Returns false when the
// session is gone. Never blocks: an overflowing lane drops the work.
func (m *Manager) dispatch(sessionID string, fn func()) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.closed {
		m.mu.Unlock()
		return false
	}
	select {
	case s.lane <- fn:
		m.mu.Unlock()
		return true
	default:
		m.mu.Unlock()
		slog.Error("Session lane overflow, dropping work", "session_id", sessionID)
		return false
	}
}

func (m *Manager) get(sessionID string) (*activeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s, nil
}

// applyEvent runs a machine event in the lane and performs the emissions
// and effects its transition demands. Lane-only.
func (m *Manager) applyEvent(s *activeSession, ev MachineEvent) {
	tr := s.machine.Apply(ev)

	// SESSION_STARTED is emitted strictly after PROVIDER_STARTED is
	// accepted, before the RUNNING state change becomes visible.
	if ev.Kind == EvProviderStarted && tr.Changed {
		m.emit(s, events.TypeSessionStarted, events.SessionStartedPayload{
			ProviderID:      s.config.ProviderID,
			ProviderVersion: ev.ProviderVersion,
			WorkspacePath:   workspacePath(s),
			RoomPath:        s.config.RoomPath,
		})
	}

	if tr.Changed {
		m.emit(s, events.TypeSessionStateChanged, events.StateChangedPayload{
			PreviousState: tr.From, NewState: tr.To,
		})
	}

	switch {
	case ev.Kind == EvApprovalRequested && tr.Changed:
		m.emit(s, events.TypeApprovalRequested, events.ApprovalRequestedPayload{
			Approval: *ev.Approval,
		})
	case ev.Kind == EvApprovalResolved && tr.Changed:
		m.emit(s, events.TypeApprovalResolved, events.ApprovalResolvedPayload{
			ApprovalID: ev.ApprovalID, Decision: ev.Decision, Note: ev.Note,
		})
	}

	m.handleTransition(s, tr)

	// A session stopped before its provider ever ran has nothing to wait
	// for: complete it now instead of burning the whole grace period.
	if ev.Kind == EvStop && tr.Changed && !s.machine.ProviderRunning() {
		m.applyEvent(s, MachineEvent{Kind: EvStopTimeout})
	}
}

// handleTransition performs the side effects of a transition. Lane-only.
func (m *Manager) handleTransition(s *activeSession, tr Transition) {
	for _, effect := range tr.Effects {
		switch effect.Kind {
		case EffectPrepareWorkspace:
			go m.prepareWorkspace(s)
		case EffectStartProvider:
			go m.startProvider(s, s.adapter)
		case EffectStartTicker:
			m.startTicker(s)
		case EffectStopProvider:
			m.stopProvider(s, effect.Graceful)
		case EffectScheduleForceKill:
			s.forceKill = time.AfterFunc(m.cfg.StopGraceTimeout, func() {
				m.dispatch(s.config.SessionID, func() {
					m.applyEvent(s, MachineEvent{Kind: EvStopTimeout})
				})
			})
		case EffectKillProvider:
			m.ptys.Kill(s.config.SessionID, "SIGKILL")
		case EffectEndSession:
			m.finishSession(s)
		}
	}
}

func (m *Manager) prepareWorkspace(s *activeSession) {
	cfg := s.config
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	ref, err := m.workspaces.CreateWorkspace(ctx, cfg.SessionID, cfg.Repo, cfg.Checkout,
		workspace.Options{RoomPath: cfg.RoomPath})
	if err != nil {
		slog.Error("Workspace preparation failed", "session_id", cfg.SessionID, "error", err)
		m.dispatch(cfg.SessionID, func() {
			m.applyEvent(s, MachineEvent{Kind: EvWorkspaceFailed, Error: err.Error()})
		})
		return
	}
	m.dispatch(cfg.SessionID, func() {
		m.applyEvent(s, MachineEvent{Kind: EvWorkspaceReady, Workspace: ref})
	})
}

// startProvider attaches the adapter (building one from the registry when
// none was preset) and launches the provider process.
func (m *Manager) startProvider(s *activeSession, preset provider.Adapter) {
	cfg := s.config
	adapter := preset
	if adapter == nil {
		var err error
		adapter, err = m.registry.New(cfg.ProviderID, cfg.SessionID, m.ptys)
		if err != nil {
			m.dispatch(cfg.SessionID, func() {
				m.applyEvent(s, MachineEvent{Kind: EvProviderFailed, Error: err.Error()})
			})
			return
		}
	}

	adapter.OnEvent(func(pe provider.Event) {
		m.dispatch(cfg.SessionID, func() { m.handleProviderEvent(s, pe) })
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	detection := adapter.Detect(ctx)

	pid, err := adapter.StartSession(ctx, provider.StartSpec{
		RepoPath: workspacePath(s),
		Task:     cfg.Task,
		Policy:   cfg.Policy,
		Env:      cfg.Env,
	})
	if err != nil {
		slog.Error("Provider start failed", "session_id", cfg.SessionID,
			"provider", cfg.ProviderID, "error", err)
		m.dispatch(cfg.SessionID, func() {
			m.applyEvent(s, MachineEvent{Kind: EvProviderFailed, Error: err.Error()})
		})
		return
	}
	m.dispatch(cfg.SessionID, func() {
		m.mu.Lock()
		s.adapter = adapter
		m.mu.Unlock()
		m.applyEvent(s, MachineEvent{
			Kind: EvProviderStarted, PID: pid, ProviderVersion: detection.Version,
		})
	})
}

// handleProviderEvent interprets one structured provider event. Approval
// requests become machine events; everything else is forwarded. Lane-only.
func (m *Manager) handleProviderEvent(s *activeSession, pe provider.Event) {
	switch pe.Kind {
	case provider.KindRequestApproval:
		m.applyEvent(s, MachineEvent{Kind: EvApprovalRequested, Approval: pe.Approval})

	case provider.KindFileTouched:
		s.filesTouched++
		m.emit(s, events.TypeFileTouched, events.FileTouchedPayload{
			Path:     pe.Path,
			Reason:   events.FileTouchReason(pe.Reason),
			RoomPath: s.config.RoomPath,
		})

	case provider.KindDiffSummary:
		if pe.Diff == nil {
			return
		}
		files := make([]events.DiffFileStat, len(pe.Diff.Files))
		for i, f := range pe.Diff.Files {
			files[i] = events.DiffFileStat{Path: f.Path, LinesAdded: f.LinesAdded, LinesRemoved: f.LinesRemoved}
		}
		m.emit(s, events.TypeDiffSummary, events.DiffSummaryPayload{
			FilesChanged: pe.Diff.FilesChanged,
			LinesAdded:   pe.Diff.LinesAdded,
			LinesRemoved: pe.Diff.LinesRemoved,
			Files:        files,
		})

	case provider.KindToolUse:
		if pe.Detail != "" {
			decision := s.enforcer.CheckCommand(pe.Detail)
			if !decision.Allowed {
				slog.Warn("Command blocked by policy",
					"session_id", s.config.SessionID, "command", pe.Detail)
				m.emit(s, events.TypeProviderForwarded, events.ProviderForwardedPayload{
					Kind:    string(provider.KindError),
					Message: "command blocked by policy",
					Detail:  pe.Detail,
				})
				return
			}
		}
		s.commandsRun++
		m.emit(s, events.TypeProviderForwarded, events.ProviderForwardedPayload{
			Kind: string(pe.Kind), Message: pe.Tool, Detail: pe.Detail,
		})

	default:
		m.emit(s, events.TypeProviderForwarded, events.ProviderForwardedPayload{
			Kind: string(pe.Kind), Message: pe.Message, Detail: pe.Detail,
		})
	}
}

// onPTYData routes a PTY chunk into the session lane: count it, redact
// secrets for the wire, and feed the raw bytes to the adapter's parser.
func (m *Manager) onPTYData(e pty.DataEvent) {
	m.dispatch(e.SessionID, func() {
		s, err := m.get(e.SessionID)
		if err != nil {
			return
		}
		s.terminalBytes += int64(len(e.Data))
		redaction := s.enforcer.RedactSecrets(string(e.Data))
		m.emit(s, events.TypeTerminalChunk, events.TerminalChunkPayload{
			Data: redaction.Redacted, Stream: e.Stream,
		})
		if s.adapter != nil {
			s.adapter.HandleOutput(e.Data)
		}
	})
}

func (m *Manager) onPTYExit(e pty.ExitEvent) {
	m.dispatch(e.SessionID, func() {
		s, err := m.get(e.SessionID)
		if err != nil {
			return
		}
		m.applyEvent(s, MachineEvent{Kind: EvProviderExited, ExitCode: e.ExitCode})
	})
}

// startTicker begins periodic usage accounting for a running session.
// Lane-only.
func (m *Manager) startTicker(s *activeSession) {
	ctx, cancel := context.WithCancel(context.Background())
	s.tickerCancel = cancel
	s.lastTick = m.now()

	interval := m.cfg.UsageTickInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.dispatch(s.config.SessionID, func() { m.usageTick(s, interval) })
			}
		}
	}()
}

// usageTick converts the counters accumulated since the last tick into a
// usage delta, feeds it to the machine, and emits USAGE_TICK. Lane-only.
func (m *Manager) usageTick(s *activeSession, interval time.Duration) {
	now := m.now()
	elapsed := now.Sub(s.lastTick)
	s.lastTick = now
	if s.machine.State() != models.StateRunning {
		return
	}

	kb := s.terminalBytes / 1024
	s.terminalBytes -= kb * 1024
	delta := models.UsageMetrics{
		AgentSeconds: int64(elapsed.Seconds()),
		TerminalKB:   kb,
		FilesTouched: s.filesTouched,
		CommandsRun:  s.commandsRun,
	}
	s.filesTouched = 0
	s.commandsRun = 0

	m.applyEvent(s, MachineEvent{Kind: EvUsageTick, Usage: delta})
	m.emit(s, events.TypeUsageTick, events.UsageTickPayload{
		ProviderID: s.config.ProviderID,
		Units:      delta,
		IntervalMS: interval.Milliseconds(),
	})
}

func (m *Manager) stopProvider(s *activeSession, graceful bool) {
	if graceful && s.adapter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.adapter.Stop(ctx); err != nil {
			slog.Warn("Graceful provider stop failed, killing",
				"session_id", s.config.SessionID, "error", err)
			m.ptys.Kill(s.config.SessionID, "SIGKILL")
		}
		return
	}
	m.ptys.Kill(s.config.SessionID, "SIGKILL")
}

// finishSession completes teardown after a terminal transition: stop the
// ticker and timers, emit the final SESSION_ENDED, clean up the workspace,
// and schedule removal from the map. Lane-only.
func (m *Manager) finishSession(s *activeSession) {
	if s.tickerCancel != nil {
		s.tickerCancel()
		s.tickerCancel = nil
	}
	if s.forceKill != nil {
		s.forceKill.Stop()
		s.forceKill = nil
	}

	snap := s.machine.Snapshot(s.config.SessionID, s.config.ProviderID, s.emitter.LastSeq())
	m.emit(s, events.TypeSessionEnded, events.SessionEndedPayload{
		FinalState:      snap.State,
		ExitCode:        snap.ExitCode,
		ErrorMessage:    snap.ErrorMessage,
		TotalDurationMS: s.machine.Duration().Milliseconds(),
		TotalUsage:      snap.Usage,
	})
	s.ended = true

	sessionID := s.config.SessionID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		m.workspaces.DestroyWorkspace(ctx, sessionID)
	}()

	// Keep the terminal state readable briefly before dropping the session.
	time.AfterFunc(m.cfg.TerminalRetention, func() { m.remove(sessionID) })

	slog.Info("Session ended", "session_id", sessionID,
		"final_state", snap.State, "duration_ms", s.machine.Duration().Milliseconds())
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.closed = true
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	close(s.lane)
}

// emit publishes an event unless the session already emitted SESSION_ENDED;
// nothing may follow the final event. Lane-only.
func (m *Manager) emit(s *activeSession, t events.Type, payload any) {
	if s.ended {
		return
	}
	s.emitter.Emit(t, payload)
}

func workspacePath(s *activeSession) string {
	if ws := s.machine.Workspace(); ws != nil {
		return ws.WorktreePath
	}
	return ""
}

// SetProviderAdapter attaches a custom adapter and starts it immediately.
// The default flow builds adapters from the registry instead.
func (m *Manager) SetProviderAdapter(sessionID string, adapter provider.Adapter) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if !m.dispatch(sessionID, func() { go m.startProvider(s, adapter) }) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// SendInput forwards input bytes to the session's provider.
func (m *Manager) SendInput(sessionID string, data []byte) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	adapter := s.adapter
	m.mu.Unlock()
	if adapter == nil {
		return fmt.Errorf("%w: %s", ErrNoAdapter, sessionID)
	}
	return adapter.SendInput(data)
}

// PauseSession pauses a running or approval-waiting session.
func (m *Manager) PauseSession(sessionID string) error {
	return m.apply(sessionID, MachineEvent{Kind: EvPause})
}

// ResumeSession resumes a paused session.
func (m *Manager) ResumeSession(sessionID string) error {
	return m.apply(sessionID, MachineEvent{Kind: EvResume})
}

// StopSession moves a session to STOPPING.
func (m *Manager) StopSession(sessionID string, graceful bool) error {
	return m.apply(sessionID, MachineEvent{Kind: EvStop, Graceful: graceful})
}

// ResolveApproval resolves a pending approval. Resolving an unknown or
// already resolved approval is a no-op.
func (m *Manager) ResolveApproval(sessionID, approvalID string, decision models.ApprovalDecision, note string) error {
	return m.apply(sessionID, MachineEvent{
		Kind: EvApprovalResolved, ApprovalID: approvalID, Decision: decision, Note: note,
	})
}

func (m *Manager) apply(sessionID string, ev MachineEvent) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if !m.dispatch(sessionID, func() { m.applyEvent(s, ev) }) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// GetSessionState returns the session's point-in-time runtime state,
// consistent with the lane's view.
func (m *Manager) GetSessionState(sessionID string) (models.SessionRuntimeState, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return models.SessionRuntimeState{}, err
	}
	reply := make(chan models.SessionRuntimeState, 1)
	ok := m.dispatch(sessionID, func() {
		reply <- s.machine.Snapshot(s.config.SessionID, s.config.ProviderID, s.emitter.LastSeq())
	})
	if !ok {
		return models.SessionRuntimeState{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return <-reply, nil
}

// ActiveSessionIDs returns the ids of all sessions still in the map,
// for heartbeat reporting.
func (m *Manager) ActiveSessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of sessions in the map.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sweepApprovalTimeouts denies approvals that passed their deadline.
func (m *Manager) sweepApprovalTimeouts() {
	now := m.now()
	for _, id := range m.ActiveSessionIDs() {
		sessionID := id
		m.dispatch(sessionID, func() {
			s, err := m.get(sessionID)
			if err != nil {
				return
			}
			for _, approval := range s.machine.PendingApprovals() {
				if approval.TimeoutAt != nil && approval.TimeoutAt.Before(now) {
					slog.Info("Approval timed out, denying",
						"session_id", sessionID, "approval_id", approval.ApprovalID)
					m.applyEvent(s, MachineEvent{
						Kind:       EvApprovalResolved,
						ApprovalID: approval.ApprovalID,
						Decision:   models.DecisionDeny,
						Note:       "approval timed out",
					})
				}
			}
		})
	}
}

// Shutdown stops every session without grace, waits for them to terminate,
// and tears down the PTY layer.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		sessionID := id
		m.dispatch(sessionID, func() {
			s, err := m.get(sessionID)
			if err != nil {
				return
			}
			m.applyEvent(s, MachineEvent{Kind: EvStop, Graceful: false})
		})
	}

	deadline := time.Now().Add(shutdownAwaitTimeout)
	for time.Now().Before(deadline) {
		if m.allTerminal() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	m.ptys.Cleanup()
}

func (m *Manager) allTerminal() bool {
	m.mu.Lock()
	sessions := make([]*activeSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		done := make(chan bool, 1)
		if !m.dispatch(s.config.SessionID, func() { done <- s.machine.State().Terminal() }) {
			continue
		}
		if !<-done {
			return false
		}
	}
	return true
}
