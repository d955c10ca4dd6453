// Package session drives the lifecycle of agent sessions on a runner: a
// pure state machine per session plus the manager that owns every active
// session and mediates workspaces, providers, PTYs, and policy.
package session

import (
	"time"

	"github.com/ai-village/village/pkg/models"
)

// StopGraceTimeout bounds how long STOPPING waits for the provider to exit
// before the session is forced to COMPLETED and the process killed.
const StopGraceTimeout = 30 * time.Second

// EventKind identifies a machine event.
type EventKind string

const (
	EvWorkspaceReady    EventKind = "WORKSPACE_READY"
	EvWorkspaceFailed   EventKind = "WORKSPACE_FAILED"
	EvProviderStarted   EventKind = "PROVIDER_STARTED"
	EvProviderFailed    EventKind = "PROVIDER_FAILED"
	EvApprovalRequested EventKind = "APPROVAL_REQUESTED"
	EvApprovalResolved  EventKind = "APPROVAL_RESOLVED"
	EvPause             EventKind = "PAUSE"
	EvResume            EventKind = "RESUME"
	EvStop              EventKind = "STOP"
	EvProviderExited    EventKind = "PROVIDER_EXITED"
	EvError             EventKind = "ERROR"
	EvUsageTick         EventKind = "USAGE_TICK"
	EvStopTimeout       EventKind = "STOP_TIMEOUT"
)

// MachineEvent is one input to the machine. Which fields are read depends
// on Kind.
type MachineEvent struct {
	Kind EventKind

	Workspace       *models.WorkspaceRef
	Error           string
	PID             int
	ProviderVersion string
	Approval        *models.ApprovalRequest
	ApprovalID      string
	Decision        models.ApprovalDecision
	Note            string
	Graceful        bool
	ExitCode        int
	Usage           models.UsageMetrics
}

// EffectKind identifies a side effect the machine's owner must perform.
// The machine itself is pure: it only returns effects.
type EffectKind string

const (
	// EffectPrepareWorkspace asks the owner to create the workspace.
	EffectPrepareWorkspace EffectKind = "prepare_workspace"
	// EffectStartProvider asks the owner to attach and start the provider.
	EffectStartProvider EffectKind = "start_provider"
	// EffectStartTicker starts the usage ticker; fires on entering RUNNING
	// for the first time.
	EffectStartTicker EffectKind = "start_ticker"
	// EffectStopProvider requests provider termination.
	EffectStopProvider EffectKind = "stop_provider"
	// EffectScheduleForceKill arms the STOPPING deadline.
	EffectScheduleForceKill EffectKind = "schedule_force_kill"
	// EffectKillProvider kills the process with the strongest signal.
	EffectKillProvider EffectKind = "kill_provider"
	// EffectEndSession finishes the session: stop the ticker, emit
	// SESSION_ENDED, clean up the workspace, schedule removal.
	EffectEndSession EffectKind = "end_session"
)

// Effect is one side effect requested by a transition.
type Effect struct {
	Kind     EffectKind
	Graceful bool
}

// Transition is the result of applying one event.
type Transition struct {
	From    models.SessionState
	To      models.SessionState
	Changed bool
	Effects []Effect
}

// Machine is the per-session state machine. Not goroutine safe; the
// session lane serializes all access.
type Machine struct {
	state models.SessionState
	now   func() time.Time

	workspace        *models.WorkspaceRef
	pendingApprovals []models.ApprovalRequest
	usage            models.UsageMetrics
	providerPID      int
	providerVersion  string
	providerRunning  bool
	startedAt        *time.Time
	endedAt          *time.Time
	exitCode         *int
	errorMessage     string
}

// NewMachine creates a machine in CREATED.
func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{state: models.StateCreated, now: now}
}

// Start performs the automatic CREATED → PREPARING_WORKSPACE transition.
func (m *Machine) Start() Transition {
	if m.state != models.StateCreated {
		return Transition{From: m.state, To: m.state}
	}
	return m.transition(models.StatePreparingWorkspace, Effect{Kind: EffectPrepareWorkspace})
}

// State returns the current state.
func (m *Machine) State() models.SessionState { return m.state }

// Apply processes one event. Events that do not apply in the current state
// are ignored and produce an unchanged transition.
func (m *Machine) Apply(ev MachineEvent) Transition {
	if m.state.Terminal() {
		return m.ignore()
	}

	switch ev.Kind {
	case EvWorkspaceReady:
		if m.state != models.StatePreparingWorkspace {
			return m.ignore()
		}
		m.workspace = ev.Workspace
		return m.transition(models.StateStartingProvider, Effect{Kind: EffectStartProvider})

	case EvWorkspaceFailed:
		if m.state != models.StatePreparingWorkspace {
			return m.ignore()
		}
		return m.fail(ev.Error)

	case EvProviderStarted:
		if m.state != models.StateStartingProvider {
			return m.ignore()
		}
		m.providerPID = ev.PID
		m.providerVersion = ev.ProviderVersion
		m.providerRunning = true
		now := m.now()
		m.startedAt = &now
		return m.transition(models.StateRunning, Effect{Kind: EffectStartTicker})

	case EvProviderFailed:
		if m.state != models.StateStartingProvider {
			return m.ignore()
		}
		return m.fail(ev.Error)

	case EvApprovalRequested:
		if m.state != models.StateRunning || ev.Approval == nil {
			return m.ignore()
		}
		m.pendingApprovals = append(m.pendingApprovals, *ev.Approval)
		m.usage.ApprovalsRequested++
		return m.transition(models.StateWaitingForApproval)

	case EvApprovalResolved:
		if m.state != models.StateWaitingForApproval {
			return m.ignore()
		}
		if !m.removeApproval(ev.ApprovalID) {
			return m.ignore()
		}
		if ev.Decision == models.DecisionAllow {
			return m.transition(models.StateRunning)
		}
		m.errorMessage = "Approval denied by user"
		return m.enterStopping(true)

	case EvPause:
		if m.state != models.StateRunning && m.state != models.StateWaitingForApproval {
			return m.ignore()
		}
		return m.transition(models.StatePausedByHuman)

	case EvResume:
		if m.state != models.StatePausedByHuman {
			return m.ignore()
		}
		return m.transition(models.StateRunning)

	case EvStop:
		// STOP applies in every non-terminal state; a session stopped before
		// its provider ran still passes through STOPPING.
		return m.enterStopping(ev.Graceful)

	case EvProviderExited:
		if m.state != models.StateRunning && m.state != models.StateStopping {
			return m.ignore()
		}
		m.providerRunning = false
		code := ev.ExitCode
		m.exitCode = &code
		return m.complete()

	case EvStopTimeout:
		if m.state != models.StateStopping {
			return m.ignore()
		}
		m.providerRunning = false
		return m.complete(Effect{Kind: EffectKillProvider})

	case EvError:
		return m.fail(ev.Error)

	case EvUsageTick:
		if m.state == models.StateRunning {
			m.usage.Add(ev.Usage)
		}
		return m.ignore()
	}
	return m.ignore()
}

func (m *Machine) ignore() Transition {
	return Transition{From: m.state, To: m.state}
}

func (m *Machine) transition(to models.SessionState, effects ...Effect) Transition {
	from := m.state
	m.state = to
	return Transition{From: from, To: to, Changed: from != to, Effects: effects}
}

func (m *Machine) enterStopping(graceful bool) Transition {
	return m.transition(models.StateStopping,
		Effect{Kind: EffectStopProvider, Graceful: graceful},
		Effect{Kind: EffectScheduleForceKill})
}

func (m *Machine) complete(extra ...Effect) Transition {
	now := m.now()
	m.endedAt = &now
	effects := append(extra, Effect{Kind: EffectEndSession})
	return m.transition(models.StateCompleted, effects...)
}

func (m *Machine) fail(message string) Transition {
	m.errorMessage = message
	now := m.now()
	m.endedAt = &now
	effects := []Effect{}
	if m.providerRunning {
		m.providerRunning = false
		effects = append(effects, Effect{Kind: EffectKillProvider})
	}
	effects = append(effects, Effect{Kind: EffectEndSession})
	return m.transition(models.StateFailed, effects...)
}

func (m *Machine) removeApproval(id string) bool {
	for i, a := range m.pendingApprovals {
		if a.ApprovalID == id {
			m.pendingApprovals = append(m.pendingApprovals[:i], m.pendingApprovals[i+1:]...)
			return true
		}
	}
	return false
}

// ProviderRunning reports whether the provider process is alive.
func (m *Machine) ProviderRunning() bool { return m.providerRunning }

// PendingApprovals returns a copy of the unresolved approvals.
func (m *Machine) PendingApprovals() []models.ApprovalRequest {
	out := make([]models.ApprovalRequest, len(m.pendingApprovals))
	copy(out, m.pendingApprovals)
	return out
}

// Usage returns the accumulated usage.
func (m *Machine) Usage() models.UsageMetrics { return m.usage }

// Workspace returns the workspace once WORKSPACE_READY was applied.
func (m *Machine) Workspace() *models.WorkspaceRef { return m.workspace }

// Duration returns elapsed time from start to end (or now).
func (m *Machine) Duration() time.Duration {
	if m.startedAt == nil {
		return 0
	}
	end := m.now()
	if m.endedAt != nil {
		end = *m.endedAt
	}
	return end.Sub(*m.startedAt)
}

// Snapshot returns the externally visible runtime state.
func (m *Machine) Snapshot(sessionID string, providerID models.ProviderID, lastSeq uint64) models.SessionRuntimeState {
	return models.SessionRuntimeState{
		SessionID:        sessionID,
		State:            m.state,
		ProviderID:       providerID,
		Workspace:        m.workspace,
		StartedAt:        m.startedAt,
		EndedAt:          m.endedAt,
		ProviderPID:      m.providerPID,
		LastEventSeq:     lastSeq,
		PendingApprovals: m.PendingApprovals(),
		ErrorMessage:     m.errorMessage,
		ExitCode:         m.exitCode,
		Usage:            m.usage,
	}
}
