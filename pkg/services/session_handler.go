// Package services implements the control plane's session orchestration:
// admission, runner selection, dispatch to the owning runner, and the
// store/fleet bookkeeping driven by routed events.
package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ai-village/village/pkg/events"
	"github.com/ai-village/village/pkg/fleet"
	"github.com/ai-village/village/pkg/metrics"
	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/store"
)

// CreateSessionRequest is the control plane's session-creation input.
type CreateSessionRequest struct {
	OrgID      string               `json:"org_id,omitempty"`
	UserID     string               `json:"user_id,omitempty"`
	VillageID  string               `json:"village_id,omitempty"`
	AgentName  string               `json:"agent_name,omitempty"`
	ProviderID models.ProviderID    `json:"provider_id"`
	Repo       models.RepoRef       `json:"repo_ref"`
	Checkout   *models.CheckoutSpec `json:"checkout,omitempty"`
	RoomPath   string               `json:"room_path,omitempty"`
	Task       models.TaskSpec      `json:"task"`
	Policy     *models.PolicySpec   `json:"policy,omitempty"`
	Env        map[string]string    `json:"env,omitempty"`
}

// CreateSessionResponse identifies the created session.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
}

// SessionHandler orchestrates session lifecycle on the control plane.
type SessionHandler struct {
	fleet   *fleet.Handler
	store   store.MetadataStore
	runners RunnerAPI
	mets    *metrics.Metrics

	newID func() string
	now   func() time.Time
}

// NewSessionHandler creates a handler. mets may be nil.
func NewSessionHandler(fl *fleet.Handler, st store.MetadataStore, runners RunnerAPI, mets *metrics.Metrics) *SessionHandler {
	return &SessionHandler{
		fleet:   fl,
		store:   st,
		runners: runners,
		mets:    mets,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// CreateSession validates the request, picks a runner, persists the session
// and dispatches it. Returns ErrNoCapacity when no online runner can take
// the provider.
func (h *SessionHandler) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	cfg, err := h.buildConfig(req)
	if err != nil {
		return nil, err
	}

	runner := h.fleet.Select(cfg.ProviderID)
	if runner == nil {
		return nil, ErrNoCapacity
	}
	if err := h.fleet.Assign(runner.RunnerID, cfg.SessionID); err != nil {
		return nil, err
	}

	rec := &store.SessionRecord{
		Config:    *cfg,
		RunnerID:  runner.RunnerID,
		State:     models.StateCreated,
		CreatedAt: cfg.CreatedAt,
	}
	if err := h.store.CreateSession(ctx, rec); err != nil {
		h.releaseQuietly(runner.RunnerID, cfg.SessionID)
		return nil, err
	}

	if err := h.runners.StartSession(ctx, *runner, *cfg); err != nil {
		slog.Error("Failed to dispatch session to runner",
			"session_id", cfg.SessionID, "runner_id", runner.RunnerID, "error", err)
		h.releaseQuietly(runner.RunnerID, cfg.SessionID)
		if uerr := h.store.UpdateSessionState(ctx, cfg.SessionID, models.StateFailed,
			"failed to dispatch to runner", nil); uerr != nil {
			slog.Error("Failed to mark session failed", "session_id", cfg.SessionID, "error", uerr)
		}
		return nil, err
	}

	if h.mets != nil {
		h.mets.SessionsActive.Inc()
	}
	slog.Info("Session created",
		"session_id", cfg.SessionID,
		"agent_id", cfg.AgentID,
		"provider_id", cfg.ProviderID,
		"runner_id", runner.RunnerID,
		"repo", cfg.Repo.Slug())
	return &CreateSessionResponse{SessionID: cfg.SessionID, AgentID: cfg.AgentID}, nil
}

// buildConfig validates the request and materializes the immutable session
// config, filling defaults for checkout and policy.
func (h *SessionHandler) buildConfig(req *CreateSessionRequest) (*models.SessionConfig, error) {
	fields := make(map[string]string)
	if req.ProviderID == "" {
		fields["providerId"] = "is required"
	}
	if err := req.Repo.Validate(); err != nil {
		fields["repoRef"] = err.Error()
	}
	if req.Task.Title == "" {
		fields["task.title"] = "is required"
	}
	if req.Task.Goal == "" {
		fields["task.goal"] = "is required"
	}

	checkout := models.CheckoutSpec{Type: models.CheckoutBranch, Ref: req.Repo.DefaultBranch}
	if checkout.Ref == "" {
		checkout.Ref = "main"
	}
	if req.Checkout != nil {
		checkout = *req.Checkout
		if err := checkout.Validate(); err != nil {
			fields["checkout"] = err.Error()
		}
	}
	if err := newValidationError(fields); err != nil {
		return nil, err
	}

	policy := models.DefaultPolicySpec()
	if req.Policy != nil {
		policy = *req.Policy
	}

	cfg := &models.SessionConfig{
		SessionID:  h.newID(),
		OrgID:      req.OrgID,
		UserID:     req.UserID,
		AgentID:    h.newID(),
		VillageID:  req.VillageID,
		ProviderID: req.ProviderID,
		Repo:       req.Repo,
		Checkout:   checkout,
		RoomPath:   req.RoomPath,
		Task:       req.Task,
		Policy:     policy,
		Env:        req.Env,
		CreatedAt:  h.now(),
	}
	if req.AgentName != "" {
		cfg.Metadata = map[string]string{"agent_name": req.AgentName}
	}
	return cfg, nil
}

// GetSession returns the live runtime state from the owning runner, falling
// back to the stored record when the session is terminal or the runner
// cannot be reached.
func (h *SessionHandler) GetSession(ctx context.Context, sessionID string) (*models.SessionRuntimeState, error) {
	rec, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return recordState(rec), nil
	}

	runner, err := h.fleet.Get(rec.RunnerID)
	if err != nil {
		return recordState(rec), nil
	}
	state, err := h.runners.GetState(ctx, runner, sessionID)
	if err != nil {
		slog.Warn("Failed to query runner for session state, serving stored view",
			"session_id", sessionID, "runner_id", rec.RunnerID, "error", err)
		return recordState(rec), nil
	}
	return state, nil
}

// SendInput forwards terminal input to the session's runner.
func (h *SessionHandler) SendInput(ctx context.Context, sessionID, data string) error {
	runner, err := h.ownerOf(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.runners.SendInput(ctx, runner, sessionID, data)
}

// StopSession asks the session's runner to stop the session.
func (h *SessionHandler) StopSession(ctx context.Context, sessionID string, graceful bool) error {
	runner, err := h.ownerOf(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.runners.Stop(ctx, runner, sessionID, graceful)
}

// ResolveApproval forwards an approval decision to the session's runner.
func (h *SessionHandler) ResolveApproval(ctx context.Context, sessionID, approvalID string, decision models.ApprovalDecision, note string) error {
	runner, err := h.ownerOf(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.runners.ResolveApproval(ctx, runner, sessionID, approvalID, decision, note)
}

// HandleEvent is a router listener keeping the store and fleet in step with
// runner-reported session progress.
func (h *SessionHandler) HandleEvent(ev events.Event) {
	ctx := context.Background()
	switch ev.Type {
	case events.TypeSessionStateChanged:
		var payload events.StateChangedPayload
		if err := ev.DecodePayload(&payload); err != nil {
			slog.Warn("Undecodable state change event",
				"session_id", ev.SessionID, "seq", ev.Seq, "error", err)
			return
		}
		if payload.NewState.Terminal() {
			// The SESSION_ENDED event carries the authoritative final record.
			return
		}
		if err := h.store.UpdateSessionState(ctx, ev.SessionID, payload.NewState, "", nil); err != nil {
			slog.Warn("Failed to record session state",
				"session_id", ev.SessionID, "state", payload.NewState, "error", err)
		}

	case events.TypeSessionEnded:
		var payload events.SessionEndedPayload
		if err := ev.DecodePayload(&payload); err != nil {
			slog.Warn("Undecodable session end event",
				"session_id", ev.SessionID, "seq", ev.Seq, "error", err)
			return
		}
		h.completeSession(ctx, ev.SessionID, &payload)

	case events.TypeProviderForwarded:
		var payload events.ProviderForwardedPayload
		if err := ev.DecodePayload(&payload); err != nil {
			return
		}
		if strings.Contains(payload.Message, "blocked by policy") && h.mets != nil {
			h.mets.PolicyViolations.Inc()
		}
	}
}

// completeSession records the terminal state and frees the runner slot.
func (h *SessionHandler) completeSession(ctx context.Context, sessionID string, payload *events.SessionEndedPayload) {
	rec, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Warn("Session ended for unknown session", "session_id", sessionID, "error", err)
		return
	}
	if err := h.store.UpdateSessionState(ctx, sessionID, payload.FinalState,
		payload.ErrorMessage, payload.ExitCode); err != nil {
		slog.Error("Failed to record session end",
			"session_id", sessionID, "error", err)
	}
	h.releaseQuietly(rec.RunnerID, sessionID)
	if h.mets != nil {
		h.mets.SessionsActive.Dec()
	}
	slog.Info("Session completed",
		"session_id", sessionID,
		"final_state", payload.FinalState,
		"duration_ms", payload.TotalDurationMS)
}

// ownerOf resolves the runner currently owning an active session.
func (h *SessionHandler) ownerOf(ctx context.Context, sessionID string) (models.StoredRunner, error) {
	rec, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.StoredRunner{}, err
	}
	if rec.State.Terminal() {
		return models.StoredRunner{}, ErrSessionNotActive
	}
	runner, err := h.fleet.Get(rec.RunnerID)
	if err != nil {
		return models.StoredRunner{}, ErrRunnerUnavailable
	}
	return runner, nil
}

func (h *SessionHandler) releaseQuietly(runnerID, sessionID string) {
	if err := h.fleet.Release(runnerID, sessionID); err != nil {
		slog.Warn("Failed to release runner slot",
			"runner_id", runnerID, "session_id", sessionID, "error", err)
	}
}

// recordState projects a stored record into the runtime-state shape.
func recordState(rec *store.SessionRecord) *models.SessionRuntimeState {
	return &models.SessionRuntimeState{
		SessionID:    rec.Config.SessionID,
		State:        rec.State,
		ProviderID:   rec.Config.ProviderID,
		EndedAt:      rec.EndedAt,
		ErrorMessage: rec.ErrorMessage,
		ExitCode:     rec.ExitCode,
	}
}
