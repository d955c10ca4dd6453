package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ai-village/village/pkg/models"
)

// MetaAPIURL is the runner metadata key carrying the base URL of the
// runner's internal session API. Runners set it at registration.
const MetaAPIURL = "api_url"

// RunnerAPI is the control plane's client surface for one runner's
// internal session API.
type RunnerAPI interface {
	StartSession(ctx context.Context, runner models.StoredRunner, cfg models.SessionConfig) error
	SendInput(ctx context.Context, runner models.StoredRunner, sessionID, data string) error
	Stop(ctx context.Context, runner models.StoredRunner, sessionID string, graceful bool) error
	ResolveApproval(ctx context.Context, runner models.StoredRunner, sessionID, approvalID string, decision models.ApprovalDecision, note string) error
	GetState(ctx context.Context, runner models.StoredRunner, sessionID string) (*models.SessionRuntimeState, error)
}

// RunnerDispatcher is the HTTP RunnerAPI implementation.
type RunnerDispatcher struct {
	client *http.Client
}

// NewRunnerDispatcher creates a dispatcher with the given per-call timeout.
func NewRunnerDispatcher(timeout time.Duration) *RunnerDispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RunnerDispatcher{client: &http.Client{Timeout: timeout}}
}

func (d *RunnerDispatcher) StartSession(ctx context.Context, runner models.StoredRunner, cfg models.SessionConfig) error {
	return d.post(ctx, runner, "/internal/sessions", cfg, nil)
}

func (d *RunnerDispatcher) SendInput(ctx context.Context, runner models.StoredRunner, sessionID, data string) error {
	path := "/internal/sessions/" + url.PathEscape(sessionID) + "/input"
	return d.post(ctx, runner, path, map[string]string{"data": data}, nil)
}

func (d *RunnerDispatcher) Stop(ctx context.Context, runner models.StoredRunner, sessionID string, graceful bool) error {
	path := "/internal/sessions/" + url.PathEscape(sessionID) + "/stop"
	return d.post(ctx, runner, path, map[string]bool{"graceful": graceful}, nil)
}

func (d *RunnerDispatcher) ResolveApproval(ctx context.Context, runner models.StoredRunner, sessionID, approvalID string, decision models.ApprovalDecision, note string) error {
	path := "/internal/sessions/" + url.PathEscape(sessionID) + "/approvals/" + url.PathEscape(approvalID)
	body := map[string]string{"decision": string(decision), "note": note}
	return d.post(ctx, runner, path, body, nil)
}

func (d *RunnerDispatcher) GetState(ctx context.Context, runner models.StoredRunner, sessionID string) (*models.SessionRuntimeState, error) {
	base, err := runnerBaseURL(runner)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		base+"/internal/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("build state request: %w", err)
	}
	var state models.SessionRuntimeState
	if err := d.do(req, runner, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (d *RunnerDispatcher) post(ctx context.Context, runner models.StoredRunner, path string, body, out any) error {
	base, err := runnerBaseURL(runner)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req, runner, out)
}

func (d *RunnerDispatcher) do(req *http.Request, runner models.StoredRunner, out any) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRunnerUnavailable, runner.RunnerID, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runner %s returned %d for %s: %s",
			runner.RunnerID, resp.StatusCode, req.URL.Path, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode runner response: %w", err)
	}
	return nil
}

func runnerBaseURL(runner models.StoredRunner) (string, error) {
	base := runner.Metadata[MetaAPIURL]
	if base == "" {
		return "", fmt.Errorf("%w: runner %s registered without %s metadata",
			ErrRunnerUnavailable, runner.RunnerID, MetaAPIURL)
	}
	return base, nil
}
