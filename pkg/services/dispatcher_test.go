package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-village/village/pkg/models"
)

type recordedRequest struct {
	method string
	path   string
	body   map[string]any
}

func newRunnerServer(t *testing.T, status int, response any) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{method: r.Method, path: r.URL.Path}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		mu.Lock()
		requests = append(requests, rec)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if response != nil {
			_ = json.NewEncoder(w).Encode(response)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func runnerFor(srv *httptest.Server) models.StoredRunner {
	return models.StoredRunner{
		RunnerID: "r1",
		Metadata: map[string]string{MetaAPIURL: srv.URL},
	}
}

func TestRunnerDispatcher_Endpoints(t *testing.T) {
	srv, requests := newRunnerServer(t, http.StatusOK, map[string]bool{"ok": true})
	d := NewRunnerDispatcher(time.Second)
	runner := runnerFor(srv)
	ctx := context.Background()

	cfg := models.SessionConfig{SessionID: "s1", ProviderID: models.ProviderCodex}
	require.NoError(t, d.StartSession(ctx, runner, cfg))
	require.NoError(t, d.SendInput(ctx, runner, "s1", "ls\n"))
	require.NoError(t, d.Stop(ctx, runner, "s1", true))
	require.NoError(t, d.ResolveApproval(ctx, runner, "s1", "ap1", models.DecisionDeny, "too risky"))

	require.Len(t, *requests, 4)
	assert.Equal(t, "/internal/sessions", (*requests)[0].path)
	assert.Equal(t, "s1", (*requests)[0].body["session_id"])

	assert.Equal(t, "/internal/sessions/s1/input", (*requests)[1].path)
	assert.Equal(t, "ls\n", (*requests)[1].body["data"])

	assert.Equal(t, "/internal/sessions/s1/stop", (*requests)[2].path)
	assert.Equal(t, true, (*requests)[2].body["graceful"])

	assert.Equal(t, "/internal/sessions/s1/approvals/ap1", (*requests)[3].path)
	assert.Equal(t, "deny", (*requests)[3].body["decision"])
	assert.Equal(t, "too risky", (*requests)[3].body["note"])
}

func TestRunnerDispatcher_GetState(t *testing.T) {
	state := models.SessionRuntimeState{
		SessionID:   "s1",
		State:       models.StateRunning,
		ProviderPID: 77,
	}
	srv, requests := newRunnerServer(t, http.StatusOK, state)
	d := NewRunnerDispatcher(time.Second)

	got, err := d.GetState(context.Background(), runnerFor(srv), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State)
	assert.Equal(t, 77, got.ProviderPID)
	assert.Equal(t, http.MethodGet, (*requests)[0].method)
	assert.Equal(t, "/internal/sessions/s1", (*requests)[0].path)
}

func TestRunnerDispatcher_ErrorStatus(t *testing.T) {
	srv, _ := newRunnerServer(t, http.StatusNotFound, map[string]string{"error": "unknown session"})
	d := NewRunnerDispatcher(time.Second)

	err := d.SendInput(context.Background(), runnerFor(srv), "s1", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestRunnerDispatcher_UnreachableRunner(t *testing.T) {
	d := NewRunnerDispatcher(200 * time.Millisecond)
	runner := models.StoredRunner{
		RunnerID: "r1",
		Metadata: map[string]string{MetaAPIURL: "http://127.0.0.1:1"},
	}
	err := d.Stop(context.Background(), runner, "s1", false)
	assert.ErrorIs(t, err, ErrRunnerUnavailable)

	// Registration without an API URL cannot be dispatched to.
	err = d.Stop(context.Background(), models.StoredRunner{RunnerID: "r2"}, "s1", false)
	assert.ErrorIs(t, err, ErrRunnerUnavailable)
}
