package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-village/village/pkg/events"
	"github.com/ai-village/village/pkg/fleet"
	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/router"
	"github.com/ai-village/village/pkg/services"
	"github.com/ai-village/village/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubRunnerAPI answers dispatcher calls without a real runner.
type stubRunnerAPI struct {
	state   *models.SessionRuntimeState
	callErr error
}

func (s *stubRunnerAPI) StartSession(context.Context, models.StoredRunner, models.SessionConfig) error {
	return s.callErr
}

func (s *stubRunnerAPI) SendInput(context.Context, models.StoredRunner, string, string) error {
	return s.callErr
}

func (s *stubRunnerAPI) Stop(context.Context, models.StoredRunner, string, bool) error {
	return s.callErr
}

func (s *stubRunnerAPI) ResolveApproval(context.Context, models.StoredRunner, string, string, models.ApprovalDecision, string) error {
	return s.callErr
}

func (s *stubRunnerAPI) GetState(context.Context, models.StoredRunner, string) (*models.SessionRuntimeState, error) {
	if s.callErr != nil {
		return nil, s.callErr
	}
	return s.state, nil
}

type controlFixture struct {
	engine   *gin.Engine
	fleet    *fleet.Handler
	store    *store.MemoryStore
	stub     *stubRunnerAPI
	events   *router.Router
	runnerID string
}

func newControlFixture(t *testing.T, authToken string) *controlFixture {
	t.Helper()
	fl := fleet.NewHandler(fleet.Config{
		MaxRunners:          10,
		HeartbeatTimeout:    time.Minute,
		HealthCheckInterval: time.Minute,
	})
	runner, err := fl.Register(fleet.RegisterRequest{
		Hostname: "runner-a",
		Capabilities: models.RunnerCapabilities{
			Providers:             []models.ProviderID{models.ProviderCodex},
			MaxConcurrentSessions: 10,
		},
		Metadata: map[string]string{services.MetaAPIURL: "http://runner-a:9090"},
	})
	require.NoError(t, err)

	db := store.NewMemoryStore()
	stub := &stubRunnerAPI{}
	sessions := services.NewSessionHandler(fl, db, stub, nil)
	conns := router.NewConnectionManager(db, time.Second, nil)
	rt := router.NewRouter(db, conns, nil)
	rt.AddListener(sessions.HandleEvent)

	engine := gin.New()
	NewControlServer(sessions, fl, conns, rt, nil, authToken).Routes(engine)

	return &controlFixture{
		engine:   engine,
		fleet:    fl,
		store:    db,
		stub:     stub,
		events:   rt,
		runnerID: runner.RunnerID,
	}
}

func (f *controlFixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSON(t, w)
	detail, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", w.Body.String())
	return detail["code"].(string)
}

func createBody() createSessionBody {
	return createSessionBody{
		VillageID:  "v1",
		ProviderID: "codex",
		RepoRef:    repoRefBody{Provider: "github", Owner: "acme", Name: "api", DefaultBranch: "main"},
		Task:       taskBody{Title: "Fix bug", Goal: "make it pass"},
	}
}

func TestControl_CreateSession(t *testing.T) {
	f := newControlFixture(t, "")

	w := f.do(t, http.MethodPost, "/runner/sessions", createBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeJSON(t, w)
	assert.NotEmpty(t, body["sessionId"])
	assert.NotEmpty(t, body["agentId"])
}

func TestControl_CreateSessionValidation(t *testing.T) {
	f := newControlFixture(t, "")

	body := createBody()
	body.ProviderID = ""
	body.Task.Goal = ""
	w := f.do(t, http.MethodPost, "/runner/sessions", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeBadRequest, errorCode(t, w))
	details := decodeJSON(t, w)["error"].(map[string]any)["details"].(map[string]any)
	assert.Contains(t, details, "providerId")
	assert.Contains(t, details, "task.goal")
}

func TestControl_CreateSessionNoCapacity(t *testing.T) {
	f := newControlFixture(t, "")

	body := createBody()
	body.ProviderID = "claude_code" // the registered runner only supports codex
	w := f.do(t, http.MethodPost, "/runner/sessions", body)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeSessionLimit, errorCode(t, w))
}

func TestControl_GetSession(t *testing.T) {
	f := newControlFixture(t, "")

	w := f.do(t, http.MethodGet, "/runner/sessions/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, w))

	created := decodeJSON(t, f.do(t, http.MethodPost, "/runner/sessions", createBody()))
	sessionID := created["sessionId"].(string)
	f.stub.state = &models.SessionRuntimeState{
		SessionID: sessionID,
		State:     models.StateRunning,
	}

	w = f.do(t, http.MethodGet, "/runner/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(models.StateRunning), decodeJSON(t, w)["state"])
}

func TestControl_SessionOperations(t *testing.T) {
	f := newControlFixture(t, "")
	created := decodeJSON(t, f.do(t, http.MethodPost, "/runner/sessions", createBody()))
	sessionID := created["sessionId"].(string)

	w := f.do(t, http.MethodPost, "/runner/sessions/"+sessionID+"/input", inputBody{Data: "ls\n"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeJSON(t, w)["ok"])

	w = f.do(t, http.MethodPost, "/runner/sessions/"+sessionID+"/stop", map[string]bool{"graceful": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/runner/sessions/"+sessionID+"/approvals/ap1",
		approvalBody{Decision: "allow"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/runner/sessions/"+sessionID+"/approvals/ap1",
		approvalBody{Decision: "maybe"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeBadRequest, errorCode(t, w))
}

func TestControl_FleetEndpoints(t *testing.T) {
	f := newControlFixture(t, "")

	w := f.do(t, http.MethodPost, "/runners/register", fleet.RegisterRequest{
		Hostname: "runner-b",
		Capabilities: models.RunnerCapabilities{
			Providers:             []models.ProviderID{models.ProviderClaudeCode},
			MaxConcurrentSessions: 5,
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	runnerB := decodeJSON(t, w)["runner_id"].(string)
	require.NotEmpty(t, runnerB)

	w = f.do(t, http.MethodPost, "/runners/"+runnerB+"/heartbeat", models.Heartbeat{
		Timestamp: time.Now(),
		Load:      models.RunnerLoad{ActiveSessions: 0},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/runners/unknown/heartbeat", models.Heartbeat{})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeRunnerNotFound, errorCode(t, w))

	w = f.do(t, http.MethodGet, "/runners?providerId=claude_code", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decodeJSON(t, w)
	assert.Equal(t, float64(1), listed["total"])

	// A runner with active sessions cannot be removed.
	require.NoError(t, f.fleet.Assign(runnerB, "s1"))
	w = f.do(t, http.MethodDelete, "/runners/"+runnerB, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeRunnerHasActiveSessions, errorCode(t, w))

	require.NoError(t, f.fleet.Release(runnerB, "s1"))
	w = f.do(t, http.MethodPost, "/runners/"+runnerB+"/drain", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodDelete, "/runners/"+runnerB, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestControl_BearerAuth(t *testing.T) {
	f := newControlFixture(t, "secret-token")

	w := f.do(t, http.MethodGet, "/runners", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, CodeUnauthorized, errorCode(t, w))

	w = f.do(t, http.MethodGet, "/runners", nil, "Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/runners", nil, "Authorization", "Bearer secret-token")
	require.Equal(t, http.StatusOK, w.Code)

	// Health stays open.
	w = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

// TestControl_EventRoundTrip drives a runner event through the ingest
// websocket and out to a subscriber websocket.
func TestControl_EventRoundTrip(t *testing.T) {
	f := newControlFixture(t, "")
	srv := httptest.NewServer(f.engine)
	defer srv.Close()
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, _, err := websocket.Dial(ctx, wsBase+"/ws", nil)
	require.NoError(t, err)
	defer sub.Close(websocket.StatusNormalClosure, "")

	readJSON := func(conn *websocket.Conn) map[string]any {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	}
	writeJSON := func(conn *websocket.Conn, v any) {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
	}

	require.Equal(t, "connection.established", readJSON(sub)["type"])
	writeJSON(sub, router.ClientMessage{Action: "subscribe", Subject: events.SessionSubject("s1")})
	require.Equal(t, "subscription.confirmed", readJSON(sub)["type"])

	ingest, _, err := websocket.Dial(ctx, wsBase+"/internal/runner/events", nil)
	require.NoError(t, err)
	defer ingest.Close(websocket.StatusNormalClosure, "")

	writeJSON(ingest, events.Frame{Kind: events.FrameHello, RunnerID: "runner-a"})
	writeJSON(ingest, events.Frame{Kind: events.FrameEvent, Event: &events.Event{
		Type:      events.TypeTerminalChunk,
		SessionID: "s1",
		Seq:       1,
		TS:        events.Millis(time.Now()),
	}})

	ack := readJSON(ingest)
	assert.Equal(t, "ack", ack["kind"])
	assert.Equal(t, "s1", ack["session_id"])

	routed := readJSON(sub)
	assert.Equal(t, "event", routed["type"])
	assert.Equal(t, "session:s1", routed["subject"])
	event := routed["event"].(map[string]any)
	assert.Equal(t, float64(1), event["seq"])
}
