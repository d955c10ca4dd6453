package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-village/village/pkg/models"
)

func TestClient_RegisterAndHeartbeat(t *testing.T) {
	var gotPath, gotAuth string
	var gotRegister RegisterRequest
	var gotHeartbeat models.Heartbeat

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/runners/register":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRegister))
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(models.StoredRunner{RunnerID: "r-1", Hostname: gotRegister.Hostname})
		case "/runners/r-1/heartbeat":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotHeartbeat))
			json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	runner, err := c.Register(context.Background(), RegisterRequest{
		Hostname: "host-1",
		Capabilities: models.RunnerCapabilities{
			Providers:             []models.ProviderID{models.ProviderCodex},
			MaxConcurrentSessions: 4,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "r-1", runner.RunnerID)
	assert.Equal(t, "host-1", gotRegister.Hostname)
	assert.Equal(t, "Bearer tok", gotAuth)

	err = c.Heartbeat(context.Background(), "r-1", models.Heartbeat{
		Timestamp: time.Now(),
		Load:      models.RunnerLoad{ActiveSessions: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "/runners/r-1/heartbeat", gotPath)
	assert.Equal(t, 2, gotHeartbeat.Load.ActiveSessions)
}

func TestClient_RegisterRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.StoredRunner{RunnerID: "r-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	c.retryInterval = 5 * time.Millisecond
	runner, err := c.Register(context.Background(), RegisterRequest{Hostname: "h"})
	require.NoError(t, err)
	assert.Equal(t, "r-1", runner.RunnerID)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestClient_RegisterStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c := NewClient(srv.URL, "")
	c.retryInterval = 10 * time.Millisecond
	_, err := c.Register(ctx, RegisterRequest{Hostname: "h"})
	require.Error(t, err)
}

func TestClient_HeartbeatErrorSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"RUNNER_NOT_FOUND"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "").Heartbeat(context.Background(), "gone", models.Heartbeat{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
