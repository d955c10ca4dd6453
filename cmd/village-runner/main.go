// village-runner is the runner host agent: it executes coding-agent
// sessions in git worktrees, streams their events to the control plane, and
// serves the internal session API the control plane dispatches to.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ai-village/village/pkg/api"
	"github.com/ai-village/village/pkg/config"
	"github.com/ai-village/village/pkg/events"
	"github.com/ai-village/village/pkg/fleet"
	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/provider"
	"github.com/ai-village/village/pkg/services"
	"github.com/ai-village/village/pkg/session"
	"github.com/ai-village/village/pkg/version"
	"github.com/ai-village/village/pkg/workspace"
)

// eventsURL derives the runner ingest websocket endpoint from the control
// plane base URL.
func eventsURL(base string) string {
	ws := base
	switch {
	case strings.HasPrefix(base, "https://"):
		ws = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		ws = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/internal/runner/events"
}

// detectProviders probes each registered provider CLI once at startup.
func detectProviders(ctx context.Context, registry *provider.Registry, manager *session.Manager) map[models.ProviderID]string {
	versions := make(map[models.ProviderID]string)
	for _, id := range registry.IDs() {
		adapter, err := registry.New(id, "", manager.PTYs())
		if err != nil {
			continue
		}
		det := adapter.Detect(ctx)
		if det.Installed {
			versions[id] = det.Version
			slog.Info("Provider detected", "provider", id, "version", det.Version)
		} else {
			slog.Warn("Provider CLI not installed", "provider", id)
		}
	}
	return versions
}

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting village-runner", "version", version.Full())

	// 1. Configuration
	cfg, err := config.LoadRunnerConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Workspaces and providers
	workspaces := workspace.NewManager(workspace.Config{
		BaseDir:        cfg.WorkspaceDir,
		CacheDir:       cfg.CacheDir,
		MaxCachedRepos: cfg.MaxCachedRepos,
		ShallowClone:   cfg.ShallowClone,
		GitToken:       cfg.GitToken,
	})
	registry := provider.DefaultRegistry()

	// 3. Register with the control plane; the stream needs the assigned id
	// for its hello frame, so registration comes first.
	client := fleet.NewClient(cfg.ControlPlaneURL, cfg.ControlPlaneToken)
	runner, err := client.Register(ctx, fleet.RegisterRequest{
		Hostname: cfg.Hostname,
		Capabilities: models.RunnerCapabilities{
			Providers:             registry.IDs(),
			MaxConcurrentSessions: cfg.MaxSessions,
		},
		Metadata: map[string]string{
			services.MetaAPIURL: cfg.ResolveAdvertiseURL(),
			"version":           version.Full(),
		},
	})
	if err != nil {
		slog.Error("Failed to register with control plane", "url", cfg.ControlPlaneURL, "error", err)
		os.Exit(1)
	}
	slog.Info("Registered with control plane",
		"runner_id", runner.RunnerID, "control_plane", cfg.ControlPlaneURL)

	// 4. Event stream and session manager
	stream := events.NewStream(events.StreamConfig{
		URL:      eventsURL(cfg.ControlPlaneURL),
		RunnerID: runner.RunnerID,
	})
	manager := session.NewManager(cfg, workspaces, registry, stream)
	if err := manager.Initialize(); err != nil {
		slog.Error("Failed to initialize session manager", "error", err)
		os.Exit(1)
	}
	versionsProbe := detectProviders(ctx, registry, manager)

	// 5. Internal HTTP API
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.NewRunnerServer(manager).Routes(engine)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 6. Run all loops until a signal or a fatal component error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stream.Run(gctx)
	})
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				hb := models.Heartbeat{
					RunnerID:        runner.RunnerID,
					Timestamp:       time.Now(),
					ActiveSessions:  manager.ActiveSessionIDs(),
					Load:            models.RunnerLoad{ActiveSessions: manager.Count()},
					RuntimeVersions: versionsProbe,
				}
				if err := client.Heartbeat(gctx, runner.RunnerID, hb); err != nil {
					slog.Warn("Heartbeat failed", "error", err)
				}
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.CachePruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if n := workspaces.PruneCache(); n > 0 {
					slog.Info("Pruned clone cache", "removed", n)
				}
			}
		}
	})
	g.Go(func() error {
		slog.Info("Internal API listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// 7. Terminate remaining sessions before exit
	manager.Shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Shutdown with error", "error", err)
		os.Exit(1)
	}
	slog.Info("village-runner stopped")
}
