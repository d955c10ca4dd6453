// villaged is the control plane: public session API, runner fleet registry,
// event ingest, journal, and websocket fan-out.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ai-village/village/pkg/api"
	"github.com/ai-village/village/pkg/config"
	"github.com/ai-village/village/pkg/fleet"
	"github.com/ai-village/village/pkg/metrics"
	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/router"
	"github.com/ai-village/village/pkg/services"
	"github.com/ai-village/village/pkg/store"
	"github.com/ai-village/village/pkg/version"
)

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting villaged", "version", version.Full())

	// 1. Configuration
	cfg, err := config.LoadControlConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Metadata store
	var metadataStore store.MetadataStore
	if cfg.DatabaseDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseDSN)
		if err != nil {
			slog.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		metadataStore = pg
		slog.Info("Connected to PostgreSQL metadata store")
	} else {
		metadataStore = store.NewMemoryStore()
		slog.Warn("DATABASE_URL not set, using in-memory metadata store; sessions and events are not durable")
	}
	defer metadataStore.Close()

	// 3. Metrics
	mets := metrics.New()

	// 4. Runner fleet
	fl := fleet.NewHandler(fleet.Config{
		MaxRunners:          cfg.MaxRunners,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		HealthCheckInterval: cfg.HealthCheckInterval,
		LoadFactor:          cfg.LoadFactor,
	})
	fl.Subscribe(func(e fleet.Event) {
		_, online := fl.List(fleet.ListFilter{Status: models.RunnerOnline}, 1, 1)
		mets.RunnersOnline.Set(float64(online))
		slog.Info("Fleet event", "type", e.Type, "runner_id", e.RunnerID, "hostname", e.Hostname)
	})

	// 5. Event routing and session services
	conns := router.NewConnectionManager(metadataStore, cfg.SubscriberWriteTimeout, mets)
	eventRouter := router.NewRouter(metadataStore, conns, mets)
	dispatcher := services.NewRunnerDispatcher(15 * time.Second)
	sessions := services.NewSessionHandler(fl, metadataStore, dispatcher, mets)
	eventRouter.AddListener(sessions.HandleEvent)
	slog.Info("Services initialized")

	// 6. HTTP server
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.NewControlServer(sessions, fl, conns, eventRouter, mets, cfg.AuthToken).Routes(engine)
	if cfg.AuthToken == "" {
		slog.Warn("CONTROL_AUTH_TOKEN not set, public API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 7. Run until a signal or a fatal component error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fl.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
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

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Shutdown with error", "error", err)
		os.Exit(1)
	}
	slog.Info("villaged stopped")
}
