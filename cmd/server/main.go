package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/browserpilot/internal/api"
	"github.com/shehryarbajwa/browserpilot/internal/config"
	"github.com/shehryarbajwa/browserpilot/internal/engine"
	"github.com/shehryarbajwa/browserpilot/internal/engine/bridge"
	"github.com/shehryarbajwa/browserpilot/internal/engine/browseruse"
	"github.com/shehryarbajwa/browserpilot/internal/engine/local"
	"github.com/shehryarbajwa/browserpilot/internal/events"
	"github.com/shehryarbajwa/browserpilot/internal/identity"
	"github.com/shehryarbajwa/browserpilot/internal/orchestrator"
	"github.com/shehryarbajwa/browserpilot/internal/proxy"
	"github.com/shehryarbajwa/browserpilot/internal/ratelimit"
	"github.com/shehryarbajwa/browserpilot/internal/reconciler"
	"github.com/shehryarbajwa/browserpilot/internal/scheduler"
	"github.com/shehryarbajwa/browserpilot/internal/secrets"
	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/internal/storage/badger"
	"github.com/shehryarbajwa/browserpilot/internal/sweeper"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		stderr := zerolog.New(os.Stderr)
		stderr.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger, err := cfg.Logging.NewLogger(os.Stdout)
	if err != nil {
		stderr := zerolog.New(os.Stderr)
		stderr.Fatal().Err(err).Msg("Invalid log level")
	}
	logger.Info().Msg("Starting browserpilot")

	db, err := badger.NewBadgerDB(logger, badger.Options{
		Path:     cfg.Storage.Path,
		InMemory: cfg.Storage.InMemory,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer db.Close()

	masters, err := secrets.ParseKeys(cfg.Secrets.Keys)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to parse secret keys")
	}
	keyring, err := secrets.NewKeyring(cfg.Secrets.ActiveKeyID, masters)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build keyring")
	}

	// Engine calls carry their own deadlines; the client timeout is a backstop
	apiClient := &http.Client{Timeout: 2 * cfg.Orchestrator.EngineTimeout.Std()}

	cloud := browseruse.NewClient(cfg.Engines.BrowserUse.BaseURL, cfg.Engines.BrowserUse.APIKey, apiClient, logger)
	taskEngines := []engine.TaskEngine{cloud}

	var bridgeClient *bridge.Client
	if cfg.Engines.Bridge.BaseURL != "" {
		bridgeClient = bridge.NewClient(cfg.Engines.Bridge.BaseURL, cfg.Engines.Bridge.APIKey, &http.Client{}, bridge.Options{
			MaxSteps:      cfg.Engines.Bridge.MaxSteps,
			SaveRecording: cfg.Engines.Bridge.SaveRecording,
		}, logger)
		defer bridgeClient.Close()
		taskEngines = append(taskEngines, bridgeClient)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.EngineTimeout.Std())
		if err := bridgeClient.Health(ctx); err != nil {
			logger.Warn().Err(err).Msg("Bridge backend is not healthy yet")
		}
		cancel()
	}

	registry, err := engine.NewRegistry(cfg.Orchestrator.DefaultBackend, taskEngines...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build backend registry")
	}

	var (
		sessionEngine engine.SessionEngine = cloud
		localEngine   *local.Engine
		liveProxy     *proxy.Server
	)
	if cfg.Engines.SessionBackend == local.Name {
		pool, err := local.NewPool(cfg.Engines.Local.Image)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to docker")
		}
		defer pool.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		logger.Info().Str("image", cfg.Engines.Local.Image).Msg("Ensuring browser image is available")
		if err := pool.EnsureImage(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to pull browser image")
		}
		cancel()

		profiles, err := local.NewProfileStore(cfg.Engines.Local.ProfileDir, filepath.Join(cfg.Engines.Local.ProfileDir, "work"))
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open profile store")
		}
		localEngine = local.NewEngine(pool, profiles, cfg.Server.PublicURL, logger)
		sessionEngine = localEngine
		liveProxy = proxy.NewServer(localEngine, logger)
	}
	logger.Info().
		Str("session_backend", sessionEngine.Name()).
		Str("default_task_backend", cfg.Orchestrator.DefaultBackend).
		Int("task_backends", len(taskEngines)).
		Msg("Engines configured")

	timeout := cfg.Orchestrator.EngineTimeout.Std()
	sw := sweeper.New(db, sessionEngine, registry, timeout, logger)
	identities := identity.NewManager(db.Identities(), sessionEngine, timeout, logger)
	sessions := session.NewController(identities, db, sessionEngine, sw, cfg.Orchestrator.SessionKeepAlive, timeout, logger)
	hub := events.NewHub(logger)

	orch := orchestrator.New(db, registry, keyring, sw, hub, orchestrator.Options{
		MaxConcurrentTasks: cfg.Orchestrator.MaxConcurrentTasks,
		EngineTimeout:      timeout,
		MaxSteps:           cfg.Engines.Bridge.MaxSteps,
		SaveRecording:      cfg.Engines.Bridge.SaveRecording,
	}, logger)

	rec := reconciler.New(db.Tasks(), registry, sw, hub, reconciler.Options{
		EngineTimeout:     timeout,
		SubmitGracePeriod: cfg.Orchestrator.SubmitGracePeriod.Std(),
		Parallelism:       cfg.Orchestrator.SyncParallelism,
	}, logger)

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)

	jobs := scheduler.New(cfg.Orchestrator.PollInterval()+timeout, logger)
	if cfg.Scheduler.Enabled {
		err := scheduler.Maintenance{
			Syncer:       rec,
			PollInterval: cfg.Orchestrator.PollInterval(),
			Expirer:      sw,
			LoginTTL:     cfg.Orchestrator.LoginTTL.Std(),
			Limits:       limiter,
		}.Register(jobs, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to register scheduled jobs")
		}
		jobs.Start()
	}

	handler := api.NewHandler(api.Services{
		Identities:   identities,
		Sessions:     sessions,
		Orchestrator: orch,
		Reconciler:   rec,
		Events:       hub,
		Live:         liveProxy,
		Limiter:      limiter,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("address", cfg.Server.Address).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	jobs.Stop()
	orch.Wait()
	if localEngine != nil {
		localEngine.StopAll(ctx)
	}

	logger.Info().Msg("Server stopped cleanly")
}
