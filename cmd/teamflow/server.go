package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/teamflow-dev/teamflow/api/handlers"
	"github.com/teamflow-dev/teamflow/collab"
	"github.com/teamflow-dev/teamflow/config"
	"github.com/teamflow-dev/teamflow/dispatch"
	"github.com/teamflow-dev/teamflow/engine"
	"github.com/teamflow-dev/teamflow/executor"
	"github.com/teamflow-dev/teamflow/internal/events"
	"github.com/teamflow-dev/teamflow/internal/metrics"
	"github.com/teamflow-dev/teamflow/internal/pool"
	"github.com/teamflow-dev/teamflow/internal/server"
	"github.com/teamflow-dev/teamflow/internal/telemetry"
	"github.com/teamflow-dev/teamflow/session"
	"github.com/teamflow-dev/teamflow/store"
	"github.com/teamflow-dev/teamflow/types"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Fatal("telemetry init failed", zap.Error(err))
	}

	st, err := store.New(store.Config{
		Addr:                cfg.Redis.Addr,
		Password:            cfg.Redis.Password,
		DB:                  cfg.Redis.DB,
		PoolSize:            cfg.Redis.PoolSize,
		KeyPrefix:           cfg.Redis.KeyPrefix,
		StateTTL:            cfg.Engine.StateTTL,
		SessionTTL:          cfg.Engine.SessionTTL,
		CompletedSessionTTL: cfg.Engine.CompletedSessionTTL,
		PairLockTTL:         cfg.Engine.PairLockTTL,
		IdleMin:             cfg.Engine.IdleMin,
		IdleMax:             cfg.Engine.IdleMax,
	}, logger)
	if err != nil {
		logger.Fatal("state store init failed", zap.Error(err))
	}
	defer st.Close()

	hub := events.NewHub(128, logger)
	workPool := pool.New(cfg.Engine.MaxWorkers, cfg.Engine.QueueSize, logger)
	collector := metrics.NewCollector(prometheus.DefaultRegisterer, "teamflow", logger)

	collaborators := collab.NewHTTPCollaborators(collab.HTTPConfig{
		BaseURL: cfg.Collab.BaseURL,
		Timeout: cfg.Collab.Timeout,
	}, logger)

	trans := engine.NewTransitioner(st, engine.TransitionConfig{
		Retries: cfg.Engine.TransitionRetries,
		Backoff: cfg.Engine.TransitionBackoff,
		IdleMin: cfg.Engine.IdleMin,
		IdleMax: cfg.Engine.IdleMax,
	}, logger)

	coord := session.NewCoordinator(st, collaborators, collaborators, collaborators, collaborators, trans, hub, collector, session.Config{
		MaxMessages: cfg.Engine.MaxSessionMessages,
		ChainDelay:  cfg.Engine.ChainDelay,
	}, logger)

	exec := executor.New(st, collaborators, collaborators, collaborators, collaborators, coord, collector, logger)

	disp := dispatch.New(st, collaborators, trans, workPool, hub, collector, dispatch.Config{
		IdleMin: cfg.Engine.IdleMin,
		IdleMax: cfg.Engine.IdleMax,
	}, logger)
	disp.SetRunner(exec)
	exec.SetSubmitter(submitAdapter{disp})
	trans.SetDrainer(disp)

	mux := http.NewServeMux()
	stateHandler := handlers.NewStateHandler(st, disp, coord, collaborators, logger)
	sessionHandler := handlers.NewSessionHandler(coord, logger)
	streamHandler := handlers.NewStreamHandler(hub, logger)
	healthHandler := handlers.NewHealthHandler(st, logger)

	mux.HandleFunc("GET /v1/teams/{teamID}/agents/state", stateHandler.HandleTeamState)
	mux.HandleFunc("POST /v1/teams/{teamID}/agents/state", stateHandler.HandleStateChange)
	mux.HandleFunc("POST /v1/teams/{teamID}/sessions", sessionHandler.HandleSession)
	mux.HandleFunc("GET /v1/teams/{teamID}/events", streamHandler.HandleEvents)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := server.NewManager(mux, server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal("server start failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runTickLoop(gctx, disp, cfg.Engine, logger)
		return nil
	})

	logger.Info("teamflow started",
		zap.String("addr", cfg.Server.Addr),
		zap.String("version", Version),
	)

	srv.WaitForShutdown()
	cancel()
	_ = g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := workPool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("work pool shutdown incomplete", zap.Error(err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown incomplete", zap.Error(err))
	}
	logger.Info("teamflow stopped")
}

// runTickLoop periodically triggers planning for configured teams whose
// agents have expired idle timers. With no teams configured the product's
// polling drives the triggers instead.
func runTickLoop(ctx context.Context, disp *dispatch.Dispatcher, cfg config.EngineConfig, logger *zap.Logger) {
	if len(cfg.Teams) == 0 || cfg.TickInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, teamID := range cfg.Teams {
				if _, err := disp.TickIdleAgents(ctx, teamID); err != nil {
					logger.Warn("idle tick failed",
						zap.String("team_id", teamID),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// submitAdapter narrows the dispatcher's Submit signature to the
// executor's RequestSubmitter contract.
type submitAdapter struct {
	d *dispatch.Dispatcher
}

func (s submitAdapter) Submit(ctx context.Context, teamID, agentID string, req *types.QueuedRequest) error {
	_, err := s.d.Submit(ctx, teamID, agentID, req)
	return err
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
