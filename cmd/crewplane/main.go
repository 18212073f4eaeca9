// Command crewplane runs the control-plane API server with its background
// projection catch-up loop.
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

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/crewplane/core/pkg/api"
	"github.com/crewplane/core/pkg/approval"
	"github.com/crewplane/core/pkg/config"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/health"
	"github.com/crewplane/core/pkg/identity"
	"github.com/crewplane/core/pkg/lease"
	"github.com/crewplane/core/pkg/lifecycle"
	"github.com/crewplane/core/pkg/observability"
	"github.com/crewplane/core/pkg/pipeline"
	"github.com/crewplane/core/pkg/policy"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/skills"
	"github.com/crewplane/core/pkg/store"
	"github.com/crewplane/core/pkg/trust"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if cfg.EngineTokenSecret == "" {
		logger.Error("ENGINE_TOKEN_SECRET must be set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		Insecure:     true,
	}, logger)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Error("schema init failed", "error", err)
		os.Exit(1)
	}

	events := eventstore.New(st)
	registry := projector.Default()

	tokens := identity.NewEngineTokenManager([]byte(cfg.EngineTokenSecret), cfg.EngineTokenTTL)
	identitySvc := identity.NewService(st, events, tokens)

	actions := policy.NewRegistry()
	if cfg.ActionRegistryPath != "" {
		if err := actions.LoadFile(cfg.ActionRegistryPath); err != nil {
			logger.Error("action registry load failed", "path", cfg.ActionRegistryPath, "error", err)
			os.Exit(1)
		}
	}
	policyEngine := policy.NewEngine(st, events, registry, identitySvc, actions, logger)

	leases := lease.NewManager(st, events, registry, logger)
	leases.LeaseDuration = cfg.LeaseDuration
	leases.HeartbeatMinInterval = cfg.HeartbeatMinInterval

	approvals := approval.NewService(st, events, registry, identitySvc)
	trustSvc := trust.NewService(st, events, registry, identitySvc, actions)
	skillsSvc := skills.NewService(st, events, registry)
	lifecycleSvc := lifecycle.NewService(st, events, registry)
	pipelineSvc := pipeline.NewService(st, events, logger)

	var cache health.Cache
	if cfg.RedisURL != "" {
		cache, err = health.NewRedisCache(cfg.RedisURL, cfg.HealthCacheTTL)
		if err != nil {
			logger.Error("redis cache init failed", "error", err)
			os.Exit(1)
		}
	} else {
		cache = health.NewMemoryCache(cfg.HealthCacheTTL, cfg.HealthCacheMaxEntries)
	}
	beat := &health.Beat{}
	healthSvc := health.NewService(st, events, cache, beat, logger, health.Options{
		StatementTimeout: cfg.HealthDBStatementTimeout,
		DownCronAge:      cfg.HealthDownCronFreshness,
		DownLag:          cfg.HealthDownProjectionLag,
	})

	worker := projector.NewWorker(st, events, registry, logger)
	go catchUpLoop(ctx, st, worker, beat, logger)

	server := api.NewServer(api.Deps{
		Logger:                  logger,
		Identity:                identitySvc,
		Tokens:                  tokens,
		Leases:                  leases,
		Policy:                  policyEngine,
		Approvals:               approvals,
		Trust:                   trustSvc,
		Skills:                  skillsSvc,
		Lifecycle:               lifecycleSvc,
		Pipeline:                pipelineSvc,
		Health:                  healthSvc,
		Obs:                     obs,
		DevDefaultWorkspaceID:   cfg.DevDefaultWorkspaceID,
		RateLimitPerSecond:      cfg.RateLimitPerSecond,
		RateLimitBurst:          cfg.RateLimitBurst,
		RateLimitFloodWarnLevel: cfg.RateLimitFloodWarnLevel,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

// catchUpLoop runs the projector worker over every workspace that has
// events, marking the health beat after each full pass.
func catchUpLoop(ctx context.Context, st *store.Store, worker *projector.Worker, beat *health.Beat, logger *slog.Logger) {
	ticker := time.NewTicker(worker.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			workspaces, err := listWorkspaces(ctx, st)
			if err != nil {
				logger.Error("workspace discovery failed", "error", err)
				continue
			}
			for _, ws := range workspaces {
				if _, err := worker.CatchUp(ctx, ws); err != nil {
					logger.Error("projector catch-up failed", "workspace_id", ws, "error", err)
				}
			}
			beat.Mark(time.Now().UTC())
		}
	}
}

func listWorkspaces(ctx context.Context, st *store.Store) ([]string, error) {
	rows, err := st.DB().QueryContext(ctx, `SELECT DISTINCT workspace_id FROM events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}
