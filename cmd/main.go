// Package main is the entry point for the deep-research orchestrator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/deepresearch/orchestrator/internal/agents"
	"github.com/deepresearch/orchestrator/internal/cache"
	"github.com/deepresearch/orchestrator/internal/config"
	"github.com/deepresearch/orchestrator/internal/database"
	"github.com/deepresearch/orchestrator/internal/executor"
	"github.com/deepresearch/orchestrator/internal/gateway"
	"github.com/deepresearch/orchestrator/internal/httpapi"
	"github.com/deepresearch/orchestrator/internal/jobmanager"
	"github.com/deepresearch/orchestrator/internal/knowledgebase"
	"github.com/deepresearch/orchestrator/internal/logging"
	"github.com/deepresearch/orchestrator/internal/orchestrator"
	"github.com/deepresearch/orchestrator/internal/progresstoken"
	"github.com/deepresearch/orchestrator/internal/repository"
	"github.com/deepresearch/orchestrator/internal/storage"
	"github.com/deepresearch/orchestrator/internal/version"
	"github.com/deepresearch/orchestrator/internal/webhook"
	"github.com/deepresearch/orchestrator/internal/worker"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting deep-research orchestrator",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.KBDir)
	if err != nil {
		logger.Error("failed to open knowledge base", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.MigrateWithLogger(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	if schemaVersion, err := database.GetLatestSchemaVersion(db); err != nil {
		logger.Warn("failed to get schema version", "error", err)
	} else if schemaVersion != "" {
		migrationCount, _ := database.GetMigrationCount(db)
		logger.Info("knowledge base schema ready", "schema_version", schemaVersion, "migrations_applied", migrationCount)
	}

	repos := repository.New(db)

	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = goredis.NewClient(opts)
		logger.Info("semantic cache L2 enabled", "redis_addr", opts.Addr)
	}

	sc := cache.New(cache.Config{
		MaxEntries:   1000,
		SimThreshold: cfg.CacheSimThreshold,
	}, repos.Cache, redisClient)

	gw := gateway.BuildFromConfig(cfg)

	kb := knowledgebase.New(knowledgebase.Config{
		PastReportSimFloor: cfg.PastReportSimFloor,
	}, repos.Report, gw)

	exe := executor.New(executor.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		MinConcurrency: 1,
		QueueCapacity:  cfg.MaxConcurrency * 4,
		TaskTimeout:    cfg.ProviderCallTimeout,
	})

	planner := agents.NewPlanningAgent(gw)
	researcher := agents.NewResearchAgent(gw, exe)
	synthesizer := agents.NewSynthesisAgent(gw)

	jm := jobmanager.New(repos.Job, repos.JobEvent, jobmanager.Config{
		LeaseDuration:     time.Duration(cfg.LeaseSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.HeartbeatSeconds) * time.Second,
		IdempotencyTTL:    cfg.IdempotencyTTL,
		JobTTL:            cfg.JobTTL,
		MaxAttempts:       3,
	}, logger)

	orch := orchestrator.New(jm, kb, sc, gw, planner, researcher, synthesizer, orchestrator.Config{
		MaxIterations:      cfg.MaxIterations,
		CacheSimThreshold:  cfg.CacheSimThreshold,
		PastReportTopK:     3,
		PastReportSimFloor: cfg.PastReportSimFloor,
	})

	jobWorker := worker.New(jm, orch, worker.Config{
		PollInterval: 2 * time.Second,
		Concurrency:  cfg.MaxConcurrency,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	jobWorker.Start(ctx)

	go runReaper(ctx, jm, sc, logger)

	storeCtx, storeCancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := storage.New(storeCtx, storage.Config{
		Enabled:   cfg.StorageEnabled,
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		Region:    cfg.StorageRegion,
	})
	storeCancel()
	if err != nil {
		logger.Error("failed to initialize object storage", "error", err)
		os.Exit(1)
	}
	if store.IsEnabled() {
		logger.Info("attachment spillover storage enabled", "bucket", cfg.StorageBucket)
	}

	tokens := progresstoken.New(cfg.ProgressTokenSecret, cfg.ProgressTokenTTL)
	hooks := webhook.New(cfg.WebhookSigningSecret)

	httpServer := httpapi.New(jm, kb, tokens, store, hooks, logger, httpapi.Config{
		BaseURL:     cfg.BaseURL,
		CORSOrigins: cfg.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      httpServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams run for the lifetime of a job
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down")
		cancel()
		jobWorker.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting server", "port", cfg.Port, "base_url", cfg.BaseURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// runReaper periodically deletes terminal jobs older than JOB_TTL (with
// their event logs) and expired semantic-cache entries on a ticker
// alongside the main server loop.
func runReaper(ctx context.Context, jm *jobmanager.Manager, sc *cache.Cache, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := jm.ReapExpired(ctx); err != nil {
				logger.Warn("job reap failed", "error", err)
			} else if n > 0 {
				logger.Info("reaped expired jobs", "count", n)
			}
			if n, err := sc.DeleteExpired(ctx); err != nil {
				logger.Warn("cache sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("swept expired cache entries", "count", n)
			}
		}
	}
}
