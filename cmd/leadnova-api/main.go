package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leadnova/leadnova/internal/agent"
	"github.com/leadnova/leadnova/internal/api"
	"github.com/leadnova/leadnova/internal/config"
	"github.com/leadnova/leadnova/internal/llm"
	"github.com/leadnova/leadnova/internal/memory"
	auditpostgres "github.com/leadnova/leadnova/internal/memory/postgres"
	memoryredis "github.com/leadnova/leadnova/internal/memory/redis"
	"github.com/leadnova/leadnova/internal/observability"
	duckdbsnapshot "github.com/leadnova/leadnova/internal/query/duckdb"
	querypostgres "github.com/leadnova/leadnova/internal/query/postgres"
	"github.com/leadnova/leadnova/internal/query/sqlexec"
	"github.com/leadnova/leadnova/internal/search"
	s3store "github.com/leadnova/leadnova/internal/storage/s3"
)

var version = "dev"

func main() {
	cfg, err := config.LoadFromEnv("leadnova-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logOutput, logCloser := observability.LogWriter(cfg, os.Stdout)
	defer func() { _ = logCloser.Close() }()
	logger := observability.NewLogger(cfg, logOutput)

	shutdownTracing, err := observability.InitTracing(context.Background(), cfg, version)
	if err != nil {
		logger.Error("failed to initialize tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	checks := []api.ReadinessCheck{api.CheckAIConfig(cfg)}

	var db *sql.DB
	if cfg.Executor.Backend == config.ExecutorBackendPostgres || cfg.Audit.Enabled {
		db, err = querypostgres.Open(context.Background(), querypostgres.ConfigFrom(cfg.Database))
		if err != nil {
			logger.Error("failed to open database", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		checks = append(checks, api.CheckPing("database", db.PingContext))
	}

	policy := search.DefaultPolicy()
	builder, err := search.NewBuilder(policy, logger)
	if err != nil {
		logger.Error("failed to initialize query builder", slog.Any("error", err))
		os.Exit(1)
	}

	searchDB := db
	if cfg.Executor.Backend == config.ExecutorBackendDuckDB {
		store, err := s3store.New(context.Background(), s3store.ConfigFrom(cfg.ObjectStore))
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		snapshot, err := duckdbsnapshot.Open(context.Background(), store, policy.Table(), cfg.Executor.SnapshotObject)
		if err != nil {
			logger.Error("failed to open profile snapshot", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = snapshot.Close() }()
		logger.Info("profile snapshot loaded",
			slog.Int("objects", snapshot.Objects),
			slog.Int64("bytes", snapshot.ScannedBytes),
		)
		searchDB = snapshot.DB
		checks = append(checks, api.CheckPing("object_store", store.Ping))
	}
	executor := sqlexec.New(searchDB, sqlexec.Options{Timeout: cfg.Executor.Timeout, Logger: logger})

	redisClient, err := memoryredis.Connect(context.Background(), cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()
	sessions, err := memoryredis.New(redisClient, memoryredis.Options{TTL: cfg.Redis.SessionTTL, Logger: logger})
	if err != nil {
		logger.Error("failed to initialize session memory", slog.Any("error", err))
		os.Exit(1)
	}
	checks = append(checks, api.CheckPing("redis", sessions.Ping))

	var auditLog memory.AuditLog = memory.NopAuditLog{}
	if cfg.Audit.Enabled {
		auditLog = auditpostgres.NewAuditLog(db)
	}

	model, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize model client", slog.Any("error", err))
		os.Exit(1)
	}

	orchestrator, err := agent.New(agent.Dependencies{
		Model:    model,
		Builder:  builder,
		Executor: executor,
		Sessions: sessions,
		Audit:    auditLog,
		Logger:   logger,
	}, agent.Options{
		HistoryLimit:       cfg.Redis.HistoryLimit,
		MaxConcurrentTurns: cfg.Agent.MaxConcurrentTurns,
		PersistTimeout:     cfg.Agent.PersistTimeout,
	})
	if err != nil {
		logger.Error("failed to initialize orchestrator", slog.Any("error", err))
		os.Exit(1)
	}

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(checks...),
		DependencyTimeout: time.Second,
		Chat:              orchestrator,
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("executor", cfg.Executor.Backend),
			slog.String("model", model.Model()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
