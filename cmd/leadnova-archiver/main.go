package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/leadnova/leadnova/internal/archive"
	"github.com/leadnova/leadnova/internal/config"
	auditpostgres "github.com/leadnova/leadnova/internal/memory/postgres"
	"github.com/leadnova/leadnova/internal/observability"
	querypostgres "github.com/leadnova/leadnova/internal/query/postgres"
	s3store "github.com/leadnova/leadnova/internal/storage/s3"
)

func main() {
	once := flag.Bool("once", false, "run a single export cycle and exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv("leadnova-archiver")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logOutput, logCloser := observability.LogWriter(cfg, os.Stdout)
	defer func() { _ = logCloser.Close() }()
	logger := observability.NewLogger(cfg, logOutput)

	db, err := querypostgres.Open(context.Background(), querypostgres.ConfigFrom(cfg.Database))
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := s3store.New(context.Background(), s3store.ConfigFrom(cfg.ObjectStore))
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	svc := &archive.Service{
		Source:      auditpostgres.NewAuditLog(db),
		ObjectStore: store,
		Config: archive.Config{
			Interval:    cfg.Archive.Interval,
			BatchSize:   cfg.Archive.BatchSize,
			Prefix:      cfg.Archive.Prefix,
			SettleDelay: cfg.Archive.SettleDelay,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		summary, err := svc.RunOnce(ctx)
		if err != nil {
			logger.Error("audit archive run failed", slog.Any("error", err), slog.Any("summary", summary))
			os.Exit(1)
		}
		logger.Info("audit archive run completed", slog.Any("summary", summary))
		return
	}

	logger.Info("archiver worker started", slog.Duration("interval", cfg.Archive.Interval))
	if err := svc.Run(ctx); err != nil {
		logger.Error("archiver worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("archiver worker stopped")
}
