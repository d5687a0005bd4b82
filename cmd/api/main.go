package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/renderloop/backend/internal/audit"
	"github.com/renderloop/backend/internal/auth"
	"github.com/renderloop/backend/internal/catalog"
	"github.com/renderloop/backend/internal/config"
	"github.com/renderloop/backend/internal/db"
	"github.com/renderloop/backend/internal/handlers"
	"github.com/renderloop/backend/internal/jobs"
	"github.com/renderloop/backend/internal/ledger"
	"github.com/renderloop/backend/internal/metrics"
	"github.com/renderloop/backend/internal/provider"
	"github.com/renderloop/backend/internal/reconcile"
	"github.com/renderloop/backend/internal/router"
	"github.com/renderloop/backend/internal/storage"
	"github.com/renderloop/backend/internal/webhook"
)

func main() {
	cfg := config.Load()

	var handler slog.Handler
	if cfg.Env == "prod" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("cannot reach PostgreSQL; is it running?", "error", err)
		os.Exit(1)
	}

	if err := db.RunMigrations(ctx, pool); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		logger.Error("create river migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		logger.Error("river migrate up", "error", err)
		os.Exit(1)
	}

	metrics.Init()

	models, err := catalog.New()
	if err != nil {
		logger.Error("load model catalog", "error", err)
		os.Exit(1)
	}

	artifacts, err := storage.NewDiskStore(cfg.ArtifactDir)
	if err != nil {
		logger.Error("init artifact store", "error", err)
		os.Exit(1)
	}

	events := audit.NewRecorder(pool, logger)
	gateway := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, logger)

	ledgerSvc := ledger.NewService(ledger.NewRepository(pool))

	webhookURL := cfg.PublicBaseURL + "/api/v1/webhooks/provider"
	jobsRepo := jobs.NewRepository(pool)
	engine := jobs.NewService(jobsRepo, ledgerSvc, gateway, artifacts, events, webhookURL, logger)

	poller := reconcile.NewPoller(jobsRepo, engine, gateway, cfg.StaleAfter, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, reconcile.NewWorker(poller, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			reconcile.PeriodicJob(cfg.ReconcileInterval),
		},
	})
	if err != nil {
		logger.Error("create river client", "error", err)
		os.Exit(1)
	}

	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)

	genHandler := &handlers.GenerationHandler{
		Catalog:    models,
		Engine:     engine,
		Reconciler: poller,
		Logger:     logger,
	}
	creditsHandler := &handlers.CreditsHandler{
		Ledger: ledgerSvc,
		Events: events,
		Logger: logger,
	}
	webhookHandler := webhook.NewHandler(engine, events, logger)

	apiRouter := router.New(authHandler, genHandler, creditsHandler, webhookHandler, authSvc)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			logger.Error("river client stopped", "error", err)
		}
	}()

	addr := "0.0.0.0:" + cfg.HTTPPort
	logger.Info("starting HTTP server", "addr", addr, "stale_after", cfg.StaleAfter)
	if err := http.ListenAndServe(addr, corsHandler); err != nil {
		logger.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
