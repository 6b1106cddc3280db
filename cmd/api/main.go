package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/meterline/backend/internal/auth"
	"github.com/meterline/backend/internal/billing"
	"github.com/meterline/backend/internal/config"
	"github.com/meterline/backend/internal/database"
	"github.com/meterline/backend/internal/distlock"
	"github.com/meterline/backend/internal/events"
	"github.com/meterline/backend/internal/ledger"
	"github.com/meterline/backend/internal/renewal"
	"github.com/meterline/backend/internal/repository"
	"github.com/meterline/backend/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(".")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Repositories
	accountRepo := repository.NewAccountRepo(pool)
	entryRepo := repository.NewEntryRepo(pool)
	apiKeyRepo := repository.NewAPIKeyRepo(pool)

	// Ledger with the per-account lock
	lockMgr := distlock.NewManager(distlock.NewPgStore(pool), cfg.LockPollInterval(), logger)
	lockOpts := distlock.Options{
		Lease:       cfg.LockLease(),
		Wait:        true,
		WaitTimeout: cfg.LockWaitTimeout(),
	}
	ledgerSvc := ledger.NewService(pool, accountRepo, entryRepo, lockMgr, lockOpts, logger)

	// Billing on top of the ledger
	renewalGuard := renewal.NewGuard(renewal.NewPgStore(pool), logger)
	catalog := billing.NewStaticCatalog()
	prices := billing.DefaultPrices()
	billingSvc := billing.NewService(ledgerSvc, accountRepo, renewalGuard, catalog, prices, logger)

	// Webhook pipeline
	webhookGuard := webhook.NewGuard(webhook.NewPgGuardStore(pool), logger)
	processor := webhook.NewProcessor(billingSvc, ledgerSvc, accountRepo, logger)
	webhookHandler := webhook.NewHandler(webhookGuard, processor, logger)

	// Admin auth
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)
	if err := auth.Seed(ctx, authSvc, cfg.AdminEmail, cfg.AdminPassword, logger); err != nil {
		slog.Error("Admin user seeding failed", "error", err)
		os.Exit(1)
	}

	// Background sweeps
	workers := river.NewWorkers()
	river.AddWorker(workers, renewal.NewSweepWorker(accountRepo, billingSvc, logger))
	river.AddWorker(workers, renewal.NewReconcileWorker(accountRepo, ledgerSvc, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(time.Duration(cfg.RenewalSweepIntervalMinutes)*time.Minute),
				func() (river.JobArgs, *river.InsertOpts) { return renewal.SweepArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(time.Duration(cfg.ReconcileSweepIntervalMinutes)*time.Minute),
				func() (river.JobArgs, *river.InsertOpts) { return renewal.ReconcileArgs{}, nil },
				nil,
			),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	// Redis is optional; without it the rate limiter passes everything.
	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()
	}

	// RabbitMQ ingress is optional; the HTTP webhook is always available.
	if cfg.RabbitMQURL != "" {
		consumer, err := events.NewConsumer(cfg.RabbitMQURL, webhookGuard, processor, logger)
		if err != nil {
			slog.Error("Failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()
		if err := consumer.Start(ctx, cfg.BillingEventExchange, cfg.BillingEventQueue); err != nil {
			slog.Error("Failed to start billing event consumer", "error", err)
			os.Exit(1)
		}
		slog.Info("Billing event consumer started", "queue", cfg.BillingEventQueue)
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, RouteDeps{
		Config:         cfg,
		Redis:          redisClient,
		APIKeyRepo:     apiKeyRepo,
		EntryRepo:      entryRepo,
		Prices:         prices,
		Billing:        billingSvc,
		Ledger:         ledgerSvc,
		AuthSvc:        authSvc,
		AuthHandler:    authHandler,
		WebhookHandler: webhookHandler,
		Logger:         logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (runs the sweeps)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
