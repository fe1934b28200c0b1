package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/renderbill/backend/internal/admin"
	"github.com/renderbill/backend/internal/auth"
	"github.com/renderbill/backend/internal/config"
	"github.com/renderbill/backend/internal/finalize"
	"github.com/renderbill/backend/internal/jobs"
	"github.com/renderbill/backend/internal/ledger"
	"github.com/renderbill/backend/internal/payments"
	"github.com/renderbill/backend/internal/pricing"
	"github.com/renderbill/backend/internal/vendor"
	"github.com/renderbill/backend/internal/wallet"
	"github.com/renderbill/backend/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	var store ledger.LedgerStore
	var jobsRepo jobs.JobStore
	var userStore auth.UserStore
	var pool *pgxpool.Pool

	switch cfg.Store {
	case config.StorePostgres:
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Unable to create database pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
			os.Exit(1)
		}
		slog.Info("Connected to PostgreSQL database")

		if err := ledger.EnsureSchema(ctx, pool); err != nil {
			slog.Error("Schema migration failed", "error", err)
			os.Exit(1)
		}

		migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
		if err != nil {
			slog.Error("Failed to create River migrator", "error", err)
			os.Exit(1)
		}
		if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
			slog.Error("River migrate up failed", "error", err)
			os.Exit(1)
		}
		slog.Info("River migrations applied")

		store = ledger.NewPostgresStore(pool)
		jobsRepo = jobs.NewRepository(pool)
		userStore = auth.NewRepository(pool)
	case config.StoreMemory:
		slog.Warn("Running with the in-memory store; nothing is persisted")
		mem := ledger.NewMemoryStore()
		store = mem
		jobsRepo = jobs.NewMemoryRepository(mem)
		userStore = auth.NewMemoryRepository()
	}

	// Finalize enqueue func is set after the River client is created
	// (breaks the init cycle).
	var enqueueMu sync.Mutex
	var enqueueFn jobs.EnqueueFinalizeFunc
	enqueueFinalize := func(ctx context.Context, args finalize.FinalizeJobArgs) error {
		enqueueMu.Lock()
		fn := enqueueFn
		enqueueMu.Unlock()
		if fn == nil {
			panic("finalize enqueue not wired")
		}
		return fn(ctx, args)
	}

	kernel := pricing.NewKernel(pricing.DefaultCatalog())
	walletSvc := wallet.NewService(store, cfg.DefaultCurrency, logger)
	verifier := payments.NewVerifier(
		payments.NewHTTPProcessorClient(cfg.ProcessorBaseURL, cfg.ProcessorAPIKey),
		cfg.ConnectMode(), logger)
	vendors := vendor.NewAccumulator(store, cfg.ConnectMode(), logger)
	jobsSvc := jobs.NewService(jobsRepo, kernel, walletSvc, store, verifier, vendors, enqueueFinalize, logger)

	if cfg.Store == config.StorePostgres {
		workers := river.NewWorkers()
		river.AddWorker(workers, finalize.NewFinalizeWorker(jobsSvc, logger))

		riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
			Queues: map[string]river.QueueConfig{
				river.QueueDefault: {MaxWorkers: cfg.RiverMaxWorkers},
			},
			Workers: workers,
		})
		if err != nil {
			slog.Error("Failed to create River client", "error", err)
			os.Exit(1)
		}

		enqueueMu.Lock()
		enqueueFn = func(ctx context.Context, args finalize.FinalizeJobArgs) error {
			_, err := riverClient.Insert(ctx, args, nil)
			return err
		}
		enqueueMu.Unlock()

		riverCtx, stopRiver := context.WithCancel(ctx)
		defer stopRiver()
		go func() {
			if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
				slog.Error("River client stopped", "error", err)
			}
		}()
	} else {
		// No queue without Postgres: settle terminal callbacks inline.
		enqueueMu.Lock()
		enqueueFn = func(ctx context.Context, args finalize.FinalizeJobArgs) error {
			return jobsSvc.ApplyProviderStatus(ctx, args.JobID, args.ProviderStatus, args.Message)
		}
		enqueueMu.Unlock()
	}

	authSvc := auth.NewService(userStore, cfg.JWTSecret)
	refundSvc := admin.NewRefundService(store, jobsRepo, vendors, logger)
	processor := webhook.NewProcessor(store, cfg.ConnectMode(), logger)

	mux := http.NewServeMux()
	registerRoutes(mux, routeDeps{
		Auth:    auth.NewHandler(authSvc, logger),
		AuthSvc: authSvc,
		Wallet:  wallet.NewHandler(walletSvc, logger),
		Jobs:    jobs.NewHandler(jobsSvc, cfg.CallbackToken, logger),
		Pricing: pricing.NewHandler(kernel, logger),
		Webhook: webhook.NewHandler(processor, cfg.WebhookSecret, logger),
		Admin:   admin.NewHandler(refundSvc, vendors, store, logger),
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Signature", "X-Callback-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr, "store", cfg.Store, "payments_mode", cfg.PaymentsMode)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
