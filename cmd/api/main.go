package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/inaiurai/settlement/internal/auth"
	"github.com/inaiurai/settlement/internal/config"
	"github.com/inaiurai/settlement/internal/db"
	"github.com/inaiurai/settlement/internal/execution"
	"github.com/inaiurai/settlement/internal/jobs"
	"github.com/inaiurai/settlement/internal/ledger"
	"github.com/inaiurai/settlement/internal/metrics"
	"github.com/inaiurai/settlement/internal/notify"
	"github.com/inaiurai/settlement/internal/reconcile"
	"github.com/inaiurai/settlement/internal/repository"
	"github.com/inaiurai/settlement/internal/router"
	"github.com/inaiurai/settlement/internal/services"
	"github.com/inaiurai/settlement/internal/terminal"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied", "applied", applied)

	// River migrations
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

	// Jobs: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn jobs.InsertTxFunc
	enqueue := jobs.InsertTxFunc(func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args, opts)
	})

	orderRepo := repository.NewOrderRepo(pool)
	callRepo := repository.NewCallRepo(pool)
	historyRepo := repository.NewHistoryRepo(pool)
	idemRepo := repository.NewIdempotencyRepo(pool)
	userRepo := repository.NewUserRepo(pool)

	m := metrics.New(prometheus.DefaultRegisterer)

	term := terminal.NewClient(terminal.ClientConfig{
		BaseURL: cfg.Terminal.URL,
		APIKey:  cfg.Terminal.APIKey,
		Timeout: cfg.Terminal.Timeout,
		RPS:     cfg.Terminal.RPS,
		Burst:   cfg.Terminal.Burst,
	}, m)

	backoff := ledger.Backoff{
		Base:        cfg.Retry.Base,
		Max:         cfg.Retry.Max,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Jitter:      cfg.Retry.Jitter,
	}
	ledgerSvc := ledger.NewService(callRepo, historyRepo, enqueue, term, backoff, m, logger)
	locker := ledger.NewLocker(pool, orderRepo)
	notifier := notify.NewNotifier(enqueue)

	sink := notify.MultiSink{notify.LogSink{Logger: logger}}
	if cfg.Notify.WebhookURL != "" {
		sink = append(sink, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.Timeout))
	}

	settlement := services.NewSettlement(orderRepo, ledgerSvc, notifier, logger)
	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}
	gateway := services.NewGateway(services.GatewayDeps{
		Pool:        pool,
		Locker:      locker,
		Orders:      orderRepo,
		Calls:       callRepo,
		Ledger:      ledgerSvc,
		Settlement:  settlement,
		Idempotency: idemRepo,
		Notifier:    notifier,
		Metrics:     m,
		Logger:      logger,
		Currency:    cfg.Currency.Code,
		Decimals:    cfg.Currency.Decimals,
	})

	poller := reconcile.NewPoller(callRepo, locker, ledgerSvc, term, settlement, m, logger, reconcile.Config{
		Interval:    cfg.Poller.Interval,
		MaxInterval: cfg.Poller.MaxInterval,
		SubmitGrace: cfg.Poller.SubmitGrace,
		BatchSize:   cfg.Poller.BatchSize,
		Concurrency: cfg.Poller.Concurrency,
	})

	workers := river.NewWorkers()
	execution.Register(workers, poller, sink, m, logger)

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			jobs.QueueSettlement: {MaxWorkers: cfg.Workers.Settlement},
			jobs.QueueNotify:     {MaxWorkers: cfg.Workers.Notify},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.Poller.Interval),
				func() (river.JobArgs, *river.InsertOpts) {
					return jobs.ReconcileSweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
		_, err := riverClient.InsertTx(ctx, tx, args, opts)
		return err
	}
	insertMu.Unlock()

	authSvc := auth.NewService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	authHandler := auth.NewHandler(authSvc, logger)

	mux := http.NewServeMux()
	apiRouter := router.New(authHandler, pool)
	mux.Handle("/api/", apiRouter)
	mux.Handle("/healthz", apiRouter)
	RegisterV1Routes(mux, routeDeps{
		gateway:   gateway,
		validator: validator,
		auth:      authSvc,
		users:     userRepo,
		spend:     orderRepo,
		decimals:  cfg.Currency.Decimals,
		limiter:   newUserLimiter(cfg.HTTP.UserRPS, cfg.HTTP.UserBurst),
		logger:    logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(mux)

	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	serverAddr := "0.0.0.0:" + cfg.HTTP.Port
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting HTTP server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown", "error", err)
	}
}
