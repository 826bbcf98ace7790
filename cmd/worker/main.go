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

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-posting/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-posting/internal/jobs"
	"github.com/odyssey-erp/odyssey-posting/internal/outbox"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
	"github.com/odyssey-erp/odyssey-posting/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("process", "worker"))

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpt := cfg.RedisOptions().AsynqOpt()
	locker := redislock.New(redisClient)
	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)

	integrityRepo := jobs.NewIntegrityRepository(pool)
	ledgerJob := &jobs.LedgerIntegrityJob{Source: integrityRepo, Locker: locker, LockTTL: cfg.JobLockTTL, Logger: logger, Metrics: metrics}
	stockJob := &jobs.StockReconcileJob{Source: integrityRepo, Locker: locker, LockTTL: cfg.JobLockTTL, Logger: logger, Metrics: metrics}
	cleanupJob := &jobs.IdempotencyCleanupJob{
		Store:     shared.NewIdempotencyStore(pool),
		Retention: cfg.IdempotencyRetention,
		Locker:    locker,
		LockTTL:   cfg.JobLockTTL,
		Logger:    logger,
		Metrics:   metrics,
	}

	consumer := jobs.NewEventConsumer(redisClient, cfg.EventDedupeTTL, logger)
	consumer.Subscribe(outbox.EventVoucherPosted, jobs.LogVoucherEvent(logger))
	consumer.Subscribe(outbox.EventVoucherReversed, jobs.LogVoucherEvent(logger))

	integrityTask, err := jobs.NewLedgerIntegrityTask(0, time.Now().UTC())
	if err != nil {
		return err
	}
	stockTask, err := jobs.NewStockReconcileTask(0, time.Now().UTC())
	if err != nil {
		return err
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpt,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskIntegrationEvent, Handler: consumer.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: ledgerJob.Handle},
			{Type: jobs.TaskStockReconcile, Handler: stockJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "15 1 * * *", Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 1 * * *", Task: stockTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		return err
	}

	asynqClient := asynq.NewClient(redisOpt)
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()
	dispatcher := outbox.NewDispatcher(outbox.NewRepository(pool), jobs.NewEventPublisher(asynqClient), outbox.DispatcherConfig{
		BatchSize:      cfg.OutboxBatchSize,
		PollInterval:   cfg.OutboxPollInterval,
		LockTimeout:    cfg.OutboxLockTimeout,
		MaxAttempts:    cfg.OutboxMaxAttempts,
		InitialBackoff: cfg.OutboxInitialBackoff,
	}, logger, prometheus.DefaultRegisterer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return outbox.ListenWake(gctx, redisClient, dispatcher) })
	if cfg.WorkerMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
