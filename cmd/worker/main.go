package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ItamarBenAri/car-ops-agent/internal/config"
	"github.com/ItamarBenAri/car-ops-agent/internal/extraction"
	"github.com/ItamarBenAri/car-ops-agent/internal/queue"
	"github.com/ItamarBenAri/car-ops-agent/internal/reminders"
	"github.com/ItamarBenAri/car-ops-agent/internal/storage"
	"github.com/ItamarBenAri/car-ops-agent/internal/store"
	"github.com/ItamarBenAri/car-ops-agent/internal/telemetry"
	workerproc "github.com/ItamarBenAri/car-ops-agent/internal/worker"
)

func main() {
	cfg := config.Load()

	// Worker ID from env var, hostname or pid, in that order
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})).With("service", "worker", "worker_id", workerID)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("config.invalid", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("postgres.connect_failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("postgres.migrations_failed", "err", err)
		os.Exit(1)
	}

	files, err := storage.FromConfig(ctx, cfg)
	if err != nil {
		logger.Error("storage.init_failed", "err", err)
		os.Exit(1)
	}

	engine := reminders.New(st, reminders.WithOdometerAware(cfg.ReminderOdometerAware), reminders.WithLogger(logger))
	documents := workerproc.NewWorker(st, extraction.NewFromConfig(cfg, files, logger), engine,
		workerproc.WithLogger(logger),
		workerproc.WithTx(func(ctx context.Context, fn func(tx workerproc.Store) error) error {
			return st.InTx(ctx, func(tx *store.Store) error { return fn(tx) })
		}),
	)

	go func() {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil {
			logger.Warn("metrics.server_stopped", "err", err)
		}
	}()

	logger.Info("worker.started",
		"queue_backend", cfg.QueueBackend,
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"mock_extraction", cfg.MockExtraction(),
	)

	switch cfg.QueueBackend {
	case config.QueueBackendAsynq:
		broker := queue.NewAsynqBroker(cfg, logger)
		defer broker.Close()
		// asynq owns leasing and retries, the processor only supplies handlers
		processor := workerproc.NewProcessor(cfg, nil, logger)
		documents.Register(processor)
		err = broker.Serve(ctx, processor.Handlers())
	default:
		q := queue.NewRedisQueue(cfg)
		defer q.Close()
		processor := workerproc.NewProcessor(cfg, q, logger)
		documents.Register(processor)
		err = processor.Run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker.stopped", "err", err)
		return
	}
	logger.Info("worker.stopped")
}
