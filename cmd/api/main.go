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

	"github.com/redis/go-redis/v9"

	"github.com/ItamarBenAri/car-ops-agent/internal/api"
	"github.com/ItamarBenAri/car-ops-agent/internal/config"
	"github.com/ItamarBenAri/car-ops-agent/internal/ingest"
	"github.com/ItamarBenAri/car-ops-agent/internal/queue"
	"github.com/ItamarBenAri/car-ops-agent/internal/ratelimit"
	"github.com/ItamarBenAri/car-ops-agent/internal/reminders"
	"github.com/ItamarBenAri/car-ops-agent/internal/storage"
	"github.com/ItamarBenAri/car-ops-agent/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})).With("service", "api")
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("config.invalid", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	deps := api.Deps{
		Store:     st,
		Reminders: reminders.New(st, reminders.WithOdometerAware(cfg.ReminderOdometerAware), reminders.WithLogger(logger)),
		Logger:    logger,
	}

	var enqueuer queue.Enqueuer
	switch cfg.QueueBackend {
	case config.QueueBackendAsynq:
		broker := queue.NewAsynqBroker(cfg, logger)
		defer broker.Close()
		enqueuer = broker
	default:
		q := queue.NewRedisQueue(cfg)
		defer q.Close()
		enqueuer = q
		deps.DLQ = q
	}
	deps.Uploads = ingest.NewService(st, files, enqueuer, queue.PolicyFromConfig(cfg), cfg.MaxUploadBytes, logger)

	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisLimiter.Close()
	deps.Limiter = ratelimit.NewUploadLimiterFromConfig(redisLimiter, cfg)

	server := api.New(cfg, deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api.listening", "port", cfg.HTTPPort, "queue_backend", cfg.QueueBackend, "mock_extraction", cfg.MockExtraction())
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api.listen_failed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
