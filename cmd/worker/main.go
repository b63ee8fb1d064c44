package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"notification-gateway/internal/breaker"
	"notification-gateway/internal/config"
	"notification-gateway/internal/db"
	"notification-gateway/internal/notifications"
	"notification-gateway/internal/observability"
	natsq "notification-gateway/internal/queue/nats"
	"notification-gateway/internal/rate"
	"notification-gateway/internal/retry"
	"notification-gateway/internal/status"
	"notification-gateway/internal/templates"
	"notification-gateway/internal/vendors"
	"notification-gateway/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()
	logger.Info("starting notification gateway worker")

	metrics := observability.NewMetrics()

	shutdownOtel, err := observability.SetupOpenTelemetry("notification-gateway-worker", logger)
	if err != nil {
		logger.Warn("failed to set up OpenTelemetry", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	postgres, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

	redis, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	queue, err := natsq.NewQueue(cfg.NATSURL, natsq.Config{
		VisibilityTimeout: cfg.VisibilityTimeout,
		BatchSize:         cfg.QueueBatchSize,
		WaitTime:          cfg.QueueWaitTime,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer queue.Close()

	if err := queue.EnsureStreams(notifications.Channels()); err != nil {
		logger.Fatal("failed to ensure streams", zap.Error(err))
	}

	registry, err := vendors.FromConfig(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to build vendor registry", zap.Error(err))
	}

	vendorStatus := vendors.NewStatusStore(postgres, logger)
	checker := vendors.NewChecker(registry, vendorStatus, cfg.HealthCheckInterval, cfg.VendorHealthTimeout, logger)
	go checker.Run(ctx)

	selector := vendors.NewSelector(registry, checker, logger)

	brk := breaker.New(redis, breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		HalfOpenTimeout:  cfg.BreakerHalfOpenTimeout,
		Multiplier:       cfg.BreakerBackoffMult,
		BackoffCap:       cfg.BreakerBackoffCap,
	}, func(key string, from, to breaker.State, delta int) {
		if delta != 0 {
			metrics.OpenCircuits.Add(float64(delta))
		}
	}, logger)

	store := notifications.NewStore(postgres, logger)
	statusStore := status.NewStore(postgres, redis, logger)

	var limiter *rate.Limiter
	if cfg.RateLimiting {
		denied := func(op rate.Op) {
			metrics.RateLimitExceededTotal.WithLabelValues(string(op)).Inc()
		}
		limiter = rate.NewLimiter(redis, map[rate.Op]rate.Limit{
			rate.OpNotification: {Limit: cfg.NotificationRateLimit, Window: cfg.NotificationRateWindow, BurstMultiplier: cfg.BurstMultiplier},
		}, denied, logger)
	}

	missing := func(templateID string, count int) {
		metrics.RenderMissingTotal.WithLabelValues(templateID).Add(float64(count))
	}
	templateStore := templates.NewStore(postgres, logger)
	templateService := templates.NewService(templateStore, redis, cfg.TemplateCacheTTL, missing, logger)
	templateService.Start(ctx)

	policy := retry.Policy{
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		JitterFraction: float64(cfg.RetryJitterPct) / 100,
		MaxAttempts:    cfg.MaxRetries,
	}

	dispatcher := worker.NewDispatcher(
		store, statusStore, templateService, selector, checker, brk, queue,
		limiter, policy, metrics,
		worker.DispatcherConfig{
			VendorTimeout:      cfg.VendorTimeout,
			MaxEndToEndLatency: cfg.MaxEndToEndLatency,
			SendsPerSecond:     cfg.SendsPerSecond,
			VendorFailover:     cfg.VendorFailover,
		},
		logger,
	)

	pool := worker.NewPool(queue, dispatcher, notifications.Channels(), cfg.WorkerSlots, metrics, logger)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down worker")
		cancel()
		select {
		case <-done:
		case <-time.After(cfg.QueueWaitTime + cfg.VendorTimeout):
			logger.Warn("worker shutdown timed out")
		}
	case err := <-done:
		if err != nil {
			logger.Fatal("worker pool failed", zap.Error(err))
		}
	}

	if shutdownOtel != nil {
		shutdownOtel()
	}
	logger.Info("worker stopped")
}
