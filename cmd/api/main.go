package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"notification-gateway/internal/api"
	"notification-gateway/internal/auth"
	"notification-gateway/internal/config"
	"notification-gateway/internal/db"
	"notification-gateway/internal/idempotency"
	"notification-gateway/internal/ingress"
	"notification-gateway/internal/notifications"
	"notification-gateway/internal/observability"
	natsq "notification-gateway/internal/queue/nats"
	"notification-gateway/internal/rate"
	"notification-gateway/internal/status"
	"notification-gateway/internal/templates"
	"notification-gateway/internal/vendors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()
	logger.Info("starting notification gateway API")

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	shutdownOtel, err := observability.SetupOpenTelemetry("notification-gateway-api", logger)
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

	if err := postgres.RunMigrations("migrations"); err != nil {
		logger.Warn("failed to run migrations", zap.Error(err))
	}

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

	store := notifications.NewStore(postgres, logger)
	statusStore := status.NewStore(postgres, redis, logger)
	vendorStatus := vendors.NewStatusStore(postgres, logger)

	var missing templates.MissingCounter
	if metrics != nil {
		missing = func(templateID string, count int) {
			metrics.RenderMissingTotal.WithLabelValues(templateID).Add(float64(count))
		}
	}
	templateStore := templates.NewStore(postgres, logger)
	templateService := templates.NewService(templateStore, redis, cfg.TemplateCacheTTL, missing, logger)
	templateService.Start(ctx)

	var limiter *rate.Limiter
	if cfg.RateLimiting {
		var denied rate.DeniedFunc
		if metrics != nil {
			denied = func(op rate.Op) {
				metrics.RateLimitExceededTotal.WithLabelValues(string(op)).Inc()
			}
		}
		// The notification quota is enforced at the worker; the API only
		// limits the read and template surfaces.
		limiter = rate.NewLimiter(redis, map[rate.Op]rate.Limit{
			rate.OpStatus:   {Limit: cfg.StatusRateLimit, Window: cfg.StatusRateWindow, BurstMultiplier: cfg.BurstMultiplier},
			rate.OpTemplate: {Limit: cfg.TemplateRateLimit, Window: cfg.TemplateRateWindow, BurstMultiplier: cfg.BurstMultiplier},
		}, denied, logger)
	}

	var accepted func(channel string)
	if metrics != nil {
		accepted = func(channel string) {
			metrics.NotificationsAccepted.WithLabelValues(channel).Inc()
		}
	}
	idem := idempotency.NewStore(redis, logger)
	ingressService := ingress.NewService(store, templateService, queue, idem, accepted, logger)

	authService := auth.NewService(postgres, logger)
	handlers := api.NewHandlers(logger, ingressService, statusStore, store, templateService, vendorStatus, limiter, queue)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("unhandled request error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		},
	})

	api.SetupRoutes(app, logger, metrics, handlers, authService)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()
	logger.Info("API listening", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shut down gracefully", zap.Error(err))
	}
	if shutdownOtel != nil {
		shutdownOtel()
	}
	logger.Info("stopped")
}
