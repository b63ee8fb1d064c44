package api

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"notification-gateway/internal/auth"
	"notification-gateway/internal/observability"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	authService *auth.Service,
) {
	SetupMiddleware(app, logger, metrics)

	// Health and metrics, no auth.
	app.Get("/healthz", handlers.Health)
	app.Get("/readyz", handlers.Ready)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/v1")

	notifs := v1.Group("/notifications", authService.RequireAPIKey())
	notifs.Post("/", handlers.SubmitNotification)
	notifs.Get("/", handlers.ListNotifications)
	notifs.Get("/:id", handlers.GetNotification)
	notifs.Get("/:id/attempts", handlers.GetAttempts)

	v1.Post("/batches", authService.RequireAPIKey(), handlers.SubmitBatch)

	tmpl := v1.Group("/templates", authService.RequireAPIKey())
	tmpl.Post("/", handlers.CreateTemplate)
	tmpl.Put("/:id", handlers.UpdateTemplate)

	vendorsGroup := v1.Group("/vendors")
	vendorsGroup.Get("/status", authService.RequireAPIKey(), handlers.VendorStatuses)
	// Receipt webhooks are vendor-authenticated upstream (signed URLs /
	// IP allowlists at the edge), not tenant-authenticated.
	vendorsGroup.Post("/:vendor/receipts", handlers.HandleReceipt)
}
