package api

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"notification-gateway/internal/auth"
	"notification-gateway/internal/ingress"
	"notification-gateway/internal/notifications"
	natsq "notification-gateway/internal/queue/nats"
	"notification-gateway/internal/rate"
	"notification-gateway/internal/status"
	"notification-gateway/internal/templates"
	"notification-gateway/internal/vendors"
)

type Handlers struct {
	logger    *zap.Logger
	ingress   *ingress.Service
	status    *status.Store
	store     *notifications.Store
	templates *templates.Service
	vendors   *vendors.StatusStore
	limiter   *rate.Limiter
	queue     *natsq.Queue
}

func NewHandlers(
	logger *zap.Logger,
	ingressSvc *ingress.Service,
	statusStore *status.Store,
	store *notifications.Store,
	tmpl *templates.Service,
	vendorStatus *vendors.StatusStore,
	limiter *rate.Limiter,
	queue *natsq.Queue,
) *Handlers {
	return &Handlers{
		logger:    logger,
		ingress:   ingressSvc,
		status:    statusStore,
		store:     store,
		templates: tmpl,
		vendors:   vendorStatus,
		limiter:   limiter,
		queue:     queue,
	}
}

// httpStatusOf maps dispatch error kinds to HTTP statuses.
func httpStatusOf(err error) int {
	switch notifications.KindOf(err) {
	case notifications.KindInvalidPayload, notifications.KindTemplateInvalid:
		return fiber.StatusBadRequest
	case notifications.KindTemplateNotFound:
		return fiber.StatusNotFound
	case notifications.KindRateLimited:
		return fiber.StatusTooManyRequests
	case notifications.KindNoVendorAvailable, notifications.KindVendorUnavailable,
		notifications.KindVendorCircuitOpen:
		return fiber.StatusServiceUnavailable
	default:
		if errors.Is(err, notifications.ErrNotFound) {
			return fiber.StatusNotFound
		}
		if errors.Is(err, notifications.ErrVersionConflict) {
			return fiber.StatusConflict
		}
		return fiber.StatusInternalServerError
	}
}

func (h *Handlers) fail(c *fiber.Ctx, err error) error {
	code := httpStatusOf(err)
	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(code).JSON(fiber.Map{"error": "internal error"})
	}

	body := fiber.Map{"error": err.Error(), "code": string(notifications.KindOf(err))}
	var de *notifications.DispatchError
	if errors.As(err, &de) && de.RetryAfter > 0 {
		c.Set("Retry-After", formatSeconds(de.RetryAfter))
		body["retry_after_seconds"] = int(de.RetryAfter.Seconds())
	}
	return c.Status(code).JSON(body)
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// SubmitNotification handles POST /v1/notifications.
func (h *Handlers) SubmitNotification(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	var req notifications.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	n, err := h.ingress.Submit(c.Context(), tenant.ID, &req, c.Get("Idempotency-Key"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":     n.ID,
		"status": n.Status,
	})
}

// SubmitBatch handles POST /v1/batches.
func (h *Handlers) SubmitBatch(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	var req notifications.SubmitBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	batchID, accepted, err := h.ingress.SubmitBatch(c.Context(), tenant.ID, &req)
	if err != nil {
		return h.fail(c, err)
	}

	ids := make([]uuid.UUID, len(accepted))
	for i, n := range accepted {
		ids[i] = n.ID
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"batch_id": batchID,
		"accepted": len(accepted),
		"ids":      ids,
	})
}

// GetNotification handles GET /v1/notifications/:id.
func (h *Handlers) GetNotification(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}
	if h.limiter != nil {
		if _, err := h.limiter.Allow(c.Context(), tenant.ID, rate.OpStatus); err != nil {
			return h.fail(c, err)
		}
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid notification id"})
	}

	agg, err := h.status.GetAggregate(c.Context(), tenant.ID, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(agg)
}

// GetAttempts handles GET /v1/notifications/:id/attempts.
func (h *Handlers) GetAttempts(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}
	if h.limiter != nil {
		if _, err := h.limiter.Allow(c.Context(), tenant.ID, rate.OpStatus); err != nil {
			return h.fail(c, err)
		}
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid notification id"})
	}

	attempts, err := h.status.GetAttempts(c.Context(), tenant.ID, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"notification_id": id, "attempts": attempts})
}

// ListNotifications handles GET /v1/notifications?batch_id=...
func (h *Handlers) ListNotifications(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	batchID := c.Query("batch_id")
	if batchID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "batch_id query parameter required"})
	}

	ns, err := h.ingress.ListBatch(c.Context(), tenant.ID, batchID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"batch_id": batchID, "notifications": ns})
}

// templateRequest is the create/update payload for templates. Active
// is optional: omitted, a create defaults to active and an update
// keeps the stored value.
type templateRequest struct {
	Name           string                     `json:"name"`
	Channel        notifications.Channel      `json:"channel"`
	Content        templates.Content          `json:"content"`
	Active         *bool                      `json:"active,omitempty"`
	VendorMetadata map[string]json.RawMessage `json:"vendor_metadata,omitempty"`
	Version        int                        `json:"version,omitempty"`
}

// CreateTemplate handles POST /v1/templates.
func (h *Handlers) CreateTemplate(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}
	if h.limiter != nil {
		if _, err := h.limiter.Allow(c.Context(), tenant.ID, rate.OpTemplate); err != nil {
			return h.fail(c, err)
		}
	}

	var req templateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	tmpl := &templates.Template{
		TenantID:       tenant.ID,
		Name:           req.Name,
		Channel:        req.Channel,
		Active:         active,
		Content:        req.Content,
		VendorMetadata: req.VendorMetadata,
	}
	if err := h.templates.Create(c.Context(), tmpl); err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(tmpl)
}

// UpdateTemplate handles PUT /v1/templates/:id. The request must carry
// the version the caller last read; a stale version gets 409.
func (h *Handlers) UpdateTemplate(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}
	if h.limiter != nil {
		if _, err := h.limiter.Allow(c.Context(), tenant.ID, rate.OpTemplate); err != nil {
			return h.fail(c, err)
		}
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid template id"})
	}

	var req templateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Version < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "version is required"})
	}

	current, err := h.templates.Get(c.Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	if current.TenantID != tenant.ID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "template not found"})
	}

	active := current.Active
	if req.Active != nil {
		active = *req.Active
	}
	metadata := current.VendorMetadata
	if req.VendorMetadata != nil {
		metadata = req.VendorMetadata
	}
	updated := &templates.Template{
		ID:             id,
		TenantID:       tenant.ID,
		Name:           current.Name,
		Channel:        current.Channel,
		Active:         active,
		Content:        req.Content,
		VendorMetadata: metadata,
	}
	if err := h.templates.Update(c.Context(), updated, req.Version); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(updated)
}

// receiptRequest is a vendor's asynchronous delivery receipt.
type receiptRequest struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

// HandleReceipt handles POST /v1/vendors/:vendor/receipts. Vendors post
// bounce / delivery events here after the synchronous accept.
func (h *Handlers) HandleReceipt(c *fiber.Ctx) error {
	vendor := c.Params("vendor")

	var req receiptRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.MessageID == "" || req.Status == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message_id and status are required"})
	}

	delivered := req.Status == "delivered"
	receivedAt := time.Now().UTC()
	if req.Timestamp != "" {
		if at, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			receivedAt = at
		}
	}

	err := h.status.UpdateFromReceipt(c.Context(), vendor, req.MessageID, delivered, receivedAt)
	if errors.Is(err, notifications.ErrNotFound) {
		// Unknown message ids are acked so vendors stop retrying.
		return c.SendStatus(fiber.StatusNoContent)
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// VendorStatuses handles GET /v1/vendors/status.
func (h *Handlers) VendorStatuses(c *fiber.Ctx) error {
	if _, err := auth.TenantFromContext(c); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	out := make([]*vendors.VendorStatus, 0, 8)
	for _, channel := range notifications.Channels() {
		statuses, err := h.vendors.ListByChannel(c.Context(), channel)
		if err != nil {
			return h.fail(c, err)
		}
		out = append(out, statuses...)
	}
	return c.JSON(fiber.Map{"vendors": out})
}

// Health handles GET /healthz.
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
}

// Ready handles GET /readyz: the database and queue must answer.
func (h *Handlers) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Health(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready", "component": "postgres"})
	}
	if err := h.queue.HealthCheck(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready", "component": "nats"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
