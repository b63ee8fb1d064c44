package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"notification-gateway/internal/notifications"
	natsq "notification-gateway/internal/queue/nats"
	"notification-gateway/internal/templates"
)

// MaxBatchSize caps a single batch submission.
const MaxBatchSize = 1000

// Service accepts notifications: it validates, persists the pending
// row, enqueues the dispatch job, and flips the row to queued. The
// enqueue is the commit point; a row stuck in pending means the queue
// publish failed and the submitter saw an error. Per-tenant dispatch
// quotas are enforced at the worker, not here: accepted notifications
// wait in the queue for their window.
type Service struct {
	store       *notifications.Store
	templates   *templates.Service
	queue       *natsq.Queue
	idempotency Reserver
	validate    *validator.Validate
	accepted    func(channel string)
	logger      *zap.Logger
}

// Reserver claims idempotency keys. Split out so tests can fake it.
type Reserver interface {
	Reserve(ctx context.Context, tenantID uuid.UUID, key string, notificationID uuid.UUID) (uuid.UUID, error)
}

func NewService(
	store *notifications.Store,
	tmpl *templates.Service,
	queue *natsq.Queue,
	idempotency Reserver,
	accepted func(channel string),
	logger *zap.Logger,
) *Service {
	return &Service{
		store:       store,
		templates:   tmpl,
		queue:       queue,
		idempotency: idempotency,
		validate:    validator.New(),
		accepted:    accepted,
		logger:      logger,
	}
}

// Submit accepts one notification. When idempotencyKey was already used
// by this tenant, the original notification is returned and nothing new
// is created.
func (s *Service) Submit(ctx context.Context, tenantID uuid.UUID, req *notifications.SubmitRequest, idempotencyKey string) (*notifications.Notification, error) {
	if err := s.checkRequest(ctx, tenantID, req); err != nil {
		return nil, err
	}

	n := s.build(tenantID, req, nil)

	if s.idempotency != nil && idempotencyKey != "" {
		winner, err := s.idempotency.Reserve(ctx, tenantID, idempotencyKey, n.ID)
		if err != nil {
			return nil, err
		}
		if winner != n.ID {
			s.logger.Debug("idempotent replay",
				zap.String("tenant_id", tenantID.String()),
				zap.String("notification_id", winner.String()))
			return s.store.GetByID(ctx, winner)
		}
	}

	if err := s.persistAndEnqueue(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// SubmitBatch accepts up to MaxBatchSize notifications under one
// generated batch id. Validation is all-or-nothing; enqueueing is
// per-item, and items that fail to enqueue are reported alongside the
// accepted ones.
func (s *Service) SubmitBatch(ctx context.Context, tenantID uuid.UUID, req *notifications.SubmitBatchRequest) (string, []*notifications.Notification, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", nil, notifications.NewError(notifications.KindInvalidPayload, err.Error(), err)
	}
	for i := range req.Notifications {
		if err := s.checkRequest(ctx, tenantID, &req.Notifications[i]); err != nil {
			return "", nil, fmt.Errorf("notification %d: %w", i, err)
		}
	}

	batchID := uuid.NewString()
	accepted := make([]*notifications.Notification, 0, len(req.Notifications))
	for i := range req.Notifications {
		n := s.build(tenantID, &req.Notifications[i], &batchID)
		if err := s.persistAndEnqueue(ctx, n); err != nil {
			s.logger.Error("batch item failed to enqueue",
				zap.String("batch_id", batchID),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		accepted = append(accepted, n)
	}
	if len(accepted) == 0 {
		return "", nil, notifications.NewError(notifications.KindInternal, "no notifications accepted", nil)
	}
	return batchID, accepted, nil
}

// checkRequest runs structural validation, recipient format, and the
// template check (exists, active, channel matches).
func (s *Service) checkRequest(ctx context.Context, tenantID uuid.UUID, req *notifications.SubmitRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return notifications.NewError(notifications.KindInvalidPayload, err.Error(), err)
	}
	if !req.Channel.IsValid() {
		return notifications.NewError(notifications.KindInvalidPayload,
			fmt.Sprintf("unknown channel %q", req.Channel), nil)
	}
	if req.Priority != "" && !req.Priority.IsValid() {
		return notifications.NewError(notifications.KindInvalidPayload,
			fmt.Sprintf("unknown priority %q", req.Priority), nil)
	}
	if !notifications.ValidRecipient(req.Channel, req.Recipient) {
		return notifications.NewError(notifications.KindInvalidPayload,
			fmt.Sprintf("recipient is not a valid %s address", req.Channel), nil)
	}

	tmpl, err := s.templates.Get(ctx, req.TemplateID)
	if err != nil {
		return err
	}
	if tmpl.TenantID != tenantID {
		return notifications.NewError(notifications.KindTemplateNotFound,
			fmt.Sprintf("template %s not found", req.TemplateID), nil)
	}
	if !tmpl.Active {
		return notifications.NewError(notifications.KindTemplateNotFound,
			fmt.Sprintf("template %s is not active", req.TemplateID), nil)
	}
	if tmpl.Channel != req.Channel {
		return notifications.NewError(notifications.KindInvalidPayload,
			fmt.Sprintf("template %s is for channel %s, not %s", req.TemplateID, tmpl.Channel, req.Channel), nil)
	}
	return nil
}

func (s *Service) build(tenantID uuid.UUID, req *notifications.SubmitRequest, batchID *string) *notifications.Notification {
	priority := req.Priority
	if priority == "" {
		priority = notifications.PriorityNormal
	}
	return &notifications.Notification{
		ID:               uuid.New(),
		TenantID:         tenantID,
		Channel:          req.Channel,
		Status:           notifications.StatusPending,
		Priority:         priority,
		Recipient:        req.Recipient,
		TemplateID:       req.TemplateID,
		Context:          req.Context,
		VendorPreference: req.VendorPreference,
		BatchID:          batchID,
		Metadata:         req.Metadata,
		CreatedAt:        time.Now().UTC(),
	}
}

func (s *Service) persistAndEnqueue(ctx context.Context, n *notifications.Notification) error {
	if err := s.store.Create(ctx, n); err != nil {
		return err
	}

	job := &natsq.DispatchJob{
		NotificationID: n.ID,
		TenantID:       n.TenantID.String(),
		Channel:        n.Channel,
		Priority:       n.Priority,
		AttemptCount:   0,
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := s.queue.Publish(ctx, job); err != nil {
		return notifications.NewError(notifications.KindInternal, "failed to enqueue notification", err)
	}

	if err := s.store.MarkQueued(ctx, n.ID); err != nil {
		// The job is already on the wire; the worker's claim handles the
		// pending row. Log and keep going.
		if !errors.Is(err, notifications.ErrNotFound) {
			s.logger.Warn("failed to mark notification queued",
				zap.String("notification_id", n.ID.String()), zap.Error(err))
		}
	} else {
		n.Status = notifications.StatusQueued
		now := time.Now().UTC()
		n.QueuedAt = &now
	}

	if s.accepted != nil {
		s.accepted(string(n.Channel))
	}
	return nil
}

// ListBatch returns the notifications submitted under a batch id.
func (s *Service) ListBatch(ctx context.Context, tenantID uuid.UUID, batchID string) ([]*notifications.Notification, error) {
	return s.store.ListByBatch(ctx, tenantID, batchID)
}
