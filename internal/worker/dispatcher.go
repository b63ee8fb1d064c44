package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	xrate "golang.org/x/time/rate"

	"notification-gateway/internal/breaker"
	"notification-gateway/internal/notifications"
	"notification-gateway/internal/observability"
	natsq "notification-gateway/internal/queue/nats"
	"notification-gateway/internal/rate"
	"notification-gateway/internal/retry"
	"notification-gateway/internal/status"
	"notification-gateway/internal/templates"
	"notification-gateway/internal/vendors"
)

// vendorNone is recorded on attempts where no vendor was invoked
// (selection exhausted, deadline expired).
const vendorNone = "none"

// Dispatcher drives one fetched job through a single delivery attempt:
// claim, render, select a vendor, gate on its circuit, send, record the
// outcome, then ack or release for retry.
type Dispatcher struct {
	store     *notifications.Store
	status    *status.Store
	templates *templates.Service
	selector  *vendors.Selector
	health    *vendors.Checker
	breaker   *breaker.Breaker
	queue     *natsq.Queue
	policy    retry.Policy
	metrics   *observability.Metrics
	logger    *zap.Logger

	// limiter enforces the per-tenant dispatch quota. A denied job is
	// released un-acked and re-polled once its window rolls over, so
	// accepted notifications are never lost, only delayed.
	limiter *rate.Limiter

	// pacer smooths vendor calls from this host so a drained backlog
	// does not arrive at vendors as one burst.
	pacer *xrate.Limiter

	vendorTimeout time.Duration
	maxLatency    time.Duration
	failover      bool
}

type DispatcherConfig struct {
	VendorTimeout time.Duration
	// MaxEndToEndLatency expires jobs that sat queued too long to be
	// worth delivering. It also bounds the whole attempt: render,
	// selection, and the vendor call all run under the job's deadline.
	MaxEndToEndLatency time.Duration
	// SendsPerSecond paces outbound vendor calls; zero disables pacing.
	SendsPerSecond float64
	// VendorFailover enables rotation to the next vendor when a circuit
	// refuses traffic. Disabled, an open circuit fails the attempt and
	// the retry goes back to the same vendor.
	VendorFailover bool
}

func NewDispatcher(
	store *notifications.Store,
	statusStore *status.Store,
	tmpl *templates.Service,
	selector *vendors.Selector,
	health *vendors.Checker,
	brk *breaker.Breaker,
	queue *natsq.Queue,
	limiter *rate.Limiter,
	policy retry.Policy,
	metrics *observability.Metrics,
	cfg DispatcherConfig,
	logger *zap.Logger,
) *Dispatcher {
	var pacer *xrate.Limiter
	if cfg.SendsPerSecond > 0 {
		pacer = xrate.NewLimiter(xrate.Limit(cfg.SendsPerSecond), int(cfg.SendsPerSecond)+1)
	}
	return &Dispatcher{
		store:         store,
		status:        statusStore,
		templates:     tmpl,
		selector:      selector,
		health:        health,
		breaker:       brk,
		queue:         queue,
		limiter:       limiter,
		policy:        policy,
		metrics:       metrics,
		logger:        logger,
		pacer:         pacer,
		vendorTimeout: cfg.VendorTimeout,
		maxLatency:    cfg.MaxEndToEndLatency,
		failover:      cfg.VendorFailover,
	}
}

// Process handles one fetched delivery end to end. It always settles
// the queue message (ack, release, or discard); errors are absorbed
// into the notification's attempt history.
func (d *Dispatcher) Process(ctx context.Context, delivery *natsq.Delivery) {
	job := delivery.Job
	logger := d.logger.With(
		zap.String("notification_id", job.NotificationID.String()),
		zap.String("channel", string(job.Channel)))

	taskCtx, cancel, ok := d.taskContext(ctx, job.EnqueuedAt)
	if !ok {
		d.expire(ctx, delivery, logger)
		return
	}
	defer cancel()

	n, err := d.store.GetByID(ctx, job.NotificationID)
	if errors.Is(err, notifications.ErrNotFound) {
		logger.Warn("dispatch job references missing notification")
		_ = delivery.Discard()
		return
	}
	if err != nil {
		logger.Error("failed to load notification", zap.Error(err))
		_ = delivery.Release(d.policy.BaseDelay)
		return
	}

	if !n.Processable(d.policy.MaxAttempts) {
		// Terminal or exhausted: a redelivered job for finished work.
		_ = delivery.Ack()
		return
	}

	// The quota gate runs before the claim: a released job must stay in
	// queued / retrying so the next poll can claim it.
	if retryAfter, allowed := d.rateGate(ctx, n, logger); !allowed {
		_ = delivery.Release(retryAfter)
		return
	}

	if err := d.status.MarkProcessing(ctx, n.ID); err != nil {
		if errors.Is(err, notifications.ErrNotFound) {
			// Another worker holds or finished it.
			_ = delivery.Ack()
			return
		}
		logger.Error("failed to claim notification", zap.Error(err))
		_ = delivery.Release(d.policy.BaseDelay)
		return
	}

	rendered, err := d.templates.Render(taskCtx, n.TemplateID, n.Context)
	if err != nil {
		d.settle(ctx, delivery, n, vendorNone, nil, 0, err, logger)
		return
	}

	adapter, err := d.selectVendor(taskCtx, n)
	if err != nil {
		d.settle(ctx, delivery, n, vendorNone, nil, 0, err, logger)
		return
	}

	if d.pacer != nil {
		if err := d.pacer.Wait(taskCtx); err != nil {
			_ = delivery.Release(d.policy.BaseDelay)
			return
		}
	}

	// The vendor call gets min(job deadline remainder, vendor timeout).
	vendor := adapter.Name()
	sendCtx, sendCancel := context.WithTimeout(taskCtx, d.vendorTimeout)
	start := time.Now()
	result, sendErr := adapter.Send(sendCtx, n.Recipient, rendered)
	sendCancel()
	elapsed := time.Since(start)

	d.metrics.VendorLatency.WithLabelValues(vendor).Observe(elapsed.Seconds())
	d.health.RecordOutcome(vendor, n.Channel, sendErr == nil)
	d.recordBreaker(ctx, n, vendor, sendErr)

	d.settle(ctx, delivery, n, vendor, result, elapsed, sendErr, logger)
}

// taskContext derives the job's end-to-end deadline from its enqueue
// time. ok is false when the deadline already passed.
func (d *Dispatcher) taskContext(ctx context.Context, enqueuedAt time.Time) (context.Context, context.CancelFunc, bool) {
	if d.maxLatency <= 0 {
		return ctx, func() {}, true
	}
	deadline := enqueuedAt.Add(d.maxLatency)
	if !time.Now().Before(deadline) {
		return ctx, func() {}, false
	}
	taskCtx, cancel := context.WithDeadline(ctx, deadline)
	return taskCtx, cancel, true
}

// rateGate consumes one unit of the tenant's dispatch quota. On denial
// it reports how long until the window rolls over; limiter
// infrastructure failures let traffic through.
func (d *Dispatcher) rateGate(ctx context.Context, n *notifications.Notification, logger *zap.Logger) (time.Duration, bool) {
	if d.limiter == nil {
		return 0, true
	}
	retryAfter, err := d.limiter.Allow(ctx, n.TenantID, rate.OpNotification)
	if err == nil {
		return 0, true
	}
	if notifications.KindOf(err) == notifications.KindRateLimited {
		logger.Debug("tenant dispatch quota exhausted",
			zap.String("tenant_id", n.TenantID.String()),
			zap.Duration("retry_after", retryAfter))
		return retryAfter, false
	}
	logger.Warn("rate limiter check failed, allowing traffic", zap.Error(err))
	return 0, true
}

// selectVendor picks the next vendor, excluding vendors already rotated
// away from on this notification and vendors whose circuit refuses
// traffic. With failover disabled the circuit gate fails the attempt
// instead of rotating.
func (d *Dispatcher) selectVendor(ctx context.Context, n *notifications.Notification) (vendors.Adapter, error) {
	excluded := map[string]bool{}
	if d.failover {
		var err error
		excluded, err = d.status.VendorExclusions(ctx, n.ID)
		if err != nil {
			d.logger.Warn("failed to load vendor exclusions", zap.Error(err))
			excluded = map[string]bool{}
		}
		delete(excluded, vendorNone)
		delete(excluded, notifications.VendorTemplate)
	}

	preference := ""
	if n.VendorPreference != nil {
		preference = *n.VendorPreference
	}

	failoverStart := time.Now()
	var previous string
	for {
		adapter, err := d.selector.Next(n.Channel, preference, excluded)
		if err != nil {
			return nil, notifications.NewError(notifications.KindNoVendorAvailable,
				fmt.Sprintf("no vendor available for channel %s", n.Channel), err)
		}

		available, err := d.breaker.IsAvailable(ctx, n.TenantID, n.Channel, adapter.Name())
		if err != nil {
			d.logger.Warn("breaker check failed, allowing traffic", zap.Error(err))
			available = true
		}
		if available {
			if previous != "" {
				d.metrics.VendorFailoversTotal.WithLabelValues(
					string(n.Channel), previous, adapter.Name()).Inc()
				d.metrics.FailoverLatency.WithLabelValues(string(n.Channel)).
					Observe(time.Since(failoverStart).Seconds())
			}
			return adapter, nil
		}

		if !d.failover {
			return nil, notifications.NewError(notifications.KindVendorCircuitOpen,
				fmt.Sprintf("circuit open for vendor %s", adapter.Name()), notifications.ErrCircuitOpen)
		}
		previous = adapter.Name()
		excluded[adapter.Name()] = true
	}
}

// attemptResponse builds the attempt's persisted payload: the uniform
// send envelope, so the receipt lookup can match message_id regardless
// of the vendor's own response shape.
func attemptResponse(result *vendors.SendResult) []byte {
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return raw
}

// settle records the attempt and decides the notification's fate:
// delivered, retrying with backoff, or failed with a dead-letter entry.
func (d *Dispatcher) settle(
	ctx context.Context,
	delivery *natsq.Delivery,
	n *notifications.Notification,
	vendor string,
	result *vendors.SendResult,
	elapsed time.Duration,
	sendErr error,
	logger *zap.Logger,
) {
	attempt := &notifications.DeliveryAttempt{
		NotificationID: n.ID,
		Vendor:         vendor,
		DurationMs:     elapsed.Milliseconds(),
	}
	kind := notifications.KindOf(sendErr)
	if kind == notifications.KindTemplateNotFound || kind == notifications.KindTemplateInvalid {
		attempt.Vendor = notifications.VendorTemplate
	}

	if sendErr == nil {
		attempt.Status = notifications.AttemptSuccessful
		attempt.Response = attemptResponse(result)
		if err := d.status.RecordAttempt(ctx, n.TenantID, attempt, notifications.StatusDelivered); err != nil {
			logger.Error("failed to record successful attempt", zap.Error(err))
			// The vendor accepted the send; do not redeliver.
		}
		d.metrics.DeliveryAttemptsTotal.WithLabelValues(string(n.Channel), vendor, "successful").Inc()
		d.finalize(n, vendor, notifications.StatusDelivered, delivery.Job.EnqueuedAt)
		_ = delivery.Ack()
		return
	}

	msg := sendErr.Error()
	errKind := string(kind)
	attempt.Status = notifications.AttemptFailed
	attempt.Error = &msg
	attempt.ErrorKind = &errKind
	d.metrics.DeliveryAttemptsTotal.WithLabelValues(string(n.Channel), attempt.Vendor, "failed").Inc()

	attemptNumber := n.AttemptCount + 1
	retryable := kind.Retryable() && !d.policy.Exhausted(attemptNumber)

	newStatus := notifications.StatusFailed
	if retryable {
		newStatus = notifications.StatusRetrying
	}
	if err := d.status.RecordAttempt(ctx, n.TenantID, attempt, newStatus); err != nil {
		logger.Error("failed to record attempt", zap.Error(err))
		_ = delivery.Release(d.policy.BaseDelay)
		return
	}

	if retryable {
		delay := d.policy.BackoffOrRetryAfter(attemptNumber, retryAfterOf(sendErr))
		d.metrics.RetryAttemptsTotal.WithLabelValues(string(kind)).Inc()
		logger.Info("attempt failed, retrying",
			zap.String("vendor", attempt.Vendor),
			zap.String("kind", string(kind)),
			zap.Int("attempt", attemptNumber),
			zap.Duration("backoff", delay))
		_ = delivery.Release(delay)
		return
	}

	logger.Warn("notification failed permanently",
		zap.String("vendor", attempt.Vendor),
		zap.String("kind", string(kind)),
		zap.Int("attempt", attemptNumber),
		zap.String("error", msg))
	d.deadLetter(ctx, delivery, n, string(kind), attemptNumber)
	d.finalize(n, attempt.Vendor, notifications.StatusFailed, delivery.Job.EnqueuedAt)
	_ = delivery.Ack()
}

// expire fails a job whose end-to-end deadline passed while it sat in
// the queue.
func (d *Dispatcher) expire(ctx context.Context, delivery *natsq.Delivery, logger *zap.Logger) {
	job := delivery.Job
	msg := fmt.Sprintf("expired after %s in queue", time.Since(job.EnqueuedAt).Round(time.Millisecond))
	errKind := "deadline_exceeded"
	attempt := &notifications.DeliveryAttempt{
		NotificationID: job.NotificationID,
		Vendor:         vendorNone,
		Status:         notifications.AttemptFailed,
		Error:          &msg,
		ErrorKind:      &errKind,
	}

	n, err := d.store.GetByID(ctx, job.NotificationID)
	if err == nil && !n.Status.Terminal() {
		if err := d.status.RecordAttempt(ctx, n.TenantID, attempt, notifications.StatusFailed); err != nil {
			logger.Error("failed to record expiry", zap.Error(err))
		}
		d.deadLetter(ctx, delivery, n, "deadline_exceeded", n.AttemptCount+1)
		d.finalize(n, vendorNone, notifications.StatusFailed, job.EnqueuedAt)
	}
	logger.Warn("dispatch job expired", zap.Time("enqueued_at", job.EnqueuedAt))
	_ = delivery.Ack()
}

func (d *Dispatcher) deadLetter(ctx context.Context, delivery *natsq.Delivery, n *notifications.Notification, reason string, attemptCount int) {
	entry := &natsq.DLQEntry{
		NotificationID: n.ID,
		TenantID:       n.TenantID.String(),
		Channel:        n.Channel,
		Reason:         reason,
		AttemptCount:   attemptCount,
	}
	if err := d.queue.PublishDLQ(ctx, entry); err != nil {
		d.logger.Error("failed to dead-letter notification",
			zap.String("notification_id", n.ID.String()), zap.Error(err))
	}
}

func (d *Dispatcher) finalize(n *notifications.Notification, vendor string, st notifications.Status, enqueuedAt time.Time) {
	d.metrics.NotificationsDispatched.WithLabelValues(string(n.Channel), vendor, string(st)).Inc()
	if !enqueuedAt.IsZero() {
		d.metrics.ProcessingLatency.WithLabelValues(string(n.Channel)).
			Observe(time.Since(enqueuedAt).Seconds())
	}
}

// recordBreaker feeds the circuit only with failures that indicate
// vendor trouble. Payload rejections are the sender's fault and must
// not trip the circuit.
func (d *Dispatcher) recordBreaker(ctx context.Context, n *notifications.Notification, vendor string, sendErr error) {
	if sendErr == nil {
		if err := d.breaker.RecordSuccess(ctx, n.TenantID, n.Channel, vendor); err != nil {
			d.logger.Warn("breaker recordSuccess failed", zap.Error(err))
		}
		return
	}
	switch notifications.KindOf(sendErr) {
	case notifications.KindVendorUnavailable, notifications.KindTimeout, notifications.KindRateLimitedByVendor:
		err := d.breaker.RecordFailure(ctx, n.TenantID, n.Channel, vendor)
		if err != nil && !errors.Is(err, notifications.ErrCircuitOpen) {
			d.logger.Warn("breaker recordFailure failed", zap.Error(err))
		}
	}
}

func retryAfterOf(err error) time.Duration {
	var de *notifications.DispatchError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}
