package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"notification-gateway/internal/notifications"
)

const (
	SubjectPrefix = "notify"
	SubjectDLQ    = "notify.dlq"

	streamDLQ = "NOTIFY_DLQ"
)

// Subject returns the channel's dispatch subject, e.g. notify.email.
func Subject(channel notifications.Channel) string {
	return SubjectPrefix + "." + string(channel)
}

func streamName(channel notifications.Channel) string {
	return "NOTIFY_" + strings.ToUpper(string(channel))
}

func durableName(channel notifications.Channel) string {
	return "workers-" + string(channel)
}

// DispatchJob is the queue payload. The notification body stays in the
// database; the job carries only what the worker needs to claim it.
type DispatchJob struct {
	NotificationID uuid.UUID              `json:"notification_id"`
	TenantID       string                 `json:"tenant_id"`
	Channel        notifications.Channel  `json:"channel"`
	Priority       notifications.Priority `json:"priority"`
	AttemptCount   int                    `json:"attempt_count"`
	EnqueuedAt     time.Time              `json:"enqueued_at"`
}

// DLQEntry records a permanently failed notification on the dead-letter
// subject.
type DLQEntry struct {
	NotificationID uuid.UUID             `json:"notification_id"`
	TenantID       string                `json:"tenant_id"`
	Channel        notifications.Channel `json:"channel"`
	Reason         string                `json:"reason"`
	AttemptCount   int                   `json:"attempt_count"`
	FailedAt       time.Time             `json:"failed_at"`
}

// Config tunes the JetStream consumers.
type Config struct {
	// VisibilityTimeout is the JetStream AckWait: how long a fetched job
	// stays invisible before redelivery if the worker neither acks nor
	// naks.
	VisibilityTimeout time.Duration
	// BatchSize is the pull-fetch batch.
	BatchSize int
	// WaitTime is the long-poll window for an empty fetch.
	WaitTime time.Duration
}

// Queue is the durable dispatch queue: one JetStream stream per channel
// plus a dead-letter stream, consumed by pull subscribers in a shared
// durable group.
type Queue struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *zap.Logger
}

func NewQueue(natsURL string, cfg Config, logger *zap.Logger) (*Queue, error) {
	opts := []nats.Option{
		nats.Name("Notification Gateway"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Queue{conn: conn, js: js, cfg: cfg, logger: logger}, nil
}

// EnsureStreams creates the per-channel streams and the dead-letter
// stream if they do not exist. Idempotent, safe to run on every start.
func (q *Queue) EnsureStreams(channels []notifications.Channel) error {
	for _, channel := range channels {
		cfg := &nats.StreamConfig{
			Name:      streamName(channel),
			Subjects:  []string{Subject(channel)},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		}
		if err := q.ensureStream(cfg); err != nil {
			return err
		}
	}
	return q.ensureStream(&nats.StreamConfig{
		Name:      streamDLQ,
		Subjects:  []string{SubjectDLQ},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	})
}

func (q *Queue) ensureStream(cfg *nats.StreamConfig) error {
	_, err := q.js.AddStream(cfg)
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to ensure stream %s: %w", cfg.Name, err)
	}
	return nil
}

func (q *Queue) Close() error {
	q.conn.Close()
	return nil
}

func (q *Queue) HealthCheck(ctx context.Context) error {
	if q.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS not connected, status: %v", q.conn.Status())
	}
	return nil
}

// Publish enqueues a dispatch job on the channel's subject.
func (q *Queue) Publish(ctx context.Context, job *DispatchJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch job: %w", err)
	}

	// Duplicate-window dedupe on the message id keeps double submits
	// from double-dispatching.
	_, err = q.js.Publish(Subject(job.Channel), data,
		nats.MsgId(fmt.Sprintf("%s-%d", job.NotificationID, job.AttemptCount)),
		nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish dispatch job: %w", err)
	}

	q.logger.Debug("published dispatch job",
		zap.String("notification_id", job.NotificationID.String()),
		zap.String("channel", string(job.Channel)),
		zap.Int("attempt_count", job.AttemptCount))
	return nil
}

// PublishDLQ moves a permanently failed notification to the dead-letter
// subject for offline inspection.
func (q *Queue) PublishDLQ(ctx context.Context, entry *DLQEntry) error {
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}
	if _, err := q.js.Publish(SubjectDLQ, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish DLQ entry: %w", err)
	}

	q.logger.Warn("notification dead-lettered",
		zap.String("notification_id", entry.NotificationID.String()),
		zap.String("channel", string(entry.Channel)),
		zap.String("reason", entry.Reason),
		zap.Int("attempt_count", entry.AttemptCount))
	return nil
}

// Consumer is a durable pull subscriber for one channel. Multiple
// consumers with the same durable name share the stream, so worker
// hosts load-balance naturally.
type Consumer struct {
	sub     *nats.Subscription
	channel notifications.Channel
	cfg     Config
	logger  *zap.Logger
}

func (q *Queue) Consumer(channel notifications.Channel) (*Consumer, error) {
	sub, err := q.js.PullSubscribe(Subject(channel), durableName(channel),
		nats.AckWait(q.cfg.VisibilityTimeout),
		nats.MaxDeliver(-1), // redelivery budget is enforced by the retry scheduler
		nats.ManualAck(),
		nats.BindStream(streamName(channel)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Subject(channel), err)
	}
	return &Consumer{sub: sub, channel: channel, cfg: q.cfg, logger: q.logger}, nil
}

// Fetch long-polls for up to the configured batch of jobs. An empty
// slice and nil error means the wait window elapsed with nothing to do.
func (c *Consumer) Fetch(ctx context.Context) ([]*Delivery, error) {
	msgs, err := c.sub.Fetch(c.cfg.BatchSize, nats.MaxWait(c.cfg.WaitTime))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch from %s: %w", Subject(c.channel), err)
	}

	deliveries := make([]*Delivery, 0, len(msgs))
	for _, msg := range msgs {
		var job DispatchJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			c.logger.Error("dropping malformed dispatch job", zap.Error(err))
			_ = msg.Term()
			continue
		}
		deliveries = append(deliveries, &Delivery{msg: msg, Job: &job})
	}
	return deliveries, nil
}

func (c *Consumer) Close() error {
	return c.sub.Unsubscribe()
}

// Delivery is one fetched job plus its ack handle.
type Delivery struct {
	msg *nats.Msg
	Job *DispatchJob
}

// Ack removes the job from the queue.
func (d *Delivery) Ack() error { return d.msg.Ack() }

// Release makes the job visible again after delay. Zero delay means
// immediate redelivery.
func (d *Delivery) Release(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

// Discard drops the job without redelivery.
func (d *Delivery) Discard() error { return d.msg.Term() }

// Depth reports the number of jobs waiting on a channel's stream.
func (q *Queue) Depth(channel notifications.Channel) (uint64, error) {
	info, err := q.js.StreamInfo(streamName(channel))
	if err != nil {
		return 0, fmt.Errorf("failed to read stream info for %s: %w", streamName(channel), err)
	}
	return info.State.Msgs, nil
}
