package vendors

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"notification-gateway/internal/notifications"
	"notification-gateway/internal/templates"
)

// Mock is a deterministic in-process adapter for tests and local runs.
// Outcomes are derived from a hash of the recipient unless a scripted
// result queue is installed.
type Mock struct {
	name        string
	channel     notifications.Channel
	successRate float64
	latency     time.Duration

	mu       sync.Mutex
	scripted []error
	sent     atomic.Int64
}

func NewMock(name string, channel notifications.Channel, successRate float64, latency time.Duration) *Mock {
	return &Mock{
		name:        name,
		channel:     channel,
		successRate: successRate,
		latency:     latency,
	}
}

func (v *Mock) Name() string                   { return v.name }
func (v *Mock) Channel() notifications.Channel { return v.channel }

// Script queues errors returned by the next Send calls, in order. A nil
// entry scripts a success.
func (v *Mock) Script(errs ...error) {
	v.mu.Lock()
	v.scripted = append(v.scripted, errs...)
	v.mu.Unlock()
}

// SentCount reports how many sends reached this adapter.
func (v *Mock) SentCount() int64 { return v.sent.Load() }

func (v *Mock) Send(ctx context.Context, recipient string, content *templates.Rendered) (*SendResult, error) {
	if v.latency > 0 {
		select {
		case <-time.After(v.latency):
		case <-ctx.Done():
			return nil, classifyTransportError(v.name, ctx.Err())
		}
	}

	v.sent.Add(1)

	v.mu.Lock()
	if len(v.scripted) > 0 {
		next := v.scripted[0]
		v.scripted = v.scripted[1:]
		v.mu.Unlock()
		if next != nil {
			return nil, next
		}
		return v.success(recipient), nil
	}
	v.mu.Unlock()

	if v.outcome(recipient) {
		return v.success(recipient), nil
	}
	return nil, notifications.NewError(notifications.KindVendorUnavailable,
		fmt.Sprintf("%s simulated failure", v.name), nil)
}

func (v *Mock) success(recipient string) *SendResult {
	id := v.name + "_" + messageHash(recipient)
	raw, _ := json.Marshal(map[string]string{"message_id": id, "status": "sent"})
	return &SendResult{
		MessageID: id,
		Status:    SendStatusSent,
		Response:  raw,
		Timestamp: time.Now().UTC(),
	}
}

func (v *Mock) Status(ctx context.Context, messageID string) (*StatusResult, error) {
	return &StatusResult{State: "delivered", Attempts: 1,
		Timestamps: map[string]time.Time{"delivered": time.Now().UTC()}}, nil
}

func (v *Mock) Health(ctx context.Context) *HealthResult {
	return &HealthResult{Healthy: true, LatencyMs: v.latency.Milliseconds()}
}

// outcome hashes the recipient so the same input always resolves the same
// way.
func (v *Mock) outcome(recipient string) bool {
	hash := md5.Sum([]byte(recipient))
	return float64(hash[0])/255.0 < v.successRate
}

func messageHash(recipient string) string {
	hash := md5.Sum([]byte(recipient + time.Now().String()))
	return hex.EncodeToString(hash[:])[:12]
}

var _ Adapter = (*Mock)(nil)
