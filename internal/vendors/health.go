package vendors

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"notification-gateway/internal/notifications"
)

// ewmaAlpha weights the most recent delivery outcome when folding it
// into a vendor's success rate.
const ewmaAlpha = 0.2

// Checker probes every registered adapter on an interval, persists the
// result, and keeps an in-memory snapshot for the selector. Delivery
// outcomes reported by the dispatch path are folded into a success-rate
// EWMA between probes.
type Checker struct {
	registry *Registry
	store    *StatusStore
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	snapshot map[string]*VendorStatus
}

func NewChecker(registry *Registry, store *StatusStore, interval, timeout time.Duration, logger *zap.Logger) *Checker {
	return &Checker{
		registry: registry,
		store:    store,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		snapshot: make(map[string]*VendorStatus),
	}
}

// Run probes immediately, then on every tick until the context ends.
func (c *Checker) Run(ctx context.Context) {
	c.checkAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

func (c *Checker) checkAll(ctx context.Context) {
	for _, adapter := range c.registry.All() {
		c.check(ctx, adapter)
	}
}

func (c *Checker) check(ctx context.Context, adapter Adapter) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := adapter.Health(probeCtx)

	key := snapshotKey(adapter.Name(), adapter.Channel())
	c.mu.Lock()
	vs, ok := c.snapshot[key]
	if !ok {
		vs = &VendorStatus{
			Vendor:      adapter.Name(),
			Channel:     adapter.Channel(),
			SuccessRate: 1.0,
		}
		c.snapshot[key] = vs
	}
	prev := vs.State
	vs.State = classifyHealth(result, vs.SuccessRate)
	vs.LastCheck = time.Now().UTC()
	persisted := *vs
	c.mu.Unlock()

	if prev != "" && prev != persisted.State {
		c.logger.Info("vendor health changed",
			zap.String("vendor", persisted.Vendor),
			zap.String("channel", string(persisted.Channel)),
			zap.String("from", string(prev)),
			zap.String("to", string(persisted.State)),
			zap.Int64("latency_ms", result.LatencyMs),
			zap.String("error", result.LastError))
	}

	if c.store != nil {
		if err := c.store.Upsert(ctx, &persisted); err != nil {
			c.logger.Warn("failed to persist vendor status",
				zap.String("vendor", persisted.Vendor), zap.Error(err))
		}
	}
}

func classifyHealth(result *HealthResult, successRate float64) VendorState {
	switch {
	case !result.Healthy:
		return VendorUnhealthy
	case successRate < healthySuccessRate:
		return VendorDegraded
	default:
		return VendorHealthy
	}
}

// RecordOutcome folds a delivery outcome into the vendor's success-rate
// EWMA. Called from the dispatch path after each attempt.
func (c *Checker) RecordOutcome(vendor string, channel notifications.Channel, success bool) {
	sample := 0.0
	if success {
		sample = 1.0
	}

	key := snapshotKey(vendor, channel)
	c.mu.Lock()
	vs, ok := c.snapshot[key]
	if !ok {
		vs = &VendorStatus{
			Vendor:      vendor,
			Channel:     channel,
			State:       VendorHealthy,
			SuccessRate: sample,
			LastCheck:   time.Now().UTC(),
		}
		c.snapshot[key] = vs
	} else {
		vs.SuccessRate = ewmaAlpha*sample + (1-ewmaAlpha)*vs.SuccessRate
	}
	c.mu.Unlock()
}

// Healthy implements HealthView from the in-memory snapshot. A vendor
// never probed yet is assumed healthy so startup order does not block
// dispatch.
func (c *Checker) Healthy(vendor string, channel notifications.Channel) bool {
	c.mu.RLock()
	vs, ok := c.snapshot[snapshotKey(vendor, channel)]
	c.mu.RUnlock()
	if !ok {
		return true
	}
	return vs.Usable(time.Now())
}

// Statuses returns a copy of the current snapshot, for the health
// surface.
func (c *Checker) Statuses() []*VendorStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*VendorStatus, 0, len(c.snapshot))
	for _, vs := range c.snapshot {
		cp := *vs
		out = append(out, &cp)
	}
	return out
}

func snapshotKey(vendor string, channel notifications.Channel) string {
	return vendor + ":" + string(channel)
}

var _ HealthView = (*Checker)(nil)
