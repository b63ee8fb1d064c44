package vendors

import (
	"fmt"

	"go.uber.org/zap"

	"notification-gateway/internal/notifications"
)

// HealthView answers whether a vendor is currently usable for a channel.
// The background checker implements it from its in-memory snapshot so
// selection never touches the database on the hot path.
type HealthView interface {
	Healthy(vendor string, channel notifications.Channel) bool
}

// Selector picks the vendor for a delivery attempt. It walks the
// configured order for the channel, skipping excluded vendors (already
// tried on this notification, or with an open circuit) and unhealthy
// ones. When every remaining vendor is unhealthy the first non-excluded
// vendor is returned anyway as a last-resort probe, so a stale health
// snapshot cannot strand the channel.
type Selector struct {
	registry *Registry
	health   HealthView
	logger   *zap.Logger
}

func NewSelector(registry *Registry, health HealthView, logger *zap.Logger) *Selector {
	return &Selector{registry: registry, health: health, logger: logger}
}

// Next returns the adapter to try. Preference, when set and not
// excluded, is moved to the front of the order. ErrNoVendorAvailable is
// returned only when every configured vendor is excluded.
func (s *Selector) Next(channel notifications.Channel, preference string, excluded map[string]bool) (Adapter, error) {
	order := s.order(channel, preference)
	if len(order) == 0 {
		return nil, fmt.Errorf("no vendors configured for channel %s: %w", channel, notifications.ErrNoVendorAvailable)
	}

	var fallback Adapter
	for _, name := range order {
		if excluded[name] {
			continue
		}
		adapter, ok := s.registry.Get(name)
		if !ok {
			s.logger.Warn("configured vendor has no adapter", zap.String("vendor", name))
			continue
		}
		if fallback == nil {
			fallback = adapter
		}
		if s.health == nil || s.health.Healthy(name, channel) {
			return adapter, nil
		}
	}

	if fallback != nil {
		s.logger.Warn("no healthy vendor, probing first candidate",
			zap.String("channel", string(channel)),
			zap.String("vendor", fallback.Name()))
		return fallback, nil
	}
	return nil, notifications.ErrNoVendorAvailable
}

func (s *Selector) order(channel notifications.Channel, preference string) []string {
	configured := s.registry.ChannelOrder(channel)
	if preference == "" || preference == notifications.VendorTemplate {
		return configured
	}
	order := make([]string, 0, len(configured)+1)
	order = append(order, preference)
	for _, name := range configured {
		if name != preference {
			order = append(order, name)
		}
	}
	return order
}
