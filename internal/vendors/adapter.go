package vendors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"notification-gateway/internal/notifications"
	"notification-gateway/internal/templates"
)

// SendStatus is the vendor's synchronous verdict on a send call.
type SendStatus string

const (
	SendStatusSent   SendStatus = "sent"
	SendStatusQueued SendStatus = "queued"
	SendStatusFailed SendStatus = "failed"
)

// SendResult is the uniform outcome of one vendor send call. Response is
// the opaque vendor payload persisted on the delivery attempt.
type SendResult struct {
	MessageID string     `json:"message_id"`
	Status    SendStatus `json:"status"`
	Response  []byte     `json:"vendor_response,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// StatusResult is the vendor-side view of a previously sent message.
type StatusResult struct {
	State          string               `json:"state"`
	Timestamps     map[string]time.Time `json:"timestamps,omitempty"`
	Attempts       int                  `json:"attempts"`
	VendorMetadata map[string]any       `json:"vendor_metadata,omitempty"`
}

// HealthResult is a point-in-time vendor probe outcome.
type HealthResult struct {
	Healthy     bool   `json:"healthy"`
	LatencyMs   int64  `json:"latency_ms"`
	Diagnostics string `json:"diagnostics,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Adapter is the uniform vendor contract. Implementations translate
// transport and API errors into classified DispatchErrors and must honor
// the caller's deadline, never blocking past it.
type Adapter interface {
	Send(ctx context.Context, recipient string, content *templates.Rendered) (*SendResult, error)
	Status(ctx context.Context, messageID string) (*StatusResult, error)
	Health(ctx context.Context) *HealthResult
	Name() string
	Channel() notifications.Channel
}

// Registry maps vendor ids to adapters. Populated once at startup; the
// selector operates on the contract only.
type Registry struct {
	adapters map[string]Adapter
	order    map[notifications.Channel][]string
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		order:    make(map[notifications.Channel][]string),
	}
}

// Register installs an adapter and appends it to its channel's order.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
	r.order[a.Channel()] = append(r.order[a.Channel()], a.Name())
}

// SetChannelOrder overrides the configured vendor order for a channel.
// Unknown vendor ids are dropped.
func (r *Registry) SetChannelOrder(channel notifications.Channel, vendorIDs []string) {
	var kept []string
	for _, id := range vendorIDs {
		if _, ok := r.adapters[id]; ok {
			kept = append(kept, id)
		}
	}
	r.order[channel] = kept
}

// Get returns the adapter for a vendor id.
func (r *Registry) Get(vendorID string) (Adapter, bool) {
	a, ok := r.adapters[vendorID]
	return a, ok
}

// ChannelOrder returns the configured vendor order for a channel.
func (r *Registry) ChannelOrder(channel notifications.Channel) []string {
	return r.order[channel]
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, ch := range notifications.Channels() {
		for _, id := range r.order[ch] {
			out = append(out, r.adapters[id])
		}
	}
	return out
}

// classifyTransportError maps client-side errors to dispatch error kinds.
func classifyTransportError(vendor string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return notifications.NewError(notifications.KindTimeout,
			fmt.Sprintf("%s call exceeded deadline", vendor), err)
	}
	return notifications.NewError(notifications.KindVendorUnavailable,
		fmt.Sprintf("%s unreachable", vendor), err)
}

// classifyHTTPStatus maps a non-2xx vendor response to a dispatch error.
// 429 is retryable on the same vendor after its hint; other 4xx are
// payload rejections; everything else means the vendor is unavailable.
func classifyHTTPStatus(vendor string, resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &notifications.DispatchError{
			Kind:       notifications.KindRateLimitedByVendor,
			Message:    fmt.Sprintf("%s throttled the request", vendor),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Auth failures are an operator problem, not a payload problem
		return notifications.NewError(notifications.KindVendorUnavailable,
			fmt.Sprintf("%s rejected credentials (%d)", vendor, resp.StatusCode), nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return notifications.NewError(notifications.KindInvalidPayload,
			fmt.Sprintf("%s rejected payload (%d): %s", vendor, resp.StatusCode, truncate(body, 256)), nil)
	default:
		return notifications.NewError(notifications.KindVendorUnavailable,
			fmt.Sprintf("%s returned %d", vendor, resp.StatusCode), nil)
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func readBody(r io.Reader) []byte {
	body, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	return body
}
