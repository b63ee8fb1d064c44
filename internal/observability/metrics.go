package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every Prometheus instrument used across the dispatcher.
// Registered once at startup; passed by pointer wherever needed.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	NotificationsAccepted  *prometheus.CounterVec
	NotificationsDispatched *prometheus.CounterVec
	DeliveryAttemptsTotal  *prometheus.CounterVec
	ProcessingLatency      *prometheus.HistogramVec
	VendorLatency          *prometheus.HistogramVec
	FailoverLatency        *prometheus.HistogramVec
	VendorFailoversTotal   *prometheus.CounterVec
	RateLimitExceededTotal *prometheus.CounterVec
	RenderMissingTotal     *prometheus.CounterVec
	RetryAttemptsTotal     *prometheus.CounterVec

	QueueDepth   *prometheus.GaugeVec
	OpenCircuits prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code", "tenant_id"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		NotificationsAccepted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_accepted_total",
				Help: "Notifications accepted by ingress",
			},
			[]string{"channel"},
		),
		NotificationsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_dispatched_total",
				Help: "Notifications that reached a terminal status",
			},
			[]string{"channel", "vendor", "status"},
		),
		DeliveryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_attempts_total",
				Help: "Individual vendor delivery attempts",
			},
			[]string{"channel", "vendor", "status"},
		),
		ProcessingLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notification_processing_seconds",
				Help:    "End-to-end latency from enqueue to terminal status",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"channel"},
		),
		VendorLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vendor_request_seconds",
				Help:    "Latency of individual vendor send calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"vendor"},
		),
		FailoverLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vendor_failover_seconds",
				Help:    "Time between a failed attempt and the next vendor's attempt",
				Buckets: []float64{.05, .1, .2, .5, 1, 2, 5},
			},
			[]string{"channel"},
		),
		VendorFailoversTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendor_failovers_total",
				Help: "Vendor rotations within a single notification",
			},
			[]string{"channel", "from_vendor", "to_vendor"},
		),
		RateLimitExceededTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_exceeded_total",
				Help: "Rate limiter denials",
			},
			[]string{"op"},
		),
		RenderMissingTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "template_render_missing_total",
				Help: "Placeholders rendered as empty because the context lacked a value",
			},
			[]string{"template_id"},
		),
		RetryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retry_attempts_total",
				Help: "Retries scheduled by reason",
			},
			[]string{"reason"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Pending messages per channel stream",
			},
			[]string{"channel"},
		),
		OpenCircuits: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "open_circuits",
				Help: "Circuit breakers currently open",
			},
		),
	}
}
