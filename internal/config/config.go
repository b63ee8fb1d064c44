package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Database
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`

	// Coordination store
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	// Queue
	NATSURL string `envconfig:"NATS_URL" required:"true"`

	// Vendor order per channel; first entry is the primary.
	EmailVendors []string `envconfig:"EMAIL_VENDORS" default:"iterable,sendgrid,ses"`
	SMSVendors   []string `envconfig:"SMS_VENDORS" default:"telnyx,twilio"`
	PushVendors  []string `envconfig:"PUSH_VENDORS" default:"sns"`

	// Vendor credentials (secret references resolved from env).
	IterableAPIKey  string `envconfig:"ITERABLE_API_KEY" default:""`
	SendGridAPIKey  string `envconfig:"SENDGRID_API_KEY" default:""`
	TelnyxAPIKey    string `envconfig:"TELNYX_API_KEY" default:""`
	TwilioAccount   string `envconfig:"TWILIO_ACCOUNT_SID" default:""`
	TwilioAuthToken string `envconfig:"TWILIO_AUTH_TOKEN" default:""`
	AWSRegion       string `envconfig:"AWS_REGION" default:"us-east-1"`
	SenderEmail     string `envconfig:"SENDER_EMAIL" default:"no-reply@example.com"`
	SenderNumber    string `envconfig:"SENDER_NUMBER" default:"+15550000000"`

	// Vendor call budget
	VendorTimeout       time.Duration `envconfig:"VENDOR_TIMEOUT" default:"5s"`
	VendorHealthTimeout time.Duration `envconfig:"VENDOR_HEALTH_TIMEOUT" default:"500ms"`
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s"`

	// Rate limits (fixed window)
	NotificationRateLimit  int           `envconfig:"RATE_LIMIT_NOTIFICATION" default:"1000"`
	NotificationRateWindow time.Duration `envconfig:"RATE_WINDOW_NOTIFICATION" default:"1m"`
	StatusRateLimit        int           `envconfig:"RATE_LIMIT_STATUS" default:"2000"`
	StatusRateWindow       time.Duration `envconfig:"RATE_WINDOW_STATUS" default:"1m"`
	TemplateRateLimit      int           `envconfig:"RATE_LIMIT_TEMPLATE" default:"100"`
	TemplateRateWindow     time.Duration `envconfig:"RATE_WINDOW_TEMPLATE" default:"1h"`
	BurstMultiplier        float64       `envconfig:"RATE_BURST_MULTIPLIER" default:"1.5"`

	// Circuit breaker
	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerResetTimeout     time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`
	BreakerHalfOpenTimeout  time.Duration `envconfig:"BREAKER_HALF_OPEN_TIMEOUT" default:"15s"`
	BreakerBackoffMult      int           `envconfig:"BREAKER_BACKOFF_MULTIPLIER" default:"2"`
	BreakerBackoffCap       int           `envconfig:"BREAKER_BACKOFF_CAP" default:"3"`

	// Template cache
	TemplateCacheTTL time.Duration `envconfig:"TEMPLATE_CACHE_TTL" default:"1h"`

	// Retry policy
	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay  time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5m"`
	RetryJitterPct int           `envconfig:"RETRY_JITTER_PCT" default:"10"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3"`

	// Worker pool
	WorkerSlots        int           `envconfig:"WORKER_SLOTS" default:"0"` // 0 = NumCPU*4
	QueueBatchSize     int           `envconfig:"QUEUE_BATCH_SIZE" default:"10"`
	QueueWaitTime      time.Duration `envconfig:"QUEUE_WAIT_TIME" default:"20s"`
	VisibilityTimeout  time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"30s"`
	MaxEndToEndLatency time.Duration `envconfig:"MAX_E2E_LATENCY" default:"30s"`
	SendsPerSecond     float64       `envconfig:"WORKER_SENDS_PER_SEC" default:"0"` // 0 = unpaced

	// Feature flags
	VendorFailover bool `envconfig:"FEATURE_VENDOR_FAILOVER" default:"true"`
	RateLimiting   bool `envconfig:"FEATURE_RATE_LIMITING" default:"true"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ChannelVendors returns the configured vendor order for a channel.
func (c *Config) ChannelVendors(channel string) []string {
	switch channel {
	case "email":
		return c.EmailVendors
	case "sms":
		return c.SMSVendors
	case "push":
		return c.PushVendors
	}
	return nil
}
