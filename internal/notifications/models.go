package notifications

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Channel is the delivery medium for a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Channels lists every supported channel in a stable order.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelPush}
}

// Priority controls queue ordering. High is dispatched first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Status tracks the notification lifecycle. Terminal states are
// StatusDelivered and StatusFailed once retries are exhausted.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Terminal reports whether no further delivery work will happen.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Recipient validation per channel. Email is deliberately RFC-lite.
var (
	emailRecipientRe = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	smsRecipientRe   = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	pushRecipientRe  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)
)

// ValidRecipient reports whether recipient matches the channel's format.
func ValidRecipient(c Channel, recipient string) bool {
	switch c {
	case ChannelEmail:
		return emailRecipientRe.MatchString(recipient)
	case ChannelSMS:
		return smsRecipientRe.MatchString(recipient)
	case ChannelPush:
		return pushRecipientRe.MatchString(recipient)
	}
	return false
}

// Notification is the core domain entity.
type Notification struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	TenantID          uuid.UUID         `json:"tenant_id" db:"tenant_id"`
	Channel           Channel           `json:"channel" db:"channel"`
	Status            Status            `json:"status" db:"status"`
	Priority          Priority          `json:"priority" db:"priority"`
	Recipient         string            `json:"recipient" db:"recipient"`
	TemplateID        uuid.UUID         `json:"template_id" db:"template_id"`
	Context           map[string]any    `json:"context" db:"context"`
	AttemptCount      int               `json:"attempt_count" db:"attempt_count"`
	VendorPreference  *string           `json:"vendor_preference,omitempty" db:"vendor_preference"`
	BatchID           *string           `json:"batch_id,omitempty" db:"batch_id"`
	Metadata          map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	QueuedAt          *time.Time        `json:"queued_at,omitempty" db:"queued_at"`
	ProcessingStarted *time.Time        `json:"processing_started,omitempty" db:"processing_started"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// Processable reports whether a worker may drive this notification through
// a delivery attempt. Delivered and exhausted-failed notifications are
// acked and dropped.
func (n *Notification) Processable(maxRetries int) bool {
	if n.Status.Terminal() {
		return false
	}
	return n.AttemptCount < maxRetries
}

// AttemptStatus is the outcome of a single vendor invocation.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptSuccessful AttemptStatus = "successful"
	AttemptFailed     AttemptStatus = "failed"
)

// VendorTemplate is the pseudo-vendor recorded on attempts that fail
// before any vendor is invoked (render errors).
const VendorTemplate = "template"

// DeliveryAttempt is one durable record of a single vendor invocation.
// Attempts are append-only and ordered by AttemptedAt per notification.
type DeliveryAttempt struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	NotificationID uuid.UUID     `json:"notification_id" db:"notification_id"`
	Vendor         string        `json:"vendor" db:"vendor"`
	Status         AttemptStatus `json:"status" db:"status"`
	Response       []byte        `json:"response,omitempty" db:"response"`
	Error          *string       `json:"error,omitempty" db:"error"`
	ErrorKind      *string       `json:"error_kind,omitempty" db:"error_kind"`
	AttemptedAt    time.Time     `json:"attempted_at" db:"attempted_at"`
	DurationMs     int64         `json:"duration_ms" db:"duration_ms"`
}

// SubmitRequest is the inbound payload for a single notification.
type SubmitRequest struct {
	Channel          Channel           `json:"channel" validate:"required"`
	Recipient        string            `json:"recipient" validate:"required"`
	TemplateID       uuid.UUID         `json:"template_id" validate:"required"`
	Context          map[string]any    `json:"context,omitempty"`
	Priority         Priority          `json:"priority,omitempty"`
	VendorPreference *string           `json:"vendor_preference,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32"`
}

// SubmitBatchRequest wraps up to 1000 notification requests that share a
// generated batch id. The batch id is an opaque tag; there is no
// batch-level status aggregation.
type SubmitBatchRequest struct {
	Notifications []SubmitRequest `json:"notifications" validate:"required,min=1,max=1000,dive"`
}

// StatusAggregate is the cached read model served by the status endpoint.
type StatusAggregate struct {
	ID                uuid.UUID  `json:"id"`
	Status            Status     `json:"status"`
	Channel           Channel    `json:"channel"`
	AttemptCount      int        `json:"attempt_count"`
	LatestVendor      *string    `json:"latest_vendor,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	LastErrorCode     *string    `json:"last_error_code,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	QueuedAt          *time.Time `json:"queued_at,omitempty"`
	ProcessingStarted *time.Time `json:"processing_started,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}
