package templates

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"notification-gateway/internal/notifications"
)

// MaxSerializedSize caps a template's serialized content at 1 MiB.
const MaxSerializedSize = 1 << 20

// MaxSMSBodyLength is the hard cap on rendered and stored SMS bodies.
const MaxSMSBodyLength = 1600

// Content is the channel-shaped template body. Email uses Subject/HTML/Text,
// SMS uses Body, push uses Title/Body/Data.
type Content struct {
	Subject string            `json:"subject,omitempty"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	Body    string            `json:"body,omitempty"`
	Title   string            `json:"title,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// Template is a versioned, per-tenant message template. Updates bump
// version in place under compare-and-set.
type Template struct {
	ID             uuid.UUID                  `json:"id" db:"id"`
	TenantID       uuid.UUID                  `json:"tenant_id" db:"tenant_id"`
	Name           string                     `json:"name" db:"name"`
	Channel        notifications.Channel      `json:"channel" db:"channel"`
	Version        int                        `json:"version" db:"version"`
	Active         bool                       `json:"active" db:"active"`
	Content        Content                    `json:"content" db:"content"`
	VendorMetadata map[string]json.RawMessage `json:"vendor_metadata,omitempty" db:"vendor_metadata"`
	CreatedAt      time.Time                  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at" db:"updated_at"`
}

// Validate enforces the channel-specific content shape.
func (t *Template) Validate() error {
	if !t.Channel.IsValid() {
		return notifications.NewError(notifications.KindTemplateInvalid, "unknown channel", nil)
	}

	switch t.Channel {
	case notifications.ChannelEmail:
		if t.Content.Subject == "" {
			return notifications.NewError(notifications.KindTemplateInvalid, "email template needs a subject", nil)
		}
		if t.Content.HTML == "" && t.Content.Text == "" {
			return notifications.NewError(notifications.KindTemplateInvalid, "email template needs a body", nil)
		}
	case notifications.ChannelSMS:
		if t.Content.Body == "" {
			return notifications.NewError(notifications.KindTemplateInvalid, "sms template needs a body", nil)
		}
		if len(t.Content.Body) > MaxSMSBodyLength {
			return notifications.NewError(notifications.KindTemplateInvalid,
				fmt.Sprintf("sms body exceeds %d characters", MaxSMSBodyLength), nil)
		}
	case notifications.ChannelPush:
		if t.Content.Title == "" || t.Content.Body == "" {
			return notifications.NewError(notifications.KindTemplateInvalid, "push template needs title and body", nil)
		}
	}

	raw, err := json.Marshal(t.Content)
	if err != nil {
		return notifications.NewError(notifications.KindTemplateInvalid, "content is not serializable", err)
	}
	if len(raw) > MaxSerializedSize {
		return notifications.NewError(notifications.KindTemplateInvalid, "content exceeds 1 MiB", nil)
	}
	return nil
}

// Rendered is the channel-shaped payload produced by substituting a
// notification's context into a template. Rendering is a pure function of
// (template version, context).
type Rendered struct {
	TemplateID      uuid.UUID
	TemplateVersion int
	Channel         notifications.Channel
	Subject         string
	HTML            string
	Text            string
	Body            string
	Title           string
	Data            map[string]string
	VendorMetadata  map[string]json.RawMessage
}
