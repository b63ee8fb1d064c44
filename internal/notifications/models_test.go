package notifications

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidRecipient(t *testing.T) {
	tests := []struct {
		channel   Channel
		recipient string
		want      bool
	}{
		{ChannelEmail, "ada@example.com", true},
		{ChannelEmail, "ada.lovelace+test@sub.example.co", true},
		{ChannelEmail, "not-an-email", false},
		{ChannelEmail, "@example.com", false},
		{ChannelEmail, "ada@localhost", false},
		{ChannelSMS, "+15551234567", true},
		{ChannelSMS, "+4791234567", true},
		{ChannelSMS, "15551234567", false},
		{ChannelSMS, "+0123456789", false},
		{ChannelSMS, "+1555123456789012345", false},
		{ChannelPush, "dev-token_ABC123", true},
		{ChannelPush, "", false},
		{ChannelPush, "token with spaces", false},
		{Channel("fax"), "+15551234567", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.channel, tt.recipient), func(t *testing.T) {
			assert.Equal(t, tt.want, ValidRecipient(tt.channel, tt.recipient))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusRetrying.Terminal())
}

func TestNotificationProcessable(t *testing.T) {
	n := &Notification{Status: StatusQueued, AttemptCount: 0}
	assert.True(t, n.Processable(3))

	n.AttemptCount = 3
	assert.False(t, n.Processable(3))

	n = &Notification{Status: StatusDelivered, AttemptCount: 1}
	assert.False(t, n.Processable(3))

	n = &Notification{Status: StatusRetrying, AttemptCount: 2}
	assert.True(t, n.Processable(3))
}

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{
		KindRateLimited, KindVendorCircuitOpen, KindVendorUnavailable,
		KindRateLimitedByVendor, KindNoVendorAvailable, KindTimeout, KindInternal,
	}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), string(k))
	}

	terminal := []Kind{KindInvalidPayload, KindTemplateNotFound, KindTemplateInvalid}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), string(k))
	}
}

func TestKindRotatesVendor(t *testing.T) {
	assert.True(t, KindVendorUnavailable.RotatesVendor())
	assert.True(t, KindVendorCircuitOpen.RotatesVendor())

	// Vendor throttling retries the same vendor after its hint.
	assert.False(t, KindRateLimitedByVendor.RotatesVendor())
	assert.False(t, KindTimeout.RotatesVendor())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(NewError(KindTimeout, "slow", nil)))

	wrapped := fmt.Errorf("dispatch: %w", NewError(KindInvalidPayload, "bad", nil))
	assert.Equal(t, KindInvalidPayload, KindOf(wrapped))

	assert.Equal(t, KindRateLimited, KindOf(fmt.Errorf("gate: %w", ErrRateLimited)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestDispatchErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(KindVendorUnavailable, "telnyx unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "vendor_unavailable")
	assert.Contains(t, err.Error(), "connection refused")
}
