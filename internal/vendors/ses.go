package vendors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"notification-gateway/internal/notifications"
	"notification-gateway/internal/templates"
)

// sesAPI is the slice of the SES v2 client the adapter uses; tests swap
// in a fake.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SES delivers email through Amazon SES v2 (SigV4 auth via the SDK's
// credential chain).
type SES struct {
	client    sesAPI
	fromEmail string
}

func NewSES(client sesAPI, fromEmail string) *SES {
	return &SES{client: client, fromEmail: fromEmail}
}

func (v *SES) Name() string                   { return "ses" }
func (v *SES) Channel() notifications.Channel { return notifications.ChannelEmail }

func (v *SES) Send(ctx context.Context, recipient string, content *templates.Rendered) (*SendResult, error) {
	body := &types.Body{}
	if content.HTML != "" {
		body.Html = &types.Content{Data: aws.String(content.HTML)}
	}
	if content.Text != "" {
		body.Text = &types.Content{Data: aws.String(content.Text)}
	}

	out, err := v.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(v.fromEmail),
		Destination:      &types.Destination{ToAddresses: []string{recipient}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(content.Subject)},
				Body:    body,
			},
		},
	})
	if err != nil {
		return nil, classifyAWSError(v.Name(), err)
	}

	raw, _ := json.Marshal(map[string]string{"message_id": aws.ToString(out.MessageId)})
	return &SendResult{
		MessageID: aws.ToString(out.MessageId),
		Status:    SendStatusSent,
		Response:  raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Status: SES exposes per-message outcomes through SNS event
// destinations, not a synchronous API; delivery detail arrives via the
// receipts endpoint.
func (v *SES) Status(ctx context.Context, messageID string) (*StatusResult, error) {
	return &StatusResult{State: "accepted", Attempts: 1}, nil
}

func (v *SES) Health(ctx context.Context) *HealthResult {
	start := time.Now()
	out, err := v.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &HealthResult{Healthy: false, LatencyMs: latency, LastError: err.Error()}
	}
	return &HealthResult{
		Healthy:     out.SendingEnabled,
		LatencyMs:   latency,
		Diagnostics: fmt.Sprintf("sending_enabled=%t", out.SendingEnabled),
	}
}

// classifyAWSError maps SDK errors to dispatch error kinds using the
// smithy error code.
func classifyAWSError(vendor string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return notifications.NewError(notifications.KindTimeout,
			fmt.Sprintf("%s call exceeded deadline", vendor), err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException", "Throttling":
			return &notifications.DispatchError{
				Kind:    notifications.KindRateLimitedByVendor,
				Message: fmt.Sprintf("%s throttled the request", vendor),
				Err:     err,
			}
		case "MessageRejected", "BadRequestException", "ValidationError", "InvalidParameterValue", "InvalidParameter":
			return notifications.NewError(notifications.KindInvalidPayload,
				fmt.Sprintf("%s rejected payload: %s", vendor, apiErr.ErrorMessage()), err)
		}
	}
	return notifications.NewError(notifications.KindVendorUnavailable,
		fmt.Sprintf("%s call failed", vendor), err)
}

var _ Adapter = (*SES)(nil)
