package vendors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"notification-gateway/internal/notifications"
	"notification-gateway/internal/templates"
)

// snsAPI is the slice of the SNS client the adapter uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	ListPlatformApplications(ctx context.Context, params *sns.ListPlatformApplicationsInput, optFns ...func(*sns.Options)) (*sns.ListPlatformApplicationsOutput, error)
}

// SNS delivers push notifications by publishing to a platform endpoint.
// The notification recipient is the device's platform endpoint ARN.
type SNS struct {
	client snsAPI
}

func NewSNS(client snsAPI) *SNS {
	return &SNS{client: client}
}

func (v *SNS) Name() string                   { return "sns" }
func (v *SNS) Channel() notifications.Channel { return notifications.ChannelPush }

func (v *SNS) Send(ctx context.Context, recipient string, content *templates.Rendered) (*SendResult, error) {
	message, err := json.Marshal(map[string]any{
		"title": content.Title,
		"body":  content.Body,
		"data":  content.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sns message: %w", err)
	}

	out, err := v.client.Publish(ctx, &sns.PublishInput{
		TargetArn: aws.String(recipient),
		Message:   aws.String(string(message)),
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

// Status: SNS publish is fire-and-forget; per-message delivery status
// requires delivery status logging, which lands via the receipts
// endpoint.
func (v *SNS) Status(ctx context.Context, messageID string) (*StatusResult, error) {
	return &StatusResult{State: "accepted", Attempts: 1}, nil
}

func (v *SNS) Health(ctx context.Context) *HealthResult {
	start := time.Now()
	_, err := v.client.ListPlatformApplications(ctx, &sns.ListPlatformApplicationsInput{})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &HealthResult{Healthy: false, LatencyMs: latency, LastError: err.Error()}
	}
	return &HealthResult{Healthy: true, LatencyMs: latency}
}

var _ Adapter = (*SNS)(nil)
