package vendors

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"notification-gateway/internal/config"
	"notification-gateway/internal/notifications"
)

// FromConfig builds the registry from the configured vendor order.
// Only vendors named in a channel's order are constructed; "mock" is
// available on every channel for local runs.
func FromConfig(ctx context.Context, cfg *config.Config) (*Registry, error) {
	registry := NewRegistry()

	var awsLoaded bool
	var sesClient *sesv2.Client
	var snsClient *sns.Client
	loadAWS := func() error {
		if awsLoaded {
			return nil
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		sesClient = sesv2.NewFromConfig(awsCfg)
		snsClient = sns.NewFromConfig(awsCfg)
		awsLoaded = true
		return nil
	}

	for _, channel := range []notifications.Channel{
		notifications.ChannelEmail, notifications.ChannelSMS, notifications.ChannelPush,
	} {
		order := cfg.ChannelVendors(string(channel))
		resolved := make([]string, 0, len(order))
		for _, name := range order {
			var adapter Adapter
			switch name {
			case "iterable":
				adapter = NewIterable(cfg.IterableAPIKey, "", cfg.VendorTimeout)
			case "sendgrid":
				adapter = NewSendGrid(cfg.SendGridAPIKey, cfg.SenderEmail, "", cfg.VendorTimeout)
			case "ses":
				if err := loadAWS(); err != nil {
					return nil, err
				}
				adapter = NewSES(sesClient, cfg.SenderEmail)
			case "telnyx":
				adapter = NewTelnyx(cfg.TelnyxAPIKey, cfg.SenderNumber, "", cfg.VendorTimeout)
			case "twilio":
				adapter = NewTwilio(cfg.TwilioAccount, cfg.TwilioAuthToken, cfg.SenderNumber, "", cfg.VendorTimeout)
			case "sns":
				if err := loadAWS(); err != nil {
					return nil, err
				}
				adapter = NewSNS(snsClient)
			case "mock":
				// One mock per channel: the registry is keyed by name, so a
				// shared "mock" id would collide across channels.
				adapter = NewMock("mock-"+string(channel), channel, 1.0, 0)
			default:
				return nil, fmt.Errorf("unknown vendor %q for channel %s", name, channel)
			}
			if adapter.Channel() != channel {
				return nil, fmt.Errorf("vendor %q does not serve channel %s", name, channel)
			}
			registry.Register(adapter)
			resolved = append(resolved, adapter.Name())
		}
		registry.SetChannelOrder(channel, resolved)
	}
	return registry, nil
}
