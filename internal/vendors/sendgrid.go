package vendors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"notification-gateway/internal/notifications"
	"notification-gateway/internal/templates"
)

const sendgridDefaultBaseURL = "https://api.sendgrid.com"

// SendGrid delivers email through the v3 mail send API. Auth is a Bearer
// API key; the message id comes back in the X-Message-Id header on 202.
type SendGrid struct {
	apiKey    string
	baseURL   string
	fromEmail string
	client    *http.Client
}

func NewSendGrid(apiKey, fromEmail, baseURL string, timeout time.Duration) *SendGrid {
	if baseURL == "" {
		baseURL = sendgridDefaultBaseURL
	}
	return &SendGrid{
		apiKey:    apiKey,
		baseURL:   baseURL,
		fromEmail: fromEmail,
		client:    &http.Client{Timeout: timeout},
	}
}

func (v *SendGrid) Name() string                   { return "sendgrid" }
func (v *SendGrid) Channel() notifications.Channel { return notifications.ChannelEmail }

type sendgridAddress struct {
	Email string `json:"email"`
}

type sendgridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendgridSendRequest struct {
	Personalizations []struct {
		To []sendgridAddress `json:"to"`
	} `json:"personalizations"`
	From    sendgridAddress   `json:"from"`
	Subject string            `json:"subject"`
	Content []sendgridContent `json:"content"`
}

func (v *SendGrid) Send(ctx context.Context, recipient string, content *templates.Rendered) (*SendResult, error) {
	payload := sendgridSendRequest{
		From:    sendgridAddress{Email: v.fromEmail},
		Subject: content.Subject,
	}
	payload.Personalizations = append(payload.Personalizations, struct {
		To []sendgridAddress `json:"to"`
	}{To: []sendgridAddress{{Email: recipient}}})
	if content.Text != "" {
		payload.Content = append(payload.Content, sendgridContent{Type: "text/plain", Value: content.Text})
	}
	if content.HTML != "" {
		payload.Content = append(payload.Content, sendgridContent{Type: "text/html", Value: content.HTML})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal sendgrid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create sendgrid request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(v.Name(), err)
	}
	defer resp.Body.Close()

	raw := readBody(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return nil, classifyHTTPStatus(v.Name(), resp, raw)
	}

	return &SendResult{
		MessageID: resp.Header.Get("X-Message-Id"),
		Status:    SendStatusQueued,
		Response:  raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Status is not exposed synchronously by the mail send API; delivery
// detail arrives via event webhooks (the receipts endpoint).
func (v *SendGrid) Status(ctx context.Context, messageID string) (*StatusResult, error) {
	return &StatusResult{State: "accepted", Attempts: 1}, nil
}

func (v *SendGrid) Health(ctx context.Context) *HealthResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/v3/scopes", nil)
	if err != nil {
		return &HealthResult{Healthy: false, LastError: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &HealthResult{Healthy: false, LatencyMs: latency, LastError: err.Error()}
	}
	defer resp.Body.Close()

	return &HealthResult{
		Healthy:     resp.StatusCode < 500,
		LatencyMs:   latency,
		Diagnostics: fmt.Sprintf("status=%d", resp.StatusCode),
	}
}

var _ Adapter = (*SendGrid)(nil)
