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

const telnyxDefaultBaseURL = "https://api.telnyx.com"

// Telnyx delivers SMS through the v2 messages API with Bearer auth.
type Telnyx struct {
	apiKey     string
	baseURL    string
	fromNumber string
	client     *http.Client
}

func NewTelnyx(apiKey, fromNumber, baseURL string, timeout time.Duration) *Telnyx {
	if baseURL == "" {
		baseURL = telnyxDefaultBaseURL
	}
	return &Telnyx{
		apiKey:     apiKey,
		baseURL:    baseURL,
		fromNumber: fromNumber,
		client:     &http.Client{Timeout: timeout},
	}
}

func (v *Telnyx) Name() string                   { return "telnyx" }
func (v *Telnyx) Channel() notifications.Channel { return notifications.ChannelSMS }

type telnyxMessage struct {
	ID     string `json:"id"`
	To     []struct {
		Status string `json:"status"`
	} `json:"to"`
	SentAt string `json:"sent_at,omitempty"`
}

type telnyxEnvelope struct {
	Data telnyxMessage `json:"data"`
}

func (v *Telnyx) Send(ctx context.Context, recipient string, content *templates.Rendered) (*SendResult, error) {
	body, err := json.Marshal(map[string]string{
		"from": v.fromNumber,
		"to":   recipient,
		"text": content.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal telnyx request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v2/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create telnyx request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(v.Name(), err)
	}
	defer resp.Body.Close()

	raw := readBody(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, classifyHTTPStatus(v.Name(), resp, raw)
	}

	var envelope telnyxEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, notifications.NewError(notifications.KindVendorUnavailable, "telnyx returned malformed response", err)
	}

	return &SendResult{
		MessageID: envelope.Data.ID,
		Status:    SendStatusQueued,
		Response:  raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (v *Telnyx) Status(ctx context.Context, messageID string) (*StatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/v2/messages/"+messageID, nil)
	if err != nil {
		return nil, fmt.Errorf("create telnyx status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(v.Name(), err)
	}
	defer resp.Body.Close()

	raw := readBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(v.Name(), resp, raw)
	}

	var envelope telnyxEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, notifications.NewError(notifications.KindVendorUnavailable, "telnyx returned malformed status", err)
	}

	state := "unknown"
	if len(envelope.Data.To) > 0 {
		state = envelope.Data.To[0].Status
	}
	res := &StatusResult{State: state, Attempts: 1}
	if at, err := time.Parse(time.RFC3339, envelope.Data.SentAt); err == nil {
		res.Timestamps = map[string]time.Time{"sent": at}
	}
	return res, nil
}

func (v *Telnyx) Health(ctx context.Context) *HealthResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/v2/balance", nil)
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

var _ Adapter = (*Telnyx)(nil)
