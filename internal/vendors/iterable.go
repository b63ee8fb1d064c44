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

const iterableDefaultBaseURL = "https://api.iterable.com"

// Iterable delivers email through the Iterable transactional API.
// Auth is the Api-Key header.
type Iterable struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewIterable(apiKey, baseURL string, timeout time.Duration) *Iterable {
	if baseURL == "" {
		baseURL = iterableDefaultBaseURL
	}
	return &Iterable{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (v *Iterable) Name() string                   { return "iterable" }
func (v *Iterable) Channel() notifications.Channel { return notifications.ChannelEmail }

type iterableSendRequest struct {
	RecipientEmail string         `json:"recipientEmail"`
	Subject        string         `json:"subject"`
	HTML           string         `json:"html,omitempty"`
	Text           string         `json:"text,omitempty"`
	DataFields     map[string]any `json:"dataFields,omitempty"`
}

type iterableSendResponse struct {
	MessageID string `json:"messageId"`
	Code      string `json:"code"`
	Msg       string `json:"msg"`
}

func (v *Iterable) Send(ctx context.Context, recipient string, content *templates.Rendered) (*SendResult, error) {
	body, err := json.Marshal(iterableSendRequest{
		RecipientEmail: recipient,
		Subject:        content.Subject,
		HTML:           content.HTML,
		Text:           content.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal iterable request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/email/target", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create iterable request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(v.Name(), err)
	}
	defer resp.Body.Close()

	raw := readBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(v.Name(), resp, raw)
	}

	var sendResp iterableSendResponse
	if err := json.Unmarshal(raw, &sendResp); err != nil {
		return nil, notifications.NewError(notifications.KindVendorUnavailable, "iterable returned malformed response", err)
	}

	return &SendResult{
		MessageID: sendResp.MessageID,
		Status:    SendStatusSent,
		Response:  raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (v *Iterable) Status(ctx context.Context, messageID string) (*StatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/api/email/status/"+messageID, nil)
	if err != nil {
		return nil, fmt.Errorf("create iterable status request: %w", err)
	}
	req.Header.Set("Api-Key", v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(v.Name(), err)
	}
	defer resp.Body.Close()

	raw := readBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(v.Name(), resp, raw)
	}

	var payload struct {
		State     string `json:"state"`
		UpdatedAt string `json:"updatedAt"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, notifications.NewError(notifications.KindVendorUnavailable, "iterable returned malformed status", err)
	}

	res := &StatusResult{State: payload.State, Attempts: 1}
	if at, err := time.Parse(time.RFC3339, payload.UpdatedAt); err == nil {
		res.Timestamps = map[string]time.Time{"updated": at}
	}
	return res, nil
}

func (v *Iterable) Health(ctx context.Context) *HealthResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/api/lists", nil)
	if err != nil {
		return &HealthResult{Healthy: false, LastError: err.Error()}
	}
	req.Header.Set("Api-Key", v.apiKey)

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

var _ Adapter = (*Iterable)(nil)
