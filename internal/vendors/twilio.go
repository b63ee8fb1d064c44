package vendors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notification-gateway/internal/notifications"
	"notification-gateway/internal/templates"
)

const twilioDefaultBaseURL = "https://api.twilio.com"

// Twilio delivers SMS through the 2010-04-01 Messages API. Requests are
// form-encoded with basic auth (account SID / auth token).
type Twilio struct {
	accountSID string
	authToken  string
	baseURL    string
	fromNumber string
	client     *http.Client
}

func NewTwilio(accountSID, authToken, fromNumber, baseURL string, timeout time.Duration) *Twilio {
	if baseURL == "" {
		baseURL = twilioDefaultBaseURL
	}
	return &Twilio{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    baseURL,
		fromNumber: fromNumber,
		client:     &http.Client{Timeout: timeout},
	}
}

func (v *Twilio) Name() string                   { return "twilio" }
func (v *Twilio) Channel() notifications.Channel { return notifications.ChannelSMS }

type twilioMessage struct {
	SID         string `json:"sid"`
	Status      string `json:"status"`
	DateCreated string `json:"date_created"`
	DateSent    string `json:"date_sent"`
}

func (v *Twilio) messagesURL() string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", v.baseURL, v.accountSID)
}

func (v *Twilio) Send(ctx context.Context, recipient string, content *templates.Rendered) (*SendResult, error) {
	form := url.Values{}
	form.Set("To", recipient)
	form.Set("From", v.fromNumber)
	form.Set("Body", content.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.messagesURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create twilio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(v.accountSID, v.authToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(v.Name(), err)
	}
	defer resp.Body.Close()

	raw := readBody(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(v.Name(), resp, raw)
	}

	var msg twilioMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, notifications.NewError(notifications.KindVendorUnavailable, "twilio returned malformed response", err)
	}

	status := SendStatusQueued
	if msg.Status == "sent" {
		status = SendStatusSent
	}
	return &SendResult{
		MessageID: msg.SID,
		Status:    status,
		Response:  raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (v *Twilio) Status(ctx context.Context, messageID string) (*StatusResult, error) {
	statusURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages/%s.json", v.baseURL, v.accountSID, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create twilio status request: %w", err)
	}
	req.SetBasicAuth(v.accountSID, v.authToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(v.Name(), err)
	}
	defer resp.Body.Close()

	raw := readBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(v.Name(), resp, raw)
	}

	var msg twilioMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, notifications.NewError(notifications.KindVendorUnavailable, "twilio returned malformed status", err)
	}

	res := &StatusResult{State: msg.Status, Attempts: 1}
	res.Timestamps = map[string]time.Time{}
	if at, err := time.Parse(time.RFC1123Z, msg.DateCreated); err == nil {
		res.Timestamps["created"] = at
	}
	if at, err := time.Parse(time.RFC1123Z, msg.DateSent); err == nil {
		res.Timestamps["sent"] = at
	}
	return res, nil
}

func (v *Twilio) Health(ctx context.Context) *HealthResult {
	start := time.Now()
	accountURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", v.baseURL, v.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, accountURL, nil)
	if err != nil {
		return &HealthResult{Healthy: false, LastError: err.Error()}
	}
	req.SetBasicAuth(v.accountSID, v.authToken)

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

var _ Adapter = (*Twilio)(nil)
