package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook posts rendered messages as JSON to a platform gateway. Messenger,
// Instagram, WhatsApp and SMS all speak this shape; each channel gets its own
// instance with its own endpoint and credentials.
type Webhook struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewWebhook(endpoint, token string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

type webhookRequest struct {
	Channel     string          `json:"channel"`
	To          string          `json:"to"`
	BroadcastID string          `json:"broadcast_id"`
	ContactID   string          `json:"contact_id"`
	Payload     json.RawMessage `json:"payload"`
}

// Send posts the message and classifies the response. Timeouts, connection
// failures, 408, 429 and 5xx are temporary; any other 4xx is permanent.
func (w *Webhook) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return &DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("failed to marshal payload: %v", err),
		}
	}

	body, err := json.Marshal(webhookRequest{
		Channel:     string(msg.Channel),
		To:          msg.To,
		BroadcastID: msg.BroadcastID,
		ContactID:   msg.ContactID,
		Payload:     payload,
	})
	if err != nil {
		return &DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("failed to build request: %v", err),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg2 := fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &DeliveryError{Temporary: true, Message: msg2}
	default:
		return &DeliveryError{Temporary: false, Message: msg2}
	}
}
