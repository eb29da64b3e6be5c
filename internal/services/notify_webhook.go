package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookNotifier 把通知以 JSON POST 到外部地址（如 IM 机器人）
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type webhookPayload struct {
	Event     string    `json:"event"`
	AgentID   string    `json:"agent_id,omitempty"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}

func (w *WebhookNotifier) NotifyAgentAssigned(ctx context.Context, agentID, sessionID string) error {
	return w.post(ctx, webhookPayload{Event: "chat_assigned", AgentID: agentID, SessionID: sessionID, At: time.Now()})
}

func (w *WebhookNotifier) NotifyAdminFailure(ctx context.Context, sessionID string) error {
	return w.post(ctx, webhookPayload{Event: "assignment_failed", SessionID: sessionID, At: time.Now()})
}

func (w *WebhookNotifier) post(ctx context.Context, p webhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", p.Event, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", p.Event, resp.StatusCode)
	}
	return nil
}
