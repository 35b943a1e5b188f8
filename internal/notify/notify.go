package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Message kinds sent by the scheduler
const (
	KindDigest         = "digest"
	KindReviewReminder = "review_reminder"
	KindOfferEnding    = "offer_ending"
)

// Message is a notification for one user
type Message struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
	Data any    `json:"data,omitempty"`
}

// Notifier delivers messages to users through the chat transport
type Notifier interface {
	Notify(ctx context.Context, userID string, msg Message) error
}

// Webhook posts messages as JSON to a chat gateway
type Webhook struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

// NewWebhook creates a new Webhook notifier. token is sent as a bearer token when set.
func NewWebhook(url, token string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

type webhookPayload struct {
	UserID string    `json:"user_id"`
	SentAt time.Time `json:"sent_at"`
	Message
}

// Notify posts the message and fails on any non-2xx response
func (w *Webhook) Notify(ctx context.Context, userID string, msg Message) error {
	body, err := json.Marshal(webhookPayload{UserID: userID, SentAt: w.now().UTC(), Message: msg})
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification gateway error (status %d): %s", resp.StatusCode, string(b))
	}
	return nil
}

// Log writes messages to the structured log instead of delivering them
type Log struct{}

// Notify logs the message
func (Log) Notify(ctx context.Context, userID string, msg Message) error {
	slog.InfoContext(ctx, "Notification", "user_id", userID, "kind", msg.Kind, "text", msg.Text)
	return nil
}
