// Package notify delivers pipeline events to users. Delivery is
// fire-and-forget from the pipeline's point of view.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/json"
)

// Event types.
const (
	EventExpertAssigned  = "expert_assigned"
	EventAnswerDelivered = "answer_delivered"
	EventAnswerRejected  = "answer_rejected"
	EventQuestionStuck   = "question_stuck"
)

// Event is one notification.
type Event struct {
	Type       string                 `json:"type"`
	QuestionID string                 `json:"question_id"`
	Data       map[string]interface{} `json:"data,omitempty"`
	At         time.Time              `json:"at"`
}

// Notifier sends an event to a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, event Event) error
}

// LogNotifier only logs. It is the default when no webhook is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, userID string, event Event) error {
	n.Log.Info("Notification",
		zap.String("user_id", userID),
		zap.String("event", event.Type),
		zap.String("question_id", event.QuestionID),
	)
	return nil
}

// WebhookNotifier posts events as JSON to a webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhook returns a webhook notifier. A nil client gets a 5s timeout.
func NewWebhook(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

func (w *WebhookNotifier) Notify(ctx context.Context, userID string, event Event) error {
	b, err := json.Marshal(map[string]interface{}{"user_id": userID, "event": event})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errs.Transient("webhook", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return errs.Transient("webhook", err)
		}
		return err
	}
	return nil
}
