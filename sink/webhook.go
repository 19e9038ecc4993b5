package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hazyhaar/harvest/writable"
)

// Webhook POSTs every record as JSON to a URL, retrying on transport errors,
// 429 and 5xx responses.
type Webhook struct {
	url    string
	client *resty.Client
	logger *slog.Logger
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookHeaders adds headers to every request.
func WithWebhookHeaders(h map[string]string) WebhookOption {
	return func(w *Webhook) { w.client.SetHeaders(h) }
}

// WithWebhookRetry sets the retry count and initial wait.
func WithWebhookRetry(n int, wait time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.client.SetRetryCount(n).SetRetryWaitTime(wait).SetRetryMaxWaitTime(8 * wait)
	}
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption { return func(w *Webhook) { w.logger = l } }

// NewWebhook creates a webhook sink posting to url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	c := resty.New().
		SetTimeout(15*time.Second).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		})
	w := &Webhook{url: url, client: c, logger: slog.Default()}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) Write(ctx context.Context, rec *writable.Writable) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sink: webhook: %w", err)
	}
	resp, err := w.client.R().SetContext(ctx).SetBody(body).Post(w.url)
	if err != nil {
		return fmt.Errorf("sink: webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sink: webhook post: status %d", resp.StatusCode())
	}
	w.logger.Debug("sink: webhook delivered", "id", rec.ID(), "status", resp.StatusCode(), "attempts", resp.Request.Attempt)
	return nil
}

func (w *Webhook) Close() error { return nil }
