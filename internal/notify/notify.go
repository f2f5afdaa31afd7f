// Package notify delivers owner notifications about stage failures and job
// completion. Delivery is best-effort: the pipeline must never fail because
// a notification could not be sent.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/marketscope/enrich-cli/internal/config"
)

// Sink is the fire-and-forget notification contract.
type Sink interface {
	Notify(ctx context.Context, title, body string) error
}

// Best sends through the sink and swallows any failure, logging it so the
// original stage failure being reported is never masked by a sink error.
func Best(ctx context.Context, sink Sink, title, body string) {
	if sink == nil {
		return
	}
	if err := sink.Notify(ctx, title, body); err != nil {
		zap.L().Warn("notify: sink failed",
			zap.String("title", title),
			zap.Error(err),
		)
	}
}

// message is the webhook payload.
type message struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookSink posts notifications as JSON to a configured webhook URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook sink from config.
func NewWebhook(cfg config.NotifyConfig) *WebhookSink {
	timeout := config.Timeout(cfg.TimeoutSecs)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
	}
}

// Notify posts one notification. A missing URL is a silent no-op so local
// runs work without a webhook configured.
func (s *WebhookSink) Notify(ctx context.Context, title, body string) error {
	if s.url == "" {
		return nil
	}

	payload, err := json.Marshal(message{Title: title, Body: body, Timestamp: time.Now().UTC()})
	if err != nil {
		return eris.Wrap(err, "notify: marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Noop is a sink that discards everything; used when notifications are
// disabled and in tests.
type Noop struct{}

func (Noop) Notify(context.Context, string, string) error { return nil }
