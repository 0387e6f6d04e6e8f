package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"aegis/internal/async"
	"aegis/internal/logging"
)

// Notification event kinds.
const (
	NotifyMediumExecuted = "medium-executed"
	NotifyHighDeferred   = "high-deferred"
)

// Notification is the side-channel event emitted when a medium-risk action
// auto-executes or a high-risk action is deferred for approval.
type Notification struct {
	Kind      string    `json:"kind"`
	RecordID  string    `json:"record_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Target    string    `json:"target"`
	Risk      string    `json:"risk"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier routes side-channel notifications to downstream alerting. Delivery
// is fire-and-forget: a notification failure never affects the execution it
// describes.
type Notifier interface {
	Notify(ctx context.Context, event Notification)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

// Notify is a no-op.
func (NopNotifier) Notify(context.Context, Notification) {}

// LogNotifier writes notifications to the component log.
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger)}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, event Notification) {
	n.logger.Info("notify [%s] record=%s target=%q risk=%s reason=%q",
		event.Kind, event.RecordID, event.Target, event.Risk, event.Reason)
}

// WebhookNotifier POSTs notifications to a configured URL with a short
// timeout, in the background.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger logging.Logger
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, logger logging.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logging.OrNop(logger),
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(_ context.Context, event Notification) {
	async.Go(n.logger, "webhook-notify", func() {
		payload, err := json.Marshal(event)
		if err != nil {
			n.logger.Warn("webhook notify: marshal: %v", err)
			return
		}
		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(payload))
		if err != nil {
			n.logger.Warn("webhook notify: %v", err)
			return
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			n.logger.Warn("webhook notify: status %d from %s", resp.StatusCode, n.url)
		}
	})
}

// MultiNotifier fans an event out to several notifiers.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, event Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(ctx, event)
		}
	}
}
