// Package notify pushes bill lifecycle events to an external webhook (a
// home-automation host, typically). Delivery is fire-and-forget: a failed
// notification is logged and never blocks a state transition.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notification kinds.
const (
	KindPendingBill         = "pending_bill"
	KindPaymentSent         = "payment_sent"
	KindPaymentRejected     = "payment_rejected"
	KindInsufficientBalance = "insufficient_balance"
	KindTwoFARequired       = "2fa_required"
	KindAwaitingFunding     = "awaiting_funding"
	KindParseError          = "parse_error"
	KindPollComplete        = "poll_complete"
)

// Notifier defines the interface for event delivery.
type Notifier interface {
	// Notify delivers one event; implementations must not block callers
	// beyond a short network timeout
	Notify(kind string, payload map[string]any) error
}

// Webhook posts events as JSON to a single URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook notifier.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts {kind, payload} to the webhook URL.
func (w *Webhook) Notify(kind string, payload map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"kind":    kind,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Noop discards all notifications. Used when no webhook is configured.
type Noop struct{}

// Notify discards the event.
func (Noop) Notify(kind string, payload map[string]any) error { return nil }

// Send delivers an event through n and logs a failure instead of returning
// it. All call sites treat notification as best effort.
func Send(n Notifier, kind string, payload map[string]any) {
	if n == nil {
		return
	}
	if err := n.Notify(kind, payload); err != nil {
		slog.Warn("Notification failed", "kind", kind, "error", err)
	}
}
