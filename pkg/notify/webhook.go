package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/supportly/authz/pkg/observability"
)

const (
	// SignatureHeader carries "sha256=<hex hmac>" of the request body
	SignatureHeader = "X-Authz-Signature"
	// KindHeader carries the notification kind
	KindHeader = "X-Authz-Event"
	// DeliveryHeader carries the notification id, stable across retries
	DeliveryHeader = "X-Authz-Delivery"

	maxBackoff = 30 * time.Second
)

// WebhookConfig configures a WebhookNotifier
type WebhookConfig struct {
	URL            string
	Secret         string
	MaxAttempts    int
	InitialBackoff time.Duration
}

// WebhookNotifier POSTs notifications as JSON to a single endpoint, which
// is expected to hand them to the mail or in-app channel.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	logger *observability.Logger
}

// WebhookOption customizes a WebhookNotifier
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) {
		w.client = c
	}
}

// NewWebhookNotifier creates a WebhookNotifier
func NewWebhookNotifier(cfg WebhookConfig, logger *observability.Logger, opts ...WebhookOption) *WebhookNotifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	w := &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: observability.OrDefault(logger).WithField("component", "notify-webhook"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify delivers n, retrying transport errors and 5xx/429 responses with
// exponential backoff until MaxAttempts or ctx is done.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		retry, err := w.send(ctx, n, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == w.cfg.MaxAttempts {
			break
		}

		delay := backoff(w.cfg.InitialBackoff, attempt)
		w.logger.WithFields(map[string]interface{}{
			"notification_id": n.ID,
			"attempt":         attempt,
			"retry_in":        delay.String(),
		}).WithError(err).Warn("Webhook delivery failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("webhook delivery abandoned: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("webhook delivery failed: %w", lastErr)
}

// send makes one attempt and reports whether a failure is worth retrying
func (w *WebhookNotifier) send(ctx context.Context, n Notification, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(KindHeader, string(n.Kind))
	req.Header.Set(DeliveryHeader, n.ID)
	if w.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, w.cfg.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return retry, fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

func backoff(initial time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Sign returns the signature header value for payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header produced by Sign
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
