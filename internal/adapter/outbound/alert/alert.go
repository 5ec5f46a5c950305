// Package alert delivers security alerts outside the durable event log.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
)

// LogAlerter writes alerts to a structured logger. It never fails.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert logs the alert at ERROR level.
func (a *LogAlerter) Alert(ctx context.Context, al audit.Alert) error {
	attrs := []any{"kind", al.Kind, "at", al.At}
	if al.Event != nil {
		attrs = append(attrs,
			"event_id", al.Event.ID,
			"event_type", al.Event.Type,
			"severity", al.Event.Severity,
			"user_id", al.Event.UserID,
			"session_id", al.Event.SessionID)
	}
	if al.Error != "" {
		attrs = append(attrs, "error", al.Error)
	}
	a.logger.ErrorContext(ctx, "security alert: "+al.Message, attrs...)
	return nil
}

// WebhookAlerter POSTs alerts as JSON to a URL.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates a webhook alerter with the given request timeout.
func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: timeout}}
}

// Alert posts the alert. Non-2xx responses are errors.
func (a *WebhookAlerter) Alert(ctx context.Context, al audit.Alert) error {
	body, err := json.Marshal(al)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an alert out to several alerters and joins their errors.
type Multi []audit.Alerter

// Alert delivers to every alerter, even after one fails.
func (m Multi) Alert(ctx context.Context, al audit.Alert) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, al); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttled limits how often ops alerts reach the wrapped alerter.
// Admin alerts are never throttled.
type Throttled struct {
	next       audit.Alerter
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottled allows one ops alert per interval with the given burst.
func NewThrottled(next audit.Alerter, interval time.Duration, burst int) *Throttled {
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Alert forwards admin alerts and rate-limited ops alerts.
func (t *Throttled) Alert(ctx context.Context, al audit.Alert) error {
	if al.Kind == audit.AlertOps && !t.limiter.Allow() {
		t.suppressed.Add(1)
		return nil
	}
	if n := t.suppressed.Swap(0); n > 0 {
		al.Message = fmt.Sprintf("%s (%d similar alerts suppressed)", al.Message, n)
	}
	return t.next.Alert(ctx, al)
}

// Suppressed returns the number of ops alerts dropped since the last forwarded alert.
func (t *Throttled) Suppressed() uint64 {
	return t.suppressed.Load()
}

var (
	_ audit.Alerter = (*LogAlerter)(nil)
	_ audit.Alerter = (*WebhookAlerter)(nil)
	_ audit.Alerter = Multi(nil)
	_ audit.Alerter = (*Throttled)(nil)
)
