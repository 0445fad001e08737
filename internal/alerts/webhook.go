// Package alerts delivers operational alerts to an external webhook.
// The watchdog and sentinel run tight loops, so the alerter dedupes
// repeated events inside a cooldown window instead of flooding the
// channel every cycle.
package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Severity tags an alert for downstream routing.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operational event.
type Alert struct {
	Severity  Severity  `json:"severity"`
	Source    string    `json:"source"` // engine | watchdog | sentinel
	Kind      string    `json:"kind"`   // stable event name, dedupe key
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is the alert surface components depend on.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Webhook posts alerts as JSON with per-kind cooldown dedupe.
type Webhook struct {
	url      string
	cooldown time.Duration
	client   *http.Client
	logger   *log.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

var _ Notifier = (*Webhook)(nil)

func NewWebhook(url string, cooldown time.Duration, logger *log.Logger) *Webhook {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ALERTS] ", log.LstdFlags)
	}
	return &Webhook{
		url:      url,
		cooldown: cooldown,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Notify posts the alert unless the same (source, kind) fired within the
// cooldown window. CRITICAL alerts bypass the cooldown; a silent critical
// is worse than a noisy one. Delivery failure is returned but the alert
// is still recorded as attempted so retries do not multiply.
func (w *Webhook) Notify(ctx context.Context, a Alert) error {
	if w.url == "" {
		return nil
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = w.now()
	}

	key := dedupeKey(a)
	w.mu.Lock()
	if last, ok := w.lastSent[key]; ok && a.Severity != SeverityCritical {
		if w.now().Sub(last) < w.cooldown {
			w.mu.Unlock()
			return nil
		}
	}
	w.lastSent[key] = w.now()
	w.mu.Unlock()

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Printf("webhook delivery failed for %s: %v", a.Kind, err)
		return fmt.Errorf("posting alert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.logger.Printf("webhook returned %d for %s", resp.StatusCode, a.Kind)
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func dedupeKey(a Alert) string {
	sum := sha256.Sum256([]byte(a.Source + "|" + a.Kind))
	return fmt.Sprintf("%x", sum[:8])
}

// Noop discards alerts. Used when no webhook is configured.
type Noop struct{}

var _ Notifier = Noop{}

func (Noop) Notify(context.Context, Alert) error { return nil }
