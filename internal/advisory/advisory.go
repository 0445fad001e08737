// Package advisory consumes an external market advisory feed. Advisories
// can veto new entries but never force one. A dead or slow feed yields no
// opinion, which the safety pipeline treats as permission to proceed.
package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Severity ranks an advisory.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityCaution  Severity = "CAUTION"
	SeverityCritical Severity = "CRITICAL"
)

// Advisory is one message from the feed.
type Advisory struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Scope    string   `json:"scope"` // instrument prefix, or "*" for all
	Message  string   `json:"message"`
	IssuedAt int64    `json:"issued_at"` // unix seconds
	TTLSec   int64    `json:"ttl_sec"`
}

// Expired reports whether the advisory's TTL has lapsed.
func (a Advisory) Expired(now time.Time) bool {
	if a.TTLSec <= 0 {
		return false
	}
	return now.Unix() > a.IssuedAt+a.TTLSec
}

// Matches reports whether the advisory covers the given instrument.
func (a Advisory) Matches(instrumentID string) bool {
	if a.Scope == "*" || a.Scope == "" {
		return true
	}
	return strings.HasPrefix(instrumentID, a.Scope)
}

// Verdict is the feed's answer for one proposed entry.
type Verdict struct {
	Veto   bool
	Reason string
}

// Advisor yields a verdict for a proposed entry instrument set.
type Advisor interface {
	Check(ctx context.Context, instrumentIDs []string) Verdict
}

// HTTPAdvisor polls an advisory endpoint per check. Failures degrade to
// no opinion rather than blocking trading.
type HTTPAdvisor struct {
	url    string
	client *http.Client
	logger *log.Logger
	now    func() time.Time
}

var _ Advisor = (*HTTPAdvisor)(nil)

// NewHTTPAdvisor creates an advisor client.
func NewHTTPAdvisor(url string, timeout time.Duration, logger *log.Logger) *HTTPAdvisor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ADVISORY] ", log.LstdFlags)
	}
	return &HTTPAdvisor{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		now:    time.Now,
	}
}

// Check fetches current advisories and reports whether any critical one
// covers a proposed instrument. Any fetch or decode failure returns a
// clean no-veto verdict.
func (h *HTTPAdvisor) Check(ctx context.Context, instrumentIDs []string) Verdict {
	advisories, err := h.fetch(ctx)
	if err != nil {
		h.logger.Printf("advisory feed unavailable, proceeding without opinion: %v", err)
		return Verdict{}
	}
	return Evaluate(advisories, instrumentIDs, h.now())
}

func (h *HTTPAdvisor) fetch(ctx context.Context) ([]Advisory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("advisory feed returned status %d", resp.StatusCode)
	}
	var advisories []Advisory
	if err := json.NewDecoder(resp.Body).Decode(&advisories); err != nil {
		return nil, fmt.Errorf("decoding advisories: %w", err)
	}
	return advisories, nil
}

// Evaluate applies the veto rule: a live critical advisory covering any
// proposed instrument vetoes the entry. Lower severities never veto.
func Evaluate(advisories []Advisory, instrumentIDs []string, now time.Time) Verdict {
	for _, adv := range advisories {
		if adv.Severity != SeverityCritical || adv.Expired(now) {
			continue
		}
		for _, inst := range instrumentIDs {
			if adv.Matches(inst) {
				return Verdict{
					Veto:   true,
					Reason: fmt.Sprintf("critical advisory %s: %s", adv.ID, adv.Message),
				}
			}
		}
	}
	return Verdict{}
}

// None is an advisor with no feed; it never vetoes.
type None struct{}

var _ Advisor = None{}

// Check always returns a clean verdict.
func (None) Check(ctx context.Context, instrumentIDs []string) Verdict {
	return Verdict{}
}
