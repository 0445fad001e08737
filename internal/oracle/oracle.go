// Package oracle provides option greeks to the safety pipeline. The live
// implementation queries a local pricing service; when it is unreachable
// the static fallback reports low confidence, which blocks new entries
// without touching open positions.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rvgupta/volsentry/internal/models"
)

// Oracle supplies a greeks snapshot for one contract.
type Oracle interface {
	Snapshot(ctx context.Context, instrumentID string, spot float64) (*models.GreeksSnapshot, error)
}

// HTTPOracle queries a pricing service over HTTP.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

var _ Oracle = (*HTTPOracle)(nil)

// NewHTTPOracle creates an oracle client against the given base URL.
func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type greeksResponse struct {
	Delta      float64 `json:"delta"`
	Gamma      float64 `json:"gamma"`
	Theta      float64 `json:"theta"`
	Vega       float64 `json:"vega"`
	IV         float64 `json:"iv"`
	Confidence float64 `json:"confidence"`
}

// Snapshot fetches greeks for the instrument at the given spot.
func (o *HTTPOracle) Snapshot(ctx context.Context, instrumentID string, spot float64) (*models.GreeksSnapshot, error) {
	endpoint := fmt.Sprintf("%s/greeks?instrument=%s&spot=%.2f",
		o.baseURL, url.QueryEscape(instrumentID), spot)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned status %d for %s", resp.StatusCode, instrumentID)
	}

	var gr greeksResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decoding oracle response: %w", err)
	}
	return &models.GreeksSnapshot{
		Timestamp:  time.Now(),
		Delta:      gr.Delta,
		Gamma:      gr.Gamma,
		Theta:      gr.Theta,
		Vega:       gr.Vega,
		IV:         gr.IV,
		Confidence: gr.Confidence,
	}, nil
}

// Static returns a fixed confidence for every contract. Used as the
// fallback when no pricing service is configured, and in paper mode.
type Static struct {
	Confidence float64
}

var _ Oracle = (*Static)(nil)

// Snapshot returns a snapshot carrying only the configured confidence.
func (s *Static) Snapshot(ctx context.Context, instrumentID string, spot float64) (*models.GreeksSnapshot, error) {
	return &models.GreeksSnapshot{
		Timestamp:  time.Now(),
		Confidence: s.Confidence,
	}, nil
}
