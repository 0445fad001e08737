// Package margin estimates the margin a proposed trade needs and checks
// it against the broker's live funds. The check fails closed: if funds
// cannot be read, the entry is rejected.
package margin

import (
	"context"
	"fmt"

	"github.com/rvgupta/volsentry/internal/broker"
	"github.com/rvgupta/volsentry/internal/models"
)

// shortMarginFraction approximates exchange SPAN+exposure margin for a
// short index option as a fraction of notional. Deliberately above the
// real requirement so the estimate errs toward rejecting.
const shortMarginFraction = 0.20

// Checker verifies margin headroom for proposed trades.
type Checker struct {
	broker         broker.Broker
	utilizationCap float64
}

// NewChecker creates a margin checker. utilizationCap is the fraction of
// available margin a single entry may consume.
func NewChecker(b broker.Broker, utilizationCap float64) *Checker {
	if utilizationCap <= 0 || utilizationCap > 1 {
		utilizationCap = 0.8
	}
	return &Checker{broker: b, utilizationCap: utilizationCap}
}

// Estimate returns the margin required for the given legs. Short legs
// carry notional-fraction margin; long legs only their premium outlay.
// Spot prices the notional; leg prices come from current quotes.
func Estimate(legs []*models.Leg, spot float64) float64 {
	var required float64
	for _, leg := range legs {
		qty := leg.Quantity
		if qty < 0 {
			qty = -qty
		}
		if leg.IsHedge() {
			required += leg.CurrentPrice * float64(qty)
		} else {
			required += spot * float64(qty) * shortMarginFraction
		}
	}
	return required
}

// Check verifies the broker has headroom for the estimated requirement.
// Returns the estimate for logging. Any broker failure rejects the entry.
func (c *Checker) Check(ctx context.Context, legs []*models.Leg, spot float64) (float64, error) {
	required := Estimate(legs, spot)

	funds, err := c.broker.GetFunds(ctx)
	if err != nil {
		return required, fmt.Errorf("margin check failed closed, cannot read funds: %w", err)
	}

	budget := funds.AvailableMargin * c.utilizationCap
	if required > budget {
		return required, fmt.Errorf("insufficient margin: need %.2f, budget %.2f (%.0f%% of %.2f available)",
			required, budget, c.utilizationCap*100, funds.AvailableMargin)
	}
	return required, nil
}
