// Package models provides data structures and state management for multi-leg trades.
package models

import (
	"fmt"
	"time"
)

// OptionType identifies the side of an option contract.
type OptionType string

const (
	// OptionCall is a call option contract
	OptionCall OptionType = "CALL"
	// OptionPut is a put option contract
	OptionPut OptionType = "PUT"
)

// Valid returns true if the OptionType is one of the defined constants
func (t OptionType) Valid() bool {
	return t == OptionCall || t == OptionPut
}

// ExpiryType classifies a trade by its expiry cadence.
type ExpiryType string

const (
	// ExpiryWeekly targets the near weekly expiry
	ExpiryWeekly ExpiryType = "WEEKLY"
	// ExpiryMonthly targets the monthly expiry
	ExpiryMonthly ExpiryType = "MONTHLY"
	// ExpiryIntraday must be opened and closed on the same session
	ExpiryIntraday ExpiryType = "INTRADAY"
)

// CapitalBucket names a capital sub-account with its own limit.
type CapitalBucket string

const (
	// BucketWeekly funds weekly-expiry trades
	BucketWeekly CapitalBucket = "WEEKLY"
	// BucketMonthly funds monthly-expiry trades
	BucketMonthly CapitalBucket = "MONTHLY"
	// BucketIntraday funds same-day trades and adjustments
	BucketIntraday CapitalBucket = "INTRADAY"
)

// StrategyType identifies the spread structure of a trade.
type StrategyType string

const (
	StrategyWait           StrategyType = "WAIT"
	StrategyIronCondor     StrategyType = "IRON_CONDOR"
	StrategyShortStrangle  StrategyType = "SHORT_STRANGLE"
	StrategyBullPutSpread  StrategyType = "BULL_PUT_SPREAD"
	StrategyBearCallSpread StrategyType = "BEAR_CALL_SPREAD"
)

// ExitReason records why a trade was closed.
type ExitReason string

const (
	ExitProfitTarget   ExitReason = "PROFIT_TARGET"
	ExitStopLoss       ExitReason = "STOP_LOSS"
	ExitExpiry         ExitReason = "EXPIRY"
	ExitCircuitBreaker ExitReason = "CIRCUIT_BREAKER"
	ExitRiskBreach     ExitReason = "RISK_BREACH"
	ExitManual         ExitReason = "MANUAL"
)

// GreeksSnapshot holds the pricing oracle's view of one contract at a point
// in time. Confidence below the configured floor blocks new entries.
type GreeksSnapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Delta      float64   `json:"delta"`
	Gamma      float64   `json:"gamma"`
	Theta      float64   `json:"theta"`
	Vega       float64   `json:"vega"`
	IV         float64   `json:"iv"`
	Confidence float64   `json:"confidence"`
}

// IsStale reports whether the snapshot is older than maxAge.
func (g *GreeksSnapshot) IsStale(maxAge time.Duration) bool {
	return time.Since(g.Timestamp) > maxAge
}

// Leg is one option contract within a multi-leg trade.
//
// The sign of Quantity encodes direction: positive quantities are long
// protective (hedge) legs, negative quantities are short premium (risk) legs.
// Identity fields (instrument, strike, type) are immutable once created;
// prices and greeks are refreshed by market updates.
type Leg struct {
	InstrumentID string         `json:"instrument_id"`
	Strike       float64        `json:"strike"`
	OptionType   OptionType     `json:"option_type"`
	Quantity     int            `json:"quantity"`
	EntryPrice   float64        `json:"entry_price"`
	ExitPrice    float64        `json:"exit_price,omitempty"`
	CurrentPrice float64        `json:"current_price"`
	Greeks       GreeksSnapshot `json:"greeks"`
	ExpiryType   ExpiryType     `json:"expiry_type"`
	Bucket       CapitalBucket  `json:"capital_bucket"`
}

// IsHedge reports whether this is a protective (bought) leg.
func (l *Leg) IsHedge() bool {
	return l.Quantity > 0
}

// UnrealizedPnL returns the mark-to-market profit for this leg.
func (l *Leg) UnrealizedPnL() float64 {
	return (l.CurrentPrice - l.EntryPrice) * float64(l.Quantity)
}

// RealizedPnL returns the booked profit once an exit price is set.
func (l *Leg) RealizedPnL() float64 {
	return (l.ExitPrice - l.EntryPrice) * float64(l.Quantity)
}

// MultiLegTrade aggregates the legs of one spread under a single strategy,
// capital bucket, and lifecycle.
type MultiLegTrade struct {
	ID           string        `json:"id"`
	Legs         []*Leg        `json:"legs"`
	Strategy     StrategyType  `json:"strategy_type"`
	Status       TradeStatus   `json:"status"`
	EntryTime    time.Time     `json:"entry_time"`
	ExitTime     time.Time     `json:"exit_time,omitempty"`
	ExpiryDate   string        `json:"expiry_date"` // "2006-01-02"
	ExpiryType   ExpiryType    `json:"expiry_type"`
	Bucket       CapitalBucket `json:"capital_bucket"`
	ExitReason   ExitReason    `json:"exit_reason,omitempty"`
	ExitNote     string        `json:"exit_note,omitempty"`
	BrokerRefIDs []string      `json:"broker_ref_ids,omitempty"`
}

// HedgeLegs returns the protective (positive quantity) legs.
func (t *MultiLegTrade) HedgeLegs() []*Leg {
	var legs []*Leg
	for _, l := range t.Legs {
		if l.IsHedge() {
			legs = append(legs, l)
		}
	}
	return legs
}

// RiskLegs returns the premium-selling (negative quantity) legs.
func (t *MultiLegTrade) RiskLegs() []*Leg {
	var legs []*Leg
	for _, l := range t.Legs {
		if !l.IsHedge() {
			legs = append(legs, l)
		}
	}
	return legs
}

// UnrealizedPnL sums the mark-to-market profit across all legs.
func (t *MultiLegTrade) UnrealizedPnL() float64 {
	var total float64
	for _, l := range t.Legs {
		total += l.UnrealizedPnL()
	}
	return total
}

// RealizedPnL sums the booked profit across all legs. Only meaningful
// once the trade is closed and every leg carries an exit price.
func (t *MultiLegTrade) RealizedPnL() float64 {
	var total float64
	for _, l := range t.Legs {
		total += l.RealizedPnL()
	}
	return total
}

// HoldingTime returns how long the trade has been open as of now.
func (t *MultiLegTrade) HoldingTime(now time.Time) time.Duration {
	if t.EntryTime.IsZero() {
		return 0
	}
	return now.Sub(t.EntryTime)
}

// Validate checks structural invariants that must hold regardless of status.
func (t *MultiLegTrade) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("trade has no id")
	}
	if len(t.Legs) == 0 {
		return fmt.Errorf("trade %s has no legs", t.ID)
	}
	for i, l := range t.Legs {
		if l.Quantity == 0 {
			return fmt.Errorf("trade %s leg %d has zero quantity", t.ID, i)
		}
		if !l.OptionType.Valid() {
			return fmt.Errorf("trade %s leg %d has invalid option type %q", t.ID, i, l.OptionType)
		}
	}
	if t.Status == StatusOpen {
		for i, l := range t.Legs {
			if l.EntryPrice == 0 {
				return fmt.Errorf("trade %s is open but leg %d has no entry price", t.ID, i)
			}
		}
	}
	if t.Status == StatusClosed && t.ExitReason == "" {
		return fmt.Errorf("trade %s is closed without an exit reason", t.ID)
	}
	return nil
}

// MarketContext is the per-cycle snapshot of market state handed to the
// safety pipeline and strategy selector.
type MarketContext struct {
	Timestamp time.Time
	Spot      float64
	VIX       float64
	DailyPnL  float64
	// Greeks is keyed by instrument id; absence means the oracle has no
	// opinion on that contract yet.
	Greeks map[string]GreeksSnapshot
}
