// Package safety implements the ordered pre-trade gate pipeline. Every
// proposed entry passes through the gates in a fixed order and the first
// failure wins; later gates never run, so an entry rejected for drawdown
// can never reach the broker for a margin probe.
package safety

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rvgupta/volsentry/internal/advisory"
	"github.com/rvgupta/volsentry/internal/models"
	"github.com/rvgupta/volsentry/internal/oracle"
)

// Gate names, in evaluation order.
const (
	GateHalt      = "halt"
	GateDrawdown  = "drawdown"
	GateCadence   = "cadence"
	GateAdvisory  = "advisory"
	GateLifecycle = "lifecycle"
	GateGreeks    = "greeks"
	GateMargin    = "margin"
)

// Decision is the pipeline's answer for one proposal.
type Decision struct {
	Allowed bool
	Gate    string // failing gate when not allowed
	Reason  string
}

// EntryProposal is a candidate trade presented to the pipeline.
type EntryProposal struct {
	TradeID    string
	Legs       []*models.Leg
	Bucket     models.CapitalBucket
	ExpiryType models.ExpiryType
	ExpiryDate string // "2006-01-02"
}

// Config holds the pipeline thresholds.
type Config struct {
	MaxTradesPerDay      int
	TradeCooldown        time.Duration
	MaxDrawdownPct       float64 // positive, e.g. 5.0
	GreekConfidenceFloor float64
	AccountSize          float64
}

// KillSource reports the cross-process kill switch.
type KillSource interface {
	KillSwitch() (tripped bool, origin string, err error)
}

// EntryWindow checks lifecycle entry rules for a proposed expiry.
type EntryWindow interface {
	CanEnter(now time.Time, expiryDate string, expiryType models.ExpiryType) error
}

// MarginChecker verifies broker margin headroom.
type MarginChecker interface {
	Check(ctx context.Context, legs []*models.Leg, spot float64) (float64, error)
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Kill    KillSource
	Advisor advisory.Advisor
	Window  EntryWindow
	Oracle  oracle.Oracle
	Margin  MarginChecker
}

// Pipeline evaluates proposals and tracks the halt latch and trade cadence.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *log.Logger
	now    func() time.Time

	mu          sync.Mutex
	halted      bool
	haltReason  string
	tradesToday int
	lastEntry   time.Time
	peakEquity  float64
}

// New creates a pipeline. Cadence state starts empty; call Restore after
// a crash to rebuild it from the trade store.
func New(cfg Config, deps Deps, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(log.Writer(), "[SAFETY] ", log.LstdFlags)
	}
	return &Pipeline{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		now:        time.Now,
		peakEquity: cfg.AccountSize,
	}
}

// WithClock overrides the time source, for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Restore seeds cadence state from persisted trades after a restart.
func (p *Pipeline) Restore(tradesToday int, lastEntry time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tradesToday = tradesToday
	p.lastEntry = lastEntry
}

// Evaluate runs the proposal through every gate in order and returns the
// first failure, or an allow decision when all gates pass.
func (p *Pipeline) Evaluate(ctx context.Context, proposal EntryProposal, mkt *models.MarketContext) Decision {
	now := p.now()

	// Gate 1: halt latch and cross-process kill switch.
	if d := p.checkHalt(); !d.Allowed {
		return p.reject(proposal, d)
	}

	// Gate 2: drawdown ceiling. The only gate that sets the halt latch.
	if d := p.checkDrawdown(mkt); !d.Allowed {
		return p.reject(proposal, d)
	}

	// Gate 3: cadence, both daily count and cooldown.
	if d := p.checkCadence(now); !d.Allowed {
		return p.reject(proposal, d)
	}

	// Gate 4: advisory veto. A dead feed yields no opinion.
	if d := p.checkAdvisory(ctx, proposal); !d.Allowed {
		return p.reject(proposal, d)
	}

	// Gate 5: lifecycle entry window.
	if d := p.checkWindow(now, proposal); !d.Allowed {
		return p.reject(proposal, d)
	}

	// Gate 6: greek confidence on every leg.
	if d := p.checkGreeks(ctx, proposal, mkt); !d.Allowed {
		return p.reject(proposal, d)
	}

	// Gate 7: margin headroom, the only gate that touches broker funds.
	if d := p.checkMargin(ctx, proposal, mkt); !d.Allowed {
		return p.reject(proposal, d)
	}

	return Decision{Allowed: true}
}

func (p *Pipeline) reject(proposal EntryProposal, d Decision) Decision {
	p.logger.Printf("entry %s rejected at gate %s: %s", proposal.TradeID, d.Gate, d.Reason)
	return d
}

func (p *Pipeline) checkHalt() Decision {
	p.mu.Lock()
	halted, reason := p.halted, p.haltReason
	p.mu.Unlock()
	if halted {
		return Decision{Gate: GateHalt, Reason: reason}
	}

	if p.deps.Kill != nil {
		tripped, origin, err := p.deps.Kill.KillSwitch()
		if err != nil {
			// Cannot prove trading is armed; fail closed.
			return Decision{Gate: GateHalt, Reason: fmt.Sprintf("kill switch unreadable: %v", err)}
		}
		if tripped {
			return Decision{Gate: GateHalt, Reason: "kill switch tripped by " + origin}
		}
	}
	return Decision{Allowed: true}
}

func (p *Pipeline) checkDrawdown(mkt *models.MarketContext) Decision {
	if mkt == nil || p.cfg.AccountSize <= 0 {
		return Decision{Gate: GateDrawdown, Reason: "no market context for drawdown check"}
	}
	// Drawdown is measured from the intraday equity peak, not from the
	// session open. A run-up that collapses back counts in full.
	equity := p.cfg.AccountSize + mkt.DailyPnL
	p.mu.Lock()
	if equity > p.peakEquity {
		p.peakEquity = equity
	}
	peak := p.peakEquity
	p.mu.Unlock()

	drawdownPct := (peak - equity) / peak * 100
	if drawdownPct >= p.cfg.MaxDrawdownPct {
		reason := fmt.Sprintf("drawdown %.2f%% from peak equity %.0f breached %.2f%% ceiling",
			drawdownPct, peak, p.cfg.MaxDrawdownPct)
		p.Halt(reason)
		return Decision{Gate: GateDrawdown, Reason: reason}
	}
	return Decision{Allowed: true}
}

func (p *Pipeline) checkCadence(now time.Time) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tradesToday >= p.cfg.MaxTradesPerDay {
		return Decision{Gate: GateCadence,
			Reason: fmt.Sprintf("daily trade limit reached (%d/%d)", p.tradesToday, p.cfg.MaxTradesPerDay)}
	}
	if !p.lastEntry.IsZero() {
		since := now.Sub(p.lastEntry)
		if since < p.cfg.TradeCooldown {
			return Decision{Gate: GateCadence,
				Reason: fmt.Sprintf("cooldown active, %v of %v elapsed", since.Round(time.Second), p.cfg.TradeCooldown)}
		}
	}
	return Decision{Allowed: true}
}

func (p *Pipeline) checkAdvisory(ctx context.Context, proposal EntryProposal) Decision {
	if p.deps.Advisor == nil {
		return Decision{Allowed: true}
	}
	instruments := make([]string, 0, len(proposal.Legs))
	for _, leg := range proposal.Legs {
		instruments = append(instruments, leg.InstrumentID)
	}
	if verdict := p.deps.Advisor.Check(ctx, instruments); verdict.Veto {
		return Decision{Gate: GateAdvisory, Reason: verdict.Reason}
	}
	return Decision{Allowed: true}
}

func (p *Pipeline) checkWindow(now time.Time, proposal EntryProposal) Decision {
	if p.deps.Window == nil {
		return Decision{Allowed: true}
	}
	if err := p.deps.Window.CanEnter(now, proposal.ExpiryDate, proposal.ExpiryType); err != nil {
		return Decision{Gate: GateLifecycle, Reason: err.Error()}
	}
	return Decision{Allowed: true}
}

func (p *Pipeline) checkGreeks(ctx context.Context, proposal EntryProposal, mkt *models.MarketContext) Decision {
	if p.deps.Oracle == nil {
		return Decision{Allowed: true}
	}
	var spot float64
	if mkt != nil {
		spot = mkt.Spot
	}
	for _, leg := range proposal.Legs {
		snap, err := p.deps.Oracle.Snapshot(ctx, leg.InstrumentID, spot)
		if err != nil {
			// Unknown confidence blocks new risk.
			return Decision{Gate: GateGreeks,
				Reason: fmt.Sprintf("no greeks for %s: %v", leg.InstrumentID, err)}
		}
		if snap.Confidence < p.cfg.GreekConfidenceFloor {
			return Decision{Gate: GateGreeks,
				Reason: fmt.Sprintf("greek confidence %.2f for %s below floor %.2f",
					snap.Confidence, leg.InstrumentID, p.cfg.GreekConfidenceFloor)}
		}
		leg.Greeks = *snap
	}
	return Decision{Allowed: true}
}

func (p *Pipeline) checkMargin(ctx context.Context, proposal EntryProposal, mkt *models.MarketContext) Decision {
	if p.deps.Margin == nil {
		return Decision{Allowed: true}
	}
	var spot float64
	if mkt != nil {
		spot = mkt.Spot
	}
	if _, err := p.deps.Margin.Check(ctx, proposal.Legs, spot); err != nil {
		return Decision{Gate: GateMargin, Reason: err.Error()}
	}
	return Decision{Allowed: true}
}

// Halt trips the latch. Stays set until ResetDaily or ClearHalt.
func (p *Pipeline) Halt(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.halted {
		p.logger.Printf("trading halted: %s", reason)
	}
	p.halted = true
	p.haltReason = reason
}

// ClearHalt releases the latch, for operator intervention.
func (p *Pipeline) ClearHalt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = false
	p.haltReason = ""
}

// Halted reports the latch state.
func (p *Pipeline) Halted() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted, p.haltReason
}

// PostTradeUpdate records a completed execution attempt. Only executed
// trades advance the cadence state; a rejected or rolled-back attempt
// costs nothing against the daily budget.
func (p *Pipeline) PostTradeUpdate(executed bool) {
	if !executed {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tradesToday++
	p.lastEntry = p.now()
}

// ResetDaily clears cadence state and the halt latch at the start of a
// new trading day.
func (p *Pipeline) ResetDaily() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tradesToday = 0
	p.lastEntry = time.Time{}
	p.halted = false
	p.haltReason = ""
	p.peakEquity = p.cfg.AccountSize
	p.logger.Printf("daily safety state reset")
}

// Snapshot reports the cadence counters, for the status endpoint.
func (p *Pipeline) Snapshot() (tradesToday int, lastEntry time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tradesToday, p.lastEntry
}
