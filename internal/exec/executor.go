// Package exec places multi-leg trades atomically. Protective hedge legs
// always fill before any premium-selling risk leg is sent, a failed risk
// phase rolls the whole trade back flat, and every order slice carries a
// deterministic client id so crash replays cannot double positions.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rvgupta/volsentry/internal/broker"
	"github.com/rvgupta/volsentry/internal/models"
)

// Phase is the executor's position in the trade placement sequence.
type Phase string

const (
	PhaseStart    Phase = "START"
	PhaseHedge    Phase = "HEDGE_PHASE"
	PhaseRisk     Phase = "RISK_PHASE"
	PhaseValidate Phase = "VALIDATE"
	PhaseDone     Phase = "DONE"
	PhaseRollback Phase = "ROLLBACK"
	PhaseFailed   Phase = "FAILED"
)

// ErrRollbackFailed means the book may hold naked short legs. The caller
// must alert and leave cleanup to the watchdog or an operator.
var ErrRollbackFailed = errors.New("rollback failed, manual intervention required")

// OrderPlacer submits and cancels orders, typically with retries.
type OrderPlacer interface {
	PlaceOrderWithRetry(ctx context.Context, req broker.OrderRequest) (*broker.Order, error)
	CancelOrderWithRetry(ctx context.Context, brokerOrderID string) error
}

// PriceSource serves fresh cached prices; the feed implements it.
type PriceSource interface {
	FreshPrice(instrumentID string, maxAge time.Duration) (float64, bool)
}

// Config controls slicing, pricing, and fill waiting.
type Config struct {
	FreezeQuantity      int
	SmartLimitBufferPct float64
	MaxSlippagePct      float64
	HedgeSettleDelay    time.Duration
	FillTimeout         time.Duration
	PollInterval        time.Duration
	QuoteMaxAge         time.Duration
}

// Executor runs the hedge-first placement sequence.
type Executor struct {
	placer OrderPlacer
	broker broker.Broker
	prices PriceSource // may be nil
	cfg    Config
	logger *log.Logger

	// sleep is swappable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// Result describes one execution attempt.
type Result struct {
	Phase  Phase
	Orders []*broker.Order // every order placed, including rollbacks
}

// NewExecutor creates an executor. prices may be nil, in which case limit
// pricing falls back to broker LTP and then to market orders.
func NewExecutor(placer OrderPlacer, b broker.Broker, prices PriceSource, cfg Config, logger *log.Logger) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.QuoteMaxAge <= 0 {
		cfg.QuoteMaxAge = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EXEC] ", log.LstdFlags)
	}
	return &Executor{
		placer: placer,
		broker: b,
		prices: prices,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// plannedSlice is one order slice with its leg back-reference.
type plannedSlice struct {
	leg      *models.Leg
	legIndex int
	req      broker.OrderRequest
	// reference is the intent price slippage is judged against
	reference float64
}

// filledSlice pairs a placed slice with its terminal broker state.
type filledSlice struct {
	plan  plannedSlice
	order *broker.Order
}

// Execute places every leg of the trade. On success the trade's legs
// carry their fill prices and the trade holds its broker order refs.
// A non-nil error always comes with a Result naming the failure phase.
func (e *Executor) Execute(ctx context.Context, trade *models.MultiLegTrade) (*Result, error) {
	result := &Result{Phase: PhaseStart}

	hedges := trade.HedgeLegs()
	risks := trade.RiskLegs()
	if len(risks) > 0 && len(hedges) == 0 {
		result.Phase = PhaseFailed
		return result, fmt.Errorf("trade %s sells premium without protective legs", trade.ID)
	}

	// HEDGE_PHASE: buy protection first. A failure here aborts with no
	// risk exposure; only already-filled hedges need unwinding.
	result.Phase = PhaseHedge
	hedgeFills, err := e.runPhase(ctx, trade, hedges, RoleHedge, result)
	if err != nil {
		e.logger.Printf("trade %s hedge phase failed: %v", trade.ID, err)
		if rbErr := e.flatten(ctx, trade, hedgeFills, result); rbErr != nil {
			result.Phase = PhaseFailed
			return result, fmt.Errorf("hedge phase failed (%v): %w", err, ErrRollbackFailed)
		}
		result.Phase = PhaseFailed
		return result, fmt.Errorf("hedge phase failed: %w", err)
	}

	// Let hedge fills settle at the broker before adding short legs.
	if err := e.sleep(ctx, e.cfg.HedgeSettleDelay); err != nil {
		result.Phase = PhaseFailed
		return result, err
	}

	// RISK_PHASE: sell premium, now covered.
	result.Phase = PhaseRisk
	riskFills, err := e.runPhase(ctx, trade, risks, RoleRisk, result)
	allFills := append(append([]filledSlice{}, hedgeFills...), riskFills...)
	if err != nil {
		e.logger.Printf("trade %s risk phase failed, rolling back: %v", trade.ID, err)
		return e.rollback(ctx, trade, allFills, result, err)
	}

	// VALIDATE: every slice filled, within slippage bounds.
	result.Phase = PhaseValidate
	if err := e.validate(allFills); err != nil {
		e.logger.Printf("trade %s failed validation, rolling back: %v", trade.ID, err)
		return e.rollback(ctx, trade, allFills, result, err)
	}

	applyFills(trade, allFills)
	result.Phase = PhaseDone
	e.logger.Printf("trade %s executed: %d orders filled", trade.ID, len(allFills))
	return result, nil
}

// runPhase places and fills every slice of the given legs. Returns the
// slices that reached a fill, even on error, so the caller can unwind.
func (e *Executor) runPhase(ctx context.Context, trade *models.MultiLegTrade, legs []*models.Leg, role string, result *Result) ([]filledSlice, error) {
	plans := e.plan(ctx, trade, legs, role)

	var fills []filledSlice
	for _, plan := range plans {
		order, err := e.placer.PlaceOrderWithRetry(ctx, plan.req)
		if err != nil {
			return fills, fmt.Errorf("placing %s: %w", plan.req.ClientOrderID, err)
		}
		result.Orders = append(result.Orders, order)

		final, err := e.awaitFill(ctx, order)
		if err != nil {
			return fills, fmt.Errorf("waiting for %s: %w", plan.req.ClientOrderID, err)
		}
		fills = append(fills, filledSlice{plan: plan, order: final})
		if !final.Filled() {
			return fills, fmt.Errorf("order %s ended %s with %d/%d filled",
				plan.req.ClientOrderID, final.Status, final.FilledQuantity, final.Quantity)
		}
	}
	return fills, nil
}

// plan builds the frozen slice sequence for a set of legs.
func (e *Executor) plan(ctx context.Context, trade *models.MultiLegTrade, legs []*models.Leg, role string) []plannedSlice {
	var plans []plannedSlice
	for legIndex, leg := range legs {
		side := broker.SideBuy
		qty := leg.Quantity
		if qty < 0 {
			side = broker.SideSell
			qty = -qty
		}

		ltp := e.lastPrice(ctx, leg)
		for sliceIndex, sliceQty := range SliceQuantity(qty, e.cfg.FreezeQuantity) {
			req := broker.OrderRequest{
				ClientOrderID: ClientOrderID(trade.ID, role, legIndex, sliceIndex),
				InstrumentID:  leg.InstrumentID,
				Side:          side,
				Quantity:      sliceQty,
			}
			if limit := SmartLimit(ltp, side, e.cfg.SmartLimitBufferPct); limit > 0 {
				req.Type = broker.TypeLimit
				req.LimitPrice = limit
			} else {
				// No usable price anywhere: take the market.
				req.Type = broker.TypeMarket
			}
			plans = append(plans, plannedSlice{leg: leg, legIndex: legIndex, req: req, reference: ltp})
		}
	}
	return plans
}

// lastPrice resolves an instrument price: fresh feed quote, then broker
// LTP, then zero meaning unknown.
func (e *Executor) lastPrice(ctx context.Context, leg *models.Leg) float64 {
	if e.prices != nil {
		if price, ok := e.prices.FreshPrice(leg.InstrumentID, e.cfg.QuoteMaxAge); ok {
			return price
		}
	}
	if e.broker != nil {
		if ltp, err := e.broker.LastTradePrice(ctx, leg.InstrumentID); err == nil {
			return ltp
		}
	}
	if leg.CurrentPrice > 0 {
		return leg.CurrentPrice
	}
	return 0
}

// awaitFill polls the order until it goes terminal or the fill timeout
// lapses. A lapsed timeout cancels the order and reports its last state.
func (e *Executor) awaitFill(ctx context.Context, order *broker.Order) (*broker.Order, error) {
	if order.Terminal() {
		return order, nil
	}
	deadline := time.NewTimer(e.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	last := order
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			e.logger.Printf("order %s fill timeout, cancelling", order.ClientOrderID)
			if err := e.placer.CancelOrderWithRetry(ctx, order.BrokerOrderID); err != nil {
				e.logger.Printf("cancel of %s failed: %v", order.BrokerOrderID, err)
			}
			// Re-read for any fill that raced the cancel.
			if current, err := e.broker.GetOrder(ctx, order.BrokerOrderID); err == nil {
				return current, nil
			}
			return last, nil
		case <-ticker.C:
			current, err := e.broker.GetOrder(ctx, order.BrokerOrderID)
			if err != nil {
				e.logger.Printf("polling %s: %v", order.BrokerOrderID, err)
				continue
			}
			last = current
			if current.Terminal() {
				return current, nil
			}
		}
	}
}

// validate confirms the book matches intent.
func (e *Executor) validate(fills []filledSlice) error {
	for _, f := range fills {
		if !f.order.Filled() {
			return fmt.Errorf("order %s not completely filled (%d/%d)",
				f.order.ClientOrderID, f.order.FilledQuantity, f.order.Quantity)
		}
		if f.plan.reference > 0 &&
			!WithinSlippage(f.order.AveragePrice, f.plan.reference, f.plan.req.Side, e.cfg.MaxSlippagePct) {
			return fmt.Errorf("order %s filled at %.2f, beyond %.1f%% slippage from %.2f",
				f.order.ClientOrderID, f.order.AveragePrice, e.cfg.MaxSlippagePct, f.plan.reference)
		}
	}
	return nil
}

// rollback flattens all filled slices after a failure. If flattening
// itself fails, the error chain carries ErrRollbackFailed.
func (e *Executor) rollback(ctx context.Context, trade *models.MultiLegTrade, fills []filledSlice, result *Result, cause error) (*Result, error) {
	result.Phase = PhaseRollback
	if err := e.flatten(ctx, trade, fills, result); err != nil {
		result.Phase = PhaseFailed
		return result, fmt.Errorf("after %v: %w", cause, ErrRollbackFailed)
	}
	result.Phase = PhaseFailed
	return result, fmt.Errorf("execution rolled back: %w", cause)
}

// flatten reverses every filled quantity with market orders. Rollback ids
// are deterministic too, derived from the original slice id.
func (e *Executor) flatten(ctx context.Context, trade *models.MultiLegTrade, fills []filledSlice, result *Result) error {
	var firstErr error
	for _, f := range fills {
		filled := f.order.FilledQuantity
		if filled <= 0 {
			continue
		}
		reverse := broker.SideSell
		if f.plan.req.Side == broker.SideSell {
			reverse = broker.SideBuy
		}
		req := broker.OrderRequest{
			ClientOrderID: "VSrb" + f.plan.req.ClientOrderID[2:],
			InstrumentID:  f.plan.req.InstrumentID,
			Side:          reverse,
			Type:          broker.TypeMarket,
			Quantity:      filled,
		}
		order, err := e.placer.PlaceOrderWithRetry(ctx, req)
		if err != nil {
			e.logger.Printf("rollback order %s failed: %v", req.ClientOrderID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result.Orders = append(result.Orders, order)
	}
	return firstErr
}

// applyFills writes volume-weighted fill prices back onto the legs and
// records broker refs on the trade.
func applyFills(trade *models.MultiLegTrade, fills []filledSlice) {
	type acc struct {
		qty   int
		value float64
	}
	byLeg := make(map[*models.Leg]*acc)
	for _, f := range fills {
		a := byLeg[f.plan.leg]
		if a == nil {
			a = &acc{}
			byLeg[f.plan.leg] = a
		}
		a.qty += f.order.FilledQuantity
		a.value += f.order.AveragePrice * float64(f.order.FilledQuantity)
		trade.BrokerRefIDs = append(trade.BrokerRefIDs, f.order.BrokerOrderID)
	}
	for leg, a := range byLeg {
		if a.qty > 0 {
			leg.EntryPrice = a.value / float64(a.qty)
			leg.CurrentPrice = leg.EntryPrice
		}
	}
}
