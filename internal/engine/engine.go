// Package engine is the trading orchestrator: one single-threaded cycle
// loop that refreshes market state, sweeps the lifecycle rules over open
// trades, and runs at most one new entry per cycle through the safety
// pipeline, the capital ledger, and the executor.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rvgupta/volsentry/internal/broker"
	"github.com/rvgupta/volsentry/internal/config"
	"github.com/rvgupta/volsentry/internal/exec"
	"github.com/rvgupta/volsentry/internal/ledger"
	"github.com/rvgupta/volsentry/internal/lifecycle"
	"github.com/rvgupta/volsentry/internal/margin"
	"github.com/rvgupta/volsentry/internal/models"
	"github.com/rvgupta/volsentry/internal/ops"
	"github.com/rvgupta/volsentry/internal/safety"
	"github.com/rvgupta/volsentry/internal/store"
	"github.com/rvgupta/volsentry/internal/strategy"
)

// PriceSource serves cached quotes; the websocket feed implements it.
type PriceSource interface {
	FreshPrice(instrumentID string, maxAge time.Duration) (float64, bool)
	Subscribe(instruments ...string)
}

// Deps collects the engine's collaborators.
type Deps struct {
	Store    *store.Store
	Ledger   *ledger.Ledger
	Safety   *safety.Pipeline
	Rules    *lifecycle.Rules
	Executor *exec.Executor
	Selector *strategy.Selector
	Broker   broker.Broker
	Placer   exec.OrderPlacer
	Prices   PriceSource // may be nil
}

// Engine drives the trading cycle.
type Engine struct {
	cfg    *config.Config
	deps   Deps
	logger *log.Logger

	mu         sync.Mutex
	trades     map[string]*models.MultiLegTrade
	dailyPnL   float64
	currentDay string

	now func() time.Time
}

var _ lifecycle.Closer = (*Engine)(nil)
var _ ops.Controller = (*Engine)(nil)

func New(cfg *config.Config, deps Deps, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		trades: make(map[string]*models.MultiLegTrade),
		now:    time.Now,
	}
}

// Restore rebuilds in-memory state from the trade store after a restart.
// Capital allocations already live in the ledger tables, so rehydration
// touches no money; only the trade cache and cadence counters rebuild.
func (e *Engine) Restore(ctx context.Context) error {
	live, err := e.deps.Store.LiveTrades()
	if err != nil {
		return fmt.Errorf("loading live trades: %w", err)
	}

	e.mu.Lock()
	for _, t := range live {
		e.trades[t.ID] = t
	}
	e.mu.Unlock()

	now := e.now().In(e.cfg.Location())
	sod := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	count, lastEntry, err := e.deps.Store.TradesEnteredSince(sod)
	if err != nil {
		return fmt.Errorf("rebuilding cadence: %w", err)
	}
	e.deps.Safety.Restore(count, lastEntry)
	e.currentDay = now.Format("2006-01-02")

	e.logger.Printf("restored %d live trades, %d entries today", len(live), count)
	return e.reconcile(ctx)
}

// reconcile adopts broker positions the store knows nothing about as
// EXTERNAL trades. They are monitored and can be force-closed, but they
// never consume bucket capital and never count toward trade cadence.
func (e *Engine) reconcile(ctx context.Context) error {
	positions, err := e.deps.Broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reading broker positions: %w", err)
	}

	owned := make(map[string]bool)
	e.mu.Lock()
	for _, t := range e.trades {
		for _, leg := range t.Legs {
			owned[leg.InstrumentID] = true
		}
	}
	e.mu.Unlock()

	for _, pos := range positions {
		if pos.Quantity == 0 || owned[pos.InstrumentID] {
			continue
		}
		trade := adoptPosition(pos, e.now())
		if err := e.deps.Store.SaveTrade(trade); err != nil {
			e.logger.Printf("saving adopted position %s: %v", pos.InstrumentID, err)
			continue
		}
		e.mu.Lock()
		e.trades[trade.ID] = trade
		e.mu.Unlock()
		e.logger.Printf("adopted external position %s x%d as trade %s",
			pos.InstrumentID, pos.Quantity, trade.ID)
	}
	return nil
}

func adoptPosition(pos broker.Position, now time.Time) *models.MultiLegTrade {
	ot := models.OptionCall
	if strings.HasSuffix(pos.InstrumentID, "PE") {
		ot = models.OptionPut
	}
	return &models.MultiLegTrade{
		ID:       uuid.NewString(),
		Strategy: models.StrategyWait,
		Status:   models.StatusExternal,
		Legs: []*models.Leg{{
			InstrumentID: pos.InstrumentID,
			OptionType:   ot,
			Quantity:     pos.Quantity,
			EntryPrice:   pos.AveragePrice,
			CurrentPrice: pos.LastPrice,
			ExpiryType:   models.ExpiryWeekly,
			Bucket:       models.BucketWeekly,
		}},
		EntryTime:  now,
		ExpiryType: models.ExpiryWeekly,
		Bucket:     models.BucketWeekly,
	}
}

// Run drives the cycle loop until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.CycleInterval()
	e.logger.Printf("engine running, cycle every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

// cycle runs one pass: day roll, market refresh, lifecycle sweep, entry.
func (e *Engine) cycle(ctx context.Context) {
	now := e.now()
	e.rollDay(now)

	if !e.cfg.IsWithinSession(now) {
		return
	}

	mkt := e.marketContext(ctx, now)
	e.markToMarket(mkt)

	if errs := e.deps.Rules.Sweep(ctx, e.liveTrades(), e, now); len(errs) > 0 {
		for _, err := range errs {
			e.logger.Printf("lifecycle sweep: %v", err)
		}
	}

	e.tryEntry(ctx, now, mkt)
}

// rollDay clears daily counters and the halt latch when the trading day
// changes.
func (e *Engine) rollDay(now time.Time) {
	day := now.In(e.cfg.Location()).Format("2006-01-02")
	e.mu.Lock()
	rolled := e.currentDay != "" && e.currentDay != day
	e.currentDay = day
	if rolled {
		e.dailyPnL = 0
	}
	e.mu.Unlock()
	if rolled {
		e.logger.Printf("day rolled to %s, resetting daily safety state", day)
		e.deps.Safety.ResetDaily()
	}
}

// marketContext assembles the per-cycle snapshot. Quotes come from the
// feed cache first and fall back to broker LTP reads.
func (e *Engine) marketContext(ctx context.Context, now time.Time) *models.MarketContext {
	mkt := &models.MarketContext{
		Timestamp: now,
		Greeks:    make(map[string]models.GreeksSnapshot),
	}
	mkt.Spot = e.price(ctx, e.cfg.Feed.SpotInstrument)
	mkt.VIX = e.price(ctx, e.cfg.Feed.VIXInstrument)

	e.mu.Lock()
	mkt.DailyPnL = e.dailyPnL
	for _, t := range e.trades {
		if t.Status.IsLive() {
			mkt.DailyPnL += t.UnrealizedPnL()
		}
	}
	e.mu.Unlock()
	return mkt
}

func (e *Engine) price(ctx context.Context, instrumentID string) float64 {
	if instrumentID == "" {
		return 0
	}
	if e.deps.Prices != nil {
		if p, ok := e.deps.Prices.FreshPrice(instrumentID, 30*time.Second); ok {
			return p
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ltp, err := e.deps.Broker.LastTradePrice(callCtx, instrumentID)
	if err != nil {
		return 0
	}
	return ltp
}

// markToMarket refreshes leg prices on live trades from the feed cache.
func (e *Engine) markToMarket(mkt *models.MarketContext) {
	if e.deps.Prices == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.trades {
		if !t.Status.IsLive() {
			continue
		}
		for _, leg := range t.Legs {
			if p, ok := e.deps.Prices.FreshPrice(leg.InstrumentID, time.Minute); ok {
				leg.CurrentPrice = p
			}
		}
	}
}

// tryEntry attempts at most one new trade per cycle.
func (e *Engine) tryEntry(ctx context.Context, now time.Time, mkt *models.MarketContext) {
	if halted, reason := e.deps.Safety.Halted(); halted {
		e.logger.Printf("entries halted: %s", reason)
		return
	}

	if ok, reason := e.deps.Selector.ShouldEnter(mkt); !ok {
		if reason != "no spot price" {
			e.logger.Printf("no entry: %s", reason)
		}
		return
	}

	trade, err := e.deps.Selector.Propose(now, mkt.Spot)
	if err != nil {
		e.logger.Printf("building proposal: %v", err)
		return
	}

	decision := e.deps.Safety.Evaluate(ctx, safety.EntryProposal{
		TradeID:    trade.ID,
		Legs:       trade.Legs,
		Bucket:     trade.Bucket,
		ExpiryType: trade.ExpiryType,
		ExpiryDate: trade.ExpiryDate,
	}, mkt)
	if !decision.Allowed {
		e.logger.Printf("proposal %s rejected at gate %s: %s", trade.ID, decision.Gate, decision.Reason)
		return
	}

	e.enter(ctx, trade, mkt)
}

// enter allocates capital, executes, and registers the trade. Capital is
// reserved before any order goes out and released on every failure path.
func (e *Engine) enter(ctx context.Context, trade *models.MultiLegTrade, mkt *models.MarketContext) {
	amount := margin.Estimate(trade.Legs, mkt.Spot)
	if err := e.deps.Ledger.Allocate(trade.ID, trade.Bucket, amount); err != nil {
		e.logger.Printf("allocating %.0f from %s for %s: %v", amount, trade.Bucket, trade.ID, err)
		e.deps.Safety.PostTradeUpdate(false)
		return
	}

	result, err := e.deps.Executor.Execute(ctx, trade)
	if err != nil {
		e.logger.Printf("execution of %s failed in phase %s: %v", trade.ID, result.Phase, err)
		if relErr := e.deps.Ledger.Release(trade.ID, trade.Bucket); relErr != nil {
			e.logger.Printf("releasing capital for failed %s: %v", trade.ID, relErr)
		}
		e.discard(trade, err)
		e.deps.Safety.PostTradeUpdate(false)
		return
	}

	if err := trade.TransitionTo(models.StatusOpen); err != nil {
		e.logger.Printf("opening %s: %v", trade.ID, err)
	}
	if err := e.deps.Store.SaveTrade(trade); err != nil {
		e.logger.Printf("persisting %s: %v", trade.ID, err)
	}
	e.mu.Lock()
	e.trades[trade.ID] = trade
	e.mu.Unlock()
	e.deps.Safety.PostTradeUpdate(true)
	e.logger.Printf("trade %s open: %s %s bucket, %.0f reserved",
		trade.ID, trade.Strategy, trade.Bucket, amount)
}

// discard records a failed execution attempt. The trade closes with the
// failure note and holds no capital.
func (e *Engine) discard(trade *models.MultiLegTrade, cause error) {
	trade.ExitReason = models.ExitManual
	trade.ExitNote = fmt.Sprintf("execution failed: %v", cause)
	trade.ExitTime = e.now()
	if err := trade.TransitionTo(models.StatusClosed); err != nil {
		e.logger.Printf("closing failed trade %s: %v", trade.ID, err)
		return
	}
	if err := e.deps.Store.SaveTrade(trade); err != nil {
		e.logger.Printf("persisting failed trade %s: %v", trade.ID, err)
	}
}

// ForceClose exits every leg of a live trade at market. It satisfies the
// lifecycle Closer interface and is also the path for emergency flatten.
func (e *Engine) ForceClose(ctx context.Context, trade *models.MultiLegTrade, reason models.ExitReason, detail string) error {
	e.logger.Printf("force closing %s: %s (%s)", trade.ID, reason, detail)

	var firstErr error
	for i, leg := range trade.Legs {
		qty := leg.Quantity
		side := broker.SideSell
		if qty < 0 {
			side = broker.SideBuy
			qty = -qty
		}
		// Exits honor the freeze ceiling the same as entries; an
		// oversized single order would bounce at the venue.
		var notional, filled float64
		for si, sliceQty := range exec.SliceQuantity(qty, e.cfg.Execution.FreezeQuantity) {
			req := broker.OrderRequest{
				ClientOrderID: exec.ClientOrderID(trade.ID, "C", i, si),
				InstrumentID:  leg.InstrumentID,
				Side:          side,
				Type:          broker.TypeMarket,
				Quantity:      sliceQty,
			}
			order, err := e.deps.Placer.PlaceOrderWithRetry(ctx, req)
			if err != nil {
				e.logger.Printf("closing leg %s of %s: %v", leg.InstrumentID, trade.ID, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if order.AveragePrice > 0 {
				notional += order.AveragePrice * float64(sliceQty)
				filled += float64(sliceQty)
			}
		}
		if filled > 0 {
			leg.ExitPrice = notional / filled
		} else {
			leg.ExitPrice = leg.CurrentPrice
		}
	}
	if firstErr != nil {
		return fmt.Errorf("force close of %s incomplete: %w", trade.ID, firstErr)
	}

	trade.ExitReason = reason
	trade.ExitNote = detail
	trade.ExitTime = e.now()
	if err := trade.TransitionTo(models.StatusClosed); err != nil {
		return fmt.Errorf("transitioning %s: %w", trade.ID, err)
	}
	if err := e.deps.Ledger.Release(trade.ID, trade.Bucket); err != nil {
		e.logger.Printf("releasing capital for %s: %v", trade.ID, err)
	}
	if err := e.deps.Store.SaveTrade(trade); err != nil {
		e.logger.Printf("persisting closed %s: %v", trade.ID, err)
	}

	e.mu.Lock()
	e.dailyPnL += trade.RealizedPnL()
	delete(e.trades, trade.ID)
	e.mu.Unlock()
	return nil
}

// EmergencyFlatten closes every live trade immediately and halts entries.
func (e *Engine) EmergencyFlatten(ctx context.Context) error {
	e.deps.Safety.Halt("emergency flatten requested")

	var firstErr error
	for _, trade := range e.liveTrades() {
		if err := e.ForceClose(ctx, trade, models.ExitCircuitBreaker, "emergency flatten"); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) liveTrades() []*models.MultiLegTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.MultiLegTrade, 0, len(e.trades))
	for _, t := range e.trades {
		if t.Status.IsLive() {
			out = append(out, t)
		}
	}
	return out
}

// Status snapshots the engine for the ops server.
func (e *Engine) Status() ops.Status {
	halted, haltReason := e.deps.Safety.Halted()
	tradesToday, _ := e.deps.Safety.Snapshot()

	e.mu.Lock()
	live := 0
	pnl := e.dailyPnL
	for _, t := range e.trades {
		if t.Status.IsLive() {
			live++
			pnl += t.UnrealizedPnL()
		}
	}
	e.mu.Unlock()

	status := ops.Status{
		Mode:        e.cfg.Environment.Mode,
		Halted:      halted,
		HaltReason:  haltReason,
		TradesToday: tradesToday,
		LiveTrades:  live,
		DailyPnL:    pnl,
		Buckets:     make(map[string]ops.Bucket),
	}
	if buckets, err := e.deps.Ledger.Status(); err == nil {
		for bucket, bs := range buckets {
			status.Buckets[string(bucket)] = ops.Bucket{
				Limit:     bs.Limit,
				Used:      bs.Used,
				Available: bs.Available,
			}
		}
	}
	return status
}
