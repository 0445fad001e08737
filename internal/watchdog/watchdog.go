// Package watchdog holds the independent risk supervisor and the liveness
// sentinel. The watchdog runs as its own process with its own broker
// session so an engine bug, hang, or crash can never take the risk rail
// down with it.
package watchdog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"syscall"
	"time"

	"github.com/rvgupta/volsentry/internal/alerts"
	"github.com/rvgupta/volsentry/internal/broker"
	"github.com/rvgupta/volsentry/internal/config"
	"github.com/rvgupta/volsentry/internal/store"
)

// Action is the outcome of one watchdog evaluation.
type Action int

const (
	// ActionNone leaves the system armed.
	ActionNone Action = iota
	// ActionTripAndFlatten kills the engine and flattens positions.
	ActionTripAndFlatten
	// ActionHoldFlattening keeps an already-tripped state in force.
	ActionHoldFlattening
	// ActionDisarm clears an automatic trip after recovery.
	ActionDisarm
)

// decide maps one equity reading onto an action. Manual trips are never
// auto-disarmed; only an operator clears them.
func decide(tripped bool, origin string, drawdownPct, maxDrawdownPct, recoveryPct float64) Action {
	if !tripped {
		if drawdownPct <= -maxDrawdownPct {
			return ActionTripAndFlatten
		}
		return ActionNone
	}
	if origin != "manual" && drawdownPct >= -recoveryPct {
		return ActionDisarm
	}
	return ActionHoldFlattening
}

// DrawdownPct is the signed percentage move from the start-of-day equity.
func DrawdownPct(equity, sodEquity float64) float64 {
	if sodEquity <= 0 {
		return 0
	}
	return (equity - sodEquity) / sodEquity * 100
}

// Watchdog monitors account equity against the start-of-day baseline and
// enforces the drawdown ceiling and manual kill switch.
type Watchdog struct {
	cfg      *config.Config
	st       *store.Store
	broker   broker.Broker
	notifier alerts.Notifier
	logger   *log.Logger

	// handled dedupes enforcement while a trip stays in force
	handled    bool
	lastEquity float64

	now  func() time.Time
	kill func(pid int, sig syscall.Signal) error
}

func New(cfg *config.Config, st *store.Store, b broker.Broker, notifier alerts.Notifier, logger *log.Logger) *Watchdog {
	if notifier == nil {
		notifier = alerts.Noop{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[WATCHDOG] ", log.LstdFlags)
	}
	return &Watchdog{
		cfg:      cfg,
		st:       st,
		broker:   b,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		kill:     func(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) },
	}
}

// Run drives the check loop until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	interval, err := time.ParseDuration(w.cfg.Watchdog.CheckInterval)
	if err != nil {
		return fmt.Errorf("invalid check interval: %w", err)
	}
	w.logger.Printf("watchdog running, interval %s, ceiling -%.1f%%, disarm -%.1f%%",
		interval, w.cfg.Watchdog.MaxDrawdownPct, w.cfg.Watchdog.RecoveryDisarmPct)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

// cycle runs one evaluation. The heartbeat row is written on every cycle
// no matter what failed, so the sentinel measures watchdog liveness and
// nothing else.
func (w *Watchdog) cycle(ctx context.Context) {
	now := w.now()
	equity := w.readEquity(ctx)

	var sod float64
	if equity > 0 {
		locked, err := w.st.LockSODEquity(now.In(w.cfg.Location()), equity)
		if err != nil {
			w.logger.Printf("locking SOD equity: %v", err)
		} else {
			sod = locked
		}
	}
	drawdown := DrawdownPct(equity, sod)

	tripped, origin, err := w.st.KillSwitch()
	if err != nil {
		w.logger.Printf("reading kill switch: %v", err)
	} else {
		w.act(ctx, decide(tripped, origin, drawdown, w.cfg.Watchdog.MaxDrawdownPct, w.cfg.Watchdog.RecoveryDisarmPct), origin, drawdown)
	}

	hb := store.Heartbeat{At: now, Equity: equity, SODEquity: sod, DrawdownPct: drawdown, Armed: !tripped}
	if err := w.st.WriteHeartbeat(hb); err != nil {
		w.logger.Printf("writing heartbeat: %v", err)
	}
}

func (w *Watchdog) act(ctx context.Context, action Action, origin string, drawdown float64) {
	switch action {
	case ActionTripAndFlatten:
		w.logger.Printf("drawdown %.2f%% breached ceiling -%.1f%%, tripping kill switch",
			drawdown, w.cfg.Watchdog.MaxDrawdownPct)
		if err := w.st.TripKillSwitch("auto"); err != nil {
			w.logger.Printf("tripping kill switch: %v", err)
		}
		w.enforce(ctx, fmt.Sprintf("drawdown %.2f%% breached -%.1f%% ceiling", drawdown, w.cfg.Watchdog.MaxDrawdownPct))
	case ActionHoldFlattening:
		if !w.handled {
			// A manual trip set by an operator while we were down
			w.enforce(ctx, fmt.Sprintf("kill switch set (%s)", origin))
		}
	case ActionDisarm:
		w.logger.Printf("drawdown %.2f%% recovered above -%.1f%%, disarming",
			drawdown, w.cfg.Watchdog.RecoveryDisarmPct)
		if err := w.st.ResetKillSwitch(); err != nil {
			w.logger.Printf("resetting kill switch: %v", err)
		}
		w.handled = false
	}
}

// readEquity fetches account equity, holding the last good reading when
// the broker is briefly unreachable.
func (w *Watchdog) readEquity(ctx context.Context) float64 {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	funds, err := w.broker.GetFunds(callCtx)
	if err != nil {
		w.logger.Printf("reading funds: %v (using last equity %.0f)", err, w.lastEquity)
		return w.lastEquity
	}
	w.lastEquity = funds.Equity
	return funds.Equity
}

// enforce terminates the engine process and flattens every broker
// position directly. Runs at most once per trip.
func (w *Watchdog) enforce(ctx context.Context, reason string) {
	w.handled = true
	w.logger.Printf("FLATTENING: %s", reason)
	_ = w.notifier.Notify(ctx, alerts.Alert{
		Severity: alerts.SeverityCritical,
		Source:   "watchdog",
		Kind:     "flatten",
		Message:  reason,
	})
	w.killEngine()
	if err := w.flattenPositions(ctx); err != nil {
		w.logger.Printf("flattening positions: %v", err)
		_ = w.notifier.Notify(ctx, alerts.Alert{
			Severity: alerts.SeverityCritical,
			Source:   "watchdog",
			Kind:     "flatten_failed",
			Message:  err.Error(),
		})
	}
}

// killEngine sends SIGTERM to the engine pid, waits out the grace
// period, and escalates to SIGKILL if the process is still alive.
func (w *Watchdog) killEngine() {
	pid, err := store.ReadPID(w.cfg.Storage.PIDFile)
	if err != nil || pid == 0 {
		w.logger.Printf("no engine pid to kill (pid=%d, err=%v)", pid, err)
		return
	}
	if !store.ProcessAlive(pid) {
		w.logger.Printf("engine pid %d already dead", pid)
		return
	}

	w.logger.Printf("sending SIGTERM to engine pid %d", pid)
	if err := w.kill(pid, syscall.SIGTERM); err != nil {
		w.logger.Printf("SIGTERM failed: %v", err)
	}

	grace, err := time.ParseDuration(w.cfg.Watchdog.KillGracePeriod)
	if err != nil {
		grace = 10 * time.Second
	}
	deadline := w.now().Add(grace)
	for w.now().Before(deadline) {
		if !store.ProcessAlive(pid) {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	w.logger.Printf("engine pid %d survived grace period, sending SIGKILL", pid)
	if err := w.kill(pid, syscall.SIGKILL); err != nil {
		w.logger.Printf("SIGKILL failed: %v", err)
	}
}

// flattenPositions closes every open broker position with market orders,
// independent of the engine's view of the book.
func (w *Watchdog) flattenPositions(ctx context.Context) error {
	positions, err := w.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reading positions: %w", err)
	}

	var firstErr error
	day := w.now().In(w.cfg.Location()).Format("20060102")
	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}
		side := broker.SideSell
		qty := pos.Quantity
		if qty < 0 {
			side = broker.SideBuy
			qty = -qty
		}
		req := broker.OrderRequest{
			ClientOrderID: flattenOrderID(day, pos.InstrumentID),
			InstrumentID:  pos.InstrumentID,
			Side:          side,
			Type:          broker.TypeMarket,
			Quantity:      qty,
		}
		if _, err := w.broker.PlaceOrder(ctx, req); err != nil {
			w.logger.Printf("flatten order for %s failed: %v", pos.InstrumentID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.logger.Printf("flattened %s x%d", pos.InstrumentID, pos.Quantity)
	}
	return firstErr
}

// flattenOrderID is deterministic per day and instrument so a watchdog
// restart mid-flatten replays the same ids instead of doubling exits.
func flattenOrderID(day, instrumentID string) string {
	sum := sha256.Sum256([]byte("flatten|" + day + "|" + instrumentID))
	return "VS" + hex.EncodeToString(sum[:8])
}
