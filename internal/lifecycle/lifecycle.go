// Package lifecycle enforces expiry and holding-time rules. Entry checks
// reject trades outside their window; the monitor sweep force-closes live
// trades that have outstayed theirs.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rvgupta/volsentry/internal/config"
	"github.com/rvgupta/volsentry/internal/models"
)

const expiryLayout = "2006-01-02"

// Closer flattens one trade. Implemented by the engine.
type Closer interface {
	ForceClose(ctx context.Context, trade *models.MultiLegTrade, reason models.ExitReason, detail string) error
}

// Rules evaluates lifecycle constraints from the shared config.
type Rules struct {
	cfg    *config.Config
	logger *log.Logger
}

// NewRules creates the rule evaluator.
func NewRules(cfg *config.Config, logger *log.Logger) *Rules {
	if logger == nil {
		logger = log.New(log.Writer(), "[LIFECYCLE] ", log.LstdFlags)
	}
	return &Rules{cfg: cfg, logger: logger}
}

// CanEnter checks whether a new trade for the given expiry may open now.
// The session cutoff always applies. Expiry-specific rules need a parsed
// expiry date; a malformed date skips them rather than blocking the
// entry, since the holding ceilings still bound the trade after open.
func (r *Rules) CanEnter(now time.Time, expiryDate string, expiryType models.ExpiryType) error {
	loc := r.cfg.Location()
	now = now.In(loc)

	cutoff, err := r.cfg.ClockOn(r.cfg.Lifecycle.EntryCutoff, now)
	if err != nil {
		return fmt.Errorf("entry cutoff misconfigured: %w", err)
	}

	expiry, parseErr := time.ParseInLocation(expiryLayout, expiryDate, loc)
	if parseErr != nil {
		r.logger.Printf("unparseable expiry %q, applying session cutoff only", expiryDate)
		if !now.Before(cutoff) {
			return fmt.Errorf("past entry cutoff %s", r.cfg.Lifecycle.EntryCutoff)
		}
		return nil
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	expiryDay := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, loc)

	if expiryDay.Before(today) {
		return fmt.Errorf("expiry %s already past", expiryDate)
	}

	// Intraday trades must expire the same day they open.
	if expiryType == models.ExpiryIntraday && !expiryDay.Equal(today) {
		return fmt.Errorf("intraday entry with expiry %s, not today", expiryDate)
	}

	// Expiring today or tomorrow gets the earlier cutoff, so a fresh
	// position never opens just ahead of its own T-1 exit.
	if !expiryDay.After(today.AddDate(0, 0, 1)) {
		expiryCutoff, err := r.cfg.ClockOn(r.cfg.Lifecycle.ExpiryDayEntryCutoff, now)
		if err != nil {
			return fmt.Errorf("expiry-day cutoff misconfigured: %w", err)
		}
		if !now.Before(expiryCutoff) {
			return fmt.Errorf("past near-expiry entry cutoff %s", r.cfg.Lifecycle.ExpiryDayEntryCutoff)
		}
		return nil
	}

	if !now.Before(cutoff) {
		return fmt.Errorf("past entry cutoff %s", r.cfg.Lifecycle.EntryCutoff)
	}
	return nil
}

// Check decides whether a live trade must be flattened now, and why.
func (r *Rules) Check(trade *models.MultiLegTrade, now time.Time) (bool, models.ExitReason, string) {
	loc := r.cfg.Location()
	now = now.In(loc)

	if expiry, err := time.ParseInLocation(expiryLayout, trade.ExpiryDate, loc); err == nil {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		expiryDay := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, loc)
		daysToExpiry := int(expiryDay.Sub(today).Hours() / 24)

		if daysToExpiry < 0 {
			return true, models.ExitExpiry, fmt.Sprintf("expiry %s already past", trade.ExpiryDate)
		}

		// A non-intraday trade was supposed to exit T-1. Still open on
		// expiry day means the exit was missed; flatten immediately.
		if daysToExpiry == 0 && trade.ExpiryType != models.ExpiryIntraday {
			return true, models.ExitExpiry,
				fmt.Sprintf("non-intraday trade open on expiry day %s", trade.ExpiryDate)
		}

		// Intraday on its expiry day, or anything expiring tomorrow, is
		// flattened at the force-close time rather than carried into
		// settlement.
		if daysToExpiry <= 1 {
			forceClose, err := r.cfg.ClockOn(r.cfg.Lifecycle.ForceCloseTime, now)
			if err == nil && !now.Before(forceClose) {
				return true, models.ExitExpiry,
					fmt.Sprintf("force close at %s, expiry %s", r.cfg.Lifecycle.ForceCloseTime, trade.ExpiryDate)
			}
		}
	} else {
		r.logger.Printf("trade %s has unparseable expiry %q, holding ceiling still applies",
			trade.ID, trade.ExpiryDate)
	}

	// The ceiling binds even when the expiry date cannot be read.
	ceiling := r.cfg.MaxHolding(trade.ExpiryType)
	if held := trade.HoldingTime(now); held > ceiling {
		return true, models.ExitManual,
			fmt.Sprintf("held %v, ceiling %v for %s", held.Round(time.Minute), ceiling, trade.ExpiryType)
	}

	return false, "", ""
}

// Sweep runs Check over every live trade and force-closes violators.
// Close failures are logged and returned but do not stop the sweep.
func (r *Rules) Sweep(ctx context.Context, trades []*models.MultiLegTrade, closer Closer, now time.Time) []error {
	var errs []error
	for _, trade := range trades {
		if !trade.Status.IsLive() {
			continue
		}
		mustClose, reason, detail := r.Check(trade, now)
		if !mustClose {
			continue
		}
		r.logger.Printf("force closing trade %s: %s", trade.ID, detail)
		if err := closer.ForceClose(ctx, trade, reason, detail); err != nil {
			errs = append(errs, fmt.Errorf("force closing %s: %w", trade.ID, err))
		}
	}
	return errs
}
