// Package strategy proposes new spread trades from the current market
// state. The selector only builds defined-risk structures; every short
// leg comes with a protective wing further out.
package strategy

import (
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rvgupta/volsentry/internal/config"
	"github.com/rvgupta/volsentry/internal/models"
)

// Selector builds iron condor proposals around spot.
type Selector struct {
	cfg    *config.Config
	logger *log.Logger
}

func NewSelector(cfg *config.Config, logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.New(log.Writer(), "[STRATEGY] ", log.LstdFlags)
	}
	return &Selector{cfg: cfg, logger: logger}
}

// ShouldEnter checks the market regime before any proposal is built.
// A zero VIX means the feed has no reading yet and blocks entry.
func (s *Selector) ShouldEnter(mkt *models.MarketContext) (bool, string) {
	if mkt == nil || mkt.Spot <= 0 {
		return false, "no spot price"
	}
	st := s.cfg.Strategy
	if mkt.VIX < st.VIXFloor {
		return false, fmt.Sprintf("VIX %.1f below floor %.1f, premium too thin", mkt.VIX, st.VIXFloor)
	}
	if mkt.VIX > st.VIXCeiling {
		return false, fmt.Sprintf("VIX %.1f above ceiling %.1f", mkt.VIX, st.VIXCeiling)
	}
	return true, ""
}

// Propose builds a four-leg iron condor for the next expiry. Short
// strikes sit the configured offset away from spot, wings a fixed width
// beyond them. Quantities are lot-sized; the sign convention is positive
// for the bought wings and negative for the sold body.
func (s *Selector) Propose(now time.Time, spot float64) (*models.MultiLegTrade, error) {
	if spot <= 0 {
		return nil, fmt.Errorf("invalid spot %.2f", spot)
	}
	st := s.cfg.Strategy

	expiry := s.NextExpiry(now)
	expiryType := classifyExpiry(expiry, parseWeekday(st.ExpiryWeekday))
	bucket := bucketFor(expiryType)

	shortPut := floorToStep(spot*(1-st.OTMOffsetPct/100), st.StrikeStep)
	shortCall := ceilToStep(spot*(1+st.OTMOffsetPct/100), st.StrikeStep)
	longPut := shortPut - st.WingWidth
	longCall := shortCall + st.WingWidth
	if longPut <= 0 {
		return nil, fmt.Errorf("put wing %.0f below zero for spot %.2f", longPut, spot)
	}

	qty := st.LotSize * st.Lots
	mk := func(strike float64, ot models.OptionType, quantity int) *models.Leg {
		return &models.Leg{
			InstrumentID: Instrument(st.Underlying, expiry, strike, ot),
			Strike:       strike,
			OptionType:   ot,
			Quantity:     quantity,
			ExpiryType:   expiryType,
			Bucket:       bucket,
		}
	}

	trade := &models.MultiLegTrade{
		ID:       uuid.NewString(),
		Strategy: models.StrategyIronCondor,
		Status:   models.StatusPending,
		Legs: []*models.Leg{
			mk(longPut, models.OptionPut, qty),
			mk(longCall, models.OptionCall, qty),
			mk(shortPut, models.OptionPut, -qty),
			mk(shortCall, models.OptionCall, -qty),
		},
		EntryTime:  now,
		ExpiryDate: expiry.Format("2006-01-02"),
		ExpiryType: expiryType,
		Bucket:     bucket,
	}
	if err := trade.Validate(); err != nil {
		return nil, fmt.Errorf("built invalid proposal: %w", err)
	}
	s.logger.Printf("proposed condor %s: %0.f/%0.f/%0.f/%0.f exp %s (%s)",
		trade.ID, longPut, shortPut, shortCall, longCall, trade.ExpiryDate, expiryType)
	return trade, nil
}

// NextExpiry returns the next date on the configured expiry weekday,
// today included when today is that weekday. The lifecycle entry window
// rejects same-day proposals that are too close to expiry.
func (s *Selector) NextExpiry(now time.Time) time.Time {
	loc := s.cfg.Location()
	day := now.In(loc)
	target := parseWeekday(s.cfg.Strategy.ExpiryWeekday)
	for day.Weekday() != target {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
}

// classifyExpiry treats the last expiry weekday of a month as the
// monthly contract, everything else as weekly.
func classifyExpiry(expiry time.Time, weekday time.Weekday) models.ExpiryType {
	next := expiry.AddDate(0, 0, 7)
	if next.Weekday() != weekday {
		// Defensive normalization; AddDate preserves weekday
		return models.ExpiryWeekly
	}
	if next.Month() != expiry.Month() {
		return models.ExpiryMonthly
	}
	return models.ExpiryWeekly
}

func bucketFor(expiry models.ExpiryType) models.CapitalBucket {
	switch expiry {
	case models.ExpiryMonthly:
		return models.BucketMonthly
	case models.ExpiryIntraday:
		return models.BucketIntraday
	default:
		return models.BucketWeekly
	}
}

// Instrument formats an NFO option symbol, e.g. NIFTY25SEP24500PE.
func Instrument(underlying string, expiry time.Time, strike float64, ot models.OptionType) string {
	suffix := "CE"
	if ot == models.OptionPut {
		suffix = "PE"
	}
	return fmt.Sprintf("%s%02d%s%d%s",
		underlying,
		expiry.Year()%100,
		strings.ToUpper(expiry.Format("Jan")),
		int(strike),
		suffix)
}

func parseWeekday(raw string) time.Weekday {
	switch strings.ToLower(raw) {
	case "monday":
		return time.Monday
	case "tuesday":
		return time.Tuesday
	case "wednesday":
		return time.Wednesday
	case "thursday":
		return time.Thursday
	case "friday":
		return time.Friday
	default:
		return time.Thursday
	}
}

func floorToStep(v, step float64) float64 {
	return math.Floor(v/step) * step
}

func ceilToStep(v, step float64) float64 {
	return math.Ceil(v/step) * step
}
