package strategy

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvgupta/volsentry/internal/config"
	"github.com/rvgupta/volsentry/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{Timezone: "Asia/Kolkata"},
		Strategy: config.StrategyConfig{
			Underlying:    "NIFTY",
			StrikeStep:    50,
			OTMOffsetPct:  2.0,
			WingWidth:     500,
			LotSize:       75,
			Lots:          1,
			ExpiryWeekday: "Thursday",
			VIXFloor:      10,
			VIXCeiling:    35,
		},
	}
}

func testSelector() *Selector {
	return NewSelector(testConfig(), log.New(io.Discard, "", 0))
}

func ist(y int, m time.Month, d, hh, mm int) time.Time {
	loc := time.FixedZone("IST", 5*3600+30*60)
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func TestShouldEnter(t *testing.T) {
	s := testSelector()

	tests := []struct {
		name string
		mkt  *models.MarketContext
		want bool
	}{
		{"nil context", nil, false},
		{"no spot", &models.MarketContext{VIX: 15}, false},
		{"vix in band", &models.MarketContext{Spot: 25000, VIX: 15}, true},
		{"vix below floor", &models.MarketContext{Spot: 25000, VIX: 8}, false},
		{"vix above ceiling", &models.MarketContext{Spot: 25000, VIX: 40}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := s.ShouldEnter(tt.mkt)
			assert.Equal(t, tt.want, ok)
			if !ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestProposeBuildsBalancedCondor(t *testing.T) {
	s := testSelector()
	now := ist(2026, time.September, 7, 10, 30) // Monday

	trade, err := s.Propose(now, 25000)
	require.NoError(t, err)
	require.NoError(t, trade.Validate())

	assert.Equal(t, models.StrategyIronCondor, trade.Strategy)
	assert.Equal(t, models.StatusPending, trade.Status)
	require.Len(t, trade.Legs, 4)
	assert.Len(t, trade.HedgeLegs(), 2)
	assert.Len(t, trade.RiskLegs(), 2)

	// 2% of 25000 is 500 points. Shorts 24500/25500, wings 500 beyond.
	strikes := map[string]float64{}
	for _, leg := range trade.Legs {
		key := string(leg.OptionType)
		if leg.IsHedge() {
			key = "long_" + key
		} else {
			key = "short_" + key
		}
		strikes[key] = leg.Strike
		assert.Equal(t, 75, abs(leg.Quantity))
	}
	assert.Equal(t, 24500.0, strikes["short_PUT"])
	assert.Equal(t, 25500.0, strikes["short_CALL"])
	assert.Equal(t, 24000.0, strikes["long_PUT"])
	assert.Equal(t, 26000.0, strikes["long_CALL"])

	// Thursday 2026-09-10 is the next weekly expiry from Monday the 7th.
	assert.Equal(t, "2026-09-10", trade.ExpiryDate)
	assert.Equal(t, models.ExpiryWeekly, trade.ExpiryType)
	assert.Equal(t, models.BucketWeekly, trade.Bucket)
}

func TestProposeStrikesSnapToGrid(t *testing.T) {
	s := testSelector()
	trade, err := s.Propose(ist(2026, time.September, 7, 10, 30), 25013)
	require.NoError(t, err)
	for _, leg := range trade.Legs {
		assert.Zero(t, int(leg.Strike)%50, "strike %.0f off the 50-point grid", leg.Strike)
	}
}

func TestProposeRejectsBadSpot(t *testing.T) {
	s := testSelector()
	_, err := s.Propose(ist(2026, time.September, 7, 10, 30), 0)
	assert.Error(t, err)
}

func TestNextExpiry(t *testing.T) {
	s := testSelector()
	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{"monday rolls to thursday", ist(2026, time.September, 7, 10, 0), "2026-09-10"},
		{"thursday is expiry day", ist(2026, time.September, 10, 10, 0), "2026-09-10"},
		{"friday rolls a week", ist(2026, time.September, 11, 10, 0), "2026-09-17"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.NextExpiry(tt.now).Format("2006-01-02"))
		})
	}
}

func TestClassifyExpiry(t *testing.T) {
	// 2026-09-24 is the last Thursday of September 2026.
	assert.Equal(t, models.ExpiryMonthly,
		classifyExpiry(ist(2026, time.September, 24, 0, 0), time.Thursday))
	assert.Equal(t, models.ExpiryWeekly,
		classifyExpiry(ist(2026, time.September, 10, 0, 0), time.Thursday))
}

func TestInstrument(t *testing.T) {
	expiry := ist(2026, time.September, 10, 0, 0)
	assert.Equal(t, "NIFTY26SEP24500PE", Instrument("NIFTY", expiry, 24500, models.OptionPut))
	assert.Equal(t, "NIFTY26SEP25500CE", Instrument("NIFTY", expiry, 25500, models.OptionCall))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
