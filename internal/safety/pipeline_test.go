package safety

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvgupta/volsentry/internal/advisory"
	"github.com/rvgupta/volsentry/internal/models"
	"github.com/rvgupta/volsentry/internal/oracle"
)

// --- gate doubles ---

type fakeKill struct {
	tripped bool
	origin  string
	err     error
}

func (f *fakeKill) KillSwitch() (bool, string, error) { return f.tripped, f.origin, f.err }

type fakeAdvisor struct {
	verdict advisory.Verdict
	calls   int
}

func (f *fakeAdvisor) Check(ctx context.Context, instruments []string) advisory.Verdict {
	f.calls++
	return f.verdict
}

type fakeWindow struct {
	err   error
	calls int
}

func (f *fakeWindow) CanEnter(now time.Time, expiryDate string, expiryType models.ExpiryType) error {
	f.calls++
	return f.err
}

type fakeOracle struct {
	confidence float64
	err        error
	calls      int
}

func (f *fakeOracle) Snapshot(ctx context.Context, instrumentID string, spot float64) (*models.GreeksSnapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.GreeksSnapshot{Timestamp: time.Now(), Confidence: f.confidence}, nil
}

type fakeMargin struct {
	err   error
	calls int
}

func (f *fakeMargin) Check(ctx context.Context, legs []*models.Leg, spot float64) (float64, error) {
	f.calls++
	return 100000, f.err
}

type testDeps struct {
	kill    *fakeKill
	advisor *fakeAdvisor
	window  *fakeWindow
	oracle  *fakeOracle
	margin  *fakeMargin
}

func newTestPipeline(t *testing.T) (*Pipeline, *testDeps) {
	t.Helper()
	d := &testDeps{
		kill:    &fakeKill{},
		advisor: &fakeAdvisor{},
		window:  &fakeWindow{},
		oracle:  &fakeOracle{confidence: 0.9},
		margin:  &fakeMargin{},
	}
	cfg := Config{
		MaxTradesPerDay:      3,
		TradeCooldown:        30 * time.Minute,
		MaxDrawdownPct:       5.0,
		GreekConfidenceFloor: 0.6,
		AccountSize:          2000000,
	}
	p := New(cfg, Deps{
		Kill:    d.kill,
		Advisor: d.advisor,
		Window:  d.window,
		Oracle:  d.oracle,
		Margin:  d.margin,
	}, log.New(io.Discard, "", 0))
	return p, d
}

func proposal() EntryProposal {
	return EntryProposal{
		TradeID:    "t1",
		Bucket:     models.BucketWeekly,
		ExpiryType: models.ExpiryWeekly,
		ExpiryDate: "2026-09-03",
		Legs: []*models.Leg{
			{InstrumentID: "H1", Quantity: 75, CurrentPrice: 12},
			{InstrumentID: "R1", Quantity: -75, CurrentPrice: 55},
		},
	}
}

func healthyMarket() *models.MarketContext {
	return &models.MarketContext{Timestamp: time.Now(), Spot: 23400, DailyPnL: 0}
}

func TestEvaluate_AllGatesPass(t *testing.T) {
	p, d := newTestPipeline(t)

	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.True(t, decision.Allowed)
	assert.Equal(t, 1, d.advisor.calls)
	assert.Equal(t, 1, d.window.calls)
	assert.Equal(t, 2, d.oracle.calls, "oracle consulted once per leg")
	assert.Equal(t, 1, d.margin.calls)
}

func TestEvaluate_DrawdownBreachHaltsAndSkipsLaterGates(t *testing.T) {
	p, d := newTestPipeline(t)

	// 5% of 2,000,000 lost today.
	mkt := healthyMarket()
	mkt.DailyPnL = -100000

	decision := p.Evaluate(context.Background(), proposal(), mkt)
	require.False(t, decision.Allowed)
	assert.Equal(t, GateDrawdown, decision.Gate)

	// Drawdown failure must short-circuit: no later gate may run.
	assert.Zero(t, d.advisor.calls)
	assert.Zero(t, d.window.calls)
	assert.Zero(t, d.oracle.calls)
	assert.Zero(t, d.margin.calls, "margin gate must never run after a drawdown breach")

	// The latch is set: even a recovered market is rejected at the halt gate.
	decision = p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateHalt, decision.Gate)
}

func TestEvaluate_DrawdownMeasuredFromIntradayPeak(t *testing.T) {
	p, _ := newTestPipeline(t)

	// A run-up lifts the peak to 2.2M.
	up := healthyMarket()
	up.DailyPnL = 200000
	require.True(t, p.Evaluate(context.Background(), proposal(), up).Allowed)

	// Giving back 120k is 5.45% off the peak even though the day is
	// still up 80k against the session open.
	back := healthyMarket()
	back.DailyPnL = 80000
	decision := p.Evaluate(context.Background(), proposal(), back)
	require.False(t, decision.Allowed)
	assert.Equal(t, GateDrawdown, decision.Gate)
	halted, _ := p.Halted()
	assert.True(t, halted)

	// The day roll clears the latch and re-bases the peak.
	p.ResetDaily()
	require.True(t, p.Evaluate(context.Background(), proposal(), back).Allowed)
}

func TestEvaluate_OnlyDrawdownSetsHalt(t *testing.T) {
	p, d := newTestPipeline(t)
	d.margin.err = errors.New("insufficient margin")

	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateMargin, decision.Gate)

	halted, _ := p.Halted()
	assert.False(t, halted, "a margin rejection must not latch the halt")
}

func TestEvaluate_KillSwitch(t *testing.T) {
	p, d := newTestPipeline(t)
	d.kill.tripped = true
	d.kill.origin = "manual"

	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateHalt, decision.Gate)
	assert.Contains(t, decision.Reason, "manual")
}

func TestEvaluate_KillSwitchUnreadableFailsClosed(t *testing.T) {
	p, d := newTestPipeline(t)
	d.kill.err = errors.New("db locked")

	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateHalt, decision.Gate)
}

func TestEvaluate_CadenceDailyLimit(t *testing.T) {
	p, _ := newTestPipeline(t)
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	p.WithClock(func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * time.Hour)
		decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
		require.True(t, decision.Allowed, "trade %d should pass", i+1)
		p.PostTradeUpdate(true)
	}

	clock = base.Add(8 * time.Hour)
	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateCadence, decision.Gate)
	assert.Contains(t, decision.Reason, "daily trade limit")
}

func TestEvaluate_CadenceCooldown(t *testing.T) {
	p, _ := newTestPipeline(t)
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	p.WithClock(func() time.Time { return clock })

	require.True(t, p.Evaluate(context.Background(), proposal(), healthyMarket()).Allowed)
	p.PostTradeUpdate(true)

	clock = base.Add(10 * time.Minute)
	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateCadence, decision.Gate)
	assert.Contains(t, decision.Reason, "cooldown")

	clock = base.Add(31 * time.Minute)
	assert.True(t, p.Evaluate(context.Background(), proposal(), healthyMarket()).Allowed)
}

func TestPostTradeUpdate_OnlyExecutedCounts(t *testing.T) {
	p, _ := newTestPipeline(t)

	p.PostTradeUpdate(false)
	p.PostTradeUpdate(false)
	trades, lastEntry := p.Snapshot()
	assert.Zero(t, trades)
	assert.True(t, lastEntry.IsZero())

	p.PostTradeUpdate(true)
	trades, lastEntry = p.Snapshot()
	assert.Equal(t, 1, trades)
	assert.False(t, lastEntry.IsZero())
}

func TestEvaluate_AdvisoryVeto(t *testing.T) {
	p, d := newTestPipeline(t)
	d.advisor.verdict = advisory.Verdict{Veto: true, Reason: "critical advisory a1"}

	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateAdvisory, decision.Gate)
	assert.Zero(t, d.window.calls, "veto must short-circuit later gates")
}

func TestEvaluate_LifecycleWindow(t *testing.T) {
	p, d := newTestPipeline(t)
	d.window.err = fmt.Errorf("past entry cutoff")

	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateLifecycle, decision.Gate)
	assert.Zero(t, d.oracle.calls)
}

func TestEvaluate_GreekFloor(t *testing.T) {
	p, d := newTestPipeline(t)
	d.oracle.confidence = 0.4

	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateGreeks, decision.Gate)
	assert.Zero(t, d.margin.calls)
}

func TestEvaluate_OracleFailureBlocksEntry(t *testing.T) {
	p, d := newTestPipeline(t)
	d.oracle.err = errors.New("oracle unreachable")

	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateGreeks, decision.Gate)
}

func TestEvaluate_GreeksCoverEveryLeg(t *testing.T) {
	p, d := newTestPipeline(t)

	prop := proposal()
	require.True(t, p.Evaluate(context.Background(), prop, healthyMarket()).Allowed)
	assert.Equal(t, 2, d.oracle.calls, "hedge and risk legs both need greeks")
}

func TestResetDaily(t *testing.T) {
	p, _ := newTestPipeline(t)

	p.Halt("drawdown breach")
	p.PostTradeUpdate(true)
	p.PostTradeUpdate(true)

	p.ResetDaily()

	halted, _ := p.Halted()
	assert.False(t, halted)
	trades, lastEntry := p.Snapshot()
	assert.Zero(t, trades)
	assert.True(t, lastEntry.IsZero())
}

func TestRestore(t *testing.T) {
	p, _ := newTestPipeline(t)
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	p.WithClock(func() time.Time { return base.Add(5 * time.Minute) })

	p.Restore(3, base)

	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateCadence, decision.Gate)
}

func TestStaticOracleIntegration(t *testing.T) {
	// The static fallback below the floor blocks all entries.
	p, _ := newTestPipeline(t)
	p.deps.Oracle = &oracle.Static{Confidence: 0.5}

	decision := p.Evaluate(context.Background(), proposal(), healthyMarket())
	require.False(t, decision.Allowed)
	assert.Equal(t, GateGreeks, decision.Gate)
}
