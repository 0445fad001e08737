package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvgupta/volsentry/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openTrade(id string, entry time.Time) *models.MultiLegTrade {
	return &models.MultiLegTrade{
		ID:         id,
		Strategy:   models.StrategyIronCondor,
		Status:     models.StatusOpen,
		Bucket:     models.BucketWeekly,
		ExpiryType: models.ExpiryWeekly,
		ExpiryDate: "2026-09-03",
		EntryTime:  entry,
		Legs: []*models.Leg{
			{InstrumentID: "NIFTY24000CE", Strike: 24000, OptionType: models.OptionCall, Quantity: 75, EntryPrice: 12.5},
			{InstrumentID: "NIFTY23500CE", Strike: 23500, OptionType: models.OptionCall, Quantity: -75, EntryPrice: 55.0},
		},
	}
}

func TestSaveAndGetTrade(t *testing.T) {
	s := openTestStore(t)
	entry := time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC)

	require.NoError(t, s.SaveTrade(openTrade("t1", entry)))

	got, err := s.GetTrade("t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Len(t, got.Legs, 2)
	assert.True(t, got.EntryTime.Equal(entry))

	missing, err := s.GetTrade("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveTrade_RejectsInvalid(t *testing.T) {
	s := openTestStore(t)

	trade := openTrade("t1", time.Now())
	trade.Legs = nil
	assert.Error(t, s.SaveTrade(trade))
}

func TestLiveTrades(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	open := openTrade("open-1", now)
	require.NoError(t, s.SaveTrade(open))

	ext := openTrade("ext-1", now)
	ext.Status = models.StatusExternal
	require.NoError(t, s.SaveTrade(ext))

	closed := openTrade("closed-1", now)
	closed.Status = models.StatusClosed
	closed.ExitReason = models.ExitProfitTarget
	require.NoError(t, s.SaveTrade(closed))

	live, err := s.LiveTrades()
	require.NoError(t, err)
	ids := make([]string, 0, len(live))
	for _, tr := range live {
		ids = append(ids, tr.ID)
	}
	assert.ElementsMatch(t, []string{"open-1", "ext-1"}, ids)
}

func TestTradesEnteredSince(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 9, 1, 9, 15, 0, 0, time.UTC)

	require.NoError(t, s.SaveTrade(openTrade("t1", base.Add(1*time.Hour))))
	require.NoError(t, s.SaveTrade(openTrade("t2", base.Add(2*time.Hour))))

	// Yesterday's trade is outside the window.
	old := openTrade("t0", base.Add(-20*time.Hour))
	require.NoError(t, s.SaveTrade(old))

	// Adopted external positions never count toward cadence.
	ext := openTrade("ext", base.Add(3*time.Hour))
	ext.Status = models.StatusExternal
	require.NoError(t, s.SaveTrade(ext))

	count, last, err := s.TradesEnteredSince(base)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.True(t, last.Equal(base.Add(2*time.Hour)))
}

func TestHeartbeat(t *testing.T) {
	s := openTestStore(t)

	hb, err := s.LatestHeartbeat()
	require.NoError(t, err)
	assert.Nil(t, hb)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.WriteHeartbeat(Heartbeat{
		At: now, Equity: 1950000, SODEquity: 2000000, DrawdownPct: -2.5, Armed: true,
	}))
	require.NoError(t, s.WriteHeartbeat(Heartbeat{
		At: now.Add(2 * time.Second), Equity: 1940000, SODEquity: 2000000, DrawdownPct: -3.0, Armed: false,
	}))

	hb, err = s.LatestHeartbeat()
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.InDelta(t, 1940000, hb.Equity, 0.001)
	assert.False(t, hb.Armed)
}

func TestKillSwitch(t *testing.T) {
	s := openTestStore(t)

	tripped, _, err := s.KillSwitch()
	require.NoError(t, err)
	assert.False(t, tripped)

	require.NoError(t, s.TripKillSwitch("auto"))
	tripped, origin, err := s.KillSwitch()
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.Equal(t, "auto", origin)

	// Manual upgrade sticks; a later auto trip cannot downgrade it.
	require.NoError(t, s.TripKillSwitch("manual"))
	require.NoError(t, s.TripKillSwitch("auto"))
	_, origin, err = s.KillSwitch()
	require.NoError(t, err)
	assert.Equal(t, "manual", origin)

	require.NoError(t, s.ResetKillSwitch())
	tripped, _, err = s.KillSwitch()
	require.NoError(t, err)
	assert.False(t, tripped)
}

func TestLockSODEquity(t *testing.T) {
	s := openTestStore(t)
	day := time.Date(2026, 9, 1, 9, 16, 0, 0, time.UTC)

	locked, err := s.LockSODEquity(day, 2000000)
	require.NoError(t, err)
	assert.InDelta(t, 2000000, locked, 0.001)

	// Later callers on the same day get the original value back.
	locked, err = s.LockSODEquity(day.Add(3*time.Hour), 1800000)
	require.NoError(t, err)
	assert.InDelta(t, 2000000, locked, 0.001)

	// A new day re-locks.
	locked, err = s.LockSODEquity(day.AddDate(0, 0, 1), 1900000)
	require.NoError(t, err)
	assert.InDelta(t, 1900000, locked, 0.001)
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.pid")

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Zero(t, pid, "missing pid file reads as zero")

	require.NoError(t, WritePIDFile(path))
	pid, err = ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, ProcessAlive(pid))

	require.NoError(t, RemovePIDFile(path))
	require.NoError(t, RemovePIDFile(path), "double remove is fine")

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	pid, err = ReadPID(path)
	require.NoError(t, err)
	assert.Zero(t, pid)
}
