package ledger

import (
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvgupta/volsentry/internal/models"
	"github.com/rvgupta/volsentry/internal/store"
)

func testLimits() Limits {
	return Limits{
		models.BucketWeekly:   800000,
		models.BucketMonthly:  1000000,
		models.BucketIntraday: 200000,
	}
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, testLimits(), log.New(io.Discard, "", 0))
}

func TestAllocateAndRelease(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Allocate("t1", models.BucketWeekly, 300000))

	avail, err := l.Available(models.BucketWeekly)
	require.NoError(t, err)
	assert.InDelta(t, 500000, avail, 0.001)

	require.NoError(t, l.Release("t1", models.BucketWeekly))
	avail, err = l.Available(models.BucketWeekly)
	require.NoError(t, err)
	assert.InDelta(t, 800000, avail, 0.001)
}

func TestAllocate_RejectsOverLimit(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Allocate("t1", models.BucketIntraday, 150000))

	err := l.Allocate("t2", models.BucketIntraday, 100000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientCapital))

	// The failed allocation must leave no partial state behind.
	avail, availErr := l.Available(models.BucketIntraday)
	require.NoError(t, availErr)
	assert.InDelta(t, 50000, avail, 0.001)

	// A fitting allocation still succeeds afterwards.
	require.NoError(t, l.Allocate("t3", models.BucketIntraday, 50000))
}

func TestAllocate_RejectsBadInput(t *testing.T) {
	l := newTestLedger(t)

	assert.Error(t, l.Allocate("t1", models.BucketWeekly, 0))
	assert.Error(t, l.Allocate("t1", models.BucketWeekly, -500))
	assert.Error(t, l.Allocate("", models.BucketWeekly, 1000))
	assert.Error(t, l.Allocate("t1", models.CapitalBucket("JUNK"), 1000))
}

func TestAllocate_Idempotent(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Allocate("t1", models.BucketWeekly, 300000))
	// Crash-recovery replay of the same allocation must not double-count.
	require.NoError(t, l.Allocate("t1", models.BucketWeekly, 300000))

	avail, err := l.Available(models.BucketWeekly)
	require.NoError(t, err)
	assert.InDelta(t, 500000, avail, 0.001)
}

func TestRelease_NoReservationIsNoop(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Release("ghost", models.BucketMonthly))

	require.NoError(t, l.Allocate("t1", models.BucketMonthly, 400000))
	require.NoError(t, l.Release("t1", models.BucketMonthly))
	// Double release changes nothing.
	require.NoError(t, l.Release("t1", models.BucketMonthly))

	avail, err := l.Available(models.BucketMonthly)
	require.NoError(t, err)
	assert.InDelta(t, 1000000, avail, 0.001)
}

func TestAllocate_ConcurrentNeverOvercommits(t *testing.T) {
	l := newTestLedger(t)

	// Two 600k requests against a 1M bucket: exactly one can win.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Allocate(
				map[int]string{0: "racer-a", 1: "racer-b"}[i],
				models.BucketMonthly, 600000)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.True(t, errors.Is(err, ErrInsufficientCapital), "unexpected error: %v", err)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one of the racing allocations must lose")

	avail, err := l.Available(models.BucketMonthly)
	require.NoError(t, err)
	assert.InDelta(t, 400000, avail, 0.001)
}

func TestStatus(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Allocate("t1", models.BucketWeekly, 200000))

	status, err := l.Status()
	require.NoError(t, err)
	require.Len(t, status, 3)

	weekly := status[models.BucketWeekly]
	assert.InDelta(t, 800000, weekly.Limit, 0.001)
	assert.InDelta(t, 200000, weekly.Used, 0.001)
	assert.InDelta(t, 600000, weekly.Available, 0.001)

	monthly := status[models.BucketMonthly]
	assert.Zero(t, monthly.Used)
}
