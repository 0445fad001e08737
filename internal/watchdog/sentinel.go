package watchdog

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rvgupta/volsentry/internal/alerts"
	"github.com/rvgupta/volsentry/internal/store"
)

// Sentinel watches the watchdog's heartbeat trail. It reads shared state
// and raises alerts; it never touches trading state, so it stays safe to
// run anywhere with access to the database file.
type Sentinel struct {
	st         *store.Store
	notifier   alerts.Notifier
	staleAfter time.Duration
	interval   time.Duration
	logger     *log.Logger
	now        func() time.Time
}

func NewSentinel(st *store.Store, notifier alerts.Notifier, staleAfter, interval time.Duration, logger *log.Logger) *Sentinel {
	if notifier == nil {
		notifier = alerts.Noop{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SENTINEL] ", log.LstdFlags)
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sentinel{
		st:         st,
		notifier:   notifier,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
	}
}

// Run checks heartbeat freshness until the context is cancelled.
func (s *Sentinel) Run(ctx context.Context) error {
	s.logger.Printf("sentinel running, interval %s, stale after %s", s.interval, s.staleAfter)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if stale, reason := s.check(s.now()); stale {
				s.logger.Printf("watchdog liveness failure: %s", reason)
				_ = s.notifier.Notify(ctx, alerts.Alert{
					Severity: alerts.SeverityCritical,
					Source:   "sentinel",
					Kind:     "watchdog_stale",
					Message:  reason,
				})
			}
		}
	}
}

// check reports whether the watchdog heartbeat is missing or stale. An
// unreadable store counts as stale; the sentinel cannot verify liveness
// and must say so rather than stay silent.
func (s *Sentinel) check(now time.Time) (bool, string) {
	hb, err := s.st.LatestHeartbeat()
	if err != nil {
		return true, fmt.Sprintf("heartbeat unreadable: %v", err)
	}
	if hb == nil {
		return true, "no watchdog heartbeat has ever been written"
	}
	if age := now.Sub(hb.At); age > s.staleAfter {
		return true, fmt.Sprintf("watchdog heartbeat is %s old (limit %s)", age.Round(time.Second), s.staleAfter)
	}
	return false, ""
}
