package models

import "fmt"

// TradeStatus is the lifecycle state of a multi-leg trade.
type TradeStatus string

const (
	// StatusPending means an entry has been proposed but no leg is filled yet
	StatusPending TradeStatus = "PENDING"
	// StatusOpen means all legs filled and the trade is live
	StatusOpen TradeStatus = "OPEN"
	// StatusClosed means every leg has been exited
	StatusClosed TradeStatus = "CLOSED"
	// StatusExternal marks a broker position the system did not originate.
	// External trades are monitored and force-closed by lifecycle rules but
	// never counted against cadence limits.
	StatusExternal TradeStatus = "EXTERNAL"
)

// ValidStatusTransitions defines the allowed lifecycle moves. A pending
// trade that fails execution goes straight to closed; an adopted external
// position can only be closed.
var ValidStatusTransitions = map[TradeStatus][]TradeStatus{
	StatusPending:  {StatusOpen, StatusClosed},
	StatusOpen:     {StatusClosed},
	StatusExternal: {StatusClosed},
	StatusClosed:   {},
}

// CanTransitionTo checks whether moving to the target status is allowed.
func (s TradeStatus) CanTransitionTo(target TradeStatus) bool {
	for _, allowed := range ValidStatusTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s TradeStatus) IsTerminal() bool {
	return len(ValidStatusTransitions[s]) == 0
}

// IsLive reports whether the trade holds broker positions that lifecycle
// monitoring must track.
func (s TradeStatus) IsLive() bool {
	return s == StatusOpen || s == StatusExternal
}

// TransitionTo moves the trade to the target status, enforcing the
// transition table. Returns an error describing the rejected move.
func (t *MultiLegTrade) TransitionTo(target TradeStatus) error {
	if !t.Status.CanTransitionTo(target) {
		return fmt.Errorf("invalid status transition for trade %s: %s -> %s", t.ID, t.Status, target)
	}
	t.Status = target
	return nil
}
