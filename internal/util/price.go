// Package util provides common utility functions for price calculations.
package util

import "math"

// DefaultTick is the NSE option tick size.
const DefaultTick = 0.05

// tickEps absorbs float division noise at tick boundaries.
const tickEps = 1e-9

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 101.23 becomes 101.25.
func RoundToTick(x, tick float64) float64 {
	if tick == 0 || math.IsNaN(tick) {
		return x
	}
	tick = math.Abs(tick)
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to a tick multiple. Used for sell limits so
// the buffer never prices above intent.
func FloorToTick(x, tick float64) float64 {
	if tick == 0 || math.IsNaN(tick) {
		return x
	}
	tick = math.Abs(tick)
	return math.Floor(x/tick+tickEps) * tick
}

// CeilToTick rounds x up to a tick multiple. Used for buy limits.
func CeilToTick(x, tick float64) float64 {
	if tick == 0 || math.IsNaN(tick) {
		return x
	}
	tick = math.Abs(tick)
	return math.Ceil(x/tick-tickEps) * tick
}

// ClampNonNegative floors x at zero. Option premiums cannot cross zero
// however large a buffer is applied.
func ClampNonNegative(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}
