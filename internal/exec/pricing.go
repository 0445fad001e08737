package exec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rvgupta/volsentry/internal/broker"
	"github.com/rvgupta/volsentry/internal/util"
)

// Leg roles used in client order ids.
const (
	RoleHedge = "H"
	RoleRisk  = "R"
)

// ClientOrderID derives the deterministic idempotency key for one order
// slice. The same (trade, role, leg, slice) always hashes to the same id,
// so a crash-replayed placement is recognizable at the broker instead of
// doubling the position. The "VS" prefix plus 16 hex chars stays inside
// broker tag length limits.
func ClientOrderID(tradeID, role string, legIndex, sliceIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d", tradeID, role, legIndex, sliceIndex)))
	return "VS" + hex.EncodeToString(sum[:8])
}

// SliceQuantity splits an absolute quantity into exchange-acceptable
// slices, each at most freeze. Slice quantities are frozen at planning
// time; fills never change them.
func SliceQuantity(quantity, freeze int) []int {
	if quantity <= 0 {
		return nil
	}
	if freeze <= 0 || quantity <= freeze {
		return []int{quantity}
	}
	var slices []int
	for quantity > 0 {
		n := quantity
		if n > freeze {
			n = freeze
		}
		slices = append(slices, n)
		quantity -= n
	}
	return slices
}

// SmartLimit computes the limit price for a slice from the last traded
// price. Sells concede the buffer below LTP, buys above, so resting
// orders cross the spread instead of sitting unfilled. Prices round onto
// the tick grid away from the touch and never go below one tick.
func SmartLimit(ltp float64, side broker.OrderSide, bufferPct float64) float64 {
	if ltp <= 0 {
		return 0
	}
	var price float64
	switch side {
	case broker.SideSell:
		price = util.FloorToTick(ltp*(1-bufferPct/100), util.DefaultTick)
	case broker.SideBuy:
		price = util.CeilToTick(ltp*(1+bufferPct/100), util.DefaultTick)
	default:
		return 0
	}
	if price < util.DefaultTick {
		price = util.DefaultTick
	}
	return price
}

// WithinSlippage reports whether a fill price is acceptably close to the
// reference price for the given side. Sells may fill above reference
// freely; buys may fill below freely.
func WithinSlippage(fillPrice, reference float64, side broker.OrderSide, maxSlippagePct float64) bool {
	if reference <= 0 || fillPrice <= 0 {
		return false
	}
	var adverse float64
	switch side {
	case broker.SideSell:
		adverse = (reference - fillPrice) / reference * 100
	case broker.SideBuy:
		adverse = (fillPrice - reference) / reference * 100
	default:
		return false
	}
	return adverse <= maxSlippagePct
}
