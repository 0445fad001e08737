package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvgupta/volsentry/internal/broker"
)

func TestPaperBrokerFillsAndTracksPositions(t *testing.T) {
	p := NewPaperBroker(2000000)
	p.SetPrice("NIFTY26SEP24500PE", 120)

	order, err := p.PlaceOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "VS0001",
		InstrumentID:  "NIFTY26SEP24500PE",
		Side:          broker.SideSell,
		Type:          broker.TypeLimit,
		Quantity:      75,
		LimitPrice:    118,
	})
	require.NoError(t, err)
	assert.True(t, order.Filled())
	assert.Equal(t, 118.0, order.AveragePrice)

	positions, err := p.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -75, positions[0].Quantity)

	// Selling collects premium.
	funds, err := p.GetFunds(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2000000+118*75, funds.Equity, 0.01)
}

func TestPaperBrokerIdempotentClientOrderID(t *testing.T) {
	p := NewPaperBroker(2000000)
	req := broker.OrderRequest{
		ClientOrderID: "VS0002",
		InstrumentID:  "NIFTY26SEP25500CE",
		Side:          broker.SideBuy,
		Type:          broker.TypeLimit,
		Quantity:      75,
		LimitPrice:    40,
	}

	first, err := p.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := p.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.BrokerOrderID, second.BrokerOrderID)

	positions, err := p.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 75, positions[0].Quantity, "replay must not double the position")
}

func TestPaperBrokerRejectInstrument(t *testing.T) {
	p := NewPaperBroker(2000000)
	p.RejectInstrument = "NIFTY26SEP24500PE"

	order, err := p.PlaceOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "VS0003",
		InstrumentID:  "NIFTY26SEP24500PE",
		Side:          broker.SideSell,
		Type:          broker.TypeLimit,
		Quantity:      75,
		LimitPrice:    100,
	})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusRejected, order.Status)
	assert.False(t, order.Filled())

	positions, err := p.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperBrokerMarketOrderNeedsPrice(t *testing.T) {
	p := NewPaperBroker(2000000)

	order, err := p.PlaceOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "VS0004",
		InstrumentID:  "NIFTY26SEP25500CE",
		Side:          broker.SideBuy,
		Type:          broker.TypeMarket,
		Quantity:      75,
	})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusRejected, order.Status)
}

func TestPaperBrokerFlattenRoundTrip(t *testing.T) {
	p := NewPaperBroker(2000000)
	p.SetPrice("NIFTY26SEP24500PE", 120)

	_, err := p.PlaceOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "VS0005",
		InstrumentID:  "NIFTY26SEP24500PE",
		Side:          broker.SideSell,
		Type:          broker.TypeMarket,
		Quantity:      75,
	})
	require.NoError(t, err)

	_, err = p.PlaceOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "VS0006",
		InstrumentID:  "NIFTY26SEP24500PE",
		Side:          broker.SideBuy,
		Type:          broker.TypeMarket,
		Quantity:      75,
	})
	require.NoError(t, err)

	positions, err := p.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions, "flat book after round trip")
}
