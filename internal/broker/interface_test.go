package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingBroker always errors, for tripping the breaker.
type failingBroker struct {
	calls int
}

func (f *failingBroker) GetFunds(ctx context.Context) (*Funds, error) {
	f.calls++
	return nil, errors.New("broker down")
}
func (f *failingBroker) GetPositions(ctx context.Context) ([]Position, error) {
	f.calls++
	return nil, errors.New("broker down")
}
func (f *failingBroker) LastTradePrice(ctx context.Context, id string) (float64, error) {
	f.calls++
	return 0, errors.New("broker down")
}
func (f *failingBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	f.calls++
	return nil, errors.New("broker down")
}
func (f *failingBroker) GetOrder(ctx context.Context, id string) (*Order, error) {
	f.calls++
	return nil, errors.New("broker down")
}
func (f *failingBroker) CancelOrder(ctx context.Context, id string) error {
	f.calls++
	return errors.New("broker down")
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	underlying := &failingBroker{}
	cb := NewCircuitBreakerBrokerWithSettings(underlying, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.6,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.GetFunds(ctx)
		require.Error(t, err)
	}
	callsBeforeOpen := underlying.calls

	// Breaker is now open; calls fail fast without touching the broker.
	_, err := cb.GetFunds(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, callsBeforeOpen, underlying.calls)
}

func TestCircuitBreakerPassesThroughSuccess(t *testing.T) {
	paper := &staticBroker{funds: Funds{Equity: 2000000, AvailableMargin: 1500000}}
	cb := NewCircuitBreakerBroker(paper)

	funds, err := cb.GetFunds(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2000000, funds.Equity, 0.001)
}

// staticBroker returns canned values.
type staticBroker struct {
	funds Funds
}

func (s *staticBroker) GetFunds(ctx context.Context) (*Funds, error) { f := s.funds; return &f, nil }
func (s *staticBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return nil, nil
}
func (s *staticBroker) LastTradePrice(ctx context.Context, id string) (float64, error) {
	return 100, nil
}
func (s *staticBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return &Order{ClientOrderID: req.ClientOrderID, Status: StatusComplete}, nil
}
func (s *staticBroker) GetOrder(ctx context.Context, id string) (*Order, error) {
	return &Order{BrokerOrderID: id, Status: StatusComplete}, nil
}
func (s *staticBroker) CancelOrder(ctx context.Context, id string) error { return nil }
