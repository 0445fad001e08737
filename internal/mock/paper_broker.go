// Package mock provides the in-memory paper broker used when the engine
// runs without live credentials. Fills are immediate and deterministic so
// paper sessions are reproducible.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rvgupta/volsentry/internal/broker"
)

// PaperBroker simulates a broker account. Orders fill instantly at their
// limit price (or the seeded LTP for market orders) and positions and
// equity update accordingly.
type PaperBroker struct {
	mu sync.Mutex

	equity    float64
	prices    map[string]float64
	orders    map[string]*broker.Order
	byClient  map[string]string // client order id -> broker order id
	positions map[string]*broker.Position
	nextID    int

	// RejectInstrument makes orders on that instrument bounce, for
	// exercising rollback paths in paper mode.
	RejectInstrument string

	now func() time.Time
}

var _ broker.Broker = (*PaperBroker)(nil)

func NewPaperBroker(equity float64) *PaperBroker {
	return &PaperBroker{
		equity:    equity,
		prices:    make(map[string]float64),
		orders:    make(map[string]*broker.Order),
		byClient:  make(map[string]string),
		positions: make(map[string]*broker.Position),
		now:       time.Now,
	}
}

// SetPrice seeds or moves the LTP for an instrument.
func (p *PaperBroker) SetPrice(instrumentID string, ltp float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[instrumentID] = ltp
	if pos, ok := p.positions[instrumentID]; ok {
		pos.LastPrice = ltp
		pos.PnL = (ltp - pos.AveragePrice) * float64(pos.Quantity)
	}
}

func (p *PaperBroker) GetFunds(context.Context) (*broker.Funds, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &broker.Funds{
		Equity:          p.equity,
		AvailableMargin: p.equity,
	}, nil
}

// SetEquity overrides the simulated account equity.
func (p *PaperBroker) SetEquity(equity float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.equity = equity
}

func (p *PaperBroker) GetPositions(context.Context) ([]broker.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broker.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Quantity != 0 {
			out = append(out, *pos)
		}
	}
	return out, nil
}

func (p *PaperBroker) LastTradePrice(_ context.Context, instrumentID string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ltp, ok := p.prices[instrumentID]
	if !ok {
		return 0, fmt.Errorf("no price for %s", instrumentID)
	}
	return ltp, nil
}

// PlaceOrder fills immediately. Resubmitting a known client order id
// returns the original order, matching the venue's idempotency contract.
func (p *PaperBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byClient[req.ClientOrderID]; ok {
		return p.copyOrder(existing)
	}

	price := req.LimitPrice
	if req.Type == broker.TypeMarket {
		price = p.prices[req.InstrumentID]
	}

	p.nextID++
	order := &broker.Order{
		BrokerOrderID: fmt.Sprintf("P%06d", p.nextID),
		ClientOrderID: req.ClientOrderID,
		InstrumentID:  req.InstrumentID,
		Side:          req.Side,
		Quantity:      req.Quantity,
		PlacedAt:      p.now(),
	}

	if req.InstrumentID == p.RejectInstrument {
		order.Status = broker.StatusRejected
		order.StatusMessage = "rejected by paper broker"
	} else if price <= 0 {
		order.Status = broker.StatusRejected
		order.StatusMessage = "no reference price for market order"
	} else {
		order.Status = broker.StatusComplete
		order.FilledQuantity = req.Quantity
		order.AveragePrice = price
		p.applyFill(req, price)
	}

	p.orders[order.BrokerOrderID] = order
	p.byClient[req.ClientOrderID] = order.BrokerOrderID
	return p.copyOrder(order.BrokerOrderID)
}

func (p *PaperBroker) applyFill(req broker.OrderRequest, price float64) {
	signed := req.Quantity
	cash := -price * float64(req.Quantity) // buys pay premium
	if req.Side == broker.SideSell {
		signed = -req.Quantity
		cash = -cash
	}
	p.equity += cash

	pos, ok := p.positions[req.InstrumentID]
	if !ok {
		pos = &broker.Position{InstrumentID: req.InstrumentID}
		p.positions[req.InstrumentID] = pos
	}
	pos.Quantity += signed
	pos.AveragePrice = price
	pos.LastPrice = price
}

func (p *PaperBroker) GetOrder(_ context.Context, brokerOrderID string) (*broker.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyOrder(brokerOrderID)
}

func (p *PaperBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("unknown order %s", brokerOrderID)
	}
	if !order.Terminal() {
		order.Status = broker.StatusCancelled
	}
	return nil
}

func (p *PaperBroker) copyOrder(brokerOrderID string) (*broker.Order, error) {
	order, ok := p.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", brokerOrderID)
	}
	cp := *order
	return &cp, nil
}
