// Package broker defines the brokerage interface and its live and
// resilience-wrapped implementations.
package broker

import (
	"fmt"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the pricing mode of an order.
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// Order statuses as reported by the broker.
const (
	StatusOpenOrder = "OPEN"
	StatusComplete  = "COMPLETE"
	StatusRejected  = "REJECTED"
	StatusCancelled = "CANCELLED"
)

// OrderRequest is one order slice to place. ClientOrderID is the caller's
// deterministic idempotency key; resubmitting the same id must not create
// a duplicate order.
type OrderRequest struct {
	ClientOrderID string
	InstrumentID  string
	Side          OrderSide
	Type          OrderType
	Quantity      int
	LimitPrice    float64 // ignored for market orders
}

// Validate rejects structurally invalid requests before they reach the wire.
func (r OrderRequest) Validate() error {
	if r.ClientOrderID == "" {
		return fmt.Errorf("order has no client order id")
	}
	if r.InstrumentID == "" {
		return fmt.Errorf("order %s has no instrument", r.ClientOrderID)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order %s has invalid quantity %d", r.ClientOrderID, r.Quantity)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("order %s has invalid side %q", r.ClientOrderID, r.Side)
	}
	if r.Type == TypeLimit && r.LimitPrice <= 0 {
		return fmt.Errorf("order %s is a limit order without a price", r.ClientOrderID)
	}
	return nil
}

// Order is the broker's view of a placed order.
type Order struct {
	BrokerOrderID  string
	ClientOrderID  string
	InstrumentID   string
	Side           OrderSide
	Status         string
	Quantity       int
	FilledQuantity int
	AveragePrice   float64
	PlacedAt       time.Time
	StatusMessage  string
}

// Filled reports whether the order is fully executed.
func (o *Order) Filled() bool {
	return o.Status == StatusComplete && o.FilledQuantity >= o.Quantity
}

// Terminal reports whether the broker will not change this order further.
func (o *Order) Terminal() bool {
	switch o.Status {
	case StatusComplete, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Position is one instrument holding at the broker.
type Position struct {
	InstrumentID string
	Quantity     int
	AveragePrice float64
	LastPrice    float64
	PnL          float64
}

// Funds is the account margin snapshot.
type Funds struct {
	Equity          float64
	AvailableMargin float64
	UsedMargin      float64
}

// APIError is a non-2xx broker API response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Body)
}
