package orders

import (
	"time"

	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
)

// Status is the local lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusFailed
}

// Intent is an approved trade action handed over by a controller.
type Intent struct {
	InstanceID string
	Symbol     string
	Side       exchange.Side
	Kind       exchange.OrderType
	Quantity   float64
	Price      float64 // limit price, unused for market orders
}

// Order is the local record of a submitted intent. Controllers read it;
// only the lifecycle manager mutates it.
type Order struct {
	LocalID         string         `json:"local_id"`
	ExchangeOrderID string         `json:"exchange_order_id,omitempty"`
	InstanceID      string         `json:"instance_id"`
	Symbol          string         `json:"symbol"`
	Side            exchange.Side  `json:"side"`
	Kind            exchange.OrderType `json:"kind"`
	Quantity        float64        `json:"quantity"`
	Price           float64        `json:"price,omitempty"`
	Status          Status         `json:"status"`
	FilledQuantity  float64        `json:"filled_quantity"`
	AvgFillPrice    float64        `json:"avg_fill_price"`
	SubmittedAt     time.Time      `json:"submitted_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	FailReason      string         `json:"fail_reason,omitempty"`
}

// QuoteValue returns the filled notional of the order.
func (o Order) QuoteValue() float64 {
	return o.FilledQuantity * o.AvgFillPrice
}
