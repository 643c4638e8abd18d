package exchange

import (
	"context"
	"time"

	"github.com/stratforge/crypto-strategy-engine/pkg/types"
)

// Side is the order direction in exchange wire format.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// OrderState is the exchange-side status of an order.
type OrderState string

const (
	OrderStateNew             OrderState = "New"
	OrderStatePartiallyFilled OrderState = "PartiallyFilled"
	OrderStateFilled          OrderState = "Filled"
	OrderStateCancelled       OrderState = "Cancelled"
	OrderStateRejected        OrderState = "Rejected"
)

// Terminal reports whether the state can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	}
	return false
}

// OrderRequest describes an order to be placed.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64 // base asset quantity
	Price         float64 // limit price; ignored for market orders
	ClientOrderID string  // caller-generated ID echoed back by the exchange
}

// OrderResult is the exchange's view of an order.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Type            OrderType
	Quantity        float64
	Price           float64
	State           OrderState
	FilledQuantity  float64
	AvgFillPrice    float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Exchange is the market access collaborator. Implementations must be safe
// for concurrent use; every strategy instance goroutine shares one client.
type Exchange interface {
	Name() string
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetTicker(ctx context.Context, symbol string) (types.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error)
	GetBalance(ctx context.Context, asset string) (types.Balance, error)
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}
