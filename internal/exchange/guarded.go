package exchange

import (
	"context"

	"github.com/stratforge/crypto-strategy-engine/internal/safety"
	"github.com/stratforge/crypto-strategy-engine/pkg/types"
)

// Guarded decorates an Exchange with rate limiting and circuit breaking,
// split by endpoint group: order placement and cancels go through the
// trading guard, read-only market and account calls through the data guard.
// All strategy instances share one Guarded client, so the limiters shape
// the combined call rate.
type Guarded struct {
	inner   Exchange
	trading *safety.Guard
	data    *safety.Guard
}

// NewGuarded wraps inner with the two endpoint-group guards.
func NewGuarded(inner Exchange, trading, data *safety.Guard) *Guarded {
	return &Guarded{inner: inner, trading: trading, data: data}
}

// Inner returns the wrapped exchange.
func (g *Guarded) Inner() Exchange { return g.inner }

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.data.Do(ctx, func() error {
		var callErr error
		price, callErr = g.inner.GetCurrentPrice(ctx, symbol)
		return callErr
	})
	return price, err
}

func (g *Guarded) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	var ticker types.Ticker
	err := g.data.Do(ctx, func() error {
		var callErr error
		ticker, callErr = g.inner.GetTicker(ctx, symbol)
		return callErr
	})
	return ticker, err
}

func (g *Guarded) GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	var book types.OrderBook
	err := g.data.Do(ctx, func() error {
		var callErr error
		book, callErr = g.inner.GetOrderBook(ctx, symbol, depth)
		return callErr
	})
	return book, err
}

func (g *Guarded) GetBalance(ctx context.Context, asset string) (types.Balance, error) {
	var balance types.Balance
	err := g.data.Do(ctx, func() error {
		var callErr error
		balance, callErr = g.inner.GetBalance(ctx, asset)
		return callErr
	})
	return balance, err
}

func (g *Guarded) CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var result OrderResult
	err := g.trading.Do(ctx, func() error {
		var callErr error
		result, callErr = g.inner.CreateOrder(ctx, req)
		return callErr
	})
	return result, err
}

func (g *Guarded) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderResult, error) {
	var result OrderResult
	err := g.data.Do(ctx, func() error {
		var callErr error
		result, callErr = g.inner.GetOrderStatus(ctx, symbol, orderID)
		return callErr
	})
	return result, err
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return g.trading.Do(ctx, func() error {
		return g.inner.CancelOrder(ctx, symbol, orderID)
	})
}
