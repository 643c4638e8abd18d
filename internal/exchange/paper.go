package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stratforge/crypto-strategy-engine/pkg/types"
)

var knownQuotes = []string{"USDT", "USDC", "BUSD", "USD", "EUR", "BTC", "ETH"}

// SplitSymbol derives base and quote assets from a concatenated pair name.
func SplitSymbol(symbol string) (base, quote string, err error) {
	upper := strings.ToUpper(symbol)
	for _, q := range knownQuotes {
		if strings.HasSuffix(upper, q) && len(upper) > len(q) {
			return upper[:len(upper)-len(q)], q, nil
		}
	}
	return "", "", fmt.Errorf("cannot split symbol %q: %w", symbol, ErrSymbolNotFound)
}

// Paper is an in-memory exchange. Market orders fill at the current price,
// limit orders rest until a price update crosses them. Used by tests and
// demo mode, where the ticker stream drives SetPrice.
type Paper struct {
	mu       sync.Mutex
	prices   map[string]float64
	volumes  map[string]float64
	free     map[string]float64
	locked   map[string]float64
	orders   map[string]*OrderResult
	pairs    map[string][2]string
	seq      int64
	feeRate  float64
	nextErrs []error
}

// NewPaper creates a paper exchange holding the given free balances.
func NewPaper(balances map[string]float64) *Paper {
	p := &Paper{
		prices:  make(map[string]float64),
		volumes: make(map[string]float64),
		free:    make(map[string]float64),
		locked:  make(map[string]float64),
		orders:  make(map[string]*OrderResult),
		pairs:   make(map[string][2]string),
	}
	for asset, amount := range balances {
		p.free[strings.ToUpper(asset)] = amount
	}
	return p
}

// Name implements Exchange.
func (p *Paper) Name() string { return "paper" }

// SetFeeRate sets the taker fee applied on the quote side of fills.
func (p *Paper) SetFeeRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feeRate = rate
}

// RegisterPair maps a symbol to explicit base/quote assets, overriding the
// suffix heuristic.
func (p *Paper) RegisterPair(symbol, base, quote string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pairs[strings.ToUpper(symbol)] = [2]string{strings.ToUpper(base), strings.ToUpper(quote)}
}

// FailNext makes the next CreateOrder call fail with err. Queued in order.
func (p *Paper) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextErrs = append(p.nextErrs, err)
}

// SetPrice updates the last price for symbol and fills any resting limit
// orders the move crossed.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(symbol)] = price
	p.matchLocked(strings.ToUpper(symbol), price)
}

// SetVolume updates the reported 24h volume for symbol.
func (p *Paper) SetVolume(symbol string, volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[strings.ToUpper(symbol)] = volume
}

func (p *Paper) pair(symbol string) (base, quote string, err error) {
	if pq, ok := p.pairs[strings.ToUpper(symbol)]; ok {
		return pq[0], pq[1], nil
	}
	return SplitSymbol(symbol)
}

// matchLocked fills resting limit orders crossed by price. Buys fill when
// the market trades at or below the limit, sells at or above. Fills settle
// at the limit price. Caller holds the lock.
func (p *Paper) matchLocked(symbol string, price float64) {
	for _, o := range p.orders {
		if o.Symbol != symbol || o.Type != OrderTypeLimit || o.State.Terminal() {
			continue
		}
		crossed := (o.Side == SideBuy && price <= o.Price) ||
			(o.Side == SideSell && price >= o.Price)
		if crossed {
			p.fillLocked(o, o.Quantity-o.FilledQuantity, o.Price)
		}
	}
}

// fillLocked settles qty of order o at px. Caller holds the lock.
func (p *Paper) fillLocked(o *OrderResult, qty, px float64) {
	if qty <= 0 {
		return
	}
	base, quote, err := p.pair(o.Symbol)
	if err != nil {
		return
	}

	notional := qty * px
	if o.Side == SideBuy {
		if o.Type == OrderTypeLimit {
			p.locked[quote] -= notional
		} else {
			p.free[quote] -= notional * (1 + p.feeRate)
		}
		p.free[base] += qty
	} else {
		if o.Type == OrderTypeLimit {
			p.locked[base] -= qty
		} else {
			p.free[base] -= qty
		}
		p.free[quote] += notional * (1 - p.feeRate)
	}

	filledBefore := o.FilledQuantity
	o.AvgFillPrice = (o.AvgFillPrice*filledBefore + px*qty) / (filledBefore + qty)
	o.FilledQuantity += qty
	if o.FilledQuantity >= o.Quantity {
		o.State = OrderStateFilled
	} else {
		o.State = OrderStatePartiallyFilled
	}
	o.UpdatedAt = time.Now()
}

// FillOrder force-fills qty of a resting order at its limit price. qty <= 0
// fills the remainder. Test hook for partial-fill flows.
func (p *Paper) FillOrder(orderID string, qty float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.State.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, o.State)
	}
	remaining := o.Quantity - o.FilledQuantity
	if qty <= 0 || qty > remaining {
		qty = remaining
	}
	p.fillLocked(o, qty, o.Price)
	return nil
}

// GetCurrentPrice implements Exchange.
func (p *Paper) GetCurrentPrice(_ context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("no price for %s: %w", symbol, ErrSymbolNotFound)
	}
	return price, nil
}

// GetTicker implements Exchange.
func (p *Paper) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	price, err := p.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return types.Ticker{}, err
	}
	p.mu.Lock()
	volume := p.volumes[strings.ToUpper(symbol)]
	p.mu.Unlock()
	return types.Ticker{
		Symbol:    strings.ToUpper(symbol),
		Price:     price,
		Volume:    volume,
		Timestamp: time.Now(),
	}, nil
}

// GetOrderBook implements Exchange with a synthetic book around the last
// price, 0.1% per level.
func (p *Paper) GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	price, err := p.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return types.OrderBook{}, err
	}
	if depth <= 0 {
		depth = 10
	}
	book := types.OrderBook{Symbol: strings.ToUpper(symbol), Timestamp: time.Now()}
	for i := 1; i <= depth; i++ {
		step := price * 0.001 * float64(i)
		book.Bids = append(book.Bids, types.PriceLevel{Price: price - step, Quantity: 1})
		book.Asks = append(book.Asks, types.PriceLevel{Price: price + step, Quantity: 1})
	}
	return book, nil
}

// GetBalance implements Exchange.
func (p *Paper) GetBalance(_ context.Context, asset string) (types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := strings.ToUpper(asset)
	return types.Balance{Asset: a, Free: p.free[a], Locked: p.locked[a]}, nil
}

// CreateOrder implements Exchange.
func (p *Paper) CreateOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.nextErrs) > 0 {
		err := p.nextErrs[0]
		p.nextErrs = p.nextErrs[1:]
		return OrderResult{}, err
	}

	if req.Quantity <= 0 {
		return OrderResult{}, fmt.Errorf("quantity must be positive: %w", ErrInvalidOrder)
	}
	if req.Type == OrderTypeLimit && req.Price <= 0 {
		return OrderResult{}, fmt.Errorf("limit price must be positive: %w", ErrInvalidOrder)
	}

	symbol := strings.ToUpper(req.Symbol)
	base, quote, err := p.pair(symbol)
	if err != nil {
		return OrderResult{}, err
	}
	price, havePrice := p.prices[symbol]
	if !havePrice {
		return OrderResult{}, fmt.Errorf("no price for %s: %w", symbol, ErrSymbolNotFound)
	}

	p.seq++
	now := time.Now()
	o := &OrderResult{
		ExchangeOrderID: fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID:   req.ClientOrderID,
		Symbol:          symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		State:           OrderStateNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch req.Type {
	case OrderTypeMarket:
		if req.Side == SideBuy {
			cost := req.Quantity * price * (1 + p.feeRate)
			if p.free[quote] < cost {
				return OrderResult{}, fmt.Errorf("need %.8f %s: %w", cost, quote, ErrInsufficientBalance)
			}
		} else if p.free[base] < req.Quantity {
			return OrderResult{}, fmt.Errorf("need %.8f %s: %w", req.Quantity, base, ErrInsufficientBalance)
		}
		o.Price = price
		p.orders[o.ExchangeOrderID] = o
		p.fillLocked(o, req.Quantity, price)

	case OrderTypeLimit:
		if req.Side == SideBuy {
			cost := req.Quantity * req.Price
			if p.free[quote] < cost {
				return OrderResult{}, fmt.Errorf("need %.8f %s: %w", cost, quote, ErrInsufficientBalance)
			}
			p.free[quote] -= cost
			p.locked[quote] += cost
		} else {
			if p.free[base] < req.Quantity {
				return OrderResult{}, fmt.Errorf("need %.8f %s: %w", req.Quantity, base, ErrInsufficientBalance)
			}
			p.free[base] -= req.Quantity
			p.locked[base] += req.Quantity
		}
		p.orders[o.ExchangeOrderID] = o
		// Marketable limit orders fill straight away at the limit price.
		crossed := (req.Side == SideBuy && price <= req.Price) ||
			(req.Side == SideSell && price >= req.Price)
		if crossed {
			p.fillLocked(o, req.Quantity, req.Price)
		}

	default:
		return OrderResult{}, fmt.Errorf("unsupported order type %q: %w", req.Type, ErrInvalidOrder)
	}

	return *o, nil
}

// GetOrderStatus implements Exchange.
func (p *Paper) GetOrderStatus(_ context.Context, _ string, orderID string) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return OrderResult{}, ErrOrderNotFound
	}
	return *o, nil
}

// CancelOrder implements Exchange. Cancelling releases any locked funds for
// the unfilled remainder.
func (p *Paper) CancelOrder(_ context.Context, _ string, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.State.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, o.State)
	}

	base, quote, err := p.pair(o.Symbol)
	if err == nil && o.Type == OrderTypeLimit {
		remaining := o.Quantity - o.FilledQuantity
		if o.Side == SideBuy {
			refund := remaining * o.Price
			p.locked[quote] -= refund
			p.free[quote] += refund
		} else {
			p.locked[base] -= remaining
			p.free[base] += remaining
		}
	}

	o.State = OrderStateCancelled
	o.UpdatedAt = time.Now()
	return nil
}

// OpenOrders returns copies of every non-terminal order, mostly for tests.
func (p *Paper) OpenOrders(symbol string) []OrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	var out []OrderResult
	for _, o := range p.orders {
		if (symbol == "" || o.Symbol == symbol) && !o.State.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}
