package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/stratforge/crypto-strategy-engine/pkg/types"
)

// BybitConfig holds credentials and environment selection for the Bybit
// adapter.
type BybitConfig struct {
	APIKey    string
	APISecret string
	Category  string // "spot", "linear"; defaults to spot
	Testnet   bool
	Demo      bool // Bybit demo trading environment
}

// Bybit adapts the Bybit v5 unified trading API to the Exchange interface.
type Bybit struct {
	client   *bybit_api.Client
	category string
	env      string
}

// NewBybit creates a Bybit adapter.
func NewBybit(cfg BybitConfig) *Bybit {
	baseURL := bybit_api.MAINNET
	env := "mainnet"
	if cfg.Demo {
		baseURL = "https://api-demo.bybit.com"
		env = "demo"
	} else if cfg.Testnet {
		baseURL = bybit_api.TESTNET
		env = "testnet"
	}

	category := cfg.Category
	if category == "" {
		category = "spot"
	}

	return &Bybit{
		client:   bybit_api.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit_api.WithBaseURL(baseURL)),
		category: category,
		env:      env,
	}
}

// Name implements Exchange.
func (b *Bybit) Name() string { return "bybit-" + b.env }

// unwrapResult validates the server response envelope and re-marshals the
// result payload into out.
func unwrapResult(response interface{}, out interface{}) error {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", response)
	}
	if serverResp.RetCode != 0 {
		return bybitError(serverResp.RetCode, serverResp.RetMsg)
	}
	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := json.Unmarshal(resultBytes, out); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// bybitError maps v5 return codes onto the package sentinels.
func bybitError(code int, msg string) error {
	base := NewError(code, msg)
	switch code {
	case 110001, 170213:
		return fmt.Errorf("%s: %w", base.Error(), ErrOrderNotFound)
	case 110004, 110012, 170131:
		return fmt.Errorf("%s: %w", base.Error(), ErrInsufficientBalance)
	case 10006:
		return fmt.Errorf("%s: %w", base.Error(), ErrRateLimited)
	}
	return base
}

type bybitTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Volume24h string `json:"volume24h"`
}

func (b *Bybit) fetchTicker(ctx context.Context, symbol string) (bybitTicker, error) {
	params := map[string]interface{}{
		"category": b.category,
		"symbol":   symbol,
	}
	result, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return bybitTicker{}, fmt.Errorf("get tickers: %w", err)
	}

	var payload struct {
		List []bybitTicker `json:"list"`
	}
	if err := unwrapResult(result, &payload); err != nil {
		return bybitTicker{}, err
	}
	if len(payload.List) == 0 {
		return bybitTicker{}, fmt.Errorf("no ticker for %s: %w", symbol, ErrSymbolNotFound)
	}
	return payload.List[0], nil
}

// GetCurrentPrice implements Exchange.
func (b *Bybit) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	t, err := b.fetchTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return parseFloat(t.LastPrice), nil
}

// GetTicker implements Exchange.
func (b *Bybit) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	t, err := b.fetchTicker(ctx, symbol)
	if err != nil {
		return types.Ticker{}, err
	}
	return types.Ticker{
		Symbol:    t.Symbol,
		Price:     parseFloat(t.LastPrice),
		Volume:    parseFloat(t.Volume24h),
		Timestamp: time.Now(),
	}, nil
}

// GetOrderBook implements Exchange.
func (b *Bybit) GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	if depth <= 0 {
		depth = 25
	}
	params := map[string]interface{}{
		"category": b.category,
		"symbol":   symbol,
		"limit":    depth,
	}
	result, err := b.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("get order book: %w", err)
	}

	var payload struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		TS     int64      `json:"ts"`
	}
	if err := unwrapResult(result, &payload); err != nil {
		return types.OrderBook{}, err
	}

	book := types.OrderBook{
		Symbol:    payload.Symbol,
		Timestamp: time.UnixMilli(payload.TS),
	}
	for _, row := range payload.Bids {
		if len(row) >= 2 {
			book.Bids = append(book.Bids, types.PriceLevel{Price: parseFloat(row[0]), Quantity: parseFloat(row[1])})
		}
	}
	for _, row := range payload.Asks {
		if len(row) >= 2 {
			book.Asks = append(book.Asks, types.PriceLevel{Price: parseFloat(row[0]), Quantity: parseFloat(row[1])})
		}
	}
	return book, nil
}

// GetBalance implements Exchange. Unified account wallet, one coin.
func (b *Bybit) GetBalance(ctx context.Context, asset string) (types.Balance, error) {
	params := map[string]interface{}{
		"accountType": "UNIFIED",
		"coin":        asset,
	}
	result, err := b.client.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return types.Balance{}, fmt.Errorf("get wallet: %w", err)
	}

	var payload struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := unwrapResult(result, &payload); err != nil {
		return types.Balance{}, err
	}

	for _, account := range payload.List {
		for _, coin := range account.Coin {
			if coin.Coin == asset {
				total := parseFloat(coin.WalletBalance)
				locked := parseFloat(coin.Locked)
				return types.Balance{Asset: asset, Free: total - locked, Locked: locked}, nil
			}
		}
	}
	return types.Balance{Asset: asset}, nil
}

// CreateOrder implements Exchange. The v5 create endpoint returns only the
// order IDs; fill details come from GetOrderStatus.
func (b *Bybit) CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	params := map[string]interface{}{
		"category":  b.category,
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"orderType": string(req.Type),
		"qty":       formatFloat(req.Quantity),
	}
	if req.Type == OrderTypeLimit {
		if req.Price <= 0 {
			return OrderResult{}, fmt.Errorf("limit price must be positive: %w", ErrInvalidOrder)
		}
		params["price"] = formatFloat(req.Price)
		params["timeInForce"] = "GTC"
	}
	if req.ClientOrderID != "" {
		params["orderLinkId"] = req.ClientOrderID
	}
	// Spot market orders quote qty by default; force base units.
	if b.category == "spot" && req.Type == OrderTypeMarket {
		params["marketUnit"] = "baseCoin"
	}

	result, err := b.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return OrderResult{}, fmt.Errorf("place order: %w", err)
	}

	var payload struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := unwrapResult(result, &payload); err != nil {
		return OrderResult{}, err
	}

	now := time.Now()
	return OrderResult{
		ExchangeOrderID: payload.OrderID,
		ClientOrderID:   payload.OrderLinkID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		State:           OrderStateNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

type bybitOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

func (o bybitOrder) toResult() OrderResult {
	return OrderResult{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.OrderLinkID,
		Symbol:          o.Symbol,
		Side:            Side(o.Side),
		Type:            OrderType(o.OrderType),
		Quantity:        parseFloat(o.Qty),
		Price:           parseFloat(o.Price),
		State:           mapOrderState(o.OrderStatus),
		FilledQuantity:  parseFloat(o.CumExecQty),
		AvgFillPrice:    parseFloat(o.AvgPrice),
		CreatedAt:       time.UnixMilli(parseInt(o.CreatedTime)),
		UpdatedAt:       time.UnixMilli(parseInt(o.UpdatedTime)),
	}
}

// mapOrderState folds Bybit's status zoo onto the five adapter states.
func mapOrderState(s string) OrderState {
	switch s {
	case "New", "Created", "Untriggered", "Active":
		return OrderStateNew
	case "PartiallyFilled":
		return OrderStatePartiallyFilled
	case "Filled":
		return OrderStateFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return OrderStateCancelled
	case "Rejected":
		return OrderStateRejected
	default:
		return OrderStateNew
	}
}

// GetOrderStatus implements Exchange. Open orders first; settled orders
// have moved to history.
func (b *Bybit) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderResult, error) {
	if o, err := b.findOrder(ctx, symbol, orderID, false); err == nil {
		return o, nil
	}
	return b.findOrder(ctx, symbol, orderID, true)
}

func (b *Bybit) findOrder(ctx context.Context, symbol, orderID string, history bool) (OrderResult, error) {
	params := map[string]interface{}{
		"category": b.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}

	service := b.client.NewUtaBybitServiceWithParams(params)
	var result interface{}
	var err error
	if history {
		result, err = service.GetOrderHistory(ctx)
	} else {
		result, err = service.GetOpenOrders(ctx)
	}
	if err != nil {
		return OrderResult{}, fmt.Errorf("query order %s: %w", orderID, err)
	}

	var payload struct {
		List []bybitOrder `json:"list"`
	}
	if err := unwrapResult(result, &payload); err != nil {
		return OrderResult{}, err
	}
	for _, o := range payload.List {
		if o.OrderID == orderID {
			return o.toResult(), nil
		}
	}
	return OrderResult{}, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
}

// CancelOrder implements Exchange.
func (b *Bybit) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]interface{}{
		"category": b.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	result, err := b.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	var payload struct {
		OrderID string `json:"orderId"`
	}
	return unwrapResult(result, &payload)
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
