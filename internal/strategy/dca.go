package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/notifications"
	"github.com/stratforge/crypto-strategy-engine/internal/orders"
	"github.com/stratforge/crypto-strategy-engine/internal/stats"
)

// DCAParams configures a dollar-cost-averaging controller. Percentages are
// fractions: 0.05 means 5%.
type DCAParams struct {
	FiatAmount float64       `json:"fiat_amount" mapstructure:"fiat_amount"`
	Interval   time.Duration `json:"interval" mapstructure:"interval"`

	// Limits; zero disables each. Hitting one completes the instance.
	MaxOrders        int       `json:"max_orders" mapstructure:"max_orders"`
	MaxPositionQuote float64   `json:"max_position_quote" mapstructure:"max_position_quote"`
	EndTime          time.Time `json:"end_time" mapstructure:"end_time"`

	// Exits against the weighted average entry; zero disables each.
	// Hitting one liquidates the position and completes the instance.
	StopLossPct   float64 `json:"stop_loss_pct" mapstructure:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct" mapstructure:"take_profit_pct"`
}

// Validate rejects parameter combinations the controller cannot run with.
func (p DCAParams) Validate() error {
	if p.FiatAmount <= 0 {
		return engerr.NewValidation("dca", "fiat_amount must be positive, got %v", p.FiatAmount)
	}
	if p.Interval <= 0 {
		return engerr.NewValidation("dca", "interval must be positive, got %v", p.Interval)
	}
	if p.MaxOrders < 0 {
		return engerr.NewValidation("dca", "max_orders must not be negative, got %d", p.MaxOrders)
	}
	if p.MaxPositionQuote < 0 {
		return engerr.NewValidation("dca", "max_position_quote must not be negative, got %v", p.MaxPositionQuote)
	}
	if p.StopLossPct < 0 || p.StopLossPct >= 1 {
		return engerr.NewValidation("dca", "stop_loss_pct must be in [0,1), got %v", p.StopLossPct)
	}
	if p.TakeProfitPct < 0 {
		return engerr.NewValidation("dca", "take_profit_pct must not be negative, got %v", p.TakeProfitPct)
	}
	return nil
}

// DCA buys a fixed fiat amount at a fixed interval. The position only grows
// until a limit completes the instance or a stop-loss/take-profit liquidates
// it.
type DCA struct {
	symbol string
	params DCAParams

	nextOrderAt   time.Time // zero means due on the first active tick
	ordersPlaced  int
	baseQty       float64 // filled base accumulated
	investedQuote float64 // quote spent on filled buys
	firstFillAt   time.Time
	openBuys      []string // local order IDs awaiting fill
}

type dcaState struct {
	NextOrderAt   time.Time `json:"next_order_at"`
	OrdersPlaced  int       `json:"orders_placed"`
	BaseQty       float64   `json:"base_qty"`
	InvestedQuote float64   `json:"invested_quote"`
	FirstFillAt   time.Time `json:"first_fill_at"`
	OpenBuys      []string  `json:"open_buys,omitempty"`
}

// NewDCA builds a DCA controller for the symbol, failing on invalid params.
func NewDCA(symbol string, params DCAParams) (*DCA, error) {
	if symbol == "" {
		return nil, engerr.NewValidation("dca", "symbol must not be empty")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &DCA{symbol: symbol, params: params}, nil
}

func (d *DCA) Kind() Kind     { return KindDCA }
func (d *DCA) Symbol() string { return d.symbol }

// Params returns the controller configuration.
func (d *DCA) Params() DCAParams { return d.params }

// AvgEntryPrice returns the weighted average fill price of all buys, 0 while
// no buy has filled.
func (d *DCA) AvgEntryPrice() float64 {
	if d.baseQty <= 0 {
		return 0
	}
	return d.investedQuote / d.baseQty
}

// NextOrderAt returns when the next periodic buy is due; the zero time means
// immediately.
func (d *DCA) NextOrderAt() time.Time { return d.nextOrderAt }

func (d *DCA) Init(ctx context.Context, env *Env) error { return nil }

func (d *DCA) Tick(ctx context.Context, env *Env) error {
	env.Orders.ReconcileOpen(ctx, env.InstanceID)
	d.absorbFills(env)

	price := env.LastPrice()
	if price <= 0 {
		return engerr.NewTransient("dca", "tick", "no market data for %s yet", d.symbol)
	}
	now := env.now()

	// Periodic buy first, then exits and limits, so a limit hit by this
	// tick's buy completes the instance on the same pass.
	if !now.Before(d.nextOrderAt) && d.limitReached(now) == "" {
		if err := d.placeBuy(ctx, env, price, now); err != nil {
			return err
		}
	}

	if reason := d.exitTriggered(price); reason != "" {
		if err := d.liquidate(ctx, env, price, reason); err != nil {
			return err
		}
		env.Notify(notifications.SeveritySuccess, "DCA %s closed: %s", d.symbol, reason)
		return fmt.Errorf("%s: %w", reason, ErrCompleted)
	}

	if reason := d.limitReached(now); reason != "" {
		env.Notify(notifications.SeverityInfo, "DCA %s finished: %s", d.symbol, reason)
		return fmt.Errorf("%s: %w", reason, ErrCompleted)
	}
	return nil
}

// absorbFills folds terminal buy orders into the running position.
func (d *DCA) absorbFills(env *Env) {
	remaining := d.openBuys[:0]
	for _, id := range d.openBuys {
		o, ok := env.Orders.Get(id)
		if !ok {
			continue
		}
		switch o.Status {
		case orders.StatusFilled:
			d.baseQty += o.FilledQuantity
			d.investedQuote += o.QuoteValue()
			if d.firstFillAt.IsZero() {
				d.firstFillAt = o.UpdatedAt
			}
		case orders.StatusCancelled, orders.StatusFailed:
			env.Log.WithFields(logrus.Fields{"order": id, "status": o.Status}).Warn("periodic buy did not fill")
		default:
			remaining = append(remaining, id)
		}
	}
	d.openBuys = remaining
}

func (d *DCA) placeBuy(ctx context.Context, env *Env, price float64, now time.Time) error {
	_, quote, err := env.Assets()
	if err != nil {
		return engerr.NewValidation("dca", "bad symbol %s: %v", d.symbol, err)
	}
	bal, err := env.Exchange.GetBalance(ctx, quote)
	if err != nil {
		return engerr.Wrap(err, engerr.CategoryTransient, "dca", "get balance")
	}
	if bal.Free < d.params.FiatAmount {
		env.Log.WithFields(logrus.Fields{
			"free":   bal.Free,
			"needed": d.params.FiatAmount,
		}).Warn("insufficient quote balance, periodic buy skipped")
		return nil
	}

	qty := d.params.FiatAmount / price
	o, approved, err := env.MarketOrder(ctx, exchange.SideBuy, qty)
	if !approved {
		return nil // rejected for this tick only, stays due
	}
	if err != nil {
		return err
	}

	d.ordersPlaced++
	d.nextOrderAt = now.Add(d.params.Interval)

	reconciled, rerr := env.Orders.Reconcile(ctx, o.LocalID)
	if rerr == nil && reconciled.Status == orders.StatusFilled {
		d.baseQty += reconciled.FilledQuantity
		d.investedQuote += reconciled.QuoteValue()
		if d.firstFillAt.IsZero() {
			d.firstFillAt = reconciled.UpdatedAt
		}
	} else {
		d.openBuys = append(d.openBuys, o.LocalID)
	}

	env.Log.WithFields(logrus.Fields{
		"order":      o.LocalID,
		"qty":        qty,
		"price":      price,
		"next_order": d.nextOrderAt.Format(time.RFC3339),
	}).Info("periodic buy placed")
	return nil
}

// exitTriggered names the triggered stop-loss or take-profit, "" when none.
func (d *DCA) exitTriggered(price float64) string {
	avg := d.AvgEntryPrice()
	if avg <= 0 {
		return ""
	}
	if d.params.StopLossPct > 0 && price <= avg*(1-d.params.StopLossPct) {
		return fmt.Sprintf("stop loss hit at %.8g (entry %.8g)", price, avg)
	}
	if d.params.TakeProfitPct > 0 && price >= avg*(1+d.params.TakeProfitPct) {
		return fmt.Sprintf("take profit hit at %.8g (entry %.8g)", price, avg)
	}
	return ""
}

// limitReached names the triggered limit, "" when none.
func (d *DCA) limitReached(now time.Time) string {
	if d.params.MaxOrders > 0 && d.ordersPlaced >= d.params.MaxOrders {
		return fmt.Sprintf("max orders reached (%d)", d.params.MaxOrders)
	}
	if d.params.MaxPositionQuote > 0 && d.investedQuote >= d.params.MaxPositionQuote {
		return fmt.Sprintf("max position reached (%.8g quote)", d.investedQuote)
	}
	if !d.params.EndTime.IsZero() && !now.Before(d.params.EndTime) {
		return "end time reached"
	}
	return ""
}

func (d *DCA) liquidate(ctx context.Context, env *Env, price float64, reason string) error {
	if d.baseQty <= 0 {
		return nil
	}
	avg := d.AvgEntryPrice()
	o, err := env.Liquidate(ctx, exchange.SideSell, d.baseQty)
	if err != nil {
		return fmt.Errorf("liquidate for %s: %w", reason, err)
	}
	exit := o.AvgFillPrice
	if exit <= 0 {
		exit = price
	}
	entryAt := d.firstFillAt
	if entryAt.IsZero() {
		entryAt = env.now()
	}
	env.Tracker.RecordTrade(stats.Trade{
		Symbol:     d.symbol,
		Side:       exchange.SideBuy,
		Quantity:   d.baseQty,
		EntryPrice: avg,
		ExitPrice:  exit,
		PnL:        (exit - avg) * d.baseQty,
		EntryTime:  entryAt,
		ExitTime:   env.now(),
	})
	d.baseQty = 0
	d.investedQuote = 0
	return nil
}

func (d *DCA) MarshalState() (json.RawMessage, error) {
	return json.Marshal(dcaState{
		NextOrderAt:   d.nextOrderAt,
		OrdersPlaced:  d.ordersPlaced,
		BaseQty:       d.baseQty,
		InvestedQuote: d.investedQuote,
		FirstFillAt:   d.firstFillAt,
		OpenBuys:      d.openBuys,
	})
}

func (d *DCA) RestoreState(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var st dcaState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("restore dca state: %w", err)
	}
	d.nextOrderAt = st.NextOrderAt
	d.ordersPlaced = st.OrdersPlaced
	d.baseQty = st.BaseQty
	d.investedQuote = st.InvestedQuote
	d.firstFillAt = st.FirstFillAt
	d.openBuys = st.OpenBuys
	return nil
}
