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

// driftTolerance is how far outside [PriceMin, PriceMax] the price may move
// before the controller raises a warning: 10% beyond either bound.
const driftTolerance = 0.10

// GridParams configures a grid controller. Percentages are fractions.
type GridParams struct {
	PriceMin   float64 `json:"price_min" mapstructure:"price_min"`
	PriceMax   float64 `json:"price_max" mapstructure:"price_max"`
	Levels     int     `json:"levels" mapstructure:"levels"`
	Investment float64 `json:"investment" mapstructure:"investment"`

	// Exits against the VWAP of filled buys; zero disables each.
	StopLossPct   float64 `json:"stop_loss_pct" mapstructure:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct" mapstructure:"take_profit_pct"`
}

// Validate rejects parameter combinations the controller cannot run with.
func (p GridParams) Validate() error {
	if p.PriceMin <= 0 {
		return engerr.NewValidation("grid", "price_min must be positive, got %v", p.PriceMin)
	}
	if p.PriceMin >= p.PriceMax {
		return engerr.NewValidation("grid", "price_min %v must be below price_max %v", p.PriceMin, p.PriceMax)
	}
	if p.Levels < 2 {
		return engerr.NewValidation("grid", "levels must be at least 2, got %d", p.Levels)
	}
	if p.Investment <= 0 {
		return engerr.NewValidation("grid", "investment must be positive, got %v", p.Investment)
	}
	if p.StopLossPct < 0 || p.StopLossPct >= 1 {
		return engerr.NewValidation("grid", "stop_loss_pct must be in [0,1), got %v", p.StopLossPct)
	}
	if p.TakeProfitPct < 0 {
		return engerr.NewValidation("grid", "take_profit_pct must not be negative, got %v", p.TakeProfitPct)
	}
	return nil
}

// Step returns the price distance between adjacent levels.
func (p GridParams) Step() float64 {
	return (p.PriceMax - p.PriceMin) / float64(p.Levels-1)
}

// GridLevel is one rung of the ladder. A level holds at most one
// outstanding order per side; when one side fills, the opposite side is
// issued exactly once at the same price.
type GridLevel struct {
	Price       float64 `json:"price"`
	TargetQuote float64 `json:"target_quote"` // quote value traded per fill
	BuyOrderID  string  `json:"buy_order_id,omitempty"`
	SellOrderID string  `json:"sell_order_id,omitempty"`
	BuyFilled   bool    `json:"buy_filled"`
	SellFilled  bool    `json:"sell_filled"`
}

// Quantity returns the base quantity traded at this level.
func (l *GridLevel) Quantity() float64 {
	return l.TargetQuote / l.Price
}

// Grid keeps a ladder of resting limit orders across a price range, flipping
// each level between buy and sell as fills come in.
type Grid struct {
	symbol string
	params GridParams

	levels      []*GridLevel
	placed      bool // ladder already placed (fresh init or restored)
	baseQty     float64
	buyQty      float64 // cumulative filled buy base, VWAP denominator
	buyCost     float64 // cumulative filled buy cost, VWAP numerator
	firstFillAt time.Time
	outOfRange  bool // drift warning already sent for the current excursion
}

type gridState struct {
	Levels      []*GridLevel `json:"levels"`
	Placed      bool         `json:"placed"`
	BaseQty     float64      `json:"base_qty"`
	BuyQty      float64      `json:"buy_qty"`
	BuyCost     float64      `json:"buy_cost"`
	FirstFillAt time.Time    `json:"first_fill_at"`
	OutOfRange  bool         `json:"out_of_range"`
}

// NewGrid builds a grid controller with evenly spaced levels, failing on
// invalid params.
func NewGrid(symbol string, params GridParams) (*Grid, error) {
	if symbol == "" {
		return nil, engerr.NewValidation("grid", "symbol must not be empty")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	step := params.Step()
	perLevel := params.Investment / float64(params.Levels)
	levels := make([]*GridLevel, params.Levels)
	for i := range levels {
		price := params.PriceMin + float64(i)*step
		if i == params.Levels-1 {
			price = params.PriceMax // avoid float drift on the top rung
		}
		levels[i] = &GridLevel{Price: price, TargetQuote: perLevel}
	}
	return &Grid{symbol: symbol, params: params, levels: levels}, nil
}

func (g *Grid) Kind() Kind     { return KindGrid }
func (g *Grid) Symbol() string { return g.symbol }

// Params returns the controller configuration.
func (g *Grid) Params() GridParams { return g.params }

// Levels returns copies of the ladder rungs, lowest price first.
func (g *Grid) Levels() []GridLevel {
	out := make([]GridLevel, len(g.levels))
	for i, l := range g.levels {
		out[i] = *l
	}
	return out
}

// VWAP returns the volume-weighted average price of all filled buys, 0
// before the first fill.
func (g *Grid) VWAP() float64 {
	if g.buyQty <= 0 {
		return 0
	}
	return g.buyCost / g.buyQty
}

// Init places the initial ladder: resting buys strictly below the current
// price, resting sells strictly above it. Sells draw on the existing base
// balance; levels the balance cannot cover are skipped. A restored
// controller keeps its ladder and skips placement.
func (g *Grid) Init(ctx context.Context, env *Env) error {
	if g.placed {
		return nil
	}

	price := env.LastPrice()
	if price <= 0 {
		p, err := env.Exchange.GetCurrentPrice(ctx, g.symbol)
		if err != nil {
			return engerr.Wrap(err, engerr.CategoryTransient, "grid", "get price")
		}
		price = p
	}

	base, _, err := env.Assets()
	if err != nil {
		return engerr.NewValidation("grid", "bad symbol %s: %v", g.symbol, err)
	}
	bal, err := env.Exchange.GetBalance(ctx, base)
	if err != nil {
		return engerr.Wrap(err, engerr.CategoryTransient, "grid", "get balance")
	}
	available := bal.Free

	buys, sells := 0, 0
	for _, level := range g.levels {
		switch {
		case level.Price < price:
			o, approved, err := env.LimitOrder(ctx, exchange.SideBuy, level.Quantity(), level.Price)
			if err != nil {
				env.Log.WithError(err).WithField("level", level.Price).Warn("initial buy failed")
				continue
			}
			if approved {
				level.BuyOrderID = o.LocalID
				buys++
			}
		case level.Price > price:
			qty := level.Quantity()
			if available < qty {
				env.Log.WithFields(logrus.Fields{
					"level":     level.Price,
					"qty":       qty,
					"available": available,
				}).Warn("insufficient base balance, sell level skipped")
				continue
			}
			o, approved, err := env.LimitOrder(ctx, exchange.SideSell, qty, level.Price)
			if err != nil {
				env.Log.WithError(err).WithField("level", level.Price).Warn("initial sell failed")
				continue
			}
			if approved {
				level.SellOrderID = o.LocalID
				available -= qty
				sells++
			}
		default:
			// The level sitting exactly at the current price gets no order.
		}
	}

	g.placed = true
	env.Log.WithFields(logrus.Fields{
		"levels": len(g.levels),
		"buys":   buys,
		"sells":  sells,
		"price":  price,
	}).Info("grid ladder placed")
	return nil
}

func (g *Grid) Tick(ctx context.Context, env *Env) error {
	env.Orders.ReconcileOpen(ctx, env.InstanceID)
	g.pollFills(env)
	g.reissueCounterOrders(ctx, env)

	price := env.LastPrice()
	if price <= 0 {
		return engerr.NewTransient("grid", "tick", "no market data for %s yet", g.symbol)
	}

	if reason := g.exitTriggered(price); reason != "" {
		if err := g.teardown(ctx, env, price, reason); err != nil {
			return err
		}
		env.Notify(notifications.SeveritySuccess, "Grid %s closed: %s", g.symbol, reason)
		return fmt.Errorf("%s: %w", reason, ErrCompleted)
	}

	g.checkDrift(env, price)
	return nil
}

// pollFills walks the ladder and folds terminal orders into level flags and
// the running position.
func (g *Grid) pollFills(env *Env) {
	for _, level := range g.levels {
		if level.BuyOrderID != "" {
			if o, ok := env.Orders.Get(level.BuyOrderID); ok && o.Status.Terminal() {
				level.BuyOrderID = ""
				if o.Status == orders.StatusFilled {
					level.BuyFilled = true
					g.baseQty += o.FilledQuantity
					g.buyQty += o.FilledQuantity
					g.buyCost += o.QuoteValue()
					if g.firstFillAt.IsZero() {
						g.firstFillAt = o.UpdatedAt
					}
					env.Log.WithFields(logrus.Fields{"level": level.Price, "qty": o.FilledQuantity}).Info("grid buy filled")
				} else {
					env.Log.WithFields(logrus.Fields{"level": level.Price, "status": o.Status}).Warn("grid buy ended unfilled")
				}
			}
		}
		if level.SellOrderID != "" {
			if o, ok := env.Orders.Get(level.SellOrderID); ok && o.Status.Terminal() {
				level.SellOrderID = ""
				if o.Status == orders.StatusFilled {
					level.SellFilled = true
					g.baseQty -= o.FilledQuantity
					if g.baseQty < 0 {
						g.baseQty = 0
					}
					env.Log.WithFields(logrus.Fields{"level": level.Price, "qty": o.FilledQuantity}).Info("grid sell filled")
				} else {
					env.Log.WithFields(logrus.Fields{"level": level.Price, "status": o.Status}).Warn("grid sell ended unfilled")
				}
			}
		}
	}
}

// reissueCounterOrders places the opposite side for every level whose fill
// flag is set. The flag clears as soon as the counter-order goes out, so a
// level can never double-place; a risk-gate rejection keeps the flag for the
// next tick because nothing was issued.
func (g *Grid) reissueCounterOrders(ctx context.Context, env *Env) {
	for _, level := range g.levels {
		if level.BuyFilled {
			if level.SellOrderID != "" {
				env.Log.WithField("level", level.Price).Warn("sell slot already occupied, counter-order suppressed")
				level.BuyFilled = false
				continue
			}
			o, approved, err := env.LimitOrder(ctx, exchange.SideSell, level.Quantity(), level.Price)
			if !approved {
				continue
			}
			level.BuyFilled = false
			if err != nil {
				env.Log.WithError(err).WithField("level", level.Price).Warn("counter sell failed")
				continue
			}
			level.SellOrderID = o.LocalID
		}

		if level.SellFilled {
			if level.BuyOrderID != "" {
				env.Log.WithField("level", level.Price).Warn("buy slot already occupied, counter-order suppressed")
				level.SellFilled = false
				continue
			}
			o, approved, err := env.LimitOrder(ctx, exchange.SideBuy, level.Quantity(), level.Price)
			if !approved {
				continue
			}
			level.SellFilled = false
			if err != nil {
				env.Log.WithError(err).WithField("level", level.Price).Warn("counter buy failed")
				continue
			}
			level.BuyOrderID = o.LocalID
		}
	}
}

// exitTriggered names the triggered stop-loss or take-profit, "" when none.
func (g *Grid) exitTriggered(price float64) string {
	vwap := g.VWAP()
	if vwap <= 0 {
		return ""
	}
	if g.params.StopLossPct > 0 && price <= vwap*(1-g.params.StopLossPct) {
		return fmt.Sprintf("stop loss hit at %.8g (vwap %.8g)", price, vwap)
	}
	if g.params.TakeProfitPct > 0 && price >= vwap*(1+g.params.TakeProfitPct) {
		return fmt.Sprintf("take profit hit at %.8g (vwap %.8g)", price, vwap)
	}
	return ""
}

// checkDrift warns once per excursion when the price drifts more than 10%
// outside the configured range. The grid keeps running either way.
func (g *Grid) checkDrift(env *Env, price float64) {
	outside := price > g.params.PriceMax*(1+driftTolerance) || price < g.params.PriceMin*(1-driftTolerance)
	if outside && !g.outOfRange {
		g.outOfRange = true
		env.Log.WithFields(logrus.Fields{
			"price": price,
			"min":   g.params.PriceMin,
			"max":   g.params.PriceMax,
		}).Warn("price moved outside grid range")
		env.Notify(notifications.SeverityWarning, "Grid %s: price %.8g is outside [%.8g, %.8g]",
			g.symbol, price, g.params.PriceMin, g.params.PriceMax)
	} else if !outside {
		g.outOfRange = false
	}
}

// teardown cancels every resting order and liquidates the accumulated base
// position at market.
func (g *Grid) teardown(ctx context.Context, env *Env, price float64, reason string) error {
	if err := env.Orders.CancelAll(ctx, env.InstanceID); err != nil {
		return fmt.Errorf("cancel grid orders: %w", err)
	}
	// Cancellation may have raced a fill; fold anything new in first.
	g.pollFills(env)
	for _, level := range g.levels {
		level.BuyOrderID = ""
		level.SellOrderID = ""
		level.BuyFilled = false
		level.SellFilled = false
	}

	if g.baseQty <= 0 {
		return nil
	}
	vwap := g.VWAP()
	o, err := env.Liquidate(ctx, exchange.SideSell, g.baseQty)
	if err != nil {
		return fmt.Errorf("liquidate for %s: %w", reason, err)
	}
	exit := o.AvgFillPrice
	if exit <= 0 {
		exit = price
	}
	entryAt := g.firstFillAt
	if entryAt.IsZero() {
		entryAt = env.now()
	}
	env.Tracker.RecordTrade(stats.Trade{
		Symbol:     g.symbol,
		Side:       exchange.SideBuy,
		Quantity:   g.baseQty,
		EntryPrice: vwap,
		ExitPrice:  exit,
		PnL:        (exit - vwap) * g.baseQty,
		EntryTime:  entryAt,
		ExitTime:   env.now(),
	})
	g.baseQty = 0
	g.buyQty = 0
	g.buyCost = 0
	return nil
}

func (g *Grid) MarshalState() (json.RawMessage, error) {
	return json.Marshal(gridState{
		Levels:      g.levels,
		Placed:      g.placed,
		BaseQty:     g.baseQty,
		BuyQty:      g.buyQty,
		BuyCost:     g.buyCost,
		FirstFillAt: g.firstFillAt,
		OutOfRange:  g.outOfRange,
	})
}

func (g *Grid) RestoreState(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var st gridState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("restore grid state: %w", err)
	}
	if len(st.Levels) != len(g.levels) {
		return engerr.NewValidation("grid", "snapshot has %d levels, config has %d", len(st.Levels), len(g.levels))
	}
	g.levels = st.Levels
	g.placed = st.Placed
	g.baseQty = st.BaseQty
	g.buyQty = st.BuyQty
	g.buyCost = st.BuyCost
	g.firstFillAt = st.FirstFillAt
	g.outOfRange = st.OutOfRange
	return nil
}
