package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/market"
	"github.com/stratforge/crypto-strategy-engine/internal/notifications"
	"github.com/stratforge/crypto-strategy-engine/internal/orders"
	"github.com/stratforge/crypto-strategy-engine/internal/stats"
)

// CustomParams configures a rule-engine controller.
type CustomParams struct {
	Rules []RuleSpec `json:"rules" mapstructure:"rules"`
}

// Custom evaluates user-defined condition→action rules each tick, in
// insertion order, with AND semantics inside each rule. It tracks the net
// base position its own buys and sells produce so close_position knows what
// to unwind.
type Custom struct {
	symbol string
	rules  []*Rule

	baseQty     float64
	buyCost     float64 // cost of the net position, for the close trade
	firstFillAt time.Time
	openOrders  []string // local order IDs awaiting fill
}

type customRuleState struct {
	Triggered int `json:"triggered"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type customState struct {
	BaseQty     float64                    `json:"base_qty"`
	BuyCost     float64                    `json:"buy_cost"`
	FirstFillAt time.Time                  `json:"first_fill_at"`
	OpenOrders  []string                   `json:"open_orders,omitempty"`
	Rules       map[string]customRuleState `json:"rules,omitempty"`
}

// NewCustom builds a rule-engine controller, failing when any rule fails to
// parse.
func NewCustom(symbol string, params CustomParams) (*Custom, error) {
	if symbol == "" {
		return nil, engerr.NewValidation("custom", "symbol must not be empty")
	}
	if len(params.Rules) == 0 {
		return nil, engerr.NewValidation("custom", "at least one rule is required")
	}
	rules, err := ParseRules(params.Rules)
	if err != nil {
		return nil, err
	}
	return &Custom{symbol: symbol, rules: rules}, nil
}

func (c *Custom) Kind() Kind     { return KindCustom }
func (c *Custom) Symbol() string { return c.symbol }

// Rules returns a snapshot of every rule's counters, in evaluation order.
func (c *Custom) Rules() []RuleStatus {
	out := make([]RuleStatus, len(c.rules))
	for i, r := range c.rules {
		out[i] = RuleStatus{
			Name:      r.Name,
			Enabled:   r.Enabled,
			Triggered: r.Triggered,
			Succeeded: r.Succeeded,
			Failed:    r.Failed,
		}
	}
	return out
}

// BaseQuantity returns the net base position accumulated by fired rules.
func (c *Custom) BaseQuantity() float64 { return c.baseQty }

func (c *Custom) Init(ctx context.Context, env *Env) error { return nil }

func (c *Custom) Tick(ctx context.Context, env *Env) error {
	env.Orders.ReconcileOpen(ctx, env.InstanceID)
	c.absorbFills(env)

	// One immutable snapshot per timeframe for the whole pass; every rule
	// in this tick sees the same data.
	views := make(map[string]market.View)
	viewOf := func(tf string) market.View {
		if tf == "" {
			tf = env.Timeframe
		}
		v, ok := views[tf]
		if !ok {
			v = env.ViewOf(tf)
			views[tf] = v
		}
		return v
	}

	var firstErr error
	for _, rule := range c.rules {
		if !rule.Enabled {
			continue
		}

		// Every condition evaluates even after one fails, so the crosses
		// operators observe every tick.
		met := true
		for i := range rule.Conditions {
			cond := &rule.Conditions[i]
			ok, err := cond.Eval(env.Cache, viewOf(cond.Timeframe))
			if err != nil {
				env.Log.WithError(err).WithField("rule", rule.Name).Warn("condition evaluation failed")
				ok = false
			}
			met = met && ok
		}
		if !met {
			continue
		}

		rule.Triggered++
		if err := c.execute(ctx, env, rule); err != nil {
			rule.Failed++
			env.Log.WithError(err).WithField("rule", rule.Name).Warn("rule action failed")
			if firstErr == nil && engerr.IsTransient(err) {
				firstErr = err
			}
			continue
		}
		rule.Succeeded++
	}
	return firstErr
}

// absorbFills folds terminal orders into the net position.
func (c *Custom) absorbFills(env *Env) {
	remaining := c.openOrders[:0]
	for _, id := range c.openOrders {
		o, ok := env.Orders.Get(id)
		if !ok {
			continue
		}
		switch o.Status {
		case orders.StatusFilled:
			c.absorb(o)
		case orders.StatusCancelled, orders.StatusFailed:
			env.Log.WithFields(logrus.Fields{"order": id, "status": o.Status}).Warn("rule order did not fill")
		default:
			remaining = append(remaining, id)
		}
	}
	c.openOrders = remaining
}

// absorb applies one filled order to the net position. Sells release cost
// proportionally so the remaining position keeps its average entry.
func (c *Custom) absorb(o orders.Order) {
	if o.Side == exchange.SideBuy {
		c.baseQty += o.FilledQuantity
		c.buyCost += o.QuoteValue()
		if c.firstFillAt.IsZero() {
			c.firstFillAt = o.UpdatedAt
		}
		return
	}
	ratio := 0.0
	if c.baseQty > 0 {
		ratio = o.FilledQuantity / c.baseQty
		if ratio > 1 {
			ratio = 1
		}
	}
	c.buyCost -= c.buyCost * ratio
	c.baseQty -= o.FilledQuantity
	if c.baseQty < 0 {
		c.baseQty = 0
		c.buyCost = 0
	}
}

func (c *Custom) execute(ctx context.Context, env *Env, rule *Rule) error {
	switch rule.Action.Type {
	case ActionNotify:
		msg := rule.Action.Message
		if msg == "" {
			msg = fmt.Sprintf("rule %q fired on %s", rule.Name, c.symbol)
		}
		return env.Notifier.Notify(notifications.SeverityInfo, msg)

	case ActionClosePosition:
		return c.closePosition(ctx, env, rule)

	case ActionBuy:
		qty, err := c.sizeOrder(ctx, env, exchange.SideBuy, rule.Action)
		if err != nil {
			return err
		}
		o, approved, err := env.MarketOrder(ctx, exchange.SideBuy, qty)
		if !approved {
			return engerr.NewRiskRejected("custom", "buy rejected")
		}
		if err != nil {
			return err
		}
		c.trackOrder(ctx, env, o)
		return nil

	case ActionSell:
		qty, err := c.sizeOrder(ctx, env, exchange.SideSell, rule.Action)
		if err != nil {
			return err
		}
		o, approved, err := env.MarketOrder(ctx, exchange.SideSell, qty)
		if !approved {
			return engerr.NewRiskRejected("custom", "sell rejected")
		}
		if err != nil {
			return err
		}
		c.trackOrder(ctx, env, o)
		return nil
	}
	return engerr.NewValidation("custom", "unsupported action %q", rule.Action.Type)
}

// sizeOrder turns an action amount into a base quantity: absolute amounts
// are base quantity as given; percentages draw on the relevant free balance
// (quote for buys, base for sells).
func (c *Custom) sizeOrder(ctx context.Context, env *Env, side exchange.Side, action Action) (float64, error) {
	if action.Sizing == AmountAbsolute {
		return action.Amount, nil
	}

	base, quote, err := env.Assets()
	if err != nil {
		return 0, engerr.NewValidation("custom", "bad symbol %s: %v", c.symbol, err)
	}
	if side == exchange.SideBuy {
		bal, err := env.Exchange.GetBalance(ctx, quote)
		if err != nil {
			return 0, engerr.Wrap(err, engerr.CategoryTransient, "custom", "get balance")
		}
		price := env.LastPrice()
		if price <= 0 {
			return 0, engerr.NewTransient("custom", "size order", "no market data for %s yet", c.symbol)
		}
		quoteAmount := bal.Free * action.Amount / 100
		if quoteAmount <= 0 {
			return 0, fmt.Errorf("quote balance %v leaves nothing to buy", bal.Free)
		}
		return quoteAmount / price, nil
	}

	bal, err := env.Exchange.GetBalance(ctx, base)
	if err != nil {
		return 0, engerr.Wrap(err, engerr.CategoryTransient, "custom", "get balance")
	}
	qty := bal.Free * action.Amount / 100
	if qty <= 0 {
		return 0, fmt.Errorf("base balance %v leaves nothing to sell", bal.Free)
	}
	return qty, nil
}

// trackOrder reconciles a just-placed market order once and either absorbs
// the fill or queues the order for later passes.
func (c *Custom) trackOrder(ctx context.Context, env *Env, o orders.Order) {
	reconciled, err := env.Orders.Reconcile(ctx, o.LocalID)
	if err != nil || !reconciled.Status.Terminal() {
		c.openOrders = append(c.openOrders, o.LocalID)
		return
	}
	if reconciled.Status != orders.StatusFilled {
		env.Log.WithFields(logrus.Fields{"order": o.LocalID, "status": reconciled.Status}).Warn("rule order did not fill")
		return
	}
	c.absorb(reconciled)
}

// closePosition unwinds the net base position at market. With nothing held
// it is a successful no-op.
func (c *Custom) closePosition(ctx context.Context, env *Env, rule *Rule) error {
	if c.baseQty <= 0 {
		env.Log.WithField("rule", rule.Name).Debug("close_position with no open position")
		return nil
	}

	qty := c.baseQty
	avg := c.buyCost / qty
	o, err := env.Liquidate(ctx, exchange.SideSell, qty)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	exit := o.AvgFillPrice
	if exit <= 0 {
		exit = env.LastPrice()
	}
	entryAt := c.firstFillAt
	if entryAt.IsZero() {
		entryAt = env.now()
	}
	env.Tracker.RecordTrade(stats.Trade{
		Symbol:     c.symbol,
		Side:       exchange.SideBuy,
		Quantity:   qty,
		EntryPrice: avg,
		ExitPrice:  exit,
		PnL:        (exit - avg) * qty,
		EntryTime:  entryAt,
		ExitTime:   env.now(),
	})
	c.baseQty = 0
	c.buyCost = 0
	c.firstFillAt = time.Time{}
	return nil
}

func (c *Custom) MarshalState() (json.RawMessage, error) {
	ruleStates := make(map[string]customRuleState, len(c.rules))
	for _, r := range c.rules {
		ruleStates[r.Name] = customRuleState{
			Triggered: r.Triggered,
			Succeeded: r.Succeeded,
			Failed:    r.Failed,
		}
	}
	return json.Marshal(customState{
		BaseQty:     c.baseQty,
		BuyCost:     c.buyCost,
		FirstFillAt: c.firstFillAt,
		OpenOrders:  c.openOrders,
		Rules:       ruleStates,
	})
}

func (c *Custom) RestoreState(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var st customState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("restore custom state: %w", err)
	}
	c.baseQty = st.BaseQty
	c.buyCost = st.BuyCost
	c.firstFillAt = st.FirstFillAt
	c.openOrders = st.OpenOrders
	for _, r := range c.rules {
		if rs, ok := st.Rules[r.Name]; ok {
			r.Triggered = rs.Triggered
			r.Succeeded = rs.Succeeded
			r.Failed = rs.Failed
		}
	}
	return nil
}
