package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/indicators"
	"github.com/stratforge/crypto-strategy-engine/internal/orders"
	"github.com/stratforge/crypto-strategy-engine/internal/stats"
)

// minProfitWindow is the fraction of MaxHold after which the min-profit
// exit arms.
const minProfitWindow = 0.8

// ScalpingParams configures a scalping controller. Percentages are
// fractions.
type ScalpingParams struct {
	FiatAmount float64 `json:"fiat_amount" mapstructure:"fiat_amount"`

	RSIPeriod  int     `json:"rsi_period" mapstructure:"rsi_period"`
	Oversold   float64 `json:"oversold" mapstructure:"oversold"`
	Overbought float64 `json:"overbought" mapstructure:"overbought"`
	EMAFast    int     `json:"ema_fast" mapstructure:"ema_fast"`
	EMASlow    int     `json:"ema_slow" mapstructure:"ema_slow"`
	BollPeriod int     `json:"boll_period" mapstructure:"boll_period"`
	BollK      float64 `json:"boll_k" mapstructure:"boll_k"`
	MACDFast   int     `json:"macd_fast" mapstructure:"macd_fast"`
	MACDSlow   int     `json:"macd_slow" mapstructure:"macd_slow"`
	MACDSignal int     `json:"macd_signal" mapstructure:"macd_signal"`

	TakeProfitPct float64       `json:"take_profit_pct" mapstructure:"take_profit_pct"`
	StopLossPct   float64       `json:"stop_loss_pct" mapstructure:"stop_loss_pct"`
	MaxHold       time.Duration `json:"max_hold" mapstructure:"max_hold"`
	MinProfitPct  float64       `json:"min_profit_pct" mapstructure:"min_profit_pct"`

	// AllowShort enables mirror entries, which sell held base and buy it
	// back on exit. Off by default; spot accounts cannot borrow.
	AllowShort bool `json:"allow_short" mapstructure:"allow_short"`
}

func (p ScalpingParams) withDefaults() ScalpingParams {
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = 14
	}
	if p.Oversold <= 0 {
		p.Oversold = 30
	}
	if p.Overbought <= 0 {
		p.Overbought = 70
	}
	if p.EMAFast <= 0 {
		p.EMAFast = 9
	}
	if p.EMASlow <= 0 {
		p.EMASlow = 21
	}
	if p.BollPeriod <= 0 {
		p.BollPeriod = 20
	}
	if p.BollK <= 0 {
		p.BollK = indicators.DefaultBollingerK
	}
	if p.MACDFast <= 0 {
		p.MACDFast = indicators.DefaultMACDFast
	}
	if p.MACDSlow <= 0 {
		p.MACDSlow = indicators.DefaultMACDSlow
	}
	if p.MACDSignal <= 0 {
		p.MACDSignal = indicators.DefaultMACDSignal
	}
	return p
}

// Validate rejects parameter combinations the controller cannot run with.
// Call on the defaulted params.
func (p ScalpingParams) Validate() error {
	if p.FiatAmount <= 0 {
		return engerr.NewValidation("scalping", "fiat_amount must be positive, got %v", p.FiatAmount)
	}
	if p.Oversold >= p.Overbought {
		return engerr.NewValidation("scalping", "oversold %v must be below overbought %v", p.Oversold, p.Overbought)
	}
	if p.EMAFast >= p.EMASlow {
		return engerr.NewValidation("scalping", "ema_fast %d must be below ema_slow %d", p.EMAFast, p.EMASlow)
	}
	if p.MACDFast >= p.MACDSlow {
		return engerr.NewValidation("scalping", "macd_fast %d must be below macd_slow %d", p.MACDFast, p.MACDSlow)
	}
	if p.TakeProfitPct < 0 || p.StopLossPct < 0 || p.StopLossPct >= 1 {
		return engerr.NewValidation("scalping", "take_profit_pct/stop_loss_pct out of range")
	}
	if p.MaxHold < 0 {
		return engerr.NewValidation("scalping", "max_hold must not be negative, got %v", p.MaxHold)
	}
	if p.MinProfitPct < 0 {
		return engerr.NewValidation("scalping", "min_profit_pct must not be negative, got %v", p.MinProfitPct)
	}
	return nil
}

// Position is the single open trade of a scalping controller.
type Position struct {
	OrderID    string        `json:"order_id"`
	Side       exchange.Side `json:"side"`
	Amount     float64       `json:"amount"`
	EntryPrice float64       `json:"entry_price"`
	EntryTime  time.Time     `json:"entry_time"`
}

// signal is one evaluated entry snapshot.
type signal struct {
	price    float64
	rsi      float64
	emaFast  float64
	emaSlow  float64
	bands    indicators.Bands
	macdHist float64
}

func (s signal) long(p ScalpingParams) bool {
	return s.rsi < p.Oversold && s.emaFast > s.emaSlow && s.price <= s.bands.Lower && s.macdHist > 0
}

func (s signal) short(p ScalpingParams) bool {
	return s.rsi > p.Overbought && s.emaFast < s.emaSlow && s.price >= s.bands.Upper && s.macdHist < 0
}

// Scalping rides short-horizon moves: indicator-gated entries, layered
// exits. At most one position is open at any time.
type Scalping struct {
	symbol string
	params ScalpingParams

	position *Position
}

type scalpingState struct {
	Position *Position `json:"position,omitempty"`
}

// NewScalping builds a scalping controller, failing on invalid params.
func NewScalping(symbol string, params ScalpingParams) (*Scalping, error) {
	if symbol == "" {
		return nil, engerr.NewValidation("scalping", "symbol must not be empty")
	}
	params = params.withDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Scalping{symbol: symbol, params: params}, nil
}

func (s *Scalping) Kind() Kind     { return KindScalping }
func (s *Scalping) Symbol() string { return s.symbol }

// Params returns the defaulted controller configuration.
func (s *Scalping) Params() ScalpingParams { return s.params }

// Position returns a copy of the open position, nil when flat.
func (s *Scalping) Position() *Position {
	if s.position == nil {
		return nil
	}
	p := *s.position
	return &p
}

func (s *Scalping) Init(ctx context.Context, env *Env) error { return nil }

func (s *Scalping) Tick(ctx context.Context, env *Env) error {
	env.Orders.ReconcileOpen(ctx, env.InstanceID)
	s.settleEntryOrder(env)

	sig, err := s.evaluate(env)
	if err != nil {
		if errors.Is(err, indicators.ErrInsufficientData) {
			// Price-based exits stay live while indicators warm up; a
			// zero-valued signal can never look like a reversal.
			if s.position != nil {
				if price := env.LastPrice(); price > 0 {
					return s.tryExit(ctx, env, signal{price: price})
				}
			}
			env.Log.WithError(err).Debug("window still warming up")
			return nil
		}
		return err
	}

	if s.position == nil {
		return s.tryEnter(ctx, env, sig)
	}
	return s.tryExit(ctx, env, sig)
}

// settleEntryOrder finalizes the entry price once the entry order fills and
// clears the position when the entry order died unfilled.
func (s *Scalping) settleEntryOrder(env *Env) {
	if s.position == nil {
		return
	}
	o, ok := env.Orders.Get(s.position.OrderID)
	if !ok {
		return
	}
	switch o.Status {
	case orders.StatusFilled:
		if o.AvgFillPrice > 0 {
			s.position.EntryPrice = o.AvgFillPrice
		}
	case orders.StatusCancelled, orders.StatusFailed:
		env.Log.WithFields(logrus.Fields{"order": o.LocalID, "status": o.Status}).Warn("entry order died, position dropped")
		s.position = nil
	}
}

func (s *Scalping) evaluate(env *Env) (signal, error) {
	v := env.View()
	price := v.LastPrice()
	if price <= 0 {
		return signal{}, engerr.NewTransient("scalping", "tick", "no market data for %s yet", s.symbol)
	}

	rsi, err := env.Cache.RSI(v, s.params.RSIPeriod)
	if err != nil {
		return signal{}, err
	}
	emaFast, err := env.Cache.EMA(v, s.params.EMAFast)
	if err != nil {
		return signal{}, err
	}
	emaSlow, err := env.Cache.EMA(v, s.params.EMASlow)
	if err != nil {
		return signal{}, err
	}
	bands, err := env.Cache.Bollinger(v, s.params.BollPeriod, s.params.BollK)
	if err != nil {
		return signal{}, err
	}
	macd, err := env.Cache.MACD(v, s.params.MACDFast, s.params.MACDSlow, s.params.MACDSignal)
	if err != nil {
		return signal{}, err
	}

	return signal{
		price:    price,
		rsi:      rsi,
		emaFast:  emaFast,
		emaSlow:  emaSlow,
		bands:    bands,
		macdHist: macd.Histogram,
	}, nil
}

func (s *Scalping) tryEnter(ctx context.Context, env *Env, sig signal) error {
	var side exchange.Side
	switch {
	case sig.long(s.params):
		side = exchange.SideBuy
	case s.params.AllowShort && sig.short(s.params):
		side = exchange.SideSell
	default:
		return nil
	}

	qty := s.params.FiatAmount / sig.price
	if side == exchange.SideSell {
		base, _, err := env.Assets()
		if err != nil {
			return engerr.NewValidation("scalping", "bad symbol %s: %v", s.symbol, err)
		}
		bal, err := env.Exchange.GetBalance(ctx, base)
		if err != nil {
			return engerr.Wrap(err, engerr.CategoryTransient, "scalping", "get balance")
		}
		if bal.Free < qty {
			env.Log.WithFields(logrus.Fields{"free": bal.Free, "qty": qty}).Warn("insufficient base balance, short entry skipped")
			return nil
		}
	}

	o, approved, err := env.MarketOrder(ctx, side, qty)
	if !approved {
		return nil
	}
	if err != nil {
		return err
	}

	entry := sig.price
	entryAt := env.now()
	if reconciled, rerr := env.Orders.Reconcile(ctx, o.LocalID); rerr == nil && reconciled.Status == orders.StatusFilled && reconciled.AvgFillPrice > 0 {
		entry = reconciled.AvgFillPrice
	}
	s.position = &Position{
		OrderID:    o.LocalID,
		Side:       side,
		Amount:     qty,
		EntryPrice: entry,
		EntryTime:  entryAt,
	}
	env.Log.WithFields(logrus.Fields{
		"side":  side,
		"qty":   qty,
		"entry": entry,
	}).Info("scalping position opened")
	return nil
}

// exitReason decides whether the open position must close, first match
// wins: take profit, stop loss, max hold, min profit late in the hold
// window, technical reversal.
func (s *Scalping) exitReason(sig signal, now time.Time) string {
	p := s.position
	pnlPct := (sig.price - p.EntryPrice) / p.EntryPrice
	if p.Side == exchange.SideSell {
		pnlPct = -pnlPct
	}
	held := now.Sub(p.EntryTime)

	switch {
	case s.params.TakeProfitPct > 0 && pnlPct >= s.params.TakeProfitPct:
		return "take profit"
	case s.params.StopLossPct > 0 && pnlPct <= -s.params.StopLossPct:
		return "stop loss"
	case s.params.MaxHold > 0 && held >= s.params.MaxHold:
		return "max hold time"
	case s.params.MaxHold > 0 && s.params.MinProfitPct > 0 &&
		held >= time.Duration(minProfitWindow*float64(s.params.MaxHold)) &&
		pnlPct >= s.params.MinProfitPct:
		return "min profit"
	case p.Side == exchange.SideBuy && sig.short(s.params):
		return "technical reversal"
	case p.Side == exchange.SideSell && sig.long(s.params):
		return "technical reversal"
	}
	return ""
}

func (s *Scalping) tryExit(ctx context.Context, env *Env, sig signal) error {
	reason := s.exitReason(sig, env.now())
	if reason == "" {
		return nil
	}

	p := *s.position
	o, err := env.Liquidate(ctx, p.Side.Opposite(), p.Amount)
	if err != nil {
		return fmt.Errorf("close position (%s): %w", reason, err)
	}
	exit := o.AvgFillPrice
	if exit <= 0 {
		exit = sig.price
	}

	pnl := (exit - p.EntryPrice) * p.Amount
	if p.Side == exchange.SideSell {
		pnl = -pnl
	}
	env.Tracker.RecordTrade(stats.Trade{
		Symbol:     s.symbol,
		Side:       p.Side,
		Quantity:   p.Amount,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exit,
		PnL:        pnl,
		EntryTime:  p.EntryTime,
		ExitTime:   env.now(),
	})
	s.position = nil

	env.Log.WithFields(logrus.Fields{
		"reason": reason,
		"entry":  p.EntryPrice,
		"exit":   exit,
		"pnl":    pnl,
	}).Info("scalping position closed")
	return nil
}

func (s *Scalping) MarshalState() (json.RawMessage, error) {
	return json.Marshal(scalpingState{Position: s.position})
}

func (s *Scalping) RestoreState(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var st scalpingState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("restore scalping state: %w", err)
	}
	s.position = st.Position
	return nil
}
