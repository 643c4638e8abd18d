package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/indicators"
	"github.com/stratforge/crypto-strategy-engine/internal/market"
	"github.com/stratforge/crypto-strategy-engine/internal/notifications"
	"github.com/stratforge/crypto-strategy-engine/internal/orders"
	"github.com/stratforge/crypto-strategy-engine/internal/risk"
	"github.com/stratforge/crypto-strategy-engine/internal/stats"
)

// Kind names one of the built-in controller families.
type Kind string

const (
	KindDCA      Kind = "dca"
	KindGrid     Kind = "grid"
	KindScalping Kind = "scalping"
	KindCustom   Kind = "custom"
)

// ParseKind resolves a config string into a controller Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindDCA, KindGrid, KindScalping, KindCustom:
		return k, nil
	}
	return "", fmt.Errorf("unknown strategy kind %q", s)
}

// Status is the lifecycle state of a strategy instance.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the instance can never run again without being
// recreated.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether moving from one status to another is a legal
// lifecycle step. Terminal states have no outgoing transitions.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusStopped:
		return to == StatusActive
	case StatusActive:
		return to == StatusPaused || to == StatusStopped || to == StatusCompleted || to == StatusError
	case StatusPaused:
		return to == StatusActive || to == StatusStopped || to == StatusCompleted || to == StatusError
	}
	return false
}

// ErrCompleted signals from Tick that the controller reached a terminal goal
// (limit reached, take profit hit, grid torn down). The instance loop
// transitions to Completed and exits. Wrap it to carry the reason:
//
//	return fmt.Errorf("max orders reached: %w", strategy.ErrCompleted)
var ErrCompleted = errors.New("strategy completed")

// Controller is one strategy's decision logic. The instance loop owns the
// goroutine; a controller is only ever called from that single goroutine, so
// controllers keep plain fields and no locks.
type Controller interface {
	Kind() Kind
	Symbol() string

	// Init runs once before the first tick. Controllers that place resting
	// orders up front (grid) do it here; restored controllers make it a
	// no-op. Errors are retried by the loop like tick errors.
	Init(ctx context.Context, env *Env) error

	// Tick runs one decision pass against the current market view.
	// Returning an error wrapping ErrCompleted finishes the instance.
	Tick(ctx context.Context, env *Env) error

	// MarshalState captures controller-private state for persistence.
	MarshalState() (json.RawMessage, error)

	// RestoreState rebuilds controller-private state from a snapshot taken
	// by MarshalState. Called before Init.
	RestoreState(raw json.RawMessage) error
}

// Env bundles the per-instance collaborators a controller works against.
// The engine builds one Env per instance; Exchange and Gate are shared
// between instances, everything else is private to the instance.
type Env struct {
	InstanceID string
	Symbol     string
	Timeframe  string // primary timeframe controllers read by default

	Market   *market.Series
	Cache    *indicators.Cache
	Exchange exchange.Exchange
	Gate     risk.Gate
	Orders   *orders.Manager
	Tracker  *stats.Tracker
	Notifier notifications.Notifier
	Log      *logrus.Entry

	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// View returns an immutable snapshot of the primary timeframe window.
func (e *Env) View() market.View {
	return e.Market.Window(e.Timeframe).View()
}

// ViewOf returns a snapshot of an arbitrary timeframe window; the empty
// string means the primary timeframe.
func (e *Env) ViewOf(timeframe string) market.View {
	if timeframe == "" {
		timeframe = e.Timeframe
	}
	return e.Market.Window(timeframe).View()
}

// LastPrice returns the most recent observed price, 0 when no data exists.
func (e *Env) LastPrice() float64 {
	return e.View().LastPrice()
}

// Assets splits the instance symbol into base and quote.
func (e *Env) Assets() (base, quote string, err error) {
	return exchange.SplitSymbol(e.Symbol)
}

// SubmitGated runs an intent through the risk gate and, when approved,
// through the order lifecycle manager. A rejection is not an error: the
// returned bool is false, the caller skips the action for this tick.
func (e *Env) SubmitGated(ctx context.Context, side exchange.Side, kind exchange.OrderType, qty, price float64) (orders.Order, bool, error) {
	refPrice := price
	if refPrice <= 0 {
		refPrice = e.LastPrice()
	}
	ok, reason := e.Gate.Approve(ctx, risk.Request{
		InstanceID: e.InstanceID,
		Symbol:     e.Symbol,
		Side:       side,
		Quantity:   qty,
		Price:      refPrice,
	})
	if !ok {
		e.Log.WithFields(logrus.Fields{
			"side":   side,
			"qty":    qty,
			"reason": reason,
		}).Warn("risk gate rejected order")
		return orders.Order{}, false, nil
	}

	o, err := e.Orders.Submit(ctx, orders.Intent{
		InstanceID: e.InstanceID,
		Symbol:     e.Symbol,
		Side:       side,
		Kind:       kind,
		Quantity:   qty,
		Price:      price,
	})
	if err != nil {
		return o, true, err
	}
	return o, true, nil
}

// MarketOrder is SubmitGated for market orders.
func (e *Env) MarketOrder(ctx context.Context, side exchange.Side, qty float64) (orders.Order, bool, error) {
	return e.SubmitGated(ctx, side, exchange.OrderTypeMarket, qty, 0)
}

// LimitOrder is SubmitGated for limit orders.
func (e *Env) LimitOrder(ctx context.Context, side exchange.Side, qty, price float64) (orders.Order, bool, error) {
	return e.SubmitGated(ctx, side, exchange.OrderTypeLimit, qty, price)
}

// Liquidate closes out held base quantity with a market order, bypassing
// the risk gate: the order reduces exposure, and blocking it would leave the
// instance stuck with a position it decided to exit. The order is reconciled
// once so callers usually see the fill directly.
func (e *Env) Liquidate(ctx context.Context, side exchange.Side, qty float64) (orders.Order, error) {
	o, err := e.Orders.Submit(ctx, orders.Intent{
		InstanceID: e.InstanceID,
		Symbol:     e.Symbol,
		Side:       side,
		Kind:       exchange.OrderTypeMarket,
		Quantity:   qty,
	})
	if err != nil {
		return o, err
	}
	return e.Orders.Reconcile(ctx, o.LocalID)
}

// Notify sends a best-effort notification; delivery failures are logged,
// never propagated into the tick.
func (e *Env) Notify(level notifications.Severity, format string, args ...interface{}) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(level, fmt.Sprintf(format, args...)); err != nil {
		e.Log.WithError(err).Warn("notification delivery failed")
	}
}
