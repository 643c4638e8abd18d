package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/safety"
)

// Manager tracks every order the engine has submitted and reconciles local
// records against the exchange. A local record exists before the exchange
// call returns, so a crash between submit and acknowledge leaves a visible
// pending order instead of a silent gap.
//
// Status transitions happen in exactly one place (transitionLocked); a
// terminal order never changes again.
type Manager struct {
	ex  exchange.Exchange
	log *logrus.Logger
	now func() time.Time

	mutex      sync.Mutex
	orders     map[string]*Order   // local ID -> order
	byInstance map[string][]string // instance ID -> local IDs, submit order

	onChange func(Order)
	onFill   func(Order)
}

// NewManager creates a lifecycle manager on top of an exchange.
func NewManager(ex exchange.Exchange, log *logrus.Logger) *Manager {
	return &Manager{
		ex:         ex,
		log:        log,
		now:        time.Now,
		orders:     make(map[string]*Order),
		byInstance: make(map[string][]string),
	}
}

// SetClock overrides the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// OnChange registers a hook fired after every stored mutation, with a copy
// of the order. Used for persistence and metrics.
func (m *Manager) OnChange(fn func(Order)) { m.onChange = fn }

// OnFill registers a hook fired when an order transitions to filled.
func (m *Manager) OnFill(fn func(Order)) { m.onFill = fn }

// Submit records the intent locally as pending, then places it on the
// exchange. On exchange failure the order is marked failed and the intent is
// abandoned; the controller decides whether to retry on a later tick.
func (m *Manager) Submit(ctx context.Context, intent Intent) (Order, error) {
	if err := safety.CheckQuantity(intent.Symbol, intent.Quantity); err != nil {
		return Order{}, err
	}
	if intent.Kind == exchange.OrderTypeLimit {
		if err := safety.CheckPrice(intent.Symbol, intent.Price); err != nil {
			return Order{}, err
		}
	}

	o := &Order{
		LocalID:     uuid.NewString(),
		InstanceID:  intent.InstanceID,
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Kind:        intent.Kind,
		Quantity:    intent.Quantity,
		Price:       intent.Price,
		Status:      StatusPending,
		SubmittedAt: m.now(),
		UpdatedAt:   m.now(),
	}

	m.mutex.Lock()
	m.orders[o.LocalID] = o
	m.byInstance[o.InstanceID] = append(m.byInstance[o.InstanceID], o.LocalID)
	snapshot := *o
	m.mutex.Unlock()
	m.fireChange(snapshot)

	result, err := m.ex.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Kind,
		Quantity:      intent.Quantity,
		Price:         intent.Price,
		ClientOrderID: o.LocalID,
	})

	m.mutex.Lock()
	if err != nil {
		o.Status = StatusFailed
		o.FailReason = err.Error()
		o.UpdatedAt = m.now()
		snapshot = *o
		m.mutex.Unlock()
		m.fireChange(snapshot)
		return snapshot, fmt.Errorf("submit %s %s %s: %w", intent.Side, intent.Symbol, intent.Kind, err)
	}
	o.ExchangeOrderID = result.ExchangeOrderID
	o.UpdatedAt = m.now()
	snapshot = *o
	m.mutex.Unlock()
	m.fireChange(snapshot)

	m.log.WithFields(logrus.Fields{
		"instance": intent.InstanceID,
		"order":    o.LocalID,
		"exchange": result.ExchangeOrderID,
		"side":     intent.Side,
		"symbol":   intent.Symbol,
		"quantity": intent.Quantity,
	}).Info("order submitted")

	return snapshot, nil
}

// Reconcile polls the exchange for the order's current state and applies
// the transition locally. Terminal orders are returned as-is without an
// exchange call.
func (m *Manager) Reconcile(ctx context.Context, localID string) (Order, error) {
	m.mutex.Lock()
	o, ok := m.orders[localID]
	if !ok {
		m.mutex.Unlock()
		return Order{}, fmt.Errorf("order %s: %w", localID, exchange.ErrOrderNotFound)
	}
	if o.Status.Terminal() || o.ExchangeOrderID == "" {
		snapshot := *o
		m.mutex.Unlock()
		return snapshot, nil
	}
	symbol, exchangeID := o.Symbol, o.ExchangeOrderID
	snapshot := *o
	m.mutex.Unlock()

	result, err := m.ex.GetOrderStatus(ctx, symbol, exchangeID)
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			// The exchange no longer knows the order; treat as cancelled.
			return m.apply(localID, func(o *Order) {
				if !o.Status.Terminal() {
					o.FailReason = "order not found on exchange"
				}
				m.transitionLocked(o, StatusCancelled)
			}), nil
		}
		return snapshot, fmt.Errorf("reconcile %s: %w", localID, err)
	}

	return m.apply(localID, func(o *Order) {
		o.FilledQuantity = result.FilledQuantity
		if result.AvgFillPrice > 0 {
			o.AvgFillPrice = result.AvgFillPrice
		}
		switch result.State {
		case exchange.OrderStateFilled:
			m.transitionLocked(o, StatusFilled)
		case exchange.OrderStateCancelled:
			m.transitionLocked(o, StatusCancelled)
		case exchange.OrderStateRejected:
			m.transitionLocked(o, StatusFailed)
		default:
			o.UpdatedAt = m.now()
		}
	}), nil
}

// ReconcileOpen reconciles every pending order of an instance. Poll errors
// are logged and skipped so one flaky order does not starve the rest.
func (m *Manager) ReconcileOpen(ctx context.Context, instanceID string) []Order {
	var out []Order
	for _, o := range m.Open(instanceID) {
		updated, err := m.Reconcile(ctx, o.LocalID)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"instance": instanceID,
				"order":    o.LocalID,
			}).Warn("order reconcile failed")
			continue
		}
		out = append(out, updated)
	}
	return out
}

// CancelAll cancels every pending order of an instance on the exchange and
// marks the local records cancelled. Returns the first cancel error after
// attempting all orders.
func (m *Manager) CancelAll(ctx context.Context, instanceID string) error {
	var firstErr error
	for _, o := range m.Open(instanceID) {
		if o.ExchangeOrderID != "" {
			err := m.ex.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID)
			if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
				// The order may have filled in the meantime; reconcile
				// instead of forcing a local cancel.
				if _, rerr := m.Reconcile(ctx, o.LocalID); rerr != nil && firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		m.apply(o.LocalID, func(o *Order) {
			m.transitionLocked(o, StatusCancelled)
		})
	}
	return firstErr
}

// Get returns a copy of the order with the given local ID.
func (m *Manager) Get(localID string) (Order, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	o, ok := m.orders[localID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Open returns copies of the instance's pending orders, oldest first.
func (m *Manager) Open(instanceID string) []Order {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var out []Order
	for _, id := range m.byInstance[instanceID] {
		if o := m.orders[id]; o != nil && !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// ForInstance returns copies of all the instance's orders, oldest first.
func (m *Manager) ForInstance(instanceID string) []Order {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var out []Order
	for _, id := range m.byInstance[instanceID] {
		if o := m.orders[id]; o != nil {
			out = append(out, *o)
		}
	}
	return out
}

// Restore loads previously persisted orders, skipping local IDs that are
// already tracked. Used during crash recovery before instances start.
func (m *Manager) Restore(restored []Order) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	n := 0
	for i := range restored {
		o := restored[i]
		if _, exists := m.orders[o.LocalID]; exists || o.LocalID == "" {
			continue
		}
		copied := o
		m.orders[o.LocalID] = &copied
		m.byInstance[o.InstanceID] = append(m.byInstance[o.InstanceID], o.LocalID)
		n++
	}
	return n
}

// Forget drops all records of an instance. Call only after the instance is
// fully stopped and its orders are terminal.
func (m *Manager) Forget(instanceID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, id := range m.byInstance[instanceID] {
		delete(m.orders, id)
	}
	delete(m.byInstance, instanceID)
}

// apply runs a mutation under the lock and fires hooks with the resulting
// copy.
func (m *Manager) apply(localID string, mutate func(*Order)) Order {
	m.mutex.Lock()
	o, ok := m.orders[localID]
	if !ok {
		m.mutex.Unlock()
		return Order{}
	}
	wasFilled := o.Status == StatusFilled
	mutate(o)
	snapshot := *o
	m.mutex.Unlock()

	m.fireChange(snapshot)
	if !wasFilled && snapshot.Status == StatusFilled {
		m.log.WithFields(logrus.Fields{
			"instance": snapshot.InstanceID,
			"order":    snapshot.LocalID,
			"symbol":   snapshot.Symbol,
			"side":     snapshot.Side,
			"quantity": snapshot.FilledQuantity,
			"price":    snapshot.AvgFillPrice,
		}).Info("order filled")
		if m.onFill != nil {
			m.onFill(snapshot)
		}
	}
	return snapshot
}

// transitionLocked is the single place a status changes. Terminal statuses
// never change again. Caller holds the lock.
func (m *Manager) transitionLocked(o *Order, to Status) {
	if o.Status.Terminal() {
		return
	}
	o.Status = to
	o.UpdatedAt = m.now()
}

func (m *Manager) fireChange(o Order) {
	if m.onChange != nil {
		m.onChange(o)
	}
}
