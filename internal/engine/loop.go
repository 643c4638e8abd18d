package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/market"
	"github.com/stratforge/crypto-strategy-engine/internal/monitoring"
	"github.com/stratforge/crypto-strategy-engine/internal/notifications"
	"github.com/stratforge/crypto-strategy-engine/internal/state"
	"github.com/stratforge/crypto-strategy-engine/internal/strategy"
)

// run is the instance loop goroutine. One per Active instance; everything
// the controller touches is called from here, so controllers stay
// lock-free.
func (e *Engine) run(inst *instance) {
	defer close(inst.done)

	log := inst.env.Log
	wait := nextTickDelay(e.clock.Now(), inst.interval)
	log.WithFields(logrus.Fields{
		"interval":     inst.interval,
		"initial_wait": wait,
	}).Info("instance loop running")

	// Interruptible wait for the first interval boundary.
	select {
	case <-e.clock.After(wait):
		if !e.tick(inst) {
			return
		}
	case <-inst.stop:
		log.Info("stop signal received during initial wait")
		return
	}

	ticker := e.clock.NewTicker(inst.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if inst.stopRequested() {
				log.Info("stop signal observed before tick")
				return
			}
			if !e.tick(inst) {
				return
			}
		case <-inst.stop:
			log.Info("stop signal received")
			return
		}
	}
}

// tick runs one full pass: market data, controller decision, persistence,
// metrics. The returned bool is false once the instance reached a terminal
// status and the loop must exit.
func (e *Engine) tick(inst *instance) (alive bool) {
	started := time.Now()
	result := "ok"
	defer func() {
		monitoring.RecordTick(string(inst.meta.Kind), result, time.Since(started))
		if e.opts.Health != nil {
			e.opts.Health.RecordTick(e.clock.Now())
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			inst.env.Log.WithField("panic", r).Error("tick panicked")
			alive = e.handleFailure(inst, engerr.NewTransient("engine", "tick", "controller panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.TickTimeout)
	defer cancel()

	if err := e.observeMarket(ctx, inst); err != nil {
		result = "error"
		return e.handleFailure(inst, err)
	}

	if !inst.inited {
		if err := inst.controller.Init(ctx, inst.env); err != nil {
			result = "error"
			return e.handleFailure(inst, err)
		}
		inst.inited = true
	}

	err := inst.controller.Tick(ctx, inst.env)
	switch {
	case err == nil:
		inst.monitor.Success()
		e.saveSnapshot(inst)
		return true

	case errors.Is(err, strategy.ErrCompleted):
		result = "completed"
		e.conclude(inst, strategy.StatusCompleted, err)
		return false

	case engerr.IsRiskRejected(err):
		// A rejection skips this tick only; the instance stays Active.
		result = "rejected"
		inst.env.Log.WithError(err).Warn("tick skipped by risk gate")
		monitoring.RecordRiskRejection(inst.meta.Symbol)
		e.saveSnapshot(inst)
		return true

	default:
		result = "error"
		return e.handleFailure(inst, err)
	}
}

// observeMarket fetches the latest ticker and appends it to the instance's
// primary window, so the whole tick evaluates one consistent sample.
func (e *Engine) observeMarket(ctx context.Context, inst *instance) error {
	ticker, err := e.opts.Exchange.GetTicker(ctx, inst.meta.Symbol)
	if err != nil {
		return engerr.Wrap(err, engerr.CategoryOf(err), "engine", "fetch_ticker")
	}
	ts := ticker.Timestamp
	if ts.IsZero() {
		ts = e.clock.Now()
	}
	inst.env.Market.Append(inst.env.Timeframe, market.PriceSample{
		Timestamp: ts,
		Price:     ticker.Price,
		Volume:    ticker.Volume,
	})

	monitoring.UpdatePrice(inst.meta.Symbol, ticker.Price)
	monitoring.UpdateWindowDepth(inst.meta.Symbol, inst.env.Timeframe, inst.env.View().Len())
	return nil
}

// handleFailure records a failed tick. Fatal errors, mid-run validation
// errors and exhausted failure streaks escalate to the Error status;
// anything else backs off before the next attempt, watching the stop
// channel through the sleep.
func (e *Engine) handleFailure(inst *instance, err error) bool {
	monitoring.RecordError(string(engerr.CategoryOf(err)))

	if engerr.IsValidation(err) {
		e.conclude(inst, strategy.StatusError, err)
		return false
	}

	delay, escalate := inst.monitor.Failure(err)
	if escalate {
		e.conclude(inst, strategy.StatusError, err)
		return false
	}

	inst.env.Log.WithError(err).WithFields(logrus.Fields{
		"consecutive": inst.monitor.Consecutive(),
		"backoff":     delay,
	}).Warn("tick failed, backing off")
	e.saveSnapshot(inst)

	select {
	case <-e.clock.After(delay):
	case <-inst.stop:
	}
	return true
}

// conclude moves an instance to a terminal status with a final snapshot
// and notification. The loop exits right after. When an operator already
// moved the instance away from Active, their transition wins.
func (e *Engine) conclude(inst *instance, to strategy.Status, cause error) {
	e.mutex.Lock()
	if !strategy.CanTransition(inst.meta.Status, to) {
		e.mutex.Unlock()
		return
	}
	inst.meta.Status = to
	inst.meta.UpdatedAt = e.clock.Now()
	if to == strategy.StatusError && cause != nil {
		inst.meta.LastError = cause.Error()
	}
	e.mutex.Unlock()

	e.saveSnapshot(inst)
	e.publishCounts()

	switch to {
	case strategy.StatusCompleted:
		inst.env.Log.WithField("reason", cause.Error()).Info("instance completed")
		inst.env.Notify(notifications.SeveritySuccess, "instance %s completed: %v", inst.meta.Name, cause)
	case strategy.StatusError:
		inst.env.Log.WithError(cause).Error("instance escalated to error status")
		inst.env.Notify(notifications.SeverityError, "instance %s stopped on error: %v", inst.meta.Name, cause)
		if e.opts.Health != nil {
			e.opts.Health.RecordProblem(fmt.Sprintf("%s: %v", inst.meta.ID, cause))
		}
	}
}

// saveSnapshot persists the full recoverable state of one instance. Save
// failures are logged, not escalated: trading continues on live state.
func (e *Engine) saveSnapshot(inst *instance) {
	snap := inst.env.Tracker.Snapshot()
	monitoring.UpdatePnL(inst.meta.ID, snap.TotalPnL)

	if e.opts.Store == nil {
		return
	}
	raw, err := inst.controller.MarshalState()
	if err != nil {
		inst.env.Log.WithError(err).Warn("controller state marshal failed")
		return
	}

	e.mutex.RLock()
	status := inst.meta.Status
	e.mutex.RUnlock()

	st := state.NewInstanceState(inst.meta.ID, string(inst.meta.Kind), inst.meta.Symbol)
	st.Status = string(status)
	st.SavedAt = e.clock.Now()
	st.Controller = raw
	st.Orders = e.orders.ForInstance(inst.meta.ID)
	st.Trades = inst.env.Tracker.Trades()
	st.BuyOrders = snap.BuyOrders
	st.SellOrders = snap.SellOrders
	st.Invested = snap.TotalInvested

	if err := e.opts.Store.SaveState(st); err != nil {
		inst.env.Log.WithError(err).Warn("snapshot save failed")
	}
}
