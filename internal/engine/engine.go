package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/indicators"
	"github.com/stratforge/crypto-strategy-engine/internal/logger"
	"github.com/stratforge/crypto-strategy-engine/internal/market"
	"github.com/stratforge/crypto-strategy-engine/internal/monitoring"
	"github.com/stratforge/crypto-strategy-engine/internal/notifications"
	"github.com/stratforge/crypto-strategy-engine/internal/orders"
	"github.com/stratforge/crypto-strategy-engine/internal/recovery"
	"github.com/stratforge/crypto-strategy-engine/internal/risk"
	"github.com/stratforge/crypto-strategy-engine/internal/state"
	"github.com/stratforge/crypto-strategy-engine/internal/stats"
	"github.com/stratforge/crypto-strategy-engine/internal/strategy"
	"github.com/stratforge/crypto-strategy-engine/pkg/types"
)

// Sentinel errors the control surface maps to responses.
var (
	ErrNotFound          = errors.New("instance not found")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

const (
	defaultWindowSize  = 500
	defaultTickTimeout = 30 * time.Second

	// stopTimeout bounds the wait for a loop goroutine to exit. Wall
	// clock on purpose: the manual test clock must not gate shutdown.
	stopTimeout = 10 * time.Second
)

// Options wires the shared collaborators into an engine. Exchange and Gate
// are required; everything else has a working default.
type Options struct {
	Exchange exchange.Exchange
	Gate     risk.Gate
	Store    state.Store               // nil disables persistence
	Notifier notifications.Notifier    // nil disables notifications
	Clock    Clock                     // nil means wall clock
	Log      *logrus.Logger            // nil means discard
	Recovery recovery.Policy           // zero value means DefaultPolicy
	Health   *monitoring.HealthChecker // nil disables liveness reporting

	WindowSize  int           // market window capacity per timeframe
	TickTimeout time.Duration // per-tick deadline for collaborator calls
}

// fillRecorder is implemented by gates that track per-instance exposure
// from observed fills.
type fillRecorder interface {
	RecordFill(instanceID string, side exchange.Side, quoteValue float64)
}

// Engine owns the strategy instance registry and one loop goroutine per
// Active instance. Instances share the exchange client, the risk gate and
// the order manager; market windows, indicator caches and statistics are
// private per instance.
type Engine struct {
	opts   Options
	log    *logrus.Logger
	clock  Clock
	orders *orders.Manager
	fills  fillRecorder

	mutex     sync.RWMutex
	instances map[string]*instance
}

// New builds an engine and wires the order lifecycle hooks that feed
// statistics, risk exposure and the order journal.
func New(opts Options) (*Engine, error) {
	if opts.Exchange == nil {
		return nil, engerr.NewValidation("engine", "exchange is required")
	}
	if opts.Gate == nil {
		return nil, engerr.NewValidation("engine", "risk gate is required")
	}
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = defaultWindowSize
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = defaultTickTimeout
	}
	if opts.Recovery == (recovery.Policy{}) {
		opts.Recovery = recovery.DefaultPolicy()
	}

	e := &Engine{
		opts:      opts,
		log:       opts.Log,
		clock:     opts.Clock,
		orders:    orders.NewManager(opts.Exchange, opts.Log),
		instances: make(map[string]*instance),
	}
	if rec, ok := opts.Gate.(fillRecorder); ok {
		e.fills = rec
	}
	e.orders.SetClock(opts.Clock.Now)
	e.orders.OnFill(e.onFill)
	e.orders.OnChange(e.onChange)
	return e, nil
}

// Orders exposes the shared order lifecycle manager for reporting and the
// control API.
func (e *Engine) Orders() *orders.Manager { return e.orders }

// Add registers a new instance in the Stopped state. When a persisted
// snapshot exists under the same ID, controller state, orders and
// statistics are restored before the instance is offered for starting.
func (e *Engine) Add(def InstanceDef) (StrategyInstance, error) {
	if def.Controller == nil {
		return StrategyInstance{}, engerr.NewValidation("engine", "instance controller is required")
	}
	symbol := def.Controller.Symbol()
	if _, _, err := exchange.SplitSymbol(symbol); err != nil {
		return StrategyInstance{}, engerr.NewValidation("engine", "instance symbol: %v", err)
	}
	interval, err := market.ParseTimeframe(def.Timeframe)
	if err != nil {
		return StrategyInstance{}, engerr.NewValidation("engine", "instance timeframe: %v", err)
	}

	id := def.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := def.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", def.Controller.Kind(), symbol)
	}

	now := e.clock.Now()
	inst := &instance{
		meta: StrategyInstance{
			ID:        id,
			Name:      name,
			Kind:      def.Controller.Kind(),
			Symbol:    symbol,
			Timeframe: def.Timeframe,
			Status:    strategy.StatusStopped,
			Config:    def.Config,
			CreatedAt: now,
			UpdatedAt: now,
		},
		controller: def.Controller,
		monitor:    recovery.NewMonitor(e.opts.Recovery),
		interval:   interval,
	}
	inst.env = e.buildEnv(inst)

	if err := e.restore(inst); err != nil {
		return StrategyInstance{}, err
	}

	e.mutex.Lock()
	if _, exists := e.instances[id]; exists {
		e.mutex.Unlock()
		return StrategyInstance{}, engerr.NewValidation("engine", "duplicate instance id %q", id)
	}
	e.instances[id] = inst
	meta := inst.meta
	e.mutex.Unlock()

	e.publishCounts()
	inst.env.Log.Info("instance registered")
	return meta, nil
}

// buildEnv assembles the per-instance collaborator bundle.
func (e *Engine) buildEnv(inst *instance) *strategy.Env {
	tracker := stats.NewTracker(inst.meta.ID)
	tracker.SetClock(e.clock.Now)
	return &strategy.Env{
		InstanceID: inst.meta.ID,
		Symbol:     inst.meta.Symbol,
		Timeframe:  inst.meta.Timeframe,
		Market:     market.NewSeries(inst.meta.Symbol, e.opts.WindowSize),
		Cache:      indicators.NewCache(),
		Exchange:   e.opts.Exchange,
		Gate:       e.opts.Gate,
		Orders:     e.orders,
		Tracker:    tracker,
		Notifier:   e.opts.Notifier,
		Log:        logger.ForInstance(e.log, inst.meta.ID, string(inst.meta.Kind), inst.meta.Symbol),
		Now:        e.clock.Now,
	}
}

// restore replays a persisted snapshot into the controller, the order
// manager and the statistics tracker. A missing snapshot is a clean start;
// an unusable one was already discarded by the store.
func (e *Engine) restore(inst *instance) error {
	if e.opts.Store == nil {
		return nil
	}
	st, found, err := e.opts.Store.LoadState(inst.meta.ID)
	if err != nil {
		inst.env.Log.WithError(err).Warn("snapshot load failed, starting clean")
		return nil
	}
	if !found {
		return nil
	}
	if st.Symbol != "" && st.Symbol != inst.meta.Symbol {
		return engerr.NewValidation("engine",
			"snapshot for %s holds symbol %s, instance trades %s", inst.meta.ID, st.Symbol, inst.meta.Symbol)
	}

	if len(st.Controller) > 0 {
		if err := inst.controller.RestoreState(st.Controller); err != nil {
			return err
		}
	}
	if len(st.Orders) > 0 {
		e.orders.Restore(st.Orders)
	}
	inst.env.Tracker.Restore(st.Trades, st.BuyOrders, st.SellOrders, st.Invested)

	// Terminal outcomes survive restarts; anything else waits for Start.
	if s := strategy.Status(st.Status); s.Terminal() {
		inst.meta.Status = s
	}
	inst.env.Log.WithField("saved_at", st.SavedAt).Info("snapshot restored")
	return nil
}

// Start launches a Stopped instance and returns a handle on its loop.
func (e *Engine) Start(id string) (Handle, error) {
	return e.activate(id, strategy.StatusStopped)
}

// Resume reactivates a Paused instance.
func (e *Engine) Resume(id string) (Handle, error) {
	return e.activate(id, strategy.StatusPaused)
}

// activate moves an instance sitting in from to Active and spawns its loop.
func (e *Engine) activate(id string, from strategy.Status) (Handle, error) {
	e.mutex.Lock()
	inst, ok := e.instances[id]
	if !ok {
		e.mutex.Unlock()
		return Handle{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	current := inst.meta.Status
	if current != from || !strategy.CanTransition(current, strategy.StatusActive) {
		e.mutex.Unlock()
		return Handle{}, fmt.Errorf("%w: cannot activate instance %s in status %s", ErrInvalidTransition, id, current)
	}
	inst.meta.Status = strategy.StatusActive
	inst.meta.UpdatedAt = e.clock.Now()
	inst.meta.LastError = ""
	inst.stop = make(chan struct{})
	inst.done = make(chan struct{})
	done := inst.done
	e.mutex.Unlock()

	e.publishCounts()
	inst.env.Log.Info("instance starting")
	go e.run(inst)
	return Handle{ID: id, done: done}, nil
}

// Pause halts an Active instance's loop. Controller state stays in memory
// and resting orders stay on the book.
func (e *Engine) Pause(id string) error {
	return e.deactivate(id, strategy.StatusPaused)
}

// Stop halts an instance's loop and records it as Stopped. Resting orders
// stay on the book; a later Start picks them up through reconciliation.
func (e *Engine) Stop(id string) error {
	return e.deactivate(id, strategy.StatusStopped)
}

// deactivate moves an instance out of its running status, stopping the
// loop goroutine when one is active.
func (e *Engine) deactivate(id string, to strategy.Status) error {
	e.mutex.Lock()
	inst, ok := e.instances[id]
	if !ok {
		e.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := inst.meta.Status
	if !strategy.CanTransition(from, to) {
		e.mutex.Unlock()
		return fmt.Errorf("%w: cannot move instance %s from %s to %s", ErrInvalidTransition, id, from, to)
	}
	inst.meta.Status = to
	inst.meta.UpdatedAt = e.clock.Now()
	stopCh := inst.stop
	doneCh := inst.done
	running := from == strategy.StatusActive
	e.mutex.Unlock()

	if running {
		e.signalStop(stopCh)
		e.awaitDone(doneCh, id)
	}
	e.saveSnapshot(inst)
	e.publishCounts()
	inst.env.Log.WithField("status", to).Info("instance halted")
	return nil
}

// StopAll halts every running instance and saves final snapshots for all
// of them. Terminal instances keep their status.
func (e *Engine) StopAll() {
	e.mutex.Lock()
	var stopping []*instance
	all := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		all = append(all, inst)
		switch inst.meta.Status {
		case strategy.StatusActive:
			inst.meta.Status = strategy.StatusStopped
			inst.meta.UpdatedAt = e.clock.Now()
			stopping = append(stopping, inst)
		case strategy.StatusPaused:
			inst.meta.Status = strategy.StatusStopped
			inst.meta.UpdatedAt = e.clock.Now()
		}
	}
	e.mutex.Unlock()

	for _, inst := range stopping {
		e.signalStop(inst.stop)
	}
	for _, inst := range stopping {
		e.awaitDone(inst.done, inst.meta.ID)
	}
	for _, inst := range all {
		e.saveSnapshot(inst)
	}
	e.publishCounts()
	e.log.Info("all instances stopped")
}

// List returns a snapshot of every registered instance, oldest first.
func (e *Engine) List() []StrategyInstance {
	e.mutex.RLock()
	out := make([]StrategyInstance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst.meta)
	}
	e.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns one instance's metadata.
func (e *Engine) Get(id string) (StrategyInstance, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	inst, ok := e.instances[id]
	if !ok {
		return StrategyInstance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.meta, nil
}

// Stats returns the statistics snapshot of one instance.
func (e *Engine) Stats(id string) (stats.Snapshot, error) {
	e.mutex.RLock()
	inst, ok := e.instances[id]
	e.mutex.RUnlock()
	if !ok {
		return stats.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.env.Tracker.Snapshot(), nil
}

// Trades returns the completed-trade history of one instance.
func (e *Engine) Trades(id string) ([]stats.Trade, error) {
	e.mutex.RLock()
	inst, ok := e.instances[id]
	e.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.env.Tracker.Trades(), nil
}

// Ingest appends an out-of-band ticker update to the primary window of
// every instance trading the symbol. Stream consumers call this between
// polls; a tick still evaluates the one view it captured at tick start.
func (e *Engine) Ingest(t types.Ticker) {
	if t.Symbol == "" || t.Price <= 0 {
		return
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = e.clock.Now()
	}
	sample := market.PriceSample{Timestamp: ts, Price: t.Price, Volume: t.Volume}

	e.mutex.RLock()
	for _, inst := range e.instances {
		if inst.meta.Symbol == t.Symbol {
			inst.env.Market.Append(inst.env.Timeframe, sample)
		}
	}
	e.mutex.RUnlock()

	monitoring.UpdatePrice(t.Symbol, t.Price)
}

// onFill feeds fills into the per-instance statistics and the risk gate's
// exposure tracking. Fires from whichever goroutine reconciled the order.
func (e *Engine) onFill(o orders.Order) {
	e.mutex.RLock()
	inst, ok := e.instances[o.InstanceID]
	e.mutex.RUnlock()
	if ok {
		inst.env.Tracker.RecordOrder(o.Side, o.QuoteValue())
	}
	if e.fills != nil {
		e.fills.RecordFill(o.InstanceID, o.Side, o.QuoteValue())
	}
	monitoring.RecordFill(o.Symbol, string(o.Side), o.QuoteValue())
}

// onChange journals every order mutation and counts fresh submissions.
func (e *Engine) onChange(o orders.Order) {
	if o.Status == orders.StatusPending && o.ExchangeOrderID == "" {
		monitoring.RecordOrder(o.Symbol, string(o.Side))
	}
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.AppendOrderRecord(o); err != nil {
		e.log.WithError(err).WithField("order", o.LocalID).Warn("order journal append failed")
	}
}

// signalStop closes the stop channel, tolerating an already-closed one.
func (e *Engine) signalStop(ch chan struct{}) {
	if ch == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	close(ch)
}

// awaitDone waits for a loop goroutine to exit, bounded so a wedged
// collaborator call cannot hang the control surface.
func (e *Engine) awaitDone(done chan struct{}, id string) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(stopTimeout):
		e.log.WithField("instance", id).Warn("instance loop did not exit before timeout")
	}
}

// publishCounts pushes per-status instance totals to monitoring.
func (e *Engine) publishCounts() {
	counts := make(map[strategy.Status]int)
	e.mutex.RLock()
	for _, inst := range e.instances {
		counts[inst.meta.Status]++
	}
	e.mutex.RUnlock()

	statuses := []strategy.Status{
		strategy.StatusStopped,
		strategy.StatusActive,
		strategy.StatusPaused,
		strategy.StatusCompleted,
		strategy.StatusError,
	}
	for _, st := range statuses {
		monitoring.SetInstanceCount(string(st), counts[st])
	}
	if e.opts.Health != nil {
		e.opts.Health.SetInstanceCounts(counts[strategy.StatusActive], counts[strategy.StatusError])
	}
}
