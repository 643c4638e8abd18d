package engine

import (
	"encoding/json"
	"time"

	"github.com/stratforge/crypto-strategy-engine/internal/recovery"
	"github.com/stratforge/crypto-strategy-engine/internal/strategy"
)

// StrategyInstance is the public metadata of one registered strategy.
// Values handed out by the engine are snapshots; the engine owns the
// mutable record.
type StrategyInstance struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      strategy.Kind   `json:"kind"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Status    strategy.Status `json:"status"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	LastError string          `json:"last_error,omitempty"`
}

// InstanceDef describes an instance to register. The controller carries its
// own validated parameters; Config is the raw form kept for display and
// the control API.
type InstanceDef struct {
	ID         string // generated when empty
	Name       string // defaults to "<kind>-<symbol>"
	Timeframe  string
	Controller strategy.Controller
	Config     json.RawMessage
}

// Handle tracks one launched instance loop.
type Handle struct {
	ID   string
	done <-chan struct{}
}

// Done closes once the loop goroutine has exited.
func (h Handle) Done() <-chan struct{} { return h.done }

// instance is the engine-internal runtime record. meta.Status, UpdatedAt
// and LastError are guarded by the engine mutex; the remaining fields are
// fixed at registration or touched only by the owning loop goroutine.
type instance struct {
	meta       StrategyInstance
	controller strategy.Controller
	env        *strategy.Env
	monitor    *recovery.Monitor
	interval   time.Duration
	inited     bool

	stop chan struct{}
	done chan struct{}
}

// stopRequested reports whether the stop channel is closed, without
// blocking.
func (in *instance) stopRequested() bool {
	select {
	case <-in.stop:
		return true
	default:
		return false
	}
}
