package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stratforge/crypto-strategy-engine/internal/orders"
	"github.com/stratforge/crypto-strategy-engine/internal/stats"
)

const stateVersion = 1

// InstanceState is the recoverable snapshot of one strategy instance.
// Controller holds the strategy-specific part as an opaque blob.
type InstanceState struct {
	Version    int             `json:"version"`
	InstanceID string          `json:"instance_id"`
	Kind       string          `json:"kind"`
	Symbol     string          `json:"symbol"`
	Status     string          `json:"status"`
	SavedAt    time.Time       `json:"saved_at"`
	Controller json.RawMessage `json:"controller,omitempty"`
	Orders     []orders.Order  `json:"orders,omitempty"`
	Trades     []stats.Trade   `json:"trades,omitempty"`
	BuyOrders  int             `json:"buy_orders"`
	SellOrders int             `json:"sell_orders"`
	Invested   float64         `json:"invested"`
}

// NewInstanceState stamps the current schema version.
func NewInstanceState(instanceID, kind, symbol string) InstanceState {
	return InstanceState{
		Version:    stateVersion,
		InstanceID: instanceID,
		Kind:       kind,
		Symbol:     symbol,
	}
}

// Store persists instance snapshots and an order journal. Implementations
// must be safe for concurrent use; every instance goroutine saves through
// the same store.
type Store interface {
	SaveState(st InstanceState) error
	LoadState(instanceID string) (InstanceState, bool, error)
	ListStates() ([]InstanceState, error)
	AppendOrderRecord(o orders.Order) error
	OrderRecords(instanceID string) ([]orders.Order, error)
	Close() error
}

// Options tunes snapshot validation shared by the store implementations.
type Options struct {
	// MaxAge rejects snapshots older than this on load; 0 accepts any age.
	MaxAge time.Duration
}

// validate decides whether a loaded snapshot is usable. Unusable snapshots
// are discarded in favor of a clean start, never trusted partially.
func (o Options) validate(st InstanceState, now time.Time) error {
	if st.InstanceID == "" {
		return fmt.Errorf("snapshot has no instance id")
	}
	if st.Version != stateVersion {
		return fmt.Errorf("unsupported snapshot version %d", st.Version)
	}
	if o.MaxAge > 0 && !st.SavedAt.IsZero() {
		if age := now.Sub(st.SavedAt); age > o.MaxAge {
			return fmt.Errorf("snapshot is %s old, limit %s", age.Round(time.Second), o.MaxAge)
		}
	}
	return nil
}
