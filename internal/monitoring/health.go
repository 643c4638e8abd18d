package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

var startTime = time.Now()

const maxProblems = 10

// HealthChecker tracks engine liveness for the health endpoint. The engine
// reports tick progress and instance counts; fatal conditions land in the
// problem list and flip the status to unhealthy.
type HealthChecker struct {
	mu         sync.RWMutex
	lastTick   time.Time
	connected  bool
	active     int
	errored    int
	staleAfter time.Duration
	problems   []string
}

// HealthStatus is the health endpoint payload.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	LastTick  time.Time `json:"last_tick"`
	Connected bool      `json:"is_connected"`
	Active    int       `json:"active_instances"`
	Errored   int       `json:"errored_instances"`
	Uptime    string    `json:"uptime"`
	Problems  []string  `json:"problems,omitempty"`
}

// NewHealthChecker creates a checker that reports degraded when no tick
// lands within staleAfter. Zero disables the staleness check; instances on
// long timeframes tick rarely by design.
func NewHealthChecker(staleAfter time.Duration) *HealthChecker {
	return &HealthChecker{
		connected:  true,
		staleAfter: staleAfter,
		problems:   make([]string, 0),
	}
}

// RecordTick marks engine progress.
func (h *HealthChecker) RecordTick(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastTick = at
}

// SetConnected flags exchange connectivity.
func (h *HealthChecker) SetConnected(up bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = up
}

// SetInstanceCounts updates the active and errored instance totals.
func (h *HealthChecker) SetInstanceCounts(active, errored int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = active
	h.errored = errored
}

// RecordProblem appends a fatal condition; only the most recent are kept.
func (h *HealthChecker) RecordProblem(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.problems = append(h.problems, msg)
	if len(h.problems) > maxProblems {
		h.problems = h.problems[len(h.problems)-maxProblems:]
	}
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK

	stale := h.staleAfter > 0 && !h.lastTick.IsZero() && time.Since(h.lastTick) > h.staleAfter
	if !h.connected || stale {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if len(h.problems) > 0 {
		status = "unhealthy"
		code = http.StatusInternalServerError
	}

	payload := HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		LastTick:  h.lastTick,
		Connected: h.connected,
		Active:    h.active,
		Errored:   h.errored,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Problems:  h.problems,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
