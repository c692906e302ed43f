package creditledger

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of the ledger store.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthConfig tunes the breaker. Zero fields take the defaults.
type HealthConfig struct {
	FailureThreshold int
	FailureWindow    time.Duration
	UnhealthyPeriod  time.Duration
}

// HealthTracker is a circuit breaker around the ledger store. While it is
// unhealthy the engine goes straight to the fallback cache; after the
// unhealthy period one call is let through as a probe.
type HealthTracker struct {
	mu          sync.Mutex
	cfg         HealthConfig
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time   // when state transitioned to unhealthy
	probeAt     time.Time   // when the half-open probe was let through
	onRecover   []func()
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = healthFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = healthFailureWindow
	}
	if cfg.UnhealthyPeriod <= 0 {
		cfg.UnhealthyPeriod = healthUnhealthyPeriod
	}
	return &HealthTracker{cfg: cfg}
}

// OnRecover registers fn to run when a store call succeeds after failures.
func (h *HealthTracker) OnRecover(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecover = append(h.onRecover, fn)
}

// State returns the current breaker state.
func (h *HealthTracker) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked()
}

func (h *HealthTracker) stateLocked() HealthState {
	// Check if unhealthy period has elapsed → transition to half-open.
	if h.state == HealthUnhealthy && time.Since(h.unhealthyAt) >= h.cfg.UnhealthyPeriod {
		h.state = HealthHalfOpen
		h.probeAt = time.Time{}
	}
	return h.state
}

// Allow reports whether the store should be called. While half-open only one
// probe is in flight at a time; a probe that never reports back is replaced
// after another unhealthy period.
func (h *HealthTracker) Allow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.stateLocked() {
	case HealthUnhealthy:
		return false
	case HealthHalfOpen:
		if !h.probeAt.IsZero() && time.Since(h.probeAt) < h.cfg.UnhealthyPeriod {
			return false
		}
		h.probeAt = time.Now()
		return true
	default:
		return true
	}
}

// RecordSuccess records a store call that got an answer.
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	recovered := h.state != HealthHealthy || len(h.failures) > 0
	h.state = HealthHealthy
	h.failures = h.failures[:0]
	h.probeAt = time.Time{}
	hooks := h.onRecover
	h.mu.Unlock()

	if recovered {
		for _, fn := range hooks {
			fn()
		}
	}
}

// RecordFailure records a store call that failed as unavailable.
func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if h.state == HealthHalfOpen {
		h.state = HealthUnhealthy
		h.unhealthyAt = now
		return
	}
	if h.state == HealthUnhealthy {
		return
	}

	// Prune old failures outside the window.
	cutoff := now.Add(-h.cfg.FailureWindow)
	valid := h.failures[:0]
	for _, t := range h.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	h.failures = append(valid, now)

	if len(h.failures) >= h.cfg.FailureThreshold {
		h.state = HealthUnhealthy
		h.unhealthyAt = now
	}
}
