package worker

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// HealthState is the worker's own HEALTHY/DEGRADED/CRITICAL classification.
type HealthState string

const (
	HealthHealthy  HealthState = "HEALTHY"
	HealthDegraded HealthState = "DEGRADED"
	HealthCritical HealthState = "CRITICAL"
)

const (
	degradedThreshold      = 10 // consecutive_failures ≥ 10 → DEGRADED
	criticalStuckThreshold = 3  // stuck_threads ≥ 3 → CRITICAL
	criticalPoolThreshold  = 5  // pool_exhaustions ≥ 5 → CRITICAL
)

// WatchdogConfig holds the restart callback backing a domain's Watchdog;
// the breaker's thresholds are fixed by the constants above.
type WatchdogConfig struct {
	// OnCritical fires once per CRITICAL detection, to avoid thrashing. It
	// must not block.
	OnCritical func(domain string)
}

// Watchdog tracks a domain worker's health: consecutive
// handler failures drive a gobreaker.CircuitBreaker into DEGRADED, and
// either counter crossing its critical threshold (stuck worker slots, pool
// acquisition failures) forces CRITICAL regardless of the breaker's state.
// A supervising goroutine polls State and fires OnCritical once per
// detection.
type Watchdog struct {
	domain  string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	stuckThreads    atomic.Int64
	poolExhaustions atomic.Int64
	alreadyNotified atomic.Bool

	onCritical func(domain string)
}

// NewWatchdog builds a Watchdog for one domain worker.
func NewWatchdog(domain string, cfg WatchdogConfig, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watchdog{domain: domain, logger: logger, onCritical: cfg.OnCritical}

	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cmdbus-worker-" + domain,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= degradedThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("watchdog breaker state change", "domain", domain, "from", from, "to", to)
		},
	})
	return w
}

// RecordOutcome feeds one dispatch result into the breaker. nil means
// success and resets consecutive_failures; non-nil counts as a failure.
// Callers pass only TRANSIENT/PERMANENT handler errors and infrastructure
// errors — a BUSINESS_RULE outcome reflects the domain rejecting input, not
// worker health, and must not be recorded.
func (w *Watchdog) RecordOutcome(err error) {
	_, _ = w.breaker.Execute(func() (any, error) {
		return nil, err
	})
	if err == nil {
		w.alreadyNotified.Store(false)
	}
}

// RecordStuckThread increments stuck_threads: a dispatch slot whose elapsed
// time exceeds roughly 3x the configured visibility timeout.
func (w *Watchdog) RecordStuckThread() {
	w.stuckThreads.Add(1)
}

// RecordPoolExhaustion increments pool_exhaustions: a failed connection
// acquisition attempt.
func (w *Watchdog) RecordPoolExhaustion() {
	w.poolExhaustions.Add(1)
}

// State computes the worker's current HealthState from the breaker plus the
// stuck/pool counters.
func (w *Watchdog) State() HealthState {
	if w.stuckThreads.Load() >= criticalStuckThreshold || w.poolExhaustions.Load() >= criticalPoolThreshold {
		return HealthCritical
	}
	if w.breaker.State() == gobreaker.StateOpen || w.breaker.State() == gobreaker.StateHalfOpen {
		return HealthDegraded
	}
	return HealthHealthy
}

// Poll checks the current state and, on a CRITICAL transition not yet
// reported, invokes OnCritical exactly once. Intended to be called on a
// fixed interval by a supervising goroutine that polls health status.
func (w *Watchdog) Poll() HealthState {
	state := w.State()
	if state == HealthCritical {
		if w.alreadyNotified.CompareAndSwap(false, true) && w.onCritical != nil {
			w.onCritical(w.domain)
		}
	} else {
		w.alreadyNotified.Store(false)
	}
	return state
}
