package proxy

import (
	"sync"
	"time"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery; a bounded number of probe requests is allowed.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Circuit breaker defaults.
const (
	cbFailureThreshold = 0.5
	cbMinRequests      = 5
	cbWindow           = 60 * time.Second
	cbOpenTimeout      = 30 * time.Second
	cbProbeCount       = 3
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults.
type CBConfig struct {
	// FailureThreshold is the failure rate within Window that trips the
	// breaker, once MinRequests outcomes have been observed. Default: 0.5.
	FailureThreshold float64

	// MinRequests is the minimum number of outcomes in the window before the
	// rate is evaluated. Default: 5.
	MinRequests int

	// Window is the rolling window for counting outcomes. Default: 60s.
	Window time.Duration

	// OpenTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	OpenTimeout time.Duration

	// ProbeCount is the number of probe requests allowed in half-open state.
	// The breaker closes when at least half the probes succeed. Default: 3.
	ProbeCount int
}

func (c *CBConfig) failureThreshold() float64 {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return cbFailureThreshold
}

func (c *CBConfig) minRequests() int {
	if c.MinRequests > 0 {
		return c.MinRequests
	}
	return cbMinRequests
}

func (c *CBConfig) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return cbWindow
}

func (c *CBConfig) openTimeout() time.Duration {
	if c.OpenTimeout > 0 {
		return c.OpenTimeout
	}
	return cbOpenTimeout
}

func (c *CBConfig) probeCount() int {
	if c.ProbeCount > 0 {
		return c.ProbeCount
	}
	return cbProbeCount
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state       cbState
	successes   int
	failures    int
	windowStart time.Time
	openedAt    time.Time

	// Half-open probe accounting.
	probesIssued int
	probeSuccess int
	probeFailure int
}

// CircuitBreaker manages independent circuit breakers for each provider.
// Breakers are created lazily on first use. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*providerCB
	cfg      CBConfig

	// now is swappable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow reports whether the named provider should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless OpenTimeout has elapsed, in which case the
//     breaker transitions to HalfOpen and starts a probe round.
//   - HalfOpen → true while the probe budget has capacity.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if cb.now().Sub(pcb.openedAt) >= cb.cfg.openTimeout() {
			pcb.state = cbHalfOpen
			pcb.probesIssued = 1
			pcb.probeSuccess = 0
			pcb.probeFailure = 0
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probesIssued < cb.cfg.probeCount() {
			pcb.probesIssued++
			return true
		}
		return false
	}

	return true
}

// RecordSuccess marks a successful response for provider. In closed state it
// counts toward the window; in half-open state it counts toward the probe
// round and may close the breaker.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbHalfOpen:
		pcb.probeSuccess++
		cb.settleProbesLocked(pcb)
	default:
		cb.rollWindowLocked(pcb)
		pcb.successes++
	}
}

// RecordFailure marks a failed response for provider. In closed state the
// breaker opens once the failure rate over the window reaches the threshold;
// in half-open state it counts toward the probe round.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbHalfOpen:
		pcb.probeFailure++
		cb.settleProbesLocked(pcb)

	case cbClosed:
		cb.rollWindowLocked(pcb)
		pcb.failures++

		total := pcb.successes + pcb.failures
		if total >= cb.cfg.minRequests() &&
			float64(pcb.failures)/float64(total) >= cb.cfg.failureThreshold() {
			cb.openLocked(pcb)
		}
	}
}

// settleProbesLocked closes or reopens the breaker once the probe round is
// complete: at least half the probes must succeed to close.
func (cb *CircuitBreaker) settleProbesLocked(pcb *providerCB) {
	done := pcb.probeSuccess + pcb.probeFailure
	if done < cb.cfg.probeCount() {
		return
	}
	if pcb.probeSuccess*2 >= cb.cfg.probeCount() {
		pcb.state = cbClosed
		pcb.successes = 0
		pcb.failures = 0
		pcb.windowStart = cb.now()
		return
	}
	cb.openLocked(pcb)
}

func (cb *CircuitBreaker) openLocked(pcb *providerCB) {
	pcb.state = cbOpen
	pcb.openedAt = cb.now()
	pcb.successes = 0
	pcb.failures = 0
	pcb.windowStart = cb.now()
}

// rollWindowLocked resets the outcome counters when the window has expired.
func (cb *CircuitBreaker) rollWindowLocked(pcb *providerCB) {
	now := cb.now()
	if now.Sub(pcb.windowStart) > cb.cfg.window() {
		pcb.successes = 0
		pcb.failures = 0
		pcb.windowStart = now
	}
}

// State returns the current cbState for provider (useful for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	pcb, ok := cb.breakers[provider]
	if !ok {
		pcb = &providerCB{state: cbClosed, windowStart: cb.now()}
		cb.breakers[provider] = pcb
	}
	return pcb
}
