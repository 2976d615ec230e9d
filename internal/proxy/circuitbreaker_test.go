package proxy

import (
	"testing"
	"time"
)

// newTestBreaker returns a CircuitBreaker with a controllable clock.
func newTestBreaker(cfg CBConfig) (*CircuitBreaker, func(d time.Duration)) {
	current := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreakerWithConfig(cfg)
	cb.now = func() time.Time { return current }
	return cb, func(d time.Duration) { current = current.Add(d) }
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker()

	for _, name := range []string{"openai", "gemini", "claude", "local-worker"} {
		if cb.State(name) != cbClosed {
			t.Errorf("provider %s should start closed, got %v", name, cb.State(name))
		}
		if cb.StateLabel(name) != "closed" {
			t.Errorf("provider %s label should be 'closed', got %s", name, cb.StateLabel(name))
		}
	}
}

func TestCircuitBreaker_AllowClosedState(t *testing.T) {
	cb := NewCircuitBreaker()
	if !cb.Allow("openai") {
		t.Error("closed breaker should allow requests")
	}
}

func TestCircuitBreaker_AllowUnknownProvider(t *testing.T) {
	cb := NewCircuitBreaker()
	if !cb.Allow("unknown-provider") {
		t.Error("unknown provider should be allowed")
	}
}

// TestCircuitBreaker_OpensOnFailureRate verifies the breaker trips when the
// failure rate over the window reaches the threshold, but only after the
// minimum request floor is met.
func TestCircuitBreaker_OpensOnFailureRate(t *testing.T) {
	cb, _ := newTestBreaker(CBConfig{FailureThreshold: 0.5, MinRequests: 5})

	// 4 outcomes, 100% failure — still below the MinRequests floor.
	for i := 0; i < 4; i++ {
		cb.RecordFailure("openai")
		if cb.State("openai") != cbOpen {
			continue
		}
		t.Fatalf("breaker opened after only %d outcomes, floor is 5", i+1)
	}

	cb.RecordFailure("openai")
	if cb.State("openai") != cbOpen {
		t.Error("should be open: 5 outcomes, 100% failures")
	}
	if cb.StateLabel("openai") != "open" {
		t.Errorf("label should be 'open', got %s", cb.StateLabel("openai"))
	}
}

// TestCircuitBreaker_StaysClosedBelowRate verifies successes keep the failure
// rate under the threshold.
func TestCircuitBreaker_StaysClosedBelowRate(t *testing.T) {
	cb, _ := newTestBreaker(CBConfig{FailureThreshold: 0.5, MinRequests: 5})

	// 6 successes, 3 failures → rate 0.33, stays closed.
	for i := 0; i < 6; i++ {
		cb.RecordSuccess("openai")
	}
	for i := 0; i < 3; i++ {
		cb.RecordFailure("openai")
	}

	if cb.State("openai") != cbClosed {
		t.Error("should stay closed with failure rate below threshold")
	}

	// Three more failures tip the rate to 0.5.
	for i := 0; i < 3; i++ {
		cb.RecordFailure("openai")
	}
	if cb.State("openai") != cbOpen {
		t.Error("should open once the failure rate reaches the threshold")
	}
}

func TestCircuitBreaker_OpenRejectsRequests(t *testing.T) {
	cb, _ := newTestBreaker(CBConfig{MinRequests: 5})

	for i := 0; i < 5; i++ {
		cb.RecordFailure("openai")
	}

	if cb.Allow("openai") {
		t.Error("open breaker should reject requests")
	}
}

// TestCircuitBreaker_WindowReset verifies outcomes outside the rolling window
// are discarded.
func TestCircuitBreaker_WindowReset(t *testing.T) {
	cb, advance := newTestBreaker(CBConfig{MinRequests: 5, Window: 60 * time.Second})

	for i := 0; i < 4; i++ {
		cb.RecordFailure("openai")
	}

	// Let the window lapse; the next failure starts a fresh count.
	advance(61 * time.Second)
	cb.RecordFailure("openai")

	if cb.State("openai") != cbClosed {
		t.Error("failures outside the window should not count; breaker should stay closed")
	}
}

// TestCircuitBreaker_HalfOpenAfterTimeout verifies the open → half-open
// transition once OpenTimeout elapses, bounded by the probe budget.
func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb, advance := newTestBreaker(CBConfig{MinRequests: 5, OpenTimeout: 30 * time.Second, ProbeCount: 3})

	for i := 0; i < 5; i++ {
		cb.RecordFailure("openai")
	}
	if cb.State("openai") != cbOpen {
		t.Fatal("expected open")
	}
	if cb.Allow("openai") {
		t.Fatal("open breaker should reject before the timeout")
	}

	advance(31 * time.Second)

	// First Allow transitions to half-open and consumes probe 1.
	if !cb.Allow("openai") {
		t.Fatal("expected probe to be allowed after open timeout")
	}
	if cb.State("openai") != cbHalfOpen {
		t.Fatalf("expected half_open, got %s", cb.StateLabel("openai"))
	}

	// Probes 2 and 3 pass, probe 4 exceeds the budget.
	if !cb.Allow("openai") || !cb.Allow("openai") {
		t.Fatal("probe budget of 3 should allow two more requests")
	}
	if cb.Allow("openai") {
		t.Error("requests beyond the probe budget should be rejected")
	}
}

// TestCircuitBreaker_ClosesWhenProbesSucceed verifies the half-open → closed
// transition when at least half the probe round succeeds.
func TestCircuitBreaker_ClosesWhenProbesSucceed(t *testing.T) {
	cb, advance := newTestBreaker(CBConfig{MinRequests: 5, OpenTimeout: 30 * time.Second, ProbeCount: 3})

	for i := 0; i < 5; i++ {
		cb.RecordFailure("openai")
	}
	advance(31 * time.Second)

	for i := 0; i < 3; i++ {
		if !cb.Allow("openai") {
			t.Fatalf("probe %d should be allowed", i+1)
		}
	}

	// 2 of 3 probes succeed — enough to close.
	cb.RecordSuccess("openai")
	cb.RecordFailure("openai")
	cb.RecordSuccess("openai")

	if cb.State("openai") != cbClosed {
		t.Errorf("expected closed after majority probe success, got %s", cb.StateLabel("openai"))
	}
	if !cb.Allow("openai") {
		t.Error("closed breaker should allow requests")
	}
}

// TestCircuitBreaker_ReopensWhenProbesFail verifies the half-open → open
// transition when the probe round fails.
func TestCircuitBreaker_ReopensWhenProbesFail(t *testing.T) {
	cb, advance := newTestBreaker(CBConfig{MinRequests: 5, OpenTimeout: 30 * time.Second, ProbeCount: 3})

	for i := 0; i < 5; i++ {
		cb.RecordFailure("openai")
	}
	advance(31 * time.Second)

	for i := 0; i < 3; i++ {
		cb.Allow("openai")
	}

	// 1 of 3 probes succeeds — not enough.
	cb.RecordFailure("openai")
	cb.RecordSuccess("openai")
	cb.RecordFailure("openai")

	if cb.State("openai") != cbOpen {
		t.Errorf("expected reopened after probe failure, got %s", cb.StateLabel("openai"))
	}
	if cb.Allow("openai") {
		t.Error("reopened breaker should reject until the next timeout")
	}

	// And the open timeout restarts from the reopen.
	advance(31 * time.Second)
	if !cb.Allow("openai") {
		t.Error("expected a fresh probe round after the second timeout")
	}
}

// TestCircuitBreaker_ProvidersAreIndependent verifies one provider's breaker
// never affects another's.
func TestCircuitBreaker_ProvidersAreIndependent(t *testing.T) {
	cb, _ := newTestBreaker(CBConfig{MinRequests: 5})

	for i := 0; i < 5; i++ {
		cb.RecordFailure("openai")
	}

	if cb.State("openai") != cbOpen {
		t.Fatal("openai should be open")
	}
	if cb.State("gemini") != cbClosed {
		t.Error("gemini should be unaffected")
	}
	if !cb.Allow("gemini") {
		t.Error("gemini should still allow requests")
	}
}
