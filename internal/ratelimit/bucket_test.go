package ratelimit

import (
	"testing"
	"time"
)

// newTestLimiter returns a Limiter with a controllable clock. Advance moves
// the clock forward.
func newTestLimiter(rpm int) (*Limiter, func(d time.Duration)) {
	current := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(rpm)
	l.now = func() time.Time { return current }
	return l, func(d time.Duration) { current = current.Add(d) }
}

// TestAllowUnderLimit verifies that a fresh identity gets its full budget.
func TestAllowUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(10)

	for i := 0; i < 10; i++ {
		allowed, info := l.Allow("key-a")
		if !allowed {
			t.Fatalf("request %d: expected allowed=true", i)
		}
		if info.Limit != 10 {
			t.Fatalf("request %d: Limit = %d, want 10", i, info.Limit)
		}
		if info.Remaining != 10-i-1 {
			t.Fatalf("request %d: Remaining = %d, want %d", i, info.Remaining, 10-i-1)
		}
	}
}

// TestDenyOverLimit verifies that the request after the budget is exhausted is
// denied and that the denial leaves the bucket untouched.
func TestDenyOverLimit(t *testing.T) {
	l, advance := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		if allowed, _ := l.Allow("key-a"); !allowed {
			t.Fatalf("request %d: expected allowed=true", i)
		}
	}

	allowed, info := l.Allow("key-a")
	if allowed {
		t.Fatal("expected allowed=false after budget exhausted")
	}
	if info.Remaining != 0 {
		t.Fatalf("Remaining = %d, want 0", info.Remaining)
	}

	// Denials consume nothing: after exactly one token refills (20s at
	// 3 rpm), exactly one more request goes through.
	advance(20 * time.Second)
	if allowed, _ := l.Allow("key-a"); !allowed {
		t.Fatal("expected allowed=true after one token refilled")
	}
	if allowed, _ := l.Allow("key-a"); allowed {
		t.Fatal("expected allowed=false, only one token had refilled")
	}
}

// TestSnapshotMatchesDecision verifies that the Info returned by Allow already
// reflects the consumed token, so handlers can emit headers without a second
// (racy) read.
func TestSnapshotMatchesDecision(t *testing.T) {
	l, _ := newTestLimiter(60)

	allowed, info := l.Allow("key-a")
	if !allowed {
		t.Fatal("expected allowed=true")
	}
	if info.Remaining != 59 {
		t.Fatalf("Remaining = %d, want 59 (token already subtracted)", info.Remaining)
	}
	if info.ResetSeconds != 1 {
		t.Fatalf("ResetSeconds = %d, want 1 (one token to refill at 1 token/s)", info.ResetSeconds)
	}
}

// TestRefill verifies continuous refill at capacity/60 tokens per second.
func TestRefill(t *testing.T) {
	l, advance := newTestLimiter(60) // 1 token per second

	for i := 0; i < 60; i++ {
		if allowed, _ := l.Allow("key-a"); !allowed {
			t.Fatalf("request %d: expected allowed=true", i)
		}
	}
	if allowed, _ := l.Allow("key-a"); allowed {
		t.Fatal("expected allowed=false with empty bucket")
	}

	// After 5 seconds, 5 tokens have refilled.
	advance(5 * time.Second)
	for i := 0; i < 5; i++ {
		if allowed, _ := l.Allow("key-a"); !allowed {
			t.Fatalf("refilled request %d: expected allowed=true", i)
		}
	}
	if allowed, _ := l.Allow("key-a"); allowed {
		t.Fatal("expected allowed=false after refilled tokens spent")
	}
}

// TestRefillNeverExceedsCapacity verifies the bucket caps at its capacity no
// matter how long the identity stays idle.
func TestRefillNeverExceedsCapacity(t *testing.T) {
	l, advance := newTestLimiter(10)

	l.Allow("key-a")
	advance(time.Hour)

	info := l.Status("key-a")
	if info.Remaining != 10 {
		t.Fatalf("Remaining = %d, want 10 (capped at capacity)", info.Remaining)
	}
	if info.ResetSeconds != 0 {
		t.Fatalf("ResetSeconds = %d, want 0 for a full bucket", info.ResetSeconds)
	}
}

// TestIdentitiesAreIndependent verifies one identity draining its bucket does
// not affect another.
func TestIdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(2)

	l.Allow("key-a")
	l.Allow("key-a")
	if allowed, _ := l.Allow("key-a"); allowed {
		t.Fatal("key-a should be exhausted")
	}

	if allowed, _ := l.Allow("key-b"); !allowed {
		t.Fatal("key-b should be unaffected by key-a")
	}
}

// TestStatusDoesNotConsume verifies Status is a pure read.
func TestStatusDoesNotConsume(t *testing.T) {
	l, _ := newTestLimiter(5)

	for i := 0; i < 10; i++ {
		l.Status("key-a")
	}

	info := l.Status("key-a")
	if info.Remaining != 5 {
		t.Fatalf("Remaining = %d, want 5 after Status-only calls", info.Remaining)
	}
}

// TestStatusUnseenIdentity verifies an identity that never made a request
// reports a full bucket.
func TestStatusUnseenIdentity(t *testing.T) {
	l, _ := newTestLimiter(60)

	info := l.Status("never-seen")
	if info.Limit != 60 || info.Remaining != 60 || info.ResetSeconds != 0 {
		t.Fatalf("Status = %+v, want full bucket {60 60 0}", info)
	}
}

// TestReset verifies Reset restores the full budget immediately.
func TestReset(t *testing.T) {
	l, _ := newTestLimiter(2)

	l.Allow("key-a")
	l.Allow("key-a")
	if allowed, _ := l.Allow("key-a"); allowed {
		t.Fatal("key-a should be exhausted")
	}

	l.Reset("key-a")

	allowed, info := l.Allow("key-a")
	if !allowed {
		t.Fatal("expected allowed=true after Reset")
	}
	if info.Remaining != 1 {
		t.Fatalf("Remaining = %d, want 1", info.Remaining)
	}
}
