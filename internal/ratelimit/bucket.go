// Package ratelimit implements per-identity token-bucket rate limiting.
//
// Each caller identity owns a bucket sized to the configured requests per
// minute. The bucket refills continuously at capacity/60 tokens per second
// and never exceeds capacity. Allow decrements and snapshots the bucket under
// one lock so the limit headers always describe the state the decision was
// made against.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Info is the bucket snapshot returned with every decision. ResetSeconds is
// the whole seconds until the bucket is full again, 0 when already full.
type Info struct {
	Limit        int
	Remaining    int
	ResetSeconds int
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// Limiter is a per-identity token-bucket limiter. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	capacity float64
	buckets  map[string]*bucket

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Limiter allowing requestsPerMinute per identity.
func New(requestsPerMinute int) *Limiter {
	return &Limiter{
		capacity: float64(requestsPerMinute),
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

// Allow decides whether the identity may proceed. The returned Info reflects
// the bucket after the decision: on an allowed request the spent token is
// already subtracted, on a denied request the bucket is untouched.
func (l *Limiter) Allow(id string) (bool, Info) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refillLocked(id)
	if b.tokens < 1 {
		return false, l.infoLocked(b)
	}

	b.tokens--
	return true, l.infoLocked(b)
}

// Status returns the current bucket snapshot without consuming a token. An
// identity that has never been seen reports a full bucket.
func (l *Limiter) Status(id string) Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.infoLocked(l.refillLocked(id))
}

// Reset restores the identity's bucket to full.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	delete(l.buckets, id)
	l.mu.Unlock()
}

// refillLocked fetches (or creates) the bucket for id and applies the refill
// accrued since the last touch. Caller holds the lock.
func (l *Limiter) refillLocked(id string) *bucket {
	now := l.now()

	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{tokens: l.capacity, lastFill: now}
		l.buckets[id] = b
		return b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.capacity/60)
		b.lastFill = now
	}
	return b
}

func (l *Limiter) infoLocked(b *bucket) Info {
	info := Info{
		Limit:     int(l.capacity),
		Remaining: int(b.tokens),
	}
	if b.tokens < l.capacity {
		info.ResetSeconds = int(math.Ceil((l.capacity - b.tokens) * 60 / l.capacity))
	}
	return info
}
