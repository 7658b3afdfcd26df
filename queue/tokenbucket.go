// Package queue implements the bounded job queue with watermark-driven
// backpressure and its token-bucket rate limiter, grounded on
// libs/go/core/resilience.RateLimiter from this codebase's shared
// library, generalized from an arbitrary rate-limited call to
// rate-limited job admission.
package queue

import (
	"sync"
	"time"
)

// TokenBucket is a lock-free-intentioned rate limiter: tokens accrue at
// fillRate per second up to burst, refilled lazily on each acquire
// attempt from elapsed wall time. A mutex serializes the refill+consume
// pair for clarity (as resilience.RateLimiter does); the invariant that
// matters — tokens always in [0, burst] — holds regardless.
type TokenBucket struct {
	mu         sync.Mutex
	burst      float64
	fillRate   float64 // tokens per second
	available  float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket starting full, with burst capacity and
// fillRate tokens/second.
func NewTokenBucket(burst int, fillRate float64) *TokenBucket {
	return &TokenBucket{
		burst:      float64(burst),
		fillRate:   fillRate,
		available:  float64(burst),
		lastRefill: time.Now(),
	}
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.available = minF(b.burst, b.available+elapsed*b.fillRate)
	b.lastRefill = now
}

// TryAcquire attempts to consume one token immediately, returning false
// if none is available.
func (b *TokenBucket) TryAcquire() bool {
	return b.TryAcquireN(1)
}

// TryAcquireN attempts to consume n tokens atomically.
func (b *TokenBucket) TryAcquireN(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if float64(n) <= b.available {
		b.available -= float64(n)
		return true
	}
	return false
}

// TryAcquireFor spin-waits with exponential backoff, bounded by timeout,
// until a token is available or the deadline passes.
func (b *TokenBucket) TryAcquireFor(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	wait := time.Millisecond
	const maxWait = 25 * time.Millisecond
	for {
		if b.TryAcquire() {
			return true
		}
		now := time.Now()
		if !now.Before(deadline) {
			return false
		}
		remaining := deadline.Sub(now)
		if wait > remaining {
			wait = remaining
		}
		time.Sleep(wait)
		if wait < maxWait {
			wait *= 2
		}
	}
}

// Available reports the current token count (rounded down), always in
// [0, burst] per invariant 5.
func (b *TokenBucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return int(b.available)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
