// Package breaker implements the circuit breaker state machine and its
// sliding failure window, grounded on
// libs/go/core/resilience/circuit_breaker.go, generalized from a fixed
// failure-rate threshold to the full closed/open/half-open contract
// with an optional adaptive threshold.
package breaker

import "time"

type bucket struct {
	successes, failures int
	epoch                int64 // unix seconds this bucket was last reset into
}

// FailureWindow is a ring of time-bucketed (successes, failures) counts
// covering windowDuration, divided into bucketCount buckets. A bucket
// whose epoch has gone stale (older than windowDuration) is zeroed
// before being written to, so the window only ever reports live data.
type FailureWindow struct {
	windowDuration time.Duration
	bucketDuration time.Duration
	buckets        []bucket
	now            func() time.Time
}

// NewFailureWindow builds a window; bucketCount defaults to 10 when <= 0.
func NewFailureWindow(windowDuration time.Duration, bucketCount int) *FailureWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	return &FailureWindow{
		windowDuration: windowDuration,
		bucketDuration: windowDuration / time.Duration(bucketCount),
		buckets:        make([]bucket, bucketCount),
		now:            time.Now,
	}
}

func (w *FailureWindow) indexAndEpoch(t time.Time) (int, int64) {
	epoch := t.Unix()
	idx := int(t.UnixNano()/w.bucketDuration.Nanoseconds()) % len(w.buckets)
	return idx, epoch
}

func (w *FailureWindow) currentBucket(t time.Time) *bucket {
	idx, epoch := w.indexAndEpoch(t)
	b := &w.buckets[idx]
	if t.Sub(time.Unix(b.epoch, 0)) >= w.windowDuration {
		*b = bucket{epoch: epoch}
	}
	return b
}

// RecordSuccess adds a success sample at the current time.
func (w *FailureWindow) RecordSuccess() {
	w.currentBucket(w.now()).successes++
}

// RecordFailure adds a failure sample at the current time.
func (w *FailureWindow) RecordFailure() {
	w.currentBucket(w.now()).failures++
}

// Stats sums every live bucket (stale buckets, not yet written to since
// going stale, are excluded).
func (w *FailureWindow) Stats() (total, failures int) {
	now := w.now()
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.epoch == 0 {
			continue
		}
		if now.Sub(time.Unix(b.epoch, 0)) >= w.windowDuration {
			continue
		}
		total += b.successes + b.failures
		failures += b.failures
	}
	return
}

// FailureRate is failures/total, or 0 when the window has no samples.
func (w *FailureWindow) FailureRate() float64 {
	total, failures := w.Stats()
	if total == 0 {
		return 0
	}
	return float64(failures) / float64(total)
}

// Reset zeroes every bucket.
func (w *FailureWindow) Reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
