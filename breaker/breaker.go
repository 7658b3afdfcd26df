package breaker

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/jobengine/engineerr"
	"github.com/swarmguard/jobengine/events"
)

// State is the breaker's externally observable state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config mirrors CircuitBreakerConfig (SPEC_FULL.md §3.1).
type Config struct {
	FailureThreshold    int
	FailureRateThreshold float64
	WindowDuration      time.Duration
	BucketCount         int
	OpenDuration        time.Duration
	HalfOpenMaxRequests int
	// HalfOpenSuccessThreshold is how many half-open successes close the
	// breaker; distinct from HalfOpenMaxRequests (the concurrent-probe
	// cap), since a caller may want to admit more probes than it
	// requires to succeed before trusting the downstream again. Defaults
	// to HalfOpenMaxRequests when left zero.
	HalfOpenSuccessThreshold int
	FailurePredicate         func(error) bool
	Adaptive                 bool
}

func (c Config) normalized() Config {
	if c.BucketCount <= 0 {
		c.BucketCount = 10
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = 10 * time.Second
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = c.HalfOpenMaxRequests
	}
	c.FailureRateThreshold = math.Min(math.Max(c.FailureRateThreshold, 0), 1)
	return c
}

// CircuitBreaker tracks recent outcomes and short-circuits admission
// when the downstream it protects looks unhealthy. State transitions
// are serialized under a mutex, as resilience.CircuitBreaker does.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg    Config
	window *FailureWindow

	state          State
	openedAt       time.Time
	halfOpenReqs   int
	halfOpenOK     int

	// adaptive threshold bookkeeping, carried from resilience.CircuitBreaker
	minAdaptive, maxAdaptive, dynamicThreshold float64
	lastEval                                   time.Time
	evalInterval                               time.Duration

	totalRequests, successful, failed, rejected int64

	sink        events.Sink
	transitions metric.Int64Counter
}

// New constructs a breaker. sink and transitions may be nil.
func New(cfg Config, sink events.Sink, transitions metric.Int64Counter) *CircuitBreaker {
	cfg = cfg.normalized()
	if sink == nil {
		sink = events.NopSink{}
	}
	cb := &CircuitBreaker{
		cfg:           cfg,
		window:        NewFailureWindow(cfg.WindowDuration, cfg.BucketCount),
		state:         StateClosed,
		evalInterval:  5 * time.Second,
		sink:          sink,
		transitions:   transitions,
	}
	if cfg.Adaptive {
		base := cfg.FailureRateThreshold
		cb.minAdaptive = math.Min(math.Max(base*0.5, 0.05), base)
		cb.maxAdaptive = math.Min(0.95, math.Max(base*1.5, base))
		cb.dynamicThreshold = base
	}
	return cb
}

// AllowRequest reports whether a new call may proceed, transitioning
// open -> half_open when the cool-down has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.OpenDuration {
			cb.transitionLocked(StateHalfOpen)
			cb.halfOpenReqs, cb.halfOpenOK = 1, 0 // this call is itself the first probe
		} else {
			cb.rejected++
			cb.totalRequests++
			return false
		}
	case StateHalfOpen:
		if cb.halfOpenReqs >= cb.cfg.HalfOpenMaxRequests {
			cb.rejected++
			cb.totalRequests++
			return false
		}
		cb.halfOpenReqs++
	}
	return true
}

// RecordSuccess marks the in-flight call as having succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.totalRequests++
	cb.successful++
	cb.window.RecordSuccess()

	if cb.state == StateHalfOpen {
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.cfg.HalfOpenSuccessThreshold {
			cb.transitionLocked(StateClosed)
			cb.window.Reset()
		}
	}
}

// RecordFailure marks the in-flight call as having failed with err. If
// a FailurePredicate is configured and returns false for err, the event
// is ignored entirely (neither recorded nor counted toward thresholds).
func (cb *CircuitBreaker) RecordFailure(err error) {
	if cb.cfg.FailurePredicate != nil && !cb.cfg.FailurePredicate(err) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.totalRequests++
	cb.failed++
	cb.window.RecordFailure()
	cb.maybeRecomputeAdaptiveLocked()

	switch cb.state {
	case StateClosed:
		total, failures := cb.window.Stats()
		threshold := cb.cfg.FailureRateThreshold
		if cb.cfg.Adaptive {
			threshold = cb.dynamicThreshold
		}
		tripByCount := cb.cfg.FailureThreshold > 0 && failures >= cb.cfg.FailureThreshold
		tripByRate := total > 0 && float64(failures)/float64(total) >= threshold
		if tripByCount || tripByRate {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) maybeRecomputeAdaptiveLocked() {
	if !cb.cfg.Adaptive || time.Since(cb.lastEval) < cb.evalInterval {
		return
	}
	if total, failures := cb.window.Stats(); total > 0 {
		rate := float64(failures) / float64(total)
		if rate > cb.cfg.FailureRateThreshold {
			cb.dynamicThreshold = math.Max(cb.minAdaptive, cb.dynamicThreshold*0.7)
		} else {
			cb.dynamicThreshold = math.Min(cb.maxAdaptive, cb.dynamicThreshold*1.05)
		}
	}
	cb.lastEval = time.Now()
}

func (cb *CircuitBreaker) transitionLocked(next State) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next
	if next == StateOpen {
		cb.openedAt = time.Now()
	}
	if cb.transitions != nil {
		cb.transitions.Add(context.Background(), 1)
	}
	cb.sink.Handle(events.Event{
		Type: events.CircuitStateChanged,
		At:   time.Now(),
		Fields: map[string]any{
			"old": prev.String(),
			"new": next.String(),
		},
	})
}

// Reconfigure swaps in new thresholds and window parameters live,
// mirroring queue.SetBackpressureConfig: the current state machine
// position and accumulated counters are left untouched, but the
// failure window is resized if WindowDuration or BucketCount changed,
// since a resized ring of buckets cannot safely keep old entries.
func (cb *CircuitBreaker) Reconfigure(cfg Config) {
	cfg = cfg.normalized()
	cb.mu.Lock()
	defer cb.mu.Unlock()

	windowChanged := cfg.WindowDuration != cb.cfg.WindowDuration || cfg.BucketCount != cb.cfg.BucketCount
	cb.cfg = cfg
	if windowChanged {
		cb.window = NewFailureWindow(cfg.WindowDuration, cfg.BucketCount)
	}
	if cfg.Adaptive {
		base := cfg.FailureRateThreshold
		cb.minAdaptive = math.Min(math.Max(base*0.5, 0.05), base)
		cb.maxAdaptive = math.Min(0.95, math.Max(base*1.5, base))
		cb.dynamicThreshold = base
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counters returns (total, successful, failed, rejected). Invariant 9
// in SPEC_FULL.md §3.2: total == successful+failed+rejected always.
func (cb *CircuitBreaker) Counters() (total, successful, failed, rejected int64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.totalRequests, cb.successful, cb.failed, cb.rejected
}

// Guard is an RAII-style call tracker: construct with Allow, then call
// Success or Failure exactly once before Close; if neither is called,
// Close conservatively records a failure.
type Guard struct {
	cb        *CircuitBreaker
	recorded  bool
}

// Allow checks AllowRequest and, if permitted, returns a Guard; if
// rejected, returns nil and a circuit_half_open_full error when the
// breaker is half-open, or a circuit_open error otherwise.
func (cb *CircuitBreaker) Allow() (*Guard, error) {
	if !cb.AllowRequest() {
		if cb.State() == StateHalfOpen {
			return nil, engineerr.New(engineerr.CircuitHalfOpenFull, "half-open probe slots exhausted")
		}
		return nil, engineerr.New(engineerr.CircuitOpen, "circuit breaker open")
	}
	return &Guard{cb: cb}, nil
}

func (g *Guard) Success() {
	g.recorded = true
	g.cb.RecordSuccess()
}

func (g *Guard) Failure(err error) {
	g.recorded = true
	g.cb.RecordFailure(err)
}

// Close records a failure if neither Success nor Failure was called —
// defensive default so a panicking caller still counts as a failure.
func (g *Guard) Close() {
	if !g.recorded {
		g.cb.RecordFailure(engineerr.New(engineerr.JobExecutionFailed, "guard closed without recording an outcome"))
	}
}
