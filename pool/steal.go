package pool

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spaolacci/murmur3"
)

// VictimStrategy selects the next peer to attempt a steal from.
type VictimStrategy int

const (
	VictimRandom VictimStrategy = iota
	VictimRoundRobin
	VictimAdaptive
	VictimNumaAware
	VictimHierarchical
	VictimLocalityOptimized
)

// Topology reports placement of workers on a machine's NUMA/cache
// hierarchy. This engine does not discover topology itself (out of
// scope, SPEC_FULL.md §1); callers supply an oracle, or none at all —
// the numa_aware/hierarchical/locality_optimized strategies degrade to
// VictimRandom when Topology is nil.
type Topology interface {
	// NodeOf returns the NUMA node a worker runs on.
	NodeOf(workerID int) int
	// SameL3 reports whether two workers share an L3 cache domain.
	SameL3(a, b int) bool
}

// victimPicker holds the per-thief state a strategy needs across calls.
type victimPicker struct {
	strategy  VictimStrategy
	n         int
	topo      Topology
	cursor    int          // round_robin
	successes map[int]int  // adaptive: per-victim recent success count
	attempts  map[int]int  // adaptive: per-victim recent attempt count
	rng       *rand.Rand
}

func newVictimPicker(strategy VictimStrategy, n int) *victimPicker {
	return newVictimPickerWithTopology(strategy, n, nil)
}

func newVictimPickerWithTopology(strategy VictimStrategy, n int, topo Topology) *victimPicker {
	return &victimPicker{
		strategy:  strategy,
		n:         n,
		topo:      topo,
		successes: make(map[int]int),
		attempts:  make(map[int]int),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns a victim index different from self.
func (v *victimPicker) Next(self int) int {
	if v.n <= 1 {
		return self
	}
	switch v.strategy {
	case VictimRoundRobin:
		for {
			idx := v.cursor % v.n
			v.cursor++
			if idx != self {
				return idx
			}
		}
	case VictimAdaptive:
		best, bestRate := -1, -1.0
		for i := 0; i < v.n; i++ {
			if i == self {
				continue
			}
			a := v.attempts[i]
			if a == 0 {
				return i // unexplored victim, try it first
			}
			rate := float64(v.successes[i]) / float64(a)
			if rate > bestRate {
				best, bestRate = i, rate
			}
		}
		if best >= 0 {
			return best
		}
		fallthrough
	case VictimNumaAware:
		if v.topo == nil {
			return v.randomOtherThan(self)
		}
		if idx, ok := v.firstOtherMatching(self, func(i int) bool {
			return v.topo.NodeOf(i) == v.topo.NodeOf(self)
		}); ok {
			return idx
		}
		return v.randomOtherThan(self)
	case VictimHierarchical:
		if v.topo == nil {
			return v.randomOtherThan(self)
		}
		if idx, ok := v.firstOtherMatching(self, func(i int) bool { return v.topo.SameL3(self, i) }); ok {
			return idx
		}
		if idx, ok := v.firstOtherMatching(self, func(i int) bool {
			return v.topo.NodeOf(i) == v.topo.NodeOf(self)
		}); ok {
			return idx
		}
		return v.randomOtherThan(self)
	case VictimLocalityOptimized:
		if v.topo == nil {
			return v.randomOtherThan(self)
		}
		if idx, ok := v.firstOtherMatching(self, func(i int) bool { return v.topo.SameL3(self, i) }); ok {
			return idx
		}
		return v.randomOtherThan(self)
	default: // VictimRandom
		return v.randomOtherThan(self)
	}
}

func (v *victimPicker) randomOtherThan(self int) int {
	for {
		idx := v.rng.Intn(v.n)
		if idx != self {
			return idx
		}
	}
}

// firstOtherMatching scans peers starting just after self (wrapping) for
// the first one other than self that satisfies pred.
func (v *victimPicker) firstOtherMatching(self int, pred func(int) bool) (int, bool) {
	for i := 1; i < v.n; i++ {
		idx := (self + i) % v.n
		if pred(idx) {
			return idx, true
		}
	}
	return 0, false
}

func (v *victimPicker) Record(victim int, stole bool) {
	v.attempts[victim]++
	if stole {
		v.successes[victim]++
	}
}

// BackoffStrategy selects the delay progression between failed steal
// rounds, built on cenkalti/backoff/v4 rather than hand-rolled jitter
// math (SPEC_FULL.md §2b).
type BackoffStrategy int

const (
	BackoffFixed BackoffStrategy = iota
	BackoffLinear
	BackoffExponential
	BackoffAdaptiveJitter
)

// newStealBackoff builds a backoff.BackOff bounded by maxBackoff. Fixed
// and linear strategies are expressed as a ConstantBackOff /
// manually-stepped sequence respectively; exponential and
// adaptive_jitter both wrap backoff.ExponentialBackOff, the latter with
// RandomizationFactor maxed out for heavier jitter.
func newStealBackoff(strategy BackoffStrategy, initial, maxBackoff time.Duration) backoff.BackOff {
	switch strategy {
	case BackoffFixed:
		return backoff.NewConstantBackOff(initial)
	case BackoffLinear:
		return &linearBackoff{step: initial, max: maxBackoff}
	case BackoffAdaptiveJitter:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxBackoff
		b.MaxElapsedTime = 0
		b.RandomizationFactor = 0.9
		return b
	default: // BackoffExponential
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxBackoff
		b.MaxElapsedTime = 0
		return b
	}
}

// linearBackoff increases linearly with each call, capped at max. It
// implements backoff.BackOff directly since the library ships no linear
// variant.
type linearBackoff struct {
	step    time.Duration
	max     time.Duration
	current time.Duration
}

func (l *linearBackoff) NextBackOff() time.Duration {
	l.current += l.step
	if l.current > l.max {
		l.current = l.max
	}
	return l.current
}

func (l *linearBackoff) Reset() { l.current = 0 }

// SingleNodeTopology is the stub Topology the spec calls for where no
// real NUMA discovery is wired in: every worker reports node 0 and
// shares an L3 domain with every other worker, so every peer matches and
// the topology-aware victim strategies always pick the next worker after
// the thief (wrapping), whereas a nil Topology makes them pick a random
// peer.
type SingleNodeTopology struct{}

func (SingleNodeTopology) NodeOf(int) int         { return 0 }
func (SingleNodeTopology) SameL3(a, b int) bool { return true }

// HashRoute maps a routing key to a worker index in [0, n) via murmur3,
// used by SubmitRouted for soft worker affinity (SPEC_FULL.md §4.3).
func HashRoute(routingKey string, n int) int {
	if n <= 0 {
		return 0
	}
	h := murmur3.Sum32([]byte(routingKey))
	return int(h % uint32(n))
}
