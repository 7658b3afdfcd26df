package pool

import "github.com/swarmguard/jobengine/job"

// Policy is consumed by the pool in the order it was registered;
// OnEnqueue may reject a job before it is ever queued (e.g. an open
// circuit breaker), the first rejecting policy wins.
type Policy interface {
	OnEnqueue(j *job.Job) error
	OnJobStart(j *job.Job)
	OnJobComplete(j *job.Job, success bool, err error)
}

// BasePolicy is embeddable by policies that only need one or two of the
// three hooks; it satisfies the Policy interface with no-ops.
type BasePolicy struct{}

func (BasePolicy) OnEnqueue(*job.Job) error                  { return nil }
func (BasePolicy) OnJobStart(*job.Job)                       {}
func (BasePolicy) OnJobComplete(*job.Job, bool, error)       {}

// CircuitBreakerPolicy rejects enqueue attempts while the wrapped
// breaker is open, grounded on
// include/kcenon/thread/pool_policies/circuit_breaker_policy.h (via
// original_source) — a pool policy is a thin adapter around the
// standalone breaker package, not a reimplementation of it.
type CircuitBreakerPolicy struct {
	BasePolicy
	Breaker interface {
		AllowRequest() bool
		RecordSuccess()
		RecordFailure(error)
	}
}

func (p *CircuitBreakerPolicy) OnEnqueue(j *job.Job) error {
	if !p.Breaker.AllowRequest() {
		return errCircuitRejected
	}
	return nil
}

func (p *CircuitBreakerPolicy) OnJobComplete(j *job.Job, success bool, err error) {
	if success {
		p.Breaker.RecordSuccess()
	} else {
		p.Breaker.RecordFailure(err)
	}
}
