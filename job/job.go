// Package job defines the unit of work scheduled by the engine: a Job
// plus an optional record of orthogonal decorators (Components),
// composed rather than inherited, and the Builder that assembles them.
package job

import (
	"sync/atomic"
	"time"

	"github.com/swarmguard/jobengine/engineerr"
)

var errCanceled = engineerr.New(engineerr.OperationCanceled, "job cancelled before dispatch")

// Priority orders ready jobs within a worker pool or DAG ready-set.
// Higher values run first.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

var idCounter atomic.Int64

// NextID returns the next monotonic job ID. IDs are never reused within
// a process lifetime (invariant 1).
func NextID() int64 {
	return idCounter.Add(1)
}

// Func is the mandatory work contract: do the work, return an error or
// nil. Panics are recovered at the worker boundary (see pool package),
// never here.
type Func func() error

// Job is an opaque, stable-ID work unit. A Job with no decorators carries
// a nil Components, so it is exactly one allocation.
type Job struct {
	ID         int64
	Name       string
	Payload    []byte
	Work       Func
	Components *Components
}

// Components records the optional orthogonal behaviors a builder may
// attach. A job with zero decorators never allocates this struct.
type Components struct {
	OnComplete func(err error)
	OnError    func(err error)
	Retry      *RetryPolicy
	Cancel     *CancellationToken
	Timeout    time.Duration
	Priority   Priority
}

// Execute runs the execution wrapper described in SPEC_FULL.md §4.6:
// check cancellation, run the work, fire callbacks, return the error the
// worker pool uses to decide on a retry.
func (j *Job) Execute() error {
	if j.Components != nil && j.Components.Cancel != nil && j.Components.Cancel.IsCancelled() {
		err := errCanceled
		j.fireCallbacks(err)
		return err
	}

	var err error
	if j.Work != nil {
		err = j.Work()
	}
	j.fireCallbacks(err)
	return err
}

func (j *Job) fireCallbacks(err error) {
	if j.Components == nil {
		return
	}
	if j.Components.OnComplete != nil {
		j.Components.OnComplete(err)
	}
	if err != nil && j.Components.OnError != nil {
		j.Components.OnError(err)
	}
}

// Priority returns the job's priority, defaulting to Normal when the job
// carries no decorators.
func (j *Job) Priority() Priority {
	if j.Components == nil {
		return PriorityNormal
	}
	return j.Components.Priority
}

// RetryPolicy returns the attached retry policy, or nil.
func (j *Job) RetryPolicy() *RetryPolicy {
	if j.Components == nil {
		return nil
	}
	return j.Components.Retry
}

// CancellationToken returns the attached token, or nil.
func (j *Job) CancellationToken() *CancellationToken {
	if j.Components == nil {
		return nil
	}
	return j.Components.Cancel
}
