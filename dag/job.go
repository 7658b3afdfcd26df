// Package dag implements the DAG scheduler: a graph of DagJobs executed
// in dependency order with bounded parallelism, grounded on
// services/orchestrator/dag_engine.go's Kahn's-algorithm worker-pool
// execution loop, generalized from the teacher's fixed Task/Workflow
// model to an arbitrary typed result per job.
package dag

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a DagJob's position in the state machine (SPEC_FULL.md §4.4):
// pending -> ready -> running -> {completed, failed, cancelled}, or
// pending/ready -> {skipped, cancelled}.
type State int

const (
	StatePending State = iota
	StateReady
	StateRunning
	StateCompleted
	StateFailed
	StateSkipped
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateSkipped, StateCancelled:
		return true
	default:
		return false
	}
}

var idCounter atomic.Int64

// NewID returns the next monotonic 64-bit id, the default scheme per
// SPEC_FULL.md §3.1.
func NewID() int64 { return idCounter.Add(1) }

// NewUUID is the alternate id path for callers preferring UUID-keyed
// jobs over the monotonic counter (SPEC_FULL.md §2b).
func NewUUID() string { return uuid.NewString() }

// Fn is a DagJob's work function. ctx.Results maps the id of every job
// that has completed so far to its stored result, so a job can consume
// its ancestors' output; RunContext carries no cancellation signal.
type Fn func(ctx *RunContext) (any, error)

// Fallback runs in place of a failed job under the Fallback failure policy.
type Fallback func(ctx *RunContext, cause error) (any, error)

// RunContext is passed to a DagJob's Fn/Fallback at execution time.
type RunContext struct {
	Results map[int64]any
}

// DagJob is one node in a Graph.
type DagJob struct {
	ID        int64
	Name      string
	Work      Fn
	Fallback  Fallback
	CacheKey  string

	mu         sync.Mutex
	state      State
	dependsOn  []int64
	dependents []int64
	result     any
	err        error
	submitTime time.Time
	startTime  time.Time
	endTime    time.Time
}

// NewDagJob constructs a pending job with a fresh id.
func NewDagJob(name string, work Fn) *DagJob {
	return &DagJob{ID: NewID(), Name: name, Work: work, state: StatePending}
}

func (j *DagJob) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *DagJob) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Result returns the stored value and whether the job completed.
func (j *DagJob) Result() (any, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.state == StateCompleted
}

func (j *DagJob) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}
