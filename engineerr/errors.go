// Package engineerr defines the flat error taxonomy shared by every
// component of the job execution engine.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind discriminates the category of a failure. It mirrors the taxonomy
// table in the engine design: one flat enum, no sub-hierarchies.
type Kind string

const (
	Unknown            Kind = "unknown"
	OperationCanceled  Kind = "operation_canceled"
	OperationTimeout   Kind = "operation_timeout"
	NotImplemented     Kind = "not_implemented"
	InvalidArgument    Kind = "invalid_argument"

	ThreadAlreadyRunning Kind = "thread_already_running"
	ThreadNotRunning     Kind = "thread_not_running"
	ThreadStartFailure   Kind = "thread_start_failure"
	ThreadJoinFailure    Kind = "thread_join_failure"

	QueueFull    Kind = "queue_full"
	QueueEmpty   Kind = "queue_empty"
	QueueStopped Kind = "queue_stopped"
	RateLimited  Kind = "rate_limited"

	JobCreationFailed  Kind = "job_creation_failed"
	JobExecutionFailed Kind = "job_execution_failed"
	JobInvalid         Kind = "job_invalid"

	ResourceAllocationFailed Kind = "resource_allocation_failed"
	ResourceLimitReached     Kind = "resource_limit_reached"

	MutexError             Kind = "mutex_error"
	DeadlockDetected        Kind = "deadlock_detected"
	ConditionVariableError Kind = "condition_variable_error"

	CircuitOpen          Kind = "circuit_open"
	CircuitHalfOpenFull Kind = "circuit_half_open_full"

	DagCycleDetected Kind = "dag_cycle_detected"
	DagUnknownJob    Kind = "dag_unknown_job"
	DagJobRunning    Kind = "dag_job_running"

	RejectedByPolicy Kind = "rejected_by_policy"
)

// Error is the single concrete error type returned across the engine.
// Every fallible operation returns either nil or a *Error, so callers can
// always do errors.As(err, &engineerr.Error{}) or errors.Is against one of
// the sentinels below.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, engineerr.New(KindX, "")) match on Kind alone,
// and also lets the package-level sentinels below be matched directly.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err, returning Unknown if err is not one
// of ours (or is nil).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Unknown
}

// Sentinels for errors.Is comparisons against a bare kind, e.g.
// errors.Is(err, engineerr.ErrCircuitOpen).
var (
	ErrCircuitOpen         = &Error{Kind: CircuitOpen}
	ErrCircuitHalfOpenFull = &Error{Kind: CircuitHalfOpenFull}
	ErrQueueFull           = &Error{Kind: QueueFull}
	ErrQueueEmpty          = &Error{Kind: QueueEmpty}
	ErrQueueStopped        = &Error{Kind: QueueStopped}
	ErrRateLimited         = &Error{Kind: RateLimited}
	ErrOperationTimeout    = &Error{Kind: OperationTimeout}
	ErrOperationCanceled   = &Error{Kind: OperationCanceled}
	ErrDagCycleDetected    = &Error{Kind: DagCycleDetected}
	ErrDagUnknownJob       = &Error{Kind: DagUnknownJob}
	ErrDagJobRunning       = &Error{Kind: DagJobRunning}
	ErrThreadAlreadyRunning = &Error{Kind: ThreadAlreadyRunning}
	ErrThreadNotRunning     = &Error{Kind: ThreadNotRunning}
	ErrRejectedByPolicy     = &Error{Kind: RejectedByPolicy}
	ErrInvalidArgument      = &Error{Kind: InvalidArgument}
)
