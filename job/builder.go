package job

import "time"

// Builder accumulates orthogonal decorators and produces an owning Job
// handle via Build. It replaces the deep inheritance chain in the
// original design (job -> cancellable_job -> callback_job -> ...) with
// composition: one concrete Job value plus one optional Components
// record (design note, SPEC_FULL.md §9).
type Builder struct {
	name       string
	payload    []byte
	work       Func
	onComplete func(err error)
	onError    func(err error)
	retry      *RetryPolicy
	cancel     *CancellationToken
	timeout    time.Duration
	priority   Priority
	factory    func(*Job) *Job
}

// NewBuilder starts a builder for a job whose work is fn.
func NewBuilder(fn Func) *Builder {
	return &Builder{work: fn, priority: PriorityNormal}
}

func (b *Builder) Named(name string) *Builder {
	b.name = name
	return b
}

func (b *Builder) WithPayload(payload []byte) *Builder {
	b.payload = payload
	return b
}

func (b *Builder) OnComplete(cb func(err error)) *Builder {
	b.onComplete = cb
	return b
}

func (b *Builder) OnError(cb func(err error)) *Builder {
	b.onError = cb
	return b
}

func (b *Builder) WithRetry(policy *RetryPolicy) *Builder {
	b.retry = policy
	return b
}

func (b *Builder) WithCancellation(token *CancellationToken) *Builder {
	b.cancel = token
	return b
}

func (b *Builder) WithTimeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

func (b *Builder) WithPriority(p Priority) *Builder {
	b.priority = p
	return b
}

// WithFactory lets a caller produce a custom Job type via a closure,
// given the job this builder would otherwise have produced — the
// "custom job type produced via a factory closure" contract in
// SPEC_FULL.md §4.6.
func (b *Builder) WithFactory(factory func(*Job) *Job) *Builder {
	b.factory = factory
	return b
}

// Build returns an owning Job handle. A job with no decorators attached
// gets a nil Components (lazy allocation): no extra allocation beyond
// the Job value itself.
func (b *Builder) Build() *Job {
	j := &Job{
		ID:      NextID(),
		Name:    b.name,
		Payload: b.payload,
		Work:    b.work,
	}

	if b.onComplete != nil || b.onError != nil || b.retry != nil || b.cancel != nil || b.timeout > 0 || b.priority != PriorityNormal {
		j.Components = &Components{
			OnComplete: b.onComplete,
			OnError:    b.onError,
			Retry:      b.retry,
			Cancel:     b.cancel,
			Timeout:    b.timeout,
			Priority:   b.priority,
		}
	}

	if b.factory != nil {
		return b.factory(j)
	}
	return j
}
