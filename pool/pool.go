// Package pool implements the worker pool and its optional
// work-stealing scheduler, grounded on the lifecycle and panic-recovery
// pattern of other_examples' muaviaUsmani worker pool (Start/Stop with
// a timeout-bounded drain, recover()-guarded per-job execution with
// runtime/debug.Stack() capture) and on
// include/kcenon/thread/pool_policies/work_stealing_pool_policy.h (via
// original_source) for the local-deque/steal discipline.
package pool

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/swarmguard/jobengine/engineerr"
	"github.com/swarmguard/jobengine/events"
	"github.com/swarmguard/jobengine/job"
	"github.com/swarmguard/jobengine/queue"
	"github.com/swarmguard/jobengine/telemetry"
)

var errCircuitRejected = engineerr.New(engineerr.RejectedByPolicy, "rejected by circuit breaker policy")

// StealingConfig configures the optional work-stealing scheduler.
type StealingConfig struct {
	Enabled          bool
	VictimStrategy   VictimStrategy
	MaxStealAttempts int
	MinBatch         int
	MaxBatch         int
	BackoffStrategy  BackoffStrategy
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// Topology is consulted by VictimNumaAware/VictimHierarchical/
	// VictimLocalityOptimized; nil degrades those to VictimRandom.
	Topology Topology
}

func (c StealingConfig) normalized() StealingConfig {
	if c.MaxStealAttempts <= 0 {
		c.MaxStealAttempts = 4
	}
	if c.MinBatch <= 0 {
		c.MinBatch = 1
	}
	if c.MaxBatch < c.MinBatch {
		c.MaxBatch = c.MinBatch
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 50 * time.Millisecond
	}
	return c
}

// Config configures a Pool.
type Config struct {
	Name            string
	Workers         int
	ShutdownTimeout time.Duration
	WakeInterval    time.Duration
	Stealing        StealingConfig
	Policies        []Policy
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.WakeInterval <= 0 {
		c.WakeInterval = 10 * time.Millisecond
	}
	c.Stealing = c.Stealing.normalized()
	return c
}

// Pool owns N worker goroutines pulling from a shared backpressure
// queue and, when stealing is enabled, per-worker local deques.
type Pool struct {
	cfg   Config
	queue *queue.Queue

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	deques  []*localDeque
	pickers []*victimPicker

	sink        events.Sink
	instruments *telemetry.Instruments
}

// New constructs a Pool bound to q. sink and instruments may be nil.
func New(cfg Config, q *queue.Queue, sink events.Sink, instruments *telemetry.Instruments) *Pool {
	cfg = cfg.normalized()
	if sink == nil {
		sink = events.NopSink{}
	}
	p := &Pool{cfg: cfg, queue: q, sink: sink, instruments: instruments}
	if cfg.Stealing.Enabled {
		p.deques = make([]*localDeque, cfg.Workers)
		p.pickers = make([]*victimPicker, cfg.Workers)
		for i := range p.deques {
			p.deques[i] = newLocalDeque()
			p.pickers[i] = newVictimPickerWithTopology(cfg.Stealing.VictimStrategy, cfg.Workers, cfg.Stealing.Topology)
		}
	}
	return p
}

// Start launches the worker goroutines. A second call returns
// thread_already_running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return engineerr.New(engineerr.ThreadAlreadyRunning, "pool already running")
	}
	p.running = true
	p.stopped = false
	p.stopCh = make(chan struct{})

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
	return nil
}

// Stop tells the workers to run the jobs still queued and then exit, and
// waits up to ShutdownTimeout for them; past that it returns without
// logging rather than blocking the caller forever, and workers still
// draining finish in the background.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return engineerr.New(engineerr.ThreadNotRunning, "pool not running")
	}
	p.running = false
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
	}
	return nil
}

// Submit runs the pool's policies' OnEnqueue hooks — the first
// rejecting policy wins and the job is not queued, surfaced as
// rejected_by_policy — then hands j to the underlying queue.
func (p *Pool) Submit(ctx context.Context, j *job.Job) error {
	if err := p.runEnqueuePolicies(j); err != nil {
		return err
	}
	return p.queue.Enqueue(ctx, j)
}

// SubmitBatch runs policies over every job before enqueueing any of
// them: a single policy rejection fails the whole batch with nothing
// queued. The jobs are then enqueued one at a time; an enqueue error is
// returned at once, and the batch's earlier jobs stay queued.
func (p *Pool) SubmitBatch(ctx context.Context, jobs []*job.Job) error {
	for _, j := range jobs {
		if err := p.runEnqueuePolicies(j); err != nil {
			return err
		}
	}
	for _, j := range jobs {
		if err := p.queue.Enqueue(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// Pending reports the number of jobs currently waiting in the
// underlying queue (not counting jobs parked in per-worker local
// deques while stealing is enabled).
func (p *Pool) Pending() int {
	return p.queue.Size()
}

// SubmitRouted runs the pool's policies, then hashes routingKey to a
// worker index and pushes directly onto that worker's local deque
// tail, when stealing is enabled. It is a placement hint, not a
// partition: idle workers may still steal it.
func (p *Pool) SubmitRouted(j *job.Job, routingKey string) error {
	if err := p.runEnqueuePolicies(j); err != nil {
		return err
	}
	if !p.cfg.Stealing.Enabled {
		return p.queue.Enqueue(context.Background(), j)
	}
	idx := HashRoute(routingKey, len(p.deques))
	p.deques[idx].PushTail(j)
	return nil
}

func (p *Pool) runEnqueuePolicies(j *job.Job) error {
	for _, policy := range p.cfg.Policies {
		if err := policy.OnEnqueue(j); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()

	var deque *localDeque
	var picker *victimPicker
	if p.cfg.Stealing.Enabled {
		deque = p.deques[id]
		picker = p.pickers[id]
	}

	var bo interface{ NextBackOff() time.Duration; Reset() }
	if p.cfg.Stealing.Enabled {
		bo = newStealBackoff(p.cfg.Stealing.BackoffStrategy, p.cfg.Stealing.InitialBackoff, p.cfg.Stealing.MaxBackoff)
	}

	p.sink.Handle(events.Event{Type: events.WorkerStarted, At: time.Now(), Fields: map[string]any{"worker_id": id}})
	defer p.sink.Handle(events.Event{Type: events.WorkerStopped, At: time.Now(), Fields: map[string]any{"worker_id": id}})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		stopping := false
		select {
		case <-p.stopCh:
			stopping = true
		default:
		}

		var j *job.Job
		var ok bool

		if deque != nil {
			j, ok = deque.PopTail()
		}
		if !ok {
			j, ok = p.queue.TryDequeue()
		}
		if !ok && p.cfg.Stealing.Enabled {
			j, ok = p.trySteal(id, picker)
		}

		if !ok {
			if stopping {
				return
			}
			if bo != nil {
				time.Sleep(bo.NextBackOff())
			} else {
				time.Sleep(p.cfg.WakeInterval)
			}
			continue
		}
		if bo != nil {
			bo.Reset()
		}
		p.runJob(ctx, id, j)
	}
}

func (p *Pool) trySteal(self int, picker *victimPicker) (*job.Job, bool) {
	for attempt := 0; attempt < p.cfg.Stealing.MaxStealAttempts; attempt++ {
		victim := picker.Next(self)
		stolen := p.deques[victim].StealHead(p.cfg.Stealing.MaxBatch)
		picker.Record(victim, len(stolen) > 0)
		if p.instruments != nil {
			p.instruments.StealAttempts.Add(context.Background(), 1)
		}
		if len(stolen) == 0 {
			continue
		}
		if p.instruments != nil {
			p.instruments.StealSuccesses.Add(context.Background(), 1)
		}
		// keep any extras for ourselves to amortize future steals
		for _, extra := range stolen[1:] {
			p.deques[self].PushTail(extra)
		}
		return stolen[0], true
	}
	return nil, false
}

func (p *Pool) runJob(ctx context.Context, workerID int, j *job.Job) {
	for _, policy := range p.cfg.Policies {
		policy.OnJobStart(j)
	}

	start := time.Now()
	err := p.executeRecovered(j)
	success := err == nil

	for _, policy := range p.cfg.Policies {
		policy.OnJobComplete(j, success, err)
	}

	if p.instruments != nil {
		if success {
			p.instruments.JobsCompleted.Add(context.Background(), 1)
		} else {
			p.instruments.JobsFailed.Add(context.Background(), 1)
		}
		p.instruments.JobDuration.Record(context.Background(), time.Since(start).Seconds())
	}
	p.queue.RecordServiceTime(time.Since(start))

	if !success {
		p.maybeRetry(j, err)
	}
	_ = ctx
	_ = workerID
}

// executeRecovered runs j.Execute() inside a recover()-guarded wrapper:
// a panic becomes a job_execution_failed error carrying the captured
// stack, mirroring the grounding file's panic-to-failure conversion, and
// is handed to the job's OnComplete and OnError callbacks.
func (p *Pool) executeRecovered(j *job.Job) (execErr error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			execErr = engineerr.Wrap(engineerr.JobExecutionFailed,
				"job panicked: "+panicMessage(r), &panicError{stack: stack})
			if c := j.Components; c != nil {
				if c.OnComplete != nil {
					c.OnComplete(execErr)
				}
				if c.OnError != nil {
					c.OnError(execErr)
				}
			}
		}
	}()
	return j.Execute()
}

type panicError struct{ stack []byte }

func (p *panicError) Error() string { return string(p.stack) }

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return "non-error panic value"
}

func (p *Pool) maybeRetry(j *job.Job, err error) {
	retry := j.RetryPolicy()
	if retry == nil || !retry.ShouldRetry(err) {
		return
	}
	if tok := j.CancellationToken(); tok != nil && tok.IsCancelled() {
		return
	}
	delay := retry.DelayForCurrentAttempt()
	if p.instruments != nil {
		p.instruments.RetryAttempts.Add(context.Background(), 1)
	}
	time.AfterFunc(delay, func() {
		_ = p.queue.Enqueue(context.Background(), j)
	})
}

// Running reports whether Start has been called without a matching
// Stop.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
