package dag

import (
	"context"
	"sync"
	"time"

	"github.com/swarmguard/jobengine/engineerr"
	"github.com/swarmguard/jobengine/events"
)

// FailurePolicy governs what happens to the rest of the graph when a
// job fails (SPEC_FULL.md §4.4).
type FailurePolicy int

const (
	FailFast FailurePolicy = iota
	ContinueOthers
	RetryOnFailure
	Fallback
)

// Config configures graph execution.
type Config struct {
	FailurePolicy      FailurePolicy
	MaxRetries         int
	RetryDelay         time.Duration
	ExecuteInParallel  bool
	MaxWorkers         int
	DetectCycles       bool
}

func (c Config) normalized() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if !c.ExecuteInParallel {
		c.MaxWorkers = 1
	}
	return c
}

// Graph owns a set of DagJobs and their dependency edges. Dependents
// and dependencies are held as ids, never pointers (ownership rule,
// SPEC_FULL.md §3.3).
type Graph struct {
	mu   sync.RWMutex
	cfg  Config
	jobs map[int64]*DagJob

	retryCount map[int64]int
	firstErr   error

	sink  events.Sink
	cache *ResultCache

	execMu    sync.Mutex
	execStart time.Time
	execEnd   time.Time
}

// New constructs an empty Graph.
func New(cfg Config, sink events.Sink, cache *ResultCache) *Graph {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Graph{
		cfg:        cfg.normalized(),
		jobs:       make(map[int64]*DagJob),
		retryCount: make(map[int64]int),
		sink:       sink,
		cache:      cache,
	}
}

// AddJob inserts j, pending, with no edges yet.
func (g *Graph) AddJob(j *DagJob) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobs[j.ID] = j
	return j.ID
}

// AddDependency makes dependent wait on dependency. If DetectCycles is
// set, the edge is rejected with dag_cycle_detected when dependency
// already depends, transitively, on dependent (a DFS from dependent
// along dependent edges that reaches dependency),
// replacing the teacher's "no root nodes => cycle" heuristic
// (dag_engine.go: buildDAG) with real insertion-time rejection.
func (g *Graph) AddDependency(dependent, dependency int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	dj, ok := g.jobs[dependent]
	if !ok {
		return engineerr.New(engineerr.DagUnknownJob, "unknown dependent job")
	}
	dp, ok := g.jobs[dependency]
	if !ok {
		return engineerr.New(engineerr.DagUnknownJob, "unknown dependency job")
	}

	if g.cfg.DetectCycles && g.reachableLocked(dependent, dependency) {
		return engineerr.New(engineerr.DagCycleDetected, "adding this edge would create a cycle")
	}

	dj.dependsOn = append(dj.dependsOn, dependency)
	dp.dependents = append(dp.dependents, dependent)
	return nil
}

// reachableLocked reports whether a DFS from "from" can reach "to"
// following existing dependent edges — i.e. whether "to" already
// depends (transitively) on "from", which is what adding
// from->dependsOn->to would turn into a cycle for.
func (g *Graph) reachableLocked(from, to int64) bool {
	visited := make(map[int64]bool)
	var dfs func(id int64) bool
	dfs = func(id int64) bool {
		if id == to {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		job, ok := g.jobs[id]
		if !ok {
			return false
		}
		for _, dependent := range job.dependents {
			if dfs(dependent) {
				return true
			}
		}
		return false
	}
	return dfs(from)
}

// RemoveJob deletes id while it is still pending; fails with
// dag_job_running otherwise.
func (g *Graph) RemoveJob(id int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[id]
	if !ok {
		return engineerr.New(engineerr.DagUnknownJob, "unknown job")
	}
	if j.State() != StatePending {
		return engineerr.New(engineerr.DagJobRunning, "job is not pending")
	}
	delete(g.jobs, id)
	for _, dep := range j.dependsOn {
		if parent, ok := g.jobs[dep]; ok {
			parent.dependents = removeID(parent.dependents, id)
		}
	}
	return nil
}

func removeID(ids []int64, target int64) []int64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// HasCycles reports whether the current graph contains a cycle, by
// attempting a full topological sort.
func (g *Graph) HasCycles() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := g.topoOrderLocked()
	return err != nil
}

// GetExecutionOrder returns a topological ordering of job ids, or an
// error if the graph (despite insertion-time checks) is cyclic.
func (g *Graph) GetExecutionOrder() ([]int64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topoOrderLocked()
}

func (g *Graph) topoOrderLocked() ([]int64, error) {
	inDegree := make(map[int64]int, len(g.jobs))
	for id, j := range g.jobs {
		inDegree[id] = len(j.dependsOn)
	}
	var queue []int64
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	var order []int64
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dependent := range g.jobs[id].dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if len(order) != len(g.jobs) {
		return nil, engineerr.New(engineerr.DagCycleDetected, "graph contains a cycle")
	}
	return order, nil
}

// GetJobInfo returns the job for id, if present.
func (g *Graph) GetJobInfo(id int64) (*DagJob, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	j, ok := g.jobs[id]
	return j, ok
}

// GetAllJobs returns every job in the graph, in no particular order.
func (g *Graph) GetAllJobs() []*DagJob {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*DagJob, 0, len(g.jobs))
	for _, j := range g.jobs {
		out = append(out, j)
	}
	return out
}

// GetJobsInState filters GetAllJobs by state.
func (g *Graph) GetJobsInState(s State) []*DagJob {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*DagJob
	for _, j := range g.jobs {
		if j.State() == s {
			out = append(out, j)
		}
	}
	return out
}

// GetReadyJobs returns jobs with zero unsatisfied dependencies, still
// pending.
func (g *Graph) GetReadyJobs() []*DagJob {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*DagJob
	for _, j := range g.jobs {
		if j.State() != StatePending {
			continue
		}
		if g.dependenciesSatisfiedLocked(j) {
			out = append(out, j)
		}
	}
	return out
}

func (g *Graph) dependenciesSatisfiedLocked(j *DagJob) bool {
	for _, dep := range j.dependsOn {
		parent, ok := g.jobs[dep]
		if !ok || parent.State() != StateCompleted {
			return false
		}
	}
	return true
}

// GetResult retrieves a DagJob's stored value, type-asserted to T.
// Retrieval on a non-completed or missing job fails loudly.
func GetResult[T any](g *Graph, id int64) (T, error) {
	var zero T
	j, ok := g.GetJobInfo(id)
	if !ok {
		return zero, engineerr.New(engineerr.DagUnknownJob, "unknown job")
	}
	res, completed := j.Result()
	if !completed {
		return zero, engineerr.New(engineerr.JobInvalid, "job has not completed")
	}
	v, ok := res.(T)
	if !ok {
		return zero, engineerr.New(engineerr.JobInvalid, "stored result has unexpected type")
	}
	return v, nil
}

// Reset returns every job to pending and clears retry counters and
// cached first-error, for re-execution of the same graph.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, j := range g.jobs {
		j.setState(StatePending)
		j.mu.Lock()
		j.result, j.err = nil, nil
		j.mu.Unlock()
	}
	g.retryCount = make(map[int64]int)
	g.firstErr = nil
}

// CancelAll marks every non-terminal job cancelled.
func (g *Graph) CancelAll() {
	g.mu.RLock()
	jobs := make([]*DagJob, 0, len(g.jobs))
	for _, j := range g.jobs {
		jobs = append(jobs, j)
	}
	g.mu.RUnlock()
	for _, j := range jobs {
		if !j.State().Terminal() {
			j.setState(StateCancelled)
		}
	}
}

// ExecuteAll runs every job in dependency order, respecting
// ExecuteInParallel/MaxWorkers and the configured FailurePolicy.
func (g *Graph) ExecuteAll(ctx context.Context) error {
	g.execMu.Lock()
	g.execStart = time.Now()
	g.execMu.Unlock()

	err := g.run(ctx, nil)

	g.execMu.Lock()
	g.execEnd = time.Now()
	g.execMu.Unlock()
	return err
}

// Execute runs targetID and its ancestors only.
func (g *Graph) Execute(ctx context.Context, targetID int64) error {
	g.mu.RLock()
	_, ok := g.jobs[targetID]
	g.mu.RUnlock()
	if !ok {
		return engineerr.New(engineerr.DagUnknownJob, "unknown target job")
	}
	ancestors := g.ancestorsOf(targetID)

	g.execMu.Lock()
	g.execStart = time.Now()
	g.execMu.Unlock()

	err := g.run(ctx, ancestors)

	g.execMu.Lock()
	g.execEnd = time.Now()
	g.execMu.Unlock()
	return err
}

func (g *Graph) ancestorsOf(id int64) map[int64]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	visited := map[int64]bool{id: true}
	var walk func(int64)
	walk = func(cur int64) {
		j, ok := g.jobs[cur]
		if !ok {
			return
		}
		for _, dep := range j.dependsOn {
			if !visited[dep] {
				visited[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	return visited
}

// run is the Kahn's-algorithm execution loop, grounded on
// dag_engine.go's executeDAG: an in-memory ready queue fed by a fixed
// worker pool, a single coordinator goroutine applying the failure
// policy as results arrive.
func (g *Graph) run(ctx context.Context, scope map[int64]bool) error {
	g.mu.Lock()
	inScope := func(id int64) bool { return scope == nil || scope[id] }
	total := 0
	inDegree := make(map[int64]int)
	for id, j := range g.jobs {
		if !inScope(id) {
			continue
		}
		total++
		deg := 0
		for _, dep := range j.dependsOn {
			if inScope(dep) {
				deg++
			}
		}
		inDegree[id] = deg
	}
	ready := make(chan int64, total+1)
	for id, deg := range inDegree {
		if deg == 0 {
			g.jobs[id].setState(StateReady)
			ready <- id
		}
	}
	g.firstErr = nil
	g.mu.Unlock()

	type outcome struct {
		id  int64
		err error
	}
	results := make(chan outcome, total)
	var wg sync.WaitGroup
	workers := g.cfg.MaxWorkers
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case id, ok := <-ready:
					if !ok {
						return
					}
					err := g.executeOne(ctx, id)
					results <- outcome{id: id, err: err}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	done := 0
	var runErr error
loop:
	for done < total {
		select {
		case <-ctx.Done():
			runErr = engineerr.New(engineerr.OperationCanceled, "dag execution cancelled")
			break loop
		case res := <-results:
			done++
			g.mu.Lock()
			j := g.jobs[res.id]
			children := append([]int64(nil), j.dependents...)
			g.mu.Unlock()

			if res.err != nil {
				if action := g.handleFailure(ctx, res.id, res.err, ready, inScope); action == actionAbort {
					runErr = res.err
					break loop
				} else if action == actionRetrying {
					done--
					continue
				}
			}

			for _, childID := range children {
				if !inScope(childID) {
					continue
				}
				g.mu.Lock()
				inDegree[childID]--
				remaining := inDegree[childID]
				child := g.jobs[childID]
				g.mu.Unlock()

				if child.State().Terminal() {
					// already resolved by a cascade from another failed
					// ancestor reachable through a different path.
					continue
				}
				if remaining > 0 {
					continue
				}
				if !g.dependenciesCompletedFor(child) {
					child.setState(StateSkipped)
					done++
					done += g.cascadeTerminal(childID, StateSkipped, inScope)
					continue
				}
				child.setState(StateReady)
				ready <- childID
			}
		}
	}

	close(ready)
	wg.Wait()
	return runErr
}

func (g *Graph) dependenciesCompletedFor(j *DagJob) bool {
	for _, dep := range j.dependsOn {
		if parent, ok := g.jobs[dep]; ok && parent.State() != StateCompleted {
			return false
		}
	}
	return true
}

// cascadeTerminal walks the full descendant subgraph of id (breadth
// first, following dependents transitively, not just the immediate
// children) and marks every non-terminal job reachable from it as
// state. A job with any ancestor that never completes can never itself
// satisfy dependenciesCompletedFor, no matter how deep it sits below
// the failure, so a one-level dependents walk leaves deeper descendants
// stuck pending forever; this resolves the whole subgraph in one pass.
// It returns how many in-scope jobs it newly drove to state, for the
// caller to fold into its own completion count.
func (g *Graph) cascadeTerminal(id int64, state State, inScope func(int64) bool) int {
	g.mu.RLock()
	start, ok := g.jobs[id]
	var queue []int64
	if ok {
		queue = append(queue, start.dependents...)
	}
	g.mu.RUnlock()

	visited := map[int64]bool{id: true}
	count := 0
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		if !inScope(next) {
			continue
		}

		g.mu.RLock()
		j, ok := g.jobs[next]
		var children []int64
		if ok {
			children = append(children, j.dependents...)
		}
		g.mu.RUnlock()
		if !ok {
			continue
		}

		if !j.State().Terminal() {
			j.setState(state)
			count++
		}
		queue = append(queue, children...)
	}
	return count
}

type failureAction int

const (
	actionContinue failureAction = iota
	actionAbort
	actionRetrying
)

func (g *Graph) handleFailure(ctx context.Context, id int64, cause error, ready chan<- int64, inScope func(int64) bool) failureAction {
	j := g.jobs[id]

	switch g.cfg.FailurePolicy {
	case FailFast:
		g.mu.Lock()
		if g.firstErr == nil {
			g.firstErr = cause
		}
		g.mu.Unlock()
		g.cascadeTerminal(id, StateCancelled, inScope)
		return actionAbort

	case RetryOnFailure:
		g.mu.Lock()
		count := g.retryCount[id]
		if count < g.cfg.MaxRetries {
			g.retryCount[id] = count + 1
			g.mu.Unlock()
			time.Sleep(g.cfg.RetryDelay)
			j.setState(StateReady)
			ready <- id
			return actionRetrying
		}
		g.mu.Unlock()
		return actionContinue

	case Fallback:
		if j.Fallback != nil {
			val, err := j.Fallback(&RunContext{Results: g.collectResults()}, cause)
			if err == nil {
				j.mu.Lock()
				j.state = StateCompleted
				j.result = val
				j.mu.Unlock()
				return actionContinue
			}
		}
		return actionContinue

	default: // ContinueOthers
		return actionContinue
	}
}

func (g *Graph) collectResults() map[int64]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[int64]any, len(g.jobs))
	for id, j := range g.jobs {
		if v, ok := j.Result(); ok {
			out[id] = v
		}
	}
	return out
}

func (g *Graph) executeOne(ctx context.Context, id int64) error {
	g.mu.RLock()
	j := g.jobs[id]
	g.mu.RUnlock()

	j.setState(StateRunning)
	j.mu.Lock()
	j.startTime = time.Now()
	j.mu.Unlock()

	if g.cache != nil && j.CacheKey != "" {
		if cached, ok := g.cache.Get(j.CacheKey); ok {
			j.mu.Lock()
			j.state, j.result, j.endTime = StateCompleted, cached, time.Now()
			j.mu.Unlock()
			return nil
		}
	}

	runCtx := &RunContext{Results: g.collectResults()}
	val, err := j.Work(runCtx)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.endTime = time.Now()
	if err != nil {
		j.state, j.err = StateFailed, err
		g.sink.Handle(events.Event{Type: events.DagJobStateChanged, At: time.Now(), Fields: map[string]any{"job_id": id, "state": "failed"}})
		return err
	}
	j.state, j.result = StateCompleted, val
	if g.cache != nil && j.CacheKey != "" {
		g.cache.Put(j.CacheKey, val)
	}
	g.sink.Handle(events.Event{Type: events.DagJobStateChanged, At: time.Now(), Fields: map[string]any{"job_id": id, "state": "completed"}})
	return nil
}

// Wait blocks until execStart/execEnd both have a non-zero value, i.e.
// a run of ExecuteAll/Execute has completed. Since this engine's run()
// is itself synchronous, Wait is primarily useful after launching
// ExecuteAll in its own goroutine.
func (g *Graph) Wait(ctx context.Context) error {
	for {
		g.execMu.Lock()
		done := !g.execEnd.IsZero() && g.execEnd.After(g.execStart)
		g.execMu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return engineerr.New(engineerr.OperationCanceled, "wait cancelled")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
