package dag

import (
	"context"
	"errors"
	"testing"
	"time"
)

func constJob(name string, val any) *DagJob {
	return NewDagJob(name, func(*RunContext) (any, error) { return val, nil })
}

func failingJob(name string, err error) *DagJob {
	return NewDagJob(name, func(*RunContext) (any, error) { return nil, err })
}

func TestAddDependencyRejectsCycles(t *testing.T) {
	g := New(Config{DetectCycles: true}, nil, nil)
	a := g.AddJob(constJob("a", 1))
	b := g.AddJob(constJob("b", 2))

	if err := g.AddDependency(b, a); err != nil {
		t.Fatalf("unexpected error adding b->a: %v", err)
	}
	if err := g.AddDependency(a, b); err == nil {
		t.Fatal("expected cycle rejection for a->b given b already depends on a")
	}
}

func TestGetExecutionOrderRespectsDependencies(t *testing.T) {
	g := New(Config{DetectCycles: true}, nil, nil)
	a := g.AddJob(constJob("a", nil))
	b := g.AddJob(constJob("b", nil))
	c := g.AddJob(constJob("c", nil))
	must(t, g.AddDependency(b, a))
	must(t, g.AddDependency(c, b))

	order, err := g.GetExecutionOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := map[int64]int{}
	for i, id := range order {
		pos[id] = i
	}
	if !(pos[a] < pos[b] && pos[b] < pos[c]) {
		t.Fatalf("expected order a,b,c; got positions %v", pos)
	}
}

func TestExecuteAllRunsInDependencyOrderAndPassesResults(t *testing.T) {
	g := New(Config{ExecuteInParallel: true, MaxWorkers: 4}, nil, nil)
	a := g.AddJob(NewDagJob("a", func(*RunContext) (any, error) { return 10, nil }))
	bJob := NewDagJob("b", func(ctx *RunContext) (any, error) {
		return ctx.Results[a].(int) * 2, nil
	})
	b := g.AddJob(bJob)
	must(t, g.AddDependency(b, a))

	if err := g.ExecuteAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := GetResult[int](g, b)
	if err != nil {
		t.Fatalf("unexpected error reading result: %v", err)
	}
	if res != 20 {
		t.Fatalf("expected 20, got %d", res)
	}
}

func TestFailFastCancelsDependents(t *testing.T) {
	g := New(Config{FailurePolicy: FailFast, ExecuteInParallel: true, MaxWorkers: 2}, nil, nil)
	a := g.AddJob(failingJob("a", errors.New("boom")))
	b := g.AddJob(constJob("b", 1))
	must(t, g.AddDependency(b, a))

	err := g.ExecuteAll(context.Background())
	if err == nil {
		t.Fatal("expected an error from fail-fast policy")
	}
	bj, _ := g.GetJobInfo(b)
	if bj.State() != StateCancelled {
		t.Fatalf("expected dependent job cancelled, got %v", bj.State())
	}
}

func TestContinueOthersSkipsOnlyAffectedDependents(t *testing.T) {
	g := New(Config{FailurePolicy: ContinueOthers, ExecuteInParallel: true, MaxWorkers: 2}, nil, nil)
	a := g.AddJob(failingJob("a", errors.New("boom")))
	b := g.AddJob(constJob("b", 1))
	c := g.AddJob(constJob("c", 2))
	must(t, g.AddDependency(b, a))

	if err := g.ExecuteAll(context.Background()); err != nil {
		t.Fatalf("continue_others should not surface an error, got %v", err)
	}
	bj, _ := g.GetJobInfo(b)
	cj, _ := g.GetJobInfo(c)
	if bj.State() != StateSkipped {
		t.Fatalf("expected b skipped since its only dependency failed, got %v", bj.State())
	}
	if cj.State() != StateCompleted {
		t.Fatalf("expected unrelated c to complete, got %v", cj.State())
	}
}

func TestContinueOthersPropagatesSkipThroughEntireDescendantChain(t *testing.T) {
	g := New(Config{FailurePolicy: ContinueOthers, ExecuteInParallel: true, MaxWorkers: 2}, nil, nil)
	a := g.AddJob(failingJob("a", errors.New("boom")))
	b := g.AddJob(constJob("b", 1))
	c := g.AddJob(constJob("c", 2))
	d := g.AddJob(constJob("d", 3))
	must(t, g.AddDependency(b, a))
	must(t, g.AddDependency(c, b))
	must(t, g.AddDependency(d, c))

	done := make(chan error, 1)
	go func() { done <- g.ExecuteAll(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("continue_others should not surface an error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ExecuteAll hung: skip never propagated past the immediate dependent, D stuck pending")
	}

	for _, id := range []int64{b, c, d} {
		j, _ := g.GetJobInfo(id)
		if j.State() != StateSkipped {
			t.Fatalf("expected job %d skipped by cascade from a's failure, got %v", id, j.State())
		}
	}
}

func TestFailFastCancelsEntireDescendantChain(t *testing.T) {
	g := New(Config{FailurePolicy: FailFast, ExecuteInParallel: true, MaxWorkers: 2}, nil, nil)
	a := g.AddJob(failingJob("a", errors.New("boom")))
	b := g.AddJob(constJob("b", 1))
	c := g.AddJob(constJob("c", 2))
	d := g.AddJob(constJob("d", 3))
	must(t, g.AddDependency(b, a))
	must(t, g.AddDependency(c, b))
	must(t, g.AddDependency(d, c))

	if err := g.ExecuteAll(context.Background()); err == nil {
		t.Fatal("expected an error from fail-fast policy")
	}

	for _, id := range []int64{b, c, d} {
		j, _ := g.GetJobInfo(id)
		if j.State() != StateCancelled {
			t.Fatalf("expected job %d cancelled by cascade from a's failure, got %v", id, j.State())
		}
	}
}

func TestRetryOnFailureEventuallySkipsAfterMaxRetries(t *testing.T) {
	attempts := 0
	g := New(Config{FailurePolicy: RetryOnFailure, MaxRetries: 2, RetryDelay: time.Millisecond}, nil, nil)
	a := g.AddJob(NewDagJob("a", func(*RunContext) (any, error) {
		attempts++
		return nil, errors.New("still failing")
	}))

	if err := g.ExecuteAll(context.Background()); err != nil {
		t.Fatalf("continue_others-equivalent default should not abort, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 1 initial attempt + 2 retries = 3, got %d", attempts)
	}
	aj, _ := g.GetJobInfo(a)
	if aj.State() != StateFailed {
		t.Fatalf("expected job left failed after exhausting retries, got %v", aj.State())
	}
}

func TestFallbackCompletesJobOnFailure(t *testing.T) {
	g := New(Config{FailurePolicy: Fallback}, nil, nil)
	j := NewDagJob("a", func(*RunContext) (any, error) { return nil, errors.New("boom") })
	j.Fallback = func(ctx *RunContext, cause error) (any, error) { return "fallback-value", nil }
	id := g.AddJob(j)

	if err := g.ExecuteAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := GetResult[string](g, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "fallback-value" {
		t.Fatalf("expected fallback value, got %q", res)
	}
}

func TestExecuteOnlyRunsTargetAncestors(t *testing.T) {
	g := New(Config{DetectCycles: true}, nil, nil)
	var ranC bool
	a := g.AddJob(constJob("a", 1))
	b := g.AddJob(constJob("b", 2))
	c := g.AddJob(NewDagJob("c", func(*RunContext) (any, error) { ranC = true; return 3, nil }))
	must(t, g.AddDependency(b, a))

	if err := g.Execute(context.Background(), b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ranC {
		t.Fatal("expected c, which is unrelated to target b, to not run")
	}
	cj, _ := g.GetJobInfo(c)
	if cj.State() != StatePending {
		t.Fatalf("expected c left pending, got %v", cj.State())
	}
}

func TestResetReturnsJobsToPending(t *testing.T) {
	g := New(Config{}, nil, nil)
	id := g.AddJob(constJob("a", 1))
	must(t, g.ExecuteAll(context.Background()))
	g.Reset()
	j, _ := g.GetJobInfo(id)
	if j.State() != StatePending {
		t.Fatalf("expected reset job pending, got %v", j.State())
	}
	if _, ok := j.Result(); ok {
		t.Fatal("expected result cleared after reset")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
