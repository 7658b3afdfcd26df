package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/jobengine/engineerr"
	"github.com/swarmguard/jobengine/job"
)

func testJob(name string) *job.Job {
	return job.NewBuilder(func() error { return nil }).Named(name).Build()
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q, err := New(Config{Capacity: 4, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyDropNewest}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, testJob(n)); err != nil {
			t.Fatalf("enqueue %s: %v", n, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		j, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if j.Name != want {
			t.Fatalf("expected FIFO order, wanted %s got %s", want, j.Name)
		}
	}
}

func TestEnqueueDropNewestRejectsOnFull(t *testing.T) {
	q, _ := New(Config{Capacity: 1, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyDropNewest}, nil, nil)
	ctx := context.Background()
	if err := q.Enqueue(ctx, testJob("first")); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	err := q.Enqueue(ctx, testJob("second"))
	if engineerr.KindOf(err) != engineerr.QueueFull {
		t.Fatalf("expected queue_full, got %v", err)
	}
	if q.Size() != 1 {
		t.Fatalf("expected size 1, got %d", q.Size())
	}
}

func TestEnqueueDropOldestEvictsHead(t *testing.T) {
	q, _ := New(Config{Capacity: 1, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyDropOldest}, nil, nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, testJob("first"))
	if err := q.Enqueue(ctx, testJob("second")); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	j, _ := q.TryDequeue()
	if j.Name != "second" {
		t.Fatalf("expected drop_oldest to keep the newest job, got %s", j.Name)
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("expected one dropped job recorded")
	}
}

func TestEnqueueBlockTimesOutWhenFull(t *testing.T) {
	q, _ := New(Config{Capacity: 1, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyBlock, BlockTimeout: 20 * time.Millisecond}, nil, nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, testJob("first"))

	start := time.Now()
	err := q.Enqueue(ctx, testJob("second"))
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("expected enqueue to block roughly until the timeout, took %v", elapsed)
	}
	if engineerr.KindOf(err) != engineerr.OperationTimeout {
		t.Fatalf("expected operation_timeout, got %v", err)
	}
}

func TestEnqueueBlockUnblocksWhenSpaceFrees(t *testing.T) {
	q, _ := New(Config{Capacity: 1, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyBlock, BlockTimeout: time.Second}, nil, nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, testJob("first"))

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, testJob("second")) }()

	time.Sleep(10 * time.Millisecond)
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected blocked enqueue to succeed once space freed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue never unblocked")
	}
}

func TestPressureLevelTransitions(t *testing.T) {
	q, _ := New(Config{Capacity: 10, LowWatermark: 0.2, HighWatermark: 0.8, Policy: PolicyDropNewest}, nil, nil)
	ctx := context.Background()
	if q.PressureLevel() != PressureNone {
		t.Fatalf("expected none at empty, got %v", q.PressureLevel())
	}
	for i := 0; i < 3; i++ { // depth 3/10 = 0.3, in-band
		_ = q.Enqueue(ctx, testJob("x"))
	}
	if q.PressureLevel() != PressureLow {
		t.Fatalf("expected low in-band from none, got %v", q.PressureLevel())
	}
	for i := 0; i < 5; i++ { // depth 8/10 = 0.8 >= high
		_ = q.Enqueue(ctx, testJob("x"))
	}
	if q.PressureLevel() != PressureHigh {
		t.Fatalf("expected high at 0.8 ratio, got %v", q.PressureLevel())
	}
	for i := 0; i < 2; i++ { // depth 10/10 = full
		_ = q.Enqueue(ctx, testJob("x"))
	}
	if q.PressureLevel() != PressureCritical {
		t.Fatalf("expected critical at full depth, got %v", q.PressureLevel())
	}
	q.TryDequeue() // depth 9/10 = 0.9, still >= high
	if q.PressureLevel() != PressureHigh {
		t.Fatalf("expected critical to drop to high, got %v", q.PressureLevel())
	}
	for i := 0; i < 4; i++ { // depth 5/10 = 0.5, in-band
		q.TryDequeue()
	}
	if q.PressureLevel() != PressureHigh {
		t.Fatalf("expected high to hold in-band, got %v", q.PressureLevel())
	}
	for i := 0; i < 4; i++ { // depth 1/10 = 0.1 < low
		q.TryDequeue()
	}
	if q.PressureLevel() != PressureLow {
		t.Fatalf("expected high to drop to low below the low watermark, got %v", q.PressureLevel())
	}
}

func TestDequeueBlocksThenReturnsQueueStoppedOnceDrained(t *testing.T) {
	q, _ := New(Config{Capacity: 2, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyDropNewest}, nil, nil)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.StopWaitingDequeue()

	select {
	case err := <-errCh:
		if engineerr.KindOf(err) != engineerr.QueueStopped {
			t.Fatalf("expected queue_stopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue never unblocked after stop")
	}
}

func TestDequeueContextCancellation(t *testing.T) {
	q, _ := New(Config{Capacity: 1, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyDropNewest}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if engineerr.KindOf(err) != engineerr.OperationCanceled {
			t.Fatalf("expected operation_canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue never observed context cancellation")
	}
}

func TestRateLimitRejectsBeyondBurst(t *testing.T) {
	q, _ := New(Config{
		Capacity: 10, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyDropNewest,
		RateLimit: RateLimitConfig{Enabled: true, TokensPerSecond: 1, Burst: 1},
	}, nil, nil)
	ctx := context.Background()
	if err := q.Enqueue(ctx, testJob("first")); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	err := q.Enqueue(ctx, testJob("second"))
	if engineerr.KindOf(err) != engineerr.RateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
}

func TestCallbackPolicyAcceptRejectDropAndDelay(t *testing.T) {
	decision := DecisionReject
	q, _ := New(Config{
		Capacity: 1, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyCallback,
		DecisionCB: func(*job.Job) DecisionOutcome { return decision },
	}, nil, nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, testJob("first"))

	decision = DecisionReject
	if err := q.Enqueue(ctx, testJob("second")); engineerr.KindOf(err) != engineerr.QueueFull {
		t.Fatalf("expected queue_full on reject decision, got %v", err)
	}

	decision = DecisionDropAndAccept
	if err := q.Enqueue(ctx, testJob("third")); err != nil {
		t.Fatalf("unexpected error on drop_and_accept: %v", err)
	}
	if j, _ := q.TryDequeue(); j.Name != "third" {
		t.Fatalf("expected drop_and_accept to keep the newest job, got %s", j.Name)
	}

	decision = DecisionAccept
	_ = q.Enqueue(ctx, testJob("fourth"))
	if err := q.Enqueue(ctx, testJob("fifth")); engineerr.KindOf(err) != engineerr.QueueFull {
		t.Fatalf("expected accept to fall back to reject when still full, got %v", err)
	}
}

func TestCallbackPolicyDelayRetriesOnce(t *testing.T) {
	q, _ := New(Config{
		Capacity: 1, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyCallback,
		DecisionCB: func(*job.Job) DecisionOutcome { return DecisionDelay },
		Adaptive:   AdaptiveConfig{SampleInterval: 10 * time.Millisecond},
	}, nil, nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, testJob("first"))

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, testJob("second")) }()

	time.Sleep(2 * time.Millisecond)
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected delayed enqueue to succeed once space freed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("delayed enqueue never resolved")
	}
}

func TestAdaptivePolicyRejectsWhenEstimatedWaitExceedsTarget(t *testing.T) {
	q, _ := New(Config{
		Capacity: 4, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyAdaptive,
		Adaptive: AdaptiveConfig{
			TargetLatency: time.Millisecond,
			EstimateWait:  func(depth int) time.Duration { return time.Hour },
		},
	}, nil, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = q.Enqueue(ctx, testJob("x"))
	}
	if err := q.Enqueue(ctx, testJob("over")); engineerr.KindOf(err) != engineerr.QueueFull {
		t.Fatalf("expected queue_full when estimated wait exceeds target latency, got %v", err)
	}
}

func TestAdaptivePolicyBlocksWithoutMutatingSharedBlockTimeout(t *testing.T) {
	q, _ := New(Config{
		Capacity: 1, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyAdaptive,
		BlockTimeout: time.Second,
		Adaptive: AdaptiveConfig{
			SampleInterval: 20 * time.Millisecond,
			TargetLatency:  time.Hour,
			EstimateWait:   func(depth int) time.Duration { return 0 },
		},
	}, nil, nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, testJob("first"))

	before := q.cfg.BlockTimeout
	start := time.Now()
	err := q.Enqueue(ctx, testJob("second"))
	elapsed := time.Since(start)

	if engineerr.KindOf(err) != engineerr.OperationTimeout {
		t.Fatalf("expected operation_timeout from the adaptive-local short deadline, got %v", err)
	}
	if elapsed >= before {
		t.Fatalf("expected adaptive enqueue to time out near SampleInterval (%v), not the full BlockTimeout (%v); took %v", 20*time.Millisecond, before, elapsed)
	}
	if q.cfg.BlockTimeout != before {
		t.Fatalf("BlockTimeout must not be mutated by the adaptive policy, want %v got %v", before, q.cfg.BlockTimeout)
	}
}

func TestAdaptivePolicyConcurrentProducersDoNotCorruptBlockTimeout(t *testing.T) {
	q, _ := New(Config{
		Capacity: 1, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyAdaptive,
		BlockTimeout: 200 * time.Millisecond,
		Adaptive: AdaptiveConfig{
			SampleInterval: 10 * time.Millisecond,
			TargetLatency:  time.Hour,
			EstimateWait:   func(depth int) time.Duration { return 0 },
		},
	}, nil, nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, testJob("first"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Enqueue(ctx, testJob("concurrent"))
		}()
	}
	wg.Wait()

	if q.cfg.BlockTimeout != 200*time.Millisecond {
		t.Fatalf("BlockTimeout corrupted by concurrent adaptive enqueues, want 200ms got %v", q.cfg.BlockTimeout)
	}
}

func TestStatsAccumulate(t *testing.T) {
	q, _ := New(Config{Capacity: 1, LowWatermark: 0.25, HighWatermark: 0.75, Policy: PolicyDropNewest}, nil, nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, testJob("first"))
	_ = q.Enqueue(ctx, testJob("second"))
	stats := q.Stats()
	if stats.Accepted != 1 || stats.Rejected != 1 {
		t.Fatalf("expected 1 accepted and 1 rejected, got %+v", stats)
	}
}
