package pool

import (
	"sync"

	"github.com/swarmguard/jobengine/job"
)

// localDeque is a per-worker double-ended queue: the owner pushes and
// pops at the tail (LIFO, cache-friendly for the common case of a
// worker draining its own recently-enqueued work), while thieves steal
// from the head (FIFO, oldest work first, least likely to collide with
// the owner's hot path). A Chase-Lev deque achieves this lock-free;
// this engine uses a single mutex around a slice instead, trading the
// lock-free fast path for a dramatically simpler and still-correct
// implementation — the steal rate in this engine is bounded by
// max_steal_attempts and backoff, not by owner-side throughput.
type localDeque struct {
	mu    sync.Mutex
	items []*job.Job
}

func newLocalDeque() *localDeque {
	return &localDeque{}
}

// PushTail is called only by the owning worker.
func (d *localDeque) PushTail(j *job.Job) {
	d.mu.Lock()
	d.items = append(d.items, j)
	d.mu.Unlock()
}

// PopTail is called only by the owning worker.
func (d *localDeque) PopTail() (*job.Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return nil, false
	}
	j := d.items[n-1]
	d.items = d.items[:n-1]
	return j, true
}

// StealHead removes up to maxBatch jobs from the head, for a thief.
func (d *localDeque) StealHead(maxBatch int) []*job.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return nil
	}
	if maxBatch > n {
		maxBatch = n
	}
	stolen := make([]*job.Job, maxBatch)
	copy(stolen, d.items[:maxBatch])
	d.items = d.items[maxBatch:]
	return stolen
}

func (d *localDeque) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
