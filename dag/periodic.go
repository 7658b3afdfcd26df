package dag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/jobengine/events"
)

// PeriodicTrigger resubmits a rebuild function on a cron schedule,
// grounded on services/orchestrator/scheduler.go's cron-based
// AddSchedule, trimmed to the single responsibility of periodically
// re-running a Graph: no persisted schedule store, no event-driven
// triggers, no concurrency-limited fan-out. Callers wanting those can
// layer them on top of Graph/Archiver themselves.
type PeriodicTrigger struct {
	cron *cron.Cron
	sink events.Sink

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewPeriodicTrigger constructs a trigger with second-precision cron
// expressions, matching the teacher's cron.WithSeconds() choice.
func NewPeriodicTrigger(sink events.Sink) *PeriodicTrigger {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &PeriodicTrigger{
		cron:    cron.New(cron.WithSeconds()),
		sink:    sink,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins firing registered schedules.
func (p *PeriodicTrigger) Start() { p.cron.Start() }

// Stop waits for in-flight cron invocations to finish or ctx to expire.
func (p *PeriodicTrigger) Stop(ctx context.Context) error {
	stopCtx := p.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule registers rebuild+run to fire on cronExpr, replacing any
// existing schedule under the same name. rebuild constructs a fresh
// Graph (a Graph is single-use per run: AddJob/AddDependency then
// ExecuteAll) so each tick gets its own jobs and state.
func (p *PeriodicTrigger) Schedule(name, cronExpr string, rebuild func() (*Graph, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, exists := p.entries[name]; exists {
		p.cron.Remove(id)
		delete(p.entries, name)
	}

	id, err := p.cron.AddFunc(cronExpr, func() {
		p.runOnce(name, rebuild)
	})
	if err != nil {
		return fmt.Errorf("add periodic schedule %q: %w", name, err)
	}
	p.entries[name] = id
	return nil
}

// Unschedule removes a previously registered schedule.
func (p *PeriodicTrigger) Unschedule(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, exists := p.entries[name]; exists {
		p.cron.Remove(id)
		delete(p.entries, name)
	}
}

func (p *PeriodicTrigger) runOnce(name string, rebuild func() (*Graph, error)) {
	start := time.Now()
	g, err := rebuild()
	if err != nil {
		p.sink.Handle(events.Event{Type: events.DagJobStateChanged, At: time.Now(), Fields: map[string]any{
			"schedule": name, "phase": "rebuild", "error": err.Error(),
		}})
		return
	}

	ctx := context.Background()
	runErr := g.ExecuteAll(ctx)
	fields := map[string]any{
		"schedule":    name,
		"phase":       "executed",
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if runErr != nil {
		fields["error"] = runErr.Error()
	}
	p.sink.Handle(events.Event{Type: events.DagJobStateChanged, At: time.Now(), Fields: fields})
}

// Entries reports the names of currently registered schedules.
func (p *PeriodicTrigger) Entries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for name := range p.entries {
		out = append(out, name)
	}
	return out
}
