package enginegrpc

import (
	"context"
	"time"
)

// PollProbers periodically mirrors each named Prober's Running() state
// into the health server until ctx is cancelled, so a pool that stops
// (Stop called) flips its service to
// NOT_SERVING without the caller wiring a dedicated callback.
func (h *HealthServer) PollProbers(ctx context.Context, interval time.Duration, probers map[string]Prober) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for name, p := range probers {
		h.Watch(name, p)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, p := range probers {
				h.Watch(name, p)
			}
		}
	}
}
