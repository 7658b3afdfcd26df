package job

import (
	"context"
	"sync"
)

// CancellationToken is a shareable, one-shot cooperative cancel signal.
// Multiple jobs and callers may hold the same token; Cancel is idempotent
// and every holder observes it via IsCancelled or a pre-registered
// callback invoked synchronously on the cancelling goroutine.
type CancellationToken struct {
	mu        sync.Mutex
	cancelled bool
	callbacks []func()
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewCancellationToken creates a token independent of any parent context.
func NewCancellationToken() *CancellationToken {
	ctx, cancel := context.WithCancel(context.Background())
	return &CancellationToken{ctx: ctx, cancel: cancel}
}

// NewCancellationTokenFromContext ties the token's lifetime to parent, so
// the token trips automatically when parent is cancelled (e.g. by a
// job-level timeout built with context.WithTimeout).
func NewCancellationTokenFromContext(parent context.Context) *CancellationToken {
	ctx, cancel := context.WithCancel(parent)
	t := &CancellationToken{ctx: ctx, cancel: cancel}
	go func() {
		<-ctx.Done()
		t.Cancel()
	}()
	return t
}

// Cancel trips the token. Only the first call runs callbacks; subsequent
// calls are no-ops, matching the one-shot contract.
func (t *CancellationToken) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	t.cancel()
	for _, cb := range callbacks {
		cb()
	}
}

// IsCancelled polls the current state.
func (t *CancellationToken) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// OnCancel registers a callback invoked synchronously on the cancelling
// goroutine when Cancel fires. If the token is already cancelled, cb runs
// immediately on the calling goroutine.
func (t *CancellationToken) OnCancel(cb func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		cb()
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

// Context returns a context.Context that is Done exactly when the token
// is cancelled, for use with APIs that accept a context.
func (t *CancellationToken) Context() context.Context {
	return t.ctx
}
