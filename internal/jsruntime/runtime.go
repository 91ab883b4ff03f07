package jsruntime

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Add once the registry has been shut down.
var ErrClosed = errors.New("runtime registry is closed")

// JSRuntime is a live guest engine instance tracked for global shutdown
type JSRuntime interface {
	// ID identifies the runtime in logs and stats
	ID() string
	// ForceDestroy tears the runtime down, or marks it for teardown when
	// operations are still in flight. It must be idempotent.
	ForceDestroy()
	// Done is closed once teardown has completed
	Done() <-chan struct{}
}

// Registry tracks every live runtime of a process so shutdown can destroy
// them all. One mutex guards it; runtimes remove themselves once their
// storage may be freed.
type Registry struct {
	mu       sync.Mutex
	runtimes map[JSRuntime]struct{}
	created  int
	removed  int
	closed   bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		runtimes: make(map[JSRuntime]struct{}),
	}
}

// Add tracks rt. It fails once the registry is closed.
func (r *Registry) Add(rt JSRuntime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.runtimes[rt] = struct{}{}
	r.created++
	return nil
}

// Remove stops tracking rt. Removing an unknown runtime is a no-op.
func (r *Registry) Remove(rt JSRuntime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runtimes[rt]; ok {
		delete(r.runtimes, rt)
		r.removed++
	}
}

// Snapshot returns the runtimes tracked right now
func (r *Registry) Snapshot() []JSRuntime {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JSRuntime, 0, len(r.runtimes))
	for rt := range r.runtimes {
		out = append(out, rt)
	}
	return out
}

// Len returns the number of tracked runtimes
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runtimes)
}

// Stats returns registry statistics
func (r *Registry) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"live":          len(r.runtimes),
		"total_created": r.created,
		"total_removed": r.removed,
		"closed":        r.closed,
	}
}

// Close marks the registry as closed and force-destroys every runtime,
// then waits for their teardown until ctx is done. Calling Close again
// repeats the wait for whatever is still tracked.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	runtimes := r.Snapshot()
	for _, rt := range runtimes {
		rt.ForceDestroy()
	}
	for _, rt := range runtimes {
		select {
		case <-rt.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
