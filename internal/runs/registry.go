// Package runs tracks in-flight agent executions, at most one per
// platform key. The dispatcher acquires a slot before starting the
// agent loop and releases it when the run finishes; /stop aborts
// through the same registry.
package runs

import (
	"context"
	"sync"
	"time"
)

// ActiveRun is one in-flight agent execution.
type ActiveRun struct {
	StreamID    string
	PlatformKey string
	StartedAt   time.Time

	cancel    context.CancelFunc
	abortOnce sync.Once
}

// NewActiveRun builds a run record around its cancellation handle.
func NewActiveRun(streamID, platformKey string, cancel context.CancelFunc) *ActiveRun {
	return &ActiveRun{
		StreamID:    streamID,
		PlatformKey: platformKey,
		StartedAt:   time.Now(),
		cancel:      cancel,
	}
}

// Abort fires the run's cancellation handle. Safe to call repeatedly;
// the handle fires once, and only that call reports true.
func (run *ActiveRun) Abort() bool {
	var fired bool
	run.abortOnce.Do(func() {
		fired = true
		if run.cancel != nil {
			run.cancel()
		}
	})
	return fired
}

// Elapsed reports how long the run has been active.
func (run *ActiveRun) Elapsed() time.Duration {
	return time.Since(run.StartedAt)
}

// AbortResult reports what Abort found.
type AbortResult struct {
	Aborted   bool      `json:"aborted"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Registry is the thread-safe platform-key → ActiveRun map.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*ActiveRun
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{runs: map[string]*ActiveRun{}}
}

// Has reports whether the key has an active run.
func (r *Registry) Has(platformKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[platformKey]
	return ok
}

// Get returns the key's active run, if any.
func (r *Registry) Get(platformKey string) (*ActiveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[platformKey]
	return run, ok
}

// Set records the run unconditionally, replacing any existing entry.
func (r *Registry) Set(platformKey string, run *ActiveRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[platformKey] = run
}

// TryAcquire records the run only when the key has no active run yet.
// The check and insert are one atomic step; the dispatcher's busy gate
// relies on that.
func (r *Registry) TryAcquire(platformKey string, run *ActiveRun) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[platformKey]; ok {
		return false
	}
	r.runs[platformKey] = run
	return true
}

// Clear removes the key's run record.
func (r *Registry) Clear(platformKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, platformKey)
}

// Abort cancels the key's active run if one exists. The entry stays in
// the registry so the busy gate holds until the owning dispatcher
// removes it when the aborted loop returns; a repeat call on the same
// run therefore finds the entry but reports aborted=false.
func (r *Registry) Abort(platformKey string) AbortResult {
	r.mu.Lock()
	run, ok := r.runs[platformKey]
	r.mu.Unlock()

	if !ok || !run.Abort() {
		return AbortResult{}
	}
	return AbortResult{Aborted: true, StartedAt: run.StartedAt}
}

// Keys lists the platform keys that currently hold a run.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.runs))
	for key := range r.runs {
		keys = append(keys, key)
	}
	return keys
}

// Len reports how many runs are active across all keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
