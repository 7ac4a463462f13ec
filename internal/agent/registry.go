package agent

import (
	"sync"
	"sync/atomic"
)

// Registry is the process-wide table of in-flight runs. It tracks one
// cancellation flag per run; the flag is an atomic boolean so the driving
// goroutine reads it without holding the registry lock across checkpoints.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	cancelled atomic.Bool
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{
		runs: make(map[string]*runState),
	}
}

// Register adds a run to the registry with a cleared cancellation flag.
func (r *Registry) Register(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[runID]; !exists {
		r.runs[runID] = &runState{}
	}
}

// Cancel sets the cancellation flag for a run. Unknown or already-released
// runs are ignored.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	state := r.runs[runID]
	r.mu.Unlock()
	if state == nil {
		return false
	}
	state.cancelled.Store(true)
	return true
}

// IsCancelled reports whether the run's cancellation flag is set.
func (r *Registry) IsCancelled(runID string) bool {
	r.mu.Lock()
	state := r.runs[runID]
	r.mu.Unlock()
	return state != nil && state.cancelled.Load()
}

// Release removes a run from the registry.
func (r *Registry) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Active returns the number of in-flight runs.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
