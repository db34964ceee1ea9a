package pipeline

import "sync"

// Registry tracks the handles of in-flight runs. It is explicit state owned
// by the orchestrator and passed where needed, never a package-level
// global; entries are evicted when their run reaches a terminal state.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Add registers a run handle.
func (r *Registry) Add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.RunID] = h
}

// Get returns the handle of an active run, or nil.
func (r *Registry) Get(runID string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[runID]
}

// Remove evicts a run handle.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, runID)
}

// Active returns the IDs of all in-flight runs.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}
