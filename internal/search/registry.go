package search

import "sync"

// ActiveSearch is one entry in the registry snapshot.
type ActiveSearch struct {
	ID    string
	Terms []string
}

// Registry is the authoritative map of searches that are currently
// streaming and their filter terms. All mutations are serialized so the
// multiplexer never observes a half-applied change. Activation order is
// preserved; it keeps connection packing stable across reconciles.
type Registry struct {
	mu     sync.Mutex
	order  []string
	active map[string][]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string][]string)}
}

// Activate marks a search active with the given terms. Activating an
// already-active search replaces its terms in place, keeping its
// position in the activation order.
func (r *Registry) Activate(searchID string, terms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[searchID]; !ok {
		r.order = append(r.order, searchID)
	}
	r.active[searchID] = append([]string(nil), terms...)
}

// Deactivate removes a search. Deactivating an inactive search is a
// no-op, not an error.
func (r *Registry) Deactivate(searchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[searchID]; !ok {
		return
	}
	delete(r.active, searchID)
	for i, sid := range r.order {
		if sid == searchID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// CurrentFilter returns the terms for an active search.
func (r *Registry) CurrentFilter(searchID string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	terms, ok := r.active[searchID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), terms...), true
}

// IsActive reports whether a search is active.
func (r *Registry) IsActive(searchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[searchID]
	return ok
}

// ListActive returns a snapshot of active searches in activation order.
func (r *Registry) ListActive() []ActiveSearch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveSearch, 0, len(r.order))
	for _, sid := range r.order {
		out = append(out, ActiveSearch{ID: sid, Terms: append([]string(nil), r.active[sid]...)})
	}
	return out
}
