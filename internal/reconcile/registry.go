package reconcile

import "sync"

// Registry keeps reducer state per entity id.
type Registry[T any] struct {
	mu     sync.Mutex
	states map[string]State[T]
}

// NewRegistry constructs an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{states: make(map[string]State[T])}
}

// Dispatch applies a to the state of id and returns the new state.
func (r *Registry[T]) Dispatch(id string, a Action[T]) State[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := Apply(r.states[id], a)
	r.states[id] = next
	return next
}

// Get returns the state of id and whether any action was dispatched for it.
func (r *Registry[T]) Get(id string) (State[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	return s, ok
}

// Forget drops the state of id.
func (r *Registry[T]) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, id)
}

// Len returns the number of tracked entities.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
