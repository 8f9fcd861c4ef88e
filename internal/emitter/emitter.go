// Package emitter provides an ordered, multi-subscriber listener registry
// keyed by event name. It backs the worker global scope's on/off/emit
// functions and the XMLHttpRequest event target.
//
// A Router is not safe for concurrent use; it is owned by a single event
// loop goroutine.
package emitter

// Router maps event names to ordered listener lists.
type Router[L any] struct {
	listeners map[string][]L
	same      func(a, b L) bool
}

// New creates a Router that uses same to identify listeners for removal.
func New[L any](same func(a, b L) bool) *Router[L] {
	return &Router[L]{
		listeners: make(map[string][]L),
		same:      same,
	}
}

// On appends a listener for name. Adding the same listener twice registers
// it twice.
func (r *Router[L]) On(name string, listener L) {
	r.listeners[name] = append(r.listeners[name], listener)
}

// Off removes the most recently added instance of listener for name,
// reporting whether anything was removed.
func (r *Router[L]) Off(name string, listener L) bool {
	list := r.listeners[name]
	for i := len(list) - 1; i >= 0; i-- {
		if !r.same(list[i], listener) {
			continue
		}
		if len(list) == 1 {
			delete(r.listeners, name)
			return true
		}
		updated := make([]L, 0, len(list)-1)
		updated = append(updated, list[:i]...)
		updated = append(updated, list[i+1:]...)
		r.listeners[name] = updated
		return true
	}
	return false
}

// Listeners returns a snapshot of the listeners for name in registration
// order. Listeners added or removed while the snapshot is iterated do not
// affect it.
func (r *Router[L]) Listeners(name string) []L {
	list := r.listeners[name]
	if len(list) == 0 {
		return nil
	}
	out := make([]L, len(list))
	copy(out, list)
	return out
}

// Count returns the number of listeners registered for name.
func (r *Router[L]) Count(name string) int {
	return len(r.listeners[name])
}

// RemoveAll drops every listener for name, or for all names if name is "".
func (r *Router[L]) RemoveAll(name string) {
	if name == "" {
		clear(r.listeners)
		return
	}
	delete(r.listeners, name)
}
