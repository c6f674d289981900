// Package event provides typed observer lists whose registrations are
// removed through the handle returned at registration time.
package event

import "sync"

// Unregister removes the listener it was returned for. It is safe to call
// more than once.
type Unregister func()

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Registry is an ordered list of listeners for values of type T.
// The zero value is ready to use.
type Registry[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[T]
}

// On registers fn and returns its unregister handle.
func (r *Registry[T]) On(fn func(T)) Unregister {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// Emit calls every listener in registration order. Listeners run on the
// caller's goroutine, outside the registry lock, so they may register or
// unregister freely.
func (r *Registry[T]) Emit(v T) {
	r.mu.Lock()
	snapshot := make([]entry[T], len(r.entries))
	copy(snapshot, r.entries)
	r.mu.Unlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Clear drops every registration.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
