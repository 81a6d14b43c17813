package lifx

import "sync"

// registry is a listener list that can be mutated while being notified.
// Notification always works on a copy taken under the lock.
type registry[T any] struct {
	mu    sync.Mutex
	next  int
	items []registryEntry[T]
}

type registryEntry[T any] struct {
	id int
	v  T
}

// add registers v and returns a function that removes it again.
func (r *registry[T]) add(v T) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.items = append(r.items, registryEntry[T]{id: id, v: v})
	return func() { r.remove(id) }
}

func (r *registry[T]) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.items {
		if e.id == id {
			r.items = append(r.items[:i:i], r.items[i+1:]...)
			return
		}
	}
}

func (r *registry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.items))
	for i, e := range r.items {
		out[i] = e.v
	}
	return out
}

func (r *registry[T]) clear() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}
