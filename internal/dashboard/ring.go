package dashboard

import "sync"

// ring keeps the newest entries up to a fixed capacity. Both the log
// feed and the host sampler retain their history through it. Safe for
// concurrent use.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	cap   int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 200
	}
	return &ring[T]{cap: capacity}
}

func (r *ring[T]) push(item T) {
	r.mu.Lock()
	r.items = append(r.items, item)
	if len(r.items) > r.cap {
		r.items = append([]T(nil), r.items[len(r.items)-r.cap:]...)
	}
	r.mu.Unlock()
}

func (r *ring[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}
