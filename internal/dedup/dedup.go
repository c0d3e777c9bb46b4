// Package dedup provides the rolling-window duplicate suppression used
// for trade ids (re-delivery across reconnect, resubscribe and backfill)
// and for fired signal keys.
package dedup

type entry struct {
	ts  int64
	key string
}

// Window is a FIFO of (ts, key) paired with a membership set. Entries
// older than the window are evicted from the front before every test,
// so memory stays proportional to one window of unique keys and
// membership is O(1) amortized.
type Window struct {
	windowMs   int64
	maxEntries int
	queue      []entry
	live       map[string]struct{}
}

func NewWindow(windowMs int64) *Window {
	return &Window{
		windowMs: windowMs,
		live:     make(map[string]struct{}),
	}
}

// NewBounded is a Window that additionally evicts its oldest entries
// beyond maxEntries, keeping memory bounded when the time horizon is
// long. Eviction by count shortens the effective window, never widens
// it, so a key dropped early can at worst be reported unseen again.
func NewBounded(windowMs int64, maxEntries int) *Window {
	w := NewWindow(windowMs)
	w.maxEntries = maxEntries
	return w
}

// Seen evicts expired entries, then reports whether key is already
// present. Unseen keys are recorded with the given timestamp.
func (w *Window) Seen(key string, ts int64) bool {
	w.evict(ts)
	if _, ok := w.live[key]; ok {
		return true
	}
	w.live[key] = struct{}{}
	w.queue = append(w.queue, entry{ts: ts, key: key})
	if w.maxEntries > 0 && len(w.queue) > w.maxEntries {
		over := len(w.queue) - w.maxEntries
		for i := 0; i < over; i++ {
			delete(w.live, w.queue[i].key)
		}
		w.queue = append(w.queue[:0], w.queue[over:]...)
	}
	return false
}

// Contains tests membership without recording.
func (w *Window) Contains(key string, ts int64) bool {
	w.evict(ts)
	_, ok := w.live[key]
	return ok
}

func (w *Window) Len() int { return len(w.live) }

func (w *Window) evict(now int64) {
	cutoff := now - w.windowMs
	i := 0
	for ; i < len(w.queue) && w.queue[i].ts < cutoff; i++ {
		delete(w.live, w.queue[i].key)
	}
	if i > 0 {
		w.queue = append(w.queue[:0], w.queue[i:]...)
	}
}
