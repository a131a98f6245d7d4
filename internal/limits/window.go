// Package limits implements the broker's request throttles: the per-identity
// sliding window applied inside the dispatcher and the accept-loop connection
// guard in front of it.
package limits

import (
	"sync"
	"time"
)

// SlidingWindow counts requests per key over a trailing window.
//
// Semantics: a request is allowed iff the key has fewer than limit
// timestamps younger than span; allowed requests append their timestamp.
// Old entries are pruned on access, so idle keys cost nothing after one
// more call. State is process-local and intentionally not persisted.
type SlidingWindow struct {
	mu    sync.Mutex
	limit int
	span  time.Duration
	hits  map[string][]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewSlidingWindow creates a window allowing limit requests per span per key.
func NewSlidingWindow(limit int, span time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit: limit,
		span:  span,
		hits:  make(map[string][]time.Time),
		now:   time.Now,
	}
}

// Allow records and permits a request for key, or rejects it when the key
// already has limit requests inside the window.
func (w *SlidingWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.span)

	recent := w.hits[key][:0]
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= w.limit {
		w.hits[key] = recent
		return false
	}

	w.hits[key] = append(recent, now)
	return true
}

// Forget drops all state for key.
func (w *SlidingWindow) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.hits, key)
}

// PruneIdle drops keys whose timestamps have all aged out of the window.
// Allow prunes per key on access; this reclaims keys never touched again.
func (w *SlidingWindow) PruneIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.span)
	for key, hits := range w.hits {
		live := false
		for _, t := range hits {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(w.hits, key)
		}
	}
}
