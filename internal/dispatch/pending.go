package dispatch

import (
	"sync"
	"time"
)

// pendingWindow accumulates entity ids for the open debounce window.
// First arrival wins the ordering; duplicates across calls are dropped here
// (duplicates inside one call never reach it).
type pendingWindow struct {
	mu      sync.Mutex
	ids     []string
	seen    map[string]struct{}
	sources map[string]struct{}
	firstAt time.Time
}

func newPendingWindow() *pendingWindow {
	return &pendingWindow{
		seen:    make(map[string]struct{}),
		sources: make(map[string]struct{}),
	}
}

// add merges entityIDs into the window and reports whether the window has
// reached limit and should flush immediately. The window keeps the earliest
// change timestamp it has seen.
func (w *pendingWindow) add(source string, entityIDs []string, changedAt time.Time, limit int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sources[source] = struct{}{}
	if w.firstAt.IsZero() || changedAt.Before(w.firstAt) {
		w.firstAt = changedAt
	}
	for _, id := range entityIDs {
		if _, dup := w.seen[id]; dup {
			continue
		}
		w.seen[id] = struct{}{}
		w.ids = append(w.ids, id)
	}
	return len(w.ids) >= limit
}

// take empties the window and returns its contents.
func (w *pendingWindow) take() ([]string, map[string]struct{}, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := w.ids
	sources := w.sources
	firstAt := w.firstAt
	w.ids = nil
	w.seen = make(map[string]struct{})
	w.sources = make(map[string]struct{})
	w.firstAt = time.Time{}
	return ids, sources, firstAt
}

// size reports the number of entities in the open window.
func (w *pendingWindow) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ids)
}
