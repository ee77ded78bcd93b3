package cassette

import "sync"

// EventTracker remembers which event ids were emitted since the last REQ.
type EventTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewEventTracker creates an empty tracker.
func NewEventTracker() *EventTracker {
	return &EventTracker{seen: make(map[string]struct{})}
}

// Reset forgets every recorded id.
func (t *EventTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.seen)
}

// AddAndCheck records id and reports whether it was new.
func (t *EventTracker) AddAndCheck(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; ok {
		return false
	}
	t.seen[id] = struct{}{}
	return true
}

// Len returns the number of recorded ids.
func (t *EventTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
