package ha

import (
	"sync"

	"github.com/google/uuid"
)

// subscriberSet maps entity IDs to the handlers interested in them
type subscriberSet struct {
	mu      sync.RWMutex
	entries map[string][]subscriberEntry
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{entries: make(map[string][]subscriberEntry)}
}

// add registers handler for entityID and returns the new subscription ID
func (s *subscriberSet) add(entityID string, handler StateChangeHandler) string {
	id := uuid.NewString()

	s.mu.Lock()
	s.entries[entityID] = append(s.entries[entityID], subscriberEntry{
		id:      id,
		handler: handler,
	})
	s.mu.Unlock()

	return id
}

// remove drops a single subscription. Unknown IDs are ignored.
func (s *subscriberSet) remove(entityID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.entries[entityID]
	kept := current[:0]
	for _, entry := range current {
		if entry.id != id {
			kept = append(kept, entry)
		}
	}

	if len(kept) == 0 {
		delete(s.entries, entityID)
		return
	}
	s.entries[entityID] = kept
}

func (s *subscriberSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]subscriberEntry)
}

func (s *subscriberSet) count(entityID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[entityID])
}

// dispatch calls every handler for entityID on the caller's goroutine.
// Handlers are copied out first so they may subscribe or unsubscribe.
func (s *subscriberSet) dispatch(entityID string, oldState, newState *State) {
	s.mu.RLock()
	entries := append([]subscriberEntry(nil), s.entries[entityID]...)
	s.mu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}
