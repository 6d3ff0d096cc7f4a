package session

import "sync"

// Store persists the subject→session-id binding across process restarts.
//
// Implementations write the complete value on every mutation, so concurrent
// readers can never observe a partially-updated entry. The store is the only
// process-wide shared state of the conversation core; it is injected rather
// than ambient so tests can fake it.
type Store interface {
	// Get returns the session id bound to a subject key, if any.
	Get(subjectKey string) (string, bool, error)
	// Set binds a session id to a subject key, replacing any previous binding.
	Set(subjectKey, sessionID string) error
	// Delete removes the binding for a subject key.
	Delete(subjectKey string) error
	// All returns a copy of every binding, keyed by subject.
	All() (map[string]string, error)
}

// MemoryStore is an in-memory Store used by tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]string)}
}

func (s *MemoryStore) Get(subjectKey string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bindings[subjectKey]
	return id, ok, nil
}

func (s *MemoryStore) Set(subjectKey, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[subjectKey] = sessionID
	return nil
}

func (s *MemoryStore) Delete(subjectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, subjectKey)
	return nil
}

func (s *MemoryStore) All() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.bindings))
	for k, v := range s.bindings {
		out[k] = v
	}
	return out, nil
}
