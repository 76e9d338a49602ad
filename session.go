package sqlsession

import "sync"

// Session is the decoded state of one visitor session, as loaded by
// Manager.Get. Values must be gob-encodable; register custom types with
// gob.Register.
type Session struct {
	ID     string
	Values map[string]any
	// Expired is set when the request carried the id of a session whose
	// lifetime had elapsed. Values is empty in that case.
	Expired bool

	mu      sync.RWMutex
	handler *Handler
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.Values[key]
	return v, ok
}

// Set stores value under key.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Values == nil {
		s.Values = make(map[string]any)
	}
	s.Values[key] = value
}

// Delete removes key.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Values, key)
}

// Clear removes every value.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.Values)
}
