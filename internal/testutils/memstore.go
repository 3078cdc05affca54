package testutils

import "sync"

// MemStore is an in-memory settings.Storage for tests. Optional per-op
// errors can be scripted through the Fail map.
type MemStore struct {
	mu     sync.Mutex
	values map[string]string

	// Fail maps an op name ("get", "set", "delete", "clear", "has") to an
	// error that op should return.
	Fail map[string]error
}

// NewMemStore creates an empty store
func NewMemStore() *MemStore {
	return &MemStore{
		values: make(map[string]string),
		Fail:   make(map[string]error),
	}
}

// Get returns the value stored under key
func (s *MemStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["get"]; err != nil {
		return "", false, err
	}
	v, ok := s.values[key]
	return v, ok, nil
}

// Set stores value under key
func (s *MemStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["set"]; err != nil {
		return err
	}
	s.values[key] = value
	return nil
}

// Delete removes key
func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["delete"]; err != nil {
		return err
	}
	delete(s.values, key)
	return nil
}

// Clear removes everything
func (s *MemStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["clear"]; err != nil {
		return err
	}
	s.values = make(map[string]string)
	return nil
}

// Has reports whether key is present
func (s *MemStore) Has(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["has"]; err != nil {
		return false, err
	}
	_, ok := s.values[key]
	return ok, nil
}
