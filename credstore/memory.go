package credstore

import (
	"context"
	"sync"
)

// MemoryStore keeps the session in process memory. It is the default store and does not
// survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	creds   Credentials
	profile []byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds.Empty() {
		return Credentials{}, false
	}
	return s.creds, true
}

func (s *MemoryStore) Save(_ context.Context, creds Credentials) error {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveSession(_ context.Context, creds Credentials, profile []byte) error {
	s.mu.Lock()
	s.creds = creds
	s.profile = cloneBytes(profile)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveProfile(_ context.Context, profile []byte) error {
	s.mu.Lock()
	s.profile = cloneBytes(profile)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Profile(context.Context) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.profile) == 0 {
		return nil, false
	}
	return cloneBytes(s.profile), true
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	s.creds = Credentials{}
	s.profile = nil
	s.mu.Unlock()
	return nil
}
