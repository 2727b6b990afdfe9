package credential

import (
	"context"
	"fmt"
	"sync"

	"circulation/pkg/sentinel"
)

type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

func key(dataSource string, patronID int64) string {
	return fmt.Sprintf("%s/%d", dataSource, patronID)
}

func (s *MemoryStore) Get(_ context.Context, dataSource string, patronID int64) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.creds[key(dataSource, patronID)]; ok {
		found := c
		return &found, nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *MemoryStore) Put(_ context.Context, c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key(c.DataSource, c.PatronID)] = *c
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, dataSource string, patronID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(dataSource, patronID)
	if _, ok := s.creds[k]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.creds, k)
	return nil
}
