package patron

import (
	"context"
	"sync"

	"circulation/pkg/sentinel"
)

// MemoryStore keeps patron records in memory. It favors clarity over
// performance and backs unit tests and single-node development.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	patrons map[int64]Patron
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{patrons: make(map[int64]Patron)}
}

func (s *MemoryStore) FindByAuthorization(_ context.Context, library, identifier string) (*Patron, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.patrons {
		if p.Library == library && p.AuthorizationIdentifier == identifier {
			found := p
			return &found, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *MemoryStore) FindByExternalIdentifier(_ context.Context, library, externalID string) (*Patron, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.patrons {
		if p.Library == library && p.ExternalIdentifier == externalID {
			found := p
			return &found, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *MemoryStore) CreateOrFetch(_ context.Context, p *Patron) (*Patron, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.patrons {
		if existing.Library == p.Library && existing.ExternalIdentifier == p.ExternalIdentifier {
			found := existing
			return &found, nil
		}
	}
	s.nextID++
	created := *p
	created.ID = s.nextID
	s.patrons[created.ID] = created
	return &created, nil
}

func (s *MemoryStore) Update(_ context.Context, p *Patron) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patrons[p.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.patrons[p.ID] = *p
	return nil
}
