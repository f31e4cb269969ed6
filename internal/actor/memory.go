package actor

import (
	"context"
	"strings"
	"sync"
	"time"

	"payguard.org/internal/ids"
)

// InMemory implements Store for tests and single-node development.
type InMemory struct {
	mu      sync.RWMutex
	byID    map[string]*Actor
	byHuman map[string]string // humanID -> id
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		byID:    make(map[string]*Actor),
		byHuman: make(map[string]string),
	}
}

func (s *InMemory) Create(ctx context.Context, a *Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalize(a.HumanID)
	if _, ok := s.byHuman[key]; ok {
		return ErrAlreadyExists
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Role == "" {
		a.Role = RoleEmployee
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	s.byID[a.ID] = &cp
	s.byHuman[key] = a.ID
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *InMemory) FindByHumanID(ctx context.Context, humanID string) (*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHuman[normalize(humanID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *InMemory) Save(ctx context.Context, a *Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ID]; !ok {
		return ErrNotFound
	}
	a.UpdatedAt = time.Now().UTC()
	cp := *a
	s.byID[a.ID] = &cp
	return nil
}

func normalize(humanID string) string {
	return strings.ToLower(strings.TrimSpace(humanID))
}
