package payment

import (
	"context"
	"sync"
	"time"

	"payguard.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	order    []string
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{payments: make(map[string]*Payment)}
}

func (s *InMemory) Create(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = ids.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	s.payments[p.ID] = &cp
	s.order = append(s.order, p.ID)
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *InMemory) Save(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *InMemory) List(ctx context.Context, f Filter, limit int) ([]Payment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Payment
	for _, id := range s.order {
		p := s.payments[id]
		if !matches(p, f) {
			continue
		}
		res = append(res, *p)
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

func matches(p *Payment, f Filter) bool {
	if f.OwnerID != "" && p.OwnerID != f.OwnerID {
		return false
	}
	if f.SentToSwift != nil && p.SentToSwift != *f.SentToSwift {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if p.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
