package sla

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store for demo/testing.
type MemoryStore struct {
	rules  []*Rule
	nextID int64
	mu     sync.RWMutex
}

// NewMemoryStore creates an in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Rule
	for _, r := range s.rules {
		if r.Active {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Create(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := *rule
	cp.ID = s.nextID
	cp.Active = true
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.rules = append(s.rules, &cp)
	rule.ID = cp.ID
	return nil
}

func (s *MemoryStore) Deactivate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rules {
		if r.ID == id {
			r.Active = false
			return nil
		}
	}
	return nil
}
