package hold

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store for demo/testing.
type MemoryStore struct {
	holds map[string]*Hold
	mu    sync.RWMutex
}

// NewMemoryStore creates an in-memory hold store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{holds: make(map[string]*Hold)}
}

func (s *MemoryStore) Create(_ context.Context, h *Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *h
	s.holds[h.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) GetByPayout(_ context.Context, payoutID string) (*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Hold
	for _, h := range s.holds {
		if h.PayoutID != payoutID {
			continue
		}
		if latest == nil || h.CreatedAt.After(latest.CreatedAt) {
			latest = h
		}
	}
	if latest == nil {
		return nil, ErrHoldNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, h *Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.holds[h.ID]; !ok {
		return ErrHoldNotFound
	}
	cp := *h
	s.holds[h.ID] = &cp
	return nil
}

func (s *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Hold
	for _, h := range s.holds {
		if h.Status == StatusActive && h.ExpiresAt.Before(before) {
			cp := *h
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
