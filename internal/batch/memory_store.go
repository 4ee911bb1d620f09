package batch

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process. Used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]*Batch
	items   map[string][]*Item // batch id -> items in seq order
}

// NewMemoryStore creates an empty in-memory batch store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*Batch),
		items:   make(map[string][]*Item),
	}
}

func (s *MemoryStore) Create(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[b.ID]; !ok {
		return ErrBatchNotFound
	}
	cp := *b
	cp.UpdatedAt = time.Now()
	s.batches[b.ID] = &cp
	b.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Batch
	for _, b := range s.batches {
		if filter.TenantID != "" && b.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Batch
	for _, b := range s.batches {
		if b.Status != StatusLocked {
			continue
		}
		if b.ScheduledAt != nil && b.ScheduledAt.After(now) {
			continue
		}
		cp := *b
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AddItem(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[item.BatchID]; !ok {
		return ErrBatchNotFound
	}
	cp := *item
	s.items[item.BatchID] = append(s.items[item.BatchID], &cp)
	return nil
}

func (s *MemoryStore) ListItems(_ context.Context, batchID string) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.items[batchID]
	out := make([]*Item, 0, len(items))
	for _, it := range items {
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateItem(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, it := range s.items[item.BatchID] {
		if it.ID == item.ID {
			cp := *item
			cp.UpdatedAt = time.Now()
			s.items[item.BatchID][i] = &cp
			return nil
		}
	}
	return ErrItemNotFound
}
