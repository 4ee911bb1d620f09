package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Molam-git/molam-connect-sub001/internal/money"
)

// MemoryStore implements Store in process. Used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	payouts map[string]*Payout
	byExtID map[string]string // external id -> payout id
	byRef   map[string]string // bank reference -> payout id
}

// NewMemoryStore creates an empty in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payouts: make(map[string]*Payout),
		byExtID: make(map[string]string),
		byRef:   make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, p *Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ExternalID != "" {
		if _, exists := s.byExtID[p.ExternalID]; exists {
			return ErrDuplicateKey
		}
	}

	cp := *p
	s.payouts[p.ID] = &cp
	if p.ExternalID != "" {
		s.byExtID[p.ExternalID] = p.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetByExternalID(_ context.Context, externalID string) (*Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExtID[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.payouts[id]
	return &cp, nil
}

func (s *MemoryStore) GetByBankReference(_ context.Context, ref string) (*Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.payouts[id]
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, p *Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.payouts[p.ID]
	if !ok {
		return ErrNotFound
	}
	if old.BankReference != "" && old.BankReference != p.BankReference {
		delete(s.byRef, old.BankReference)
	}
	if p.BankReference != "" {
		s.byRef[p.BankReference] = p.ID
	}

	cp := *p
	cp.UpdatedAt = time.Now()
	s.payouts[p.ID] = &cp
	p.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Payout
	for _, p := range s.payouts {
		if filter.TenantID != "" && p.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.BeneficiaryID != "" && p.BeneficiaryID != filter.BeneficiaryID {
			continue
		}
		if !filter.From.IsZero() && p.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && p.CreatedAt.After(filter.To) {
			continue
		}
		cp := *p
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

func (s *MemoryStore) LeaseDue(_ context.Context, now time.Time, limit int) ([]*Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lease(now, limit, func(p *Payout) bool {
		switch p.Status {
		case StatusPending:
			return true
		case StatusScheduled:
			return p.ScheduledAt == nil || !p.ScheduledAt.After(now)
		}
		return false
	})
}

func (s *MemoryStore) LeaseRetries(_ context.Context, now time.Time, limit int) ([]*Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lease(now, limit, func(p *Payout) bool {
		return p.Status == StatusFailed && p.NextRetryAt != nil && !p.NextRetryAt.After(now)
	})
}

// lease claims matching payouts under the store lock, mirroring the SQL
// FOR UPDATE SKIP LOCKED path: claimed rows flip to processing before
// the lock is dropped.
func (s *MemoryStore) lease(now time.Time, limit int, due func(*Payout) bool) ([]*Payout, error) {
	var candidates []*Payout
	for _, p := range s.payouts {
		if due(p) {
			candidates = append(candidates, p)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Priority.Rank(), candidates[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*Payout, 0, len(candidates))
	for _, p := range candidates {
		p.Status = StatusProcessing
		t := now
		p.ProcessedAt = &t
		p.UpdatedAt = now
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SLAViolations(_ context.Context, now time.Time, limit int) ([]*Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Payout
	for _, p := range s.payouts {
		if p.Status == StatusSettled || p.Status.IsTerminal() {
			continue
		}
		if p.SLAViolated || p.SLATargetDate == nil || !p.SLATargetDate.Before(now) {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SweepProcessing(_ context.Context, cutoff time.Time, limit int) ([]*Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Payout
	for _, p := range s.payouts {
		if p.Status != StatusProcessing {
			continue
		}
		if p.ProcessedAt == nil || p.ProcessedAt.After(cutoff) {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, tenantID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		TenantID: tenantID,
		ByStatus: make(map[Status]StatusStats),
	}

	var settledHours float64
	for _, p := range s.payouts {
		if tenantID != "" && p.TenantID != tenantID {
			continue
		}
		b := stats.ByStatus[p.Status]
		b.Count++
		b.TotalAmount = money.Add(b.TotalAmount, p.Amount)
		stats.ByStatus[p.Status] = b

		if p.Status == StatusSettled && p.SettledAt != nil {
			stats.SettledCount++
			stats.TotalSettledAmount = money.Add(stats.TotalSettledAmount, p.Amount)
			settledHours += p.SettledAt.Sub(p.CreatedAt).Hours()
		}
	}
	if stats.SettledCount > 0 {
		stats.AvgSettlementHours = settledHours / float64(stats.SettledCount)
	}
	return stats, nil
}

// MemoryAuditStore implements AuditStore in process.
type MemoryAuditStore struct {
	mu     sync.Mutex
	nextID int64
	events []*AuditEvent
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{nextID: 1}
}

func (s *MemoryAuditStore) Append(_ context.Context, e *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = s.nextID
	s.nextID++
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryAuditStore) ListByPayout(_ context.Context, payoutID string) ([]*AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*AuditEvent
	for _, e := range s.events {
		if e.PayoutID == payoutID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryAlertStore implements AlertStore in process.
type MemoryAlertStore struct {
	mu     sync.Mutex
	alerts map[string]*Alert
	order  []string
}

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[string]*Alert)}
}

func (s *MemoryAlertStore) Create(_ context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.alerts[a.ID] = &cp
	s.order = append(s.order, a.ID)
	return nil
}

func (s *MemoryAlertStore) Get(_ context.Context, id string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryAlertStore) List(_ context.Context, filter AlertFilter) ([]*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Alert
	// Newest first.
	for i := len(s.order) - 1; i >= 0; i-- {
		a := s.alerts[s.order[i]]
		if filter.TenantID != "" && a.TenantID != filter.TenantID {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Unresolved && a.Resolved {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}

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

func (s *MemoryAlertStore) Update(_ context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[a.ID]; !ok {
		return ErrAlertNotFound
	}
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

// MemoryRetryLogStore implements RetryLogStore in process.
type MemoryRetryLogStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []*RetryLogEntry
}

func NewMemoryRetryLogStore() *MemoryRetryLogStore {
	return &MemoryRetryLogStore{nextID: 1}
}

func (s *MemoryRetryLogStore) Append(_ context.Context, e *RetryLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = s.nextID
	s.nextID++
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryRetryLogStore) ListByPayout(_ context.Context, payoutID string) ([]*RetryLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*RetryLogEntry
	for _, e := range s.entries {
		if e.PayoutID == payoutID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
