package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/Molam-git/molam-connect-sub001/internal/idgen"
	"github.com/Molam-git/molam-connect-sub001/internal/money"
)

func newEntryID() string {
	return idgen.WithPrefix("le_")
}

// MemoryStore implements Store for demo/testing.
type MemoryStore struct {
	accounts map[string]*Account // key: account|currency
	entries  map[string]*Entry
	order    []string
	mu       sync.RWMutex
}

// NewMemoryStore creates an in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		entries:  make(map[string]*Entry),
	}
}

func acctKey(account, currency string) string {
	return account + "|" + currency
}

func (s *MemoryStore) getOrCreate(account, currency string) *Account {
	key := acctKey(account, currency)
	acct, ok := s.accounts[key]
	if !ok {
		acct = &Account{
			Account:   account,
			Currency:  currency,
			Available: "0.00",
			Held:      "0.00",
			UpdatedAt: time.Now(),
		}
		s.accounts[key] = acct
	}
	return acct
}

func (s *MemoryStore) GetAccount(_ context.Context, account, currency string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[acctKey(account, currency)]
	if !ok {
		return &Account{
			Account:   account,
			Currency:  currency,
			Available: "0.00",
			Held:      "0.00",
			UpdatedAt: time.Now(),
		}, nil
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) Credit(_ context.Context, account, currency, amount, _ string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.getOrCreate(account, currency)
	avail, _ := money.Parse(acct.Available)
	acct.Available = money.Format(new(big.Int).Add(avail, amt))
	acct.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Hold(_ context.Context, e *Entry) error {
	amt, ok := money.Parse(e.Amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.getOrCreate(e.DebitAccount, e.Currency)
	avail, _ := money.Parse(acct.Available)
	if avail.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	held, _ := money.Parse(acct.Held)

	acct.Available = money.Format(new(big.Int).Sub(avail, amt))
	acct.Held = money.Format(new(big.Int).Add(held, amt))
	acct.UpdatedAt = time.Now()

	cp := *e
	s.entries[e.ID] = &cp
	s.order = append(s.order, e.ID)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, entryID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if e.Status != EntryPosted {
		cp := *e
		return &cp, nil // already released or reversed
	}

	acct := s.getOrCreate(e.DebitAccount, e.Currency)
	held, _ := money.Parse(acct.Held)
	amt, _ := money.Parse(e.Amount)
	acct.Held = money.Format(new(big.Int).Sub(held, amt))
	acct.UpdatedAt = time.Now()

	e.Status = EntryReleased
	e.UpdatedAt = time.Now()
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Reverse(_ context.Context, entryID, reason string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if e.Status != EntryPosted {
		cp := *e
		return &cp, nil
	}

	acct := s.getOrCreate(e.DebitAccount, e.Currency)
	held, _ := money.Parse(acct.Held)
	avail, _ := money.Parse(acct.Available)
	amt, _ := money.Parse(e.Amount)
	acct.Held = money.Format(new(big.Int).Sub(held, amt))
	acct.Available = money.Format(new(big.Int).Add(avail, amt))
	acct.UpdatedAt = time.Now()

	e.Status = EntryReversed
	e.Reason = reason
	e.UpdatedAt = time.Now()
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Post(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.entries[e.ID] = &cp
	s.order = append(s.order, e.ID)
	return nil
}

func (s *MemoryStore) GetEntry(_ context.Context, entryID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListByPayout(_ context.Context, payoutID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entry
	for _, id := range s.order {
		if e := s.entries[id]; e.PayoutID == payoutID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}
