// Package hold manages ledger pre-authorizations for payouts.
//
// A hold is opened for a payout's total cost when it is accepted and is
// resolved by the payout lifecycle: released on settlement, reversed on
// terminal failure or cancellation, expired when the TTL elapses before
// submission. At most one hold per payout is active at a time.
package hold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Molam-git/molam-connect-sub001/internal/idgen"
	"github.com/Molam-git/molam-connect-sub001/internal/ledger"
)

var (
	ErrHoldNotFound = errors.New("hold not found")
	ErrNotActive    = errors.New("hold is not active")
)

// Status values for a hold.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusReversed Status = "reversed"
	StatusExpired  Status = "expired"
)

// DefaultTTL is the default time before an unresolved hold expires.
const DefaultTTL = 7 * 24 * time.Hour

// PendingAccount is the credit side of every payout hold.
const PendingAccount = "payouts:pending"

// Hold is a pre-authorization on the ledger for one payout.
type Hold struct {
	ID            string    `json:"id"`
	PayoutID      string    `json:"payoutId"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	DebitAccount  string    `json:"debitAccount"`
	CreditAccount string    `json:"creditAccount"`
	Status        Status    `json:"status"`
	LedgerEntryID string    `json:"ledgerEntryId"`
	Reason        string    `json:"reason,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists holds.
type Store interface {
	Create(ctx context.Context, h *Hold) error
	Get(ctx context.Context, id string) (*Hold, error)
	// GetByPayout returns the most recent hold for a payout.
	GetByPayout(ctx context.Context, payoutID string) (*Hold, error)
	Update(ctx context.Context, h *Hold) error
	// ListExpired returns active holds whose expires_at is before the
	// given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Hold, error)
}

// TenantAccount builds the debit account identifier for a tenant's
// available balance.
func TenantAccount(tenantType, tenantID string) string {
	return fmt.Sprintf("%s:%s:available_balance", tenantType, tenantID)
}

// Manager drives the hold state machine against the ledger.
type Manager struct {
	store  Store
	ledger ledger.Client
	ttl    time.Duration
}

// NewManager creates a hold manager. A zero ttl uses DefaultTTL.
func NewManager(store Store, lc ledger.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ledger: lc, ttl: ttl}
}

// Open reserves amount on the tenant's available-balance account and
// records an active hold. The ledger entry is reversed if the hold row
// cannot be persisted.
func (m *Manager) Open(ctx context.Context, payoutID, tenantType, tenantID, amount, currency string) (*Hold, error) {
	debit := TenantAccount(tenantType, tenantID)

	entryID, err := m.ledger.CreateHoldEntry(ctx, payoutID, debit, PendingAccount, amount, currency)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	h := &Hold{
		ID:            idgen.WithPrefix("hold_"),
		PayoutID:      payoutID,
		Amount:        amount,
		Currency:      currency,
		DebitAccount:  debit,
		CreditAccount: PendingAccount,
		Status:        StatusActive,
		LedgerEntryID: entryID,
		ExpiresAt:     now.Add(m.ttl),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.store.Create(ctx, h); err != nil {
		// Best-effort compensation: free the reserved funds.
		_ = m.ledger.ReverseHold(ctx, entryID, "hold_record_failed")
		return nil, fmt.Errorf("failed to create hold record: %w", err)
	}

	return h, nil
}

// Release finalizes the payout's hold after settlement. Idempotent:
// already-released and already-reversed holds are left untouched.
func (m *Manager) Release(ctx context.Context, payoutID string) error {
	return m.finish(ctx, payoutID, StatusReleased, "", func(entryID string) error {
		return m.ledger.ReleaseHold(ctx, entryID)
	})
}

// Reverse returns the payout's held funds to the tenant. Idempotent.
func (m *Manager) Reverse(ctx context.Context, payoutID, reason string) error {
	return m.finish(ctx, payoutID, StatusReversed, reason, func(entryID string) error {
		return m.ledger.ReverseHold(ctx, entryID, reason)
	})
}

func (m *Manager) finish(ctx context.Context, payoutID string, newStatus Status, reason string, ledgerOp func(string) error) error {
	h, err := m.store.GetByPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	if h.Status != StatusActive {
		return nil // already resolved
	}

	if err := ledgerOp(h.LedgerEntryID); err != nil {
		return fmt.Errorf("ledger hold update failed: %w", err)
	}

	h.Status = newStatus
	h.Reason = reason
	h.UpdatedAt = time.Now()
	return m.store.Update(ctx, h)
}

// Get returns the most recent hold for a payout.
func (m *Manager) Get(ctx context.Context, payoutID string) (*Hold, error) {
	return m.store.GetByPayout(ctx, payoutID)
}

// SweepExpired marks active holds past their TTL as expired, reverses
// their ledger entries, and returns them so the caller can fail the
// owning payouts. The eligible predicate is consulted per payout
// before any ledger write: holds backing payouts already submitted to
// a bank must stay open until the settlement outcome resolves them. A
// nil predicate sweeps every expired hold.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time, limit int, eligible func(context.Context, string) (bool, error)) ([]*Hold, error) {
	expired, err := m.store.ListExpired(ctx, now, limit)
	if err != nil {
		return nil, err
	}

	var swept []*Hold
	for _, h := range expired {
		if eligible != nil {
			ok, err := eligible(ctx, h.PayoutID)
			if err != nil || !ok {
				continue
			}
		}
		if err := m.ledger.ReverseHold(ctx, h.LedgerEntryID, "hold_expired"); err != nil {
			continue // retried on the next sweep
		}
		h.Status = StatusExpired
		h.Reason = "hold_expired"
		h.UpdatedAt = now
		if err := m.store.Update(ctx, h); err != nil {
			continue
		}
		swept = append(swept, h)
	}
	return swept, nil
}
