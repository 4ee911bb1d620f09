// Package ledger provides the double-entry ledger contract the payout
// engine posts against.
//
// The engine never manipulates balances directly: it asks the ledger to
// create a hold entry when a payout is accepted, and to release or
// reverse that entry when the payout reaches a terminal state. The
// in-process implementation here keeps account rows and entry rows in
// the same durable store; a remote ledger deployment only has to satisfy
// the Client interface.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrEntryNotFound     = errors.New("ledger entry not found")
	ErrAccountNotFound   = errors.New("ledger account not found")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Entry types.
const (
	TypeHold  = "hold"
	TypeFinal = "final"
)

// Entry statuses.
const (
	EntryPosted   = "posted"
	EntryReleased = "released"
	EntryReversed = "reversed"
)

// Entry is a double-entry row linking a payout to account movements.
type Entry struct {
	ID            string    `json:"id"`
	PayoutID      string    `json:"payoutId"`
	Type          string    `json:"type"`
	DebitAccount  string    `json:"debitAccount"`
	CreditAccount string    `json:"creditAccount"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Account tracks available and held funds for an opaque account
// identifier in one currency.
type Account struct {
	Account   string    `json:"account"`
	Currency  string    `json:"currency"`
	Available string    `json:"available"`
	Held      string    `json:"held"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Client is the collaborator contract consumed by the payout engine.
type Client interface {
	// CreateHoldEntry moves amount from the debit account's available
	// funds into its held funds and records a hold entry. Returns the
	// entry id. Fails with ErrInsufficientFunds when available < amount.
	CreateHoldEntry(ctx context.Context, payoutID, debitAccount, creditAccount, amount, currency string) (string, error)

	// ReleaseHold finalizes a hold: held funds leave the account for the
	// credit side. Idempotent.
	ReleaseHold(ctx context.Context, entryID string) error

	// ReverseHold returns held funds to available. Idempotent.
	ReverseHold(ctx context.Context, entryID, reason string) error

	// FinalPost records the settlement entry for a completed payout.
	FinalPost(ctx context.Context, payoutID, debitAccount, creditAccount, amount, currency string) (string, error)

	// AvailableBalance returns the available funds on an account.
	AvailableBalance(ctx context.Context, account, currency string) (string, error)
}

// Store persists ledger accounts and entries.
type Store interface {
	GetAccount(ctx context.Context, account, currency string) (*Account, error)
	// Credit adds available funds to an account (funding path).
	Credit(ctx context.Context, account, currency, amount, reference string) error
	// Hold atomically moves available to held on the debit account and
	// inserts the entry.
	Hold(ctx context.Context, e *Entry) error
	// Release removes held funds and marks the entry released.
	Release(ctx context.Context, entryID string) (*Entry, error)
	// Reverse moves held funds back to available and marks the entry reversed.
	Reverse(ctx context.Context, entryID, reason string) (*Entry, error)
	// Post inserts a final entry without touching held funds.
	Post(ctx context.Context, e *Entry) error
	GetEntry(ctx context.Context, entryID string) (*Entry, error)
	ListByPayout(ctx context.Context, payoutID string) ([]*Entry, error)
}

// Ledger implements Client over a Store.
type Ledger struct {
	store Store
}

// New creates a ledger client backed by the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) CreateHoldEntry(ctx context.Context, payoutID, debitAccount, creditAccount, amount, currency string) (string, error) {
	now := time.Now()
	e := &Entry{
		ID:            newEntryID(),
		PayoutID:      payoutID,
		Type:          TypeHold,
		DebitAccount:  debitAccount,
		CreditAccount: creditAccount,
		Amount:        amount,
		Currency:      currency,
		Status:        EntryPosted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.store.Hold(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

func (l *Ledger) ReleaseHold(ctx context.Context, entryID string) error {
	_, err := l.store.Release(ctx, entryID)
	return err
}

func (l *Ledger) ReverseHold(ctx context.Context, entryID, reason string) error {
	_, err := l.store.Reverse(ctx, entryID, reason)
	return err
}

func (l *Ledger) FinalPost(ctx context.Context, payoutID, debitAccount, creditAccount, amount, currency string) (string, error) {
	now := time.Now()
	e := &Entry{
		ID:            newEntryID(),
		PayoutID:      payoutID,
		Type:          TypeFinal,
		DebitAccount:  debitAccount,
		CreditAccount: creditAccount,
		Amount:        amount,
		Currency:      currency,
		Status:        EntryPosted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.store.Post(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

func (l *Ledger) AvailableBalance(ctx context.Context, account, currency string) (string, error) {
	acct, err := l.store.GetAccount(ctx, account, currency)
	if err != nil {
		return "", err
	}
	return acct.Available, nil
}

// Fund credits an account's available funds. Used by deposits and tests.
func (l *Ledger) Fund(ctx context.Context, account, currency, amount, reference string) error {
	return l.store.Credit(ctx, account, currency, amount, reference)
}

// History returns the entries recorded for a payout.
func (l *Ledger) History(ctx context.Context, payoutID string) ([]*Entry, error) {
	return l.store.ListByPayout(ctx, payoutID)
}
