package payout

import (
	"context"
	"time"
)

// Store persists payouts and serves the dispatch queue.
type Store interface {
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	// GetByExternalID returns the payout created under an idempotency key.
	GetByExternalID(ctx context.Context, externalID string) (*Payout, error)
	// GetByBankReference returns the payout carrying a connector reference.
	GetByBankReference(ctx context.Context, ref string) (*Payout, error)
	Update(ctx context.Context, p *Payout) error
	List(ctx context.Context, filter ListFilter) ([]*Payout, error)

	// LeaseDue atomically claims up to limit dispatchable payouts
	// (pending, or scheduled with scheduled_at due) and moves them to
	// processing. Highest priority first, oldest first within a priority.
	// Claimed rows are invisible to concurrent leases.
	LeaseDue(ctx context.Context, now time.Time, limit int) ([]*Payout, error)

	// LeaseRetries atomically claims up to limit failed payouts whose
	// next_retry_at is due and moves them to processing.
	LeaseRetries(ctx context.Context, now time.Time, limit int) ([]*Payout, error)

	// SLAViolations returns non-terminal, not-yet-flagged payouts whose
	// SLA target date has passed.
	SLAViolations(ctx context.Context, now time.Time, limit int) ([]*Payout, error)

	// SweepProcessing returns payouts stuck in processing since before
	// the cutoff (dead worker recovery).
	SweepProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*Payout, error)

	// Stats aggregates per-status counts and amounts, optionally scoped
	// to one tenant.
	Stats(ctx context.Context, tenantID string) (*Stats, error)
}
