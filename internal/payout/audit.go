package payout

import (
	"context"
	"time"
)

// Audit event types.
const (
	EventCreated             = "created"
	EventStatusChanged       = "status_changed"
	EventRetryScheduled      = "retry_scheduled"
	EventCancelled           = "cancelled"
	EventSettlementConfirmed = "settlement_confirmed"
	EventSLAViolated         = "sla_violated"
	EventHoldExpired         = "hold_expired"
	EventManualRetry         = "manual_retry"
)

// Actor types.
const (
	ActorSystem   = "system"
	ActorUser     = "user"
	ActorWorker   = "worker"
	ActorBankHook = "bank_webhook"
)

// AuditEvent is one append-only lifecycle record. IDs are assigned by
// the store and increase monotonically, so replaying events for a
// payout in id order reconstructs its history.
type AuditEvent struct {
	ID        int64     `json:"id"`
	PayoutID  string    `json:"payoutId"`
	EventType string    `json:"eventType"`
	OldStatus Status    `json:"oldStatus,omitempty"`
	NewStatus Status    `json:"newStatus,omitempty"`
	Details   string    `json:"details,omitempty"` // JSON blob
	ActorType string    `json:"actorType"`
	ActorID   string    `json:"actorId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditStore persists audit events. Append-only.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEvent) error
	ListByPayout(ctx context.Context, payoutID string) ([]*AuditEvent, error)
}
