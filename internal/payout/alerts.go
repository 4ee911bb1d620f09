package payout

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAlertNotFound = errors.New("alert not found")
	ErrAlertResolved = errors.New("alert already resolved")
)

// Alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert types.
const (
	AlertHighValue    = "high_value_payout"
	AlertDLQ          = "payout_dlq"
	AlertSLAViolation = "sla_violation"
	AlertHoldExpired  = "hold_expired"
	AlertBatchFailed  = "batch_failed"
)

// Alert is an operational notification raised by the engine.
type Alert struct {
	ID         string     `json:"id"`
	PayoutID   string     `json:"payoutId,omitempty"`
	TenantID   string     `json:"tenantId,omitempty"`
	Type       string     `json:"type"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Details    string     `json:"details,omitempty"` // JSON blob
	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	TenantID   string
	Type       string
	Severity   string
	Unresolved bool
	Limit      int
	Offset     int
}

// AlertStore persists alerts.
type AlertStore interface {
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	List(ctx context.Context, filter AlertFilter) ([]*Alert, error)
	Update(ctx context.Context, a *Alert) error
}
