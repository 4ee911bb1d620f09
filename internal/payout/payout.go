// Package payout implements the payout lifecycle: idempotent intake,
// ledger holds, status transitions, retry scheduling, audit, and alerts.
//
// Flow:
//  1. Caller creates a payout -> funds held, SLA computed, routing picked
//  2. Dispatch worker leases the payout and drives a bank connector
//  3. Connector succeeds -> sent; settlement confirmation -> settled
//  4. Transient failure -> bounded retries; permanent failure -> dlq
//  5. Terminal failure, cancel, or reversal returns the held funds
package payout

import (
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("payout not found")
	ErrInvalidRequest      = errors.New("invalid payout request")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotCancellable      = errors.New("payout cannot be cancelled in its current status")
	ErrNotRetryable        = errors.New("payout is not in a retryable status")
	ErrDuplicateKey        = errors.New("idempotency key already used with a different payload")
)

// Status is a payout lifecycle state.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusSettled    Status = "settled"
	StatusFailed     Status = "failed"
	StatusDLQ        Status = "dlq"
	StatusReversed   Status = "reversed"
	StatusCancelled  Status = "cancelled"
	StatusOnHold     Status = "on_hold"
)

// transitions is the status DAG. A payout may only move along these
// edges; every hold side effect hangs off the target status.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusPending, StatusProcessing, StatusFailed, StatusReversed, StatusCancelled, StatusOnHold},
	StatusPending:    {StatusProcessing, StatusFailed, StatusReversed, StatusCancelled, StatusOnHold},
	StatusProcessing: {StatusSent, StatusFailed, StatusReversed},
	StatusSent:       {StatusSettled, StatusFailed, StatusReversed},
	StatusFailed:     {StatusPending, StatusDLQ, StatusReversed},
	StatusOnHold:     {StatusPending, StatusReversed},
	StatusSettled:    {},
	StatusDLQ:        {},
	StatusReversed:   {},
	StatusCancelled:  {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsPreSubmit reports whether the payout has not yet been handed to a
// bank. Only pre-submit payouts are eligible for hold expiry.
func (s Status) IsPreSubmit() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusOnHold:
		return true
	}
	return false
}

// IsTerminal reports whether a status is a sink.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSettled, StatusDLQ, StatusReversed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders payouts in the dispatch queue.
type Priority string

const (
	PriorityBatch    Priority = "batch"
	PriorityStandard Priority = "standard"
	PriorityInstant  Priority = "instant"
	PriorityUrgent   Priority = "priority"
)

// Rank maps a priority to its queue weight (higher leases first).
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityInstant:
		return 2
	case PriorityStandard:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityBatch, PriorityStandard, PriorityInstant, PriorityUrgent:
		return true
	}
	return false
}

// Payout is the principal record of the engine.
type Payout struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId,omitempty"` // client idempotency key

	OriginModule     string `json:"originModule,omitempty"`
	OriginEntityType string `json:"originEntityType,omitempty"`
	OriginEntityID   string `json:"originEntityId,omitempty"`

	BeneficiaryType    string `json:"beneficiaryType"`
	BeneficiaryID      string `json:"beneficiaryId"`
	BeneficiaryAccount string `json:"beneficiaryAccount,omitempty"`

	Amount   string   `json:"amount"`
	Currency string   `json:"currency"`
	Method   string   `json:"method"`
	Priority Priority `json:"priority"`

	RequestedSettlementDate *time.Time `json:"requestedSettlementDate,omitempty"`
	ScheduledAt             *time.Time `json:"scheduledAt,omitempty"`

	ConnectorID   string `json:"connectorId,omitempty"`
	Rail          string `json:"rail,omitempty"`
	BankReference string `json:"bankReference,omitempty"`

	Status        Status     `json:"status"`
	RetryCount    int        `json:"retryCount"`
	MaxRetries    int        `json:"maxRetries"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorCode string     `json:"lastErrorCode,omitempty"`

	SLATargetDate      *time.Time `json:"slaTargetSettlementDate,omitempty"`
	SLACutoffTime      string     `json:"slaCutoffTime,omitempty"`
	SLAViolated        bool       `json:"slaViolated"`
	SLAViolationReason string     `json:"slaViolationReason,omitempty"`

	RoutingScore        float64 `json:"routingScore,omitempty"`
	RoutingReason       string  `json:"routingReason,omitempty"`
	PredictedSettlement string  `json:"predictedSettlement,omitempty"`

	FeeAmount string `json:"feeAmount"`
	BankFee   string `json:"bankFee"`
	TotalCost string `json:"totalCost"` // amount + feeAmount + bankFee, invariant

	TenantType string `json:"tenantType"`
	TenantID   string `json:"tenantId"`
	Country    string `json:"country,omitempty"`

	ComplianceState  string `json:"complianceState,omitempty"`
	HoldID           string `json:"holdId,omitempty"`
	LedgerEntryID    string `json:"ledgerEntryId,omitempty"` // final settlement entry
	ReconciliationID string `json:"reconciliationId,omitempty"`

	CreatedBy  string `json:"createdBy,omitempty"`
	ApprovedBy string `json:"approvedBy,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	SettledAt   *time.Time `json:"settledAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	ReversedAt  *time.Time `json:"reversedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// CreateRequest contains the parameters for creating a payout.
type CreateRequest struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	OriginModule     string `json:"originModule,omitempty"`
	OriginEntityType string `json:"originEntityType,omitempty"`
	OriginEntityID   string `json:"originEntityId,omitempty"`

	BeneficiaryType    string `json:"beneficiaryType" binding:"required"`
	BeneficiaryID      string `json:"beneficiaryId" binding:"required"`
	BeneficiaryAccount string `json:"beneficiaryAccount,omitempty"`

	Amount   string   `json:"amount" binding:"required"`
	Currency string   `json:"currency" binding:"required"`
	Method   string   `json:"method"`
	Priority Priority `json:"priority"`

	RequestedSettlementDate *time.Time `json:"requestedSettlementDate,omitempty"`
	ScheduledAt             *time.Time `json:"scheduledAt,omitempty"`

	ConnectorID string `json:"connectorId,omitempty"`
	Rail        string `json:"rail,omitempty"`

	TenantType string `json:"tenantType" binding:"required"`
	TenantID   string `json:"tenantId" binding:"required"`
	Country    string `json:"country,omitempty"`

	CreatedBy string `json:"createdBy,omitempty"`
}

// ListFilter narrows List queries.
type ListFilter struct {
	TenantID      string
	Status        Status
	BeneficiaryID string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// StatusStats aggregates one status bucket.
type StatusStats struct {
	Count       int64  `json:"count"`
	TotalAmount string `json:"totalAmount"`
}

// Stats is the per-tenant operational summary.
type Stats struct {
	TenantID            string                 `json:"tenantId,omitempty"`
	ByStatus            map[Status]StatusStats `json:"byStatus"`
	AvgSettlementHours  float64                `json:"avgSettlementHours"`
	SettledCount        int64                  `json:"settledCount"`
	TotalSettledAmount  string                 `json:"totalSettledAmount"`
}
