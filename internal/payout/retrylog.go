package payout

import (
	"context"
	"time"
)

// RetryLogEntry records one dispatch attempt outcome for a payout.
type RetryLogEntry struct {
	ID           int64      `json:"id"`
	PayoutID     string     `json:"payoutId"`
	Attempt      int        `json:"attempt"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ConnectorID  string     `json:"connectorId,omitempty"`
	Rail         string     `json:"rail,omitempty"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"` // nil on terminal outcomes
	CreatedAt    time.Time  `json:"createdAt"`
}

// RetryLogStore persists the per-attempt dispatch history.
type RetryLogStore interface {
	Append(ctx context.Context, e *RetryLogEntry) error
	ListByPayout(ctx context.Context, payoutID string) ([]*RetryLogEntry, error)
}
