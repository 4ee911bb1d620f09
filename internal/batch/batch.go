// Package batch groups payouts for scheduled bulk disbursement.
//
// A batch collects items while open, is locked to fix its contents,
// and is processed at its scheduled time: every item becomes a payout
// with batch priority. Recurring batches carry a cron expression and
// respawn after each run.
package batch

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBatchNotFound  = errors.New("batch not found")
	ErrItemNotFound   = errors.New("batch item not found")
	ErrNotCollecting  = errors.New("batch is not collecting")
	ErrNotLocked      = errors.New("batch is not locked")
	ErrEmptyBatch     = errors.New("batch has no items")
	ErrInvalidRequest = errors.New("invalid batch request")
)

// Batch statuses.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusLocked     Status = "locked"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Item statuses. A created item tracks its payout: it becomes settled
// when the payout settles and failed when the payout dies.
const (
	ItemPending = "pending"
	ItemCreated = "created"
	ItemSettled = "settled"
	ItemFailed  = "failed"
)

// Batch is a scheduled group of payouts for one tenant and currency.
type Batch struct {
	ID          string     `json:"id"`
	TenantType  string     `json:"tenantType"`
	TenantID    string     `json:"tenantId"`
	Name        string     `json:"name"`
	Currency    string     `json:"currency"`
	Status      Status     `json:"status"`
	Schedule    string     `json:"schedule,omitempty"` // cron expression, empty = one-shot
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	ItemCount   int        `json:"itemCount"`
	TotalAmount string     `json:"totalAmount"`
	CreatedItems int       `json:"createdItems"`
	FailedItems  int       `json:"failedItems"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	LockedAt    *time.Time `json:"lockedAt,omitempty"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Item is one pending payout inside a batch.
type Item struct {
	ID                 string    `json:"id"`
	BatchID            string    `json:"batchId"`
	Seq                int       `json:"seq"`
	BeneficiaryType    string    `json:"beneficiaryType"`
	BeneficiaryID      string    `json:"beneficiaryId"`
	BeneficiaryAccount string    `json:"beneficiaryAccount,omitempty"`
	Amount             string    `json:"amount"`
	Status             string    `json:"status"`
	PayoutID           string    `json:"payoutId,omitempty"`
	Error              string    `json:"error,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// ListFilter narrows batch listings.
type ListFilter struct {
	TenantID string
	Status   Status
	Limit    int
	Offset   int
}

// Store persists batches and their items.
type Store interface {
	Create(ctx context.Context, b *Batch) error
	Get(ctx context.Context, id string) (*Batch, error)
	Update(ctx context.Context, b *Batch) error
	List(ctx context.Context, filter ListFilter) ([]*Batch, error)
	// ListDue returns locked batches whose scheduled_at is due.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Batch, error)

	AddItem(ctx context.Context, item *Item) error
	ListItems(ctx context.Context, batchID string) ([]*Item, error)
	UpdateItem(ctx context.Context, item *Item) error
}
