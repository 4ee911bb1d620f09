package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Molam-git/molam-connect-sub001/internal/idgen"
	"github.com/Molam-git/molam-connect-sub001/internal/metrics"
	"github.com/Molam-git/molam-connect-sub001/internal/money"
	"github.com/Molam-git/molam-connect-sub001/internal/payout"
	"github.com/Molam-git/molam-connect-sub001/internal/validation"
)

// PayoutCreator is the slice of the payout service a batch needs:
// creating payouts during a run and reading them back to reflect
// dispatch outcomes on items.
type PayoutCreator interface {
	Create(ctx context.Context, req payout.CreateRequest) (*payout.Payout, bool, error)
	Get(ctx context.Context, id string) (*payout.Payout, error)
}

// CreateBatchRequest contains the parameters for creating a batch.
type CreateBatchRequest struct {
	TenantType  string     `json:"tenantType" binding:"required"`
	TenantID    string     `json:"tenantId" binding:"required"`
	Name        string     `json:"name" binding:"required"`
	Currency    string     `json:"currency" binding:"required"`
	Schedule    string     `json:"schedule,omitempty"` // standard cron expression
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	CreatedBy   string     `json:"createdBy,omitempty"`
}

// ItemRequest contains the parameters for one batch item.
type ItemRequest struct {
	BeneficiaryType    string `json:"beneficiaryType" binding:"required"`
	BeneficiaryID      string `json:"beneficiaryId" binding:"required"`
	BeneficiaryAccount string `json:"beneficiaryAccount,omitempty"`
	Amount             string `json:"amount" binding:"required"`
}

// Service manages batch lifecycle and execution.
type Service struct {
	store   Store
	payouts PayoutCreator
	logger  *slog.Logger
}

// NewService wires a batch service.
func NewService(store Store, payouts PayoutCreator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, payouts: payouts, logger: logger}
}

// Create opens a new collecting batch. A recurring batch's first run
// time comes from its cron expression unless scheduledAt overrides it.
func (s *Service) Create(ctx context.Context, req CreateBatchRequest) (*Batch, error) {
	if errs := validation.Validate(
		validation.Required("tenantType", req.TenantType),
		validation.Required("tenantId", req.TenantID),
		validation.Required("name", req.Name),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}

	now := time.Now()
	b := &Batch{
		ID:          idgen.WithPrefix("bat_"),
		TenantType:  req.TenantType,
		TenantID:    req.TenantID,
		Name:        req.Name,
		Currency:    req.Currency,
		Status:      StatusCollecting,
		Schedule:    req.Schedule,
		ScheduledAt: req.ScheduledAt,
		TotalAmount: "0.00",
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if req.Schedule != "" {
		sched, err := cron.ParseStandard(req.Schedule)
		if err != nil {
			return nil, fmt.Errorf("%w: bad schedule: %s", ErrInvalidRequest, err)
		}
		if b.ScheduledAt == nil {
			next := sched.Next(now)
			b.ScheduledAt = &next
		}
	}

	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("batch created", "batch_id", b.ID, "tenant_id", b.TenantID, "schedule", b.Schedule)
	return b, nil
}

// AddItem appends an item to a collecting batch.
func (s *Service) AddItem(ctx context.Context, batchID string, req ItemRequest) (*Item, error) {
	if errs := validation.Validate(
		validation.Required("beneficiaryType", req.BeneficiaryType),
		validation.Required("beneficiaryId", req.BeneficiaryID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}

	b, err := s.store.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusCollecting {
		return nil, ErrNotCollecting
	}

	now := time.Now()
	item := &Item{
		ID:                 idgen.WithPrefix("bit_"),
		BatchID:            batchID,
		Seq:                b.ItemCount + 1,
		BeneficiaryType:    req.BeneficiaryType,
		BeneficiaryID:      req.BeneficiaryID,
		BeneficiaryAccount: req.BeneficiaryAccount,
		Amount:             req.Amount,
		Status:             ItemPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.AddItem(ctx, item); err != nil {
		return nil, err
	}

	b.ItemCount++
	b.TotalAmount = money.Add(b.TotalAmount, req.Amount)
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}
	return item, nil
}

// Lock fixes a batch's contents so it can be processed.
func (s *Service) Lock(ctx context.Context, batchID string) (*Batch, error) {
	b, err := s.store.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusCollecting {
		return nil, ErrNotCollecting
	}
	if b.ItemCount == 0 {
		return nil, ErrEmptyBatch
	}

	now := time.Now()
	b.Status = StatusLocked
	b.LockedAt = &now
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Process executes a locked batch: every pending item becomes a payout
// with batch priority. The item id doubles as the payout idempotency
// key, so re-running a partially processed batch never duplicates a
// payout.
func (s *Service) Process(ctx context.Context, batchID string) (*Batch, error) {
	b, err := s.store.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusLocked && b.Status != StatusProcessing {
		return nil, ErrNotLocked
	}

	now := time.Now()
	b.Status = StatusProcessing
	b.ProcessedAt = &now
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}

	items, err := s.store.ListItems(ctx, batchID)
	if err != nil {
		return nil, err
	}

	created, failed := 0, 0
	for _, item := range items {
		switch item.Status {
		case ItemCreated, ItemSettled:
			created++
			continue
		case ItemFailed:
			failed++
			continue
		}

		p, _, err := s.payouts.Create(ctx, payout.CreateRequest{
			IdempotencyKey:     item.ID,
			OriginModule:       "batch",
			OriginEntityType:   "payout_batch",
			OriginEntityID:     b.ID,
			BeneficiaryType:    item.BeneficiaryType,
			BeneficiaryID:      item.BeneficiaryID,
			BeneficiaryAccount: item.BeneficiaryAccount,
			Amount:             item.Amount,
			Currency:           b.Currency,
			Priority:           payout.PriorityBatch,
			TenantType:         b.TenantType,
			TenantID:           b.TenantID,
			CreatedBy:          b.CreatedBy,
		})
		if err != nil {
			item.Status = ItemFailed
			item.Error = err.Error()
			failed++
			s.logger.Warn("batch item failed", "batch_id", b.ID, "item_id", item.ID, "error", err)
		} else {
			item.Status = ItemCreated
			item.PayoutID = p.ID
			created++
		}
		if uerr := s.store.UpdateItem(ctx, item); uerr != nil {
			s.logger.Error("batch item update failed", "batch_id", b.ID, "item_id", item.ID, "error", uerr)
		}
	}

	done := time.Now()
	b.CreatedItems = created
	b.FailedItems = failed
	b.CompletedAt = &done
	b.Status = StatusCompleted
	outcome := "completed"
	if created == 0 && failed > 0 {
		b.Status = StatusFailed
		outcome = "failed"
	}
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}
	metrics.BatchesProcessedTotal.WithLabelValues(outcome).Inc()

	s.logger.Info("batch processed",
		"batch_id", b.ID, "created", created, "failed", failed, "status", b.Status)

	if b.Schedule != "" {
		s.scheduleNext(ctx, b, items)
	}
	return b, nil
}

// scheduleNext respawns a recurring batch for its next cron occurrence,
// carrying the same items.
func (s *Service) scheduleNext(ctx context.Context, prev *Batch, items []*Item) {
	sched, err := cron.ParseStandard(prev.Schedule)
	if err != nil {
		s.logger.Error("recurring batch has bad schedule", "batch_id", prev.ID, "schedule", prev.Schedule)
		return
	}
	next := sched.Next(time.Now())

	nb, err := s.Create(ctx, CreateBatchRequest{
		TenantType:  prev.TenantType,
		TenantID:    prev.TenantID,
		Name:        prev.Name,
		Currency:    prev.Currency,
		Schedule:    prev.Schedule,
		ScheduledAt: &next,
		CreatedBy:   prev.CreatedBy,
	})
	if err != nil {
		s.logger.Error("recurring batch respawn failed", "batch_id", prev.ID, "error", err)
		return
	}

	for _, item := range items {
		if _, err := s.AddItem(ctx, nb.ID, ItemRequest{
			BeneficiaryType:    item.BeneficiaryType,
			BeneficiaryID:      item.BeneficiaryID,
			BeneficiaryAccount: item.BeneficiaryAccount,
			Amount:             item.Amount,
		}); err != nil {
			s.logger.Error("recurring batch item copy failed",
				"batch_id", nb.ID, "item_id", item.ID, "error", err)
		}
	}
	if _, err := s.Lock(ctx, nb.ID); err != nil {
		s.logger.Error("recurring batch lock failed", "batch_id", nb.ID, "error", err)
		return
	}
	s.logger.Info("recurring batch scheduled", "batch_id", nb.ID, "scheduled_at", next)
}

// Tick processes every due locked batch. Called by the timer.
func (s *Service) Tick(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.store.ListDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, b := range due {
		if _, err := s.Process(ctx, b.ID); err != nil {
			s.logger.Error("batch processing failed", "batch_id", b.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// Get returns a batch by id.
func (s *Service) Get(ctx context.Context, id string) (*Batch, error) {
	return s.store.Get(ctx, id)
}

// Items returns a batch's items in sequence order. Created items are
// refreshed against their payouts first, so an item's status reflects
// the dispatch outcome rather than the state at batch run time.
func (s *Service) Items(ctx context.Context, batchID string) ([]*Item, error) {
	if _, err := s.store.Get(ctx, batchID); err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, batchID)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if item.Status != ItemCreated || item.PayoutID == "" {
			continue
		}
		p, err := s.payouts.Get(ctx, item.PayoutID)
		if err != nil {
			continue
		}
		next, errText := itemOutcome(p)
		if next == item.Status {
			continue
		}
		item.Status = next
		item.Error = errText
		item.UpdatedAt = time.Now()
		if err := s.store.UpdateItem(ctx, item); err != nil {
			s.logger.Error("batch item refresh failed", "item_id", item.ID, "error", err)
		}
	}
	return items, nil
}

// itemOutcome maps a payout's state onto its batch item. In-flight
// payouts keep the item at created.
func itemOutcome(p *payout.Payout) (status, errText string) {
	switch p.Status {
	case payout.StatusSettled:
		return ItemSettled, ""
	case payout.StatusDLQ, payout.StatusReversed, payout.StatusCancelled:
		if p.LastErrorCode != "" {
			return ItemFailed, p.LastErrorCode
		}
		return ItemFailed, string(p.Status)
	default:
		return ItemCreated, ""
	}
}

// List returns batches matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Batch, error) {
	return s.store.List(ctx, filter)
}
