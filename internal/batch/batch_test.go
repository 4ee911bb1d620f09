package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Molam-git/molam-connect-sub001/internal/hold"
	"github.com/Molam-git/molam-connect-sub001/internal/idempotency"
	"github.com/Molam-git/molam-connect-sub001/internal/ledger"
	"github.com/Molam-git/molam-connect-sub001/internal/payout"
	"github.com/Molam-git/molam-connect-sub001/internal/sla"
)

type batchEnv struct {
	service *Service
	payouts *payout.Service
	ledger  *ledger.Ledger
}

func newBatchEnv(t *testing.T) *batchEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	lc := ledger.New(ledger.NewMemoryStore())
	holds := hold.NewManager(hold.NewMemoryStore(), lc, 0)
	payouts := payout.NewService(
		payout.NewMemoryStore(),
		holds,
		lc,
		sla.NewResolver(sla.NewMemoryStore(), nil),
		nil,
		idempotency.NewMemoryCache(time.Minute),
		payout.NewMemoryAuditStore(),
		payout.NewMemoryAlertStore(),
		payout.NewMemoryRetryLogStore(),
		payout.ServiceConfig{},
		logger,
	)
	svc := NewService(NewMemoryStore(), payouts, logger)
	return &batchEnv{service: svc, payouts: payouts, ledger: lc}
}

func (e *batchEnv) fund(t *testing.T, amount string) {
	t.Helper()
	acct := hold.TenantAccount("marketplace", "m1")
	if err := e.ledger.Fund(context.Background(), acct, "USD", amount, "seed"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
}

func validBatchRequest() CreateBatchRequest {
	return CreateBatchRequest{
		TenantType: "marketplace",
		TenantID:   "m1",
		Name:       "weekly sellers",
		Currency:   "USD",
	}
}

func (e *batchEnv) newBatchWithItems(t *testing.T, amounts ...string) *Batch {
	t.Helper()
	b, err := e.service.Create(context.Background(), validBatchRequest())
	if err != nil {
		t.Fatalf("Create batch failed: %v", err)
	}
	for i, amt := range amounts {
		_, err := e.service.AddItem(context.Background(), b.ID, ItemRequest{
			BeneficiaryType: "seller",
			BeneficiaryID:   "seller_" + string(rune('a'+i)),
			Amount:          amt,
		})
		if err != nil {
			t.Fatalf("AddItem failed: %v", err)
		}
	}
	return b
}

func TestCreateBatch(t *testing.T) {
	env := newBatchEnv(t)

	b, err := env.service.Create(context.Background(), validBatchRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if b.Status != StatusCollecting {
		t.Errorf("Expected collecting, got %s", b.Status)
	}
	if b.TotalAmount != "0.00" || b.ItemCount != 0 {
		t.Errorf("Expected empty batch, got %+v", b)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	env := newBatchEnv(t)

	req := validBatchRequest()
	req.Currency = "XXX"
	if _, err := env.service.Create(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for bad currency, got %v", err)
	}

	req = validBatchRequest()
	req.Schedule = "not a cron line"
	if _, err := env.service.Create(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for bad schedule, got %v", err)
	}
}

func TestCreateRecurringBatchComputesFirstRun(t *testing.T) {
	env := newBatchEnv(t)

	req := validBatchRequest()
	req.Schedule = "0 9 * * 1" // Mondays at 09:00
	b, err := env.service.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if b.ScheduledAt == nil || !b.ScheduledAt.After(time.Now()) {
		t.Errorf("Expected a future first run, got %v", b.ScheduledAt)
	}
}

func TestAddItemAccumulatesTotals(t *testing.T) {
	env := newBatchEnv(t)
	b := env.newBatchWithItems(t, "100.00", "50.25")

	got, err := env.service.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ItemCount != 2 {
		t.Errorf("Expected 2 items, got %d", got.ItemCount)
	}
	if got.TotalAmount != "150.25" {
		t.Errorf("Expected total 150.25, got %s", got.TotalAmount)
	}

	items, err := env.service.Items(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Items failed: %v", err)
	}
	if len(items) != 2 || items[0].Seq != 1 || items[1].Seq != 2 {
		t.Errorf("Expected sequential items, got %+v", items)
	}
}

func TestAddItemToLockedBatchRejected(t *testing.T) {
	env := newBatchEnv(t)
	b := env.newBatchWithItems(t, "100.00")

	if _, err := env.service.Lock(context.Background(), b.ID); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	_, err := env.service.AddItem(context.Background(), b.ID, ItemRequest{
		BeneficiaryType: "seller",
		BeneficiaryID:   "late_seller",
		Amount:          "10.00",
	})
	if !errors.Is(err, ErrNotCollecting) {
		t.Errorf("Expected ErrNotCollecting, got %v", err)
	}
}

func TestLockEmptyBatchRejected(t *testing.T) {
	env := newBatchEnv(t)
	b := env.newBatchWithItems(t)

	_, err := env.service.Lock(context.Background(), b.ID)
	if !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("Expected ErrEmptyBatch, got %v", err)
	}
}

func TestProcessRequiresLock(t *testing.T) {
	env := newBatchEnv(t)
	b := env.newBatchWithItems(t, "100.00")

	_, err := env.service.Process(context.Background(), b.ID)
	if !errors.Is(err, ErrNotLocked) {
		t.Errorf("Expected ErrNotLocked, got %v", err)
	}
}

func TestProcessCreatesPayouts(t *testing.T) {
	env := newBatchEnv(t)
	env.fund(t, "1000.00")
	b := env.newBatchWithItems(t, "100.00", "200.00")

	if _, err := env.service.Lock(context.Background(), b.ID); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	got, err := env.service.Process(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if got.CreatedItems != 2 || got.FailedItems != 0 {
		t.Errorf("Expected 2 created / 0 failed, got %d / %d", got.CreatedItems, got.FailedItems)
	}

	items, _ := env.service.Items(context.Background(), b.ID)
	for _, item := range items {
		if item.Status != ItemCreated || item.PayoutID == "" {
			t.Errorf("Expected created item with payout id, got %+v", item)
			continue
		}
		p, err := env.payouts.Get(context.Background(), item.PayoutID)
		if err != nil {
			t.Fatalf("Get payout failed: %v", err)
		}
		if p.Priority != payout.PriorityBatch {
			t.Errorf("Expected batch priority, got %s", p.Priority)
		}
		if p.OriginEntityID != b.ID {
			t.Errorf("Expected payout linked to batch, got %s", p.OriginEntityID)
		}
	}
}

func TestItemsTrackPayoutOutcomes(t *testing.T) {
	env := newBatchEnv(t)
	env.fund(t, "1000.00")
	ctx := context.Background()
	b := env.newBatchWithItems(t, "100.00", "200.00")

	_, _ = env.service.Lock(ctx, b.ID)
	if _, err := env.service.Process(ctx, b.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	items, _ := env.service.Items(ctx, b.ID)
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}

	// First payout settles, second dies at the bank.
	first, second := items[0], items[1]
	_, _ = env.payouts.UpdateStatus(ctx, first.PayoutID, payout.StatusProcessing, payout.Change{})
	_, _ = env.payouts.UpdateStatus(ctx, first.PayoutID, payout.StatusSent, payout.Change{})
	if _, err := env.payouts.UpdateStatus(ctx, first.PayoutID, payout.StatusSettled, payout.Change{}); err != nil {
		t.Fatalf("to settled: %v", err)
	}
	_, _ = env.payouts.UpdateStatus(ctx, second.PayoutID, payout.StatusProcessing, payout.Change{})
	if _, err := env.payouts.FailPermanent(ctx, second.PayoutID, "INVALID_ACCOUNT", "no such account"); err != nil {
		t.Fatalf("FailPermanent: %v", err)
	}

	items, err := env.service.Items(ctx, b.ID)
	if err != nil {
		t.Fatalf("Items failed: %v", err)
	}
	byID := map[string]*Item{}
	for _, item := range items {
		byID[item.ID] = item
	}
	if got := byID[first.ID]; got.Status != ItemSettled {
		t.Errorf("Expected settled item, got %+v", got)
	}
	if got := byID[second.ID]; got.Status != ItemFailed || got.Error != "INVALID_ACCOUNT" {
		t.Errorf("Expected failed item with error code, got %+v", got)
	}
}

func TestProcessPartialFailure(t *testing.T) {
	env := newBatchEnv(t)
	env.fund(t, "150.00") // covers only the first item
	b := env.newBatchWithItems(t, "100.00", "200.00")

	_, _ = env.service.Lock(context.Background(), b.ID)
	got, err := env.service.Process(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Partial success still completes, got %s", got.Status)
	}
	if got.CreatedItems != 1 || got.FailedItems != 1 {
		t.Errorf("Expected 1 created / 1 failed, got %d / %d", got.CreatedItems, got.FailedItems)
	}

	items, _ := env.service.Items(context.Background(), b.ID)
	var failed *Item
	for _, item := range items {
		if item.Status == ItemFailed {
			failed = item
		}
	}
	if failed == nil || failed.Error == "" {
		t.Errorf("Expected a failed item with an error, got %+v", items)
	}
}

func TestProcessAllItemsFailing(t *testing.T) {
	env := newBatchEnv(t)
	// Unfunded tenant: every item fails
	b := env.newBatchWithItems(t, "100.00")

	_, _ = env.service.Lock(context.Background(), b.ID)
	got, err := env.service.Process(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Expected failed batch, got %s", got.Status)
	}
}

func TestProcessRerunDoesNotDuplicate(t *testing.T) {
	env := newBatchEnv(t)
	env.fund(t, "1000.00")
	b := env.newBatchWithItems(t, "100.00")

	_, _ = env.service.Lock(context.Background(), b.ID)
	if _, err := env.service.Process(context.Background(), b.ID); err != nil {
		t.Fatalf("First process failed: %v", err)
	}

	// Rerunning a completed batch is rejected outright.
	_, err := env.service.Process(context.Background(), b.ID)
	if !errors.Is(err, ErrNotLocked) {
		t.Errorf("Expected ErrNotLocked on rerun, got %v", err)
	}

	// Only one payout exists for the item.
	payouts, _ := env.payouts.List(context.Background(), payout.ListFilter{TenantID: "m1"})
	if len(payouts) != 1 {
		t.Errorf("Expected 1 payout, got %d", len(payouts))
	}
}

func TestTickProcessesDueBatches(t *testing.T) {
	env := newBatchEnv(t)
	env.fund(t, "1000.00")

	past := time.Now().Add(-time.Minute)
	req := validBatchRequest()
	req.ScheduledAt = &past
	b, err := env.service.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_, _ = env.service.AddItem(context.Background(), b.ID, ItemRequest{
		BeneficiaryType: "seller", BeneficiaryID: "s1", Amount: "100.00",
	})
	if _, err := env.service.Lock(context.Background(), b.ID); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	processed, err := env.service.Tick(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if processed != 1 {
		t.Fatalf("Expected 1 batch processed, got %d", processed)
	}

	got, _ := env.service.Get(context.Background(), b.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}

	// A second tick has nothing to do
	processed, _ = env.service.Tick(context.Background(), time.Now(), 10)
	if processed != 0 {
		t.Errorf("Expected 0 on rerun, got %d", processed)
	}
}

func TestRecurringBatchRespawns(t *testing.T) {
	env := newBatchEnv(t)
	env.fund(t, "1000.00")

	past := time.Now().Add(-time.Minute)
	req := validBatchRequest()
	req.Schedule = "0 9 * * 1"
	req.ScheduledAt = &past
	b, err := env.service.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_, _ = env.service.AddItem(context.Background(), b.ID, ItemRequest{
		BeneficiaryType: "seller", BeneficiaryID: "s1", Amount: "100.00",
	})
	_, _ = env.service.Lock(context.Background(), b.ID)

	if _, err := env.service.Process(context.Background(), b.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// The successor batch is locked, scheduled, and carries the items.
	batches, err := env.service.List(context.Background(), ListFilter{TenantID: "m1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(batches))
	}

	var next *Batch
	for _, cand := range batches {
		if cand.ID != b.ID {
			next = cand
		}
	}
	if next == nil {
		t.Fatal("Expected a successor batch")
	}
	if next.Status != StatusLocked {
		t.Errorf("Expected locked successor, got %s", next.Status)
	}
	if next.ScheduledAt == nil || !next.ScheduledAt.After(time.Now()) {
		t.Errorf("Expected a future run time, got %v", next.ScheduledAt)
	}
	if next.ItemCount != 1 || next.TotalAmount != "100.00" {
		t.Errorf("Expected copied items, got count=%d total=%s", next.ItemCount, next.TotalAmount)
	}
}
