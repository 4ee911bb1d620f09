package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Molam-git/molam-connect-sub001/internal/connector"
	"github.com/Molam-git/molam-connect-sub001/internal/hold"
	"github.com/Molam-git/molam-connect-sub001/internal/idempotency"
	"github.com/Molam-git/molam-connect-sub001/internal/ledger"
	"github.com/Molam-git/molam-connect-sub001/internal/payout"
	"github.com/Molam-git/molam-connect-sub001/internal/sla"
)

// stubConnector returns a scripted result and counts submissions.
type stubConnector struct {
	id   string
	rail string

	mu       sync.Mutex
	result   *connector.SubmitResult
	err      error
	panicMsg string
	calls    int
}

func (s *stubConnector) ID() string   { return s.id }
func (s *stubConnector) Rail() string { return s.rail }

func (s *stubConnector) Submit(_ context.Context, _ connector.SubmitRequest) (*connector.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.result, s.err
}

func (s *stubConnector) HealthCheck(context.Context) connector.HealthStatus {
	return connector.HealthStatus{Healthy: true}
}

func (s *stubConnector) set(result *connector.SubmitResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
	s.err = err
}

func (s *stubConnector) submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type workerEnv struct {
	service *payout.Service
	ledger  *ledger.Ledger
	holds   *hold.Manager
	reg     *connector.Registry
	worker  *Worker
}

func newWorkerEnv(t *testing.T, holdTTL time.Duration, svcCfg payout.ServiceConfig) *workerEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	lc := ledger.New(ledger.NewMemoryStore())
	holds := hold.NewManager(hold.NewMemoryStore(), lc, holdTTL)
	svc := payout.NewService(
		payout.NewMemoryStore(),
		holds,
		lc,
		sla.NewResolver(sla.NewMemoryStore(), nil),
		nil,
		idempotency.NewMemoryCache(time.Minute),
		payout.NewMemoryAuditStore(),
		payout.NewMemoryAlertStore(),
		payout.NewMemoryRetryLogStore(),
		svcCfg,
		logger,
	)

	reg := connector.NewRegistry()
	w := New(svc, reg, holds, Config{BatchSize: 10, Concurrency: 1}, logger)
	return &workerEnv{service: svc, ledger: lc, holds: holds, reg: reg, worker: w}
}

func (e *workerEnv) createPayout(t *testing.T, req payout.CreateRequest) *payout.Payout {
	t.Helper()
	acct := hold.TenantAccount(req.TenantType, req.TenantID)
	if err := e.ledger.Fund(context.Background(), acct, req.Currency, "10000.00", "seed"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	p, _, err := e.service.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return p
}

func baseRequest() payout.CreateRequest {
	return payout.CreateRequest{
		BeneficiaryType: "seller",
		BeneficiaryID:   "seller_1",
		Amount:          "100.00",
		Currency:        "USD",
		TenantType:      "marketplace",
		TenantID:        "m1",
	}
}

func (e *workerEnv) status(t *testing.T, id string) payout.Status {
	t.Helper()
	p, err := e.service.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return p.Status
}

func TestRunOnceDispatchesPendingPayout(t *testing.T) {
	env := newWorkerEnv(t, 0, payout.ServiceConfig{})
	stub := &stubConnector{id: connector.DefaultConnectorID, rail: connector.RailACH}
	stub.set(&connector.SubmitResult{Success: true, BankReference: "ACH-1"}, nil)
	env.reg.Register(stub)

	p := env.createPayout(t, baseRequest())

	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := env.status(t, p.ID); got != payout.StatusSent {
		t.Errorf("Expected sent, got %s", got)
	}
	if stub.submissions() != 1 {
		t.Errorf("Expected 1 submission, got %d", stub.submissions())
	}

	updated, _ := env.service.Get(context.Background(), p.ID)
	if updated.BankReference != "ACH-1" {
		t.Errorf("Expected bank reference recorded, got %q", updated.BankReference)
	}
}

func TestRunOnceInstantRailSettles(t *testing.T) {
	env := newWorkerEnv(t, 0, payout.ServiceConfig{})
	stub := &stubConnector{id: connector.DefaultConnectorID, rail: connector.RailFPS}
	stub.set(&connector.SubmitResult{Success: true, BankReference: "FPS-1", InstantSettlement: true}, nil)
	env.reg.Register(stub)

	req := baseRequest()
	req.Rail = connector.RailFPS
	p := env.createPayout(t, req)

	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := env.status(t, p.ID); got != payout.StatusSettled {
		t.Errorf("Expected settled, got %s", got)
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	env := newWorkerEnv(t, 0, payout.ServiceConfig{MaxRetries: 3})
	stub := &stubConnector{id: connector.DefaultConnectorID, rail: connector.RailACH}
	stub.set(&connector.SubmitResult{
		Success:   false,
		ErrorCode: connector.CodeTransientUpstream,
	}, nil)
	env.reg.Register(stub)

	p := env.createPayout(t, baseRequest())

	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	updated, _ := env.service.Get(context.Background(), p.ID)
	if updated.Status != payout.StatusFailed {
		t.Fatalf("Expected failed, got %s", updated.Status)
	}
	if updated.NextRetryAt == nil {
		t.Error("Expected a scheduled retry")
	}
	if updated.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", updated.RetryCount)
	}
}

func TestRetryLeaseRedispatchesAfterBackoff(t *testing.T) {
	env := newWorkerEnv(t, 0, payout.ServiceConfig{
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  10 * time.Millisecond,
	})
	stub := &stubConnector{id: connector.DefaultConnectorID, rail: connector.RailACH}
	stub.set(&connector.SubmitResult{Success: false, ErrorCode: connector.CodeTransientNetwork}, nil)
	env.reg.Register(stub)

	p := env.createPayout(t, baseRequest())

	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("First RunOnce failed: %v", err)
	}
	if got := env.status(t, p.ID); got != payout.StatusFailed {
		t.Fatalf("Expected failed, got %s", got)
	}

	// Backoff elapses, the gateway recovers
	time.Sleep(20 * time.Millisecond)
	stub.set(&connector.SubmitResult{Success: true, BankReference: "ACH-2"}, nil)

	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("Second RunOnce failed: %v", err)
	}
	if got := env.status(t, p.ID); got != payout.StatusSent {
		t.Errorf("Expected sent after retry, got %s", got)
	}
	if stub.submissions() != 2 {
		t.Errorf("Expected 2 submissions, got %d", stub.submissions())
	}
}

func TestPermanentFailureGoesToDLQ(t *testing.T) {
	env := newWorkerEnv(t, 0, payout.ServiceConfig{MaxRetries: 3})
	stub := &stubConnector{id: connector.DefaultConnectorID, rail: connector.RailACH}
	stub.set(&connector.SubmitResult{
		Success:      false,
		ErrorCode:    connector.CodePermanentInvalidAccount,
		ErrorMessage: "account closed",
	}, nil)
	env.reg.Register(stub)

	p := env.createPayout(t, baseRequest())

	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := env.status(t, p.ID); got != payout.StatusDLQ {
		t.Errorf("Expected dlq, got %s", got)
	}
	if stub.submissions() != 1 {
		t.Errorf("Permanent failures must not retry, got %d submissions", stub.submissions())
	}

	// Held funds returned to the tenant
	bal, _ := env.ledger.AvailableBalance(context.Background(),
		hold.TenantAccount("marketplace", "m1"), "USD")
	if bal != "10000.00" {
		t.Errorf("Expected funds returned, got %s", bal)
	}
}

func TestMissingConnectorGoesToDLQ(t *testing.T) {
	env := newWorkerEnv(t, 0, payout.ServiceConfig{})
	// Registry is empty: nothing can serve the payout.
	p := env.createPayout(t, baseRequest())

	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := env.status(t, p.ID); got != payout.StatusDLQ {
		t.Errorf("Expected dlq, got %s", got)
	}
}

func TestPanicInConnectorSchedulesRetry(t *testing.T) {
	env := newWorkerEnv(t, 0, payout.ServiceConfig{MaxRetries: 3})
	stub := &stubConnector{id: connector.DefaultConnectorID, rail: connector.RailACH, panicMsg: "boom"}
	env.reg.Register(stub)

	p := env.createPayout(t, baseRequest())

	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	updated, _ := env.service.Get(context.Background(), p.ID)
	if updated.Status != payout.StatusFailed {
		t.Fatalf("Expected failed after panic, got %s", updated.Status)
	}
	if updated.LastErrorCode != connector.CodeProcessingError {
		t.Errorf("Expected processing error code, got %s", updated.LastErrorCode)
	}
}

func TestPriorityOrderedDispatch(t *testing.T) {
	env := newWorkerEnv(t, 0, payout.ServiceConfig{})
	stub := &stubConnector{id: connector.DefaultConnectorID, rail: connector.RailACH}
	stub.set(&connector.SubmitResult{Success: true, BankReference: "ACH-3"}, nil)
	env.reg.Register(stub)

	standardReq := baseRequest()
	standard := env.createPayout(t, standardReq)

	urgentReq := baseRequest()
	urgentReq.Priority = payout.PriorityUrgent
	urgent := env.createPayout(t, urgentReq)

	// One row per lease: the urgent payout must go first.
	env.worker.cfg.BatchSize = 1
	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := env.status(t, urgent.ID); got != payout.StatusSent {
		t.Errorf("Expected urgent payout sent, got %s", got)
	}
	if got := env.status(t, standard.ID); got != payout.StatusPending {
		t.Errorf("Expected standard payout still pending, got %s", got)
	}
}

func TestScheduledPayoutNotDispatchedEarly(t *testing.T) {
	env := newWorkerEnv(t, 0, payout.ServiceConfig{})
	stub := &stubConnector{id: connector.DefaultConnectorID, rail: connector.RailACH}
	stub.set(&connector.SubmitResult{Success: true}, nil)
	env.reg.Register(stub)

	future := time.Now().Add(time.Hour)
	req := baseRequest()
	req.ScheduledAt = &future
	p := env.createPayout(t, req)

	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := env.status(t, p.ID); got != payout.StatusScheduled {
		t.Errorf("Expected scheduled payout untouched, got %s", got)
	}
	if stub.submissions() != 0 {
		t.Errorf("Expected no submissions, got %d", stub.submissions())
	}
}

func TestMonitorExpiresStaleHolds(t *testing.T) {
	env := newWorkerEnv(t, time.Millisecond, payout.ServiceConfig{})
	stub := &stubConnector{id: connector.DefaultConnectorID, rail: connector.RailACH}
	stub.set(&connector.SubmitResult{Success: true}, nil)
	env.reg.Register(stub)

	// Scheduled far out so the lease loop never picks it up.
	future := time.Now().Add(time.Hour)
	req := baseRequest()
	req.ScheduledAt = &future
	p := env.createPayout(t, req)

	time.Sleep(10 * time.Millisecond)

	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := env.status(t, p.ID); got != payout.StatusFailed {
		t.Errorf("Expected failed after hold expiry, got %s", got)
	}
	updated, _ := env.service.Get(context.Background(), p.ID)
	if updated.LastErrorCode != "HOLD_EXPIRED" {
		t.Errorf("Expected HOLD_EXPIRED, got %s", updated.LastErrorCode)
	}

	// The expired hold returned the funds
	bal, _ := env.ledger.AvailableBalance(context.Background(),
		hold.TenantAccount("marketplace", "m1"), "USD")
	if bal != "10000.00" {
		t.Errorf("Expected funds returned, got %s", bal)
	}
}

func TestMonitorLeavesSentPayoutHolds(t *testing.T) {
	env := newWorkerEnv(t, time.Millisecond, payout.ServiceConfig{})
	ctx := context.Background()

	p := env.createPayout(t, baseRequest())
	if _, err := env.service.UpdateStatus(ctx, p.ID, payout.StatusProcessing, payout.Change{}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if _, err := env.service.UpdateStatus(ctx, p.ID, payout.StatusSent, payout.Change{}); err != nil {
		t.Fatalf("to sent: %v", err)
	}

	// The TTL elapses while the payout sits at the bank.
	time.Sleep(10 * time.Millisecond)

	if err := env.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := env.status(t, p.ID); got != payout.StatusSent {
		t.Errorf("Sent payout must survive the sweep, got %s", got)
	}
	h, err := env.holds.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get hold failed: %v", err)
	}
	if h.Status != hold.StatusActive {
		t.Errorf("Expected the hold still active, got %s", h.Status)
	}

	// The reserved funds were not handed back.
	bal, _ := env.ledger.AvailableBalance(ctx,
		hold.TenantAccount("marketplace", "m1"), "USD")
	if bal != "9900.00" {
		t.Errorf("Expected funds still held, got %s", bal)
	}
}

func TestStartAndStop(t *testing.T) {
	env := newWorkerEnv(t, 0, payout.ServiceConfig{})
	env.worker.cfg.PollInterval = 5 * time.Millisecond
	env.worker.cfg.DrainTimeout = time.Second

	stub := &stubConnector{id: connector.DefaultConnectorID, rail: connector.RailACH}
	stub.set(&connector.SubmitResult{Success: true, BankReference: "ACH-4"}, nil)
	env.reg.Register(stub)

	p := env.createPayout(t, baseRequest())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		env.worker.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for env.status(t, p.ID) != payout.StatusSent {
		select {
		case <-deadline:
			t.Fatalf("Payout never dispatched, status %s", env.status(t, p.ID))
		case <-time.After(5 * time.Millisecond):
		}
	}

	env.worker.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker did not stop")
	}
	if env.worker.Running() {
		t.Error("Expected worker to report stopped")
	}
}
