package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Molam-git/molam-connect-sub001/internal/connector"
	"github.com/Molam-git/molam-connect-sub001/internal/hold"
	"github.com/Molam-git/molam-connect-sub001/internal/idempotency"
	"github.com/Molam-git/molam-connect-sub001/internal/idgen"
	"github.com/Molam-git/molam-connect-sub001/internal/ledger"
	"github.com/Molam-git/molam-connect-sub001/internal/metrics"
	"github.com/Molam-git/molam-connect-sub001/internal/money"
	"github.com/Molam-git/molam-connect-sub001/internal/retry"
	"github.com/Molam-git/molam-connect-sub001/internal/routing"
	"github.com/Molam-git/molam-connect-sub001/internal/sla"
	"github.com/Molam-git/molam-connect-sub001/internal/validation"
)

// ServiceConfig tunes the payout service.
type ServiceConfig struct {
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	HighValueThreshold string
	StrictIdempotency  bool
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxRetries:         3,
		RetryBaseDelay:     60 * time.Second,
		RetryMaxDelay:      time.Hour,
		HighValueThreshold: "10000.00",
	}
}

// Service orchestrates the payout lifecycle.
type Service struct {
	store    Store
	holds    *hold.Manager
	ledger   ledger.Client
	sla      *sla.Resolver
	advisor  routing.Advisor
	idem     idempotency.Cache
	audits   AuditStore
	alerts   AlertStore
	retryLog RetryLogStore
	cfg      ServiceConfig
	logger   *slog.Logger
}

// NewService wires a payout service.
func NewService(
	store Store,
	holds *hold.Manager,
	lc ledger.Client,
	slar *sla.Resolver,
	advisor routing.Advisor,
	idem idempotency.Cache,
	audits AuditStore,
	alerts AlertStore,
	retryLog RetryLogStore,
	cfg ServiceConfig,
	logger *slog.Logger,
) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 60 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = time.Hour
	}
	if cfg.HighValueThreshold == "" {
		cfg.HighValueThreshold = "10000.00"
	}
	if advisor == nil {
		advisor = routing.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		holds:    holds,
		ledger:   lc,
		sla:      slar,
		advisor:  advisor,
		idem:     idem,
		audits:   audits,
		alerts:   alerts,
		retryLog: retryLog,
		cfg:      cfg,
		logger:   logger,
	}
}

// Create accepts a payout request. The returned bool is true when a new
// payout was created and false when an idempotency key replay returned
// the original.
//
// Funds are reserved before the payout row exists; if the row cannot be
// persisted the hold is reversed, so a failed create never leaves money
// locked.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Payout, bool, error) {
	req.BeneficiaryID = validation.SanitizeString(req.BeneficiaryID, 255)
	req.BeneficiaryAccount = validation.SanitizeString(req.BeneficiaryAccount, 255)
	req.IdempotencyKey = validation.SanitizeString(req.IdempotencyKey, 255)

	if req.Priority == "" {
		req.Priority = PriorityStandard
	}
	if errs := validation.Validate(
		validation.Required("beneficiaryType", req.BeneficiaryType),
		validation.Required("beneficiaryId", req.BeneficiaryID),
		validation.Required("tenantType", req.TenantType),
		validation.Required("tenantId", req.TenantID),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidCountry("country", req.Country),
	); len(errs) > 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}
	if !req.Priority.Valid() {
		return nil, false, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, req.Priority)
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.findByKey(ctx, req.IdempotencyKey); err == nil {
			return s.replay(existing, req)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	now := time.Now()
	p := &Payout{
		ID:                      idgen.WithPrefix("po_"),
		ExternalID:              req.IdempotencyKey,
		OriginModule:            req.OriginModule,
		OriginEntityType:        req.OriginEntityType,
		OriginEntityID:          req.OriginEntityID,
		BeneficiaryType:         req.BeneficiaryType,
		BeneficiaryID:           req.BeneficiaryID,
		BeneficiaryAccount:      req.BeneficiaryAccount,
		Amount:                  req.Amount,
		Currency:                req.Currency,
		Method:                  req.Method,
		Priority:                req.Priority,
		RequestedSettlementDate: req.RequestedSettlementDate,
		ScheduledAt:             req.ScheduledAt,
		ConnectorID:             req.ConnectorID,
		Rail:                    req.Rail,
		Status:                  StatusPending,
		MaxRetries:              s.cfg.MaxRetries,
		TenantType:              req.TenantType,
		TenantID:                req.TenantID,
		Country:                 req.Country,
		CreatedBy:               req.CreatedBy,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		p.Status = StatusScheduled
	}

	s.route(ctx, p)
	if err := s.applySLA(ctx, p); err != nil {
		return nil, false, err
	}

	// Pre-check gives the caller a clean error before any side effect;
	// the hold below re-checks atomically.
	account := hold.TenantAccount(p.TenantType, p.TenantID)
	available, err := s.ledger.AvailableBalance(ctx, account, p.Currency)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, false, err
	}
	if err != nil || money.Cmp(available, p.TotalCost) < 0 {
		return nil, false, ErrInsufficientBalance
	}

	h, err := s.holds.Open(ctx, p.ID, p.TenantType, p.TenantID, p.TotalCost, p.Currency)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, false, ErrInsufficientBalance
		}
		return nil, false, err
	}
	p.HoldID = h.ID

	if err := s.store.Create(ctx, p); err != nil {
		_ = s.holds.Reverse(ctx, p.ID, "payout_create_failed")
		if errors.Is(err, ErrDuplicateKey) && req.IdempotencyKey != "" {
			// Lost a race on the idempotency key; serve the winner.
			if existing, gerr := s.store.GetByExternalID(ctx, req.IdempotencyKey); gerr == nil {
				return s.replay(existing, req)
			}
		}
		return nil, false, err
	}

	if s.idem != nil && req.IdempotencyKey != "" {
		_ = s.idem.Remember(ctx, req.IdempotencyKey, p.ID)
	}

	s.audit(ctx, &AuditEvent{
		PayoutID:  p.ID,
		EventType: EventCreated,
		NewStatus: p.Status,
		Details:   detailsJSON(map[string]any{"amount": p.Amount, "currency": p.Currency, "totalCost": p.TotalCost}),
		ActorType: actorOrSystem(req.CreatedBy),
		ActorID:   req.CreatedBy,
	})
	metrics.PayoutsCreatedTotal.Inc()

	if money.Cmp(p.Amount, s.cfg.HighValueThreshold) >= 0 {
		s.raiseAlert(ctx, &Alert{
			PayoutID: p.ID,
			TenantID: p.TenantID,
			Type:     AlertHighValue,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("high value payout %s %s %s", p.ID, p.Amount, p.Currency),
		})
	}

	s.logger.Info("payout created",
		"payout_id", p.ID, "tenant_id", p.TenantID,
		"amount", p.Amount, "currency", p.Currency, "status", p.Status)
	return p, true, nil
}

// findByKey resolves an idempotency key through the cache fast path and
// the durable unique index.
func (s *Service) findByKey(ctx context.Context, key string) (*Payout, error) {
	if s.idem != nil {
		if id, ok, _ := s.idem.Lookup(ctx, key); ok {
			if p, err := s.store.Get(ctx, id); err == nil {
				return p, nil
			}
		}
	}
	return s.store.GetByExternalID(ctx, key)
}

// replay serves the original payout for a repeated idempotency key.
// Under strict mode a key reuse with a different payload is rejected.
func (s *Service) replay(existing *Payout, req CreateRequest) (*Payout, bool, error) {
	if s.cfg.StrictIdempotency {
		if existing.Amount != req.Amount || existing.Currency != req.Currency ||
			existing.BeneficiaryID != req.BeneficiaryID {
			return nil, false, ErrDuplicateKey
		}
	}
	return existing, false, nil
}

// route picks a connector and rail: the request's explicit choice wins,
// then the routing advisor, then the platform default.
func (s *Service) route(ctx context.Context, p *Payout) {
	if p.ConnectorID != "" {
		if p.Rail == "" {
			p.Rail = connector.DefaultRail
		}
		return
	}

	pred, err := s.advisor.Predict(ctx, routing.Features{
		Amount:          p.Amount,
		Currency:        p.Currency,
		Method:          p.Method,
		Priority:        string(p.Priority),
		Country:         p.Country,
		BeneficiaryType: p.BeneficiaryType,
		TenantID:        p.TenantID,
	})
	if err == nil {
		p.ConnectorID = pred.Recommendation.ConnectorID
		p.Rail = pred.Recommendation.Rail
		p.RoutingScore = pred.Score
		p.RoutingReason = pred.Explanation
		p.PredictedSettlement = pred.Recommendation.EstimatedSettlementTime
		return
	}
	if !errors.Is(err, routing.ErrNoRecommendation) {
		s.logger.Warn("routing advisor unavailable", "payout_id", p.ID, "error", err)
	}
	p.ConnectorID = connector.DefaultConnectorID
	if p.Rail == "" {
		p.Rail = connector.DefaultRail
	}
}

// applySLA resolves the SLA rule, target date, and fees, and fixes the
// payout's total cost.
func (s *Service) applySLA(ctx context.Context, p *Payout) error {
	rule, err := s.sla.ResolveRule(ctx, sla.Query{
		ConnectorID: p.ConnectorID,
		Rail:        p.Rail,
		Country:     p.Country,
		Currency:    p.Currency,
		Priority:    string(p.Priority),
	})
	if err != nil {
		return err
	}

	target := s.sla.TargetSettlementDate(rule, p.CreatedAt, p.Country)
	p.SLATargetDate = &target
	if rule != nil {
		p.SLACutoffTime = rule.CutoffTime
	}

	fee, bankFee, err := s.sla.Fee(rule, p.Amount)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	p.FeeAmount = fee
	p.BankFee = bankFee
	p.TotalCost = money.Add(money.Add(p.Amount, fee), bankFee)
	return nil
}

// Get returns a payout by id.
func (s *Service) Get(ctx context.Context, id string) (*Payout, error) {
	return s.store.Get(ctx, id)
}

// GetByIdempotencyKey returns the payout created under a key.
func (s *Service) GetByIdempotencyKey(ctx context.Context, key string) (*Payout, error) {
	return s.findByKey(ctx, key)
}

// List returns payouts matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Payout, error) {
	return s.store.List(ctx, filter)
}

// Stats returns the per-status operational summary.
func (s *Service) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	return s.store.Stats(ctx, tenantID)
}

// AuditTrail returns the lifecycle events for a payout in id order.
func (s *Service) AuditTrail(ctx context.Context, payoutID string) ([]*AuditEvent, error) {
	return s.audits.ListByPayout(ctx, payoutID)
}

// RetryHistory returns the dispatch attempt log for a payout.
func (s *Service) RetryHistory(ctx context.Context, payoutID string) ([]*RetryLogEntry, error) {
	return s.retryLog.ListByPayout(ctx, payoutID)
}

// Change carries the optional fields of a status transition.
type Change struct {
	BankReference string
	BankFee       string
	ErrorCode     string
	ErrorMessage  string
	Reason        string
	EventType     string
	ActorType     string
	ActorID       string
}

// UpdateStatus moves a payout along the status DAG and applies the
// target status's side effects: timestamps, hold release or reversal,
// the final ledger post on settlement, audit, and metrics.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status, ch Change) (*Payout, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == to {
		return p, nil // idempotent
	}
	if !CanTransition(p.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}

	from := p.Status
	now := time.Now()
	p.Status = to
	p.UpdatedAt = now

	if ch.BankReference != "" {
		p.BankReference = ch.BankReference
	}
	if ch.BankFee != "" && money.Cmp(ch.BankFee, "0") > 0 {
		p.BankFee = ch.BankFee
		p.TotalCost = money.Add(money.Add(p.Amount, p.FeeAmount), p.BankFee)
	}
	if ch.ErrorCode != "" {
		p.LastErrorCode = ch.ErrorCode
		p.LastError = ch.ErrorMessage
	}

	switch to {
	case StatusProcessing:
		p.ProcessedAt = &now
	case StatusSent:
		p.SentAt = &now
	case StatusSettled:
		p.SettledAt = &now
	case StatusFailed:
		p.FailedAt = &now
	case StatusReversed:
		p.ReversedAt = &now
	case StatusCancelled:
		p.CancelledAt = &now
	}

	switch to {
	case StatusSettled:
		if err := s.holds.Release(ctx, p.ID); err != nil {
			return nil, fmt.Errorf("release hold: %w", err)
		}
		entryID, err := s.ledger.FinalPost(ctx, p.ID, hold.PendingAccount,
			beneficiaryAccount(p), p.TotalCost, p.Currency)
		if err != nil {
			s.logger.Error("final ledger post failed", "payout_id", p.ID, "error", err)
		} else {
			p.LedgerEntryID = entryID
		}
	case StatusDLQ, StatusReversed, StatusCancelled:
		reason := ch.Reason
		if reason == "" {
			reason = string(to)
		}
		if err := s.holds.Reverse(ctx, p.ID, reason); err != nil {
			return nil, fmt.Errorf("reverse hold: %w", err)
		}
	}

	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	event := ch.EventType
	if event == "" {
		event = EventStatusChanged
	}
	actorType := ch.ActorType
	if actorType == "" {
		actorType = actorOrSystem(ch.ActorID)
	}
	s.audit(ctx, &AuditEvent{
		PayoutID:  p.ID,
		EventType: event,
		OldStatus: from,
		NewStatus: to,
		Details:   detailsJSON(map[string]any{"reason": ch.Reason, "errorCode": ch.ErrorCode, "bankReference": ch.BankReference}),
		ActorType: actorType,
		ActorID:   ch.ActorID,
	})
	metrics.PayoutTransitionsTotal.WithLabelValues(string(to)).Inc()

	s.logger.Info("payout status changed",
		"payout_id", p.ID, "from", from, "to", to, "error_code", ch.ErrorCode)
	return p, nil
}

// MarkSent records a successful connector submission. Instant rails
// settle in the same step.
func (s *Service) MarkSent(ctx context.Context, id string, res *connector.SubmitResult) (*Payout, error) {
	p, err := s.UpdateStatus(ctx, id, StatusSent, Change{
		BankReference: res.BankReference,
		BankFee:       res.BankFee,
		ActorType:     ActorWorker,
	})
	if err != nil {
		return nil, err
	}
	if res.InstantSettlement {
		return s.UpdateStatus(ctx, id, StatusSettled, Change{ActorType: ActorWorker})
	}
	return p, nil
}

// ScheduleRetry records a transient dispatch failure: the payout moves
// to failed with a next_retry_at in the future, or to the dead-letter
// state when its retry budget is spent. Backoff doubles per attempt so
// successive retry times are strictly increasing.
func (s *Service) ScheduleRetry(ctx context.Context, id, errorCode, errorMessage string) (*Payout, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// The budget is checked before incrementing, so a dead-letter row
	// always carries retry_count == max_retries.
	if p.RetryCount >= p.MaxRetries {
		return s.moveToDLQ(ctx, p, errorCode, errorMessage, p.RetryCount)
	}

	p.RetryCount++
	attempt := p.RetryCount

	delay := retry.NextDelay(p.RetryCount, s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay)
	next := time.Now().Add(delay)

	updated, err := s.UpdateStatus(ctx, id, StatusFailed, Change{
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
		EventType:    EventRetryScheduled,
		ActorType:    ActorWorker,
	})
	if err != nil {
		return nil, err
	}
	updated.RetryCount = p.RetryCount
	updated.NextRetryAt = &next
	if err := s.store.Update(ctx, updated); err != nil {
		return nil, err
	}

	s.appendRetryLog(ctx, updated, attempt, errorCode, errorMessage, &next)
	metrics.RetriesScheduledTotal.Inc()

	s.logger.Info("payout retry scheduled",
		"payout_id", p.ID, "attempt", attempt, "next_retry_at", next, "error_code", errorCode)
	return updated, nil
}

// FailPermanent moves a payout straight to the dead-letter state after
// a permanent connector rejection.
func (s *Service) FailPermanent(ctx context.Context, id, errorCode, errorMessage string) (*Payout, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.moveToDLQ(ctx, p, errorCode, errorMessage, p.RetryCount)
}

func (s *Service) moveToDLQ(ctx context.Context, p *Payout, errorCode, errorMessage string, attempt int) (*Payout, error) {
	// The DAG requires passing through failed on the way to dlq.
	if p.Status != StatusFailed {
		if _, err := s.UpdateStatus(ctx, p.ID, StatusFailed, Change{
			ErrorCode:    errorCode,
			ErrorMessage: errorMessage,
			ActorType:    ActorWorker,
		}); err != nil {
			return nil, err
		}
	}

	updated, err := s.UpdateStatus(ctx, p.ID, StatusDLQ, Change{
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
		Reason:       "retries_exhausted",
		ActorType:    ActorWorker,
	})
	if err != nil {
		return nil, err
	}
	updated.NextRetryAt = nil
	updated.RetryCount = attempt
	if err := s.store.Update(ctx, updated); err != nil {
		return nil, err
	}

	metrics.DLQTotal.Inc()
	s.raiseAlert(ctx, &Alert{
		PayoutID: updated.ID,
		TenantID: updated.TenantID,
		Type:     AlertDLQ,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("payout %s moved to dead-letter queue: %s", updated.ID, errorCode),
		Details:  detailsJSON(map[string]any{"errorCode": errorCode, "errorMessage": errorMessage, "attempts": attempt}),
	})

	s.logger.Error("payout moved to dlq",
		"payout_id", updated.ID, "error_code", errorCode, "attempts", attempt)
	return updated, nil
}

// Cancel stops a payout that has not been submitted to a bank yet and
// returns its held funds.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (*Payout, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusPending, StatusScheduled, StatusOnHold:
	default:
		return nil, ErrNotCancellable
	}
	if reason == "" {
		reason = "cancelled_by_operator"
	}
	return s.UpdateStatus(ctx, id, StatusCancelled, Change{
		Reason:    reason,
		EventType: EventCancelled,
		ActorType: ActorUser,
		ActorID:   actor,
	})
}

// Retry requeues a failed or dead-letter payout for dispatch. A payout
// leaving the dead-letter state needs a fresh hold because its original
// hold was reversed on entry.
func (s *Service) Retry(ctx context.Context, id, actor string) (*Payout, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusFailed && p.Status != StatusDLQ {
		return nil, ErrNotRetryable
	}

	if p.Status == StatusDLQ {
		h, err := s.holds.Open(ctx, p.ID, p.TenantType, p.TenantID, p.TotalCost, p.Currency)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return nil, ErrInsufficientBalance
			}
			return nil, err
		}
		p.HoldID = h.ID
		// Manual requeue from dlq bypasses the DAG's sink on purpose.
		p.Status = StatusFailed
		if err := s.store.Update(ctx, p); err != nil {
			_ = s.holds.Reverse(ctx, p.ID, "manual_retry_failed")
			return nil, err
		}
	}

	updated, err := s.UpdateStatus(ctx, id, StatusPending, Change{
		EventType: EventManualRetry,
		ActorType: ActorUser,
		ActorID:   actor,
	})
	if err != nil {
		return nil, err
	}
	updated.RetryCount = 0
	updated.NextRetryAt = nil
	updated.LastError = ""
	updated.LastErrorCode = ""
	if err := s.store.Update(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// ReceiveSettlementConfirmation applies an out-of-band bank
// confirmation, matched by bank reference. Repeated confirmations for a
// settled payout are acknowledged without effect.
func (s *Service) ReceiveSettlementConfirmation(ctx context.Context, bankReference, outcome, errorCode, errorMessage string) (*Payout, error) {
	p, err := s.store.GetByBankReference(ctx, bankReference)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case "settled":
		if p.Status == StatusSettled {
			return p, nil
		}
		return s.UpdateStatus(ctx, p.ID, StatusSettled, Change{
			EventType: EventSettlementConfirmed,
			ActorType: ActorBankHook,
		})
	case "failed":
		if errorCode == "" {
			errorCode = connector.CodeTransientUpstream
		}
		if connector.IsPermanent(errorCode) {
			return s.FailPermanent(ctx, p.ID, errorCode, errorMessage)
		}
		return s.ScheduleRetry(ctx, p.ID, errorCode, errorMessage)
	default:
		return nil, fmt.Errorf("%w: unknown settlement outcome %q", ErrInvalidRequest, outcome)
	}
}

// FlagSLAViolations marks payouts past their SLA target and raises one
// alert per payout. The sla_violated flag makes the sweep idempotent.
func (s *Service) FlagSLAViolations(ctx context.Context, now time.Time, limit int) (int, error) {
	violations, err := s.store.SLAViolations(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, p := range violations {
		p.SLAViolated = true
		p.SLAViolationReason = "target_date_missed"
		if err := s.store.Update(ctx, p); err != nil {
			s.logger.Error("sla flag update failed", "payout_id", p.ID, "error", err)
			continue
		}
		s.audit(ctx, &AuditEvent{
			PayoutID:  p.ID,
			EventType: EventSLAViolated,
			NewStatus: p.Status,
			Details:   detailsJSON(map[string]any{"targetDate": p.SLATargetDate, "reason": p.SLAViolationReason}),
			ActorType: ActorSystem,
		})
		s.raiseAlert(ctx, &Alert{
			PayoutID: p.ID,
			TenantID: p.TenantID,
			Type:     AlertSLAViolation,
			Severity: SeverityHigh,
			Message: fmt.Sprintf("payout %s missed its settlement target %s in status %s",
				p.ID, p.SLATargetDate.Format("2006-01-02"), p.Status),
		})
		metrics.SLAViolationsTotal.Inc()
		flagged++
	}
	return flagged, nil
}

// ExpireHold fails a payout whose hold TTL elapsed before dispatch. No
// retry is scheduled: the reserved funds are gone. Payouts already
// handed to a bank are left alone; their hold resolves with the
// settlement outcome.
func (s *Service) ExpireHold(ctx context.Context, payoutID string) error {
	p, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return err
	}
	if !p.Status.IsPreSubmit() {
		return nil
	}

	updated, err := s.UpdateStatus(ctx, payoutID, StatusFailed, Change{
		ErrorCode:    "HOLD_EXPIRED",
		ErrorMessage: "funds hold expired before dispatch",
		EventType:    EventHoldExpired,
		ActorType:    ActorSystem,
	})
	if err != nil {
		return err
	}
	updated.NextRetryAt = nil
	if err := s.store.Update(ctx, updated); err != nil {
		return err
	}

	s.raiseAlert(ctx, &Alert{
		PayoutID: p.ID,
		TenantID: p.TenantID,
		Type:     AlertHoldExpired,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("hold expired for payout %s before dispatch", p.ID),
	})
	return nil
}

// RecoverStuckProcessing requeues payouts left in processing by a dead
// worker. Recovery writes the row directly since processing -> pending
// is not a lifecycle edge.
func (s *Service) RecoverStuckProcessing(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stuck, err := s.store.SweepProcessing(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, p := range stuck {
		from := p.Status
		p.Status = StatusPending
		p.ProcessedAt = nil
		if err := s.store.Update(ctx, p); err != nil {
			s.logger.Error("stuck payout recovery failed", "payout_id", p.ID, "error", err)
			continue
		}
		s.audit(ctx, &AuditEvent{
			PayoutID:  p.ID,
			EventType: EventStatusChanged,
			OldStatus: from,
			NewStatus: StatusPending,
			Details:   detailsJSON(map[string]any{"reason": "stale_processing_lease"}),
			ActorType: ActorSystem,
		})
		recovered++
	}
	if recovered > 0 {
		s.logger.Warn("recovered stuck payouts", "count", recovered)
	}
	return recovered, nil
}

// LeaseDue claims dispatchable payouts for a worker. The store flips
// the rows to processing in one statement; the audit events for that
// transition are appended here.
func (s *Service) LeaseDue(ctx context.Context, limit int) ([]*Payout, error) {
	leased, err := s.store.LeaseDue(ctx, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	s.auditLeases(ctx, leased, "", "dispatch_lease")
	return leased, nil
}

// LeaseRetries claims failed payouts whose backoff elapsed.
func (s *Service) LeaseRetries(ctx context.Context, limit int) ([]*Payout, error) {
	leased, err := s.store.LeaseRetries(ctx, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	s.auditLeases(ctx, leased, StatusFailed, "retry_lease")
	return leased, nil
}

// auditLeases records the lease's flip to processing. The due lease
// claims both pending and scheduled rows, so its prior status is not
// recorded; the retry lease always claims failed rows.
func (s *Service) auditLeases(ctx context.Context, leased []*Payout, from Status, reason string) {
	for _, p := range leased {
		s.audit(ctx, &AuditEvent{
			PayoutID:  p.ID,
			EventType: EventStatusChanged,
			OldStatus: from,
			NewStatus: StatusProcessing,
			Details:   detailsJSON(map[string]any{"reason": reason}),
			ActorType: ActorWorker,
		})
	}
}

// ListAlerts returns operational alerts matching the filter.
func (s *Service) ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error) {
	return s.alerts.List(ctx, filter)
}

// ResolveAlert marks an alert resolved. Resolving twice fails with
// ErrAlertResolved.
func (s *Service) ResolveAlert(ctx context.Context, id, resolvedBy, note string) (*Alert, error) {
	a, err := s.alerts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Resolved {
		return nil, ErrAlertResolved
	}

	now := time.Now()
	a.Resolved = true
	a.ResolvedBy = resolvedBy
	a.ResolvedAt = &now
	a.Note = note
	if err := s.alerts.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) raiseAlert(ctx context.Context, a *Alert) {
	a.ID = idgen.WithPrefix("alr_")
	a.CreatedAt = time.Now()
	if err := s.alerts.Create(ctx, a); err != nil {
		s.logger.Error("alert create failed", "type", a.Type, "payout_id", a.PayoutID, "error", err)
		return
	}
	metrics.AlertsTotal.WithLabelValues(a.Type, a.Severity).Inc()
}

func (s *Service) audit(ctx context.Context, e *AuditEvent) {
	if err := s.audits.Append(ctx, e); err != nil {
		s.logger.Error("audit append failed", "payout_id", e.PayoutID, "event", e.EventType, "error", err)
	}
}

func (s *Service) appendRetryLog(ctx context.Context, p *Payout, attempt int, code, msg string, next *time.Time) {
	if err := s.retryLog.Append(ctx, &RetryLogEntry{
		PayoutID:     p.ID,
		Attempt:      attempt,
		ErrorCode:    code,
		ErrorMessage: msg,
		ConnectorID:  p.ConnectorID,
		Rail:         p.Rail,
		NextRetryAt:  next,
	}); err != nil {
		s.logger.Error("retry log append failed", "payout_id", p.ID, "error", err)
	}
}

func beneficiaryAccount(p *Payout) string {
	return fmt.Sprintf("%s:%s:payable", p.BeneficiaryType, p.BeneficiaryID)
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return ActorSystem
	}
	return ActorUser
}

func detailsJSON(m map[string]any) string {
	for k, v := range m {
		if v == "" || v == nil {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
