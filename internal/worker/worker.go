// Package worker runs the payout dispatch loops.
//
// Three loops share one worker: the main loop leases dispatchable
// payouts, the retry loop leases failed payouts whose backoff elapsed,
// and the monitor loop flags SLA violations and expires stale holds.
// Leasing happens in the store (FOR UPDATE SKIP LOCKED), so any number
// of worker processes can run side by side.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Molam-git/molam-connect-sub001/internal/connector"
	"github.com/Molam-git/molam-connect-sub001/internal/hold"
	"github.com/Molam-git/molam-connect-sub001/internal/metrics"
	"github.com/Molam-git/molam-connect-sub001/internal/payout"
	"github.com/Molam-git/molam-connect-sub001/internal/traces"
)

// Config tunes the dispatch worker.
type Config struct {
	PollInterval    time.Duration // main lease loop
	RetryInterval   time.Duration // retry lease loop
	MonitorInterval time.Duration // SLA and hold sweeps
	BatchSize       int           // rows per lease
	Concurrency     int           // parallel dispatches
	DrainTimeout    time.Duration // graceful stop budget
	StuckThreshold  time.Duration // processing age before recovery
	SweepLimit      int           // rows per monitor sweep
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		RetryInterval:   60 * time.Second,
		MonitorInterval: 5 * time.Minute,
		BatchSize:       10,
		Concurrency:     5,
		DrainTimeout:    30 * time.Second,
		StuckThreshold:  5 * time.Minute,
		SweepLimit:      100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = d.StuckThreshold
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = d.SweepLimit
	}
	return c
}

// Worker leases payouts and drives connectors.
type Worker struct {
	service  *payout.Service
	registry *connector.Registry
	holds    *hold.Manager
	cfg      Config
	logger   *slog.Logger

	stop     chan struct{}
	running  atomic.Bool
	inFlight sync.WaitGroup
	sem      chan struct{}
}

// New creates a dispatch worker.
func New(service *payout.Service, registry *connector.Registry, holds *hold.Manager, cfg Config, logger *slog.Logger) *Worker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		service:  service,
		registry: registry,
		holds:    holds,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// Running reports whether the worker loops are active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start runs the worker loops until ctx is done or Stop is called.
// Call in a goroutine. Payouts stranded in processing by a previous
// crash are requeued before the first lease.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	w.recover(ctx)

	poll := time.NewTicker(w.cfg.PollInterval)
	retryTick := time.NewTicker(w.cfg.RetryInterval)
	monitor := time.NewTicker(w.cfg.MonitorInterval)
	defer poll.Stop()
	defer retryTick.Stop()
	defer monitor.Stop()

	w.logger.Info("dispatch worker started",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"concurrency", w.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-w.stop:
			w.drain()
			return
		case <-poll.C:
			w.dispatch(ctx, w.service.LeaseDue)
		case <-retryTick.C:
			w.dispatch(ctx, w.service.LeaseRetries)
		case <-monitor.C:
			w.monitor(ctx)
		}
	}
}

// Stop signals the loops to exit and waits for in-flight dispatches up
// to the drain timeout.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) drain() {
	done := make(chan struct{})
	go func() {
		w.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn("drain timeout reached, abandoning in-flight dispatches")
	}
}

// RunOnce executes a single serial pass: recovery, one due lease, one
// retry lease, and one monitor sweep. Used by the worker CLI.
func (w *Worker) RunOnce(ctx context.Context) error {
	w.recover(ctx)

	for _, lease := range []func(context.Context, int) ([]*payout.Payout, error){
		func(ctx context.Context, n int) ([]*payout.Payout, error) { return w.service.LeaseDue(ctx, n) },
		func(ctx context.Context, n int) ([]*payout.Payout, error) { return w.service.LeaseRetries(ctx, n) },
	} {
		leased, err := lease(ctx, w.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, p := range leased {
			w.processOne(ctx, p)
		}
	}

	w.monitor(ctx)
	return nil
}

func (w *Worker) recover(ctx context.Context) {
	cutoff := time.Now().Add(-w.cfg.StuckThreshold)
	if _, err := w.service.RecoverStuckProcessing(ctx, cutoff, w.cfg.SweepLimit); err != nil {
		w.logger.Error("stuck payout recovery failed", "error", err)
	}
}

// dispatch leases a batch and processes each payout on the bounded
// worker pool.
func (w *Worker) dispatch(ctx context.Context, lease func(context.Context, int) ([]*payout.Payout, error)) {
	leased, err := lease(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("lease failed", "error", err)
		return
	}
	metrics.LeasedPayouts.Observe(float64(len(leased)))
	if len(leased) == 0 {
		return
	}

	for _, p := range leased {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		w.inFlight.Add(1)
		go func(p *payout.Payout) {
			defer w.inFlight.Done()
			defer func() { <-w.sem }()
			w.processOne(ctx, p)
		}(p)
	}
}

// processOne submits a leased payout to its connector and applies the
// outcome. A panic anywhere in the path is converted into a retryable
// processing error so the payout is never stranded.
func (w *Worker) processOne(ctx context.Context, p *payout.Payout) {
	metrics.InFlightDispatches.Inc()
	defer metrics.InFlightDispatches.Dec()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic dispatching payout", "payout_id", p.ID, "panic", fmt.Sprint(r))
			if _, err := w.service.ScheduleRetry(ctx, p.ID, connector.CodeProcessingError, fmt.Sprint(r)); err != nil {
				w.logger.Error("retry scheduling after panic failed", "payout_id", p.ID, "error", err)
			}
		}
	}()

	ctx, span := traces.StartSpan(ctx, "worker.dispatch",
		traces.PayoutID(p.ID), traces.ConnectorID(p.ConnectorID), traces.Rail(p.Rail))
	defer span.End()

	conn, err := w.registry.Resolve(p.ConnectorID, p.Rail)
	if err != nil {
		w.logger.Error("no connector for payout", "payout_id", p.ID,
			"connector_id", p.ConnectorID, "rail", p.Rail)
		if _, err := w.service.FailPermanent(ctx, p.ID, "PERMANENT_NO_CONNECTOR", err.Error()); err != nil {
			w.logger.Error("dlq move failed", "payout_id", p.ID, "error", err)
		}
		return
	}

	req := connector.SubmitRequest{
		PayoutID:        p.ID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Rail:            conn.Rail(),
		Country:         p.Country,
		BeneficiaryType: p.BeneficiaryType,
		BeneficiaryID:   p.BeneficiaryID,
		BeneficiaryAcct: p.BeneficiaryAccount,
		Priority:        string(p.Priority),
		Reference:       p.ID,
	}
	if p.SLATargetDate != nil {
		req.SettlementTarget = p.SLATargetDate.Format("2006-01-02")
	}

	submitCtx, cancel := context.WithTimeout(ctx, connector.SubmitTimeout(conn.Rail()))
	started := time.Now()
	res, err := conn.Submit(submitCtx, req)
	cancel()
	metrics.ConnectorSubmitDuration.WithLabelValues(conn.ID(), conn.Rail()).Observe(time.Since(started).Seconds())

	if err != nil {
		// Transport-level failure; the bank may or may not have seen the
		// request, so it retries under the same payout reference.
		metrics.ConnectorSubmitsTotal.WithLabelValues(conn.ID(), conn.Rail(), "error").Inc()
		if _, serr := w.service.ScheduleRetry(ctx, p.ID, connector.CodeTransientNetwork, err.Error()); serr != nil {
			w.logger.Error("retry scheduling failed", "payout_id", p.ID, "error", serr)
		}
		return
	}

	switch {
	case res.Success:
		metrics.ConnectorSubmitsTotal.WithLabelValues(conn.ID(), conn.Rail(), "success").Inc()
		if _, err := w.service.MarkSent(ctx, p.ID, res); err != nil {
			w.logger.Error("mark sent failed", "payout_id", p.ID, "error", err)
		}
	case connector.IsPermanent(res.ErrorCode):
		metrics.ConnectorSubmitsTotal.WithLabelValues(conn.ID(), conn.Rail(), "permanent_failure").Inc()
		if _, err := w.service.FailPermanent(ctx, p.ID, res.ErrorCode, res.ErrorMessage); err != nil {
			w.logger.Error("dlq move failed", "payout_id", p.ID, "error", err)
		}
	default:
		metrics.ConnectorSubmitsTotal.WithLabelValues(conn.ID(), conn.Rail(), "transient_failure").Inc()
		if _, err := w.service.ScheduleRetry(ctx, p.ID, res.ErrorCode, res.ErrorMessage); err != nil {
			w.logger.Error("retry scheduling failed", "payout_id", p.ID, "error", err)
		}
	}
}

// monitor runs the SLA violation sweep and the hold TTL sweep.
func (w *Worker) monitor(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in monitor sweep", "panic", fmt.Sprint(r))
		}
	}()

	if flagged, err := w.service.FlagSLAViolations(ctx, time.Now(), w.cfg.SweepLimit); err != nil {
		w.logger.Error("sla sweep failed", "error", err)
	} else if flagged > 0 {
		w.logger.Warn("sla violations flagged", "count", flagged)
	}

	// Only holds for payouts still waiting on dispatch may expire. A
	// payout sitting in sent keeps its hold until the bank answers.
	preSubmit := func(ctx context.Context, payoutID string) (bool, error) {
		p, err := w.service.Get(ctx, payoutID)
		if err != nil {
			return false, err
		}
		return p.Status.IsPreSubmit(), nil
	}
	swept, err := w.holds.SweepExpired(ctx, time.Now(), w.cfg.SweepLimit, preSubmit)
	if err != nil {
		w.logger.Error("hold sweep failed", "error", err)
		return
	}
	for _, h := range swept {
		metrics.HoldsSweptTotal.Inc()
		if err := w.service.ExpireHold(ctx, h.PayoutID); err != nil {
			w.logger.Error("expiring payout for swept hold failed",
				"payout_id", h.PayoutID, "hold_id", h.ID, "error", err)
		}
	}
}
