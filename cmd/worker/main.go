// Command worker runs the payout dispatch worker as a standalone
// process. The lease queries use FOR UPDATE SKIP LOCKED, so any number
// of worker processes can share one database.
//
// Usage:
//
//	go run ./cmd/worker start       # Run the polling loops until signalled
//	go run ./cmd/worker run-once    # Process one lease cycle and exit
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/Molam-git/molam-connect-sub001/internal/config"
	"github.com/Molam-git/molam-connect-sub001/internal/connector"
	"github.com/Molam-git/molam-connect-sub001/internal/hold"
	"github.com/Molam-git/molam-connect-sub001/internal/idempotency"
	"github.com/Molam-git/molam-connect-sub001/internal/ledger"
	"github.com/Molam-git/molam-connect-sub001/internal/logging"
	"github.com/Molam-git/molam-connect-sub001/internal/payout"
	"github.com/Molam-git/molam-connect-sub001/internal/routing"
	"github.com/Molam-git/molam-connect-sub001/internal/sla"
	"github.com/Molam-git/molam-connect-sub001/internal/worker"
)

func main() {
	command := "start"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	logger := logging.New(os.Getenv("LOG_LEVEL"), "json")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required: a standalone worker shares durable state with the API")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	// Ledger, holds, SLA rules
	lc := ledger.New(ledger.NewPostgresStore(db))
	holds := hold.NewManager(hold.NewPostgresStore(db), lc, cfg.HoldTTL)
	slaStore := sla.NewPostgresStore(db)
	resolver := sla.NewResolver(slaStore, nil)

	// The worker never serves intake, so the idempotency cache and
	// routing advisor stay local no-ops.
	service := payout.NewService(
		payout.NewPostgresStore(db),
		holds,
		lc,
		resolver,
		routing.Noop{},
		idempotency.NewMemoryCache(cfg.IdempotencyTTL),
		payout.NewPostgresAuditStore(db),
		payout.NewPostgresAlertStore(db),
		payout.NewPostgresRetryLogStore(db),
		payout.ServiceConfig{
			MaxRetries:         cfg.MaxRetries,
			RetryBaseDelay:     cfg.RetryBaseDelay,
			RetryMaxDelay:      cfg.RetryMaxDelay,
			HighValueThreshold: cfg.HighValueThreshold,
		},
		logger,
	)

	registry := connector.NewRegistry()
	connector.SandboxFleet(registry)

	w := worker.New(service, registry, holds, worker.Config{
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    cfg.WorkerBatchSize,
		Concurrency:  cfg.WorkerConcurrency,
	}, logger)

	switch command {
	case "run-once":
		if err := w.RunOnce(context.Background()); err != nil {
			logger.Error("run-once failed", "error", err)
			os.Exit(1)
		}
		logger.Info("run-once completed")
	case "start":
		ctx, cancel := context.WithCancel(context.Background())

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			sig := <-sigChan
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
		}()

		logger.Info("starting dispatch worker",
			"poll_interval", cfg.WorkerPollInterval,
			"batch_size", cfg.WorkerBatchSize,
			"concurrency", cfg.WorkerConcurrency,
		)
		w.Start(ctx)
		logger.Info("worker stopped")
	default:
		fmt.Println("Usage: worker <start|run-once>")
		os.Exit(1)
	}
}
