// Package server wires the payout engine's HTTP surface: intake and
// query routes, operator and admin routes, health and metrics, and the
// optional in-process dispatch worker and batch scheduler.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/Molam-git/molam-connect-sub001/internal/auth"
	"github.com/Molam-git/molam-connect-sub001/internal/batch"
	"github.com/Molam-git/molam-connect-sub001/internal/config"
	"github.com/Molam-git/molam-connect-sub001/internal/connector"
	"github.com/Molam-git/molam-connect-sub001/internal/hold"
	"github.com/Molam-git/molam-connect-sub001/internal/idempotency"
	"github.com/Molam-git/molam-connect-sub001/internal/ledger"
	"github.com/Molam-git/molam-connect-sub001/internal/logging"
	"github.com/Molam-git/molam-connect-sub001/internal/metrics"
	"github.com/Molam-git/molam-connect-sub001/internal/payout"
	"github.com/Molam-git/molam-connect-sub001/internal/ratelimit"
	"github.com/Molam-git/molam-connect-sub001/internal/routing"
	"github.com/Molam-git/molam-connect-sub001/internal/security"
	"github.com/Molam-git/molam-connect-sub001/internal/sla"
	"github.com/Molam-git/molam-connect-sub001/internal/traces"
	"github.com/Molam-git/molam-connect-sub001/internal/validation"
	"github.com/Molam-git/molam-connect-sub001/internal/worker"
)

// Server is the payout engine API server
type Server struct {
	cfg           *config.Config
	ledger        *ledger.Ledger
	holds         *hold.Manager
	slaStore      sla.Store
	slaResolver   *sla.Resolver
	registry      *connector.Registry
	advisor       routing.Advisor
	authMgr       *auth.Manager
	payoutService *payout.Service
	batchService  *batch.Service
	batchTimer    *batch.Timer
	worker        *worker.Worker
	rateLimiter   *ratelimit.Limiter
	redis         *redis.Client
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	tracesStop    func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAdvisor sets a custom routing advisor (for testing)
func WithAdvisor(a routing.Advisor) Option {
	return func(s *Server) {
		s.advisor = a
	}
}

// connectorSpec is one entry of the CONNECTORS configuration.
type connectorSpec struct {
	ID      string `json:"id"`
	Rail    string `json:"rail"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set advisor/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Tracing (no-op without an OTLP endpoint)
	tracesStop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracesStop = tracesStop

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		payoutStore payout.Store
		auditStore  payout.AuditStore
		alertStore  payout.AlertStore
		retryStore  payout.RetryLogStore
		ledgerStore ledger.Store
		holdStore   hold.Store
		batchStore  batch.Store
		authStore   auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		payoutStore = payout.NewPostgresStore(db)
		auditStore = payout.NewPostgresAuditStore(db)
		alertStore = payout.NewPostgresAlertStore(db)
		retryStore = payout.NewPostgresRetryLogStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		holdStore = hold.NewPostgresStore(db)
		s.slaStore = sla.NewPostgresStore(db)
		batchStore = batch.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		payoutStore = payout.NewMemoryStore()
		auditStore = payout.NewMemoryAuditStore()
		alertStore = payout.NewMemoryAlertStore()
		retryStore = payout.NewMemoryRetryLogStore()
		ledgerStore = ledger.NewMemoryStore()
		holdStore = hold.NewMemoryStore()
		s.slaStore = sla.NewMemoryStore()
		batchStore = batch.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Ledger and holds
	s.ledger = ledger.New(ledgerStore)
	s.holds = hold.NewManager(holdStore, s.ledger, cfg.HoldTTL)

	// SLA rules (weekend-only calendar until a holiday source is wired)
	s.slaResolver = sla.NewResolver(s.slaStore, nil)

	// Bank connectors
	s.registry = connector.NewRegistry()
	if cfg.ConnectorsJSON != "" {
		var specs []connectorSpec
		if err := json.Unmarshal([]byte(cfg.ConnectorsJSON), &specs); err != nil {
			return nil, fmt.Errorf("failed to parse CONNECTORS: %w", err)
		}
		for _, spec := range specs {
			if err := security.ValidateEndpointURL(spec.BaseURL); err != nil {
				return nil, fmt.Errorf("connector %s/%s: %w", spec.ID, spec.Rail, err)
			}
			s.registry.Register(connector.NewREST(spec.ID, spec.Rail, spec.BaseURL, spec.APIKey))
			s.logger.Info("connector registered", "connector_id", spec.ID, "rail", spec.Rail)
		}
	} else {
		connector.SandboxFleet(s.registry)
		s.logger.Info("sandbox connectors registered")
	}

	// Idempotency cache (shared Redis when available)
	var idemCache idempotency.Cache
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		idemCache = idempotency.NewRedisCache(s.redis, cfg.IdempotencyTTL)
		s.logger.Info("idempotency cache: redis")
	} else {
		idemCache = idempotency.NewMemoryCache(cfg.IdempotencyTTL)
		s.logger.Info("idempotency cache: in-process")
	}

	// Routing advisor
	if s.advisor == nil {
		if cfg.SiraURL != "" {
			s.advisor = routing.NewClient(cfg.SiraURL, cfg.SiraTimeout)
			s.logger.Info("routing advisor enabled", "url", cfg.SiraURL)
		} else {
			s.advisor = routing.Noop{}
		}
	}

	// Payout service
	s.payoutService = payout.NewService(
		payoutStore,
		s.holds,
		s.ledger,
		s.slaResolver,
		s.advisor,
		idemCache,
		auditStore,
		alertStore,
		retryStore,
		payout.ServiceConfig{
			MaxRetries:         cfg.MaxRetries,
			RetryBaseDelay:     cfg.RetryBaseDelay,
			RetryMaxDelay:      cfg.RetryMaxDelay,
			HighValueThreshold: cfg.HighValueThreshold,
			StrictIdempotency:  cfg.StrictIdempotency,
		},
		s.logger,
	)

	// Batches
	s.batchService = batch.NewService(batchStore, s.payoutService, s.logger)
	s.batchTimer = batch.NewTimer(s.batchService, s.logger)

	// Dispatch worker (optional in-process; separate deployments run cmd/worker)
	if cfg.EnableWorker {
		s.worker = worker.New(s.payoutService, s.registry, s.holds, worker.Config{
			PollInterval: cfg.WorkerPollInterval,
			BatchSize:    cfg.WorkerBatchSize,
			Concurrency:  cfg.WorkerConcurrency,
		}, s.logger)
		s.logger.Info("dispatch worker enabled",
			"poll_interval", cfg.WorkerPollInterval,
			"batch_size", cfg.WorkerBatchSize,
			"concurrency", cfg.WorkerConcurrency,
		)
	}

	// API keys
	s.authMgr = auth.NewManager(authStore)
	s.logger.Info("API authentication enabled")

	// Development convenience: issue a throwaway admin key so the API is
	// usable without a seeded key table.
	if cfg.IsDevelopment() && cfg.DatabaseURL == "" {
		rawKey, _, err := s.authMgr.GenerateKey(ctx, "dev", auth.RoleAdmin, "dev admin key")
		if err == nil {
			s.logger.Info("development admin key issued", "api_key", rawKey)
		}
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	payoutHandler := payout.NewHandler(s.payoutService)
	batchHandler := batch.NewHandler(s.batchService)
	ledgerHandler := ledger.NewHandler(s.ledger)
	slaHandler := sla.NewHandler(s.slaStore, s.slaResolver)
	authHandler := auth.NewHandler(s.authMgr)

	// V1 API group: soft auth on the group, hard checks per sub-group
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	// STANDARD ROUTES (require an API key)
	// Intake, queries, batches, ledger reads, settlement webhooks
	authed := v1.Group("")
	authed.Use(auth.RequireAuth(s.authMgr))
	{
		payoutHandler.RegisterRoutes(authed)
		batchHandler.RegisterRoutes(authed)
		ledgerHandler.RegisterRoutes(authed)
		authed.GET("/connectors/health", s.connectorHealthHandler)
		authed.GET("/auth/whoami", authHandler.WhoAmI)
	}

	// OPERATOR ROUTES (require the ops role)
	// Cancel/retry, alerts, SLA rule management
	ops := v1.Group("/ops")
	ops.Use(auth.RequireRole(auth.RoleOps))
	{
		payoutHandler.RegisterOpsRoutes(ops)
		slaHandler.RegisterRoutes(ops)
	}

	// ADMIN ROUTES (require the admin role)
	// Key management and account funding
	admin := v1.Group("/admin")
	admin.Use(auth.RequireRole(auth.RoleAdmin))
	{
		authHandler.RegisterRoutes(admin)
		ledgerHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "memory"
	}

	if s.worker != nil {
		if s.worker.Running() {
			checks["worker"] = "running"
		} else {
			checks["worker"] = "stopped"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if checks["database"] == "unhealthy" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Molam Connect Payouts",
		"description": "Outbound payment engine for marketplaces and platforms",
		"version":     "0.1.0",
	})
}

func (s *Server) connectorHealthHandler(c *gin.Context) {
	reports := s.registry.HealthAll(c.Request.Context())

	healthy := 0
	for _, r := range reports {
		if r.Healthy {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"connectors": reports,
		"healthy":    healthy,
		"total":      len(reports),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start dispatch worker
	if s.worker != nil {
		go s.worker.Start(runCtx)
	}

	// Start batch scheduler
	if s.batchTimer != nil {
		go s.batchTimer.Start(runCtx)
	}

	// Sample DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (worker, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the dispatch worker (waits for in-flight dispatches to drain)
	if s.worker != nil {
		s.worker.Stop()
		s.logger.Info("dispatch worker stopped")
	}

	// Stop batch scheduler
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.logger.Info("batch scheduler stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close redis connection
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
