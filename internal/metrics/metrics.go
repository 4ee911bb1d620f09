// Package metrics provides Prometheus instrumentation for the payout engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "molam",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "molam",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PayoutsCreatedTotal counts payouts accepted at intake.
	PayoutsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "molam",
		Name:      "payouts_created_total",
		Help:      "Total payouts created.",
	})

	// PayoutTransitionsTotal counts status transitions by new status.
	PayoutTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "molam",
			Name:      "payout_transitions_total",
			Help:      "Total payout status transitions by target status.",
		},
		[]string{"status"},
	)

	// ConnectorSubmitsTotal counts connector submissions by connector and result.
	ConnectorSubmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "molam",
			Name:      "connector_submits_total",
			Help:      "Total connector submit calls by connector, rail, and result.",
		},
		[]string{"connector", "rail", "result"},
	)

	// ConnectorSubmitDuration observes connector submit latency.
	ConnectorSubmitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "molam",
			Name:      "connector_submit_duration_seconds",
			Help:      "Connector submit duration in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"connector", "rail"},
	)

	// LeasedPayouts observes how many rows each lease query claimed.
	LeasedPayouts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "molam",
		Name:      "worker_leased_payouts",
		Help:      "Payout rows claimed per lease query.",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
	})

	// InFlightDispatches tracks payouts currently being dispatched.
	InFlightDispatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "molam",
		Name:      "worker_in_flight_dispatches",
		Help:      "Payouts currently being processed by the dispatch worker.",
	})

	// RetriesScheduledTotal counts scheduled retries.
	RetriesScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "molam",
		Name:      "retries_scheduled_total",
		Help:      "Total retries scheduled after transient failures.",
	})

	// DLQTotal counts payouts moved to the dead-letter state.
	DLQTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "molam",
		Name:      "payouts_dlq_total",
		Help:      "Total payouts moved to the dead-letter state.",
	})

	// SLAViolationsTotal counts detected SLA violations.
	SLAViolationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "molam",
		Name:      "sla_violations_total",
		Help:      "Total SLA violations detected by the monitor.",
	})

	// HoldsSweptTotal counts holds expired by the TTL sweep.
	HoldsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "molam",
		Name:      "holds_swept_total",
		Help:      "Total active holds expired by the TTL sweep.",
	})

	// AlertsTotal counts alerts raised by type.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "molam",
			Name:      "alerts_total",
			Help:      "Total alerts raised by type and severity.",
		},
		[]string{"type", "severity"},
	)

	// BatchesProcessedTotal counts batch executions by outcome.
	BatchesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "molam",
			Name:      "batches_processed_total",
			Help:      "Total batch executions by outcome.",
		},
		[]string{"outcome"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "molam", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "molam", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "molam", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "molam", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PayoutsCreatedTotal,
		PayoutTransitionsTotal,
		ConnectorSubmitsTotal,
		ConnectorSubmitDuration,
		LeasedPayouts,
		InFlightDispatches,
		RetriesScheduledTotal,
		DLQTotal,
		SLAViolationsTotal,
		HoldsSweptTotal,
		AlertsTotal,
		BatchesProcessedTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
