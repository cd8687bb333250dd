// Package metrics provides Prometheus instrumentation for the service.
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
			Namespace: "oddsight",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "oddsight",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// QuotaDecisionsTotal counts quota decisions by outcome and plan tier.
	QuotaDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oddsight",
			Name:      "quota_decisions_total",
			Help:      "Quota check outcomes by decision and plan tier.",
		},
		[]string{"decision", "plan"},
	)

	// CycleResetsTotal counts applied usage-cycle resets.
	CycleResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oddsight",
			Name:      "cycle_resets_total",
			Help:      "Total usage cycle resets applied.",
		},
	)

	// PlanCacheHitsTotal counts plan cache hits.
	PlanCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oddsight",
			Name:      "plan_cache_hits_total",
			Help:      "Plan cache lookups served from a fresh snapshot.",
		},
	)

	// PlanCacheMissesTotal counts plan cache misses (absent or stale).
	PlanCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oddsight",
			Name:      "plan_cache_misses_total",
			Help:      "Plan cache lookups that read through to the store.",
		},
	)

	// BillingEventsTotal counts processed billing webhook events by type and result.
	BillingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oddsight",
			Name:      "billing_events_total",
			Help:      "Billing webhook events by type and processing result.",
		},
		[]string{"type", "result"},
	)

	// AdminOverridesTotal counts admin grant/revoke operations.
	AdminOverridesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oddsight",
			Name:      "admin_overrides_total",
			Help:      "Admin entitlement overrides by operation.",
		},
		[]string{"operation"},
	)

	// StoreDegraded is 1 while the entitlement store runs on the in-memory fallback.
	StoreDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "oddsight",
			Name:      "store_degraded",
			Help:      "1 when the entitlement store has fallen back to process-local memory.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "oddsight", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "oddsight", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "oddsight", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "oddsight", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QuotaDecisionsTotal,
		CycleResetsTotal,
		PlanCacheHitsTotal,
		PlanCacheMissesTotal,
		BillingEventsTotal,
		AdminOverridesTotal,
		StoreDegraded,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latencies per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// StartCollector periodically samples DB pool and runtime stats until ctx is done.
func StartCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBIdleConnections.Set(float64(stats.Idle))
				DBInUseConnections.Set(float64(stats.InUse))
			}
		}
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
