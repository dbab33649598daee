// Package metrics provides Prometheus instrumentation for the bridge.
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
			Namespace: "crossbridge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crossbridge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CommitmentsTotal counts commitments entering each terminal state.
	CommitmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossbridge",
			Name:      "commitments_total",
			Help:      "Total commitments by terminal state.",
		},
		[]string{"state"},
	)

	// SettlementDuration observes time from commitment creation to a
	// terminal state.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crossbridge",
		Name:      "settlement_duration_seconds",
		Help:      "Time from commitment creation to terminal state in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// LockVerificationsTotal counts confirmation checks by outcome.
	LockVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossbridge",
			Name:      "lock_verifications_total",
			Help:      "Total lock verification polls by chain and outcome.",
		},
		[]string{"chain", "outcome"},
	)

	// MismatchFindingsTotal counts detector findings by kind and severity.
	MismatchFindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossbridge",
			Name:      "mismatch_findings_total",
			Help:      "Total mismatch findings by kind and severity.",
		},
		[]string{"kind", "severity"},
	)

	// RelaysTotal counts successful relay broadcasts by target chain.
	RelaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossbridge",
			Name:      "relays_total",
			Help:      "Total release transactions relayed by target chain.",
		},
		[]string{"chain"},
	)

	// ReplaysBlockedTotal counts rejected nonce submissions by reason.
	ReplaysBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossbridge",
			Name:      "replays_blocked_total",
			Help:      "Total replay attempts blocked by rejection reason.",
		},
		[]string{"reason"},
	)

	// ReserveMutationsTotal counts reserve ledger mutations by operation and result.
	ReserveMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossbridge",
			Name:      "reserve_mutations_total",
			Help:      "Total reserve mutations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// ReserveAlertsActive tracks currently firing liquidity alerts by level.
	ReserveAlertsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crossbridge",
			Name:      "reserve_alerts_active",
			Help:      "Currently firing reserve liquidity alerts by level.",
		},
		[]string{"level"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crossbridge",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossbridge", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossbridge", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossbridge", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossbridge", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CommitmentsTotal,
		SettlementDuration,
		LockVerificationsTotal,
		MismatchFindingsTotal,
		RelaysTotal,
		ReplaysBlockedTotal,
		ReserveMutationsTotal,
		ReserveAlertsActive,
		ActiveWebSocketClients,
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
