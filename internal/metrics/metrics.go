// Package metrics provides Prometheus instrumentation for the Marquee platform.
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
			Namespace: "marquee",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marquee",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgerEntriesTotal counts ledger entries appended by direction.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marquee",
			Name:      "ledger_entries_total",
			Help:      "Total ledger entries appended by direction (credit or charge).",
		},
		[]string{"direction"},
	)

	// TopUpsTotal counts top-up intents by final status.
	TopUpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marquee",
			Name:      "topups_total",
			Help:      "Total top-up intents by final status.",
		},
		[]string{"status"},
	)

	// WebhookEventsTotal counts inbound payment webhook events by result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marquee",
			Name:      "webhook_events_total",
			Help:      "Total inbound payment webhook events by result.",
		},
		[]string{"result"},
	)

	// PassSyncDeliveriesTotal counts wallet-pass sync deliveries by result.
	PassSyncDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marquee",
			Name:      "pass_sync_deliveries_total",
			Help:      "Total wallet-pass balance sync deliveries by result.",
		},
		[]string{"result"},
	)

	// ReservationsTotal counts screening reservations by status.
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marquee",
			Name:      "reservations_total",
			Help:      "Total screening reservations by status.",
		},
		[]string{"status"},
	)

	// StuckSettlementsTotal counts settlements where the member was charged
	// by the payment provider but token credit could not complete.
	StuckSettlementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marquee",
			Name:      "stuck_settlements_total",
			Help:      "Total settlements stuck in the paid state awaiting operator action.",
		},
	)

	// PendingTopUps tracks top-up intents currently awaiting payment.
	PendingTopUps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marquee",
			Name:      "pending_topups",
			Help:      "Number of top-up intents currently awaiting payment.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marquee",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marquee", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marquee", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marquee", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marquee", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marquee", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marquee", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// SettlementDuration observes time from intent creation to completed
	// settlement. Most sessions settle within minutes; the long tail is
	// members who wander off mid-checkout and come back.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marquee",
		Name:      "settlement_duration_seconds",
		Help:      "Time from top-up intent creation to completed settlement in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 900, 1800},
	})

	// SweeperExpirationsTotal counts intents expired by the background sweeper.
	SweeperExpirationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marquee",
		Name:      "sweeper_expirations_total",
		Help:      "Total top-up intents expired by the background sweeper.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerEntriesTotal,
		TopUpsTotal,
		WebhookEventsTotal,
		PassSyncDeliveriesTotal,
		ReservationsTotal,
		StuckSettlementsTotal,
		PendingTopUps,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		SettlementDuration,
		SweeperExpirationsTotal,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
