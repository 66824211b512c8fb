// Package metrics provides Prometheus instrumentation for the Callshield backend.
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
			Namespace: "callshield",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "callshield",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks call sessions currently held by the registry.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "callshield",
			Name:      "active_sessions",
			Help:      "Number of call sessions currently in the registry.",
		},
	)

	// ActiveBridges tracks streaming relays currently connected.
	ActiveBridges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "callshield",
			Name:      "active_bridges",
			Help:      "Number of client-to-upstream streaming relays currently open.",
		},
	)

	// ActiveWebSocketClients tracks connected ops-feed WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "callshield",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected ops-feed WebSocket clients.",
		},
	)

	// SessionsCreatedTotal counts sessions created.
	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "callshield",
			Name:      "sessions_created_total",
			Help:      "Total call sessions created.",
		},
	)

	// SessionsClosedTotal counts session finalizations by cause.
	SessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callshield",
			Name:      "sessions_closed_total",
			Help:      "Total call sessions closed by cause (client, bridge, sweep, admin).",
		},
		[]string{"cause"},
	)

	// SweepEvictionsTotal counts sessions evicted by the age sweep.
	SweepEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "callshield",
			Name:      "sweep_evictions_total",
			Help:      "Total idle sessions evicted by the periodic sweep.",
		},
	)

	// FramesRelayedTotal counts relayed frames by direction.
	FramesRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callshield",
			Name:      "frames_relayed_total",
			Help:      "Total frames relayed by direction (client_to_upstream, upstream_to_client).",
		},
		[]string{"direction"},
	)

	// WarningsEmittedTotal counts derived warnings sent to clients by level.
	WarningsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callshield",
			Name:      "warnings_emitted_total",
			Help:      "Total warnings emitted to clients by level.",
		},
		[]string{"level"},
	)

	// ProviderQueryDuration observes per-provider evaluate latency.
	ProviderQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "callshield",
			Name:      "provider_query_duration_seconds",
			Help:      "Provider evaluate duration in seconds.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"provider"},
	)

	// ProviderExclusionsTotal counts providers excluded from aggregation by cause.
	ProviderExclusionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callshield",
			Name:      "provider_exclusions_total",
			Help:      "Total provider exclusions from aggregation by provider and cause.",
		},
		[]string{"provider", "cause"},
	)

	// AggregateVerdictsTotal counts aggregate verdicts by risk level.
	AggregateVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callshield",
			Name:      "aggregate_verdicts_total",
			Help:      "Total aggregate verdicts produced by risk level.",
		},
		[]string{"risk_level"},
	)

	// HistoryWritesTotal counts history sink writes by result.
	HistoryWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callshield",
			Name:      "history_writes_total",
			Help:      "Total history sink writes by result (ok, error, dropped).",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "callshield", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "callshield", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "callshield", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "callshield", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "callshield", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "callshield", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		ActiveBridges,
		ActiveWebSocketClients,
		SessionsCreatedTotal,
		SessionsClosedTotal,
		SweepEvictionsTotal,
		FramesRelayedTotal,
		WarningsEmittedTotal,
		ProviderQueryDuration,
		ProviderExclusionsTotal,
		AggregateVerdictsTotal,
		HistoryWritesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
