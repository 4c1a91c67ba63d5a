// Package metrics provides Prometheus instrumentation for the credit hub.
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
	// TicksTotal counts orchestrator ticks by outcome.
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credithub",
			Name:      "ticks_total",
			Help:      "Total orchestrator ticks by outcome.",
		},
		[]string{"outcome"},
	)

	// TickDuration observes tick wall-clock duration.
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "credithub",
			Name:      "tick_duration_seconds",
			Help:      "Orchestrator tick duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// PaymentsTotal counts payment attempts by outcome.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credithub",
			Name:      "payments_total",
			Help:      "Total payments by outcome.",
		},
		[]string{"outcome"},
	)

	// PaymentDuration observes payment (prepare+commit) latency.
	PaymentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "credithub",
			Name:      "payment_duration_seconds",
			Help:      "Payment prepare-to-commit duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ClearingCyclesTotal counts debt-cycle clearing attempts by outcome.
	ClearingCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credithub",
			Name:      "clearing_cycles_total",
			Help:      "Total debt cycles considered by outcome.",
		},
		[]string{"outcome"},
	)

	// ClearingClearedAmountAtoms sums cleared debt per equivalent.
	ClearingClearedAmountAtoms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credithub",
			Name:      "clearing_cleared_amount_atoms_total",
			Help:      "Total debt atoms cleared by equivalent.",
		},
		[]string{"equivalent"},
	)

	// TrustLineLimitGrowthTotal counts trust-drift growth events per equivalent.
	TrustLineLimitGrowthTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credithub",
			Name:      "trustline_limit_growth_total",
			Help:      "Total TrustLine limit growth adjustments by equivalent.",
		},
		[]string{"equivalent"},
	)

	// TrustLineLimitDecayTotal counts trust-drift decay events per equivalent.
	TrustLineLimitDecayTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credithub",
			Name:      "trustline_limit_decay_total",
			Help:      "Total TrustLine limit decay adjustments by equivalent.",
		},
		[]string{"equivalent"},
	)

	// InjectEventsAppliedTotal counts scenario events applied by op.
	InjectEventsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credithub",
			Name:      "inject_events_applied_total",
			Help:      "Total scenario injection events applied by operation.",
		},
		[]string{"op"},
	)

	// EventBusSubscribers tracks currently connected event-bus subscribers.
	EventBusSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "credithub",
			Name:      "eventbus_subscribers",
			Help:      "Number of currently connected event-bus subscribers.",
		},
	)

	// EventBusEventsTotal counts events published by kind.
	EventBusEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credithub",
			Name:      "eventbus_events_total",
			Help:      "Total events published by kind.",
		},
		[]string{"kind"},
	)

	// EventBusLostSubscribersTotal counts subscribers evicted for back-pressure.
	EventBusLostSubscribersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credithub",
			Name:      "eventbus_lost_subscribers_total",
			Help:      "Total subscribers evicted due to a full queue.",
		},
	)

	// RouterCacheHitsTotal / RouterCacheMissesTotal track adjacency cache hit rate.
	RouterCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credithub",
			Name:      "router_cache_hits_total",
			Help:      "Total router adjacency cache hits.",
		},
	)
	RouterCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credithub",
			Name:      "router_cache_misses_total",
			Help:      "Total router adjacency cache misses.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "credithub", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "credithub", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "credithub", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "credithub", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "credithub", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "credithub", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TickDuration,
		PaymentsTotal,
		PaymentDuration,
		ClearingCyclesTotal,
		ClearingClearedAmountAtoms,
		TrustLineLimitGrowthTotal,
		TrustLineLimitDecayTotal,
		InjectEventsAppliedTotal,
		EventBusSubscribers,
		EventBusEventsTotal,
		EventBusLostSubscribersTotal,
		RouterCacheHitsTotal,
		RouterCacheMissesTotal,
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

// Middleware returns a pass-through gin middleware for the debug HTTP
// surface (metrics, health); it records no per-request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
