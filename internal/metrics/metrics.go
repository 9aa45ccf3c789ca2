// Package metrics provides Prometheus instrumentation for fraudwatch.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraudwatch"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveStreams tracks streams currently pushing to a consumer.
	ActiveStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of streams currently running, by mode.",
		},
		[]string{"mode"},
	)

	// StreamsFinishedTotal counts streams by mode and terminal state.
	StreamsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_finished_total",
			Help:      "Streams that reached a terminal state, by mode and state.",
		},
		[]string{"mode", "state"}, // state: completed, cancelled, failed
	)

	// RowsTotal counts source rows by extraction outcome.
	RowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Source rows consumed, by outcome (ok, defaulted, skipped).",
		},
		[]string{"outcome"},
	)

	// EventsScoredTotal counts events run through the scoring pipeline.
	EventsScoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_scored_total",
		Help:      "Total events scored by the pipeline.",
	})

	// FraudPredictedTotal counts events classified as fraud.
	FraudPredictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fraud_predicted_total",
		Help:      "Total events classified as fraud.",
	})

	// SnapshotsEmittedTotal counts aggregate payloads pushed to consumers.
	SnapshotsEmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_emitted_total",
		Help:      "Total aggregate snapshots pushed to consumers.",
	})

	// EventsEmittedTotal counts per-event records pushed to consumers.
	EventsEmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_emitted_total",
		Help:      "Total per-event records pushed to consumers.",
	})

	// ScoringDuration observes time spent scoring a single vector.
	ScoringDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scoring_duration_seconds",
		Help:      "Time to scale and classify one feature vector.",
		Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3},
	})

	// ReportExportDuration observes full-dataset report runs.
	ReportExportDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "report_export_duration_seconds",
		Help:      "Time to score the full dataset and build a report.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected with 429 by the per-client rate limiter.",
	})

	// StoreBreakerState is 0 closed, 1 half-open, 2 open.
	StoreBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "report_store_breaker_state",
		Help:      "Report store circuit breaker state (0 closed, 1 half-open, 2 open).",
	})

	dbConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections",
		Help:      "Report database pool connections, by state (open, in_use, idle).",
	}, []string{"state"})

	goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveStreams,
		StreamsFinishedTotal,
		RowsTotal,
		EventsScoredTotal,
		FraudPredictedTotal,
		SnapshotsEmittedTotal,
		EventsEmittedTotal,
		ScoringDuration,
		ReportExportDuration,
		RateLimitedTotal,
		StoreBreakerState,
		dbConnections,
		goroutines,
	)
}

// StartRuntimeCollector samples goroutines and, when db is non-nil, the
// pool stats every interval until ctx is done.
func StartRuntimeCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sampleRuntime(db)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sampleRuntime(db *sql.DB) {
	goroutines.Set(float64(runtime.NumGoroutine()))
	if db == nil {
		return
	}
	st := db.Stats()
	dbConnections.WithLabelValues("open").Set(float64(st.OpenConnections))
	dbConnections.WithLabelValues("in_use").Set(float64(st.InUse))
	dbConnections.WithLabelValues("idle").Set(float64(st.Idle))
}

// Middleware records request count and latency per route pattern.
// Requests that match no route share the "unmatched" label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
