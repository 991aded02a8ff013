// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirobridge_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kirobridge_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kirobridge_active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	tokenUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirobridge_token_usage_total",
			Help: "Total tokens used in upstream requests",
		},
		[]string{"model", "type"}, // type: input or output
	)

	upstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirobridge_upstream_retries_total",
			Help: "Total upstream request retries by trigger",
		},
		[]string{"reason"},
	)

	tokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirobridge_token_refreshes_total",
			Help: "Total credential refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	registered atomic.Bool
)

// Register installs the gateway collectors. Safe to call more than once.
func Register() {
	if !registered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		activeConnections,
		tokenUsage,
		upstreamRetriesTotal,
		tokenRefreshesTotal,
	)
}

// Handler serves the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records request counts, latency, and the in-flight gauge.
// The gauge decrement is deferred so aborted and panicking requests still
// release their slot.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		activeConnections.Inc()
		defer activeConnections.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordTokens accounts one request's token usage against a model.
func RecordTokens(model string, input, output int64) {
	if input > 0 {
		tokenUsage.WithLabelValues(model, "input").Add(float64(input))
	}
	if output > 0 {
		tokenUsage.WithLabelValues(model, "output").Add(float64(output))
	}
}

// RecordRetry accounts one upstream retry by its trigger.
func RecordRetry(reason string) {
	upstreamRetriesTotal.WithLabelValues(reason).Inc()
}

// RecordTokenRefresh accounts one credential refresh attempt.
func RecordTokenRefresh(outcome string) {
	tokenRefreshesTotal.WithLabelValues(outcome).Inc()
}
