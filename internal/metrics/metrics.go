// Package metrics provides Prometheus instrumentation for the AgentShield service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentshield",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentshield",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts validation decisions by final outcome.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentshield",
			Name:      "decisions_total",
			Help:      "Total validation decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// StageResultsTotal counts per-stage outcomes across all pipeline runs.
	StageResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentshield",
			Name:      "stage_results_total",
			Help:      "Pipeline stage results by stage name and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	// StageDuration observes per-stage latency.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentshield",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		},
		[]string{"stage"},
	)

	// ProviderErrorsTotal counts external provider failures by provider name.
	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentshield",
			Name:      "provider_errors_total",
			Help:      "External provider call failures by provider.",
		},
		[]string{"provider"},
	)

	// LedgerReservationsTotal counts spend ledger reservation attempts by result.
	LedgerReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentshield",
			Name:      "ledger_reservations_total",
			Help:      "Spend ledger reservation attempts by result (granted, denied).",
		},
		[]string{"result"},
	)

	// LedgerActiveReservations tracks reservations that are neither committed nor released.
	LedgerActiveReservations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentshield",
			Name:      "ledger_active_reservations",
			Help:      "Number of in-flight (uncommitted) spend reservations.",
		},
	)

	// ActiveWebSocketClients tracks connected realtime subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentshield",
			Name:      "websocket_clients",
			Help:      "Number of connected WebSocket clients.",
		},
	)

	// HoneypotVerdictsTotal counts honeypot detector verdicts.
	HoneypotVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentshield",
			Name:      "honeypot_verdicts_total",
			Help:      "Honeypot detector verdicts.",
		},
		[]string{"verdict"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		StageResultsTotal,
		StageDuration,
		ProviderErrorsTotal,
		LedgerReservationsTotal,
		LedgerActiveReservations,
		ActiveWebSocketClients,
		HoneypotVerdictsTotal,
	)
}

// Middleware returns a gin middleware that records request counts and latency.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
