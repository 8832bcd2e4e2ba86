package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agenthub/agenthub/internal/reliability"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthub_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agenthub_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	delegationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthub_delegations_total",
		Help: "Delegations submitted, by terminal status.",
	}, []string{"status"})

	budgetHardStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_budget_hard_stops_total",
		Help: "Settlements blocked at the hard-stop threshold.",
	})

	idempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_idempotent_replays_total",
		Help: "Responses served from the idempotency cache.",
	})

	revocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthub_revocations_total",
		Help: "Revocations by revoked type.",
	}, []string{"type"})

	breakerStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agenthub_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half_open, 2 open.",
	})
)

// Metrics records per-request counters and latency.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func setBreakerGauge(state reliability.BreakerState) {
	switch state {
	case reliability.BreakerOpen:
		breakerStateGauge.Set(2)
	case reliability.BreakerHalfOpen:
		breakerStateGauge.Set(1)
	default:
		breakerStateGauge.Set(0)
	}
}
