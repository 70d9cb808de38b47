// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts settlement runs by program and resulting status.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_runs_total",
		Help: "Settlement runs by program and resulting status",
	}, []string{"program", "status"})

	// SettlementDuration tracks the time from processing to commit.
	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_duration_seconds",
		Help:    "Settlement execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"program"})

	// DistributedTotal tracks cumulative amounts paid out per program.
	DistributedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_distributed_total",
		Help: "Cumulative amount distributed, in program units",
	}, []string{"program"})

	// SettlementRecipients records the number of recipients of the last run.
	SettlementRecipients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_last_recipients",
		Help: "Number of recipients in the last completed settlement",
	}, []string{"program"})

	// StaleSettlements counts processing records forced to failed.
	StaleSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_stale_recovered_total",
		Help: "Processing settlements forced to failed after exceeding the stale timeout",
	}, []string{"program"})

	// VestingGrantsUpdated counts grants advanced by vesting ticks.
	VestingGrantsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "options_vesting_grants_updated_total",
		Help: "Option grants whose vested amount advanced",
	})

	// ExercisesTotal counts option exercises by outcome.
	ExercisesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_exercises_total",
		Help: "Option exercise calls by outcome",
	}, []string{"outcome"})

	// DividendsTotal counts dividend distributions.
	DividendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dividend_distributions_total",
		Help: "Committed dividend distributions",
	})

	// SchedulerRuns counts scheduled job executions by job and outcome.
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_runs_total",
		Help: "Scheduled job executions",
	}, []string{"job", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// RateLimited counts requests rejected by the trigger rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_http_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
