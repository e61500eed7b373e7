// Package metrics provides Prometheus instrumentation for the arena engine.
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
	// PortfoliosCreated counts recorded portfolios, partitioned by type.
	PortfoliosCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_portfolios_created_total",
		Help: "Total number of portfolios recorded",
	}, []string{"portfolio_type"})

	// FeesCollected tracks escrowed creation fees in native token units.
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_fees_collected_total",
		Help: "Creation fees pulled into escrow, in native token units",
	}, []string{"token"})

	// PrizesPaid tracks prize payouts in native token units.
	PrizesPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_prizes_paid_total",
		Help: "Prize amounts paid to winners, in native token units",
	}, []string{"token"})

	// RoundTransitions counts lifecycle transitions by target status.
	RoundTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_round_transitions_total",
		Help: "Round lifecycle transitions",
	}, []string{"status"})

	// CurrentRound is the id of the most recently started round.
	CurrentRound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_current_round",
		Help: "Id of the most recently started round",
	})

	// RoundActive is 1 while a round is running.
	RoundActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_round_active",
		Help: "1 while a round is active, 0 otherwise",
	})

	// Rejections counts failed engine calls by operation and error.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_rejections_total",
		Help: "Engine calls rejected, by operation and reason",
	}, []string{"operation", "reason"})

	// OperationLatency tracks engine call latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps label cardinality bounded.
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes connection takeover through for websocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
