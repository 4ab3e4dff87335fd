// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersSubmitted counts accepted orders, partitioned by side.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exch_orders_submitted_total",
		Help: "Total number of orders accepted by the matching engine",
	}, []string{"side"})

	// OrdersRejected counts orders rejected before acceptance.
	OrdersRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exch_orders_rejected_total",
		Help: "Total number of orders rejected by validation",
	})

	// ExecutionsTotal counts individual fills recorded against orders.
	ExecutionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exch_executions_total",
		Help: "Total number of execution records written",
	})

	// MatchedVolume tracks cumulative matched share volume per symbol.
	MatchedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exch_matched_volume_total",
		Help: "Cumulative matched volume in shares",
	}, []string{"symbol"})

	// InsolvencyPulls counts resting orders pulled because their owner
	// could no longer settle.
	InsolvencyPulls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exch_insolvency_pulls_total",
		Help: "Resting orders cancelled at match time for insufficient funds or position",
	})

	// RestingOrders tracks the number of orders resting on each book.
	RestingOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "exch_resting_orders",
		Help: "Number of orders currently resting on the book",
	}, []string{"symbol"})

	// SubmitLatency is the end-to-end latency of order submission,
	// including matching and settlement.
	SubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exch_submit_latency_seconds",
		Help:    "Order submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exch_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exch_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exch_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label so order and account
		// IDs do not blow up label cardinality.
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
