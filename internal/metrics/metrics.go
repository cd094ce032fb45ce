// Package metrics provides Prometheus instrumentation for the simulation
// engine.
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
	// TicksTotal counts price updates, partitioned by symbol.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eqsim_ticks_total",
		Help: "Total number of simulated price updates",
	}, []string{"symbol"})

	// CircuitBreakerTrips counts updates clamped by the circuit breaker.
	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eqsim_circuit_breaker_trips_total",
		Help: "Price updates clamped to the maximum change",
	}, []string{"symbol"})

	// EventsGenerated counts market events by type and origin.
	EventsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eqsim_events_generated_total",
		Help: "Market events generated",
	}, []string{"type", "origin"})

	// DramaScore tracks the last computed drama score.
	DramaScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eqsim_drama_score",
		Help: "Current drama score in [0,100]",
	})

	// ActiveEvents tracks the number of live events.
	ActiveEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eqsim_active_events",
		Help: "Number of currently active market events",
	})

	// OrdersTotal counts submitted orders by side, kind and outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eqsim_orders_total",
		Help: "Orders submitted",
	}, []string{"side", "kind", "outcome"})

	// OrderLatency tracks order execution latency.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eqsim_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// OpenOrders tracks resting limit orders seen by the last sweep.
	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eqsim_open_orders",
		Help: "Resting limit orders",
	})

	// AuditFailures counts best-effort writes that failed or were dropped.
	AuditFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eqsim_audit_failures_total",
		Help: "Audit writes that failed or were dropped",
	}, []string{"kind", "reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eqsim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eqsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eqsim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

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

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
