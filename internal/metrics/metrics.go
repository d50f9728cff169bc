// Package metrics provides Prometheus instrumentation for the copy-trading engine.
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
	// BroadcastsTotal counts finalized broadcasts by purpose and outcome.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_broadcasts_total",
		Help: "Total number of finalized broadcasts",
	}, []string{"purpose", "status"})

	// BroadcastDuration tracks wall time from record creation to finalization.
	BroadcastDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copytrade_broadcast_duration_seconds",
		Help:    "Broadcast fan-out duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	}, []string{"purpose"})

	// BroadcastWriteFailures counts broadcast header writes that failed, by step.
	BroadcastWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_broadcast_write_failures_total",
		Help: "Broadcast records that could not be created or finalized",
	}, []string{"step"})

	// ExecutionsTotal counts per-user order attempts by broker and status.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_executions_total",
		Help: "Per-user order executions",
	}, []string{"variant", "status"})

	// GatewayLatency tracks broker API latency.
	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copytrade_gateway_latency_seconds",
		Help:    "Broker API call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"variant", "op"})

	// GatewayErrors counts failed broker calls.
	GatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_gateway_errors_total",
		Help: "Failed broker API calls",
	}, []string{"variant", "op"})

	// LedgerWarnings counts fills that could not be applied to positions.
	LedgerWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copytrade_ledger_update_warnings_total",
		Help: "Successful executions whose position update failed",
	})

	// TokenRefreshes counts scheduled credential renewals by outcome.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_token_refresh_total",
		Help: "Scheduled broker token renewals",
	}, []string{"variant", "status"})

	// AuthLockouts counts requests refused by the failed-auth limiter.
	AuthLockouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copytrade_auth_lockouts_total",
		Help: "Requests refused while a caller was locked out",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "copytrade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copytrade_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
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

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
