// Package metrics provides Prometheus instrumentation for the arbitrage engine.
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
	// EventsProcessed counts game events run through the dispatcher, by type
	// and outcome (applied, unhandled, malformed, error).
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_events_processed_total",
		Help: "Game events processed by the trigger dispatcher",
	}, []string{"type", "outcome"})

	// Opportunities counts detected mispricings by side.
	Opportunities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_opportunities_total",
		Help: "Arbitrage opportunities detected",
	}, []string{"side"})

	// TradesOpened counts trades opened, partitioned by side.
	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_trades_opened_total",
		Help: "Total number of trades opened",
	}, []string{"side"})

	// TradesClosed counts trades closed, partitioned by exit reason.
	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_trades_closed_total",
		Help: "Total number of trades closed",
	}, []string{"reason"})

	// TradeRejections counts open attempts refused before an order was placed
	// or by the venue.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_trade_rejections_total",
		Help: "Trade open attempts rejected",
	}, []string{"reason"})

	// TradeDuration tracks how long positions stay open.
	TradeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arb_trade_duration_seconds",
		Help:    "Time between trade open and close in seconds",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45, 60, 120},
	}, []string{"reason"})

	// OpenTrades tracks the number of monitored open trades.
	OpenTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arb_open_trades",
		Help: "Number of currently open trades",
	})

	// ActiveMatches tracks the number of registered live matches.
	ActiveMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arb_active_matches",
		Help: "Number of matches currently monitored",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arb_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// UpstreamRequests counts REST calls to the data provider and venue.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_upstream_requests_total",
		Help: "Requests made to upstream APIs",
	}, []string{"upstream", "status"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arb_http_request_duration_seconds",
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
