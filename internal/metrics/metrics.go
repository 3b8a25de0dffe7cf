// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts orders accepted for placement, by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Total orders accepted for placement",
	}, []string{"side", "kind"})

	// OrdersResubmitted counts reconciliation resubmissions of Pending orders.
	OrdersResubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_resubmitted_total",
		Help: "Pending orders resubmitted to the engine by reconciliation",
	})

	// EngineEventsReceived counts inbound engine events by kind.
	EngineEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_engine_events_received_total",
		Help: "Engine events received from the matching engine",
	}, []string{"kind"})

	// EngineMessagesSent counts outbound engine messages.
	EngineMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_engine_messages_sent_total",
		Help: "Messages written to the matching engine socket",
	})

	// EngineReconnects counts connection losses to the matching engine.
	EngineReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_engine_reconnects_total",
		Help: "Matching engine connection losses",
	})

	// EventsApplied counts settlement outcomes per event.
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_settlement_events_total",
		Help: "Settlement coordinator event outcomes",
	}, []string{"result"}) // applied | duplicate | buffered | dead_letter

	// SettlementLatency tracks end-to-end apply time per event.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_settlement_latency_seconds",
		Help:    "Time from event receipt to ledger settlement",
		Buckets: prometheus.DefBuckets,
	})

	// DeadLetters tracks events parked for manual reconciliation.
	DeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_settlement_dead_letters",
		Help: "Events dead-lettered pending manual reconciliation",
	})

	// WagersResolved counts game rounds by game and outcome.
	WagersResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_wagers_resolved_total",
		Help: "Wager rounds resolved",
	}, []string{"game", "outcome"})

	// WebSocketClients tracks connected push clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is small.
		path := r.URL.Path
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
