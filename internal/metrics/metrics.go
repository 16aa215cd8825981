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
	// OrdersPlaced counts accepted orders, partitioned by type.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minutex_orders_placed_total",
		Help: "Total orders accepted by the matching engine",
	}, []string{"type"})

	// OrdersRejected counts rejected placements, partitioned by reason class.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minutex_orders_rejected_total",
		Help: "Total order placements rejected",
	}, []string{"reason"})

	// TradesExecuted counts fills.
	TradesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minutex_trades_total",
		Help: "Total trades executed",
	})

	// TradeShares counts traded share volume.
	TradeShares = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minutex_trade_shares_total",
		Help: "Cumulative traded volume in shares",
	})

	// StopsTriggered counts stop-limit activations.
	StopsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minutex_stops_triggered_total",
		Help: "Stop-limit orders activated",
	})

	// SettlementDuration tracks end-of-round settlement latency.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minutex_settlement_duration_seconds",
		Help:    "Round settlement duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// FeedSamples counts upstream samples, partitioned by source.
	FeedSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minutex_feed_samples_total",
		Help: "Price samples received from upstream feeds",
	}, []string{"source"})

	// ReferencePrice tracks the latest aggregated reference price.
	ReferencePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minutex_reference_price",
		Help: "Latest aggregated BTC reference price",
	})

	// ActiveRounds tracks rounds currently tradable (should be 1).
	ActiveRounds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minutex_active_rounds",
		Help: "Number of rounds in the active phase",
	})

	// WebSocketClients tracks connected clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minutex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minutex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "minutex_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and duration.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

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
