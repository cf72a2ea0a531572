// Package metrics provides Prometheus instrumentation for the exchange engine.
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
	// TradesTotal counts executed trades, partitioned by counterparty kind
	// ("ipo" or "peer").
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind"})

	// TradeVolume tracks cumulative traded shares.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusx_trade_volume_shares_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"kind"})

	// OrdersPlaced counts accepted orders by side and type.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusx_orders_placed_total",
		Help: "Orders accepted",
	}, []string{"side", "type"})

	// OrdersRejected counts rejected placements by error code.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusx_orders_rejected_total",
		Help: "Order placements rejected",
	}, []string{"code"})

	// OrdersCancelled counts cancellations by reason.
	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusx_orders_cancelled_total",
		Help: "Orders cancelled",
	}, []string{"reason"})

	// MatchPasses counts matching passes by outcome ("run", "skipped_closed",
	// "skipped_busy").
	MatchPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusx_match_passes_total",
		Help: "Matching passes",
	}, []string{"outcome"})

	// MatchPassDuration tracks the wall time of a matching pass.
	MatchPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "campusx_match_pass_duration_seconds",
		Help:    "Matching pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SettlementErrors counts pairs skipped because settlement failed.
	SettlementErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campusx_settlement_errors_total",
		Help: "Trade settlements that failed and were skipped",
	})

	// WriteConflicts counts optimistic-concurrency conflicts by operation.
	WriteConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusx_write_conflicts_total",
		Help: "Conditional writes rejected because a record changed",
	}, []string{"op"})

	// RetriesExhausted counts operations that gave up after the last attempt.
	RetriesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusx_retries_exhausted_total",
		Help: "Operations that exhausted their retry budget",
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campusx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// FeedPublishErrors counts trade events that could not be published.
	FeedPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusx_feed_publish_errors_total",
		Help: "Trade events that failed to publish",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campusx_http_request_duration_seconds",
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
