// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts executed trades by kind (buy, sell, limit, redeem) and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind", "outcome"})

	// TradeLatency measures command latency including lock waits and retries.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_engine_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradeRetries counts re-runs after a lost compare-and-swap.
	TradeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_trade_retries_total",
		Help: "Trade commands re-run after a concurrency conflict",
	}, []string{"kind"})

	// LedgerTransactions counts committed ledger transactions by category.
	LedgerTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_ledger_transactions_total",
		Help: "Committed ledger transactions",
	}, []string{"category"})

	// HaltedAccounts is the number of accounts blocked by a failed audit.
	HaltedAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_engine_ledger_halted_accounts",
		Help: "Accounts halted after a replay mismatch",
	})

	// OrdersTotal counts limit order lifecycle events.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_orders_total",
		Help: "Limit order events",
	}, []string{"event"})

	// PayoutUnits counts settlement units by result (applied, skipped, failed).
	PayoutUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_payout_units_total",
		Help: "Settlement units processed",
	}, []string{"result"})

	// ActiveMarkets tracks the number of unresolved markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_engine_active_markets",
		Help: "Number of markets not yet resolved",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// LimitRejections counts trades rejected by exposure limits.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_limit_rejections_total",
		Help: "Trades rejected by exposure limits",
	}, []string{"limit"})

	// RateLimited counts requests rejected by the per-user rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_engine_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	// MarketVolume tracks cumulative traded mana per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_market_volume_total",
		Help: "Cumulative traded mana",
	}, []string{"market_id"})
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

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
