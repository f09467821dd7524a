// Package metrics provides Prometheus instrumentation for the round ledger.
package metrics

import (
	"bufio"
	"fmt"
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
	// BetsPlaced counts accepted bets, partitioned by side.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_bets_placed_total",
		Help: "Total number of bets placed",
	}, []string{"side"})

	// RoundsResolved counts rounds resolved (first resolution only).
	RoundsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_rounds_resolved_total",
		Help: "Total number of rounds resolved",
	})

	// BetsSettled counts settled bets by outcome (won, lost).
	BetsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_bets_settled_total",
		Help: "Total number of bets settled",
	}, []string{"outcome"})

	// DepositsCredited counts credited deposits.
	DepositsCredited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_deposits_total",
		Help: "Total number of deposits credited",
	})

	// Withdrawals counts withdrawal attempts by final outcome.
	Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_withdrawals_total",
		Help: "Withdrawal attempts by outcome",
	}, []string{"outcome"})

	// ReconciliationErrors counts confirmed payouts that could not be debited.
	ReconciliationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconciliation_errors_total",
		Help: "Confirmed on-chain payouts whose ledger debit failed",
	})

	// StakeLimitRejections counts bets rejected by the stake limiter.
	StakeLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_stake_limit_rejections_total",
		Help: "Bets rejected by stake limiter",
	})

	// VaultBalance is the last observed on-chain vault balance in major units.
	VaultBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_vault_balance",
		Help: "Last observed vault balance",
	})

	// OpLatency tracks ledger operation latency by operation.
	OpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_op_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// ObserveOp records the duration of op since start.
func ObserveOp(op string, start time.Time) {
	OpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
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

// Hijack hands the connection to the WebSocket upgrader.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return hj.Hijack()
}
