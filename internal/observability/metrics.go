// Package observability exposes Prometheus metrics for the execution core:
//
//   - bot_orders_total{side}                  – entry orders placed
//   - bot_admissions_total{result}            – risk admission outcomes
//   - bot_exit_reasons_total{reason,side}     – exits split by reason and side
//   - bot_trades_total{result}                – closed positions by result (win|loss)
//   - bot_retries_total{endpoint}             – transport retries scheduled
//   - bot_circuit_transitions_total{endpoint,to} – breaker state changes
//   - bot_circuit_open{endpoint}              – 1 while the breaker is open
//   - bot_portfolio_heat                      – reserved at-risk capital (quote units)
//   - bot_equity_usd                          – last known account balance
//   - bot_open_positions                      – positions currently managed
//
// Metrics are registered in init() and served by the HTTP handler started in
// main.go at /metrics (Prometheus text exposition format).
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Entry orders placed",
		},
		[]string{"side"}, // BUY|SELL
	)

	mtxAdmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_admissions_total",
			Help: "Risk admission outcomes (approved or the rejection reason)",
		},
		[]string{"result"},
	)

	mtxExitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exit_reasons_total",
			Help: "Total exits split by reason and side",
		},
		[]string{"reason", "side"},
	)

	mtxTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_trades_total",
			Help: "Closed positions counted by result (win|loss).",
		},
		[]string{"result"},
	)

	mtxRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_retries_total",
			Help: "Transport retries scheduled per endpoint",
		},
		[]string{"endpoint"},
	)

	mtxCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_circuit_transitions_total",
			Help: "Circuit breaker state transitions per endpoint",
		},
		[]string{"endpoint", "to"},
	)

	mtxCircuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_circuit_open",
			Help: "1 while the endpoint's circuit breaker is open, else 0",
		},
		[]string{"endpoint"},
	)

	mtxHeat = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_portfolio_heat",
			Help: "Aggregate at-risk capital reserved or open, in quote units",
		},
	)

	mtxEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_equity_usd",
			Help: "Last known account balance in quote currency",
		},
	)

	mtxOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Positions currently under management",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxOrders, mtxAdmissions, mtxExitReasons, mtxTrades)
	prometheus.MustRegister(mtxRetries, mtxCircuitTransitions, mtxCircuitOpen)
	prometheus.MustRegister(mtxHeat, mtxEquity, mtxOpenPositions)
}

func IncOrder(side string)                 { mtxOrders.WithLabelValues(side).Inc() }
func IncAdmission(result string)           { mtxAdmissions.WithLabelValues(result).Inc() }
func IncExit(reason, side string)          { mtxExitReasons.WithLabelValues(reason, side).Inc() }
func SetHeat(v float64)                    { mtxHeat.Set(v) }
func SetEquity(v float64)                  { mtxEquity.Set(v) }
func SetOpenPositions(n int)               { mtxOpenPositions.Set(float64(n)) }

// IncTrade counts a closed position as a win or a loss.
func IncTrade(win bool) {
	if win {
		mtxTrades.WithLabelValues("win").Inc()
	} else {
		mtxTrades.WithLabelValues("loss").Inc()
	}
}

// TransportRecorder feeds transport retry and circuit events into the
// metrics above. It satisfies the transport layer's observer interface.
type TransportRecorder struct{}

func (TransportRecorder) RetryScheduled(endpoint string, attempt int, delay time.Duration) {
	mtxRetries.WithLabelValues(endpoint).Inc()
}

func (TransportRecorder) CircuitTransition(endpoint string, from, to string) {
	mtxCircuitTransitions.WithLabelValues(endpoint, to).Inc()
	if to == "open" {
		mtxCircuitOpen.WithLabelValues(endpoint).Set(1)
	} else {
		mtxCircuitOpen.WithLabelValues(endpoint).Set(0)
	}
}
