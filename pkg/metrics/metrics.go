// Package metrics exposes the venue's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersPlaced counts orders accepted by the matching engine, by side.
var OrdersPlaced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quanta_orders_placed_total",
		Help: "Total number of orders accepted by the matching engine",
	},
	[]string{"side", "kind"},
)

// TradesExecuted counts trades produced by the match loop.
var TradesExecuted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "quanta_trades_executed_total",
		Help: "Total number of trades executed",
	},
)

// ContractsExercised counts option exercises by type.
var ContractsExercised = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quanta_contracts_exercised_total",
		Help: "Total number of option contracts exercised",
	},
	[]string{"type"},
)

// Liquidations counts forced position closes.
var Liquidations = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "quanta_liquidations_total",
		Help: "Total number of forced liquidations",
	},
)

// InsuranceFundBalance tracks the current insurance fund balance in USD.
var InsuranceFundBalance = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "quanta_insurance_fund_balance_usd",
		Help: "Current insurance fund balance",
	},
)

func init() {
	prometheus.MustRegister(OrdersPlaced, TradesExecuted, ContractsExercised)
	prometheus.MustRegister(Liquidations, InsuranceFundBalance)
}
