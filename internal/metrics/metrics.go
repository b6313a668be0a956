// Package metrics holds the Prometheus collectors of the payment engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_payments_total",
		Help: "Payments processed, labeled by route and outcome",
	}, []string{"route", "outcome"})

	PaymentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payflow_payment_duration_seconds",
		Help:    "Latency of payment operations",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"route"})

	BankTransferFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_bank_transfer_fallbacks_total",
		Help: "Bank transfers recorded as simulated after an aggregator failure",
	})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_settlements_total",
		Help: "Settlement job executions, labeled by outcome",
	}, []string{"outcome"})

	SettlementDeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_settlement_dead_letters_total",
		Help: "Settlement jobs moved to the dead-letter queue, labeled by reason",
	}, []string{"reason"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_http_requests_total",
		Help: "Total HTTP requests, labeled by status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payflow_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "route"})
)
