package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// Metric definitions for the billing API

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carebill",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carebill",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"method", "route"},
	)

	paymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carebill",
			Subsystem: "billing",
			Name:      "payments_total",
			Help:      "Total number of payment attempts by outcome",
		},
		[]string{"status"},
	)

	paymentAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carebill",
			Subsystem: "billing",
			Name:      "payment_amount",
			Help:      "Payment amounts in major currency units",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1 to ~16k
		},
		[]string{"status"},
	)

	refundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carebill",
			Subsystem: "billing",
			Name:      "refunds_total",
			Help:      "Total number of refund attempts by outcome",
		},
		[]string{"status"},
	)

	refundAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carebill",
			Subsystem: "billing",
			Name:      "refund_amount",
			Help:      "Refund amounts in major currency units",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"status"},
	)

	claimDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carebill",
			Subsystem: "billing",
			Name:      "claim_decisions_total",
			Help:      "Total number of insurance claim decisions",
		},
		[]string{"decision"},
	)
)

// promMetrics implements billing.BillingMetrics over the Prometheus registry
type promMetrics struct{}

func (promMetrics) RecordPayment(status string, amount values.Money) {
	paymentsTotal.WithLabelValues(status).Inc()
	paymentAmount.WithLabelValues(status).Observe(amount.Amount().InexactFloat64())
}

func (promMetrics) RecordRefund(status string, amount values.Money) {
	refundsTotal.WithLabelValues(status).Inc()
	refundAmount.WithLabelValues(status).Observe(amount.Amount().InexactFloat64())
}

func (promMetrics) RecordClaimDecision(decision string) {
	claimDecisionsTotal.WithLabelValues(decision).Inc()
}

// metricsHandler returns the Prometheus scrape handler
func metricsHandler() http.Handler {
	return promhttp.Handler()
}

// recordHTTPRequest feeds the rest.Instrument middleware
func recordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
