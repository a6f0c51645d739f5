// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_requests_total",
			Help: "Total number of requests seen by the enforcement pipeline",
		},
		[]string{"outcome"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentry_enforcement_duration_milliseconds",
			Help:    "Time spent in the enforcement pipeline per request",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		},
		[]string{"stage"},
	)
	promAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_alerts_total",
			Help: "Total number of alerts recorded, by kind and severity",
		},
		[]string{"kind", "severity"},
	)
	promAlertsDeduped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentry_alerts_deduplicated_total",
			Help: "Total number of alerts absorbed by the dedupe window",
		},
	)
	promPenaltiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_penalties_total",
			Help: "Total number of penalties applied",
		},
		[]string{"action"},
	)
	promForwarderDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_forwarder_deliveries_total",
			Help: "Total number of webhook delivery attempts by result",
		},
		[]string{"result"},
	)
	promForwarderQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentry_forwarder_queue_depth",
			Help: "Current number of alerts waiting for webhook delivery",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promAlertsTotal)
	prometheus.MustRegister(promAlertsDeduped)
	prometheus.MustRegister(promPenaltiesTotal)
	prometheus.MustRegister(promForwarderDeliveries)
	prometheus.MustRegister(promForwarderQueueDepth)
}
