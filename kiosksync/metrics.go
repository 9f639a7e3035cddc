// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import "github.com/prometheus/client_golang/prometheus"

// Prometheus collectors for monitoring the sync engine. Registration is
// opt-in via RegisterMetrics so embedders control their registry.
var (
	syncAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_sync_attempts_total",
			Help: "Total number of reconciliation attempts",
		},
	)

	syncFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_sync_failures_total",
			Help: "Total number of reconciliation attempts that failed in transport",
		},
	)

	opsAckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_sync_operations_acked_total",
			Help: "Total number of operations acknowledged by the server",
		},
	)

	pendingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiosk_sync_pending_operations",
			Help: "Current number of queued operations awaiting acknowledgment",
		},
	)

	lookupCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_lookup_cache_hits_total",
			Help: "Total number of customer lookups served from the local cache",
		},
	)

	lookupCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_lookup_cache_misses_total",
			Help: "Total number of offline customer lookups that found no cached record",
		},
	)
)

// RegisterMetrics registers every engine collector with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		syncAttemptsTotal,
		syncFailuresTotal,
		opsAckedTotal,
		pendingOperations,
		lookupCacheHitsTotal,
		lookupCacheMissesTotal,
	)
}
