// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Local durable KV (BadgerDB)
	KVOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidesync_kv_operation_duration_seconds",
			Help:    "Duration of local KV operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // get, set, delete
	)

	KVErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_kv_errors_total",
			Help: "Total number of failed local KV operations",
		},
		[]string{"operation"},
	)

	KVGCRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tidesync_kv_gc_runs_total",
			Help: "Total number of value log GC runs",
		},
	)

	// Local cache (DuckDB / SQLite)
	CacheQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidesync_cache_query_duration_seconds",
			Help:    "Duration of local cache queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	CacheQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_cache_query_errors_total",
			Help: "Total number of failed local cache queries",
		},
		[]string{"operation", "table"},
	)

	// Retry queue
	QueuePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidesync_queue_pending",
			Help: "Operations waiting in the local retry queue",
		},
		[]string{"store"},
	)

	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_queue_enqueued_total",
			Help: "Total operations deferred to the retry queue",
		},
		[]string{"store"},
	)

	QueueDrainResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_queue_drain_results_total",
			Help: "Outcome of queued operation attempts",
		},
		[]string{"store", "result"}, // succeeded, failed, discarded
	)

	QueueDrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tidesync_queue_drain_duration_seconds",
			Help:    "Duration of retry queue drain passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Remote store
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_remote_requests_total",
			Help: "Total remote store requests by outcome",
		},
		[]string{"operation", "result"}, // result: success, duplicate, not_found, unavailable, error
	)

	RemoteAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tidesync_remote_available",
			Help: "Whether the remote store currently reports itself reachable (1) or not (0)",
		},
	)

	ResilientWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_resilient_writes_total",
			Help: "Writes through the resilient path by outcome",
		},
		[]string{"outcome"}, // applied, queued, rejected
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidesync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Operation log
	OplogPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_oplog_published_total",
			Help: "Operation log records published by this device",
		},
		[]string{"outcome"}, // applied, queued
	)

	OplogApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_oplog_applied_total",
			Help: "Pulled operation log records by apply outcome",
		},
		[]string{"result"}, // applied, failed
	)

	OplogPullDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tidesync_oplog_pull_duration_seconds",
			Help:    "Duration of pull-and-apply passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	OplogPullsCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tidesync_oplog_pulls_coalesced_total",
			Help: "Pull requests folded into an already running pass",
		},
	)

	WatermarkLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidesync_watermark_lag_seconds",
			Help: "Seconds between now and the last synchronized operation timestamp",
		},
		[]string{"store"},
	)

	// Notifications
	NotificationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_notifications_received_total",
			Help: "Change notifications received by source",
		},
		[]string{"source"}, // remote, broker, poll, http
	)

	NotificationsThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tidesync_notifications_throttled_total",
			Help: "Change notifications dropped by the trigger rate limiter",
		},
	)

	// HTTP API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidesync_api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidesync_api_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)
)

// RecordKVOperation records a local KV operation.
func RecordKVOperation(operation string, duration time.Duration, err error) {
	KVOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		KVErrors.WithLabelValues(operation).Inc()
	}
}

// RecordCacheQuery records a local cache query.
func RecordCacheQuery(operation, table string, duration time.Duration, err error) {
	CacheQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		CacheQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RemoteResult classifies a remote call outcome for labelling.
// The sentinels are passed in to keep this package free of domain imports.
func RemoteResult(err error, duplicate, notFound, unavailable error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, duplicate):
		return "duplicate"
	case errors.Is(err, notFound):
		return "not_found"
	case errors.Is(err, unavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// SetRemoteAvailable records the remote availability flag.
func SetRemoteAvailable(available bool) {
	if available {
		RemoteAvailable.Set(1)
		return
	}
	RemoteAvailable.Set(0)
}

// RecordDrain records the outcome counts of one drain pass.
func RecordDrain(store string, succeeded, failed, discarded int, duration time.Duration) {
	QueueDrainDuration.Observe(duration.Seconds())
	QueueDrainResults.WithLabelValues(store, "succeeded").Add(float64(succeeded))
	QueueDrainResults.WithLabelValues(store, "failed").Add(float64(failed))
	QueueDrainResults.WithLabelValues(store, "discarded").Add(float64(discarded))
}

// UpdateWatermarkLag sets the lag gauge from the last synchronized timestamp.
func UpdateWatermarkLag(store string, lastSync time.Time) {
	if lastSync.IsZero() {
		return
	}
	WatermarkLag.WithLabelValues(store).Set(time.Since(lastSync).Seconds())
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
