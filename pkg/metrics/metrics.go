// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the HTTP server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the server.
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	RejectedConnsTotal prometheus.Counter

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     prometheus.Histogram
	ResponseSize    prometheus.Histogram

	// Handler pool metrics
	PoolSize prometheus.Gauge
	PoolBusy prometheus.Gauge

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsExpired prometheus.Counter

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive prometheus.Gauge
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates a Metrics instance with all counters, gauges, and histograms
// registered on the default registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "httpserver"
	}

	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently active connections",
		}),
		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of accepted connections",
			},
			[]string{"status"},
		),
		RejectedConnsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Total number of connections rejected by the saturated pool",
		}),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RequestSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_size_bytes",
			Help:      "Request body size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		}),
		ResponseSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "Response body size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		}),
		PoolSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handler_pool_size",
			Help:      "Number of connection handlers in the pool",
		}),
		PoolBusy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handler_pool_busy",
			Help:      "Number of busy connection handlers",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions in the store",
		}),
		SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total number of sessions removed from the store",
		}),
		RateLimitedRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited requests",
			},
			[]string{"limiter_type"},
		),
		GoroutinesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_active",
			Help:      "Number of active goroutines",
		}),
		MemoryAllocated: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}
}

// ObserveRequest tracks one request lifecycle.
func (m *Metrics) ObserveRequest(method string, f func() (status string, err error)) error {
	start := time.Now()

	status, err := f()
	duration := time.Since(start).Seconds()

	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration)

	return err
}
