package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheRequests counts read-through lookups by the tier that served them
	// (fresh|stale|fallback).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketcache_requests_total",
			Help: "Total number of read-through cache requests by served tier",
		},
		[]string{"tier"},
	)

	// UpstreamRequests counts calls to the market-data provider by outcome
	// (success|error|throttled).
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketcache_upstream_requests_total",
			Help: "Total number of upstream API calls",
		},
		[]string{"result"},
	)

	// RefreshRuns counts scheduled warm-up runs by result (completed|skipped).
	RefreshRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketcache_refresh_runs_total",
			Help: "Total number of scheduled refresh runs",
		},
		[]string{"result"},
	)

	// SweptEntries tracks rows removed by the maintenance sweep.
	SweptEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketcache_swept_entries_total",
			Help: "Total number of expired cache rows removed by the sweeper",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketcache_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
