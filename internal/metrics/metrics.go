// Package metrics holds the Prometheus collectors for the data layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState is 0 for closed, 1 for half-open, 2 for open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fitscope_breaker_state",
			Help: "Current circuit breaker state per upstream key (0 closed, 1 half-open, 2 open)",
		},
		[]string{"source", "tile"},
	)

	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitscope_breaker_trips_total",
			Help: "Total number of times a breaker opened",
		},
		[]string{"source", "tile"},
	)

	TileFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitscope_tile_fetches_total",
			Help: "Tile fetches by outcome (ok, cached, fallback, cancelled)",
		},
		[]string{"tile", "outcome"},
	)

	TileFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fitscope_tile_fetch_duration_seconds",
			Help:    "Duration of a single tile fetch including breaker and cache",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tile"},
	)

	StoreSweptRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fitscope_store_swept_records_total",
			Help: "Expired response records removed by the expiry sweep",
		},
	)

	InflightPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fitscope_inflight_pending",
			Help: "Operations currently pending in the in-flight registry",
		},
	)
)
