package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Geolocation
	GeoLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visitor_geo_lookups_total",
			Help: "Geolocation lookups by provider and outcome",
		},
		[]string{"provider", "outcome"}, // success, provider_error, invalid, transport, rejected
	)

	GeoLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "visitor_geo_lookup_duration_seconds",
			Help:    "Geolocation lookup latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visitor_geo_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	// Visit store
	VisitUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visitor_upserts_total",
			Help: "Visit upserts by outcome",
		},
		[]string{"outcome"}, // inserted, incremented, rejected, failed
	)

	VisitListErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "visitor_list_errors_total",
			Help: "Visit list reads that failed and returned an empty set",
		},
	)

	VisitRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "visitor_records",
			Help: "Number of visit records seen by the last aggregation",
		},
	)

	// Tracking sessions
	TrackingSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visitor_tracking_sessions_total",
			Help: "Tracking sessions by final state",
		},
		[]string{"state"}, // ready, failed, detached
	)

	// HTTP
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "visitor_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)
)
