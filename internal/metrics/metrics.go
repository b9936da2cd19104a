package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokenAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hw_token_acquisitions_total",
			Help: "Bearer token acquisitions by method and result",
		},
		[]string{"method", "result"},
	)

	FeedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hw_feed_requests_total",
			Help: "Feed API requests by endpoint and status class",
		},
		[]string{"endpoint", "status"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hw_attack_records_dropped_total",
			Help: "Attack records dropped during validation",
		},
		[]string{"reason"},
	)

	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hw_dispatch_outcomes_total",
			Help: "Mitigation executor outcomes",
		},
		[]string{"outcome"},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hw_dispatch_duration_seconds",
			Help:    "Time spent in the mitigation executor",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	Cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hw_cycles_total",
			Help: "Watchdog cycles by result",
		},
		[]string{"result"},
	)

	BackoffAttempt = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hw_backoff_attempt",
			Help: "Current consecutive failed cycle count",
		},
	)

	TrackedAddresses = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hw_tracked_addresses",
			Help: "Persisted addresses by mitigation status",
		},
		[]string{"status"},
	)
)

var (
	PolicyRulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hw_policy_rules_loaded",
			Help: "Number of mitigation policy rules currently loaded",
		},
	)

	PolicyMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hw_policy_matches_total",
			Help: "Policy evaluations by matched rule",
		},
		[]string{"rule"},
	)
)
