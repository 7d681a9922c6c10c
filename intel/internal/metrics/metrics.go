package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Feed metrics
	FeedRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_intel_feed_runs_total",
			Help: "Total number of feed runs by outcome",
		},
		[]string{"feed", "status"},
	)

	FeedRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_intel_feed_run_duration_seconds",
			Help:    "Duration of feed runs in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"feed"},
	)

	ObservablesParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_intel_observables_parsed_total",
			Help: "Total number of new observables produced by feeds",
		},
		[]string{"feed"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_intel_queue_depth",
			Help: "Current depth of the global observable queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_intel_queue_capacity",
			Help: "Maximum capacity of the global observable queue",
		},
	)

	// Enrichment metrics
	EnrichDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_intel_enrich_duration_seconds",
			Help:    "Duration of enrichment per observable in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	EnrichFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_intel_enrich_failures_total",
			Help: "Total number of isolated provider or plugin failures",
		},
		[]string{"stage", "name"},
	)

	ObservablesDerived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_intel_observables_derived_total",
			Help: "Total number of observables derived by plugins",
		},
		[]string{"plugin"},
	)

	// Storage metrics
	StorageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_intel_storage_duration_seconds",
			Help:    "Duration of backend create calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StorageResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_intel_storage_results_total",
			Help: "Per observable backend create results",
		},
		[]string{"status"},
	)

	StorageErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_intel_storage_errors_total",
			Help: "Total number of failed backend create calls",
		},
	)

	// Worker metrics
	WorkerRecycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_intel_worker_recycles_total",
			Help: "Total number of worker process recycles",
		},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_intel_broker_messages_total",
			Help: "Broker deliveries by outcome",
		},
		[]string{"outcome"},
	)

	DLQEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_intel_dlq_entries_total",
			Help: "Total number of messages written to the dead-letter queue",
		},
	)
)
