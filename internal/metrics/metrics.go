package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provgraph_events_enqueued_total",
		Help: "Total number of submissions placed on the ingestion queue.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provgraph_events_dropped_total",
		Help: "Total number of submissions rejected due to a full queue.",
	})

	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_events_ingested_total",
		Help: "Total number of events ingested, labelled by resolution decision.",
	}, []string{"decision"})

	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provgraph_duplicates_suppressed_total",
		Help: "Total number of submissions recognized as already ingested.",
	})

	NormalizationRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_normalization_rejected_total",
		Help: "Total number of submissions rejected at the boundary, labelled by kind.",
	}, []string{"kind"})

	OracleFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provgraph_oracle_fallbacks_total",
		Help: "Total number of scorings that fell back to the rule scorer.",
	})

	ConflictsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provgraph_conflicts_retried_total",
		Help: "Total number of ingestion attempts re-planned after a transaction conflict.",
	})

	MergesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_merges_total",
		Help: "Total number of entity merges, labelled by origin (resolver or manual).",
	}, []string{"origin"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provgraph_stage_duration_ms",
		Help:    "Pipeline stage latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"stage"})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "provgraph_queue_utilization_ratio",
		Help: "Current ingestion queue utilization (0–1).",
	})

	AnalyticsCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_analytics_cache_total",
		Help: "Analytics cache lookups, labelled by result (hit or miss).",
	}, []string{"result"})

	ProjectionApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_projection_changes_total",
		Help: "Change notifications applied to the graph projection, labelled by status.",
	}, []string{"status"})
)
