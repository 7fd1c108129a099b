package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "scalpel_feeds"

var (
	// FeedCycles counts finished feed cycles by outcome ("committed", "failed").
	FeedCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "feed_cycles_total",
		Help:      "Total number of feed cycles by outcome.",
	}, []string{"feed", "status"})

	FeedCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "feed_cycle_duration_seconds",
		Help:      "Wall time of a feed cycle, fetch included.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"feed"})

	// FeedRecords counts records per stage ("decoded", "filtered", "processed", "skipped").
	FeedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "feed_records_total",
		Help:      "Records seen by feed and stage.",
	}, []string{"feed", "stage"})

	FeedWatermark = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "feed_watermark_timestamp_seconds",
		Help:      "Unix time of the newest committed record per feed.",
	}, []string{"feed"})

	// GraphMutations counts store operations by operation and result
	// ("created", "existing", "updated", "error").
	GraphMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "graph_mutations_total",
		Help:      "Observable and relationship store operations.",
	}, []string{"operation", "result"})

	GraphConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "graph_update_conflicts_total",
		Help:      "Compare-and-set conflicts retried by the observable store.",
	}, []string{"operation"})
)
