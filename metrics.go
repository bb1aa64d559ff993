package tide

import "github.com/prometheus/client_golang/prometheus"

var IndexingBatchCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tide",
	Subsystem: "indexing",
	Name:      "batches",
}, []string{"index"})

var IndexingBatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tide",
	Subsystem: "indexing",
	Name:      "batch_duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
}, []string{"index"})

var IndexingMappedDocuments = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tide",
	Subsystem: "indexing",
	Name:      "mapped_documents",
}, []string{"index", "collection"})

var IndexingProcessedTombstones = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tide",
	Subsystem: "indexing",
	Name:      "processed_tombstones",
}, []string{"index", "collection"})

var IndexingErrorCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tide",
	Subsystem: "indexing",
	Name:      "errors",
}, []string{"index", "kind"})

var IndexPriorityState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tide",
	Subsystem: "indexing",
	Name:      "priority",
}, []string{"index"})

var QueryCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tide",
	Subsystem: "query",
	Name:      "queries",
}, []string{"index"})

var QueryWaitCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tide",
	Subsystem: "query",
	Name:      "stale_waits",
}, []string{"index"})

var QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tide",
	Subsystem: "query",
	Name:      "duration_seconds",
	Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 15},
}, []string{"index"})

var TombstonesPurged = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tide",
	Subsystem: "cleaner",
	Name:      "purge_cycles",
}, []string{"collection"})

// Metrics returns every collector of the package for registration by
// the host process.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{
		IndexingBatchCount,
		IndexingBatchDuration,
		IndexingMappedDocuments,
		IndexingProcessedTombstones,
		IndexingErrorCount,
		IndexPriorityState,
		QueryCount,
		QueryWaitCount,
		QueryDuration,
		TombstonesPurged,
	}
}
