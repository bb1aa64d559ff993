package docstore

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// StorageCollector exports pebble engine metrics for one storage
// environment. The env label separates the document store from the
// per-index environments.
type StorageCollector struct {
	env string
	db  *pebble.DB

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	compactionInProgress    *prometheus.Desc

	memtableSize  *prometheus.Desc
	memtableCount *prometheus.Desc

	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc

	diskUsage *prometheus.Desc
}

func NewStorageCollector(env string, db *pebble.DB) *StorageCollector {
	labels := prometheus.Labels{"env": env}
	return &StorageCollector{
		env: env,
		db:  db,

		compactionCount: prometheus.NewDesc(
			"tide_storage_compaction_count_total",
			"Total number of compactions performed",
			nil, labels,
		),
		compactionEstimatedDebt: prometheus.NewDesc(
			"tide_storage_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, labels,
		),
		compactionInProgress: prometheus.NewDesc(
			"tide_storage_compaction_in_progress_bytes",
			"Number of bytes being compacted currently",
			nil, labels,
		),

		memtableSize: prometheus.NewDesc(
			"tide_storage_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, labels,
		),
		memtableCount: prometheus.NewDesc(
			"tide_storage_memtable_count_total",
			"Current count of memtables",
			nil, labels,
		),

		walFiles: prometheus.NewDesc(
			"tide_storage_wal_files_total",
			"Number of live WAL files",
			nil, labels,
		),
		walSize: prometheus.NewDesc(
			"tide_storage_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, labels,
		),
		walBytesWritten: prometheus.NewDesc(
			"tide_storage_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, labels,
		),

		diskUsage: prometheus.NewDesc(
			"tide_storage_disk_usage_bytes",
			"Total disk space used by the environment",
			nil, labels,
		),
	}
}

// Collector returns a registrable collector for the store's own
// environment.
func (s *Store) Collector() *StorageCollector {
	return NewStorageCollector("documents", s.db)
}

func (sc *StorageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.compactionCount
	ch <- sc.compactionEstimatedDebt
	ch <- sc.compactionInProgress
	ch <- sc.memtableSize
	ch <- sc.memtableCount
	ch <- sc.walFiles
	ch <- sc.walSize
	ch <- sc.walBytesWritten
	ch <- sc.diskUsage
}

func (sc *StorageCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := sc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(
		sc.compactionCount,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.compactionEstimatedDebt,
		prometheus.GaugeValue,
		float64(metrics.Compact.EstimatedDebt),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.compactionInProgress,
		prometheus.GaugeValue,
		float64(metrics.Compact.InProgressBytes),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.memtableCount,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walFiles,
		prometheus.GaugeValue,
		float64(metrics.WAL.Files),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walBytesWritten,
		prometheus.CounterValue,
		float64(metrics.WAL.BytesWritten),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.diskUsage,
		prometheus.GaugeValue,
		float64(metrics.DiskSpaceUsage()),
	)
}
