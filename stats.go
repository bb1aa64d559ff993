package tide

import "time"

// BatchStats are the counters of one indexing batch. Workers mutate
// them in place; the loop folds them into the persisted stats after a
// successful commit.
type BatchStats struct {
	MapAttempts         int
	MapSuccesses        int
	MapErrors           int
	TombstonesProcessed int
	AnalyzerErrors      int
	BytesIndexed        int64
}

// persistedStats is the Mstats record, accumulated across batches.
type persistedStats struct {
	IndexingBatches     uint64    `json:"indexingBatches"`
	MapAttempts         uint64    `json:"mapAttempts"`
	MapSuccesses        uint64    `json:"mapSuccesses"`
	MapErrors           uint64    `json:"mapErrors"`
	TombstonesProcessed uint64    `json:"tombstonesProcessed"`
	AnalyzerErrors      uint64    `json:"analyzerErrors"`
	WriteErrors         uint64    `json:"writeErrors"`
	BytesIndexed        uint64    `json:"bytesIndexed"`
	LastIndexingTime    time.Time `json:"lastIndexingTime"`
}

// IndexStats is the caller-facing snapshot.
type IndexStats struct {
	Id                  int64
	Name                string
	Type                IndexType
	Priority            IndexPriority
	LockMode            LockMode
	Collections         []string
	IndexingBatches     uint64
	MapAttempts         uint64
	MapSuccesses        uint64
	MapErrors           uint64
	TombstonesProcessed uint64
	AnalyzerErrors      uint64
	WriteErrors         uint64
	BytesIndexed        uint64
	EntriesCount        uint64
	LastIndexingTime    time.Time
	LastQueryingTime    time.Time
	IndexingInProgress  bool
}

// IndexingError is one entry of the bounded on-disk error ring.
type IndexingError struct {
	When    time.Time `json:"when"`
	Action  string    `json:"action"`
	Message string    `json:"message"`
}
