package tide

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidedb/tide/docstore"
	"github.com/tidedb/tide/fulltext"
	"github.com/tidedb/tide/notify"
	"github.com/tidedb/tide/tide_errors"
	"github.com/tidedb/tide/utils"
)

const defaultLogLevel = slog.LevelInfo

type indexState = int32

const (
	stateUninitialized indexState = iota
	stateInitialized
	stateRunning
	stateStopped
	stateDisposed
)

type IndexOptions struct {
	// Path of the index's storage environment. Derived from the host
	// database when empty.
	Path     string
	InMemory bool
	Logger   utils.Logger

	// Batch budget: a worker that hits either limit yields the batch
	// and reports more work available.
	MaxDocsPerBatch   int
	MaxBatchSizeBytes int64
}

func (o *IndexOptions) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(defaultLogLevel)
	}
	if o.MaxDocsPerBatch == 0 {
		o.MaxDocsPerBatch = 1024
	}
	if o.MaxBatchSizeBytes == 0 {
		o.MaxBatchSizeBytes = 16 << 20
	}
}

// Index is one background-indexed view over a set of collections. It
// owns its storage environment and a single indexing worker; the host
// database runs many of them concurrently.
type Index struct {
	id         int64
	definition Definition
	// collections in definition order; the set is fixed at construction
	collections   []string
	collectionSet map[string]struct{}

	opts IndexOptions
	log  utils.Logger

	env         *storageEnv
	storage     *IndexStorage
	persistence *IndexPersistence
	contexts    *indexContextPool

	docs *docstore.Store
	bus  *notify.Bus

	lock     sync.Mutex
	state    atomic.Int32
	priority IndexPriority
	lockMode LockMode

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers []Worker

	wake           *utils.ManualResetEvent
	batchCompleted *utils.Broadcast

	writeErrors        atomic.Int32
	indexingInProgress atomic.Bool
	lastQueryingTime   atomic.Int64
	errorSeq           atomic.Uint64
	batchDuration      *utils.AvgVal

	docSub *notify.Subscription
	idxSub *notify.Subscription
}

func NewAutoMapIndex(id int64, definition *AutoMapDefinition, opts IndexOptions) (*Index, error) {
	return newIndex(id, definition, opts)
}

func newIndex(id int64, definition Definition, opts IndexOptions) (*Index, error) {
	if id <= 0 {
		return nil, tide_errors.ErrInvalidIndexId
	}
	collections := definition.Collections()
	if len(collections) == 0 {
		return nil, tide_errors.ErrNoCollections
	}
	opts.SetDefaults()
	set := make(map[string]struct{}, len(collections))
	for _, c := range collections {
		set[strings.ToLower(c)] = struct{}{}
	}
	return &Index{
		id:             id,
		definition:     definition,
		collections:    collections,
		collectionSet:  set,
		opts:           opts,
		log:            opts.Logger,
		priority:       PriorityNormal,
		lockMode:       definition.InitialLockMode(),
		wake:           utils.NewManualResetEvent(false),
		batchCompleted: utils.NewBroadcast(),
		batchDuration:  utils.NewAvgVal(0),
	}, nil
}

// Initialize opens the index's storage environment and hooks the index
// to the host database's document store and notification bus.
func (idx *Index) Initialize(db *DB) error {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	switch idx.state.Load() {
	case stateDisposed:
		return tide_errors.ErrDisposed
	case stateUninitialized:
	default:
		return tide_errors.ErrAlreadyInitialized
	}

	path := idx.opts.Path
	if path == "" {
		path = db.indexPath(idx.id)
	}
	env, err := openStorageEnv(path, idx.opts.InMemory || db.opts.InMemory)
	if err != nil {
		return err
	}

	idx.env = env
	idx.storage = newIndexStorage(env)
	idx.persistence = newIndexPersistence(env)
	idx.contexts = newIndexContextPool(env)
	idx.docs = db.docs
	idx.bus = db.bus

	if err := idx.loadOrCreateState(); err != nil {
		_ = env.Close()
		idx.env = nil
		return err
	}
	idx.errorSeq.Store(idx.storage.lastErrorSeq())

	idx.workers = []Worker{
		&cleanupDeletedDocuments{index: idx},
		&mapDocuments{index: idx},
	}

	idx.docSub = idx.bus.SubscribeDocuments(idx.handleDocumentChange)
	idx.idxSub = idx.bus.SubscribeIndexes(idx.handleIndexChange)

	idx.state.Store(stateInitialized)
	return nil
}

func (idx *Index) loadOrCreateState() error {
	ctx, release := idx.contexts.AllocateOperationContext()
	defer release()
	_, err := idx.storage.readIndexType(idx.env.db)
	if err == nil {
		ctx.OpenReadTransaction()
		idx.priority = idx.storage.ReadPriority(ctx)
		idx.lockMode = idx.storage.ReadLock(ctx)
		return nil
	}
	if err == tide_errors.ErrUnknownIndexType {
		return err
	}
	ctx.OpenWriteTransaction()
	if err := idx.storage.WriteDefinition(ctx, idx.definition); err != nil {
		return err
	}
	if err := idx.storage.WritePriority(ctx, idx.priority); err != nil {
		return err
	}
	if err := idx.storage.WriteLock(ctx, idx.lockMode); err != nil {
		return err
	}
	return ctx.Commit()
}

// Start launches the indexing loop on its own execution context.
func (idx *Index) Start() error {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	switch idx.state.Load() {
	case stateDisposed:
		return tide_errors.ErrDisposed
	case stateUninitialized:
		return tide_errors.ErrNotInitialized
	case stateRunning:
		return tide_errors.ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	idx.cancel = cancel
	idx.wg.Add(1)
	go idx.indexingLoop(ctx)
	idx.state.Store(stateRunning)
	return nil
}

// Stop cancels the indexing loop and joins it. Stopping an index that
// is not running is a no-op.
func (idx *Index) Stop() error {
	idx.lock.Lock()
	if idx.state.Load() != stateRunning {
		idx.lock.Unlock()
		return nil
	}
	cancel := idx.cancel
	idx.cancel = nil
	idx.state.Store(stateStopped)
	idx.lock.Unlock()

	// join outside the lifecycle lock: the loop may be blocked on it
	cancel()
	idx.wg.Wait()
	return nil
}

// Dispose stops the index and releases everything it owns. The bus
// subscriptions go first, then the searcher, then the environment.
// Release failures are collected and returned as one.
func (idx *Index) Dispose() error {
	var result error
	if err := idx.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	idx.lock.Lock()
	if idx.state.Load() == stateDisposed {
		idx.lock.Unlock()
		return nil
	}
	idx.state.Store(stateDisposed)
	idx.lock.Unlock()
	if idx.docSub != nil {
		if err := idx.docSub.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if idx.idxSub != nil {
		if err := idx.idxSub.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if idx.persistence != nil {
		if err := idx.persistence.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if idx.env != nil {
		if err := idx.env.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (idx *Index) Id() int64              { return idx.id }
func (idx *Index) Name() string           { return idx.definition.Name() }
func (idx *Index) Type() IndexType        { return idx.definition.Type() }
func (idx *Index) Definition() Definition { return idx.definition }

func (idx *Index) Collections() []string {
	out := make([]string, len(idx.collections))
	copy(out, idx.collections)
	return out
}

func (idx *Index) Priority() IndexPriority {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	return idx.priority
}

func (idx *Index) GetLockMode() LockMode {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	return idx.lockMode
}

func (idx *Index) isDisposed() bool {
	return idx.state.Load() == stateDisposed
}

func (idx *Index) isInitialized() bool {
	return idx.state.Load() != stateUninitialized
}

func (idx *Index) IndexingInProgress() bool {
	return idx.indexingInProgress.Load()
}

func (idx *Index) LastQueryingTime() time.Time {
	nanos := idx.lastQueryingTime.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// markQueried advances the last querying time monotonically.
func (idx *Index) markQueried(t time.Time) {
	nanos := t.UnixNano()
	for {
		prev := idx.lastQueryingTime.Load()
		if prev >= nanos || idx.lastQueryingTime.CompareAndSwap(prev, nanos) {
			return
		}
	}
}

// SetPriority persists the new priority and emits at most one
// transition notification.
func (idx *Index) SetPriority(p IndexPriority) error {
	idx.lock.Lock()
	if idx.isDisposed() {
		idx.lock.Unlock()
		return tide_errors.ErrDisposed
	}
	if idx.priority == p {
		idx.lock.Unlock()
		return nil
	}
	ctx, release := idx.contexts.AllocateOperationContext()
	ctx.OpenWriteTransaction()
	err := idx.storage.WritePriority(ctx, p)
	if err == nil {
		err = ctx.Commit()
	}
	release()
	if err != nil {
		idx.lock.Unlock()
		return err
	}
	prev := idx.priority
	idx.priority = p
	idx.lock.Unlock()

	IndexPriorityState.WithLabelValues(idx.Name()).Set(float64(p.Base()))

	var change notify.IndexChangeType
	switch {
	case p.HasFlag(PriorityDisabled):
		change = notify.IndexDemotedToDisabled
	case p.HasFlag(PriorityError):
		change = notify.IndexMarkedAsErrored
	case p.HasFlag(PriorityIdle):
		change = notify.IndexDemotedToIdle
	case p.HasFlag(PriorityNormal) && prev.HasFlag(PriorityIdle):
		change = notify.IndexPromotedFromIdle
	}
	if change != 0 {
		idx.bus.PublishIndexChange(notify.IndexChange{Type: change, Name: idx.Name()})
	}
	return nil
}

// SetLock persists the new lock mode.
func (idx *Index) SetLock(m LockMode) error {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	if idx.isDisposed() {
		return tide_errors.ErrDisposed
	}
	if idx.lockMode == m {
		return nil
	}
	ctx, release := idx.contexts.AllocateOperationContext()
	defer release()
	ctx.OpenWriteTransaction()
	if err := idx.storage.WriteLock(ctx, m); err != nil {
		return err
	}
	if err := ctx.Commit(); err != nil {
		return err
	}
	idx.lockMode = m
	return nil
}

// handleDocumentChange wakes the loop on any change in a mapped
// collection. No etag filtering: waking is cheap and the loop
// re-checks staleness anyway.
func (idx *Index) handleDocumentChange(dc notify.DocumentChange) {
	if _, ok := idx.collectionSet[strings.ToLower(dc.Collection)]; ok {
		idx.wake.Set()
	}
}

// handleIndexChange self-stops the index when it is observed errored.
func (idx *Index) handleIndexChange(ic notify.IndexChange) {
	if ic.Name == idx.Name() && ic.Type == notify.IndexMarkedAsErrored {
		if err := idx.Stop(); err != nil {
			idx.log.Error("failed to stop errored index", "index", idx.Name(), "error", err)
		}
	}
}

// GetStats snapshots persisted counters and in-memory runtime state.
func (idx *Index) GetStats() (*IndexStats, error) {
	if idx.isDisposed() {
		return nil, tide_errors.ErrDisposed
	}
	if !idx.isInitialized() {
		return nil, tide_errors.ErrNotInitialized
	}
	ctx, release := idx.contexts.AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	persisted, err := idx.storage.ReadStats(ctx)
	if err != nil {
		return nil, err
	}
	var entries uint64
	err = idx.persistence.UseSearcher(func(s *fulltext.Searcher) error {
		var serr error
		entries, serr = s.EntriesCount()
		return serr
	})
	if err != nil {
		return nil, err
	}
	return &IndexStats{
		Id:                  idx.id,
		Name:                idx.Name(),
		Type:                idx.Type(),
		Priority:            idx.Priority(),
		LockMode:            idx.GetLockMode(),
		Collections:         idx.Collections(),
		IndexingBatches:     persisted.IndexingBatches,
		MapAttempts:         persisted.MapAttempts,
		MapSuccesses:        persisted.MapSuccesses,
		MapErrors:           persisted.MapErrors,
		TombstonesProcessed: persisted.TombstonesProcessed,
		AnalyzerErrors:      persisted.AnalyzerErrors,
		WriteErrors:         persisted.WriteErrors,
		BytesIndexed:        persisted.BytesIndexed,
		EntriesCount:        entries,
		LastIndexingTime:    persisted.LastIndexingTime,
		LastQueryingTime:    idx.LastQueryingTime(),
		IndexingInProgress:  idx.indexingInProgress.Load(),
	}, nil
}

// GetErrors returns the recorded error ring, oldest first.
func (idx *Index) GetErrors() ([]IndexingError, error) {
	if idx.isDisposed() {
		return nil, tide_errors.ErrDisposed
	}
	if !idx.isInitialized() {
		return nil, tide_errors.ErrNotInitialized
	}
	ctx, release := idx.contexts.AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	return idx.storage.ReadErrors(ctx)
}

func (idx *Index) GetLastMappedEtagFor(collection string) uint64 {
	ctx, release := idx.contexts.AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	return idx.storage.ReadLastMappedEtag(ctx, collection)
}

// StorageCollector exports the index environment's engine metrics.
func (idx *Index) StorageCollector() prometheus.Collector {
	return docstore.NewStorageCollector(idx.Name(), idx.env.db)
}

// GetLastProcessedTombstoneEtags feeds the tombstone cleaner: the min
// across all subscribers bounds what may be purged.
func (idx *Index) GetLastProcessedTombstoneEtags() map[string]uint64 {
	ctx, release := idx.contexts.AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	out := make(map[string]uint64, len(idx.collections))
	for _, collection := range idx.collections {
		out[collection] = idx.storage.ReadLastProcessedTombstoneEtag(ctx, collection)
	}
	return out
}
