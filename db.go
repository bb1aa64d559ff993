// Package tide is a per-index background indexing engine for a
// document database. Every index owns its own transactional storage
// environment, consumes documents and tombstones from the collections
// it maps, and answers term queries with explicit staleness semantics.
package tide

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidedb/tide/docstore"
	"github.com/tidedb/tide/notify"
	"github.com/tidedb/tide/tide_errors"
	"github.com/tidedb/tide/utils"
)

type Options struct {
	Dir      string
	InMemory bool
	Logger   utils.Logger

	MaxDocsPerBatch   int
	MaxBatchSizeBytes int64

	// TombstoneCleanupInterval paces the cleaner loop.
	TombstoneCleanupInterval time.Duration
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(defaultLogLevel)
	}
	if o.TombstoneCleanupInterval == 0 {
		o.TombstoneCleanupInterval = time.Minute
	}
}

// DB is the host database: one document store, one notification bus
// and any number of indexes, each a serial domain of its own.
type DB struct {
	opts Options
	log  utils.Logger

	bus  *notify.Bus
	docs *docstore.Store

	indexes     *xsync.MapOf[string, *Index]
	nextIndexId atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func Open(opts Options) (*DB, error) {
	opts.SetDefaults()
	bus := notify.NewBus()
	docs, err := docstore.Open(filepath.Join(opts.Dir, "documents"), docstore.Options{
		InMemory: opts.InMemory,
		Logger:   opts.Logger,
		Bus:      bus,
	})
	if err != nil {
		return nil, err
	}
	db := &DB{
		opts:    opts,
		log:     opts.Logger,
		bus:     bus,
		docs:    docs,
		indexes: xsync.NewMapOf[string, *Index](),
	}
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	cleaner := &TombstoneCleaner{db: db, interval: opts.TombstoneCleanupInterval}
	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		cleaner.Run(ctx)
	}()
	return db, nil
}

func (db *DB) DocumentStore() *docstore.Store { return db.docs }

func (db *DB) Bus() *notify.Bus { return db.bus }

func (db *DB) indexPath(id int64) string {
	return filepath.Join(db.opts.Dir, "indexes", fmt.Sprintf("idx%x", id))
}

func (db *DB) NextIndexId() int64 {
	return db.nextIndexId.Add(1)
}

// CreateAutoMapIndex creates, initializes, starts and registers an
// auto-map index.
func (db *DB) CreateAutoMapIndex(definition *AutoMapDefinition) (*Index, error) {
	idx, err := NewAutoMapIndex(db.NextIndexId(), definition, IndexOptions{
		Logger:            db.log,
		MaxDocsPerBatch:   db.opts.MaxDocsPerBatch,
		MaxBatchSizeBytes: db.opts.MaxBatchSizeBytes,
	})
	if err != nil {
		return nil, err
	}
	if err := idx.Initialize(db); err != nil {
		return nil, err
	}
	if err := idx.Start(); err != nil {
		_ = idx.Dispose()
		return nil, err
	}
	db.indexes.Store(idx.Name(), idx)
	return idx, nil
}

// OpenIndex reopens an existing index environment by id, dispatching
// on the stored index type.
func (db *DB) OpenIndex(id int64) (*Index, error) {
	if id <= 0 {
		return nil, tide_errors.ErrInvalidIndexId
	}
	path := db.indexPath(id)
	t, err := ReadIndexType(path)
	if err != nil {
		return nil, err
	}
	switch t {
	case IndexTypeAutoMap:
	default:
		return nil, tide_errors.ErrUnknownIndexType
	}
	env, err := openStorageEnv(path, false)
	if err != nil {
		return nil, err
	}
	storage := newIndexStorage(env)
	ctx := &IndexContext{env: env}
	ctx.OpenReadTransaction()
	definition, err := storage.ReadDefinition(ctx)
	ctx.Reset()
	_ = env.Close()
	if err != nil {
		return nil, err
	}
	idx, err := newIndex(id, definition, IndexOptions{
		Logger:            db.log,
		MaxDocsPerBatch:   db.opts.MaxDocsPerBatch,
		MaxBatchSizeBytes: db.opts.MaxBatchSizeBytes,
	})
	if err != nil {
		return nil, err
	}
	if err := idx.Initialize(db); err != nil {
		return nil, err
	}
	if err := idx.Start(); err != nil {
		_ = idx.Dispose()
		return nil, err
	}
	db.indexes.Store(idx.Name(), idx)
	return idx, nil
}

func (db *DB) GetIndex(name string) (*Index, error) {
	idx, ok := db.indexes.Load(name)
	if !ok {
		return nil, tide_errors.ErrIndexUnknown
	}
	return idx, nil
}

func (db *DB) Indexes() []*Index {
	var out []*Index
	db.indexes.Range(func(_ string, idx *Index) bool {
		out = append(out, idx)
		return true
	})
	return out
}

// Collectors returns every registrable collector of the database: the
// package metrics plus one storage collector per environment.
func (db *DB) Collectors() []prometheus.Collector {
	out := Metrics()
	out = append(out, db.docs.Collector())
	for _, idx := range db.Indexes() {
		out = append(out, idx.StorageCollector())
	}
	return out
}

// Close disposes every index, then the store and the bus. Errors on
// the way down are aggregated, not short-circuited.
func (db *DB) Close() error {
	db.cancel()
	db.wg.Wait()
	var result error
	db.indexes.Range(func(name string, idx *Index) bool {
		if err := idx.Dispose(); err != nil {
			result = multierror.Append(result, err)
		}
		db.indexes.Delete(name)
		return true
	})
	if err := db.docs.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := db.bus.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
