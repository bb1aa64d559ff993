package tide

import (
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/tidedb/tide/tide_errors"
)

// SchemaVersion of the per-index storage layout. Opening an
// environment written at any other version is fatal.
const SchemaVersion uint64 = 1

const errorsRingSize = 50

var (
	keySchema   = []byte("Mschema")
	keyPriority = []byte("Mpriority")
	keyLock     = []byte("Mlock")
	keyStats    = []byte("Mstats")
	keyType     = []byte("Mtype")
	keyName     = []byte("Mname")
	keyDef      = []byte("Mdef")
)

var indexWriteOptions = pebble.WriteOptions{Sync: false}

func mappedEtagKey(collection string) []byte {
	return append([]byte{'E'}, strings.ToLower(collection)...)
}

func tombstoneEtagKey(collection string) []byte {
	return append([]byte{'G'}, strings.ToLower(collection)...)
}

func errorRingKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{'R'}, seq)
}

// storageEnv is one per-index pebble environment. The metadata trees
// and the full-text substructure share it, so one batch commit covers
// both.
type storageEnv struct {
	db       *pebble.DB
	path     string
	inMemory bool
}

func openStorageEnv(path string, inMemory bool) (*storageEnv, error) {
	opts := &pebble.Options{}
	if inMemory {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	env := &storageEnv{db: db, path: path, inMemory: inMemory}
	if err := env.checkSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return env, nil
}

func (env *storageEnv) checkSchema() error {
	val, closer, err := env.db.Get(keySchema)
	if err == pebble.ErrNotFound {
		var be [8]byte
		binary.BigEndian.PutUint64(be[:], SchemaVersion)
		return env.db.Set(keySchema, be[:], &indexWriteOptions)
	}
	if err != nil {
		return err
	}
	version := binary.BigEndian.Uint64(val)
	_ = closer.Close()
	if version != SchemaVersion {
		return tide_errors.ErrSchemaVersionMismatch
	}
	return nil
}

func (env *storageEnv) Close() error {
	return env.db.Close()
}

// IndexContext is a scoped transaction view of an index environment.
// A write transaction is an indexed pebble batch, a read transaction a
// snapshot. At most one of the two is open at a time.
type IndexContext struct {
	env   *storageEnv
	batch *pebble.Batch
	snap  *pebble.Snapshot
}

func (c *IndexContext) OpenReadTransaction() {
	if c.snap == nil && c.batch == nil {
		c.snap = c.env.db.NewSnapshot()
	}
}

func (c *IndexContext) OpenWriteTransaction() {
	if c.batch == nil {
		c.Reset()
		c.batch = c.env.db.NewIndexedBatch()
	}
}

// Commit applies the write transaction atomically. The context is left
// without an open transaction.
func (c *IndexContext) Commit() error {
	if c.batch == nil {
		return nil
	}
	err := c.batch.Commit(&indexWriteOptions)
	_ = c.batch.Close()
	c.batch = nil
	return err
}

// Reset drops any open transaction without committing.
func (c *IndexContext) Reset() {
	if c.batch != nil {
		_ = c.batch.Close()
		c.batch = nil
	}
	if c.snap != nil {
		_ = c.snap.Close()
		c.snap = nil
	}
}

func (c *IndexContext) WriteBatch() *pebble.Batch { return c.batch }

func (c *IndexContext) reader() pebble.Reader {
	if c.batch != nil {
		return c.batch
	}
	if c.snap != nil {
		return c.snap
	}
	return c.env.db
}

func (c *IndexContext) writer() *pebble.Batch {
	if c.batch == nil {
		panic("tide: write outside of a write transaction")
	}
	return c.batch
}

type indexContextPool struct {
	env  *storageEnv
	pool sync.Pool
}

func newIndexContextPool(env *storageEnv) *indexContextPool {
	return &indexContextPool{
		env: env,
		pool: sync.Pool{
			New: func() any { return &IndexContext{env: env} },
		},
	}
}

func (p *indexContextPool) AllocateOperationContext() (*IndexContext, func()) {
	ctx := p.pool.Get().(*IndexContext)
	release := func() {
		ctx.Reset()
		p.pool.Put(ctx)
	}
	return ctx, release
}

// IndexStorage reads and writes the persistent per-index metadata. It
// never starts transactions of its own: writers require the caller's
// open write transaction, readers run against whatever view the
// context holds.
type IndexStorage struct {
	env *storageEnv
}

func newIndexStorage(env *storageEnv) *IndexStorage {
	return &IndexStorage{env: env}
}

func (s *IndexStorage) ReadPriority(ctx *IndexContext) IndexPriority {
	val, closer, err := ctx.reader().Get(keyPriority)
	if err != nil {
		return PriorityNormal
	}
	p := IndexPriority(val[0])
	_ = closer.Close()
	return p
}

func (s *IndexStorage) WritePriority(ctx *IndexContext, p IndexPriority) error {
	return ctx.writer().Set(keyPriority, []byte{byte(p)}, nil)
}

func (s *IndexStorage) ReadLock(ctx *IndexContext) LockMode {
	val, closer, err := ctx.reader().Get(keyLock)
	if err != nil {
		return LockModeUnlock
	}
	m := LockMode(val[0])
	_ = closer.Close()
	return m
}

func (s *IndexStorage) WriteLock(ctx *IndexContext, m LockMode) error {
	return ctx.writer().Set(keyLock, []byte{byte(m)}, nil)
}

func (s *IndexStorage) readEtag(ctx *IndexContext, key []byte) uint64 {
	val, closer, err := ctx.reader().Get(key)
	if err != nil {
		return 0
	}
	etag := binary.BigEndian.Uint64(val)
	_ = closer.Close()
	return etag
}

func (s *IndexStorage) writeEtag(ctx *IndexContext, key []byte, etag uint64) error {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], etag)
	return ctx.writer().Set(key, be[:], nil)
}

func (s *IndexStorage) ReadLastMappedEtag(ctx *IndexContext, collection string) uint64 {
	return s.readEtag(ctx, mappedEtagKey(collection))
}

func (s *IndexStorage) WriteLastMappedEtag(ctx *IndexContext, collection string, etag uint64) error {
	return s.writeEtag(ctx, mappedEtagKey(collection), etag)
}

func (s *IndexStorage) ReadLastProcessedTombstoneEtag(ctx *IndexContext, collection string) uint64 {
	return s.readEtag(ctx, tombstoneEtagKey(collection))
}

func (s *IndexStorage) WriteLastProcessedTombstoneEtag(ctx *IndexContext, collection string, etag uint64) error {
	return s.writeEtag(ctx, tombstoneEtagKey(collection), etag)
}

// UpdateStats folds one batch into the accumulated stats record and
// stamps the last indexing time at batchStart+duration.
func (s *IndexStorage) UpdateStats(ctx *IndexContext, batchStart time.Time, duration time.Duration, batch *BatchStats) error {
	stats, err := s.ReadStats(ctx)
	if err != nil {
		return err
	}
	stats.IndexingBatches++
	stats.MapAttempts += uint64(batch.MapAttempts)
	stats.MapSuccesses += uint64(batch.MapSuccesses)
	stats.MapErrors += uint64(batch.MapErrors)
	stats.TombstonesProcessed += uint64(batch.TombstonesProcessed)
	stats.AnalyzerErrors += uint64(batch.AnalyzerErrors)
	stats.BytesIndexed += uint64(batch.BytesIndexed)
	stats.LastIndexingTime = batchStart.Add(duration)
	body, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return ctx.writer().Set(keyStats, body, nil)
}

func (s *IndexStorage) BumpWriteErrors(ctx *IndexContext) error {
	stats, err := s.ReadStats(ctx)
	if err != nil {
		return err
	}
	stats.WriteErrors++
	body, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return ctx.writer().Set(keyStats, body, nil)
}

func (s *IndexStorage) ReadStats(ctx *IndexContext) (*persistedStats, error) {
	val, closer, err := ctx.reader().Get(keyStats)
	if err == pebble.ErrNotFound {
		return &persistedStats{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var stats persistedStats
	if err := json.Unmarshal(val, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// RecordError appends to the bounded error ring, retiring the entry
// that falls off the window.
func (s *IndexStorage) RecordError(ctx *IndexContext, seq uint64, action string, err error) error {
	entry := IndexingError{When: time.Now().UTC(), Action: action, Message: err.Error()}
	body, merr := json.Marshal(&entry)
	if merr != nil {
		return merr
	}
	w := ctx.writer()
	if seq > errorsRingSize {
		if derr := w.Delete(errorRingKey(seq-errorsRingSize), nil); derr != nil {
			return derr
		}
	}
	return w.Set(errorRingKey(seq), body, nil)
}

// ReadErrors returns up to the last errorsRingSize recorded errors in
// chronological order.
func (s *IndexStorage) ReadErrors(ctx *IndexContext) ([]IndexingError, error) {
	it, err := ctx.reader().NewIter(&pebble.IterOptions{
		LowerBound: []byte{'R'},
		UpperBound: []byte{'S'},
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []IndexingError
	for valid := it.First(); valid; valid = it.Next() {
		var entry IndexingError
		if err := json.Unmarshal(it.Value(), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// lastErrorSeq recovers the ring position on open.
func (s *IndexStorage) lastErrorSeq() uint64 {
	it, err := s.env.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'R'},
		UpperBound: []byte{'S'},
	})
	if err != nil {
		return 0
	}
	defer it.Close()
	if !it.Last() {
		return 0
	}
	return binary.BigEndian.Uint64(it.Key()[1:])
}

func (s *IndexStorage) WriteDefinition(ctx *IndexContext, def Definition) error {
	w := ctx.writer()
	if err := w.Set(keyType, []byte{byte(def.Type())}, nil); err != nil {
		return err
	}
	if err := w.Set(keyName, []byte(def.Name()), nil); err != nil {
		return err
	}
	body, err := marshalDefinition(def)
	if err != nil {
		return err
	}
	return w.Set(keyDef, body, nil)
}

func (s *IndexStorage) ReadDefinition(ctx *IndexContext) (Definition, error) {
	t, err := s.readIndexType(ctx.reader())
	if err != nil {
		return nil, err
	}
	val, closer, err := ctx.reader().Get(keyDef)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	switch t {
	case IndexTypeAutoMap:
		return unmarshalAutoMapDefinition(val)
	default:
		return nil, tide_errors.ErrUnknownIndexType
	}
}

func (s *IndexStorage) readIndexType(reader pebble.Reader) (IndexType, error) {
	val, closer, err := reader.Get(keyType)
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	switch t := IndexType(val[0]); t {
	case IndexTypeAutoMap, IndexTypeAutoMapReduce, IndexTypeMap, IndexTypeMapReduce:
		return t, nil
	default:
		return 0, tide_errors.ErrUnknownIndexType
	}
}

// ReadIndexType inspects an existing environment to decide which index
// variant to instantiate.
func ReadIndexType(path string) (IndexType, error) {
	env, err := openStorageEnv(path, false)
	if err != nil {
		return 0, err
	}
	defer env.Close()
	return newIndexStorage(env).readIndexType(env.db)
}
