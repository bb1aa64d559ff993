// Package docstore is a compact document store over pebble. Documents
// and tombstones share one 64-bit etag sequence; every write publishes
// a change notification for the collection it touched.
package docstore

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/tidedb/tide/notify"
	"github.com/tidedb/tide/tide_errors"
	"github.com/tidedb/tide/utils"
)

type Document struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Etag       uint64          `json:"etag"`
	Data       json.RawMessage `json:"data"`
}

// Tombstone marks a deleted document. DocEtag is the etag the document
// had when it was deleted; Etag is the tombstone's own sequence number.
type Tombstone struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Etag       uint64 `json:"etag"`
	DocEtag    uint64 `json:"docEtag"`
}

type Options struct {
	InMemory bool
	Logger   utils.Logger
	Bus      *notify.Bus
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(defaultLogLevel)
	}
	if o.Bus == nil {
		o.Bus = notify.NewBus()
	}
}

type Store struct {
	db   *pebble.DB
	dir  string
	bus  *notify.Bus
	log  utils.Logger
	etag atomic.Uint64

	wlock  sync.Mutex
	closed atomic.Bool

	pool *ContextPool
}

var writeOptions = pebble.WriteOptions{Sync: false}

func docKey(collection, key string) []byte {
	k := append([]byte{'D'}, strings.ToLower(collection)...)
	k = append(k, 0)
	return append(k, key...)
}

func byEtagKey(collection string, etag uint64) []byte {
	k := append([]byte{'C'}, strings.ToLower(collection)...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, etag)
}

func tombstoneKey(collection string, etag uint64) []byte {
	k := append([]byte{'X'}, strings.ToLower(collection)...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, etag)
}

func lastDocEtagKey(collection string) []byte {
	return append([]byte{'L'}, strings.ToLower(collection)...)
}

func lastTombstoneEtagKey(collection string) []byte {
	return append([]byte{'K'}, strings.ToLower(collection)...)
}

var keyGlobalEtag = []byte("Metag")

func Open(dir string, opts Options) (*Store, error) {
	opts.SetDefaults()
	popts := &pebble.Options{}
	if opts.InMemory {
		popts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, dir: dir, bus: opts.Bus, log: opts.Logger}
	val, closer, err := db.Get(keyGlobalEtag)
	if err == nil {
		s.etag.Store(binary.BigEndian.Uint64(val))
	} else if err != pebble.ErrNotFound {
		_ = db.Close()
		return nil, err
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.pool = newContextPool(s)
	return s, nil
}

func (s *Store) Bus() *notify.Bus { return s.bus }

func (s *Store) ContextPool() *ContextPool { return s.pool }

// Put stores a document, assigns it the next etag and publishes the
// change. Overwriting a document retires its old by-etag entry so the
// collection change feed holds one entry per live document.
func (s *Store) Put(collection, key string, data json.RawMessage) (uint64, error) {
	if s.closed.Load() {
		return 0, tide_errors.ErrStoreClosed
	}
	s.wlock.Lock()
	defer s.wlock.Unlock()

	etag := s.etag.Add(1)
	doc := Document{Collection: collection, Key: key, Etag: etag, Data: data}
	body, err := json.Marshal(&doc)
	if err != nil {
		return 0, err
	}

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	if prev, err := getDocument(batch, collection, key); err == nil {
		_ = batch.Delete(byEtagKey(collection, prev.Etag), &writeOptions)
	} else if err != tide_errors.ErrDocumentUnknown {
		return 0, err
	}

	_ = batch.Set(docKey(collection, key), body, &writeOptions)
	_ = batch.Set(byEtagKey(collection, etag), []byte(key), &writeOptions)

	var be [8]byte
	binary.BigEndian.PutUint64(be[:], etag)
	_ = batch.Set(lastDocEtagKey(collection), be[:], &writeOptions)
	_ = batch.Set(keyGlobalEtag, be[:], &writeOptions)

	if err := batch.Commit(&writeOptions); err != nil {
		return 0, err
	}
	s.bus.PublishDocumentChange(notify.DocumentChange{Collection: collection, Key: key, Etag: etag})
	return etag, nil
}

// Delete removes a document and leaves a tombstone in its place. The
// tombstone gets its own etag from the same sequence.
func (s *Store) Delete(collection, key string) (uint64, bool, error) {
	if s.closed.Load() {
		return 0, false, tide_errors.ErrStoreClosed
	}
	s.wlock.Lock()
	defer s.wlock.Unlock()

	doc, err := getDocument(s.db, collection, key)
	if err == tide_errors.ErrDocumentUnknown {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	etag := s.etag.Add(1)
	ts := Tombstone{Collection: collection, Key: key, Etag: etag, DocEtag: doc.Etag}
	body, err := json.Marshal(&ts)
	if err != nil {
		return 0, false, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	_ = batch.Delete(docKey(collection, key), &writeOptions)
	_ = batch.Delete(byEtagKey(collection, doc.Etag), &writeOptions)
	_ = batch.Set(tombstoneKey(collection, etag), body, &writeOptions)

	var be [8]byte
	binary.BigEndian.PutUint64(be[:], etag)
	_ = batch.Set(lastTombstoneEtagKey(collection), be[:], &writeOptions)
	_ = batch.Set(keyGlobalEtag, be[:], &writeOptions)

	if err := batch.Commit(&writeOptions); err != nil {
		return 0, false, err
	}
	s.bus.PublishDocumentChange(notify.DocumentChange{Collection: collection, Key: key, Etag: etag})
	return etag, true, nil
}

// PurgeTombstonesUpTo drops every tombstone of the collection with
// etag at or below the given bound. The tombstone cleaner calls this
// once every subscriber has processed past the bound.
func (s *Store) PurgeTombstonesUpTo(collection string, etag uint64) error {
	if s.closed.Load() {
		return tide_errors.ErrStoreClosed
	}
	return s.db.DeleteRange(
		tombstoneKey(collection, 0),
		tombstoneKey(collection, etag+1),
		&writeOptions,
	)
}

func getDocument(reader pebble.Reader, collection, key string) (*Document, error) {
	val, closer, err := reader.Get(docKey(collection, key))
	if err == pebble.ErrNotFound {
		return nil, tide_errors.ErrDocumentUnknown
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var doc Document
	if err := json.Unmarshal(val, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// RemoveAll wipes the store directory. Test helper, not for the write path.
func (s *Store) RemoveAll() error {
	return os.RemoveAll(s.dir)
}
