package docstore

import (
	"encoding/binary"
	"encoding/json"
	"iter"
	"log/slog"
	"math"
	"sync"

	"github.com/cockroachdb/pebble"
)

const defaultLogLevel = slog.LevelInfo

// Context is a scoped read view of the store. A read transaction is a
// pebble snapshot; Reset drops it so the next open observes later
// writes.
type Context struct {
	store *Store
	snap  *pebble.Snapshot
}

func (c *Context) OpenReadTransaction() {
	if c.snap == nil {
		c.snap = c.store.db.NewSnapshot()
	}
}

func (c *Context) Reset() {
	if c.snap != nil {
		_ = c.snap.Close()
		c.snap = nil
	}
}

func (c *Context) reader() pebble.Reader {
	if c.snap != nil {
		return c.snap
	}
	return c.store.db
}

func (c *Context) readEtag(key []byte) uint64 {
	val, closer, err := c.reader().Get(key)
	if err != nil {
		return 0
	}
	etag := binary.BigEndian.Uint64(val)
	_ = closer.Close()
	return etag
}

func (c *Context) LastDocumentEtag(collection string) uint64 {
	return c.readEtag(lastDocEtagKey(collection))
}

func (c *Context) LastTombstoneEtag(collection string) uint64 {
	return c.readEtag(lastTombstoneEtagKey(collection))
}

func (c *Context) Get(collection, key string) (*Document, error) {
	return getDocument(c.reader(), collection, key)
}

// DocumentsAfter yields the collection's documents with etag strictly
// greater than the given one, in etag order.
func (c *Context) DocumentsAfter(collection string, etag uint64) iter.Seq[*Document] {
	return func(yield func(*Document) bool) {
		it, err := c.reader().NewIter(&pebble.IterOptions{
			LowerBound: byEtagKey(collection, etag+1),
			UpperBound: byEtagKey(collection, math.MaxUint64),
		})
		if err != nil {
			return
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			doc, err := getDocument(c.reader(), collection, string(it.Value()))
			if err != nil {
				continue
			}
			if !yield(doc) {
				return
			}
		}
	}
}

// TombstonesAfter yields tombstones with etag strictly greater than
// the given one, in etag order.
func (c *Context) TombstonesAfter(collection string, etag uint64) iter.Seq[*Tombstone] {
	return c.tombstones(collection, etag, math.MaxUint64)
}

// TombstonesWithDocEtagLowerThan yields tombstones whose deleted
// document had etag at or below the cutoff. Used by cutoff staleness
// checks.
func (c *Context) TombstonesWithDocEtagLowerThan(collection string, cutoff uint64) iter.Seq[*Tombstone] {
	all := c.tombstones(collection, 0, math.MaxUint64)
	return func(yield func(*Tombstone) bool) {
		for ts := range all {
			if ts.DocEtag > cutoff {
				continue
			}
			if !yield(ts) {
				return
			}
		}
	}
}

func (c *Context) tombstones(collection string, after, til uint64) iter.Seq[*Tombstone] {
	return func(yield func(*Tombstone) bool) {
		it, err := c.reader().NewIter(&pebble.IterOptions{
			LowerBound: tombstoneKey(collection, after+1),
			UpperBound: tombstoneKey(collection, til),
		})
		if err != nil {
			return
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			var ts Tombstone
			if err := json.Unmarshal(it.Value(), &ts); err != nil {
				continue
			}
			if !yield(&ts) {
				return
			}
		}
	}
}

// ContextPool hands out scoped contexts. Release resets the context
// before returning it, so a pooled context never leaks a snapshot.
type ContextPool struct {
	store *Store
	pool  sync.Pool
}

func newContextPool(s *Store) *ContextPool {
	return &ContextPool{
		store: s,
		pool: sync.Pool{
			New: func() any { return &Context{store: s} },
		},
	}
}

func (p *ContextPool) AllocateOperationContext() (*Context, func()) {
	if p.store.closed.Load() {
		ctx := &Context{store: p.store}
		return ctx, func() {}
	}
	ctx := p.pool.Get().(*Context)
	release := func() {
		ctx.Reset()
		p.pool.Put(ctx)
	}
	return ctx, release
}
