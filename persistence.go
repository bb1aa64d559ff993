package tide

import (
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/tidedb/tide/fulltext"
)

// IndexWriter accepts map and delete work for one batch. The concrete
// writer is fulltext.Writer; tests substitute failing ones.
type IndexWriter interface {
	HandleMap(key string, fields map[string]string) (analyzerErrs []error, err error)
	HandleDelete(key string) error
}

// IndexPersistence owns the full-text side of the environment: writers
// bound to the current storage batch and the searcher generation
// visible to queries.
type IndexPersistence struct {
	env       *storageEnv
	newWriter func(batch *pebble.Batch) IndexWriter

	lock     sync.RWMutex
	searcher *fulltext.Searcher
}

func newIndexPersistence(env *storageEnv) *IndexPersistence {
	return &IndexPersistence{
		env: env,
		newWriter: func(batch *pebble.Batch) IndexWriter {
			return fulltext.NewWriter(batch)
		},
		searcher: fulltext.NewSearcher(env.db),
	}
}

// OpenWriter binds a write handle to the given storage transaction.
func (p *IndexPersistence) OpenWriter(ctx *IndexContext) IndexWriter {
	return p.newWriter(ctx.writer())
}

// UseSearcher runs fn against the current searcher generation. The
// searcher cannot be swapped out while fn runs, so fn must not block
// on indexing progress.
func (p *IndexPersistence) UseSearcher(fn func(*fulltext.Searcher) error) error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return fn(p.searcher)
}

// RecreateSearcher installs a fresh generation over the committed
// state. Called exactly once after a commit in which any write
// occurred; readers opened before the call keep the pre-batch view.
func (p *IndexPersistence) RecreateSearcher() {
	next := fulltext.NewSearcher(p.env.db)
	p.lock.Lock()
	old := p.searcher
	p.searcher = next
	p.lock.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (p *IndexPersistence) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.searcher == nil {
		return nil
	}
	err := p.searcher.Close()
	p.searcher = nil
	return err
}

// lazyWriter opens the full-text writer on first use. A batch that
// processes nothing never opens one, and the searcher is then not
// recreated after commit.
type lazyWriter struct {
	persistence *IndexPersistence
	ctx         *IndexContext
	writer      IndexWriter
}

func (lw *lazyWriter) Writer() IndexWriter {
	if lw.writer == nil {
		lw.writer = lw.persistence.OpenWriter(lw.ctx)
	}
	return lw.writer
}

func (lw *lazyWriter) Created() bool {
	return lw.writer != nil
}
