package tide

import (
	"context"
	"iter"
	"time"

	"github.com/cespare/xxhash"
	"github.com/tidedb/tide/docstore"
	"github.com/tidedb/tide/fulltext"
	"github.com/tidedb/tide/tide_errors"
)

// Retriever materializes a matching entry key into a result object.
type Retriever func(docCtx *docstore.Context, key string) (*docstore.Document, error)

type IndexQuery struct {
	Field string
	Value string

	// CutoffEtag bounds the staleness check: changes above it do not
	// make the result stale.
	CutoffEtag *uint64
	// WaitForNonStaleAsOfNow pins the cutoff to the store's latest
	// etags at query time.
	WaitForNonStaleAsOfNow bool
	// WaitTimeout bounds how long the query blocks on indexing
	// progress. Zero means the caller accepts stale results.
	WaitTimeout time.Duration

	PageSize  int
	Retriever Retriever
}

type QueryResult struct {
	IndexName      string
	IndexTimestamp time.Time
	LastQueryTime  time.Time
	IsStale        bool
	// Etag is the cache validator: identical repeat queries against an
	// unchanged index produce an identical etag.
	Etag         uint64
	TotalResults int
	Results      iter.Seq[*docstore.Document]
}

type queryWaitState struct {
	start   time.Time
	timeout time.Duration
}

func (ws *queryWaitState) elapsed() bool {
	return time.Since(ws.start) >= ws.timeout
}

func (ws *queryWaitState) remaining() time.Duration {
	rem := ws.timeout - time.Since(ws.start)
	if rem < 0 {
		return 0
	}
	return rem
}

// willBeAcceptable accepts current results, or stale ones when the
// caller configured no wait or the wait has run out.
func willBeAcceptable(isStale bool, q *IndexQuery, ws *queryWaitState) bool {
	if !isStale {
		return true
	}
	if q.WaitTimeout == 0 {
		return true
	}
	return ws != nil && ws.elapsed()
}

// Query answers a term query with the staleness semantics the caller
// asked for: serve now, or block until the index catches up, bounded
// by the wait timeout.
func (idx *Index) Query(ctx context.Context, q *IndexQuery, docCtx *docstore.Context) (*QueryResult, error) {
	if idx.isDisposed() {
		return nil, tide_errors.ErrDisposed
	}
	if !idx.isInitialized() {
		return nil, tide_errors.ErrNotInitialized
	}
	start := time.Now()
	QueryCount.WithLabelValues(idx.Name()).Inc()
	defer func() {
		QueryDuration.WithLabelValues(idx.Name()).Observe(time.Since(start).Seconds())
	}()

	if p := idx.Priority(); p.HasFlag(PriorityIdle) && !p.HasFlag(PriorityForced) {
		if err := idx.SetPriority(PriorityNormal); err != nil {
			return nil, err
		}
	}
	idx.markQueried(start)

	if q.WaitForNonStaleAsOfNow && q.CutoffEtag == nil {
		var cutoff uint64
		for _, collection := range idx.collections {
			cutoff = max(cutoff, docCtx.LastDocumentEtag(collection))
		}
		q.CutoffEtag = &cutoff
	}

	indexCtx, release := idx.contexts.AllocateOperationContext()
	defer release()

	var waitState *queryWaitState
	var isStale bool
	for {
		// grab the broadcast channel before checking, so a batch that
		// commits between the check and the wait still wakes us
		completed := idx.batchCompleted.Listen()

		// index transaction first, then the document transaction: the
		// doc view is then at least as fresh as anything the index has
		// already mapped
		indexCtx.OpenReadTransaction()
		docCtx.OpenReadTransaction()

		isStale = idx.isStale(docCtx, indexCtx, q.CutoffEtag)
		if willBeAcceptable(isStale, q, waitState) {
			break
		}

		docCtx.Reset()
		indexCtx.Reset()
		if waitState == nil {
			waitState = &queryWaitState{start: start, timeout: q.WaitTimeout}
			QueryWaitCount.WithLabelValues(idx.Name()).Inc()
		}
		timer := time.NewTimer(waitState.remaining())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, context.Cause(ctx)
		case <-completed:
			timer.Stop()
		case <-timer.C:
		}
	}

	etag := idx.computeIndexEtag(docCtx, indexCtx, isStale)

	stats, err := idx.storage.ReadStats(indexCtx)
	if err != nil {
		return nil, err
	}

	if idx.definition.Type().IsMapReduce() {
		// results are self-contained in the index
		docCtx.Reset()
	}

	var keys []string
	err = idx.persistence.UseSearcher(func(s *fulltext.Searcher) error {
		found, serr := s.Search(q.Field, q.Value)
		keys = found
		return serr
	})
	if err != nil {
		return nil, err
	}
	total := len(keys)
	if q.PageSize > 0 && len(keys) > q.PageSize {
		keys = keys[:q.PageSize]
	}

	retrieve := q.Retriever
	if retrieve == nil {
		retrieve = func(docCtx *docstore.Context, key string) (*docstore.Document, error) {
			for _, collection := range idx.collections {
				doc, err := docCtx.Get(collection, key)
				if err == tide_errors.ErrDocumentUnknown {
					continue
				}
				return doc, err
			}
			return nil, nil
		}
	}

	results := func(yield func(*docstore.Document) bool) {
		for _, key := range keys {
			if ctx.Err() != nil {
				return
			}
			doc, err := retrieve(docCtx, key)
			if err != nil || doc == nil {
				continue
			}
			if !yield(doc) {
				return
			}
		}
	}

	return &QueryResult{
		IndexName:      idx.Name(),
		IndexTimestamp: stats.LastIndexingTime,
		LastQueryTime:  idx.LastQueryingTime(),
		IsStale:        isStale,
		Etag:           etag,
		TotalResults:   total,
		Results:        results,
	}, nil
}

// computeIndexEtag hashes the definition, the staleness bit and the
// per-collection last document and last mapped etags. Reduce progress,
// touch bumps and tombstone progress are not hashed: a delete does not
// advance the collection's last document etag, so once its tombstone is
// processed the validator is the same as before the delete.
func (idx *Index) computeIndexEtag(docCtx *docstore.Context, indexCtx *IndexContext, isStale bool) uint64 {
	h := xxhash.New()
	appendHashUint64(h, idx.definition.StableHash())
	if isStale {
		appendHashUint64(h, 0)
	} else {
		appendHashUint64(h, 1)
	}
	for _, collection := range idx.collections {
		appendHashUint64(h, docCtx.LastDocumentEtag(collection))
	}
	for _, collection := range idx.collections {
		appendHashUint64(h, idx.storage.ReadLastMappedEtag(indexCtx, collection))
	}
	return h.Sum64()
}

// GetIndexEtag computes the cache validator without reading results.
func (idx *Index) GetIndexEtag(docCtx *docstore.Context) uint64 {
	indexCtx, release := idx.contexts.AllocateOperationContext()
	defer release()
	indexCtx.OpenReadTransaction()
	docCtx.OpenReadTransaction()
	isStale := idx.isStale(docCtx, indexCtx, nil)
	return idx.computeIndexEtag(docCtx, indexCtx, isStale)
}
