package tide

import (
	"context"

	"github.com/tidedb/tide/docstore"
	"github.com/tidedb/tide/tide_errors"
)

// Worker is one unit of the per-batch pipeline. Execute consumes from
// the document store, writes through the lazy writer and advances the
// index's etags in the open write transaction. It returns
// moreAvailable=true when it stopped on a batch budget rather than
// source exhaustion.
type Worker interface {
	Name() string
	Execute(ctx context.Context, docCtx *docstore.Context, indexCtx *IndexContext, writer *lazyWriter, stats *BatchStats) (moreAvailable bool, err error)
}

// cleanupDeletedDocuments consumes tombstones per collection, from the
// last processed one forward, and removes the matching entries.
type cleanupDeletedDocuments struct {
	index *Index
}

func (w *cleanupDeletedDocuments) Name() string { return "CleanupDeletedDocuments" }

func (w *cleanupDeletedDocuments) Execute(ctx context.Context, docCtx *docstore.Context, indexCtx *IndexContext, writer *lazyWriter, stats *BatchStats) (bool, error) {
	idx := w.index
	more := false
	for _, collection := range idx.collections {
		if ctx.Err() != nil {
			return more, context.Cause(ctx)
		}
		processed := 0
		last := idx.storage.ReadLastProcessedTombstoneEtag(indexCtx, collection)
		for ts := range docCtx.TombstonesAfter(collection, last) {
			if ctx.Err() != nil {
				return more, context.Cause(ctx)
			}
			if processed >= idx.opts.MaxDocsPerBatch {
				more = true
				break
			}
			if err := writer.Writer().HandleDelete(ts.Key); err != nil {
				return more, tide_errors.NewIndexWriteError(err, isTransientError(err))
			}
			last = ts.Etag
			if err := idx.storage.WriteLastProcessedTombstoneEtag(indexCtx, collection, last); err != nil {
				return more, err
			}
			processed++
			stats.TombstonesProcessed++
			IndexingProcessedTombstones.WithLabelValues(idx.Name(), collection).Inc()
		}
	}
	return more, nil
}

// mapDocuments consumes documents per collection, from the last mapped
// etag forward, through the definition's map function.
type mapDocuments struct {
	index *Index
}

func (w *mapDocuments) Name() string { return "MapDocuments" }

func (w *mapDocuments) Execute(ctx context.Context, docCtx *docstore.Context, indexCtx *IndexContext, writer *lazyWriter, stats *BatchStats) (bool, error) {
	idx := w.index
	more := false
	for _, collection := range idx.collections {
		if ctx.Err() != nil {
			return more, context.Cause(ctx)
		}
		mapped := 0
		var bytes int64
		last := idx.storage.ReadLastMappedEtag(indexCtx, collection)
		for doc := range docCtx.DocumentsAfter(collection, last) {
			if ctx.Err() != nil {
				return more, context.Cause(ctx)
			}
			if mapped >= idx.opts.MaxDocsPerBatch || bytes >= idx.opts.MaxBatchSizeBytes {
				more = true
				break
			}
			stats.MapAttempts++
			fields, ok := idx.definition.MapDocument(doc)
			if ok {
				analyzerErrs, err := writer.Writer().HandleMap(doc.Key, fields)
				if err != nil {
					stats.MapErrors++
					return more, tide_errors.NewIndexWriteError(err, isTransientError(err))
				}
				stats.AnalyzerErrors += len(analyzerErrs)
				for _, aerr := range analyzerErrs {
					idx.log.Warn("analyzer error", "index", idx.Name(), "error", aerr)
				}
				stats.MapSuccesses++
				IndexingMappedDocuments.WithLabelValues(idx.Name(), collection).Inc()
			}
			last = doc.Etag
			if err := idx.storage.WriteLastMappedEtag(indexCtx, collection, last); err != nil {
				return more, err
			}
			mapped++
			bytes += int64(len(doc.Data))
			stats.BytesIndexed += int64(len(doc.Data))
		}
	}
	return more, nil
}
