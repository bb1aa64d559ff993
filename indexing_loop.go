package tide

import (
	"context"
	"errors"
	"os"
	"runtime/debug"
	"time"

	"github.com/tidedb/tide/notify"
	"github.com/tidedb/tide/tide_errors"
)

// writeErrorsLimit is the number of consecutive non-transient write
// errors after which the index demotes itself to Error priority.
const writeErrorsLimit = 10

// indexingLoop is the index's single background worker. One batch per
// iteration, then suspend on the wake-event until a document change or
// an unexhausted worker raises it.
func (idx *Index) indexingLoop(ctx context.Context) {
	defer idx.wg.Done()
	ctx = idx.log.WithDefaultArgs(ctx, "index", idx.Name())
	idx.log.InfoCtx(ctx, "indexing loop started")
	for {
		if ctx.Err() != nil {
			idx.log.InfoCtx(ctx, "indexing loop stopped")
			return
		}
		idx.executeBatch(ctx)
		select {
		case <-ctx.Done():
			idx.log.InfoCtx(ctx, "indexing loop stopped")
			return
		case <-idx.wake.WaitCh():
		}
	}
}

// executeBatch runs the worker pipeline inside one write transaction
// on the index environment and commits it atomically. Batch failures
// are accounted here and never propagate: the loop must not die.
func (idx *Index) executeBatch(ctx context.Context) {
	idx.indexingInProgress.Store(true)
	defer idx.indexingInProgress.Store(false)
	idx.wake.Reset()

	if idx.Priority().HasFlag(PriorityDisabled) {
		return
	}

	start := time.Now()
	stats := &BatchStats{}

	docCtx, releaseDoc := idx.docs.ContextPool().AllocateOperationContext()
	defer releaseDoc()
	indexCtx, releaseIndex := idx.contexts.AllocateOperationContext()
	defer releaseIndex()

	docCtx.OpenReadTransaction()
	indexCtx.OpenWriteTransaction()
	writer := &lazyWriter{persistence: idx.persistence, ctx: indexCtx}

	err := func() error {
		for _, worker := range idx.workers {
			more, err := worker.Execute(ctx, docCtx, indexCtx, writer, stats)
			if err != nil {
				return err
			}
			if more {
				idx.wake.Set()
			}
		}
		// a dropped transaction discards all progress at once, so the
		// in-place etag updates stay monotonic
		return indexCtx.Commit()
	}()
	if err != nil {
		idx.handleBatchError(ctx, err)
		return
	}

	if writer.Created() {
		idx.persistence.RecreateSearcher()
	}

	idx.batchCompleted.Pulse()
	idx.bus.PublishIndexChange(notify.IndexChange{Type: notify.BatchCompleted, Name: idx.Name()})

	duration := time.Since(start)
	if err := idx.updateStats(start, duration, stats); err != nil {
		idx.log.ErrorCtx(ctx, "failed to update index stats", "error", err)
	}
	idx.resetWriteErrors()

	IndexingBatchCount.WithLabelValues(idx.Name()).Inc()
	IndexingBatchDuration.WithLabelValues(idx.Name()).Observe(duration.Seconds())
	idx.batchDuration.Add(duration.Seconds())
}

func (idx *Index) handleBatchError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		idx.log.DebugCtx(ctx, "batch cancelled")
	case errors.Is(err, tide_errors.ErrOutOfMemory):
		idx.log.ErrorCtx(ctx, "out of memory during indexing, batch discarded", "error", err)
		IndexingErrorCount.WithLabelValues(idx.Name(), "oom").Inc()
		debug.FreeOSMemory()
	default:
		var iwe *tide_errors.IndexWriteError
		if errors.As(err, &iwe) {
			idx.log.ErrorCtx(ctx, "index write failed", "error", err, "transient", iwe.Transient)
			IndexingErrorCount.WithLabelValues(idx.Name(), "write").Inc()
			idx.recordError("Write", err)
			idx.handleWriteError(iwe)
			return
		}
		idx.log.WarnCtx(ctx, "batch failed, discarded", "error", err)
		IndexingErrorCount.WithLabelValues(idx.Name(), "other").Inc()
		idx.recordError("Indexing", err)
	}
}

// handleWriteError counts consecutive non-transient write failures and
// demotes the index to Error priority at the limit.
func (idx *Index) handleWriteError(iwe *tide_errors.IndexWriteError) {
	if iwe.Transient {
		return
	}
	count := idx.writeErrors.Add(1)
	idx.bumpPersistedWriteErrors()
	if count < writeErrorsLimit {
		return
	}
	if idx.Priority().HasFlag(PriorityError) {
		return
	}
	if err := idx.SetPriority(PriorityError); err != nil {
		idx.log.Error("failed to mark index as errored", "index", idx.Name(), "error", err)
	}
}

func (idx *Index) resetWriteErrors() {
	idx.writeErrors.Store(0)
}

func (idx *Index) updateStats(start time.Time, duration time.Duration, stats *BatchStats) error {
	indexCtx, release := idx.contexts.AllocateOperationContext()
	defer release()
	indexCtx.OpenWriteTransaction()
	if err := idx.storage.UpdateStats(indexCtx, start, duration, stats); err != nil {
		return err
	}
	return indexCtx.Commit()
}

func (idx *Index) bumpPersistedWriteErrors() {
	indexCtx, release := idx.contexts.AllocateOperationContext()
	defer release()
	indexCtx.OpenWriteTransaction()
	if err := idx.storage.BumpWriteErrors(indexCtx); err != nil {
		idx.log.Error("failed to bump write errors", "index", idx.Name(), "error", err)
		return
	}
	if err := indexCtx.Commit(); err != nil {
		idx.log.Error("failed to bump write errors", "index", idx.Name(), "error", err)
	}
}

func (idx *Index) recordError(action string, err error) {
	seq := idx.errorSeq.Add(1)
	indexCtx, release := idx.contexts.AllocateOperationContext()
	defer release()
	indexCtx.OpenWriteTransaction()
	if rerr := idx.storage.RecordError(indexCtx, seq, action, err); rerr != nil {
		idx.log.Error("failed to record index error", "index", idx.Name(), "error", rerr)
		return
	}
	if cerr := indexCtx.Commit(); cerr != nil {
		idx.log.Error("failed to record index error", "index", idx.Name(), "error", cerr)
	}
}

// isTransientError classifies the inner cause of a write failure.
// System-level I/O hiccups do not count toward the write-error limit.
func isTransientError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || os.IsTimeout(err)
}
