package tide

import (
	"context"
	"time"
)

// TombstoneCleaner purges tombstones every subscriber has processed.
// Per collection, the bound is the minimum last-processed tombstone
// etag across all indexes mapping it.
type TombstoneCleaner struct {
	db       *DB
	interval time.Duration
}

func (tc *TombstoneCleaner) Run(ctx context.Context) {
	for ctx.Err() == nil {
		tc.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(tc.interval):
		}
	}
}

func (tc *TombstoneCleaner) cycle(ctx context.Context) {
	bounds := make(map[string]uint64)
	tc.db.indexes.Range(func(_ string, idx *Index) bool {
		if idx.isDisposed() {
			return true
		}
		for collection, etag := range idx.GetLastProcessedTombstoneEtags() {
			if bound, ok := bounds[collection]; !ok || etag < bound {
				bounds[collection] = etag
			}
		}
		return true
	})
	for collection, etag := range bounds {
		if etag == 0 {
			continue
		}
		if err := tc.db.docs.PurgeTombstonesUpTo(collection, etag); err != nil {
			tc.db.log.ErrorCtx(ctx, "failed to purge tombstones",
				"collection", collection, "etag", etag, "error", err)
			continue
		}
		TombstonesPurged.WithLabelValues(collection).Inc()
	}
}
