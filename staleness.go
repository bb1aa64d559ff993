package tide

import "github.com/tidedb/tide/docstore"

// IsStale reports whether the index lags the document store, with no
// cutoff. IsStaleAsOf takes a cutoff: changes above it are not counted
// against the index.
func (idx *Index) IsStale(docCtx *docstore.Context) bool {
	indexCtx, release := idx.contexts.AllocateOperationContext()
	defer release()
	indexCtx.OpenReadTransaction()
	return idx.isStale(docCtx, indexCtx, nil)
}

func (idx *Index) IsStaleAsOf(docCtx *docstore.Context, indexCtx *IndexContext, cutoff *uint64) bool {
	return idx.isStale(docCtx, indexCtx, cutoff)
}

func (idx *Index) isStale(docCtx *docstore.Context, indexCtx *IndexContext, cutoff *uint64) bool {
	for _, collection := range idx.collections {
		lastDocEtag := docCtx.LastDocumentEtag(collection)
		lastMappedEtag := idx.storage.ReadLastMappedEtag(indexCtx, collection)

		if cutoff == nil {
			if lastDocEtag > lastMappedEtag {
				return true
			}
			lastTombstoneEtag := docCtx.LastTombstoneEtag(collection)
			lastProcessed := idx.storage.ReadLastProcessedTombstoneEtag(indexCtx, collection)
			if lastTombstoneEtag > lastProcessed {
				return true
			}
			continue
		}

		if min(*cutoff, lastDocEtag) > lastMappedEtag {
			return true
		}
		lastProcessed := idx.storage.ReadLastProcessedTombstoneEtag(indexCtx, collection)
		for ts := range docCtx.TombstonesWithDocEtagLowerThan(collection, *cutoff) {
			if ts.Etag > lastProcessed {
				return true
			}
		}
	}
	return false
}
