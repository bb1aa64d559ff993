package docstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/notify"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("docs-test", Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutAssignsMonotonicEtags(t *testing.T) {
	s := testStore(t)

	var last uint64
	for i := 0; i < 10; i++ {
		etag, err := s.Put("Users", "users/1", json.RawMessage(`{"name":"bob"}`))
		require.NoError(t, err)
		assert.Greater(t, etag, last)
		last = etag
	}

	ctx, release := s.ContextPool().AllocateOperationContext()
	defer release()
	assert.Equal(t, last, ctx.LastDocumentEtag("Users"))
	assert.Equal(t, uint64(0), ctx.LastDocumentEtag("Orders"))
}

func TestCollectionNamesFoldCase(t *testing.T) {
	s := testStore(t)

	etag, err := s.Put("Users", "users/1", json.RawMessage(`{}`))
	require.NoError(t, err)

	ctx, release := s.ContextPool().AllocateOperationContext()
	defer release()
	assert.Equal(t, etag, ctx.LastDocumentEtag("users"))
	assert.Equal(t, etag, ctx.LastDocumentEtag("USERS"))
	doc, err := ctx.Get("uSeRs", "users/1")
	require.NoError(t, err)
	assert.Equal(t, "users/1", doc.Key)
}

func TestOverwriteRetiresOldChangeFeedEntry(t *testing.T) {
	s := testStore(t)

	_, err := s.Put("Users", "users/1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	etag2, err := s.Put("Users", "users/1", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	ctx, release := s.ContextPool().AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	var docs []*Document
	for doc := range ctx.DocumentsAfter("Users", 0) {
		docs = append(docs, doc)
	}
	require.Len(t, docs, 1)
	assert.Equal(t, etag2, docs[0].Etag)
}

func TestDeleteLeavesTombstone(t *testing.T) {
	s := testStore(t)

	docEtag, err := s.Put("Users", "users/1", json.RawMessage(`{}`))
	require.NoError(t, err)

	tsEtag, found, err := s.Delete("Users", "users/1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Greater(t, tsEtag, docEtag)

	ctx, release := s.ContextPool().AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()

	_, err = ctx.Get("Users", "users/1")
	assert.Error(t, err)

	var tombstones []*Tombstone
	for ts := range ctx.TombstonesAfter("Users", 0) {
		tombstones = append(tombstones, ts)
	}
	require.Len(t, tombstones, 1)
	assert.Equal(t, tsEtag, tombstones[0].Etag)
	assert.Equal(t, docEtag, tombstones[0].DocEtag)
	assert.Equal(t, tsEtag, ctx.LastTombstoneEtag("Users"))

	// documents change feed no longer yields the deleted doc
	count := 0
	for range ctx.DocumentsAfter("Users", 0) {
		count++
	}
	assert.Equal(t, 0, count)
}

func TestDeleteMissingDocument(t *testing.T) {
	s := testStore(t)
	_, found, err := s.Delete("Users", "users/404")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDocumentsAfterSkipsAlreadySeen(t *testing.T) {
	s := testStore(t)

	var etags []uint64
	for _, key := range []string{"users/1", "users/2", "users/3"} {
		etag, err := s.Put("Users", key, json.RawMessage(`{}`))
		require.NoError(t, err)
		etags = append(etags, etag)
	}

	ctx, release := s.ContextPool().AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	var seen []uint64
	for doc := range ctx.DocumentsAfter("Users", etags[0]) {
		seen = append(seen, doc.Etag)
	}
	assert.Equal(t, etags[1:], seen)
}

func TestTombstonesWithDocEtagLowerThan(t *testing.T) {
	s := testStore(t)

	e1, err := s.Put("Users", "users/1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = s.Put("Users", "users/2", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, _, err = s.Delete("Users", "users/1")
	require.NoError(t, err)
	_, _, err = s.Delete("Users", "users/2")
	require.NoError(t, err)

	ctx, release := s.ContextPool().AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	count := 0
	for range ctx.TombstonesWithDocEtagLowerThan("Users", e1) {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestPurgeTombstones(t *testing.T) {
	s := testStore(t)

	_, err := s.Put("Users", "users/1", json.RawMessage(`{}`))
	require.NoError(t, err)
	tsEtag, _, err := s.Delete("Users", "users/1")
	require.NoError(t, err)

	require.NoError(t, s.PurgeTombstonesUpTo("Users", tsEtag))

	ctx, release := s.ContextPool().AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	count := 0
	for range ctx.TombstonesAfter("Users", 0) {
		count++
	}
	assert.Equal(t, 0, count)
	// the high-water mark survives the purge
	assert.Equal(t, tsEtag, ctx.LastTombstoneEtag("Users"))
}

func TestWritesPublishChanges(t *testing.T) {
	bus := notify.NewBus()
	s, err := Open("docs-notify-test", Options{InMemory: true, Bus: bus})
	require.NoError(t, err)
	defer s.Close()

	got := make(chan notify.DocumentChange, 4)
	sub := bus.SubscribeDocuments(func(dc notify.DocumentChange) { got <- dc })
	defer sub.Close()

	etag, err := s.Put("Users", "users/1", json.RawMessage(`{}`))
	require.NoError(t, err)

	select {
	case change := <-got:
		assert.Equal(t, "Users", change.Collection)
		assert.Equal(t, etag, change.Etag)
	case <-time.After(time.Second):
		t.Fatal("document change not delivered")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := testStore(t)

	_, err := s.Put("Users", "users/1", json.RawMessage(`{}`))
	require.NoError(t, err)

	ctx, release := s.ContextPool().AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()

	etag2, err := s.Put("Users", "users/2", json.RawMessage(`{}`))
	require.NoError(t, err)

	// the open snapshot does not observe the later write
	count := 0
	for range ctx.DocumentsAfter("Users", 0) {
		count++
	}
	assert.Equal(t, 1, count)

	ctx.Reset()
	ctx.OpenReadTransaction()
	assert.Equal(t, etag2, ctx.LastDocumentEtag("Users"))
}
