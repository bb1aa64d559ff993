package fulltext

import (
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/tide_errors"
)

func testEnv(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open("fulltext-test", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func commit(t *testing.T, batch *pebble.Batch) {
	t.Helper()
	require.NoError(t, batch.Commit(&pebble.WriteOptions{Sync: false}))
	require.NoError(t, batch.Close())
}

func TestWriteAndSearch(t *testing.T) {
	db := testEnv(t)

	batch := db.NewIndexedBatch()
	w := NewWriter(batch)
	aerrs, err := w.HandleMap("users/1", map[string]string{"name": "Bob", "city": "Oslo"})
	require.NoError(t, err)
	assert.Empty(t, aerrs)
	aerrs, err = w.HandleMap("users/2", map[string]string{"name": "Alice", "city": "Oslo"})
	require.NoError(t, err)
	assert.Empty(t, aerrs)
	commit(t, batch)

	s := NewSearcher(db)
	defer s.Close()

	keys, err := s.Search("city", "Oslo")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/1", "users/2"}, keys)

	// terms fold case and trim space
	keys, err = s.Search("City", " oslo ")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = s.Search("name", "Bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/1"}, keys)

	keys, err = s.Search("name", "Nobody")
	require.NoError(t, err)
	assert.Empty(t, keys)

	count, err := s.EntriesCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestRemapReplacesOldTerms(t *testing.T) {
	db := testEnv(t)

	batch := db.NewIndexedBatch()
	w := NewWriter(batch)
	_, err := w.HandleMap("users/1", map[string]string{"city": "Oslo"})
	require.NoError(t, err)
	commit(t, batch)

	batch = db.NewIndexedBatch()
	w = NewWriter(batch)
	_, err = w.HandleMap("users/1", map[string]string{"city": "Bergen"})
	require.NoError(t, err)
	commit(t, batch)

	s := NewSearcher(db)
	defer s.Close()
	keys, err := s.Search("city", "Oslo")
	require.NoError(t, err)
	assert.Empty(t, keys)
	keys, err = s.Search("city", "Bergen")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/1"}, keys)
}

func TestHandleDelete(t *testing.T) {
	db := testEnv(t)

	batch := db.NewIndexedBatch()
	w := NewWriter(batch)
	_, err := w.HandleMap("users/1", map[string]string{"city": "Oslo"})
	require.NoError(t, err)
	commit(t, batch)

	batch = db.NewIndexedBatch()
	w = NewWriter(batch)
	require.NoError(t, w.HandleDelete("users/1"))
	// deleting an absent key is a no-op
	require.NoError(t, w.HandleDelete("users/404"))
	commit(t, batch)

	s := NewSearcher(db)
	defer s.Close()
	keys, err := s.Search("city", "Oslo")
	require.NoError(t, err)
	assert.Empty(t, keys)
	count, err := s.EntriesCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)
	_, err = s.StoredFields("users/1")
	assert.Equal(t, ErrNotIndexed, err)
}

func TestAnalyzerErrorDoesNotFailEntry(t *testing.T) {
	db := testEnv(t)

	batch := db.NewIndexedBatch()
	w := NewWriter(batch)
	aerrs, err := w.HandleMap("users/1", map[string]string{
		"name": "Bob",
		"":     "unanalyzable field name",
	})
	require.NoError(t, err)
	require.Len(t, aerrs, 1)
	var aerr *tide_errors.AnalyzerError
	assert.ErrorAs(t, aerrs[0], &aerr)
	commit(t, batch)

	// the analyzable field of the same entry still got indexed
	s := NewSearcher(db)
	defer s.Close()
	keys, err := s.Search("name", "Bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/1"}, keys)
}

func TestSearcherIsolatedFromLaterWrites(t *testing.T) {
	db := testEnv(t)

	batch := db.NewIndexedBatch()
	w := NewWriter(batch)
	_, err := w.HandleMap("users/1", map[string]string{"city": "Oslo"})
	require.NoError(t, err)
	commit(t, batch)

	s := NewSearcher(db)
	defer s.Close()

	batch = db.NewIndexedBatch()
	w = NewWriter(batch)
	_, err = w.HandleMap("users/2", map[string]string{"city": "Oslo"})
	require.NoError(t, err)
	commit(t, batch)

	// the old generation still answers from its snapshot
	keys, err := s.Search("city", "Oslo")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/1"}, keys)

	next := NewSearcher(db)
	defer next.Close()
	keys, err = next.Search("city", "Oslo")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestStoredFields(t *testing.T) {
	db := testEnv(t)

	batch := db.NewIndexedBatch()
	w := NewWriter(batch)
	fields := map[string]string{"name": "Bob", "city": "Oslo"}
	_, err := w.HandleMap("users/1", fields)
	require.NoError(t, err)
	commit(t, batch)

	s := NewSearcher(db)
	defer s.Close()
	got, err := s.StoredFields("users/1")
	require.NoError(t, err)
	assert.Equal(t, fields, got)
}
