// Package fulltext provides the searchable-entry substructure of an
// index storage environment.
//
// The underlying structure is an equality-term inverted index: a
// term hash -> entry key multimap plus a forward list per entry used
// for deletes. Entries are written through the enclosing storage
// batch, so one commit covers index metadata and search entries alike.
package fulltext

import (
	"encoding/binary"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidedb/tide/tide_errors"
)

var (
	ErrNotIndexed     = errors.New("entry not present in the index")
	ErrSearcherClosed = errors.New("searcher is closed")
)

func storedKey(key string) []byte {
	return append([]byte{'d'}, key...)
}

func forwardKey(key string) []byte {
	return append([]byte{'f'}, key...)
}

func postingKey(term uint64, key string) []byte {
	k := binary.BigEndian.AppendUint64([]byte{'t'}, term)
	k = append(k, 0)
	return append(k, key...)
}

func postingBounds(term uint64) (lo, hi []byte) {
	lo = binary.BigEndian.AppendUint64([]byte{'t'}, term)
	lo = append(lo, 0)
	hi = binary.BigEndian.AppendUint64([]byte{'t'}, term)
	hi = append(hi, 1)
	return
}

// analyze turns one field into its term hash. Field names fold case;
// values fold case and trim surrounding space.
func analyze(key, field, value string) (uint64, error) {
	if field == "" || !utf8.ValidString(value) {
		return 0, &tide_errors.AnalyzerError{
			Key:   key,
			Field: field,
			Inner: errors.New("unanalyzable field"),
		}
	}
	term := strings.ToLower(field) + "=" + strings.ToLower(strings.TrimSpace(value))
	return xxhash.Sum64([]byte(term)), nil
}

// Writer adds and removes entries through a storage batch. It is not
// safe for concurrent use; only the indexing loop holds one.
type Writer struct {
	batch *pebble.Batch
}

// NewWriter binds a writer to an indexed storage batch. The batch must
// be indexed: deletes read the entry's forward list back through it.
func NewWriter(batch *pebble.Batch) *Writer {
	return &Writer{batch: batch}
}

// HandleMap inserts or replaces the entry for a key. Unanalyzable
// fields are skipped and reported via AnalyzerError; the remaining
// fields of the same entry are still written.
func (w *Writer) HandleMap(key string, fields map[string]string) (analyzerErrs []error, err error) {
	if err := w.handleDelete(key); err != nil && err != ErrNotIndexed {
		return nil, err
	}
	terms := make([]uint64, 0, len(fields))
	for field, value := range fields {
		term, aerr := analyze(key, field, value)
		if aerr != nil {
			analyzerErrs = append(analyzerErrs, aerr)
			continue
		}
		terms = append(terms, term)
	}
	stored, err := json.Marshal(fields)
	if err != nil {
		return analyzerErrs, errors.Wrap(err, "marshal stored fields")
	}
	forward, err := json.Marshal(terms)
	if err != nil {
		return analyzerErrs, errors.Wrap(err, "marshal forward list")
	}
	if err := w.batch.Set(storedKey(key), stored, nil); err != nil {
		return analyzerErrs, err
	}
	if err := w.batch.Set(forwardKey(key), forward, nil); err != nil {
		return analyzerErrs, err
	}
	for _, term := range terms {
		if err := w.batch.Set(postingKey(term, key), []byte{}, nil); err != nil {
			return analyzerErrs, err
		}
	}
	return analyzerErrs, nil
}

// HandleDelete removes the entry for a key. Deleting an absent key is
// a no-op.
func (w *Writer) HandleDelete(key string) error {
	err := w.handleDelete(key)
	if err == ErrNotIndexed {
		return nil
	}
	return err
}

func (w *Writer) handleDelete(key string) error {
	val, closer, err := w.batch.Get(forwardKey(key))
	if err == pebble.ErrNotFound {
		return ErrNotIndexed
	}
	if err != nil {
		return errors.Wrap(err, "read forward list")
	}
	var terms []uint64
	err = json.Unmarshal(val, &terms)
	_ = closer.Close()
	if err != nil {
		return errors.Wrap(err, "parse forward list")
	}
	for _, term := range terms {
		if err := w.batch.Delete(postingKey(term, key), nil); err != nil {
			return err
		}
	}
	if err := w.batch.Delete(forwardKey(key), nil); err != nil {
		return err
	}
	return w.batch.Delete(storedKey(key), nil)
}

// Searcher answers term queries against one committed generation of
// the index. Searchers are cheap; queries hold one each and they may
// run concurrently.
type Searcher struct {
	snap  *pebble.Snapshot
	cache *lru.Cache[uint64, []string]
}

const postingCacheSize = 4096

func NewSearcher(db *pebble.DB) *Searcher {
	cache, _ := lru.New[uint64, []string](postingCacheSize)
	return &Searcher{snap: db.NewSnapshot(), cache: cache}
}

// Search returns the keys of entries holding field=value, in key order.
func (s *Searcher) Search(field, value string) ([]string, error) {
	if s.snap == nil {
		return nil, ErrSearcherClosed
	}
	term, err := analyze("", field, value)
	if err != nil {
		return nil, err
	}
	if keys, ok := s.cache.Get(term); ok {
		return keys, nil
	}
	lo, hi := postingBounds(term)
	it, err := s.snap.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, errors.Wrap(err, "open posting iterator")
	}
	defer it.Close()
	var keys []string
	for valid := it.First(); valid; valid = it.Next() {
		keys = append(keys, string(it.Key()[10:]))
	}
	s.cache.Add(term, keys)
	return keys, nil
}

// StoredFields returns the fields stored for an entry.
func (s *Searcher) StoredFields(key string) (map[string]string, error) {
	if s.snap == nil {
		return nil, ErrSearcherClosed
	}
	val, closer, err := s.snap.Get(storedKey(key))
	if err == pebble.ErrNotFound {
		return nil, ErrNotIndexed
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var fields map[string]string
	if err := json.Unmarshal(val, &fields); err != nil {
		return nil, errors.Wrap(err, "parse stored fields")
	}
	return fields, nil
}

// EntriesCount counts the entries in this generation.
func (s *Searcher) EntriesCount() (uint64, error) {
	if s.snap == nil {
		return 0, ErrSearcherClosed
	}
	it, err := s.snap.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'d'},
		UpperBound: []byte{'e'},
	})
	if err != nil {
		return 0, errors.Wrap(err, "open entries iterator")
	}
	defer it.Close()
	var count uint64
	for valid := it.First(); valid; valid = it.Next() {
		count++
	}
	return count, nil
}

func (s *Searcher) Close() error {
	if s.snap == nil {
		return nil
	}
	err := s.snap.Close()
	s.snap = nil
	s.cache.Purge()
	return err
}
