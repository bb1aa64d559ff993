package tide

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/tidedb/tide/docstore"
)

type IndexType byte

const (
	IndexTypeAutoMap       IndexType = 'M'
	IndexTypeAutoMapReduce IndexType = 'R'
	IndexTypeMap           IndexType = 'm'
	IndexTypeMapReduce     IndexType = 'r'
)

func (t IndexType) IsMapReduce() bool {
	return t == IndexTypeAutoMapReduce || t == IndexTypeMapReduce
}

func (t IndexType) String() string {
	switch t {
	case IndexTypeAutoMap:
		return "AutoMap"
	case IndexTypeAutoMapReduce:
		return "AutoMapReduce"
	case IndexTypeMap:
		return "Map"
	case IndexTypeMapReduce:
		return "MapReduce"
	}
	return "Unknown"
}

// EntryKeyField is indexed for every mapped document, so any index can
// answer lookups by document key.
const EntryKeyField = "id()"

// Definition describes an index variant. Immutable once created; the
// collection set in particular is fixed for the index's lifetime.
type Definition interface {
	Name() string
	Type() IndexType
	// Collections in definition order, original casing. Matching is
	// case-insensitive.
	Collections() []string
	InitialLockMode() LockMode
	// StableHash is a content hash of the definition, one of the inputs
	// to the query cache validator.
	StableHash() uint64
	// MapDocument turns a document into the fields to index, or
	// ok=false to skip the document.
	MapDocument(doc *docstore.Document) (fields map[string]string, ok bool)
}

// AutoMapDefinition indexes a fixed field set of one or more
// collections, derived from observed queries rather than user code.
type AutoMapDefinition struct {
	IndexName string
	For       []string
	Fields    []string
	Lock      LockMode
}

func (d *AutoMapDefinition) Name() string { return d.IndexName }

func (d *AutoMapDefinition) Type() IndexType { return IndexTypeAutoMap }

func (d *AutoMapDefinition) Collections() []string { return d.For }

func (d *AutoMapDefinition) InitialLockMode() LockMode {
	if d.Lock == 0 {
		return LockModeUnlock
	}
	return d.Lock
}

func (d *AutoMapDefinition) StableHash() uint64 {
	h := xxhash.New()
	_, _ = h.Write([]byte{byte(d.Type()), 0})
	_, _ = h.Write([]byte(d.IndexName))
	for _, c := range d.For {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strings.ToLower(c)))
	}
	for _, f := range d.Fields {
		_, _ = h.Write([]byte{1})
		_, _ = h.Write([]byte(strings.ToLower(f)))
	}
	return h.Sum64()
}

func (d *AutoMapDefinition) MapDocument(doc *docstore.Document) (map[string]string, bool) {
	var raw map[string]any
	if err := json.Unmarshal(doc.Data, &raw); err != nil {
		return nil, false
	}
	fields := map[string]string{EntryKeyField: doc.Key}
	for _, name := range d.Fields {
		value, ok := raw[name]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			fields[name] = v
		case float64:
			fields[name] = formatNumber(v)
		case bool:
			if v {
				fields[name] = "true"
			} else {
				fields[name] = "false"
			}
		case nil:
			fields[name] = ""
		default:
			nested, err := json.Marshal(v)
			if err != nil {
				continue
			}
			fields[name] = string(nested)
		}
	}
	return fields, true
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

func marshalDefinition(d Definition) ([]byte, error) {
	auto, ok := d.(*AutoMapDefinition)
	if !ok {
		return nil, fmt.Errorf("cannot marshal definition of type %s", d.Type())
	}
	return json.Marshal(auto)
}

func unmarshalAutoMapDefinition(data []byte) (*AutoMapDefinition, error) {
	var d AutoMapDefinition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func appendHashUint64(h hash.Hash64, v uint64) {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], v)
	_, _ = h.Write(le[:])
}
