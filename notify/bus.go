// Package notify is the in-process change notification bus. Changes
// travel as TLV records through per-subscriber queues, so a slow
// consumer never blocks the writer that published the change.
package notify

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/puzpuzpuz/xsync/v3"
)

type IndexChangeType byte

const (
	BatchCompleted         IndexChangeType = 'B'
	IndexDemotedToIdle     IndexChangeType = 'I'
	IndexDemotedToDisabled IndexChangeType = 'D'
	IndexPromotedFromIdle  IndexChangeType = 'P'
	IndexMarkedAsErrored   IndexChangeType = 'E'
)

func (t IndexChangeType) String() string {
	switch t {
	case BatchCompleted:
		return "BatchCompleted"
	case IndexDemotedToIdle:
		return "IndexDemotedToIdle"
	case IndexDemotedToDisabled:
		return "IndexDemotedToDisabled"
	case IndexPromotedFromIdle:
		return "IndexPromotedFromIdle"
	case IndexMarkedAsErrored:
		return "IndexMarkedAsErrored"
	}
	return "Unknown"
}

type DocumentChange struct {
	Collection string
	Key        string
	Etag       uint64
}

type IndexChange struct {
	Type IndexChangeType
	Name string
}

// Wire layout, a 'D' or 'X' record:
//
//	D: C collection, K key, E etag(u64 BE)
//	X: T type byte, N index name
func (dc *DocumentChange) Record() []byte {
	var etag [8]byte
	binary.BigEndian.PutUint64(etag[:], dc.Etag)
	return toytlv.Record('D',
		toytlv.Record('C', []byte(dc.Collection)),
		toytlv.Record('K', []byte(dc.Key)),
		toytlv.Record('E', etag[:]),
	)
}

func (ic *IndexChange) Record() []byte {
	return toytlv.Record('X',
		toytlv.Record('T', []byte{byte(ic.Type)}),
		toytlv.Record('N', []byte(ic.Name)),
	)
}

func parseDocumentChange(body []byte) (dc DocumentChange) {
	c, rest := toytlv.Take('C', body)
	k, rest := toytlv.Take('K', rest)
	e, _ := toytlv.Take('E', rest)
	dc.Collection = string(c)
	dc.Key = string(k)
	if len(e) == 8 {
		dc.Etag = binary.BigEndian.Uint64(e)
	}
	return
}

func parseIndexChange(body []byte) (ic IndexChange) {
	t, rest := toytlv.Take('T', body)
	n, _ := toytlv.Take('N', rest)
	if len(t) == 1 {
		ic.Type = IndexChangeType(t[0])
	}
	ic.Name = string(n)
	return
}

const hoseQueueLimit = 1 << 16

type hose struct {
	queue *toyqueue.RecordQueue
	feed  toyqueue.FeedDrainCloser
}

// Bus fans TLV change records out to subscriber hoses. Publishing never
// blocks: a hose whose queue is full or closed is dropped from the bus.
type Bus struct {
	hoses *xsync.MapOf[string, *hose]
}

func NewBus() *Bus {
	return &Bus{hoses: xsync.NewMapOf[string, *hose]()}
}

// Subscription is a scoped handle; Close detaches the consumer and
// stops its delivery goroutine.
type Subscription struct {
	id  string
	bus *Bus
}

func (s *Subscription) Close() error {
	h, ok := s.bus.hoses.LoadAndDelete(s.id)
	if !ok {
		return nil
	}
	// an empty record wakes a feeder blocked on the queue so it can
	// observe the close
	_ = h.queue.Drain(toyqueue.Records{nil})
	return h.queue.Close()
}

func (b *Bus) subscribe(onDoc func(DocumentChange), onIndex func(IndexChange)) *Subscription {
	q := &toyqueue.RecordQueue{Limit: hoseQueueLimit}
	h := &hose{queue: q, feed: q.Blocking()}
	id := uuid.NewString()
	b.hoses.Store(id, h)
	go func() {
		recs, err := h.feed.Feed()
		for err == nil {
			for _, rec := range recs {
				if len(rec) == 0 {
					continue
				}
				lit, body, _ := toytlv.TakeAny(rec)
				switch lit {
				case 'D':
					if onDoc != nil {
						onDoc(parseDocumentChange(body))
					}
				case 'X':
					if onIndex != nil {
						onIndex(parseIndexChange(body))
					}
				}
			}
			recs, err = h.feed.Feed()
		}
	}()
	return &Subscription{id: id, bus: b}
}

func (b *Bus) SubscribeDocuments(fn func(DocumentChange)) *Subscription {
	return b.subscribe(fn, nil)
}

func (b *Bus) SubscribeIndexes(fn func(IndexChange)) *Subscription {
	return b.subscribe(nil, fn)
}

func (b *Bus) publish(rec []byte) {
	recs := toyqueue.Records{rec}
	b.hoses.Range(func(id string, h *hose) bool {
		if err := h.queue.Drain(recs); err != nil {
			b.hoses.Delete(id)
			_ = h.queue.Close()
		}
		return true
	})
}

func (b *Bus) PublishDocumentChange(dc DocumentChange) {
	b.publish(dc.Record())
}

func (b *Bus) PublishIndexChange(ic IndexChange) {
	b.publish(ic.Record())
}

func (b *Bus) Close() error {
	b.hoses.Range(func(id string, h *hose) bool {
		b.hoses.Delete(id)
		_ = h.queue.Drain(toyqueue.Records{nil})
		_ = h.queue.Close()
		return true
	})
	return nil
}
