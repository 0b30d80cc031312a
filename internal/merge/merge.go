// Package merge implements AeternusDB's k-way merging iterator and
// visibility filter, the machinery that resolves concurrent versions of a
// key across every storage layer (active memtable, frozen memtables, live
// SSTables). An indexed min-heap drives the merge; the visibility filter
// applies tombstone shadowing and LSN recency on the merged stream.
package merge

import (
	"bytes"
	"fmt"

	"github.com/aeternusdb/aeternusdb/internal/record"
)

// Stream is a sorted-by-(key asc, lsn desc), pull-based source of records.
// File I/O is the only blocking point in the system; Stream implementations
// are synchronous.
type Stream interface {
	// Next returns the next record, or (zero, false, nil) when exhausted.
	Next() (record.Record, bool, error)
}

// sliceStream adapts an already-sorted slice to Stream, used for a
// memtable's Scan output or an sstable.Reader's Scan output collected into
// a slice.
type sliceStream struct {
	recs []record.Record
	pos  int
}

// NewSliceStream wraps recs, which must already be sorted by
// (key asc, lsn desc), as a Stream.
func NewSliceStream(recs []record.Record) Stream {
	return &sliceStream{recs: recs}
}

func (s *sliceStream) Next() (record.Record, bool, error) {
	if s.pos >= len(s.recs) {
		return record.Record{}, false, nil
	}
	r := s.recs[s.pos]
	s.pos++
	return r, true, nil
}

// indexMinHeap is a priority queue over stream indices, ordered by each
// index's current head record under record.Compare, with ties (compare==0)
// broken by source recency: a lower source index is a newer layer and wins.
type indexMinHeap struct {
	n     int
	pq    []int
	qp    []int
	items []record.Record
}

func newIndexMinHeap(n int) *indexMinHeap {
	h := &indexMinHeap{
		pq:    make([]int, n+1),
		qp:    make([]int, n+1),
		items: make([]record.Record, n+1),
	}
	for i := 0; i <= n; i++ {
		h.qp[i] = -1
	}
	return h
}

func (h *indexMinHeap) Insert(i int, item record.Record) {
	h.n++
	h.qp[i] = h.n
	h.pq[h.n] = i
	h.items[i] = item
	h.swim(h.n)
}

func (h *indexMinHeap) Min() (int, record.Record) {
	if h.n == 0 {
		return -1, record.Record{}
	}
	idx := h.pq[1]
	min := h.items[idx]

	h.exchange(1, h.n)
	h.n--
	h.sink(1)

	h.items[idx] = record.Record{}
	h.qp[idx] = -1
	h.pq[h.n+1] = -1
	return idx, min
}

func (h *indexMinHeap) Size() int { return h.n }

func (h *indexMinHeap) greater(i, j int) bool {
	a, b := h.items[h.pq[i]], h.items[h.pq[j]]
	if c := record.Compare(a, b); c != 0 {
		return c > 0
	}
	return h.pq[i] > h.pq[j]
}

func (h *indexMinHeap) exchange(i, j int) {
	h.pq[i], h.pq[j] = h.pq[j], h.pq[i]
	h.qp[h.pq[i]] = i
	h.qp[h.pq[j]] = j
}

func (h *indexMinHeap) swim(k int) {
	for k > 1 && h.greater(k/2, k) {
		h.exchange(k, k/2)
		k = k / 2
	}
}

func (h *indexMinHeap) sink(k int) {
	for 2*k <= h.n {
		j := 2 * k
		if j < h.n && h.greater(j, j+1) {
			j++
		}
		if !h.greater(k, j) {
			break
		}
		h.exchange(k, j)
		k = j
	}
}

// merger is the k-way merge of Stream sources into one raw, sorted-by-
// (key asc, lsn desc, timestamp desc) stream. It does not deduplicate or
// resolve visibility; that is VisibilityStream's job.
type merger struct {
	streams []Stream
	pq      *indexMinHeap
}

// Merge combines streams, ordered from newest layer (index 0) to oldest,
// into a single raw Stream.
func Merge(streams []Stream) (Stream, error) {
	m := &merger{streams: streams, pq: newIndexMinHeap(len(streams))}
	for i, s := range streams {
		if err := m.refill(i, s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *merger) refill(i int, s Stream) error {
	rec, ok, err := s.Next()
	if err != nil {
		return fmt.Errorf("merge: read source %d: %w", i, err)
	}
	if !ok {
		return nil
	}
	m.pq.Insert(i, rec)
	return nil
}

func (m *merger) Next() (record.Record, bool, error) {
	if m.pq.Size() == 0 {
		return record.Record{}, false, nil
	}
	i, rec := m.pq.Min()
	if err := m.refill(i, m.streams[i]); err != nil {
		return record.Record{}, false, err
	}
	return rec, true, nil
}

// ResolveVisible applies the visibility rule to
// candidates, one per storage layer, that all concern the SAME key: walk
// them in (lsn desc, timestamp desc) order and let the first one decide.
// It is used by engine.Get, which can short-circuit to a single key instead
// of running the full streaming filter.
func ResolveVisible(candidates []record.Record) (value []byte, found bool) {
	best, ok := bestByRecency(candidates)
	if !ok {
		return nil, false
	}
	if best.Kind == record.KindPut {
		return best.Value, true
	}
	return nil, false
}

func bestByRecency(candidates []record.Record) (record.Record, bool) {
	var best record.Record
	has := false
	for _, c := range candidates {
		if !has {
			best, has = c, true
			continue
		}
		if c.LSN > best.LSN || (c.LSN == best.LSN && c.Timestamp > best.Timestamp) {
			best = c
		}
	}
	return best, has
}

// rangeTombstoneState is one entry in the visibility filter's active set:
// a range tombstone whose start has been seen and whose end has not yet
// been passed.
type rangeTombstoneState struct {
	end []byte
	lsn uint64
}

// VisibilityStream consumes src (the output of Merge) and yields at most one
// Put (key, value) per distinct key, applying the tombstone-shadowing and
// lsn-recency rules. Delete'd and shadowed keys are not emitted at all.
type VisibilityStream struct {
	src    Stream
	active []rangeTombstoneState

	// lastDecidedKey is the most recent point-record key a visibility
	// decision has already been made for; later (lower-lsn) versions of the
	// same key are discarded without re-evaluation.
	lastDecidedKey []byte
	haveDecided    bool
}

// NewVisibilityStream wraps src.
func NewVisibilityStream(src Stream) *VisibilityStream {
	return &VisibilityStream{src: src}
}

// evictPassed drops active range tombstones whose end is at or before key.
func (v *VisibilityStream) evictPassed(key []byte) {
	out := v.active[:0]
	for _, a := range v.active {
		if bytes.Compare(key, a.end) < 0 {
			out = append(out, a)
		}
	}
	v.active = out
}

// maxActiveLSN returns the highest lsn among active range tombstones
// covering key, and whether any cover it at all.
func (v *VisibilityStream) maxActiveLSN(key []byte) (uint64, bool) {
	var max uint64
	found := false
	for _, a := range v.active {
		if bytes.Compare(key, a.end) < 0 {
			if !found || a.lsn > max {
				max = a.lsn
			}
			found = true
		}
	}
	return max, found
}

// Next returns the next visible (key, value) Put record, skipping suppressed
// keys, or (zero, false, nil) once src is exhausted.
func (v *VisibilityStream) Next() (record.Record, bool, error) {
	for {
		rec, ok, err := v.src.Next()
		if err != nil {
			return record.Record{}, false, err
		}
		if !ok {
			return record.Record{}, false, nil
		}

		key := rec.SortKey()
		v.evictPassed(key)

		if rec.Kind == record.KindRangeDelete {
			v.active = append(v.active, rangeTombstoneState{end: rec.End, lsn: rec.LSN})
			continue
		}

		// Point record (Put or Delete). If a decision for this key was
		// already made from a newer (higher-lsn) version, discard this
		// older version outright.
		if v.haveDecided && bytes.Equal(key, v.lastDecidedKey) {
			continue
		}
		v.lastDecidedKey = key
		v.haveDecided = true

		if tombLSN, covered := v.maxActiveLSN(key); covered && tombLSN > rec.LSN {
			continue // shadowed by an active range tombstone
		}

		if rec.Kind == record.KindPut {
			return rec, true, nil
		}
		// KindDelete: suppress, move to the next distinct key.
	}
}
