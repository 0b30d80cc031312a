// Package memtable implements AeternusDB's in-memory sorted multi-version
// write buffer: every mutation is appended to its owned WAL
// segment before it is inserted into the sorted structure, so a crash never
// loses an acknowledged write.
package memtable

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/aeternusdb/aeternusdb/internal/encoding"
	"github.com/aeternusdb/aeternusdb/internal/record"
	"github.com/aeternusdb/aeternusdb/internal/wal"
)

// Codec is the wal.Codec for record.Record, shared by every memtable's WAL
// segment.
var Codec = wal.Codec{
	Encode: func(w *encoding.Writer, rec any) {
		record.Encode(w, rec.(record.Record))
	},
	Decode: func(r *encoding.Reader) (any, error) {
		return record.Decode(r)
	},
}

// LookupKind tags the result of Get.
type LookupKind int

const (
	// NotFound means the key has no visible version in this memtable.
	NotFound LookupKind = iota
	// FoundPut means the newest visible version is a value.
	FoundPut
	// FoundDelete means the newest visible version is a tombstone.
	FoundDelete
)

// Lookup is the result of Get.
type Lookup struct {
	Kind  LookupKind
	Value []byte
}

// Memtable holds every mutation since its creation, mirrored first to its
// owned WAL segment. One Memtable is active (mutable) at a time per engine;
// others are frozen (immutable) pending flush.
type Memtable struct {
	mu sync.Mutex

	seg             *wal.Segment
	points          *skipList       // Put/Delete, keyed by Key
	rangeList       []record.Record // RangeDelete, in insertion order
	sizeBytes       int
	writeBufferSize int
	maxLSN          uint64

	nextLSN func() uint64
	now     func() uint64
}

// New creates an empty active memtable backed by seg. nextLSN must return a
// fresh, monotonically increasing LSN on every call (shared with the
// engine); now returns nanoseconds since epoch.
func New(seg *wal.Segment, writeBufferSize int, nextLSN func() uint64, now func() uint64) *Memtable {
	return &Memtable{
		seg:             seg,
		points:          newSkipList(),
		writeBufferSize: writeBufferSize,
		nextLSN:         nextLSN,
		now:             now,
	}
}

// Recover rebuilds a Memtable by replaying every record from seg, as at
// engine open.
func Recover(seg *wal.Segment, writeBufferSize int, nextLSN func() uint64, now func() uint64) (*Memtable, error) {
	m := New(seg, writeBufferSize, nextLSN, now)
	next := seg.ReplayIter()
	for {
		raw, ok, err := next()
		if err != nil {
			return nil, fmt.Errorf("memtable: recover: %w", err)
		}
		if !ok {
			break
		}
		rec := raw.(record.Record)
		m.insert(rec)
		m.sizeBytes += encodedSize(rec)
	}
	// Drop any torn record a crash mid-append left past the last valid one,
	// so new appends extend valid data.
	if err := seg.TruncateTail(); err != nil {
		return nil, fmt.Errorf("memtable: recover: %w", err)
	}
	return m, nil
}

func (m *Memtable) insert(rec record.Record) {
	if rec.Kind == record.KindRangeDelete {
		m.rangeList = append(m.rangeList, rec)
	} else {
		m.points.Insert(rec)
	}
	if rec.LSN > m.maxLSN {
		m.maxLSN = rec.LSN
	}
}

// encodedSize returns the exact number of bytes rec occupies once encoded,
// used to drive the write-buffer accumulator deterministically.
func encodedSize(rec record.Record) int {
	var n int
	w := encoding.NewWriter(countingWriter{&n})
	record.Encode(w, rec)
	return n
}

type countingWriter struct{ n *int }

func (c countingWriter) Write(p []byte) (int, error) {
	*c.n += len(p)
	return len(p), nil
}

// append assigns the next LSN and timestamp, writes to the WAL, inserts, and
// reports whether the write-buffer budget has now been exceeded. LSN
// assignment happens inside the same critical section as the WAL write so
// that LSN order and WAL-append order never diverge across concurrent
// writers.
// The mutation is durable and visible before this returns, regardless of the
// flush signal.
func (m *Memtable) append(build func(lsn, ts uint64) record.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := build(m.nextLSN(), m.now())
	if err := m.seg.Append(rec); err != nil {
		return false, fmt.Errorf("memtable: append to WAL: %w", err)
	}
	m.insert(rec)
	m.sizeBytes += encodedSize(rec)
	return m.sizeBytes > m.writeBufferSize, nil
}

// Put records key=value, assigning the next LSN and the current timestamp.
// Returns true if the write-buffer budget was exceeded by this write (the
// caller must freeze and must not retry).
func (m *Memtable) Put(key, value []byte) (bool, error) {
	if len(key) == 0 || len(value) == 0 {
		return false, fmt.Errorf("memtable: key and value must be non-empty")
	}
	return m.append(func(lsn, ts uint64) record.Record {
		return record.NewPut(key, value, lsn, ts)
	})
}

// Delete records a point tombstone for key.
func (m *Memtable) Delete(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("memtable: key must be non-empty")
	}
	return m.append(func(lsn, ts uint64) record.Record {
		return record.NewDelete(key, lsn, ts)
	})
}

// DeleteRange records a tombstone covering [start, end).
func (m *Memtable) DeleteRange(start, end []byte) (bool, error) {
	if len(start) == 0 || len(end) == 0 {
		return false, fmt.Errorf("memtable: start and end must be non-empty")
	}
	if bytes.Compare(start, end) >= 0 {
		return false, fmt.Errorf("memtable: start must be < end")
	}
	return m.append(func(lsn, ts uint64) record.Record {
		return record.NewRangeDelete(start, end, lsn, ts)
	})
}

// newer reports whether a has a higher (lsn, timestamp) than b.
func newer(a, b record.Record) bool {
	if a.LSN != b.LSN {
		return a.LSN > b.LSN
	}
	return a.Timestamp > b.Timestamp
}

// Get resolves the single newest visible version of key within this
// memtable alone (not full engine visibility): the newest point version and
// the newest covering range tombstone are compared by (lsn, timestamp); the
// winner decides FoundPut, FoundDelete, or NotFound.
func (m *Memtable) Get(key []byte) Lookup {
	rec, ok := m.GetCandidate(key)
	if !ok {
		return Lookup{Kind: NotFound}
	}
	if rec.Kind == record.KindPut {
		return Lookup{Kind: FoundPut, Value: rec.Value}
	}
	return Lookup{Kind: FoundDelete}
}

// GetCandidate resolves the single newest visible version of key within
// this memtable alone, returning the raw winning record (Put, Delete, or
// RangeDelete with its Start/End intact) so the engine can compare it
// against other layers' candidates by (lsn, timestamp).
func (m *Memtable) GetCandidate(key []byte) (record.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	point, hasPoint := m.points.NewestFor(key)

	var covering record.Record
	hasCovering := false
	for _, rt := range m.rangeList {
		if bytes.Compare(key, rt.Start) >= 0 && bytes.Compare(key, rt.End) < 0 {
			if !hasCovering || newer(rt, covering) {
				covering = rt
				hasCovering = true
			}
		}
	}

	switch {
	case hasCovering && (!hasPoint || newer(covering, point)):
		return covering, true
	case hasPoint:
		return point, true
	default:
		return record.Record{}, false
	}
}

// Scan returns the raw (not visibility-resolved) multi-version stream of
// every point record whose key lies in [start, end), plus every range
// tombstone overlapping [start, end), sorted by (key asc, lsn desc). A
// tombstone whose start precedes the scan window still shadows keys inside
// it, so overlap, not start-containment, decides inclusion.
func (m *Memtable) Scan(start, end []byte) []record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []record.Record
	m.points.Range(start, end, func(r record.Record) bool {
		out = append(out, r)
		return true
	})
	for _, rt := range m.rangeList {
		if bytes.Compare(rt.Start, end) < 0 && bytes.Compare(rt.End, start) > 0 {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return record.Less(out[i], out[j]) })
	return out
}

// IterForFlush yields, non-destructively, the newest point version per key
// (sorted key asc) and every range tombstone (sorted start asc), the two
// sorted streams the SSTable writer requires.
func (m *Memtable) IterForFlush() (points []record.Record, ranges []record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastKey []byte
	haveLast := false
	m.points.All(func(r record.Record) bool {
		if !haveLast || !bytes.Equal(lastKey, r.Key) {
			points = append(points, r)
			lastKey = r.Key
			haveLast = true
		}
		return true
	})

	ranges = make([]record.Record, len(m.rangeList))
	copy(ranges, m.rangeList)
	sort.Slice(ranges, func(i, j int) bool { return bytes.Compare(ranges[i].Start, ranges[j].Start) < 0 })

	return points, ranges
}

// MaxLSN returns the highest LSN observed by this memtable.
func (m *Memtable) MaxLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLSN
}

// Segment returns the memtable's owned WAL segment.
func (m *Memtable) Segment() *wal.Segment {
	return m.seg
}

// Empty reports whether the memtable holds no records at all.
func (m *Memtable) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points.Size() == 0 && len(m.rangeList) == 0
}

// OverBudget reports whether the accumulated encoded size still exceeds the
// write-buffer budget. The engine re-checks this under its own lock before
// acting on a flush signal, so two writers that both tripped the budget on
// the same memtable freeze it once, not twice.
func (m *Memtable) OverBudget() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizeBytes > m.writeBufferSize
}
