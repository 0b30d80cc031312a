// Package manifest implements the authoritative, append-only log of which
// SSTables exist. It reuses internal/wal.Segment as its underlying log, so
// every manifest mutation is a CRC-guarded, fsynced append of an Event.
package manifest

import (
	"fmt"
	"sort"

	"github.com/aeternusdb/aeternusdb/internal/encoding"
	"github.com/aeternusdb/aeternusdb/internal/wal"
)

// EventKind tags a ManifestEvent variant.
type EventKind uint32

const (
	EventAddSst EventKind = iota
	EventRemoveSst
	EventCheckpoint
)

// SstMetadata describes one live SSTable: its id, file size, key and LSN
// bounds, record/tombstone counts, and creation time.
type SstMetadata struct {
	ID                uint64
	Size              uint64
	MinKey, MaxKey    []byte
	MinLSN, MaxLSN    uint64
	TombstoneCount    uint32
	RecordCount       uint32
	CreationTimestamp uint64
}

// Event is the manifest's sum type.
type Event struct {
	Kind EventKind

	Add SstMetadata // EventAddSst

	RemoveID uint64 // EventRemoveSst

	// EventCheckpoint fields: a full snapshot of the live set plus the
	// recovery counters needed to resume LSN/id/seq allocation.
	LiveSet    []SstMetadata
	NextSstID  uint64
	NextWALSeq uint64
	LastLSN    uint64
}

// AddSst builds an EventAddSst event.
func AddSst(m SstMetadata) Event { return Event{Kind: EventAddSst, Add: m} }

// RemoveSst builds an EventRemoveSst event.
func RemoveSst(id uint64) Event { return Event{Kind: EventRemoveSst, RemoveID: id} }

// Checkpoint builds an EventCheckpoint event materializing the current live
// set and recovery counters.
func Checkpoint(liveSet []SstMetadata, nextSstID, nextWALSeq, lastLSN uint64) Event {
	return Event{
		Kind:       EventCheckpoint,
		LiveSet:    liveSet,
		NextSstID:  nextSstID,
		NextWALSeq: nextWALSeq,
		LastLSN:    lastLSN,
	}
}

func encodeMetadata(w *encoding.Writer, m SstMetadata) {
	w.PutUint64(m.ID)
	w.PutUint64(m.Size)
	w.PutBytes(m.MinKey)
	w.PutBytes(m.MaxKey)
	w.PutUint64(m.MinLSN)
	w.PutUint64(m.MaxLSN)
	w.PutUint32(m.TombstoneCount)
	w.PutUint32(m.RecordCount)
	w.PutUint64(m.CreationTimestamp)
}

func decodeMetadata(r *encoding.Reader) SstMetadata {
	var m SstMetadata
	m.ID = r.Uint64()
	m.Size = r.Uint64()
	m.MinKey = r.Bytes()
	m.MaxKey = r.Bytes()
	m.MinLSN = r.Uint64()
	m.MaxLSN = r.Uint64()
	m.TombstoneCount = r.Uint32()
	m.RecordCount = r.Uint32()
	m.CreationTimestamp = r.Uint64()
	return m
}

// EncodeEvent writes ev in the enum-tagged wire format. It satisfies
// wal.Codec's Encode signature via a type assertion on the any payload.
func EncodeEvent(w *encoding.Writer, payload any) {
	ev := payload.(Event)
	w.PutUint32(uint32(ev.Kind))
	switch ev.Kind {
	case EventAddSst:
		encodeMetadata(w, ev.Add)
	case EventRemoveSst:
		w.PutUint64(ev.RemoveID)
	case EventCheckpoint:
		w.PutUint32(uint32(len(ev.LiveSet)))
		for _, m := range ev.LiveSet {
			encodeMetadata(w, m)
		}
		w.PutUint64(ev.NextSstID)
		w.PutUint64(ev.NextWALSeq)
		w.PutUint64(ev.LastLSN)
	}
}

// DecodeEvent reads an Event written by EncodeEvent. It satisfies
// wal.Codec's Decode signature, returning the Event boxed as any.
func DecodeEvent(r *encoding.Reader) (any, error) {
	var ev Event
	ev.Kind = EventKind(r.Uint32())
	switch ev.Kind {
	case EventAddSst:
		ev.Add = decodeMetadata(r)
	case EventRemoveSst:
		ev.RemoveID = r.Uint64()
	case EventCheckpoint:
		n := r.Uint32()
		if err := r.Err(); err != nil {
			return nil, err
		}
		if err := encoding.CheckElementCount(n); err != nil {
			return nil, fmt.Errorf("manifest: decode checkpoint: %w", err)
		}
		ev.LiveSet = make([]SstMetadata, 0, n)
		for i := uint32(0); i < n; i++ {
			ev.LiveSet = append(ev.LiveSet, decodeMetadata(r))
		}
		ev.NextSstID = r.Uint64()
		ev.NextWALSeq = r.Uint64()
		ev.LastLSN = r.Uint64()
	default:
		if r.Err() == nil {
			return nil, fmt.Errorf("manifest: unknown event kind tag %d", ev.Kind)
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Codec binds Event's Encode/Decode functions to wal.Segment.
var Codec = wal.Codec{Encode: EncodeEvent, Decode: DecodeEvent}

// maxRecordSize bounds one manifest event; a checkpoint listing many
// SSTables is the largest event shape, so this is generous.
const maxRecordSize = 16 << 20

// Manifest is the authoritative record of live SSTables. Its
// append path is serialized by the underlying wal.Segment's mutex.
type Manifest struct {
	dir string
	seq uint64
	seg *wal.Segment

	live       map[uint64]SstMetadata
	nextSstID  uint64
	nextWALSeq uint64
	lastLSN    uint64
}

// Open opens (or creates) the manifest segment in dir, replays it from its
// latest checkpoint to tail, and reconstructs the live set and recovery
// counters.
func Open(dir string, seq uint64) (*Manifest, error) {
	seg, err := wal.Open(dir, "manifest", seq, maxRecordSize, Codec)
	if err != nil {
		return nil, fmt.Errorf("manifest: open: %w", err)
	}

	m := &Manifest{dir: dir, seq: seq, seg: seg, live: make(map[uint64]SstMetadata), nextSstID: 1, nextWALSeq: 1}
	next := seg.ReplayIter()
	for {
		payload, ok, err := next()
		if err != nil {
			seg.Close()
			return nil, fmt.Errorf("manifest: replay: %w", err)
		}
		if !ok {
			break
		}
		ev := payload.(Event)
		m.apply(ev)
	}
	// A crash mid-append may have left a torn event past the last valid one;
	// drop it so later appends extend valid data.
	if err := seg.TruncateTail(); err != nil {
		seg.Close()
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return m, nil
}

func (m *Manifest) apply(ev Event) {
	switch ev.Kind {
	case EventAddSst:
		m.live[ev.Add.ID] = ev.Add
		if ev.Add.ID >= m.nextSstID {
			m.nextSstID = ev.Add.ID + 1
		}
		if ev.Add.MaxLSN > m.lastLSN {
			m.lastLSN = ev.Add.MaxLSN
		}
	case EventRemoveSst:
		delete(m.live, ev.RemoveID)
	case EventCheckpoint:
		m.live = make(map[uint64]SstMetadata, len(ev.LiveSet))
		for _, md := range ev.LiveSet {
			m.live[md.ID] = md
		}
		m.nextSstID = ev.NextSstID
		m.nextWALSeq = ev.NextWALSeq
		m.lastLSN = ev.LastLSN
	}
}

// append writes ev to the manifest's WAL-protected log and fsyncs before
// applying it to the in-memory live set.
func (m *Manifest) append(ev Event) error {
	if err := m.seg.Append(ev); err != nil {
		return fmt.Errorf("manifest: append: %w", err)
	}
	m.apply(ev)
	return nil
}

// RecordAdd durably adds meta as a live SSTable.
func (m *Manifest) RecordAdd(meta SstMetadata) error {
	return m.append(AddSst(meta))
}

// RecordCompaction durably replaces the SSTables named by removeIDs with a
// single new one, or RemoveSst*N + AddSst*0 when output is nil (a major
// compaction whose inputs resolved to no visible key).
func (m *Manifest) RecordCompaction(removeIDs []uint64, output *SstMetadata) error {
	for _, id := range removeIDs {
		if err := m.append(RemoveSst(id)); err != nil {
			return err
		}
	}
	if output != nil {
		if err := m.append(AddSst(*output)); err != nil {
			return err
		}
	}
	return nil
}

// LiveSet returns the current live SSTable set, sorted newest-first by id,
// the order readers layer tables in.
func (m *Manifest) LiveSet() []SstMetadata {
	out := make([]SstMetadata, 0, len(m.live))
	for _, md := range m.live {
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// NextSstID allocates and returns the next unused SSTable id.
func (m *Manifest) NextSstID() uint64 {
	id := m.nextSstID
	m.nextSstID++
	return id
}

// NextWALSeq allocates and returns the next unused WAL segment sequence.
func (m *Manifest) NextWALSeq() uint64 {
	seq := m.nextWALSeq
	m.nextWALSeq++
	return seq
}

// SetLastLSN records the highest LSN observed so far, for the next
// checkpoint.
func (m *Manifest) SetLastLSN(lsn uint64) {
	if lsn > m.lastLSN {
		m.lastLSN = lsn
	}
}

// LastLSN returns the highest LSN recorded at the last checkpoint or applied
// event.
func (m *Manifest) LastLSN() uint64 { return m.lastLSN }

// Checkpoint materializes the current live set and counters by rewriting the
// manifest segment to hold just the checkpoint event, so the next recovery
// starts from this snapshot instead of replaying the whole history. The
// rewrite goes through a temp file and an atomic rename so that a crash
// leaves either the full old log or the compact new one.
func (m *Manifest) Checkpoint() error {
	ev := Checkpoint(m.LiveSet(), m.nextSstID, m.nextWALSeq, m.lastLSN)
	if err := m.seg.Close(); err != nil {
		return fmt.Errorf("manifest: checkpoint close: %w", err)
	}
	if err := wal.WriteAtomic(m.dir, "manifest", m.seq, maxRecordSize, Codec, []any{ev}); err != nil {
		return fmt.Errorf("manifest: checkpoint: %w", err)
	}
	seg, err := wal.Open(m.dir, "manifest", m.seq, maxRecordSize, Codec)
	if err != nil {
		return fmt.Errorf("manifest: checkpoint reopen: %w", err)
	}
	m.seg = seg
	return nil
}

// Close closes the underlying segment.
func (m *Manifest) Close() error {
	return m.seg.Close()
}
