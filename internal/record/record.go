// Package record defines the single sum type that flows through every layer
// of AeternusDB: the WAL, the memtable, the SSTable, and the merge/visibility
// machinery.
package record

import (
	"bytes"
	"fmt"

	"github.com/aeternusdb/aeternusdb/internal/encoding"
)

// Kind tags which variant a Record holds. The tag/variant mapping is
// hand-assigned and must never change once a database has been written with
// it.
type Kind uint32

const (
	// KindPut is a versioned write of key to value.
	KindPut Kind = iota
	// KindDelete is a point tombstone for key.
	KindDelete
	// KindRangeDelete is a tombstone covering [Start, End).
	KindRangeDelete
)

// Record is the sum type: Put{Key,Value}, Delete{Key}, or
// RangeDelete{Start,End}. Exactly one of the key shapes is meaningful
// depending on Kind.
type Record struct {
	Kind Kind

	Key   []byte // Put, Delete
	Value []byte // Put only

	Start []byte // RangeDelete
	End   []byte // RangeDelete

	LSN       uint64
	Timestamp uint64 // nanoseconds since epoch
}

// NewPut builds a Put record.
func NewPut(key, value []byte, lsn uint64, ts uint64) Record {
	return Record{Kind: KindPut, Key: key, Value: value, LSN: lsn, Timestamp: ts}
}

// NewDelete builds a point-Delete record.
func NewDelete(key []byte, lsn uint64, ts uint64) Record {
	return Record{Kind: KindDelete, Key: key, LSN: lsn, Timestamp: ts}
}

// NewRangeDelete builds a RangeDelete record covering [start, end).
func NewRangeDelete(start, end []byte, lsn uint64, ts uint64) Record {
	return Record{Kind: KindRangeDelete, Start: start, End: end, LSN: lsn, Timestamp: ts}
}

// SortKey is the byte sequence used as the primary ordering key: Key for Put
// and Delete, Start for RangeDelete.
func (r Record) SortKey() []byte {
	if r.Kind == KindRangeDelete {
		return r.Start
	}
	return r.Key
}

// Compare implements the ordering invariant shared by every merge in the
// system: ascending sort key, then descending LSN, then descending
// timestamp. It returns <0, 0, or >0 the way bytes.Compare does.
func Compare(a, b Record) int {
	if c := bytes.Compare(a.SortKey(), b.SortKey()); c != 0 {
		return c
	}
	if a.LSN != b.LSN {
		if a.LSN > b.LSN {
			return -1
		}
		return 1
	}
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether a sorts before b under Compare.
func Less(a, b Record) bool {
	return Compare(a, b) < 0
}

// Encode writes r in the enum-tagged wire format stored in memtable WAL
// segments: [u32 kind][u64 lsn][u64 timestamp][payload].
func Encode(w *encoding.Writer, r Record) {
	w.PutUint32(uint32(r.Kind))
	w.PutUint64(r.LSN)
	w.PutUint64(r.Timestamp)
	switch r.Kind {
	case KindPut:
		w.PutBytes(r.Key)
		w.PutBytes(r.Value)
	case KindDelete:
		w.PutBytes(r.Key)
	case KindRangeDelete:
		w.PutBytes(r.Start)
		w.PutBytes(r.End)
	}
}

// Decode reads a Record written by Encode.
func Decode(r *encoding.Reader) (Record, error) {
	var rec Record
	rec.Kind = Kind(r.Uint32())
	rec.LSN = r.Uint64()
	rec.Timestamp = r.Uint64()
	switch rec.Kind {
	case KindPut:
		rec.Key = r.Bytes()
		rec.Value = r.Bytes()
	case KindDelete:
		rec.Key = r.Bytes()
	case KindRangeDelete:
		rec.Start = r.Bytes()
		rec.End = r.Bytes()
	default:
		if r.Err() == nil {
			return Record{}, fmt.Errorf("record: unknown kind tag %d", rec.Kind)
		}
	}
	if err := r.Err(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
