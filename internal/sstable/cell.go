package sstable

import (
	"github.com/aeternusdb/aeternusdb/internal/encoding"
	"github.com/aeternusdb/aeternusdb/internal/record"
)

// putPointCell appends one data-block cell:
// [key_len u32][value_len u32][timestamp u64][is_delete u8][lsn u64][key][value].
// Both Put and point Delete records are stored this way; is_delete
// distinguishes them and value is empty for a Delete.
func putPointCell(buf *[]byte, rec record.Record) {
	bw := newByteWriter(buf)
	w := encoding.NewWriter(bw)
	w.PutUint32(uint32(len(rec.Key)))
	w.PutUint32(uint32(len(rec.Value)))
	w.PutUint64(rec.Timestamp)
	w.PutBool(rec.Kind == record.KindDelete)
	w.PutUint64(rec.LSN)
	w.PutRawBytes(rec.Key)
	w.PutRawBytes(rec.Value)
}

// pointCellLen returns the encoded length of rec as a data-block cell.
func pointCellLen(rec record.Record) int {
	return 4 + 4 + 8 + 1 + 8 + len(rec.Key) + len(rec.Value)
}

// readPointCell decodes one data-block cell starting at r's current
// position, advancing r past it.
func readPointCell(r *encoding.Reader) (record.Record, error) {
	keyLen := r.Uint32()
	valueLen := r.Uint32()
	ts := r.Uint64()
	isDelete := r.Bool()
	lsn := r.Uint64()
	key := r.RawBytes(int(keyLen))
	value := r.RawBytes(int(valueLen))
	if err := r.Err(); err != nil {
		return record.Record{}, err
	}
	if isDelete {
		return record.NewDelete(key, lsn, ts), nil
	}
	return record.NewPut(key, value, lsn, ts), nil
}

// putRangeTombstoneCell appends one range-tombstone cell:
// (start, end, timestamp, lsn).
func putRangeTombstoneCell(w *encoding.Writer, rec record.Record) {
	w.PutBytes(rec.Start)
	w.PutBytes(rec.End)
	w.PutUint64(rec.Timestamp)
	w.PutUint64(rec.LSN)
}

func readRangeTombstoneCell(r *encoding.Reader) (record.Record, error) {
	start := r.Bytes()
	end := r.Bytes()
	ts := r.Uint64()
	lsn := r.Uint64()
	if err := r.Err(); err != nil {
		return record.Record{}, err
	}
	return record.NewRangeDelete(start, end, lsn, ts), nil
}
