package sstable

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/exp/mmap"

	"github.com/aeternusdb/aeternusdb/internal/encoding"
	"github.com/aeternusdb/aeternusdb/internal/record"
)

// Reader is an immutable, memory-mapped view of one SSTable file. It is safe
// for concurrent use by multiple reader goroutines.
type Reader struct {
	ra   *mmap.ReaderAt
	size int64

	bloom      *bloom.BloomFilter
	props      properties
	rangeDels  []record.Record
	index      []indexEntry
}

// Open memory-maps path read-only and validates every structural block:
// header, footer, metaindex, bloom, properties, range-delete block, and
// index. Any CRC mismatch, magic/version mismatch, or structural error is
// rejected.
func Open(path string) (*Reader, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: mmap %q: %w", path, err)
	}
	size := int64(ra.Len())

	r := &Reader{ra: ra, size: size}
	if err := r.readHeader(); err != nil {
		ra.Close()
		return nil, err
	}
	metaHandle, indexHandle, err := r.readFooter()
	if err != nil {
		ra.Close()
		return nil, err
	}

	metaBody, err := r.readFramedBlock(metaHandle)
	if err != nil {
		ra.Close()
		return nil, fmt.Errorf("sstable: metaindex: %w", err)
	}
	handles, err := decodeMetaindex(metaBody)
	if err != nil {
		ra.Close()
		return nil, err
	}

	bloomBody, err := r.readFramedBlock(handles[nameFilterBloom])
	if err != nil {
		ra.Close()
		return nil, fmt.Errorf("sstable: bloom block: %w", err)
	}
	r.bloom, err = decodeBloom(bloomBody)
	if err != nil {
		ra.Close()
		return nil, err
	}

	propsBody, err := r.readFramedBlock(handles[nameMetaProperties])
	if err != nil {
		ra.Close()
		return nil, fmt.Errorf("sstable: properties block: %w", err)
	}
	r.props, err = decodeProperties(propsBody)
	if err != nil {
		ra.Close()
		return nil, err
	}

	rangeBody, err := r.readFramedBlock(handles[nameMetaRangeDel])
	if err != nil {
		ra.Close()
		return nil, fmt.Errorf("sstable: range-delete block: %w", err)
	}
	r.rangeDels, err = decodeRangeTombstones(rangeBody)
	if err != nil {
		ra.Close()
		return nil, err
	}

	indexBody, err := r.readFramedBlock(indexHandle)
	if err != nil {
		ra.Close()
		return nil, fmt.Errorf("sstable: index block: %w", err)
	}
	r.index, err = decodeIndex(indexBody)
	if err != nil {
		ra.Close()
		return nil, err
	}

	return r, nil
}

func (r *Reader) readHeader() error {
	buf := make([]byte, headerLen+crcLen)
	if _, err := r.ra.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("sstable: read header: %w", err)
	}
	body := buf[:headerLen]
	wantCRC := getUint32LE(buf[headerLen:])
	if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
		return fmt.Errorf("sstable: header CRC mismatch")
	}
	rd := encoding.NewReader(body)
	gotMagic := rd.RawBytes(4)
	gotVersion := rd.Uint32()
	_ = rd.Uint32() // reserved
	if err := rd.Err(); err != nil {
		return fmt.Errorf("sstable: decode header: %w", err)
	}
	if string(gotMagic) != magic {
		return fmt.Errorf("sstable: bad magic %q", gotMagic)
	}
	if gotVersion != version {
		return fmt.Errorf("sstable: unsupported version %d", gotVersion)
	}
	return nil
}

func (r *Reader) readFooter() (metaHandle, indexHandle handle, err error) {
	if r.size < footerLen {
		return handle{}, handle{}, fmt.Errorf("sstable: file too small for footer")
	}
	buf := make([]byte, footerLen)
	if _, err := r.ra.ReadAt(buf, r.size-footerLen); err != nil {
		return handle{}, handle{}, fmt.Errorf("sstable: read footer: %w", err)
	}
	body := buf[:footerLen-crcLen]
	wantCRC := getUint32LE(buf[footerLen-crcLen:])
	if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
		return handle{}, handle{}, fmt.Errorf("sstable: footer CRC mismatch")
	}
	rd := encoding.NewReader(body)
	metaHandle = getHandle(rd)
	indexHandle = getHandle(rd)
	totalSize := rd.Uint64()
	if err := rd.Err(); err != nil {
		return handle{}, handle{}, fmt.Errorf("sstable: decode footer: %w", err)
	}
	if int64(totalSize) != r.size {
		return handle{}, handle{}, fmt.Errorf("sstable: footer file size %d does not match actual size %d", totalSize, r.size)
	}
	return metaHandle, indexHandle, nil
}

// readFramedBlock reads and CRC-verifies the block at h, returning its body.
func (r *Reader) readFramedBlock(h handle) ([]byte, error) {
	if h.Length < 8 {
		return nil, fmt.Errorf("sstable: block handle too short")
	}
	raw := make([]byte, h.Length)
	if _, err := r.ra.ReadAt(raw, int64(h.Offset)); err != nil {
		return nil, fmt.Errorf("sstable: read block at %d: %w", h.Offset, err)
	}
	bodyLen := getUint32LE(raw[:4])
	if int(4+bodyLen+4) != len(raw) {
		return nil, fmt.Errorf("sstable: block length mismatch")
	}
	body := raw[4 : 4+bodyLen]
	wantCRC := getUint32LE(raw[4+bodyLen:])
	if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
		return nil, fmt.Errorf("sstable: block CRC mismatch at offset %d", h.Offset)
	}
	return body, nil
}

func decodeMetaindex(body []byte) (map[string]handle, error) {
	r := encoding.NewReader(body)
	n := r.Uint32()
	out := make(map[string]handle, n)
	for i := uint32(0); i < n; i++ {
		name := r.String()
		h := getHandle(r)
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("sstable: decode metaindex: %w", err)
		}
		out[name] = h
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("sstable: decode metaindex: %w", err)
	}
	return out, nil
}

func decodeRangeTombstones(body []byte) ([]record.Record, error) {
	r := encoding.NewReader(body)
	n := r.Uint32()
	out := make([]record.Record, 0, n)
	for i := uint32(0); i < n; i++ {
		rt, err := readRangeTombstoneCell(r)
		if err != nil {
			return nil, fmt.Errorf("sstable: decode range tombstones: %w", err)
		}
		out = append(out, rt)
	}
	return out, nil
}

func decodeIndex(body []byte) ([]indexEntry, error) {
	r := encoding.NewReader(body)
	n := r.Uint32()
	out := make([]indexEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		sep := r.Bytes()
		h := getHandle(r)
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("sstable: decode index: %w", err)
		}
		out = append(out, indexEntry{Separator: sep, Handle: h})
	}
	return out, nil
}

// Close unmaps the file.
func (r *Reader) Close() error {
	return r.ra.Close()
}

// RecordCount, TombstoneCount, RangeTombstoneCount, MinKey, MaxKey, MinLSN,
// and MaxLSN expose the properties block for compaction bucketing and
// tombstone-ratio decisions.
func (r *Reader) RecordCount() uint32      { return r.props.RecordCount }
func (r *Reader) TombstoneCount() uint32   { return r.props.TombstoneCount }
func (r *Reader) RangeTombstoneCount() uint32 { return r.props.RangeTombstoneCt }
func (r *Reader) MinKey() []byte           { return r.props.MinKey }
func (r *Reader) MaxKey() []byte           { return r.props.MaxKey }
func (r *Reader) MinLSN() uint64           { return r.props.MinLSN }
func (r *Reader) MaxLSN() uint64           { return r.props.MaxLSN }
func (r *Reader) CreationTimestamp() uint64 { return r.props.CreationTimestamp }

// Size returns the file size in bytes.
func (r *Reader) Size() int64 { return r.size }

// MayContain reports the bloom filter's verdict for key: false means
// definitely absent from the point (data-block) population.
func (r *Reader) MayContain(key []byte) bool {
	return r.bloom.Test(key)
}

// KeyRangeOverlaps reports whether [start, end) overlaps this table's
// [MinKey, MaxKey] span, used by tombstone compaction's range-drop check.
func (r *Reader) KeyRangeOverlaps(start, end []byte) bool {
	if r.props.MinKey == nil {
		return false
	}
	return bytes.Compare(start, r.props.MaxKey) <= 0 && bytes.Compare(r.props.MinKey, end) < 0
}

// newer reports whether a has a higher (lsn, timestamp) than b.
func newer(a, b record.Record) bool {
	if a.LSN != b.LSN {
		return a.LSN > b.LSN
	}
	return a.Timestamp > b.Timestamp
}

// Get resolves key within this table alone:
//  1. find the highest-(lsn,timestamp) range tombstone covering key (R);
//  2. if the bloom filter says "definitely absent", skip the point lookup;
//  3. otherwise binary-search the index, CRC-check and linear-scan the
//     candidate block for the highest-(lsn,timestamp) point version (P);
//  4. merge P and R: whichever is newer wins.
//
// The returned Record preserves LSN/Timestamp/Kind so the engine can compare
// it against other layers' candidates; ok is false only when neither a point
// version nor a covering tombstone exists. Corruption found in the candidate
// block surfaces as an error on this lookup.
func (r *Reader) Get(key []byte) (rec record.Record, ok bool, err error) {
	var covering record.Record
	hasCovering := false
	for _, rt := range r.rangeDels {
		if bytes.Compare(key, rt.Start) >= 0 && bytes.Compare(key, rt.End) < 0 {
			if !hasCovering || newer(rt, covering) {
				covering = rt
				hasCovering = true
			}
		}
	}

	var point record.Record
	hasPoint := false
	if r.MayContain(key) {
		p, found, err := r.pointLookup(key)
		if err != nil {
			return record.Record{}, false, err
		}
		if found {
			point = p
			hasPoint = true
		}
	}

	switch {
	case hasCovering && (!hasPoint || newer(covering, point)):
		return covering, true, nil
	case hasPoint:
		return point, true, nil
	default:
		return record.Record{}, false, nil
	}
}

// pointLookup binary-searches the index and linear-scans the winning block.
func (r *Reader) pointLookup(key []byte) (record.Record, bool, error) {
	if len(r.index) == 0 {
		return record.Record{}, false, nil
	}
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Separator, key) > 0
	})
	if i == 0 {
		return record.Record{}, false, nil
	}
	blk := r.index[i-1]

	body, err := r.readFramedBlock(blk.Handle)
	if err != nil {
		return record.Record{}, false, err
	}

	rd := encoding.NewReader(body)
	var best record.Record
	hasBest := false
	for rd.Remaining() > 0 {
		cell, err := readPointCell(rd)
		if err != nil {
			return record.Record{}, false, err
		}
		if bytes.Equal(cell.Key, key) {
			if !hasBest || newer(cell, best) {
				best = cell
				hasBest = true
			}
		}
	}
	return best, hasBest, nil
}

// Scan yields every point Record whose key lies in [start, end), plus every
// range tombstone overlapping [start, end), sorted by (key asc, lsn desc),
// without resolving visibility. A tombstone whose start precedes the window
// still shadows keys inside it, so overlap decides inclusion. fn is called
// once per record; returning false stops the scan early.
func (r *Reader) Scan(start, end []byte, fn func(record.Record) bool) error {
	var out []record.Record

	for _, rt := range r.rangeDels {
		if bytes.Compare(rt.Start, end) < 0 && bytes.Compare(rt.End, start) > 0 {
			out = append(out, rt)
		}
	}

	lo := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Separator, start) > 0
	})
	if lo > 0 {
		lo--
	}
	for i := lo; i < len(r.index); i++ {
		if bytes.Compare(r.index[i].Separator, end) >= 0 {
			break
		}
		body, err := r.readFramedBlock(r.index[i].Handle)
		if err != nil {
			return err
		}
		rd := encoding.NewReader(body)
		for rd.Remaining() > 0 {
			cell, err := readPointCell(rd)
			if err != nil {
				return err
			}
			if bytes.Compare(cell.Key, start) >= 0 && bytes.Compare(cell.Key, end) < 0 {
				out = append(out, cell)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return record.Less(out[i], out[j]) })
	for _, rec := range out {
		if !fn(rec) {
			break
		}
	}
	return nil
}
