// Package sstable implements AeternusDB's immutable on-disk sorted-string
// table: a memory-mapped file of CRC-guarded data blocks, a bloom filter, a
// range-tombstone block, properties, a metaindex, an index, and a fixed
// footer.
//
// Every block is framed as a u32 length prefix, the body, and a trailing
// CRC32 over the body alone (unlike a WAL record, whose CRC also covers the
// length prefix).
package sstable

import (
	"fmt"
	"hash/crc32"

	"github.com/aeternusdb/aeternusdb/internal/encoding"
)

const (
	magic   = "SST0"
	version = uint32(1)

	// headerLen is magic(4) + version(4) + reserved(4).
	headerLen = 12
	crcLen    = 4

	// footerLen is handle(metaindex)(16) + handle(index)(16) + file size(8) + crc(4).
	footerLen = 44

	// targetBlockSize is the data block flush threshold.
	targetBlockSize = 4 << 10

	nameFilterBloom    = "filter.bloom"
	nameMetaProperties = "meta.properties"
	nameMetaRangeDel   = "meta.range_deletes"
)

// handle locates a block within the file.
type handle struct {
	Offset uint64
	Length uint64
}

func putHandle(w *encoding.Writer, h handle) {
	w.PutUint64(h.Offset)
	w.PutUint64(h.Length)
}

func getHandle(r *encoding.Reader) handle {
	return handle{Offset: r.Uint64(), Length: r.Uint64()}
}

// properties describes the table's contents.
type properties struct {
	CreationTimestamp  uint64
	RecordCount        uint32
	TombstoneCount     uint32
	RangeTombstoneCt   uint32
	MinLSN, MaxLSN     uint64
	MinTS, MaxTS       uint64
	MinKey, MaxKey     []byte
}

func encodeProperties(p properties) []byte {
	var buf []byte
	bw := newByteWriter(&buf)
	w := encoding.NewWriter(bw)
	w.PutUint64(p.CreationTimestamp)
	w.PutUint32(p.RecordCount)
	w.PutUint32(p.TombstoneCount)
	w.PutUint32(p.RangeTombstoneCt)
	w.PutUint64(p.MinLSN)
	w.PutUint64(p.MaxLSN)
	w.PutUint64(p.MinTS)
	w.PutUint64(p.MaxTS)
	w.PutBytes(p.MinKey)
	w.PutBytes(p.MaxKey)
	return buf
}

func decodeProperties(b []byte) (properties, error) {
	r := encoding.NewReader(b)
	var p properties
	p.CreationTimestamp = r.Uint64()
	p.RecordCount = r.Uint32()
	p.TombstoneCount = r.Uint32()
	p.RangeTombstoneCt = r.Uint32()
	p.MinLSN = r.Uint64()
	p.MaxLSN = r.Uint64()
	p.MinTS = r.Uint64()
	p.MaxTS = r.Uint64()
	p.MinKey = r.Bytes()
	p.MaxKey = r.Bytes()
	if err := r.Err(); err != nil {
		return properties{}, fmt.Errorf("sstable: decode properties: %w", err)
	}
	return p, nil
}

// writeFramedBlock encodes body as [u32 len][bytes][crc32] into out.
func writeFramedBlock(out *[]byte, body []byte) {
	var lenBuf [4]byte
	putUint32LE(lenBuf[:], uint32(len(body)))
	*out = append(*out, lenBuf[:]...)
	*out = append(*out, body...)
	var crcBuf [4]byte
	putUint32LE(crcBuf[:], crc32.ChecksumIEEE(body))
	*out = append(*out, crcBuf[:]...)
}

// framedBlockLen returns the total on-disk length of a framed block with the
// given body length.
func framedBlockLen(bodyLen int) int {
	return 4 + bodyLen + 4
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

type byteWriter struct{ buf *[]byte }

func newByteWriter(buf *[]byte) *byteWriter { return &byteWriter{buf: buf} }

func (b *byteWriter) Write(p []byte) (int, error) {
	*b.buf = append(*b.buf, p...)
	return len(p), nil
}
