// Package encoding implements AeternusDB's deterministic little-endian binary
// encoding used by every on-disk format: the WAL, the SSTable blocks, and the
// manifest log. Writer and Reader latch the first error, so a chain of field
// writes or reads is checked once at the end instead of after every call.
package encoding

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// Safety ceilings enforced on decode; violating either is fatal to the
// decode, never silently clamped.
const (
	// MaxByteSequenceLen bounds any single length-prefixed byte sequence.
	MaxByteSequenceLen = 256 << 20 // 256 MiB
	// MaxElementCount bounds any vector's element count.
	MaxElementCount = 16 << 20 // 16M
)

// Writer accumulates encoding errors so callers can write a whole record and
// check err once; after the first error every later write is a no-op.
type Writer struct {
	w   io.Writer
	err error
}

// NewWriter wraps out for a sequence of field writes.
func NewWriter(out io.Writer) *Writer {
	return &Writer{w: out}
}

// Err returns the first error encountered, if any.
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

// PutUint8 writes a single byte.
func (w *Writer) PutUint8(v uint8) {
	w.write([]byte{v})
}

// PutBool writes a boolean as a single 0/1 byte.
func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
}

// PutUint32 writes a 32-bit little-endian integer.
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.write(b[:])
}

// PutUint64 writes a 64-bit little-endian integer.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.write(b[:])
}

// PutBytes writes a length-prefixed byte sequence: [u32 len][bytes].
func (w *Writer) PutBytes(b []byte) {
	if w.err != nil {
		return
	}
	if len(b) > MaxByteSequenceLen {
		w.err = fmt.Errorf("encoding: byte sequence of %d bytes exceeds %d byte ceiling", len(b), MaxByteSequenceLen)
		return
	}
	w.PutUint32(uint32(len(b)))
	w.write(b)
}

// PutString writes a length-prefixed UTF-8 string.
func (w *Writer) PutString(s string) {
	w.PutBytes([]byte(s))
}

// PutRawBytes writes b with no length prefix, for fixed-size arrays.
func (w *Writer) PutRawBytes(b []byte) {
	w.write(b)
}

// PutOptional writes an optional value as [u8 tag=0|1][T if 1]; put is only
// invoked when present.
func (w *Writer) PutOptional(present bool, put func()) {
	w.PutBool(present)
	if present {
		put()
	}
}

// Reader decodes fields written by Writer, tracking the first decode error.
type Reader struct {
	b   []byte
	pos int
	err error
}

// NewReader wraps b for sequential field reads.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.b) - r.pos
}

func (r *Reader) need(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.b) {
		r.err = fmt.Errorf("encoding: short buffer, need %d bytes, have %d", n, len(r.b)-r.pos)
		return nil
	}
	p := r.b[r.pos : r.pos+n]
	r.pos += n
	return p
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() uint8 {
	p := r.need(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// Bool reads a boolean byte, failing on any value other than 0 or 1.
func (r *Reader) Bool() bool {
	v := r.Uint8()
	if r.err != nil {
		return false
	}
	switch v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.err = fmt.Errorf("encoding: invalid bool byte %d", v)
		return false
	}
}

// Uint32 reads a 32-bit little-endian integer.
func (r *Reader) Uint32() uint32 {
	p := r.need(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

// Uint64 reads a 64-bit little-endian integer.
func (r *Reader) Uint64() uint64 {
	p := r.need(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

// Bytes reads a length-prefixed byte sequence, returning a copy.
func (r *Reader) Bytes() []byte {
	n := r.Uint32()
	if r.err != nil {
		return nil
	}
	if n > MaxByteSequenceLen {
		r.err = fmt.Errorf("encoding: byte sequence of %d bytes exceeds %d byte ceiling", n, MaxByteSequenceLen)
		return nil
	}
	p := r.need(int(n))
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// String reads a length-prefixed UTF-8 string.
func (r *Reader) String() string {
	b := r.Bytes()
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.err = fmt.Errorf("encoding: invalid UTF-8 string")
		return ""
	}
	return string(b)
}

// Optional reads an optional-value tag, invoking get only when the tag says
// the payload is present. It reports presence; a tag byte other than 0 or 1
// is a decode error.
func (r *Reader) Optional(get func()) bool {
	present := r.Bool()
	if r.err != nil || !present {
		return false
	}
	get()
	return true
}

// RawBytes reads n unprefixed bytes, for fixed-size arrays.
func (r *Reader) RawBytes(n int) []byte {
	p := r.need(n)
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// CheckElementCount validates a decoded vector length against the element
// count ceiling before the caller loops over it.
func CheckElementCount(n uint32) error {
	if n > MaxElementCount {
		return fmt.Errorf("encoding: element count %d exceeds %d ceiling", n, MaxElementCount)
	}
	return nil
}
