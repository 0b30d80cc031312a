// Package wal implements AeternusDB's segmented, append-only, CRC-protected
// write-ahead log. It is used both for memtable durability and, with a
// different payload type, as the manifest's own append-only event log.
//
// The segment file layout is:
//
//	[header_bytes][crc32(header_bytes)]
//	([u32 rec_len][rec_bytes][crc32(rec_len||rec_bytes)])*
//
// A mutex serializes appends; every append is encoded in memory, written in
// one syscall, and fsynced before it is acknowledged.
package wal

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/aeternusdb/aeternusdb/internal/encoding"
)

const (
	magic   = "AWAL"
	version = uint32(1)

	// headerLen is magic(4) + version(4) + maxRecordSize(4) + walSeq(8).
	headerLen = 4 + 4 + 4 + 8
	crcLen    = 4
)

// Codec binds a record type's Encode/Decode functions, keeping the WAL
// itself payload-agnostic. Memtable records use record.Encode/record.Decode;
// manifest events use manifest.EncodeEvent/manifest.DecodeEvent.
type Codec struct {
	Encode func(w *encoding.Writer, rec any)
	Decode func(r *encoding.Reader) (any, error)
}

// Segment is one WAL file: `wal-<seq>.log` or, for the manifest, a
// similarly-numbered manifest segment.
type Segment struct {
	mu sync.Mutex

	dir           string
	prefix        string // "wal" or "manifest"
	seq           uint64
	maxRecordSize uint32
	codec         Codec

	f *os.File
	// replayPos tracks the replay cursor so ReplayIter can coexist with
	// Append under the same lock.
	replayPos int64
}

// SegmentName returns the conventional filename for seq under prefix.
func SegmentName(prefix string, seq uint64) string {
	if prefix == "" {
		prefix = "wal"
	}
	return fmt.Sprintf("%s-%06d.log", prefix, seq)
}

// Open creates a new segment with a fresh header, or opens an existing one
// and verifies its header CRC, magic, version, and that the embedded wal_seq
// matches the filename-derived sequence.
func Open(dir, prefix string, seq uint64, maxRecordSize uint32, codec Codec) (*Segment, error) {
	path := filepath.Join(dir, SegmentName(prefix, seq))
	s := &Segment{dir: dir, prefix: prefix, seq: seq, maxRecordSize: maxRecordSize, codec: codec}

	if _, err := os.Stat(path); err == nil {
		f, err := os.OpenFile(path, os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("wal: open %q: %w", path, err)
		}
		s.f = f
		if err := s.readAndVerifyHeader(); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: seek %q: %w", path, err)
		}
		s.replayPos = headerLen + crcLen
		return s, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wal: create %q: %w", path, err)
	}
	s.f = f
	if err := s.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	s.replayPos = headerLen + crcLen
	return s, nil
}

// encodeHeader builds the header bytes plus trailing CRC.
func encodeHeader(maxRecordSize uint32, seq uint64) ([]byte, error) {
	buf := make([]byte, 0, headerLen)
	bw := newByteWriter(&buf)
	w := encoding.NewWriter(bw)
	w.PutRawBytes([]byte(magic))
	w.PutUint32(version)
	w.PutUint32(maxRecordSize)
	w.PutUint64(seq)
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("wal: encode header: %w", err)
	}

	out := make([]byte, 0, headerLen+crcLen)
	out = append(out, buf...)
	var crcBuf [4]byte
	putUint32LE(crcBuf[:], crc32.ChecksumIEEE(buf))
	out = append(out, crcBuf[:]...)
	return out, nil
}

// encodeFrame builds one record frame: [u32 len][bytes][crc32(len||bytes)].
func encodeFrame(codec Codec, maxRecordSize uint32, rec any) ([]byte, error) {
	var body []byte
	bw := newByteWriter(&body)
	w := encoding.NewWriter(bw)
	codec.Encode(w, rec)
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("wal: encode record: %w", err)
	}
	if uint32(len(body)) > maxRecordSize {
		return nil, fmt.Errorf("wal: record of %d bytes exceeds max %d", len(body), maxRecordSize)
	}

	frame := make([]byte, 0, 4+len(body)+4)
	var lenBuf [4]byte
	putUint32LE(lenBuf[:], uint32(len(body)))
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, body...)

	var crcBuf [4]byte
	putUint32LE(crcBuf[:], crc32.ChecksumIEEE(frame))
	frame = append(frame, crcBuf[:]...)
	return frame, nil
}

func (s *Segment) writeHeader() error {
	out, err := encodeHeader(s.maxRecordSize, s.seq)
	if err != nil {
		return err
	}
	if _, err := s.f.WriteAt(out, 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("wal: sync header: %w", err)
	}
	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	return nil
}

func (s *Segment) readAndVerifyHeader() error {
	buf := make([]byte, headerLen+crcLen)
	if _, err := s.f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}

	body := buf[:headerLen]
	wantCRC := getUint32LE(buf[headerLen:])
	if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
		return fmt.Errorf("wal: header CRC mismatch")
	}

	r := encoding.NewReader(body)
	gotMagic := r.RawBytes(4)
	gotVersion := r.Uint32()
	s.maxRecordSize = r.Uint32()
	gotSeq := r.Uint64()
	if err := r.Err(); err != nil {
		return fmt.Errorf("wal: decode header: %w", err)
	}
	if string(gotMagic) != magic {
		return fmt.Errorf("wal: bad magic %q", gotMagic)
	}
	if gotVersion != version {
		return fmt.Errorf("wal: unsupported version %d", gotVersion)
	}
	if gotSeq != s.seq {
		return fmt.Errorf("wal: header seq %d does not match filename seq %d", gotSeq, s.seq)
	}
	return nil
}

// Seq returns the segment's sequence number.
func (s *Segment) Seq() uint64 { return s.seq }

// Path returns the segment's file path.
func (s *Segment) Path() string {
	return filepath.Join(s.dir, SegmentName(s.prefix, s.seq))
}

// Append encodes rec, writes [u32 len][bytes][crc32], and fsyncs. Appends are
// serialized by the segment's mutex.
func (s *Segment) Append(rec any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame, err := encodeFrame(s.codec, s.maxRecordSize, rec)
	if err != nil {
		return err
	}
	if _, err := s.f.Write(frame); err != nil {
		return fmt.Errorf("wal: write record: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// ReplayIter returns a lazy, finite, non-restartable function that yields
// decoded records one at a time. It returns (rec, true, nil) per record, and
// (zero, false, nil) at clean end-of-file or a valid partial tail. A
// corrupted (but complete) record is a terminal (zero, false, err).
//
// A partial tail (fewer bytes than the frame declares) is treated as
// end-of-valid-data, not corruption: records before the tear stay
// available.
func (s *Segment) ReplayIter() func() (any, bool, error) {
	return func() (any, bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		lenBuf := make([]byte, 4)
		n, _ := s.f.ReadAt(lenBuf, s.replayPos)
		if n < 4 {
			return nil, false, nil // EOF or partial length prefix: end of valid data.
		}
		recLen := getUint32LE(lenBuf)
		if recLen > s.maxRecordSize {
			return nil, false, fmt.Errorf("wal: record of %d bytes exceeds max %d", recLen, s.maxRecordSize)
		}

		frame := make([]byte, 4+int(recLen)+4)
		copy(frame, lenBuf)
		got, _ := s.f.ReadAt(frame[4:], s.replayPos+4)
		if got < int(recLen)+4 {
			return nil, false, nil // partial tail: end of valid data.
		}

		body := frame[4 : 4+recLen]
		wantCRC := getUint32LE(frame[4+recLen:])
		if gotCRC := crc32.ChecksumIEEE(frame[:4+recLen]); gotCRC != wantCRC {
			return nil, false, fmt.Errorf("wal: record CRC mismatch at offset %d", s.replayPos)
		}

		rec, err := s.codec.Decode(encoding.NewReader(body))
		if err != nil {
			return nil, false, fmt.Errorf("wal: decode record at offset %d: %w", s.replayPos, err)
		}

		s.replayPos += int64(4 + int(recLen) + 4)
		return rec, true, nil
	}
}

// Truncate resets the segment to just its header, discarding every record.
// The engine does not call it: a flushed memtable's segment is removed
// outright, and the manifest is rewritten through WriteAtomic.
func (s *Segment) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.f.Truncate(headerLen + crcLen); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	s.replayPos = headerLen + crcLen
	return nil
}

// TruncateTail discards whatever follows the replay cursor. Called after a
// full replay to drop a torn record left by a crash mid-append, so that
// later appends extend the last valid record instead of the tear.
func (s *Segment) TruncateTail() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.f.Truncate(s.replayPos); err != nil {
		return fmt.Errorf("wal: truncate tail: %w", err)
	}
	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	return nil
}

// WriteAtomic writes a fresh segment containing recs at the conventional
// path for (prefix, seq), via a temp file and atomic rename, replacing any
// existing segment file. The manifest uses this to rewrite itself compactly
// around a checkpoint: a crash leaves either the old segment or the new one,
// never a torn mixture.
func WriteAtomic(dir, prefix string, seq uint64, maxRecordSize uint32, codec Codec, recs []any) error {
	out, err := encodeHeader(maxRecordSize, seq)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		frame, err := encodeFrame(codec, maxRecordSize, rec)
		if err != nil {
			return err
		}
		out = append(out, frame...)
	}

	path := filepath.Join(dir, SegmentName(prefix, seq))
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("wal: create %q: %w", tmpPath, err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		return fmt.Errorf("wal: write %q: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("wal: sync %q: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wal: close %q: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("wal: rename %q to %q: %w", tmpPath, path, err)
	}
	return nil
}

// RotateNext fsyncs this segment and opens wal-<seq+1>.log in the same
// directory, returning the new segment. The caller is responsible for
// swapping it in and for closing the old segment when done with it.
func (s *Segment) RotateNext() (*Segment, error) {
	s.mu.Lock()
	if err := s.f.Sync(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("wal: sync before rotate: %w", err)
	}
	s.mu.Unlock()

	return Open(s.dir, s.prefix, s.seq+1, s.maxRecordSize, s.codec)
}

// Close closes the segment's file handle.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Remove closes and unlinks the segment file.
func (s *Segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(s.Path())
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

// byteWriter is a minimal io.Writer over a *[]byte, used to build frames in
// memory before a single syscall write.
type byteWriter struct {
	buf *[]byte
}

func newByteWriter(buf *[]byte) *byteWriter {
	return &byteWriter{buf: buf}
}

func (b *byteWriter) Write(p []byte) (int, error) {
	*b.buf = append(*b.buf, p...)
	return len(p), nil
}
