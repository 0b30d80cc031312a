package sstable

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/aeternusdb/aeternusdb/internal/encoding"
	"github.com/aeternusdb/aeternusdb/internal/record"
)

// indexEntry is one (separator key, data-block handle) pair.
type indexEntry struct {
	Separator []byte
	Handle    handle
}

// Build writes pointEntries (sorted key asc, duplicates of the same key
// adjacent) and rangeTombstones (sorted start asc) to finalPath in SSTable
// format. It writes to finalPath+".tmp", fsyncs, then
// atomically renames; a crash mid-build leaves at most a ".tmp" file,
// never a half-valid ".sst".
func Build(finalPath string, pointEntries, rangeTombstones []record.Record, creationTimestamp uint64) error {
	if len(pointEntries) == 0 && len(rangeTombstones) == 0 {
		return fmt.Errorf("sstable: build rejects empty input")
	}

	var out []byte

	// Header is written last once we know nothing failed, but its bytes
	// occupy the start of the file; build the body first and prepend.
	var body []byte

	var index []indexEntry
	var blockBuf []byte
	var blockFirstKey []byte

	flushBlock := func() {
		if len(blockBuf) == 0 {
			return
		}
		off := uint64(headerLen + crcLen + len(body))
		writeFramedBlock(&body, blockBuf)
		index = append(index, indexEntry{
			Separator: blockFirstKey,
			Handle:    handle{Offset: off, Length: uint64(framedBlockLen(len(blockBuf)))},
		})
		blockBuf = nil
		blockFirstKey = nil
	}

	bloomKeyCount := len(pointEntries)
	bf := newBloomFilter(bloomKeyCount)

	var props properties
	first := true
	trackBounds := func(lsn, ts uint64, key []byte) {
		if first {
			props.MinLSN, props.MaxLSN = lsn, lsn
			props.MinTS, props.MaxTS = ts, ts
			if key != nil {
				props.MinKey, props.MaxKey = key, key
			}
			first = false
			return
		}
		if lsn < props.MinLSN {
			props.MinLSN = lsn
		}
		if lsn > props.MaxLSN {
			props.MaxLSN = lsn
		}
		if ts < props.MinTS {
			props.MinTS = ts
		}
		if ts > props.MaxTS {
			props.MaxTS = ts
		}
		if key != nil {
			if props.MinKey == nil || bytes.Compare(key, props.MinKey) < 0 {
				props.MinKey = key
			}
			if props.MaxKey == nil || bytes.Compare(key, props.MaxKey) > 0 {
				props.MaxKey = key
			}
		}
	}

	for _, rec := range pointEntries {
		if blockFirstKey == nil {
			blockFirstKey = rec.Key
		}
		putPointCell(&blockBuf, rec)
		bf.Add(rec.Key)
		trackBounds(rec.LSN, rec.Timestamp, rec.Key)
		if rec.Kind == record.KindDelete {
			props.TombstoneCount++
		}
		props.RecordCount++
		if len(blockBuf) >= targetBlockSize {
			flushBlock()
		}
	}
	flushBlock()

	// Range-tombstone block: one block, no size-based splitting.
	var rangeBody []byte
	{
		bw := newByteWriter(&rangeBody)
		w := encoding.NewWriter(bw)
		w.PutUint32(uint32(len(rangeTombstones)))
		for _, rt := range rangeTombstones {
			putRangeTombstoneCell(w, rt)
			trackBounds(rt.LSN, rt.Timestamp, nil)
			props.RangeTombstoneCt++
		}
		if err := w.Err(); err != nil {
			return fmt.Errorf("sstable: encode range tombstones: %w", err)
		}
	}
	rangeDelOff := uint64(headerLen + crcLen + len(body))
	writeFramedBlock(&body, rangeBody)
	rangeDelHandle := handle{Offset: rangeDelOff, Length: uint64(framedBlockLen(len(rangeBody)))}

	// Bloom block.
	bloomBytes, err := encodeBloom(bf)
	if err != nil {
		return err
	}
	bloomOff := uint64(headerLen + crcLen + len(body))
	writeFramedBlock(&body, bloomBytes)
	bloomHandle := handle{Offset: bloomOff, Length: uint64(framedBlockLen(len(bloomBytes)))}

	// Properties block.
	props.CreationTimestamp = creationTimestamp
	propsBytes := encodeProperties(props)
	propsOff := uint64(headerLen + crcLen + len(body))
	writeFramedBlock(&body, propsBytes)
	propsHandle := handle{Offset: propsOff, Length: uint64(framedBlockLen(len(propsBytes)))}

	// Metaindex block: (name, handle) triples.
	var metaBody []byte
	{
		bw := newByteWriter(&metaBody)
		w := encoding.NewWriter(bw)
		w.PutUint32(3)
		w.PutString(nameFilterBloom)
		putHandle(w, bloomHandle)
		w.PutString(nameMetaProperties)
		putHandle(w, propsHandle)
		w.PutString(nameMetaRangeDel)
		putHandle(w, rangeDelHandle)
		if err := w.Err(); err != nil {
			return fmt.Errorf("sstable: encode metaindex: %w", err)
		}
	}
	metaOff := uint64(headerLen + crcLen + len(body))
	writeFramedBlock(&body, metaBody)
	metaHandle := handle{Offset: metaOff, Length: uint64(framedBlockLen(len(metaBody)))}

	// Index block: (separator, handle) pairs.
	var indexBody []byte
	{
		bw := newByteWriter(&indexBody)
		w := encoding.NewWriter(bw)
		w.PutUint32(uint32(len(index)))
		for _, e := range index {
			w.PutBytes(e.Separator)
			putHandle(w, e.Handle)
		}
		if err := w.Err(); err != nil {
			return fmt.Errorf("sstable: encode index: %w", err)
		}
	}
	indexOff := uint64(headerLen + crcLen + len(body))
	writeFramedBlock(&body, indexBody)
	indexHandle := handle{Offset: indexOff, Length: uint64(framedBlockLen(len(indexBody)))}

	// Header.
	var headerBody []byte
	{
		bw := newByteWriter(&headerBody)
		w := encoding.NewWriter(bw)
		w.PutRawBytes([]byte(magic))
		w.PutUint32(version)
		w.PutUint32(0) // reserved
		if err := w.Err(); err != nil {
			return fmt.Errorf("sstable: encode header: %w", err)
		}
	}
	out = append(out, headerBody...)
	var hcrc [4]byte
	putUint32LE(hcrc[:], crc32.ChecksumIEEE(headerBody))
	out = append(out, hcrc[:]...)
	out = append(out, body...)

	// Footer: handle(metaindex) + handle(index) + total file size + crc.
	totalSize := uint64(len(out)) + footerLen
	var footerBody []byte
	{
		bw := newByteWriter(&footerBody)
		w := encoding.NewWriter(bw)
		putHandle(w, metaHandle)
		putHandle(w, indexHandle)
		w.PutUint64(totalSize)
		if err := w.Err(); err != nil {
			return fmt.Errorf("sstable: encode footer: %w", err)
		}
	}
	out = append(out, footerBody...)
	var fcrc [4]byte
	putUint32LE(fcrc[:], crc32.ChecksumIEEE(footerBody))
	out = append(out, fcrc[:]...)

	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("sstable: create %q: %w", tmpPath, err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		return fmt.Errorf("sstable: write %q: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sstable: sync %q: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sstable: close %q: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("sstable: rename %q to %q: %w", tmpPath, finalPath, err)
	}
	return nil
}

