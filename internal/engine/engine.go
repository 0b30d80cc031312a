// Package engine ties together the WAL, memtable, SSTable, manifest, merge,
// and compaction layers into the single storage engine: active/frozen
// memtables, the live SSTable set, and the operations that move data between
// them.
package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeternusdb/aeternusdb/internal/compaction"
	"github.com/aeternusdb/aeternusdb/internal/manifest"
	"github.com/aeternusdb/aeternusdb/internal/memtable"
	"github.com/aeternusdb/aeternusdb/internal/merge"
	"github.com/aeternusdb/aeternusdb/internal/record"
	"github.com/aeternusdb/aeternusdb/internal/sstable"
	"github.com/aeternusdb/aeternusdb/internal/wal"
)

// Config is the engine's tuning surface.
type Config struct {
	WriteBufferSize int
	Compaction      compaction.Config
}

// DefaultConfig returns the engine's default tuning, grounded on typical
// STCS defaults.
func DefaultConfig() Config {
	return Config{
		WriteBufferSize: 4 << 20,
		Compaction: compaction.Config{
			BucketLow:               0.5,
			BucketHigh:              1.5,
			MinSstableSize:          50 << 20,
			MinThreshold:            4,
			MaxThreshold:            32,
			TombstoneRatioThreshold: 0.2,
			TombstoneBloomFallback:  true,
			TombstoneRangeDrop:      true,
		},
	}
}

const (
	sstablesSubdir = "sstables"
	walSubdir      = "wal"
	manifestSeq    = 1
	maxWALRecord   = 64 << 20
)

var sstFileRe = regexp.MustCompile(`^(\d+)\.sst$`)
var walFileRe = regexp.MustCompile(`^wal-(\d+)\.log$`)

// liveTable pairs an open sstable.Reader with its manifest metadata.
type liveTable struct {
	meta   manifest.SstMetadata
	reader *sstable.Reader
	path   string
}

// Engine is the storage engine instance. One Engine owns one database
// directory; concurrent Put/Delete/DeleteRange/Get/Scan calls are safe from
// any goroutine.
type Engine struct {
	root     string
	sstDir   string
	walDir   string
	cfg      Config

	man *manifest.Manifest

	mu     sync.RWMutex // guards active, frozen, ssts
	active *memtable.Memtable
	frozen []*memtable.Memtable // oldest first
	ssts   []liveTable          // newest (highest id) first

	lsn    atomic.Uint64
	closed atomic.Bool
}

func (e *Engine) nextLSN() uint64 { return e.lsn.Add(1) }
func (e *Engine) now() uint64     { return uint64(time.Now().UnixNano()) }

// Open creates the directory tree if absent, recovers the manifest, cleans
// up orphan SSTable files, memory-maps every live SSTable, and replays any
// WAL segments into frozen/active memtables.
func Open(root string, cfg Config) (*Engine, error) {
	sstDir := filepath.Join(root, sstablesSubdir)
	walDir := filepath.Join(root, walSubdir)
	for _, dir := range []string{root, sstDir, walDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("engine: create directory %q: %w", dir, err)
		}
	}

	man, err := manifest.Open(root, manifestSeq)
	if err != nil {
		return nil, fmt.Errorf("engine: open manifest: %w", err)
	}

	e := &Engine{root: root, sstDir: sstDir, walDir: walDir, cfg: cfg, man: man}
	e.lsn.Store(man.LastLSN())

	if err := e.recoverSSTables(); err != nil {
		man.Close()
		return nil, err
	}
	if err := e.recoverMemtables(); err != nil {
		e.closeSSTables()
		man.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) recoverSSTables() error {
	entries, err := os.ReadDir(e.sstDir)
	if err != nil {
		return fmt.Errorf("engine: list %q: %w", e.sstDir, err)
	}

	live := make(map[uint64]manifest.SstMetadata)
	for _, m := range e.man.LiveSet() {
		live[m.ID] = m
	}

	seen := make(map[uint64]bool)
	for _, ent := range entries {
		name := ent.Name()
		match := sstFileRe.FindStringSubmatch(name)
		if match == nil {
			continue // ".tmp" crash debris and anything else: left alone
		}
		id, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			continue
		}
		if _, ok := live[id]; !ok {
			if err := os.Remove(filepath.Join(e.sstDir, name)); err != nil {
				return fmt.Errorf("engine: remove orphan sstable %q: %w", name, err)
			}
			continue
		}
		seen[id] = true
	}

	for id := range live {
		if !seen[id] {
			return fmt.Errorf("engine: recovery: live sstable id %d has no backing file", id)
		}
	}

	var tables []liveTable
	for id, meta := range live {
		path := filepath.Join(e.sstDir, fmt.Sprintf("%d.sst", id))
		r, err := sstable.Open(path)
		if err != nil {
			return fmt.Errorf("engine: open sstable %q: %w", path, err)
		}
		tables = append(tables, liveTable{meta: meta, reader: r, path: path})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].meta.ID > tables[j].meta.ID })
	e.ssts = tables
	return nil
}

func (e *Engine) closeSSTables() {
	for _, t := range e.ssts {
		t.reader.Close()
	}
}

func (e *Engine) recoverMemtables() error {
	entries, err := os.ReadDir(e.walDir)
	if err != nil {
		return fmt.Errorf("engine: list %q: %w", e.walDir, err)
	}

	var seqs []uint64
	for _, ent := range entries {
		match := walFileRe.FindStringSubmatch(ent.Name())
		if match == nil {
			continue
		}
		seq, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	if len(seqs) == 0 {
		seq := e.man.NextWALSeq()
		seg, err := wal.Open(e.walDir, "wal", seq, maxWALRecord, memtable.Codec)
		if err != nil {
			return fmt.Errorf("engine: create initial wal segment: %w", err)
		}
		e.active = memtable.New(seg, e.cfg.WriteBufferSize, e.nextLSN, e.now)
		return nil
	}

	var mts []*memtable.Memtable
	for _, seq := range seqs {
		seg, err := wal.Open(e.walDir, "wal", seq, maxWALRecord, memtable.Codec)
		if err != nil {
			return fmt.Errorf("engine: open wal segment %d: %w", seq, err)
		}
		mt, err := memtable.Recover(seg, e.cfg.WriteBufferSize, e.nextLSN, e.now)
		if err != nil {
			return fmt.Errorf("engine: recover memtable from wal segment %d: %w", seq, err)
		}
		if mt.MaxLSN() > e.lsn.Load() {
			e.lsn.Store(mt.MaxLSN())
		}
		mts = append(mts, mt)
	}

	e.active = mts[len(mts)-1]
	e.frozen = mts[:len(mts)-1]
	return nil
}

// Invalid arguments are rejected at the engine boundary, before any state
// mutation.

func validateKeyValue(key, value []byte) error {
	if len(key) == 0 || len(value) == 0 {
		return fmt.Errorf("engine: key and value must be non-empty")
	}
	return nil
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("engine: key must be non-empty")
	}
	return nil
}

func validateRange(start, end []byte) error {
	if len(start) == 0 || len(end) == 0 {
		return fmt.Errorf("engine: start and end must be non-empty")
	}
	if bytes.Compare(start, end) >= 0 {
		return fmt.Errorf("engine: start must be < end")
	}
	return nil
}

// ErrClosed is returned by every operation once Close has completed.
var ErrClosed = fmt.Errorf("engine: handle is closed")

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// freezeIfNeeded freezes the active memtable and rotates to a fresh one when
// flushRequired is set, reporting whether a freeze occurred.
func (e *Engine) freezeIfNeeded(flushRequired bool) (bool, error) {
	if !flushRequired {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Two writers can trip the budget on the same memtable; whichever takes
	// the lock first freezes it, and the loser's stale signal must not freeze
	// the fresh (or barely-filled) replacement.
	if e.active.Empty() || !e.active.OverBudget() {
		return false, nil
	}

	oldSeg := e.active.Segment()
	newSeg, err := oldSeg.RotateNext()
	if err != nil {
		return false, fmt.Errorf("engine: rotate wal: %w", err)
	}
	// RotateNext derives the new file's sequence from oldSeg directly; bump
	// the manifest's counter in lockstep so a later checkpoint records the
	// correct next-unused sequence for recovery.
	e.man.NextWALSeq()

	e.frozen = append(e.frozen, e.active)
	e.active = memtable.New(newSeg, e.cfg.WriteBufferSize, e.nextLSN, e.now)
	return true, nil
}

// Put writes key=value.
func (e *Engine) Put(key, value []byte) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	if err := validateKeyValue(key, value); err != nil {
		return false, err
	}
	e.mu.RLock()
	active := e.active
	e.mu.RUnlock()

	flushRequired, err := active.Put(key, value)
	if err != nil {
		return false, err
	}
	return e.freezeIfNeeded(flushRequired)
}

// Delete writes a point tombstone for key.
func (e *Engine) Delete(key []byte) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	if err := validateKey(key); err != nil {
		return false, err
	}
	e.mu.RLock()
	active := e.active
	e.mu.RUnlock()

	flushRequired, err := active.Delete(key)
	if err != nil {
		return false, err
	}
	return e.freezeIfNeeded(flushRequired)
}

// DeleteRange writes a tombstone covering [start, end).
func (e *Engine) DeleteRange(start, end []byte) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	if err := validateRange(start, end); err != nil {
		return false, err
	}
	e.mu.RLock()
	active := e.active
	e.mu.RUnlock()

	flushRequired, err := active.DeleteRange(start, end)
	if err != nil {
		return false, err
	}
	return e.freezeIfNeeded(flushRequired)
}

// Get resolves the newest visible value for key, or (nil, false) if absent
// or deleted. Each layer is asked for its own
// single-key candidate (memtable.GetCandidate / sstable.Reader.Get); the
// candidates are resolved by merge.ResolveVisible, short-circuiting the full
// stream merge.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if err := e.checkOpen(); err != nil {
		return nil, false, err
	}
	if err := validateKey(key); err != nil {
		return nil, false, err
	}

	e.mu.RLock()
	active := e.active
	frozen := append([]*memtable.Memtable(nil), e.frozen...)
	ssts := append([]liveTable(nil), e.ssts...)
	e.mu.RUnlock()

	var candidates []record.Record
	if rec, ok := active.GetCandidate(key); ok {
		candidates = append(candidates, rec)
	}
	for i := len(frozen) - 1; i >= 0; i-- { // newest frozen first
		if rec, ok := frozen[i].GetCandidate(key); ok {
			candidates = append(candidates, rec)
		}
	}
	for _, t := range ssts { // already newest-id first
		rec, ok, err := t.reader.Get(key)
		if err != nil {
			return nil, false, fmt.Errorf("engine: get from sstable %d: %w", t.meta.ID, err)
		}
		if ok {
			candidates = append(candidates, rec)
		}
	}

	value, found := merge.ResolveVisible(candidates)
	return value, found, nil
}

// Scan returns every visible (key, value) pair with key in [start, end),
// sorted ascending, via the full k-way merge and visibility filter. An empty
// slice (no error) is returned if start >= end.
func (e *Engine) Scan(start, end []byte) ([]record.Record, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if bytes.Compare(start, end) >= 0 {
		return nil, nil
	}

	e.mu.RLock()
	active := e.active
	frozen := append([]*memtable.Memtable(nil), e.frozen...)
	ssts := append([]liveTable(nil), e.ssts...)
	e.mu.RUnlock()

	var streams []merge.Stream
	streams = append(streams, merge.NewSliceStream(active.Scan(start, end)))
	for i := len(frozen) - 1; i >= 0; i-- {
		streams = append(streams, merge.NewSliceStream(frozen[i].Scan(start, end)))
	}
	for _, t := range ssts {
		var recs []record.Record
		if err := t.reader.Scan(start, end, func(r record.Record) bool {
			recs = append(recs, r)
			return true
		}); err != nil {
			return nil, fmt.Errorf("engine: scan sstable %d: %w", t.meta.ID, err)
		}
		streams = append(streams, merge.NewSliceStream(recs))
	}

	merged, err := merge.Merge(streams)
	if err != nil {
		return nil, fmt.Errorf("engine: merge scan streams: %w", err)
	}
	vis := merge.NewVisibilityStream(merged)

	var out []record.Record
	for {
		rec, ok, err := vis.Next()
		if err != nil {
			return nil, fmt.Errorf("engine: scan visibility: %w", err)
		}
		if !ok {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// FlushOldestFrozen flushes the oldest frozen memtable to a new SSTable,
// registers it in the manifest, and drops the memtable and its WAL segment.
// Returns false if there was nothing to flush.
func (e *Engine) FlushOldestFrozen() (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	return e.flushOldestFrozen()
}

// flushOldestFrozen is FlushOldestFrozen without the closed-handle check, so
// Close can drain the frozen list after marking the engine closed.
func (e *Engine) flushOldestFrozen() (bool, error) {
	e.mu.Lock()
	if len(e.frozen) == 0 {
		e.mu.Unlock()
		return false, nil
	}
	mt := e.frozen[0]
	e.mu.Unlock()

	if mt.Empty() {
		// A recovered WAL segment can be empty; there is nothing to build,
		// but the memtable and its segment still need retiring.
		e.mu.Lock()
		e.frozen = e.frozen[1:]
		e.mu.Unlock()
		if err := mt.Segment().Remove(); err != nil {
			return true, fmt.Errorf("engine: flush remove empty wal segment: %w", err)
		}
		return true, nil
	}

	points, ranges := mt.IterForFlush()
	id := e.man.NextSstID()
	path := filepath.Join(e.sstDir, fmt.Sprintf("%d.sst", id))
	if err := sstable.Build(path, points, ranges, e.now()); err != nil {
		return false, fmt.Errorf("engine: flush build sstable: %w", err)
	}
	r, err := sstable.Open(path)
	if err != nil {
		return false, fmt.Errorf("engine: flush reopen sstable: %w", err)
	}
	meta := manifest.SstMetadata{
		ID: id, Size: uint64(r.Size()),
		MinKey: r.MinKey(), MaxKey: r.MaxKey(),
		MinLSN: r.MinLSN(), MaxLSN: r.MaxLSN(),
		TombstoneCount: r.TombstoneCount(), RecordCount: r.RecordCount(),
		CreationTimestamp: r.CreationTimestamp(),
	}
	if err := e.man.RecordAdd(meta); err != nil {
		r.Close()
		return false, fmt.Errorf("engine: flush record manifest add: %w", err)
	}

	e.mu.Lock()
	e.ssts = append([]liveTable{{meta: meta, reader: r, path: path}}, e.ssts...)
	e.frozen = e.frozen[1:]
	e.mu.Unlock()

	seg := mt.Segment()
	if err := seg.Remove(); err != nil {
		return true, fmt.Errorf("engine: flush remove wal segment: %w", err)
	}
	return true, nil
}

// FlushAllFrozen loops FlushOldestFrozen until the frozen list is empty,
// returning how many were flushed.
func (e *Engine) FlushAllFrozen() (int, error) {
	n := 0
	for {
		flushed, err := e.FlushOldestFrozen()
		if err != nil {
			return n, err
		}
		if !flushed {
			return n, nil
		}
		n++
	}
}

// MinorCompact runs one STCS minor-compaction round.
func (e *Engine) MinorCompact() (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}

	e.mu.RLock()
	ssts := append([]liveTable(nil), e.ssts...)
	e.mu.RUnlock()

	tables := toCompactionTables(ssts)
	buckets := compaction.Bucketize(tables, e.cfg.Compaction)
	chosen := compaction.SelectMinorBucket(buckets, e.cfg.Compaction)
	if chosen == nil {
		return false, nil
	}

	id := e.man.NextSstID()
	path := filepath.Join(e.sstDir, fmt.Sprintf("%d.sst", id))
	meta, err := compaction.MinorCompact(chosen, path, id, e.now())
	if err != nil {
		return false, fmt.Errorf("engine: minor compact: %w", err)
	}
	return true, e.swapCompacted(chosen, meta, path)
}

// TombstoneCompact runs one tombstone-compaction round.
func (e *Engine) TombstoneCompact() (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}

	e.mu.RLock()
	ssts := append([]liveTable(nil), e.ssts...)
	e.mu.RUnlock()

	tables := toCompactionTables(ssts)
	rangeCounts := make(map[uint64]uint32, len(tables))
	for _, t := range tables {
		rangeCounts[t.Meta.ID] = t.Reader.RangeTombstoneCount()
	}

	target, ok := compaction.SelectTombstoneCandidate(tables, rangeCounts, e.cfg.Compaction, e.now())
	if !ok {
		return false, nil
	}

	var older []compaction.Table
	for _, t := range tables {
		if t.Meta.ID < target.Meta.ID {
			older = append(older, t)
		}
	}

	id := e.man.NextSstID()
	path := filepath.Join(e.sstDir, fmt.Sprintf("%d.sst", id))
	meta, changed, err := compaction.TombstoneCompact(target, older, path, id, e.cfg.Compaction, e.now())
	if err != nil {
		return false, fmt.Errorf("engine: tombstone compact: %w", err)
	}
	if !changed {
		return false, nil
	}
	return true, e.swapCompacted([]compaction.Table{target}, meta, path)
}

// MajorCompact collapses every live SSTable into exactly one, dropping all
// spent tombstones and shadowed puts. Returns false if
// fewer than 2 SSTables are live.
func (e *Engine) MajorCompact() (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}

	e.mu.RLock()
	ssts := append([]liveTable(nil), e.ssts...)
	e.mu.RUnlock()

	if len(ssts) < 2 {
		return false, nil
	}
	tables := toCompactionTables(ssts)

	id := e.man.NextSstID()
	path := filepath.Join(e.sstDir, fmt.Sprintf("%d.sst", id))
	meta, produced, err := compaction.MajorCompact(tables, path, id, e.now())
	if err != nil {
		return false, fmt.Errorf("engine: major compact: %w", err)
	}
	if !produced {
		return true, e.swapCompacted(tables, manifest.SstMetadata{}, "")
	}
	return true, e.swapCompacted(tables, meta, path)
}

func toCompactionTables(ssts []liveTable) []compaction.Table {
	out := make([]compaction.Table, 0, len(ssts))
	for _, t := range ssts {
		out = append(out, compaction.Table{Meta: t.meta, Reader: t.reader, Path: t.path})
	}
	return out
}

// swapCompacted records the manifest transition for a compaction that
// replaced inputs with (at most) one output, fsyncs it, updates the
// in-memory live set, and only then unlinks the input files.
func (e *Engine) swapCompacted(inputs []compaction.Table, output manifest.SstMetadata, outputPath string) error {
	removeIDs := make([]uint64, 0, len(inputs))
	for _, in := range inputs {
		removeIDs = append(removeIDs, in.Meta.ID)
	}

	var out *manifest.SstMetadata
	if outputPath != "" {
		out = &output
	}
	if err := e.man.RecordCompaction(removeIDs, out); err != nil {
		return fmt.Errorf("engine: record compaction manifest transition: %w", err)
	}

	var newReader *sstable.Reader
	if outputPath != "" {
		r, err := sstable.Open(outputPath)
		if err != nil {
			return fmt.Errorf("engine: reopen compaction output: %w", err)
		}
		newReader = r
	}

	removed := make(map[uint64]bool, len(inputs))
	for _, in := range inputs {
		removed[in.Meta.ID] = true
	}

	e.mu.Lock()
	var kept []liveTable
	var retired []liveTable
	for _, t := range e.ssts {
		if removed[t.meta.ID] {
			retired = append(retired, t)
			continue
		}
		kept = append(kept, t)
	}
	if newReader != nil {
		kept = append(kept, liveTable{meta: output, reader: newReader, path: outputPath})
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].meta.ID > kept[j].meta.ID })
	e.ssts = kept
	e.mu.Unlock()

	// Retired readers are not closed here: a scan that snapshotted the old
	// live set may still be reading their maps. golang.org/x/exp/mmap installs
	// a finalizer, so each map is released once the last reference drops.
	// Unlinking now is safe; the open mapping keeps the inode alive.
	for _, t := range retired {
		if err := os.Remove(t.path); err != nil {
			return fmt.Errorf("engine: unlink retired sstable %q: %w", t.path, err)
		}
	}
	return nil
}

// Stats is a read-only snapshot of engine state.
type Stats struct {
	SSTableCount int
	FrozenCount  int
	TotalBytes   uint64
}

// Stats returns a snapshot.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var total uint64
	for _, t := range e.ssts {
		total += t.meta.Size
	}
	return Stats{SSTableCount: len(e.ssts), FrozenCount: len(e.frozen), TotalBytes: total}
}

// Close is idempotent: it flushes every frozen memtable, checkpoints the
// manifest, and closes every open file handle.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	for {
		flushed, err := e.flushOldestFrozen()
		if err != nil {
			return fmt.Errorf("engine: close flush: %w", err)
		}
		if !flushed {
			break
		}
	}

	e.mu.RLock()
	active := e.active
	e.mu.RUnlock()
	e.man.SetLastLSN(e.lsn.Load())

	if err := e.man.Checkpoint(); err != nil {
		return fmt.Errorf("engine: close checkpoint: %w", err)
	}

	e.closeSSTables()
	if err := active.Segment().Close(); err != nil {
		return fmt.Errorf("engine: close active wal segment: %w", err)
	}
	if err := e.man.Close(); err != nil {
		return fmt.Errorf("engine: close manifest: %w", err)
	}
	return nil
}
