// Package compaction implements AeternusDB's size-tiered compaction
// strategy: bucketing live SSTables by size similarity and driving minor,
// tombstone, and major compaction rounds by merging candidates through
// internal/merge and rebuilding via internal/sstable.
package compaction

import (
	"fmt"
	"sort"

	"github.com/aeternusdb/aeternusdb/internal/manifest"
	"github.com/aeternusdb/aeternusdb/internal/merge"
	"github.com/aeternusdb/aeternusdb/internal/record"
	"github.com/aeternusdb/aeternusdb/internal/sstable"
)

// Config holds the STCS tuning knobs.
type Config struct {
	BucketLow, BucketHigh             float64
	MinSstableSize                    uint64
	MinThreshold, MaxThreshold        int
	TombstoneRatioThreshold           float64
	TombstoneCompactionInterval       uint64 // nanoseconds; 0 disables the age gate
	TombstoneBloomFallback            bool
	TombstoneRangeDrop                bool
}

// Table pairs an open sstable.Reader with its manifest metadata and file
// path, the unit compaction operates over.
type Table struct {
	Meta   manifest.SstMetadata
	Reader *sstable.Reader
	Path   string
}

// bucket groups tables of similar size.
type bucket struct {
	tables  []Table
	avgSize float64
}

// Bucketize partitions tables into size-similarity buckets. Tables smaller
// than cfg.MinSstableSize form a single "small" bucket; thereafter a table
// joins an existing bucket if its size falls within
// [bucket_low*avg, bucket_high*avg] of that bucket's running average, else
// it seeds a new bucket.
func Bucketize(tables []Table, cfg Config) [][]Table {
	var small []Table
	var rest []Table
	for _, t := range tables {
		if t.Meta.Size < cfg.MinSstableSize {
			small = append(small, t)
		} else {
			rest = append(rest, t)
		}
	}

	sort.Slice(rest, func(i, j int) bool { return rest[i].Meta.Size < rest[j].Meta.Size })

	var buckets []*bucket
	for _, t := range rest {
		size := float64(t.Meta.Size)
		placed := false
		for _, b := range buckets {
			if size >= cfg.BucketLow*b.avgSize && size <= cfg.BucketHigh*b.avgSize {
				b.tables = append(b.tables, t)
				total := b.avgSize * float64(len(b.tables)-1)
				b.avgSize = (total + size) / float64(len(b.tables))
				placed = true
				break
			}
		}
		if !placed {
			buckets = append(buckets, &bucket{tables: []Table{t}, avgSize: size})
		}
	}

	out := make([][]Table, 0, len(buckets)+1)
	if len(small) > 0 {
		out = append(out, small)
	}
	for _, b := range buckets {
		out = append(out, b.tables)
	}
	return out
}

// SelectMinorBucket picks the bucket to compact: among buckets whose member
// count is in [min_threshold, max_threshold], the one with the most
// SSTables, ties broken by smaller average size. Returns nil if no bucket
// qualifies.
func SelectMinorBucket(buckets [][]Table, cfg Config) []Table {
	var best []Table
	var bestAvg float64
	for _, b := range buckets {
		if len(b) < cfg.MinThreshold || len(b) > cfg.MaxThreshold {
			continue
		}
		avg := averageSize(b)
		switch {
		case best == nil:
			best, bestAvg = b, avg
		case len(b) > len(best):
			best, bestAvg = b, avg
		case len(b) == len(best) && avg < bestAvg:
			best, bestAvg = b, avg
		}
	}
	return best
}

func averageSize(tables []Table) float64 {
	if len(tables) == 0 {
		return 0
	}
	var total uint64
	for _, t := range tables {
		total += t.Meta.Size
	}
	return float64(total) / float64(len(tables))
}

// tableStreams builds one merge.Stream per table, newest (highest id) first,
// by scanning each table's full key range.
func tableStreams(tables []Table) ([]merge.Stream, error) {
	sorted := append([]Table(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Meta.ID > sorted[j].Meta.ID })

	streams := make([]merge.Stream, 0, len(sorted))
	for _, t := range sorted {
		var recs []record.Record
		err := t.Reader.Scan(nil, maxKey, func(rec record.Record) bool {
			recs = append(recs, rec)
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("compaction: scan sstable %d: %w", t.Meta.ID, err)
		}
		streams = append(streams, merge.NewSliceStream(recs))
	}
	return streams, nil
}

// maxKey is an unbounded upper bound: 0xFF bytes sort after any realistic
// key, used when a compaction wants a whole-table scan. Keys are compared
// byte-for-byte with no escaping, so this is not a true supremum against an
// adversarial key starting with 0xFF repeated; Scan's data-block walk does
// not depend on it being exact since every candidate key is still checked
// against [start,end) explicitly by readers that use a real bound.
var maxKey = []byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// MinorCompact merges bucket's tables into one output SSTable at outputPath
// with id outputID, retaining every tombstone conservatively. It returns
// the resulting metadata; callers are responsible for the manifest swap and
// file unlinks.
func MinorCompact(bucket []Table, outputPath string, outputID uint64, creationTimestamp uint64) (manifest.SstMetadata, error) {
	return mergeTables(bucket, outputPath, outputID, creationTimestamp, retainAllTombstones)
}

// MajorCompact merges every live table into one output SSTable, applying
// visibility fully: every shadowed put and every tombstone (point and range)
// is dropped. Non-overlapping live keys are preserved verbatim.
func MajorCompact(tables []Table, outputPath string, outputID uint64, creationTimestamp uint64) (manifest.SstMetadata, bool, error) {
	streams, err := tableStreams(tables)
	if err != nil {
		return manifest.SstMetadata{}, false, err
	}
	merged, err := merge.Merge(streams)
	if err != nil {
		return manifest.SstMetadata{}, false, fmt.Errorf("compaction: major merge: %w", err)
	}
	vis := merge.NewVisibilityStream(merged)

	var points []record.Record
	for {
		rec, ok, err := vis.Next()
		if err != nil {
			return manifest.SstMetadata{}, false, fmt.Errorf("compaction: major visibility: %w", err)
		}
		if !ok {
			break
		}
		points = append(points, rec)
	}
	if len(points) == 0 {
		return manifest.SstMetadata{}, false, nil
	}

	if err := sstable.Build(outputPath, points, nil, creationTimestamp); err != nil {
		return manifest.SstMetadata{}, false, fmt.Errorf("compaction: major build: %w", err)
	}
	meta, err := metadataFor(outputPath, outputID)
	return meta, true, err
}

// retainAllTombstones is minor compaction's conservative tombstone policy:
// every point Delete and RangeDelete in the input survives into the output.
func retainAllTombstones(recs []record.Record) []record.Record { return recs }

// mergeTables runs the k-way merge over tables' full contents (no
// visibility resolution; tombstones and shadowed versions both survive
// raw), keeps only the newest version per key via a simple pass, applies
// tombstonePolicy to decide which tombstones to keep, and writes the result.
func mergeTables(tables []Table, outputPath string, outputID uint64, creationTimestamp uint64, tombstonePolicy func([]record.Record) []record.Record) (manifest.SstMetadata, error) {
	streams, err := tableStreams(tables)
	if err != nil {
		return manifest.SstMetadata{}, err
	}
	merged, err := merge.Merge(streams)
	if err != nil {
		return manifest.SstMetadata{}, fmt.Errorf("compaction: merge: %w", err)
	}

	var points []record.Record
	var ranges []record.Record
	var lastKey []byte
	haveLast := false
	for {
		rec, ok, err := merged.Next()
		if err != nil {
			return manifest.SstMetadata{}, fmt.Errorf("compaction: drain merge: %w", err)
		}
		if !ok {
			break
		}
		if rec.Kind == record.KindRangeDelete {
			ranges = append(ranges, rec)
			continue
		}
		key := rec.Key
		if haveLast && string(key) == string(lastKey) {
			continue // keep only the newest version of each key
		}
		lastKey, haveLast = key, true
		points = append(points, rec)
	}

	ranges = tombstonePolicy(ranges)

	var filteredPoints []record.Record
	for _, p := range points {
		if p.Kind == record.KindDelete {
			kept := tombstonePolicy([]record.Record{p})
			if len(kept) == 0 {
				continue
			}
		}
		filteredPoints = append(filteredPoints, p)
	}

	if len(filteredPoints) == 0 && len(ranges) == 0 {
		return manifest.SstMetadata{}, fmt.Errorf("compaction: merge produced no output")
	}

	if err := sstable.Build(outputPath, filteredPoints, ranges, creationTimestamp); err != nil {
		return manifest.SstMetadata{}, fmt.Errorf("compaction: build output: %w", err)
	}
	return metadataFor(outputPath, outputID)
}

func metadataFor(path string, id uint64) (manifest.SstMetadata, error) {
	r, err := sstable.Open(path)
	if err != nil {
		return manifest.SstMetadata{}, fmt.Errorf("compaction: reopen built table: %w", err)
	}
	defer r.Close()
	return manifest.SstMetadata{
		ID:                id,
		Size:              uint64(r.Size()),
		MinKey:            r.MinKey(),
		MaxKey:            r.MaxKey(),
		MinLSN:            r.MinLSN(),
		MaxLSN:            r.MaxLSN(),
		TombstoneCount:    r.TombstoneCount(),
		RecordCount:       r.RecordCount(),
		CreationTimestamp: r.CreationTimestamp(),
	}, nil
}

// TombstoneRatio computes a table's tombstone fraction:
// tombstone count / (record count + range-tombstone count).
func TombstoneRatio(meta manifest.SstMetadata, rangeTombstoneCount uint32) float64 {
	denom := meta.RecordCount + rangeTombstoneCount
	if denom == 0 {
		return 0
	}
	return float64(meta.TombstoneCount) / float64(denom)
}

// SelectTombstoneCandidate picks an SSTable whose tombstone ratio exceeds
// cfg.TombstoneRatioThreshold and whose age (nowNanos - creation) is at
// least cfg.TombstoneCompactionInterval (0 disables the age gate). rangeCounts
// gives each table's range-tombstone count by id, since that is not part of
// manifest.SstMetadata. Returns (table, true) or (Table{}, false).
func SelectTombstoneCandidate(tables []Table, rangeCounts map[uint64]uint32, cfg Config, nowNanos uint64) (Table, bool) {
	for _, t := range tables {
		ratio := TombstoneRatio(t.Meta, rangeCounts[t.Meta.ID])
		if ratio <= cfg.TombstoneRatioThreshold {
			continue
		}
		if cfg.TombstoneCompactionInterval != 0 {
			age := nowNanos - t.Meta.CreationTimestamp
			if age < cfg.TombstoneCompactionInterval {
				continue
			}
		}
		return t, true
	}
	return Table{}, false
}

// TombstoneCompact rewrites target, dropping each tombstone that olderTables (every
// other live table strictly older than target, i.e. lower id) prove is
// unreachable:
//   - a point Delete drops when cfg.TombstoneBloomFallback is true and no
//     older table's bloom filter may-contain its key;
//   - a RangeDelete drops when cfg.TombstoneRangeDrop is true and no older
//     table's key range overlaps [start, end).
//
// Every Put is kept verbatim; tombstones that cannot be proven unreachable
// are kept verbatim too.
func TombstoneCompact(target Table, olderTables []Table, outputPath string, outputID uint64, cfg Config, creationTimestamp uint64) (manifest.SstMetadata, bool, error) {
	var points []record.Record
	var ranges []record.Record
	err := target.Reader.Scan(nil, maxKey, func(rec record.Record) bool {
		switch rec.Kind {
		case record.KindRangeDelete:
			ranges = append(ranges, rec)
		default:
			points = append(points, rec)
		}
		return true
	})
	if err != nil {
		return manifest.SstMetadata{}, false, fmt.Errorf("compaction: scan target: %w", err)
	}

	droppedAny := false

	var keptPoints []record.Record
	for _, p := range points {
		if p.Kind == record.KindDelete && cfg.TombstoneBloomFallback && !anyMayContain(olderTables, p.Key) {
			droppedAny = true
			continue
		}
		keptPoints = append(keptPoints, p)
	}

	var keptRanges []record.Record
	for _, r := range ranges {
		if cfg.TombstoneRangeDrop && !anyRangeOverlaps(olderTables, r.Start, r.End) {
			droppedAny = true
			continue
		}
		keptRanges = append(keptRanges, r)
	}

	if !droppedAny {
		return manifest.SstMetadata{}, false, nil
	}
	if len(keptPoints) == 0 && len(keptRanges) == 0 {
		return manifest.SstMetadata{}, false, fmt.Errorf("compaction: tombstone compaction produced no output")
	}

	if err := sstable.Build(outputPath, keptPoints, keptRanges, creationTimestamp); err != nil {
		return manifest.SstMetadata{}, false, fmt.Errorf("compaction: build tombstone-compacted output: %w", err)
	}
	meta, err := metadataFor(outputPath, outputID)
	return meta, true, err
}

func anyMayContain(tables []Table, key []byte) bool {
	for _, t := range tables {
		if t.Reader.MayContain(key) {
			return true
		}
	}
	return false
}

func anyRangeOverlaps(tables []Table, start, end []byte) bool {
	for _, t := range tables {
		if t.Reader.KeyRangeOverlaps(start, end) {
			return true
		}
	}
	return false
}
