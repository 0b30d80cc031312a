package compaction

import (
	"path/filepath"
	"testing"

	"github.com/aeternusdb/aeternusdb/internal/manifest"
	"github.com/aeternusdb/aeternusdb/internal/record"
	"github.com/aeternusdb/aeternusdb/internal/sstable"
)

func buildTable(t *testing.T, id uint64, points, ranges []record.Record) Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table.sst")
	if err := sstable.Build(path, points, ranges, 1000+id); err != nil {
		t.Fatalf("Build: %v", err)
	}
	r, err := sstable.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return Table{
		Path:   path,
		Reader: r,
		Meta: manifest.SstMetadata{
			ID:                id,
			Size:              uint64(r.Size()),
			MinKey:            r.MinKey(),
			MaxKey:            r.MaxKey(),
			MinLSN:            r.MinLSN(),
			MaxLSN:            r.MaxLSN(),
			TombstoneCount:    r.TombstoneCount(),
			RecordCount:       r.RecordCount(),
			CreationTimestamp: r.CreationTimestamp(),
		},
	}
}

func TestBucketize_smallTablesGroupTogether(t *testing.T) {
	cfg := Config{MinSstableSize: 1000, BucketLow: 0.5, BucketHigh: 1.5}
	small1 := buildTable(t, 1, []record.Record{record.NewPut([]byte("a"), []byte("1"), 1, 1)}, nil)
	small2 := buildTable(t, 2, []record.Record{record.NewPut([]byte("b"), []byte("1"), 2, 2)}, nil)

	buckets := Bucketize([]Table{small1, small2}, cfg)
	if len(buckets) != 1 || len(buckets[0]) != 2 {
		t.Fatalf("Bucketize() = %v, want one bucket of 2 small tables", bucketSizes(buckets))
	}
}

func bucketSizes(buckets [][]Table) []int {
	out := make([]int, len(buckets))
	for i, b := range buckets {
		out[i] = len(b)
	}
	return out
}

func TestSelectMinorBucket_picksLargestWithinThreshold(t *testing.T) {
	cfg := Config{MinThreshold: 2, MaxThreshold: 4}
	buckets := [][]Table{
		{{Meta: manifest.SstMetadata{ID: 1, Size: 100}}}, // below min_threshold
		{
			{Meta: manifest.SstMetadata{ID: 2, Size: 100}},
			{Meta: manifest.SstMetadata{ID: 3, Size: 100}},
			{Meta: manifest.SstMetadata{ID: 4, Size: 100}},
		},
	}
	got := SelectMinorBucket(buckets, cfg)
	if len(got) != 3 {
		t.Fatalf("SelectMinorBucket() = %d tables, want 3", len(got))
	}
}

func TestMinorCompact_retainsTombstones(t *testing.T) {
	t1 := buildTable(t, 1, []record.Record{
		record.NewPut([]byte("a"), []byte("1"), 1, 1),
	}, nil)
	t2 := buildTable(t, 2, []record.Record{
		record.NewDelete([]byte("b"), 2, 2),
	}, nil)

	outPath := filepath.Join(t.TempDir(), "out.sst")
	meta, err := MinorCompact([]Table{t1, t2}, outPath, 3, 5000)
	if err != nil {
		t.Fatalf("MinorCompact: %v", err)
	}
	if meta.TombstoneCount != 1 {
		t.Errorf("TombstoneCount = %d, want 1 (retained)", meta.TombstoneCount)
	}

	r, err := sstable.Open(outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if got, ok, err := r.Get([]byte("a")); err != nil || !ok || string(got.Value) != "1" {
		t.Errorf("Get(a) = %+v, %v, %v, want Put(1)", got, ok, err)
	}
	if got, ok, err := r.Get([]byte("b")); err != nil || !ok || got.Kind != record.KindDelete {
		t.Errorf("Get(b) = %+v, %v, %v, want Delete", got, ok, err)
	}
}

func TestMajorCompact_dropsTombstonesAndShadowedPuts(t *testing.T) {
	older := buildTable(t, 1, []record.Record{
		record.NewPut([]byte("a"), []byte("old"), 1, 1),
		record.NewPut([]byte("b"), []byte("keep"), 2, 2),
	}, nil)
	newer := buildTable(t, 2, []record.Record{
		record.NewPut([]byte("a"), []byte("new"), 3, 3),
		record.NewDelete([]byte("b"), 4, 4),
	}, nil)

	outPath := filepath.Join(t.TempDir(), "major.sst")
	meta, ok, err := MajorCompact([]Table{older, newer}, outPath, 3, 9000)
	if err != nil {
		t.Fatalf("MajorCompact: %v", err)
	}
	if !ok {
		t.Fatal("MajorCompact() ok = false, want true")
	}
	if meta.TombstoneCount != 0 {
		t.Errorf("TombstoneCount = %d, want 0 (major drops all tombstones)", meta.TombstoneCount)
	}

	r, err := sstable.Open(outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if got, ok, err := r.Get([]byte("a")); err != nil || !ok || string(got.Value) != "new" {
		t.Errorf("Get(a) = %+v, %v, %v, want Put(new)", got, ok, err)
	}
	if _, ok, err := r.Get([]byte("b")); err != nil || ok {
		t.Errorf("Get(b) = found=%v err=%v, want dropped (deleted, no older version survives since major has no older layer)", ok, err)
	}
}

func TestTombstoneRatio(t *testing.T) {
	meta := manifest.SstMetadata{TombstoneCount: 5, RecordCount: 10}
	got := TombstoneRatio(meta, 0)
	if got != 0.5 {
		t.Errorf("TombstoneRatio() = %v, want 0.5", got)
	}
}

func TestSelectTombstoneCandidate_respectsRatioAndAge(t *testing.T) {
	cfg := Config{TombstoneRatioThreshold: 0.3, TombstoneCompactionInterval: 100}
	tables := []Table{
		{Meta: manifest.SstMetadata{ID: 1, TombstoneCount: 1, RecordCount: 10, CreationTimestamp: 0}},  // ratio too low
		{Meta: manifest.SstMetadata{ID: 2, TombstoneCount: 5, RecordCount: 10, CreationTimestamp: 990}}, // too young
		{Meta: manifest.SstMetadata{ID: 3, TombstoneCount: 5, RecordCount: 10, CreationTimestamp: 0}},   // qualifies
	}
	got, ok := SelectTombstoneCandidate(tables, nil, cfg, 1000)
	if !ok || got.Meta.ID != 3 {
		t.Fatalf("SelectTombstoneCandidate() = %+v, %v, want id 3", got, ok)
	}
}

func TestTombstoneCompact_dropsPointTombstoneWhenNoOlderTableMayContain(t *testing.T) {
	target := buildTable(t, 2, []record.Record{
		record.NewPut([]byte("a"), []byte("1"), 1, 1),
		record.NewDelete([]byte("ghost"), 2, 2),
	}, nil)
	older := buildTable(t, 1, []record.Record{
		record.NewPut([]byte("z"), []byte("1"), 0, 0),
	}, nil)

	cfg := Config{TombstoneBloomFallback: true}
	outPath := filepath.Join(t.TempDir(), "tc.sst")
	meta, changed, err := TombstoneCompact(target, []Table{older}, outPath, 3, cfg, 5000)
	if err != nil {
		t.Fatalf("TombstoneCompact: %v", err)
	}
	if !changed {
		t.Fatal("TombstoneCompact() changed = false, want true")
	}
	if meta.TombstoneCount != 0 {
		t.Errorf("TombstoneCount = %d, want 0 (tombstone dropped)", meta.TombstoneCount)
	}
}

func TestTombstoneCompact_keepsRangeTombstoneWhenOlderTableOverlaps(t *testing.T) {
	target := buildTable(t, 2, nil, []record.Record{
		record.NewRangeDelete([]byte("a"), []byte("m"), 2, 2),
	})
	older := buildTable(t, 1, []record.Record{
		record.NewPut([]byte("c"), []byte("1"), 0, 0),
	}, nil)

	cfg := Config{TombstoneRangeDrop: true}
	outPath := filepath.Join(t.TempDir(), "tc2.sst")
	_, changed, err := TombstoneCompact(target, []Table{older}, outPath, 3, cfg, 5000)
	if err != nil {
		t.Fatalf("TombstoneCompact: %v", err)
	}
	if changed {
		t.Error("TombstoneCompact() changed = true, want false (older table overlaps the range)")
	}
}
