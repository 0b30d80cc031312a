package sstable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aeternusdb/aeternusdb/internal/record"
)

func buildTestTable(t *testing.T, points, ranges []record.Record) *Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000001.sst")
	if err := Build(path, points, ranges, 42); err != nil {
		t.Fatalf("Build: %v", err)
	}
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestBuild_rejectsEmptyInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.sst")
	if err := Build(path, nil, nil, 1); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestWriterReader_pointRoundtrip(t *testing.T) {
	points := []record.Record{
		record.NewPut([]byte("a"), []byte("1"), 10, 100),
		record.NewPut([]byte("b"), []byte("2"), 11, 101),
		record.NewDelete([]byte("c"), 12, 102),
	}
	r := buildTestTable(t, points, nil)

	got, ok, err := r.Get([]byte("a"))
	if err != nil || !ok || got.Kind != record.KindPut || string(got.Value) != "1" {
		t.Fatalf("Get(a) = %+v, %v, %v, want Put(1)", got, ok, err)
	}
	got, ok, err = r.Get([]byte("c"))
	if err != nil || !ok || got.Kind != record.KindDelete {
		t.Fatalf("Get(c) = %+v, %v, %v, want Delete", got, ok, err)
	}
	if _, ok, err := r.Get([]byte("missing")); err != nil || ok {
		t.Errorf("Get(missing) = found=%v err=%v, want not found", ok, err)
	}

	if r.RecordCount() != 3 {
		t.Errorf("RecordCount() = %d, want 3", r.RecordCount())
	}
	if r.TombstoneCount() != 1 {
		t.Errorf("TombstoneCount() = %d, want 1", r.TombstoneCount())
	}
	if string(r.MinKey()) != "a" || string(r.MaxKey()) != "c" {
		t.Errorf("MinKey/MaxKey = %q/%q, want a/c", r.MinKey(), r.MaxKey())
	}
	if r.CreationTimestamp() != 42 {
		t.Errorf("CreationTimestamp() = %d, want 42", r.CreationTimestamp())
	}
}

func TestWriterReader_multipleVersionsKeepsNewest(t *testing.T) {
	points := []record.Record{
		record.NewPut([]byte("a"), []byte("old"), 1, 10),
		record.NewPut([]byte("a"), []byte("new"), 2, 20),
	}
	r := buildTestTable(t, points, nil)

	got, ok, err := r.Get([]byte("a"))
	if err != nil || !ok || string(got.Value) != "new" {
		t.Fatalf("Get(a) = %+v, %v, %v, want new", got, ok, err)
	}
}

func TestWriterReader_bloomNeverFalseNegative(t *testing.T) {
	var points []record.Record
	for i := 0; i < 500; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		points = append(points, record.NewPut(key, []byte("v"), uint64(i), uint64(i)))
	}
	r := buildTestTable(t, points, nil)

	for i := 0; i < 500; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		if !r.MayContain(key) {
			t.Fatalf("MayContain(%v) = false, want true (bloom false negative)", key)
		}
	}
}

func TestWriterReader_rangeTombstoneCoversKey(t *testing.T) {
	points := []record.Record{
		record.NewPut([]byte("key_0005"), []byte("v"), 1, 10),
	}
	ranges := []record.Record{
		record.NewRangeDelete([]byte("key_0000"), []byte("key_0010"), 2, 20),
	}
	r := buildTestTable(t, points, ranges)

	got, ok, err := r.Get([]byte("key_0005"))
	if err != nil || !ok || got.Kind != record.KindRangeDelete {
		t.Fatalf("Get(key_0005) = %+v, %v, %v, want RangeDelete", got, ok, err)
	}
}

func TestWriterReader_pointNewerThanRangeTombstoneWins(t *testing.T) {
	points := []record.Record{
		record.NewPut([]byte("key_0005"), []byte("v"), 5, 50),
	}
	ranges := []record.Record{
		record.NewRangeDelete([]byte("key_0000"), []byte("key_0010"), 2, 20),
	}
	r := buildTestTable(t, points, ranges)

	got, ok, err := r.Get([]byte("key_0005"))
	if err != nil || !ok || got.Kind != record.KindPut || string(got.Value) != "v" {
		t.Fatalf("Get(key_0005) = %+v, %v, %v, want Put(v)", got, ok, err)
	}
}

func TestWriterReader_scanReturnsRawMultiVersionSorted(t *testing.T) {
	points := []record.Record{
		record.NewPut([]byte("b"), []byte("1"), 1, 10),
		record.NewPut([]byte("a"), []byte("1"), 1, 10),
		record.NewPut([]byte("a"), []byte("2"), 2, 20),
	}
	r := buildTestTable(t, points, nil)

	var got []record.Record
	if err := r.Scan([]byte("a"), []byte("z"), func(rec record.Record) bool {
		got = append(got, rec)
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Scan() = %d records, want 3", len(got))
	}
	if string(got[0].Key) != "a" || string(got[0].Value) != "2" {
		t.Errorf("got[0] = %+v, want newest a=2 first", got[0])
	}
	if string(got[2].Key) != "b" {
		t.Errorf("got[2] = %+v, want b", got[2])
	}
}

func TestWriterReader_scanRespectsEarlyStop(t *testing.T) {
	points := []record.Record{
		record.NewPut([]byte("a"), []byte("1"), 1, 10),
		record.NewPut([]byte("b"), []byte("1"), 2, 20),
		record.NewPut([]byte("c"), []byte("1"), 3, 30),
	}
	r := buildTestTable(t, points, nil)

	n := 0
	r.Scan([]byte("a"), []byte("z"), func(rec record.Record) bool {
		n++
		return false
	})
	if n != 1 {
		t.Errorf("scan visited %d records after early stop, want 1", n)
	}
}

func TestWriterReader_manyKeysSpanMultipleBlocks(t *testing.T) {
	var points []record.Record
	for i := 0; i < 2000; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		val := make([]byte, 32)
		points = append(points, record.NewPut(key, val, uint64(i), uint64(i)))
	}
	r := buildTestTable(t, points, nil)

	if len(r.index) < 2 {
		t.Fatalf("index has %d entries, want >= 2 (multiple blocks)", len(r.index))
	}
	for i := 0; i < 2000; i += 137 {
		key := []byte{byte(i >> 8), byte(i)}
		if _, ok, err := r.Get(key); err != nil || !ok {
			t.Fatalf("Get(%v) = ok=%v err=%v, want found", key, ok, err)
		}
	}
}

func TestWriterReader_keyRangeOverlaps(t *testing.T) {
	points := []record.Record{
		record.NewPut([]byte("m"), []byte("1"), 1, 10),
		record.NewPut([]byte("p"), []byte("1"), 2, 20),
	}
	r := buildTestTable(t, points, nil)

	if !r.KeyRangeOverlaps([]byte("a"), []byte("z")) {
		t.Error("KeyRangeOverlaps(a,z) = false, want true")
	}
	if r.KeyRangeOverlaps([]byte("x"), []byte("z")) {
		t.Error("KeyRangeOverlaps(x,z) = true, want false")
	}
}

func TestOpen_rejectsCorruptHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.sst")
	points := []record.Record{record.NewPut([]byte("a"), []byte("1"), 1, 10)}
	if err := Build(path, points, nil, 1); err != nil {
		t.Fatalf("Build: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	corrupt := append([]byte(nil), data...)
	corrupt[0] ^= 0xFF
	if err := os.WriteFile(path, corrupt, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Error("Open() on corrupted header = nil error, want error")
	}
}

func TestOpen_rejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.sst")
	points := []record.Record{record.NewPut([]byte("a"), []byte("1"), 1, 10)}
	if err := Build(path, points, nil, 1); err != nil {
		t.Fatalf("Build: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-10], 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Error("Open() on truncated file = nil error, want error")
	}
}
