package memtable

import (
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aeternusdb/aeternusdb/internal/wal"
)

func newTestMemtable(t *testing.T, writeBufferSize int) *Memtable {
	t.Helper()
	dir := t.TempDir()
	seg, err := wal.Open(dir, "wal", 1, 1<<20, Codec)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { seg.Close() })

	var lsn atomic.Uint64
	var ts atomic.Uint64
	return New(seg, writeBufferSize, func() uint64 { return lsn.Add(1) }, func() uint64 { return ts.Add(1) })
}

func TestMemtable_putGet(t *testing.T) {
	m := newTestMemtable(t, 1<<20)

	if _, err := m.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got := m.Get([]byte("a"))
	if got.Kind != FoundPut || string(got.Value) != "1" {
		t.Fatalf("Get() = %+v, want FoundPut(1)", got)
	}

	if got := m.Get([]byte("missing")); got.Kind != NotFound {
		t.Fatalf("Get(missing) = %+v, want NotFound", got)
	}
}

func TestMemtable_putThenDelete(t *testing.T) {
	m := newTestMemtable(t, 1<<20)

	m.Put([]byte("a"), []byte("1"))
	m.Delete([]byte("a"))

	got := m.Get([]byte("a"))
	if got.Kind != FoundDelete {
		t.Fatalf("Get() = %+v, want FoundDelete", got)
	}
}

func TestMemtable_putAfterDelete_resurrects(t *testing.T) {
	m := newTestMemtable(t, 1<<20)

	m.Delete([]byte("a"))
	m.Put([]byte("a"), []byte("2"))

	got := m.Get([]byte("a"))
	if got.Kind != FoundPut || string(got.Value) != "2" {
		t.Fatalf("Get() = %+v, want FoundPut(2)", got)
	}
}

func TestMemtable_deleteRangeCoversKey(t *testing.T) {
	m := newTestMemtable(t, 1<<20)

	m.Put([]byte("key_0005"), []byte("v"))
	m.DeleteRange([]byte("key_0000"), []byte("key_0010"))

	got := m.Get([]byte("key_0005"))
	if got.Kind != FoundDelete {
		t.Fatalf("Get() = %+v, want FoundDelete", got)
	}
}

func TestMemtable_putAfterRangeDelete_wins(t *testing.T) {
	m := newTestMemtable(t, 1<<20)

	m.DeleteRange([]byte("key_0000"), []byte("key_0100"))
	m.Put([]byte("key_0050"), []byte("new"))

	got := m.Get([]byte("key_0050"))
	if got.Kind != FoundPut || string(got.Value) != "new" {
		t.Fatalf("Get() = %+v, want FoundPut(new)", got)
	}
}

func TestMemtable_flushRequiredSignal(t *testing.T) {
	m := newTestMemtable(t, 8) // tiny budget, trips on first write.

	flush, err := m.Put([]byte("a"), []byte("1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !flush {
		t.Error("expected flush-required signal")
	}
}

func TestMemtable_rejectsEmptyInputs(t *testing.T) {
	m := newTestMemtable(t, 1<<20)

	if _, err := m.Put(nil, []byte("v")); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := m.Put([]byte("k"), nil); err == nil {
		t.Error("expected error for empty value")
	}
	if _, err := m.Delete(nil); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := m.DeleteRange([]byte("z"), []byte("a")); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestMemtable_scanSortedRawMultiVersion(t *testing.T) {
	m := newTestMemtable(t, 1<<20)

	m.Put([]byte("b"), []byte("1"))
	m.Put([]byte("a"), []byte("1"))
	m.Put([]byte("a"), []byte("2"))

	got := m.Scan([]byte("a"), []byte("z"))
	if len(got) != 3 {
		t.Fatalf("Scan() returned %d records, want 3 (raw multi-version)", len(got))
	}
	// Newest version of "a" must come first under (key asc, lsn desc).
	if string(got[0].Key) != "a" || string(got[0].Value) != "2" {
		t.Errorf("got[0] = %+v, want newest a=2", got[0])
	}
}

func TestMemtable_iterForFlush(t *testing.T) {
	m := newTestMemtable(t, 1<<20)

	m.Put([]byte("a"), []byte("1"))
	m.Put([]byte("a"), []byte("2"))
	m.Put([]byte("b"), []byte("1"))
	m.DeleteRange([]byte("x"), []byte("y"))

	points, ranges := m.IterForFlush()
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2 (one per key)", len(points))
	}
	if string(points[0].Key) != "a" || string(points[0].Value) != "2" {
		t.Errorf("points[0] = %+v, want newest a=2", points[0])
	}
	if len(ranges) != 1 {
		t.Fatalf("ranges = %d, want 1", len(ranges))
	}

	// IterForFlush is non-destructive.
	if got := m.Get([]byte("a")); got.Kind != FoundPut || string(got.Value) != "2" {
		t.Errorf("state mutated by IterForFlush: %+v", got)
	}
}

func TestMemtable_recover(t *testing.T) {
	dir := t.TempDir()
	seg, err := wal.Open(dir, "wal", 1, 1<<20, Codec)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}

	var lsn atomic.Uint64
	var ts atomic.Uint64
	nextLSN := func() uint64 { return lsn.Add(1) }
	now := func() uint64 { return ts.Add(1) }

	m := New(seg, 1<<20, nextLSN, now)
	m.Put([]byte("a"), []byte("1"))
	m.Put([]byte("b"), []byte("2"))
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := wal.Open(dir, "wal", 1, 1<<20, Codec)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	recovered, err := Recover(reopened, 1<<20, nextLSN, now)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got := recovered.Get([]byte("a"))
	if diff := cmp.Diff(Lookup{Kind: FoundPut, Value: []byte("1")}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if recovered.MaxLSN() != 2 {
		t.Errorf("MaxLSN() = %d, want 2", recovered.MaxLSN())
	}
}
