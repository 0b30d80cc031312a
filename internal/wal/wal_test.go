package wal

import (
	"fmt"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aeternusdb/aeternusdb/internal/encoding"
)

// strCodec treats records as plain strings, enough to exercise the segment
// format without pulling in the record package.
var strCodec = Codec{
	Encode: func(w *encoding.Writer, rec any) {
		w.PutString(rec.(string))
	},
	Decode: func(r *encoding.Reader) (any, error) {
		s := r.String()
		if err := r.Err(); err != nil {
			return nil, err
		}
		return s, nil
	},
}

func TestSegment_appendAndReplay(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "wal", 1, 4096, strCodec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { seg.Close() })

	want := []string{"alpha", "beta", "gamma"}
	for _, s := range want {
		if err := seg.Append(s); err != nil {
			t.Fatalf("Append(%q): %v", s, err)
		}
	}

	next := seg.ReplayIter()
	var got []string
	for {
		rec, ok, err := next()
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, rec.(string))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("replay mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_reopenVerifiesHeader(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "wal", 3, 4096, strCodec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := seg.Append("durable"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, "wal", 3, 4096, strCodec)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	next := reopened.ReplayIter()
	rec, ok, err := next()
	if err != nil || !ok {
		t.Fatalf("replay after reopen: rec=%v ok=%v err=%v", rec, ok, err)
	}
	if rec.(string) != "durable" {
		t.Errorf("got %q, want %q", rec, "durable")
	}
}

func TestOpen_seqMismatch(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "wal", 5, 4096, strCodec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seg.Close()

	// Rename the file so its filename-derived sequence no longer matches the
	// header's embedded wal_seq.
	oldPath := seg.Path()
	newPath := fmt.Sprintf("%s/wal-000006.log", dir)
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if _, err := Open(dir, "wal", 6, 4096, strCodec); err == nil {
		t.Fatal("expected seq mismatch error")
	}
}

func TestReplayIter_stopsOnTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "wal", 1, 4096, strCodec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := seg.Append("first"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := seg.Append("second"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Chop off the last few bytes to simulate a crash mid-append.
	path := seg.Path()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-3], 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	reopened, err := Open(dir, "wal", 1, 4096, strCodec)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	next := reopened.ReplayIter()
	var got []string
	for {
		rec, ok, err := next()
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, rec.(string))
	}
	if diff := cmp.Diff([]string{"first"}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestTruncateTail_dropsTornRecordBeforeNewAppends(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "wal", 1, 4096, strCodec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := seg.Append("first"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := seg.Append("torn"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := seg.Path()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-3], 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	reopened, err := Open(dir, "wal", 1, 4096, strCodec)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	next := reopened.ReplayIter()
	for {
		_, ok, err := next()
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if !ok {
			break
		}
	}
	if err := reopened.TruncateTail(); err != nil {
		t.Fatalf("TruncateTail: %v", err)
	}
	if err := reopened.Append("fresh"); err != nil {
		t.Fatalf("Append after TruncateTail: %v", err)
	}

	// The segment must now replay cleanly as [first, fresh]; the torn record
	// is gone, not spliced back in front of the new append.
	got := replayAll(t, reopened)
	if diff := cmp.Diff([]string{"first", "fresh"}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func replayAll(t *testing.T, seg *Segment) []string {
	t.Helper()
	reopened, err := Open(seg.dir, seg.prefix, seg.seq, seg.maxRecordSize, seg.codec)
	if err != nil {
		t.Fatalf("reopen for replay: %v", err)
	}
	defer reopened.Close()
	next := reopened.ReplayIter()
	var got []string
	for {
		rec, ok, err := next()
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if !ok {
			return got
		}
		got = append(got, rec.(string))
	}
}

func TestWriteAtomic_replacesExistingSegment(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "wal", 1, 4096, strCodec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := seg.Append("stale"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := WriteAtomic(dir, "wal", 1, 4096, strCodec, []any{"compact"}); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	reopened, err := Open(dir, "wal", 1, 4096, strCodec)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	next := reopened.ReplayIter()
	var got []string
	for {
		rec, ok, err := next()
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, rec.(string))
	}
	if diff := cmp.Diff([]string{"compact"}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSegment_truncate(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "wal", 1, 4096, strCodec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	if err := seg.Append("gone"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := seg.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	next := seg.ReplayIter()
	_, ok, err := next()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if ok {
		t.Fatal("expected no records after truncate")
	}
}

func TestSegment_rotateNext(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "wal", 1, 4096, strCodec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	next, err := seg.RotateNext()
	if err != nil {
		t.Fatalf("RotateNext: %v", err)
	}
	defer next.Close()

	if next.Seq() != 2 {
		t.Errorf("got seq %d, want 2", next.Seq())
	}
	if next.Path() != dir+"/wal-000002.log" {
		t.Errorf("got path %q", next.Path())
	}
}

func TestSegmentName(t *testing.T) {
	if got, want := SegmentName("wal", 7), "wal-000007.log"; got != want {
		t.Errorf("SegmentName() = %q, want %q", got, want)
	}
}

func TestSegment_maxRecordSize(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "wal", 1, 4, strCodec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	if err := seg.Append("toolong"); err == nil {
		t.Fatal("expected max-record-size error")
	}
}
