package record

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/aeternusdb/aeternusdb/internal/encoding"
)

func TestEncodeDecode_roundtrip(t *testing.T) {
	tests := map[string]Record{
		"put":          NewPut([]byte("k"), []byte("v"), 5, 100),
		"delete":       NewDelete([]byte("k"), 6, 101),
		"range delete": NewRangeDelete([]byte("a"), []byte("z"), 7, 102),
	}

	for name, rec := range tests {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w := encoding.NewWriter(&buf)
			Encode(w, rec)
			if err := w.Err(); err != nil {
				t.Fatalf("encode: %v", err)
			}

			got, err := Decode(encoding.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(rec, got, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("roundtrip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_unknownKind(t *testing.T) {
	var buf bytes.Buffer
	w := encoding.NewWriter(&buf)
	w.PutUint32(99)
	w.PutUint64(0)
	w.PutUint64(0)

	_, err := Decode(encoding.NewReader(buf.Bytes()))
	if err == nil {
		t.Fatal("expected unknown-kind error")
	}
}

func TestCompare_ordering(t *testing.T) {
	tests := map[string]struct {
		a, b Record
		want int
	}{
		"key ascending": {
			a:    NewPut([]byte("a"), []byte("v"), 1, 1),
			b:    NewPut([]byte("b"), []byte("v"), 1, 1),
			want: -1,
		},
		"lsn descending for same key": {
			a:    NewPut([]byte("a"), []byte("v"), 5, 1),
			b:    NewPut([]byte("a"), []byte("v"), 1, 1),
			want: -1,
		},
		"timestamp tiebreak descending": {
			a:    NewPut([]byte("a"), []byte("v"), 5, 10),
			b:    NewPut([]byte("a"), []byte("v"), 5, 1),
			want: -1,
		},
		"range delete compares on start": {
			a:    NewRangeDelete([]byte("a"), []byte("m"), 1, 1),
			b:    NewPut([]byte("b"), []byte("v"), 1, 1),
			want: -1,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := Compare(tc.a, tc.b)
			if sign(got) != sign(tc.want) {
				t.Errorf("Compare() = %d, want sign %d", got, tc.want)
			}
		})
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
