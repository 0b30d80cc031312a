package sstable

import (
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
)

// falsePositiveRate is the target rate for a table's bloom filter.
const falsePositiveRate = 0.01

// newBloomFilter sizes a filter for n expected keys at falsePositiveRate.
// n is always at least 1 so NewWithEstimates never panics on an empty table
// (the writer still rejects genuinely empty input before this is called).
func newBloomFilter(n int) *bloom.BloomFilter {
	if n < 1 {
		n = 1
	}
	return bloom.NewWithEstimates(uint(n), falsePositiveRate)
}

func encodeBloom(f *bloom.BloomFilter) ([]byte, error) {
	b, err := f.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("sstable: marshal bloom filter: %w", err)
	}
	return b, nil
}

func decodeBloom(b []byte) (*bloom.BloomFilter, error) {
	f := &bloom.BloomFilter{}
	if err := f.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("sstable: unmarshal bloom filter: %w", err)
	}
	return f, nil
}
