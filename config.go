package aeternusdb

import (
	"github.com/aeternusdb/aeternusdb/internal/compaction"
	"github.com/aeternusdb/aeternusdb/internal/engine"
)

// CompactionStrategy names a compaction algorithm. STCS is the only variant
// today.
type CompactionStrategy int

const (
	// StrategyStcs is the size-tiered compaction strategy.
	StrategyStcs CompactionStrategy = iota
)

const (
	// DefaultWriteBufferSize is the active memtable's byte budget before a
	// freeze is triggered.
	DefaultWriteBufferSize = 4 * 1024 * 1024
	// DefaultThreadPoolSize is the number of background workers driving
	// flush and compaction.
	DefaultThreadPoolSize = 2
)

// Config holds every tuning knob the database exposes. Construct one with
// DefaultConfig and apply ConfigOption values.
type Config struct {
	WriteBufferSize    int
	CompactionStrategy CompactionStrategy

	BucketLow, BucketHigh      float64
	MinSstableSize             uint64
	MinThreshold, MaxThreshold int

	TombstoneRatioThreshold     float64
	TombstoneCompactionInterval uint64
	TombstoneBloomFallback      bool
	TombstoneRangeDrop          bool

	ThreadPoolSize int
}

// ConfigOption mutates a Config under construction.
type ConfigOption func(*Config)

// DefaultConfig returns AeternusDB's default tuning.
func DefaultConfig() Config {
	ec := engine.DefaultConfig()
	return Config{
		WriteBufferSize:             ec.WriteBufferSize,
		CompactionStrategy:          StrategyStcs,
		BucketLow:                   ec.Compaction.BucketLow,
		BucketHigh:                  ec.Compaction.BucketHigh,
		MinSstableSize:              ec.Compaction.MinSstableSize,
		MinThreshold:                ec.Compaction.MinThreshold,
		MaxThreshold:                ec.Compaction.MaxThreshold,
		TombstoneRatioThreshold:     ec.Compaction.TombstoneRatioThreshold,
		TombstoneCompactionInterval: ec.Compaction.TombstoneCompactionInterval,
		TombstoneBloomFallback:      ec.Compaction.TombstoneBloomFallback,
		TombstoneRangeDrop:          ec.Compaction.TombstoneRangeDrop,
		ThreadPoolSize:              DefaultThreadPoolSize,
	}
}

// WithWriteBufferSize sets the active memtable's byte budget before freeze.
func WithWriteBufferSize(n int) ConfigOption {
	return func(c *Config) { c.WriteBufferSize = n }
}

// WithCompactionStrategy sets the compaction strategy. Only StrategyStcs is
// implemented today.
func WithCompactionStrategy(s CompactionStrategy) ConfigOption {
	return func(c *Config) { c.CompactionStrategy = s }
}

// WithBucketRange sets STCS's size-similarity band around a bucket's running
// average.
func WithBucketRange(low, high float64) ConfigOption {
	return func(c *Config) { c.BucketLow, c.BucketHigh = low, high }
}

// WithMinSstableSize sets the size below which an SSTable joins the "small"
// bucket.
func WithMinSstableSize(n uint64) ConfigOption {
	return func(c *Config) { c.MinSstableSize = n }
}

// WithCompactionThresholds sets STCS's minor-compaction bucket member-count
// window.
func WithCompactionThresholds(min, max int) ConfigOption {
	return func(c *Config) { c.MinThreshold, c.MaxThreshold = min, max }
}

// WithTombstoneRatioThreshold sets the minimum tombstone fraction that
// triggers tombstone compaction on an SSTable.
func WithTombstoneRatioThreshold(ratio float64) ConfigOption {
	return func(c *Config) { c.TombstoneRatioThreshold = ratio }
}

// WithTombstoneThreshold is a historical alias for
// WithTombstoneRatioThreshold; both names set the same field.
func WithTombstoneThreshold(ratio float64) ConfigOption {
	return WithTombstoneRatioThreshold(ratio)
}

// WithTombstoneCompactionInterval sets the minimum age, in nanoseconds,
// before an SSTable becomes eligible for tombstone compaction. Zero disables
// the age gate.
func WithTombstoneCompactionInterval(nanos uint64) ConfigOption {
	return func(c *Config) { c.TombstoneCompactionInterval = nanos }
}

// WithTombstoneBloomFallback toggles dropping a point tombstone when no
// older SSTable's bloom filter reports the key may be present.
func WithTombstoneBloomFallback(enabled bool) ConfigOption {
	return func(c *Config) { c.TombstoneBloomFallback = enabled }
}

// WithTombstoneRangeDrop toggles dropping a range tombstone when no older
// SSTable's key range overlaps it.
func WithTombstoneRangeDrop(enabled bool) ConfigOption {
	return func(c *Config) { c.TombstoneRangeDrop = enabled }
}

// WithThreadPoolSize sets the number of background workers that drive flush
// and compaction on Handle's behalf.
func WithThreadPoolSize(n int) ConfigOption {
	return func(c *Config) { c.ThreadPoolSize = n }
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		WriteBufferSize: c.WriteBufferSize,
		Compaction: compaction.Config{
			BucketLow:                   c.BucketLow,
			BucketHigh:                  c.BucketHigh,
			MinSstableSize:              c.MinSstableSize,
			MinThreshold:                c.MinThreshold,
			MaxThreshold:                c.MaxThreshold,
			TombstoneRatioThreshold:     c.TombstoneRatioThreshold,
			TombstoneCompactionInterval: c.TombstoneCompactionInterval,
			TombstoneBloomFallback:      c.TombstoneBloomFallback,
			TombstoneRangeDrop:          c.TombstoneRangeDrop,
		},
	}
}
