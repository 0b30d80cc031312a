// Package aeternusdb is an embeddable persistent ordered key-value store
// built on a log-structured merge tree. Handle is the public entry point: it
// wraps the storage engine in internal/engine with a background thread pool
// that drives flush and compaction. The engine itself never spawns a
// goroutine; Handle is the only thing in this module that does.
package aeternusdb

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aeternusdb/aeternusdb/internal/engine"
)

// Handle is an open AeternusDB database. It is safe for concurrent use by
// multiple goroutines.
//
// The background worker pool is an errgroup.Group running a fixed number of
// workers, signaled over buffered "notify" channels, each admission-gated by
// a semaphore.Weighted(1) so at most one flush round and at most one
// compaction round run at a time.
type Handle struct {
	eng *engine.Engine

	cancel context.CancelFunc
	group  *errgroup.Group

	flushSem   *semaphore.Weighted
	compactSem *semaphore.Weighted

	flushNotify   chan struct{}
	compactNotify chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the database directory at path and launches its
// background flush/compaction workers. Callers must Close the returned
// Handle to flush outstanding memtables and release file handles.
func Open(path string, options ...ConfigOption) (*Handle, error) {
	cfg := DefaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.ThreadPoolSize < 1 {
		cfg.ThreadPoolSize = 1
	}

	eng, err := engine.Open(path, cfg.engineConfig())
	if err != nil {
		return nil, fmt.Errorf("aeternusdb: open: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	h := &Handle{
		eng:           eng,
		cancel:        cancel,
		group:         g,
		flushSem:      semaphore.NewWeighted(1),
		compactSem:    semaphore.NewWeighted(1),
		flushNotify:   make(chan struct{}, 1),
		compactNotify: make(chan struct{}, 1),
	}

	for i := 0; i < cfg.ThreadPoolSize; i++ {
		g.Go(func() error { return h.runFlushWorker(ctx) })
		g.Go(func() error { return h.runCompactWorker(ctx) })
	}

	// A freshly recovered database may already have frozen memtables or a
	// tombstone-heavy SSTable population left over from a crash; give the
	// workers a first nudge instead of waiting for the next write.
	h.notify(h.flushNotify)
	h.notify(h.compactNotify)

	return h, nil
}

// notify is a non-blocking send: if a wakeup is already pending, this is a
// no-op and the pending wakeup absorbs it.
func (h *Handle) notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *Handle) runFlushWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.flushNotify:
		}

		if !h.flushSem.TryAcquire(1) {
			continue // another worker is already flushing
		}
		for {
			flushed, err := h.eng.FlushOldestFrozen()
			if err != nil {
				h.flushSem.Release(1)
				return fmt.Errorf("aeternusdb: background flush: %w", err)
			}
			if !flushed {
				break
			}
			h.notify(h.compactNotify) // a new SSTable exists; compaction may now apply
		}
		h.flushSem.Release(1)
	}
}

func (h *Handle) runCompactWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.compactNotify:
		}

		if !h.compactSem.TryAcquire(1) {
			continue // another worker is already compacting
		}
		if err := h.runOneCompactionRound(); err != nil {
			h.compactSem.Release(1)
			return err
		}
		h.compactSem.Release(1)
	}
}

// runOneCompactionRound drives one minor-compaction round followed by one
// tombstone-compaction round. major_compact is never called by the
// background scheduler.
func (h *Handle) runOneCompactionRound() error {
	if _, err := h.eng.MinorCompact(); err != nil {
		return fmt.Errorf("aeternusdb: background minor compaction: %w", err)
	}
	if _, err := h.eng.TombstoneCompact(); err != nil {
		return fmt.Errorf("aeternusdb: background tombstone compaction: %w", err)
	}
	return nil
}

// freezeTriggered wakes the flush worker whenever a write reports that the
// active memtable was just frozen.
func (h *Handle) freezeTriggered(froze bool) {
	if froze {
		h.notify(h.flushNotify)
	}
}

// translateErr maps the engine's own closed-handle sentinel to the public
// ErrClosed so callers never need to import internal/engine, and otherwise
// wraps err with op context. Must be called with the raw error straight out
// of internal/engine, before any other wrapping.
func translateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == engine.ErrClosed {
		return ErrClosed
	}
	return fmt.Errorf("aeternusdb: %s: %w", op, err)
}

// Put writes key=value. It fails on an empty key or value.
func (h *Handle) Put(key, value []byte) error {
	froze, err := h.eng.Put(key, value)
	if err != nil {
		return translateErr("put", err)
	}
	h.freezeTriggered(froze)
	return nil
}

// Delete writes a point tombstone for key. It fails on an empty key.
func (h *Handle) Delete(key []byte) error {
	froze, err := h.eng.Delete(key)
	if err != nil {
		return translateErr("delete", err)
	}
	h.freezeTriggered(froze)
	return nil
}

// DeleteRange writes a tombstone covering [start, end). It fails on an empty
// start/end or if start >= end.
func (h *Handle) DeleteRange(start, end []byte) error {
	froze, err := h.eng.DeleteRange(start, end)
	if err != nil {
		return translateErr("delete_range", err)
	}
	h.freezeTriggered(froze)
	return nil
}

// Get resolves the newest visible value for key. ok is false if the key is
// absent or has been deleted.
func (h *Handle) Get(key []byte) (value []byte, ok bool, err error) {
	value, ok, err = h.eng.Get(key)
	if err != nil {
		return nil, false, translateErr("get", err)
	}
	return value, ok, nil
}

// KV is one resolved (key, value) pair yielded by a Cursor.
type KV struct {
	Key   []byte
	Value []byte
}

// Cursor is the finite, non-restartable sequence Scan returns. It is not
// lazy: Scan resolves and collects every pair before it returns, and the
// Cursor only steps through that collected slice without reading storage.
// Dropping a Cursor without exhausting it releases no extra resources beyond
// letting it be garbage collected; re-scanning requires a fresh Scan call.
type Cursor struct {
	pairs []KV
	pos   int
}

// Next advances the cursor and reports whether a pair was available.
func (c *Cursor) Next() (KV, bool) {
	if c.pos >= len(c.pairs) {
		return KV{}, false
	}
	kv := c.pairs[c.pos]
	c.pos++
	return kv, true
}

// Scan returns every visible (key, value) pair with key in [start, end),
// sorted ascending. An empty, immediately-exhausted Cursor is returned (no
// error) if start >= end.
func (h *Handle) Scan(start, end []byte) (*Cursor, error) {
	recs, err := h.eng.Scan(start, end)
	if err != nil {
		return nil, translateErr("scan", err)
	}
	pairs := make([]KV, len(recs))
	for i, r := range recs {
		pairs[i] = KV{Key: r.Key, Value: r.Value}
	}
	return &Cursor{pairs: pairs}, nil
}

// MajorCompact collapses every live SSTable into exactly one, dropping every
// spent tombstone and shadowed put. It returns false if fewer than 2
// SSTables are live. Unlike minor/tombstone compaction, this is part of the
// public API surface; callers may invoke it directly as well
// as relying on the background scheduler's minor/tombstone rounds.
func (h *Handle) MajorCompact() (bool, error) {
	ok, err := h.eng.MajorCompact()
	if err != nil {
		return false, translateErr("major_compact", err)
	}
	return ok, nil
}

// Stats is a read-only snapshot of the engine's state.
type Stats = engine.Stats

// Stats returns a snapshot of the database's current SSTable and frozen
// memtable population.
func (h *Handle) Stats() Stats {
	return h.eng.Stats()
}

// Close stops the background workers, flushes every frozen memtable,
// checkpoints the manifest, and releases every open file handle. Close is
// idempotent: subsequent calls return the result of the first call.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		// Workers observe ctx.Done() and return nil at their next select;
		// Wait drains them before the engine itself is closed so no
		// in-flight background flush/compaction races the final Close.
		if err := h.group.Wait(); err != nil {
			h.closeErr = err
			return
		}
		h.closeErr = h.eng.Close()
	})
	return h.closeErr
}
