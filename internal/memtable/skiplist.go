package memtable

import (
	"bytes"
	"math/rand"

	"github.com/aeternusdb/aeternusdb/internal/record"
)

// maxLevel bounds the skip list's height.
const maxLevel = 16

type node struct {
	rec  record.Record
	next []*node
}

// skipList is the active memtable's sorted multi-version container: records
// are ordered by ascending sort key (Key for Put/Delete, Start for
// RangeDelete) and, within a key, by descending LSN, so a forward walk
// always visits the newest version of a key first.
//
// Not internally synchronized; the owning Memtable guards it with its own
// mutex so WAL append and index insert can be sequenced atomically.
type skipList struct {
	head  *node
	level int
	size  int
}

func newSkipList() *skipList {
	return &skipList{
		head:  &node{next: make([]*node, maxLevel)},
		level: 1,
	}
}

func (s *skipList) randomLevel() int {
	level := 1
	for rand.Float64() < 0.5 && level < maxLevel {
		level++
	}
	return level
}

// less reports whether rec a sorts strictly before rec b under the
// (sortKey asc, lsn desc) ordering.
func less(a, b record.Record) bool {
	if c := bytes.Compare(a.SortKey(), b.SortKey()); c != 0 {
		return c < 0
	}
	return a.LSN > b.LSN
}

// Insert adds rec. Records are never overwritten in place: every write gets
// its own LSN, so (sortKey, lsn) is always a fresh slot.
func (s *skipList) Insert(rec record.Record) {
	update := make([]*node, maxLevel)
	curr := s.head

	for i := s.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && less(curr.next[i].rec, rec) {
			curr = curr.next[i]
		}
		update[i] = curr
	}

	lvl := s.randomLevel()
	if lvl > s.level {
		for i := s.level; i < lvl; i++ {
			update[i] = s.head
		}
		s.level = lvl
	}

	n := &node{rec: rec, next: make([]*node, lvl)}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}
	s.size++
}

// Size returns the number of records held.
func (s *skipList) Size() int {
	return s.size
}

// seek returns the first node whose record is not less than the probe.
func (s *skipList) seek(probe record.Record) *node {
	curr := s.head
	for i := s.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && less(curr.next[i].rec, probe) {
			curr = curr.next[i]
		}
	}
	return curr.next[0]
}

// NewestFor walks to the first record whose sort key equals key and returns
// it. Because records are ordered (key asc, lsn desc), this is always the
// newest version.
func (s *skipList) NewestFor(key []byte) (record.Record, bool) {
	probe := record.Record{Kind: record.KindPut, Key: key, LSN: ^uint64(0), Timestamp: ^uint64(0)}
	n := s.seek(probe)
	if n == nil || !bytes.Equal(n.rec.SortKey(), key) {
		return record.Record{}, false
	}
	return n.rec, true
}

// Range calls fn for every record whose sort key lies in [start, end), in
// (key asc, lsn desc) order, stopping early if fn returns false.
func (s *skipList) Range(start, end []byte, fn func(record.Record) bool) {
	probe := record.Record{Kind: record.KindPut, Key: start, LSN: ^uint64(0), Timestamp: ^uint64(0)}
	n := s.seek(probe)
	for n != nil {
		k := n.rec.SortKey()
		if bytes.Compare(k, end) >= 0 {
			return
		}
		if !fn(n.rec) {
			return
		}
		n = n.next[0]
	}
}

// All calls fn for every record in order.
func (s *skipList) All(fn func(record.Record) bool) {
	for n := s.head.next[0]; n != nil; n = n.next[0] {
		if !fn(n.rec) {
			return
		}
	}
}
