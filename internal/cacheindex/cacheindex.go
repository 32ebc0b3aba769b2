// Package cacheindex implements the replicated hash+log cache: an
// open-addressed bucket array (8 slots per bucket) backed by a circular
// value log, with lock-free versioned reads and writer-serialized updates.
//
// The bucket-scan-then-lock-free-value-read shape is lifted directly from
// arena-cache's pkg/cache.go shard type (an RWMutex guards the small
// structural scan, atomic version counters guard the value itself) — the
// same division of labour, retargeted from a single-process LRU cache onto
// a replicated, log-structured index with no pluggable eviction policy: a
// slot dies when the circular log wraps past it, or when a full bucket needs
// room and setSlot replaces its oldest slot — a fixed structural rule, not a
// tunable policy, which is why arena-cache's CLOCK-Pro package has no home
// here (see repository DESIGN.md).
//
// © 2025 mica-node authors. MIT License.
package cacheindex

import (
	"sync"
	"sync/atomic"

	"github.com/Voskan/mica-node/internal/metrics"
	"github.com/Voskan/mica-node/internal/wire"
)

const slotsPerBucket = 8

// slot is the bucket-resident descriptor locating a value in the log.
type slot struct {
	inUse     bool
	tag       uint32
	logOffset uint64 // monotonic write position this slot's value lives at
}

type bucket struct {
	mu    sync.RWMutex
	slots [slotsPerBucket]slot
}

// entry is one circular-log record: a monotonically-versioned value.
// Odd meta means a write is in flight; even means the value is stable.
// This folds the original EntryMeta header into the log record itself.
type entry struct {
	meta     atomic.Uint64
	key      wire.Key
	valueLen uint16
	value    [wire.MaxValueSize]byte
}

// Table is one CacheIndex instance: used both as the per-node replicated
// read cache, and (with different tuning) as the shape the owner-local
// KVStore index would take were it not delegated to Badger (see
// internal/kvstore's doc comment for why KVStore does not reuse Table).
type Table struct {
	buckets    []bucket
	bucketMask uint64

	log     []entry
	logHead atomic.Uint64

	metrics metrics.Sink
}

// New constructs a Table with numBuckets (must be a power of two) and
// logCapacity log records.
func New(numBuckets, logCapacity int, sink metrics.Sink) *Table {
	if numBuckets <= 0 || numBuckets&(numBuckets-1) != 0 {
		panic("cacheindex: numBuckets must be a power of two")
	}
	if logCapacity <= 0 {
		panic("cacheindex: logCapacity must be positive")
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Table{
		buckets:    make([]bucket, numBuckets),
		bucketMask: uint64(numBuckets - 1),
		log:        make([]entry, logCapacity),
		metrics:    sink,
	}
}

func (t *Table) bucketFor(k wire.Key) *bucket {
	return &t.buckets[k.Bucket&t.bucketMask]
}

// findSlot scans a bucket for a live, valid slot matching tag. Caller must
// hold at least b.mu.RLock().
func (t *Table) findSlot(b *bucket, tag uint32) (slot, bool) {
	head := t.logHead.Load()
	for i := range b.slots {
		s := b.slots[i]
		if !s.inUse || s.tag != tag {
			continue
		}
		if head-s.logOffset >= uint64(len(t.log)) {
			// Log has wrapped past this record: the slot is stale.
			continue
		}
		return s, true
	}
	return slot{}, false
}

// LookupBatch looks up each op against the cache: a hit on GET is served
// via the versioned-read retry loop; a hit on PUT is deliberately reported
// as a miss so the write routes through the owner instead of being served
// stale out of the read cache. Misses carry their index in the original
// batch.
func (t *Table) LookupBatch(ops []wire.Op) (hitMask []bool, resp []wire.Response, miss []int) {
	hitMask = make([]bool, len(ops))
	resp = make([]wire.Response, len(ops))
	for i, op := range ops {
		b := t.bucketFor(op.Key)
		b.mu.RLock()
		s, found := t.findSlot(b, op.Key.Tag)
		b.mu.RUnlock()

		if !found {
			miss = append(miss, i)
			t.metrics.IncMiss()
			continue
		}
		if op.Opcode == wire.OpPut {
			// A hit on PUT still routes to the owner; not a cache error.
			miss = append(miss, i)
			continue
		}

		idx := s.logOffset % uint64(len(t.log))
		ent := &t.log[idx]
		val, valLen, ok := t.versionedRead(ent, s.logOffset)
		if !ok {
			// Log wrapped out from under us mid-read: treat
			// as a miss rather than return possibly-stale data.
			miss = append(miss, i)
			t.metrics.IncMiss()
			continue
		}

		hitMask[i] = true
		resp[i] = wire.Response{Kind: wire.GetSuccess, ValuePtr: val, ValueLen: valLen}
		t.metrics.IncHit()
	}
	return hitMask, resp, miss
}

// versionedRead implements the lock-free retry loop: repeat the
// read until the version observed before and after copying is identical and
// even. Returns ok=false if the record wrapped out of the log window
// during the read (distinguishable from a torn read because pos, the
// offset recorded at lookup time, is re-validated here too).
func (t *Table) versionedRead(ent *entry, pos uint64) (value []byte, length uint16, ok bool) {
	for {
		m0 := ent.meta.Load()
		length = ent.valueLen
		value = append([]byte(nil), ent.value[:length]...)
		m1 := ent.meta.Load()
		if t.logHead.Load()-pos >= uint64(len(t.log)) {
			// The log has wrapped past pos: the record may now hold
			// another key's value.
			return nil, 0, false
		}
		if m0 == m1 && m0%2 == 0 {
			return value, length, true
		}
		// m0 odd (write in progress) or m0 != m1 (value changed mid-read):
		// spin once more. A record the log has wrapped past ends the loop
		// through the check above.
	}
}

// ApplyUpdates appends each update as a fresh log record (always — even
// for an already-cached key, so the log stays a pure append sequence and
// the wrap behavior above holds uniformly), points the bucket slot at the
// new record, and bumps the record's version odd to even around the
// write, favoring an explicit retry loop on read over an atomic
// version-then-copy that could tear.
func (t *Table) ApplyUpdates(updates []wire.Op) {
	for _, op := range updates {
		t.applyOne(op)
	}
}

func (t *Table) applyOne(op wire.Op) {
	pos := t.logHead.Add(1) - 1
	idx := pos % uint64(len(t.log))
	ent := &t.log[idx]

	b := t.bucketFor(op.Key)
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := ent.meta.Load()
	ent.meta.Store(cur + 1) // odd: write in progress
	ent.key = op.Key
	ent.valueLen = op.ValueLen
	copy(ent.value[:], op.Value[:op.ValueLen])
	ent.meta.Store(cur + 2) // even: stable, new value published

	t.setSlot(b, op.Key, pos)
}

// setSlot installs (or refreshes) the bucket slot for key at log position
// pos. Caller holds b.mu. A second matching slot in a bucket
// cannot occur because tag uniqueness within a bucket is enforced here: an
// existing slot for the same tag is reused rather than a fresh one taken.
func (t *Table) setSlot(b *bucket, key wire.Key, pos uint64) {
	for i := range b.slots {
		if b.slots[i].inUse && b.slots[i].tag == key.Tag {
			b.slots[i] = slot{inUse: true, tag: key.Tag, logOffset: pos}
			return
		}
	}
	for i := range b.slots {
		if !b.slots[i].inUse {
			b.slots[i] = slot{inUse: true, tag: key.Tag, logOffset: pos}
			return
		}
	}
	// Bucket full: evict the slot pointing at the oldest record. This is the
	// only admission decision Table makes, and it is forced by a fixed
	// 8-slot bucket width rather than a tunable replacement policy.
	oldest := 0
	for i := 1; i < len(b.slots); i++ {
		if b.slots[i].logOffset < b.slots[oldest].logOffset {
			oldest = i
		}
	}
	b.slots[oldest] = slot{inUse: true, tag: key.Tag, logOffset: pos}
}

// LogCapacity reports the number of log records the table can hold.
func (t *Table) LogCapacity() int { return len(t.log) }
