// Package bench provides reproducible micro-benchmarks for mica-node's core
// data-plane structures. Run via:
//
//	go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks intentionally use a single key/value shape so results are
// comparable across versions:
//   - Key   – wire.Key, derived from a uint64 via DeriveFingerprint
//   - Value – a fixed small payload, representative of a cache line
//
// We measure:
//  1. CacheIndexLookupHit    – read-only workload after warm-up
//  2. CacheIndexApplyUpdates – write-only workload
//  3. CacheIndexLookupParallel – concurrent reads (b.RunParallel)
//  4. KVStoreBatchOp         – Badger-backed partition batch PUT
//
// NOTE: correctness tests live alongside each package; this file is only
// for performance.
//
// © 2025 mica-node authors. MIT License.
package bench

import (
	"math/rand"
	"testing"

	"github.com/Voskan/mica-node/internal/cacheindex"
	"github.com/Voskan/mica-node/internal/kvstore"
	"github.com/Voskan/mica-node/internal/wire"
)

const (
	bucketCount = 1 << 16
	logCapacity = 1 << 20
	keys        = 1 << 16 // 64K distinct keys for the dataset
)

var ds = func() []wire.Key {
	arr := make([]wire.Key, keys)
	for i := range arr {
		arr[i] = wire.DeriveFingerprint([]byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)})
	}
	return arr
}()

func newTestTable() *cacheindex.Table {
	return cacheindex.New(bucketCount, logCapacity, nil)
}

func putOp(k wire.Key, v byte) wire.Op {
	op := wire.Op{Opcode: wire.OpUpdate, Key: k, ValueLen: 1}
	op.Value[0] = v
	return op
}

func getOp(k wire.Key) wire.Op {
	return wire.Op{Opcode: wire.OpGet, Key: k}
}

func BenchmarkCacheIndexApplyUpdates(b *testing.B) {
	t := newTestTable()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		t.ApplyUpdates([]wire.Op{putOp(k, byte(i))})
	}
}

func BenchmarkCacheIndexLookupHit(b *testing.B) {
	t := newTestTable()
	for i, k := range ds {
		t.ApplyUpdates([]wire.Op{putOp(k, byte(i))})
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		_, _, _ = t.LookupBatch([]wire.Op{getOp(k)})
	}
}

func BenchmarkCacheIndexLookupParallel(b *testing.B) {
	t := newTestTable()
	for i, k := range ds {
		t.ApplyUpdates([]wire.Op{putOp(k, byte(i))})
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(keys)
		for pb.Next() {
			idx = (idx + 1) & (keys - 1)
			_, _, _ = t.LookupBatch([]wire.Op{getOp(ds[idx])})
		}
	})
}

func BenchmarkKVStoreBatchOp(b *testing.B) {
	store, err := kvstore.Open("bench", nil)
	if err != nil {
		b.Fatalf("kvstore.Open: %v", err)
	}
	defer store.Close()

	batch := make([]wire.Op, 32)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range batch {
			k := ds[(i*len(batch)+j)&(keys-1)]
			batch[j] = putOp(k, byte(i))
			batch[j].Opcode = wire.OpPut // BatchOp ignores OpUpdate
		}
		store.BatchOp(batch)
	}
}
