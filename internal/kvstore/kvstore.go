// Package kvstore implements the owner-local KVStore: the authoritative,
// partitioned-by-bucket store a worker consults (and mutates) only for
// keys it owns. Where internal/cacheindex is a hand-rolled lock-free
// structure (its exact versioned-read shape has no off-the-shelf
// equivalent), KVStore only needs a partitioned batch GET/PUT surface, so
// it is built on Badger, run in pure in-memory mode, the same
// embedded-store dependency arena-cache's examples/disk_eject demo already
// wired up as a second-level store. Using it here keeps a real
// third-party storage engine in the module instead of a hand-rolled map,
// while its in-memory mode keeps the store non-persistent.
//
// © 2025 mica-node authors. MIT License.
package kvstore

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Voskan/mica-node/internal/metrics"
	"github.com/Voskan/mica-node/internal/wire"
)

// Partition is one worker's slice of the owner-local store: KVStore is
// partitioned by bucket modulo worker count, and each worker only ever
// opens and touches its own Partition.
type Partition struct {
	db      *badger.DB
	metrics metrics.Sink
}

// Open starts an in-memory Badger instance for one partition. name appears
// only in the error returned when opening fails (Badger's logger is
// disabled); no files are written to disk.
func Open(name string, sink metrics.Sink) (*Partition, error) {
	if sink == nil {
		sink = metrics.Noop{}
	}
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open partition %s: %w", name, err)
	}
	return &Partition{db: db, metrics: sink}, nil
}

// Close releases the partition's Badger instance.
func (p *Partition) Close() error {
	return p.db.Close()
}

func keyBytes(k wire.Key) []byte {
	b := make([]byte, 12)
	for i := 0; i < 8; i++ {
		b[i] = byte(k.Bucket >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		b[8+i] = byte(k.Tag >> (8 * i))
	}
	return b
}

// BatchOp executes ops against this partition inside a single Badger
// transaction: all local misses for one worker-loop iteration are
// resolved with one store round trip.
// The caller owns the returned Response slice; ValuePtr entries are copies,
// not views into Badger's internals, since Badger's Value callback buffer
// is only valid within the transaction.
func (p *Partition) BatchOp(ops []wire.Op) []wire.Response {
	resp := make([]wire.Response, len(ops))
	_ = p.db.Update(func(txn *badger.Txn) error {
		for i, op := range ops {
			key := keyBytes(op.Key)
			switch op.Opcode {
			case wire.OpGet:
				item, err := txn.Get(key)
				if err != nil {
					resp[i] = wire.Response{Kind: wire.GetMiss}
					p.metrics.IncStoreOp("get_miss")
					continue
				}
				val, err := item.ValueCopy(nil)
				if err != nil {
					resp[i] = wire.Response{Kind: wire.GetMiss}
					continue
				}
				resp[i] = wire.Response{Kind: wire.GetSuccess, ValuePtr: val, ValueLen: uint16(len(val))}
				p.metrics.IncStoreOp("get_hit")
			case wire.OpPut:
				val := append([]byte(nil), op.Value[:op.ValueLen]...)
				if err := txn.Set(key, val); err != nil {
					resp[i] = wire.Response{Kind: wire.Empty}
					continue
				}
				resp[i] = wire.Response{Kind: wire.PutSuccess}
				p.metrics.IncStoreOp("put")
			default:
				resp[i] = wire.Response{Kind: wire.Empty}
			}
		}
		return nil
	})
	return resp
}
