package worker

import (
	"sync"
	"testing"

	"github.com/Voskan/mica-node/internal/cacheindex"
	"github.com/Voskan/mica-node/internal/coherence"
	"github.com/Voskan/mica-node/internal/forwarder"
	"github.com/Voskan/mica-node/internal/kvstore"
	"github.com/Voskan/mica-node/internal/shardrouter"
	"github.com/Voskan/mica-node/internal/wire"
)

// fakeSource feeds a fixed batch of local client requests once, then
// reports empty on every subsequent call (remote ring is always empty in
// these tests — forwarding is exercised against a fake Sender instead).
type fakeSource struct {
	mu      sync.Mutex
	pending []ClientRequest
}

func (s *fakeSource) DrainLocal(max int) []ClientRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	n := max
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch
}

func (s *fakeSource) DrainRemote(max int) []ClientRequest { return nil }

type fakeSink struct {
	mu   sync.Mutex
	sent map[wire.Address]wire.Response
}

func newFakeSink() *fakeSink { return &fakeSink{sent: map[wire.Address]wire.Response{}} }

func (s *fakeSink) Send(addr wire.Address, resp wire.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[addr] = resp
	return nil
}

type fakeTransportSender struct {
	mu   sync.Mutex
	sent []wire.Address
}

func (f *fakeTransportSender) Send(addr wire.Address, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, addr)
	return nil
}

type staticResolver map[uint8]wire.Address

func (r staticResolver) AddressOf(node uint8) (wire.Address, bool) {
	addr, ok := r[node]
	return addr, ok
}

func newTestWorker(t *testing.T, source *fakeSource, sink *fakeSink) (*Worker, *fakeTransportSender) {
	t.Helper()
	router := shardrouter.NewHashRouter(2, 1)
	cache := cacheindex.New(16, 64, nil)
	store, err := kvstore.Open("w0", nil)
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sender := &fakeTransportSender{}
	resolver := staticResolver{0: "node0", 1: "node1"}
	fwd := forwarder.New(0, sender, sink, resolver, nil)
	coh := coherence.New(0, 2, sender, resolver, nil)

	w := New(0, 0, 4, router, cache, store, fwd, coh, source, sink, nil)
	return w, sender
}

// B1: an empty batch restarts the loop with the empty-poll counter
// incremented and nothing sent.
func TestRunOnceEmptyBatch(t *testing.T) {
	source := &fakeSource{}
	sink := newFakeSink()
	w, sender := newTestWorker(t, source, sink)

	result := w.RunOnce()
	if !result.EmptyPoll || result.BatchSize != 0 {
		t.Fatalf("expected empty poll, got %+v", result)
	}
	if w.EmptyPolls() != 1 {
		t.Fatalf("expected empty poll counter == 1, got %d", w.EmptyPolls())
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no sends on empty batch")
	}
}

// S1: a local GET hit is served from CacheIndex with no KVStore or
// coherence traffic.
func TestRunOnceLocalGetHit(t *testing.T) {
	source := &fakeSource{}
	sink := newFakeSink()
	w, sender := newTestWorker(t, source, sink)

	key := wire.Key{Bucket: 2, Tag: 2} // bucket%2==0 → local to node 0
	w.Cache.ApplyUpdates([]wire.Op{{Opcode: wire.OpUpdate, Key: key, ValueLen: 1, Value: [wire.MaxValueSize]byte{'A'}}})

	source.pending = []ClientRequest{{Op: wire.Op{Opcode: wire.OpGet, Key: key}, ReturnAddr: "client:1"}}
	result := w.RunOnce()

	if result.CacheHits != 1 || result.LocalMisses != 0 || result.RemoteMisses != 0 {
		t.Fatalf("expected pure cache hit, got %+v", result)
	}
	resp := sink.sent["client:1"]
	if resp.Kind != wire.GetSuccess || string(resp.ValuePtr) != "A" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no coherence/forward traffic on a pure hit")
	}
}

// S2: a local PUT installs into KVStore, updates CacheIndex immediately
// (so the worker's own next GET sees it, P6), and emits exactly one
// broadcast per remote peer.
func TestRunOnceLocalPutBroadcasts(t *testing.T) {
	source := &fakeSource{}
	sink := newFakeSink()
	w, sender := newTestWorker(t, source, sink)

	key := wire.Key{Bucket: 2, Tag: 2}
	putOp := wire.Op{Opcode: wire.OpPut, Key: key, ValueLen: 1}
	putOp.Value[0] = 'B'
	source.pending = []ClientRequest{{Op: putOp, ReturnAddr: "client:1"}}

	result := w.RunOnce()
	if result.LocalMisses != 1 || result.BroadcastsEmitted != 1 {
		t.Fatalf("expected one local miss resolved as a broadcast write, got %+v", result)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one UPDATE sent to the remote peer, got %d", len(sender.sent))
	}

	// P6: a subsequent local GET sees the write immediately.
	source.pending = []ClientRequest{{Op: wire.Op{Opcode: wire.OpGet, Key: key}, ReturnAddr: "client:2"}}
	result = w.RunOnce()
	if result.CacheHits != 1 {
		t.Fatalf("expected self-visibility of the local write, got %+v", result)
	}
	if string(sink.sent["client:2"].ValuePtr) != "B" {
		t.Fatalf("expected to observe own write, got %q", sink.sent["client:2"].ValuePtr)
	}
}

// S3: a cross-shard GET miss is forwarded, not answered by the originator.
func TestRunOnceCrossShardForward(t *testing.T) {
	source := &fakeSource{}
	sink := newFakeSink()
	w, sender := newTestWorker(t, source, sink)

	key := wire.Key{Bucket: 3, Tag: 3} // bucket%2==1 → owned by node 1
	source.pending = []ClientRequest{{Op: wire.Op{Opcode: wire.OpGet, Key: key}, ReturnAddr: "client:1"}}

	result := w.RunOnce()
	if result.RemoteMisses != 1 || result.LocalMisses != 0 {
		t.Fatalf("expected exactly one remote miss, got %+v", result)
	}
	if _, answered := sink.sent["client:1"]; answered {
		t.Fatalf("originator must not answer a forwarded request directly")
	}
	if len(sender.sent) != 1 || sender.sent[0] != "node1" {
		t.Fatalf("expected forward sent to node1, got %v", sender.sent)
	}
}

// B2: all hits → no store calls, no forwards, no broadcasts.
func TestRunOnceAllHitsNoSideEffects(t *testing.T) {
	source := &fakeSource{}
	sink := newFakeSink()
	w, sender := newTestWorker(t, source, sink)

	key := wire.Key{Bucket: 2, Tag: 2}
	w.Cache.ApplyUpdates([]wire.Op{{Opcode: wire.OpUpdate, Key: key, ValueLen: 1, Value: [wire.MaxValueSize]byte{'Z'}}})
	source.pending = []ClientRequest{
		{Op: wire.Op{Opcode: wire.OpGet, Key: key}, ReturnAddr: "c1"},
		{Op: wire.Op{Opcode: wire.OpGet, Key: key}, ReturnAddr: "c2"},
	}
	result := w.RunOnce()
	if result.CacheHits != 2 || result.LocalMisses != 0 || result.RemoteMisses != 0 || result.BroadcastsEmitted != 0 {
		t.Fatalf("expected all-hit batch with no side effects, got %+v", result)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no transport traffic")
	}
}

// B3: all cross-shard misses → all forwarded, no KVStore calls.
func TestRunOnceAllCrossShardMisses(t *testing.T) {
	source := &fakeSource{}
	sink := newFakeSink()
	w, sender := newTestWorker(t, source, sink)

	source.pending = []ClientRequest{
		{Op: wire.Op{Opcode: wire.OpGet, Key: wire.Key{Bucket: 1, Tag: 1}}, ReturnAddr: "c1"},
		{Op: wire.Op{Opcode: wire.OpGet, Key: wire.Key{Bucket: 3, Tag: 3}}, ReturnAddr: "c2"},
	}
	result := w.RunOnce()
	if result.RemoteMisses != 2 || result.LocalMisses != 0 {
		t.Fatalf("expected all misses classified remote, got %+v", result)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected two forwards posted, got %d", len(sender.sent))
	}
	if len(sink.sent) != 0 {
		t.Fatalf("expected no direct client responses from the originator")
	}
}
