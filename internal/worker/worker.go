// Package worker implements the per-worker request loop: the nine-step
// dataflow every worker goroutine runs on each iteration, tying together
// CacheIndex, KVStore, the shard router, the forwarder and the coherence
// engine exactly as worker.c's main loop ties together their C
// counterparts, but expressed as explicit Go method calls over injected
// collaborators instead of a single monolithic function operating on
// process-wide globals.
//
// © 2025 mica-node authors. MIT License.
package worker

import (
	"sync/atomic"

	"github.com/Voskan/mica-node/internal/cacheindex"
	"github.com/Voskan/mica-node/internal/coherence"
	"github.com/Voskan/mica-node/internal/forwarder"
	"github.com/Voskan/mica-node/internal/kvstore"
	"github.com/Voskan/mica-node/internal/metrics"
	"github.com/Voskan/mica-node/internal/shardrouter"
	"github.com/Voskan/mica-node/internal/wire"
)

// ClientRequest pairs an inbound Op with the address to send its response
// to, regardless of whether the client is co-located (local queue) or
// reached over Transport (remote receive ring).
type ClientRequest struct {
	Op         wire.Op
	ReturnAddr wire.Address
}

// ClientSource drains co-located clients first (no transport involved),
// then drains whatever the remote receive ring still has room for in this
// batch.
type ClientSource interface {
	DrainLocal(max int) []ClientRequest
	DrainRemote(max int) []ClientRequest
}

// ResponseSink delivers a response to a client address. Used both for
// requests this worker answers itself (cache hit or local KVStore hit) and,
// via Forwarder, for forwarded requests this worker owns.
type ResponseSink interface {
	Send(addr wire.Address, resp wire.Response) error
}

// RunResult summarizes one RunOnce call: batch composition, cache and
// store outcomes, and coherence traffic, for tests and metrics to assert
// on.
type RunResult struct {
	BatchSize          int
	CacheHits          int
	LocalMisses        int
	RemoteMisses       int
	CoherenceApplied   int
	BroadcastsEmitted  int
	CreditReturnsSent  int
	EmptyPoll          bool
}

// Worker is one request-processing goroutine: one node hosts W of these.
type Worker struct {
	ID        uint8
	LocalNode uint8
	MaxBatch  int

	Router *shardrouter.HashRouter
	Cache  *cacheindex.Table
	Store  *kvstore.Partition
	Fwd    *forwarder.Forwarder
	Coh    *coherence.Engine
	Source ClientSource
	Resp   ResponseSink

	metrics   metrics.Sink
	requestID atomic.Uint64
	emptyPoll atomic.Uint64
}

// New constructs a Worker from its collaborators. All fields are required
// except Metrics, which defaults to a no-op sink.
func New(id, localNode uint8, maxBatch int, router *shardrouter.HashRouter,
	cache *cacheindex.Table, store *kvstore.Partition, fwd *forwarder.Forwarder,
	coh *coherence.Engine, source ClientSource, resp ResponseSink, sink metrics.Sink) *Worker {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Worker{
		ID: id, LocalNode: localNode, MaxBatch: maxBatch,
		Router: router, Cache: cache, Store: store, Fwd: fwd, Coh: coh,
		Source: source, Resp: resp, metrics: sink,
	}
}

// EmptyPolls returns the running count of iterations that drained zero
// requests.
func (w *Worker) EmptyPolls() uint64 { return w.emptyPoll.Load() }

// RunOnce executes one full pass of steps 1-9. It never blocks: every
// collaborator call here is non-blocking by contract, so nothing in the
// request loop ever waits on I/O.
func (w *Worker) RunOnce() RunResult {
	var result RunResult

	// Step 1: drain coherence receive ring, apply foreign updates, return credit.
	updates := w.Coh.PollCoherence()
	if len(updates) > 0 {
		ops := make([]wire.Op, len(updates))
		for i, u := range updates {
			ops[i] = u.Op
		}
		w.Cache.ApplyUpdates(ops)
		result.CoherenceApplied = len(ops)
		result.CreditReturnsSent = w.Coh.CreditReturns(updates)
	}

	// Steps 2-3: drain local clients first, then fill the remainder of the
	// batch from the remote receive ring.
	batch := w.Source.DrainLocal(w.MaxBatch)
	if remaining := w.MaxBatch - len(batch); remaining > 0 {
		batch = append(batch, w.Source.DrainRemote(remaining)...)
	}
	result.BatchSize = len(batch)
	if len(batch) == 0 {
		w.emptyPoll.Add(1)
		result.EmptyPoll = true
		return result
	}

	ops := make([]wire.Op, len(batch))
	for i, r := range batch {
		ops[i] = r.Op
	}

	// Step 4: cache lookup; hits are answered immediately.
	hitMask, cacheResp, missIdx := w.Cache.LookupBatch(ops)
	for i, hit := range hitMask {
		if hit {
			_ = w.Resp.Send(batch[i].ReturnAddr, cacheResp[i])
			result.CacheHits++
		}
	}

	// Step 5: partition misses into local-shard and remote-shard.
	var localIdx, remoteIdx []int
	for _, idx := range missIdx {
		if w.Router.IsLocal(ops[idx].Key, w.LocalNode) {
			localIdx = append(localIdx, idx)
		} else {
			remoteIdx = append(remoteIdx, idx)
		}
	}
	result.LocalMisses = len(localIdx)
	result.RemoteMisses = len(remoteIdx)

	// Step 6: KVStore batch op on local-shard misses.
	var broadcastOps []wire.Op
	if len(localIdx) > 0 {
		localOps := make([]wire.Op, len(localIdx))
		for j, idx := range localIdx {
			localOps[j] = ops[idx]
		}
		storeResp := w.Store.BatchOp(localOps)
		for j, idx := range localIdx {
			_ = w.Resp.Send(batch[idx].ReturnAddr, storeResp[j])
			if ops[idx].Opcode == wire.OpPut && storeResp[j].Kind == wire.PutSuccess {
				// A local write is installed in the local CacheIndex strictly
				// before the BROADCAST is posted, so a subsequent local GET on
				// this worker observes its own write without waiting for the
				// round trip through coherence.
				upd := ops[idx]
				upd.Opcode = wire.OpUpdate
				w.Cache.ApplyUpdates([]wire.Op{upd})

				b := ops[idx]
				b.Opcode = wire.OpBroadcast
				broadcastOps = append(broadcastOps, b)
			}
		}
	}

	// Step 7: forward remote-shard misses, fire-and-forget. The owner
	// answers the client directly (see internal/forwarder) so the
	// originator does not send a placeholder response here.
	if len(remoteIdx) > 0 {
		remoteOps := make([]wire.Op, len(remoteIdx))
		targets := make([]uint8, len(remoteIdx))
		clientAddrs := make([]wire.Address, len(remoteIdx))
		reqIDs := make([]uint64, len(remoteIdx))
		for j, idx := range remoteIdx {
			remoteOps[j] = ops[idx]
			targets[j] = w.Router.KeyOwnerNode(ops[idx].Key)
			clientAddrs[j] = batch[idx].ReturnAddr
			reqIDs[j] = w.requestID.Add(1)
		}
		w.Fwd.ForwardBatch(remoteOps, targets, clientAddrs, reqIDs)
	}

	// Step 8: broadcast every completed local write.
	if len(broadcastOps) > 0 {
		result.BroadcastsEmitted = w.Coh.BroadcastUpdates(broadcastOps)
	}

	// Step 9: there is nothing to reclaim or repost here. internal/transport
	// sends synchronously over UDP and its own receive loops keep reading,
	// so it has no completion queue or receive posting for the worker to drive.

	w.metrics.ObserveBatchSize(w.ID, len(batch))
	return result
}
