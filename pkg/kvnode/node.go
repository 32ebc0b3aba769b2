// © 2025 mica-node authors. MIT License.
package kvnode

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Voskan/mica-node/internal/bootstrap"
	"github.com/Voskan/mica-node/internal/cacheindex"
	"github.com/Voskan/mica-node/internal/coherence"
	"github.com/Voskan/mica-node/internal/forwarder"
	"github.com/Voskan/mica-node/internal/kvstore"
	"github.com/Voskan/mica-node/internal/metrics"
	"github.com/Voskan/mica-node/internal/shardrouter"
	"github.com/Voskan/mica-node/internal/transport"
	"github.com/Voskan/mica-node/internal/wire"
	"github.com/Voskan/mica-node/internal/worker"
)

// Node is one participant in a mica-node deployment: W worker goroutines
// sharing a single CacheIndex and a single CoherenceContext, each owning
// its own KVStore partition — a partitioned-ownership policy that needs
// no cross-worker lock because ownership of a bucket's KVStore partition
// never overlaps between workers.
//
// A node-wide CacheIndex and CoherenceContext (rather than one pair per
// worker) is a deliberate simplification of worker-coherence.c's per-worker
// credit and receive-ring state: every worker on a node already shares one
// Transport's pair of UDP sockets, so there is nothing a second credit
// table or a second log would isolate. See DESIGN.md for the tradeoff.
type Node struct {
	localNode uint8
	nodeCount uint8

	logger  *zap.Logger
	metrics metrics.Sink

	router *shardrouter.HashRouter
	cache  *cacheindex.Table
	coh    *coherence.Engine
	fwd    *forwarder.Forwarder

	registry  *bootstrap.Registry
	transport *transport.Transport

	stores  []*kvstore.Partition
	workers []*worker.Worker
}

// New assembles a Node for localNode in a deployment of nodeCount nodes.
// The Transport's sockets are bound (and thus the node is reachable) as
// soon as New returns; Run starts the receive loops and worker goroutines.
func New(localNode, nodeCount uint8, opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}

	logger := cfg.logger
	var sink metrics.Sink = metrics.Noop{}
	if cfg.registry != nil {
		sink = metrics.NewProm(cfg.registry)
	}

	router := shardrouter.NewHashRouter(nodeCount, uint8(cfg.workerCount))
	cache := cacheindex.New(cfg.bucketCount, cfg.logCapacity, sink)
	registry := bootstrap.NewRegistry(localNode, nodeCount)

	tr, err := transport.Open(localNode, cfg.peerListenAddr, cfg.clientListenAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("kvnode: open transport: %w", err)
	}

	sender := transport.PeerSender{T: tr}
	responder := transport.ClientResponder{T: tr}

	coh := coherence.New(localNode, nodeCount, sender, registry, sink)
	fwd := forwarder.New(localNode, sender, responder, registry, sink)

	n := &Node{
		localNode: localNode,
		nodeCount: nodeCount,
		logger:    logger,
		metrics:   sink,
		router:    router,
		cache:     cache,
		coh:       coh,
		fwd:       fwd,
		registry:  registry,
		transport: tr,
	}

	stores := make([]*kvstore.Partition, cfg.workerCount)
	workers := make([]*worker.Worker, cfg.workerCount)
	for w := 0; w < cfg.workerCount; w++ {
		store, err := kvstore.Open(fmt.Sprintf("node%d-worker%d", localNode, w), sink)
		if err != nil {
			for _, s := range stores {
				if s != nil {
					_ = s.Close()
				}
			}
			_ = tr.Close()
			return nil, fmt.Errorf("kvnode: open kvstore partition %d: %w", w, err)
		}
		stores[w] = store
		workers[w] = worker.New(uint8(w), localNode, cfg.maxBatch, router, cache, store, fwd, coh, tr, responder, sink)
	}
	n.stores = stores
	n.workers = workers

	tr.SetForwardHandler(n.handleForward)
	tr.SetCoherenceEngine(coh)

	return n, nil
}

// PeerAddr and ClientAddr report the addresses this node bound, for
// publishing to Bootstrap on other nodes.
func (n *Node) PeerAddr() string   { return string(n.transport.PeerAddr()) }
func (n *Node) ClientAddr() string { return string(n.transport.ClientAddr()) }

// LocalNode returns this node's id.
func (n *Node) LocalNode() uint8 { return n.localNode }

// Registry exposes the peer-address table so an operator process can
// publish this node's own addresses to peers and feed in theirs.
func (n *Node) Registry() *bootstrap.Registry { return n.registry }

// Submit enqueues a co-located client request directly into the local
// queue, bypassing the client UDP socket entirely — for an in-process
// client sharing this node's binary.
func (n *Node) Submit(req worker.ClientRequest) { n.transport.Submit(req) }

// handleForward executes an inbound ForwardRequest this node owns and
// answers the originating client directly, resolving the client-address
// Open Question the same way worker.Worker.RunOnce does for local writes.
func (n *Node) handleForward(fr wire.ForwardRequest) {
	_ = n.fwd.Execute(fr, n.executeForwardedOp)
}

func (n *Node) executeForwardedOp(op wire.Op) wire.Response {
	resp := n.stores[int(n.router.KeyOwnerWorker(op.Key))].BatchOp([]wire.Op{op})[0]
	if op.Opcode == wire.OpPut && resp.Kind == wire.PutSuccess {
		update := wire.Op{Opcode: wire.OpUpdate, Key: op.Key, ValueLen: op.ValueLen, Value: op.Value}
		n.cache.ApplyUpdates([]wire.Op{update})
		n.coh.BroadcastUpdates([]wire.Op{{Opcode: wire.OpBroadcast, Key: op.Key, ValueLen: op.ValueLen, Value: op.Value}})
	}
	return resp
}

// Run blocks until ctx is canceled: it starts the Transport receive loops
// and one goroutine per worker, each looping RunOnce until cancellation,
// supervised by an errgroup the same way arena-cache supervises its
// background workers — the idiomatic replacement for the original's
// pthread-per-worker model with no shared-fate error propagation.
func (n *Node) Run(ctx context.Context) error {
	n.transport.Run(ctx)
	defer n.transport.Close()

	if err := n.registry.WaitReady(ctx); err != nil {
		return fmt.Errorf("kvnode: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range n.workers {
		w := w
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				default:
				}
				w.RunOnce()
			}
		})
	}

	<-gctx.Done()
	err := g.Wait()
	for _, s := range n.stores {
		_ = s.Close()
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Close releases the node's sockets and KVStore partitions without
// running the worker loop; used by tests and short-lived inspector
// commands that only need to bind and query, never serve.
func (n *Node) Close() error {
	for _, s := range n.stores {
		_ = s.Close()
	}
	return n.transport.Close()
}
