// Package bootstrap is the address-handle publication and readiness gate:
// every worker needs the full peer-address table populated before its
// first iteration, because a miss could route to any other node
// immediately.
//
// worker.c bootstraps this with create_AHs_for_worker plus a busy-wait
// spin on a shared wrkr_needed_ah_ready flag (usleep(200000) in a loop).
// Registry replaces the flag-and-sleep with a channel closed exactly once
// (through sync.Once) that a node waits on at startup — the same "readiness flag
// published when all address handles exist" contract, expressed without
// polling.
//
// © 2025 mica-node authors. MIT License.
package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/Voskan/mica-node/internal/wire"
)

// PeerInfo is one node's published address-handle pair: where to reach it
// for inter-node traffic (forwards, coherence, credits) and where clients
// reach it directly.
type PeerInfo struct {
	Node       uint8
	PeerAddr   wire.Address
	ClientAddr wire.Address
}

// Registry is the peer-address table, indexed by node id, with a
// readiness gate: ready once every OTHER node in a nodeCount-node
// deployment has published.
type Registry struct {
	mu        sync.RWMutex
	localNode uint8
	nodeCount uint8
	peers     map[uint8]PeerInfo

	readyOnce sync.Once
	readyCh   chan struct{}
}

// NewRegistry builds a Registry for localNode in a deployment of
// nodeCount nodes.
func NewRegistry(localNode, nodeCount uint8) *Registry {
	r := &Registry{
		localNode: localNode,
		nodeCount: nodeCount,
		peers:     make(map[uint8]PeerInfo, nodeCount),
		readyCh:   make(chan struct{}),
	}
	if nodeCount <= 1 {
		r.readyOnce.Do(func() { close(r.readyCh) })
	}
	return r
}

// Publish records a peer's address handles. Once every other node in the
// deployment has published, the readiness gate opens exactly once.
func (r *Registry) Publish(info PeerInfo) {
	r.mu.Lock()
	r.peers[info.Node] = info
	n := len(r.peers)
	r.mu.Unlock()

	if uint8(n) >= r.nodeCount-1 {
		r.readyOnce.Do(func() { close(r.readyCh) })
	}
}

// AddressOf implements forwarder.PeerResolver and coherence.PeerResolver:
// the inter-node address to forward ops or coherence traffic to.
func (r *Registry) AddressOf(node uint8) (wire.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[node]
	return info.PeerAddr, ok
}

// ClientAddressOf returns the address clients should use to reach node
// directly — used by tests and by an operator CLI, not by the worker loop
// itself.
func (r *Registry) ClientAddressOf(node uint8) (wire.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[node]
	return info.ClientAddr, ok
}

// Ready returns a channel that closes once every peer has published: a
// readiness flag published when all address handles exist.
func (r *Registry) Ready() <-chan struct{} { return r.readyCh }

// WaitReady blocks until Ready() closes or ctx is canceled. This is the Go
// replacement for worker.c's `while (wrkr_needed_ah_ready == 0) usleep(...)`
// spin: a single blocking wait instead of a polling loop.
func (r *Registry) WaitReady(ctx context.Context) error {
	select {
	case <-r.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bootstrap: wait for peer readiness: %w", ctx.Err())
	}
}

// QueuePairName reproduces the original queue-pair naming scheme, kept
// for diagnostics and log correlation with the peers a node has actually
// bound sockets for.
func QueuePairName(node, worker, qp uint8) string {
	return fmt.Sprintf("worker-dgram-%d-%d-%d", node, worker, qp)
}
