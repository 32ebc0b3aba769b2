// Package forwarder implements server-to-server forwarding: when a
// worker's batch contains a key it does not own, it ships the op (plus the
// originating client's return address) to the owning node and moves on —
// fire-and-forget, exactly as worker-forward.c's worker_forward_requests
// posts its sends without waiting on a completion. The owning node answers
// the client directly once it has executed the op locally.
//
// worker-forward.c leaves the client's return address zero-initialized
// ("TODO: Get from original request") because the original RDMA transport
// resolves client addressing through a separate out-of-band connection
// table. mica-node has no such side table, so ForwardRequest always
// carries a real client address end to end: Build and ForwardBatch take it
// as an explicit parameter instead of leaving it for later plumbing.
//
// © 2025 mica-node authors. MIT License.
package forwarder

import (
	"fmt"

	"github.com/Voskan/mica-node/internal/metrics"
	"github.com/Voskan/mica-node/internal/wire"
)

// Sender is the minimal transport capability Forwarder needs to reach a
// peer node: fire off an already-framed payload at a peer address and
// forget it. internal/transport's PeerSender satisfies this directly (and
// prepends the inter-node node-id header); tests supply an in-memory fake.
type Sender interface {
	Send(addr wire.Address, payload []byte) error
}

// ClientSender delivers a decoded Response straight to a client address,
// using the client-facing framing (no node-id header) every other client
// reply on the wire uses. internal/transport's ClientResponder satisfies
// this.
type ClientSender interface {
	Send(addr wire.Address, resp wire.Response) error
}

// PeerResolver maps a node id to the transport address of that node's
// forwarding listener.
type PeerResolver interface {
	AddressOf(node uint8) (wire.Address, bool)
}

// Forwarder forwards local misses owned by remote nodes, and executes
// inbound forwarded requests this node owns.
type Forwarder struct {
	localNode    uint8
	sender       Sender
	clientSender ClientSender
	resolver     PeerResolver
	metrics      metrics.Sink
}

func New(localNode uint8, sender Sender, clientSender ClientSender, resolver PeerResolver, sink metrics.Sink) *Forwarder {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Forwarder{localNode: localNode, sender: sender, clientSender: clientSender, resolver: resolver, metrics: sink}
}

// Build constructs the ForwardRequest for one remote op, pairing it with
// the client address that should receive the eventual response.
func (f *Forwarder) Build(op wire.Op, target uint8, requestID uint64, clientAddr wire.Address) wire.ForwardRequest {
	return wire.ForwardRequest{
		Op:               op,
		OriginatorNode:   f.localNode,
		TargetNode:       target,
		RequestID:        requestID,
		ClientReturnAddr: clientAddr,
	}
}

// ForwardBatch sends one ForwardRequest per remote miss, fire-and-forget.
// targets[i] and clientAddrs[i] correspond to
// ops[i]; requestIDs supplies a monotonically increasing id per op so the
// owner's response (sent directly to the client, not back through this
// node) can be correlated if the client wants to. A send failure for one
// peer does not abort the rest of the batch — each target is independent.
func (f *Forwarder) ForwardBatch(ops []wire.Op, targets []uint8, clientAddrs []wire.Address, requestIDs []uint64) []error {
	errs := make([]error, len(ops))
	for i, op := range ops {
		target := targets[i]
		addr, ok := f.resolver.AddressOf(target)
		if !ok {
			errs[i] = fmt.Errorf("forwarder: no known address for node %d", target)
			continue
		}
		fr := f.Build(op, target, requestIDs[i], clientAddrs[i])
		if err := f.sender.Send(addr, wire.EncodeForwardRequest(&fr)); err != nil {
			errs[i] = fmt.Errorf("forwarder: send to node %d: %w", target, err)
			continue
		}
		f.metrics.IncForward(target)
	}
	return errs
}

// Execute runs fr's op against exec (the worker's local CacheIndex/KVStore
// lookup path) and sends the result directly to fr.ClientReturnAddr: the
// owner answers the client, not the originator. It is the Go replacement
// for worker_handle_forwarded_request, completed end to end now that a
// real client address is always present. The reply goes out through
// clientSender, not sender — the client socket carries no node-id header,
// unlike inter-node peer traffic.
func (f *Forwarder) Execute(fr wire.ForwardRequest, exec func(wire.Op) wire.Response) error {
	resp := exec(fr.Op)
	f.metrics.IncForwardServed(fr.OriginatorNode)
	return f.clientSender.Send(fr.ClientReturnAddr, resp)
}
