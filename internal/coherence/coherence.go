// Package coherence implements the credited broadcast protocol,
// translated directly from worker-coherence.c: every worker holds a credit
// balance per peer node, broadcasts a write to all peers only while every
// peer still has credit, and returns a batch of credits to a sender once it
// has absorbed WORKER_COH_CREDITS_IN_MESSAGE updates from it. The original
// implements this over raw UD queue pairs with a hand-managed circular
// receive buffer (WORKER_COH_BUF_SLOTS); mica-node replaces that ring with
// a bounded Go channel per Engine. An UPDATE that arrives while the channel
// is full is dropped (see Deliver), which is what an overrun does to the
// fixed-size ring, and the channel removes an entire class of hand-rolled
// pointer arithmetic the C version needed to manage the buffer by hand.
//
// BroadcastUpdates, PollCoherence and CreditReturns are called
// synchronously from the worker loop, exactly as
// worker_broadcast_updates/worker_poll_coherence/worker_create_credits are
// synchronous steps of ccKVS's worker loop. Every method takes the Engine's
// mutex, so several worker goroutines may share one Engine (pkg/kvnode's
// Node does), while Deliver and DeliverCreditReturn are called from the
// transport's receive path.
//
// © 2025 mica-node authors. MIT License.
package coherence

import (
	"sync"

	"github.com/Voskan/mica-node/internal/metrics"
	"github.com/Voskan/mica-node/internal/wire"
)

const (
	// DefaultCredits is WORKER_COH_CREDITS: the credit ceiling per peer.
	DefaultCredits = 30
	// CreditsPerMessage is WORKER_COH_CREDITS_IN_MESSAGE: credits restored
	// by one credit-return message.
	CreditsPerMessage = 3
	// PollBatch is WORKER_BCAST_TO_CACHE_BATCH: the max number of pending
	// updates drained from the inbox per PollCoherence call.
	PollBatch = 90
)

// Sender is the minimal transport capability Engine needs to fire UPDATE
// and credit-return messages at a peer.
type Sender interface {
	Send(addr wire.Address, payload []byte) error
}

// PeerResolver maps a node id to the transport address of its coherence
// listener.
type PeerResolver interface {
	AddressOf(node uint8) (wire.Address, bool)
}

// InboundUpdate is one UPDATE message received from a peer, queued for the
// worker loop to apply to its CacheIndex.
type InboundUpdate struct {
	FromNode uint8
	Op       wire.Op
}

// Stats mirrors the long long counters worker_coherence_ctx tracks.
type Stats struct {
	BroadcastsSent     uint64
	BroadcastsReceived uint64
	CreditsSent        uint64
	CreditsReceived    uint64
	StallsDueToCredits uint64
}

// Engine is one worker's coherence context (struct worker_coherence_ctx).
type Engine struct {
	localNode uint8
	nodeCount uint8
	sender    Sender
	resolver  PeerResolver
	metrics   metrics.Sink

	mu             sync.Mutex
	credits        []int32
	broadcastsSeen []int
	creditTx       uint64
	stats          Stats

	inbox       chan InboundUpdate
	creditInbox chan uint8
}

// New builds an Engine for localNode among nodeCount total nodes.
func New(localNode, nodeCount uint8, sender Sender, resolver PeerResolver, sink metrics.Sink) *Engine {
	if nodeCount == 0 {
		panic("coherence: nodeCount must be positive")
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	credits := make([]int32, nodeCount)
	for i := range credits {
		if uint8(i) != localNode {
			credits[i] = DefaultCredits
		}
	}
	ringCap := int(nodeCount) * DefaultCredits
	if ringCap == 0 {
		ringCap = 1
	}
	return &Engine{
		localNode:      localNode,
		nodeCount:      nodeCount,
		sender:         sender,
		resolver:       resolver,
		metrics:        sink,
		credits:        credits,
		broadcastsSeen: make([]int, nodeCount),
		inbox:          make(chan InboundUpdate, ringCap),
		creditInbox:    make(chan uint8, int(nodeCount)*4+1),
	}
}

// Deliver is invoked by the transport's receive path when a peer's UPDATE
// arrives. A full inbox means the sender exceeded its credit allowance;
// the message is dropped rather than blocking the receive path, the same
// failure mode ccKVS's fixed-size ring suffers under a credit violation.
func (e *Engine) Deliver(fromNode uint8, op wire.Op) {
	select {
	case e.inbox <- InboundUpdate{FromNode: fromNode, Op: op}:
	default:
	}
}

// DeliverCreditReturn is invoked by the transport's receive path when a
// zero-length credit-return message arrives from fromNode.
func (e *Engine) DeliverCreditReturn(fromNode uint8) {
	select {
	case e.creditInbox <- fromNode:
	default:
	}
}

// checkBroadcastCredits mirrors worker_check_broadcast_credits: if any peer
// is out of credit, drain pending credit returns once, then report whether
// every peer now has at least one credit.
func (e *Engine) checkBroadcastCredits() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	needPoll := false
	for j := uint8(0); j < e.nodeCount; j++ {
		if j == e.localNode {
			continue
		}
		if e.credits[j] == 0 {
			needPoll = true
			break
		}
	}
	if needPoll {
		e.drainCreditsLocked()
	}
	for j := uint8(0); j < e.nodeCount; j++ {
		if j == e.localNode {
			continue
		}
		if e.credits[j] == 0 {
			e.stats.StallsDueToCredits++
			return false
		}
	}
	return true
}

func (e *Engine) drainCreditsLocked() {
	for {
		select {
		case sender := <-e.creditInbox:
			e.credits[sender] += CreditsPerMessage
			if e.credits[sender] > DefaultCredits {
				e.credits[sender] = DefaultCredits
			}
			e.stats.CreditsReceived++
			e.metrics.SetCredits(sender, int(e.credits[sender]))
		default:
			return
		}
	}
}

// BroadcastUpdates scans ops for OpBroadcast-marked writes (the worker
// loop's step 8) and fires an UPDATE at every other node for each one,
// decrementing that peer's credit. It stops — stalls, in the
// specification's language — the moment any peer is out of credit, leaving
// the remaining ops for the next loop iteration to retry. Returns the
// number of ops it broadcast.
func (e *Engine) BroadcastUpdates(ops []wire.Op) int {
	sent := 0
	for _, op := range ops {
		if op.Opcode != wire.OpBroadcast {
			continue
		}
		if !e.checkBroadcastCredits() {
			break
		}

		upd := op
		upd.Opcode = wire.OpUpdate
		payload := wire.EncodeOp(&upd)

		e.mu.Lock()
		for peer := uint8(0); peer < e.nodeCount; peer++ {
			if peer == e.localNode {
				continue
			}
			if addr, ok := e.resolver.AddressOf(peer); ok {
				// Fire-and-forget: a send failure here is a transient
				// networking event, not a protocol error, so it does not
				// block the credit accounting below.
				_ = e.sender.Send(addr, payload)
			}
			e.credits[peer]--
			e.metrics.SetCredits(peer, int(e.credits[peer]))
			e.metrics.IncBroadcast(peer, 1)
		}
		e.stats.BroadcastsSent += uint64(e.nodeCount - 1)
		e.mu.Unlock()
		sent++
	}
	return sent
}

// PollCoherence drains up to PollBatch pending UPDATE messages from the
// inbox, bumping each sender's broadcasts-seen counter so CreditReturns
// can decide when to return credit.
func (e *Engine) PollCoherence() []InboundUpdate {
	out := make([]InboundUpdate, 0, PollBatch)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < PollBatch; i++ {
		select {
		case u := <-e.inbox:
			out = append(out, u)
			e.broadcastsSeen[u.FromNode]++
			e.stats.BroadcastsReceived++
			e.metrics.IncCoherenceUpdate(u.FromNode, 1)
		default:
			return out
		}
	}
	return out
}

// CreditReturns implements worker_create_credits: for every sender that
// contributed to received, send one credit-return message for each
// CreditsPerMessage updates in that sender's running broadcasts-seen count,
// subtracting CreditsPerMessage per message sent and keeping the remainder
// for a later call. Returns the number of credit messages sent.
func (e *Engine) CreditReturns(received []InboundUpdate) int {
	seen := make(map[uint8]bool, len(received))
	for _, u := range received {
		seen[u.FromNode] = true
	}

	sent := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for sender := range seen {
		addr, ok := e.resolver.AddressOf(sender)
		if !ok {
			continue
		}
		for e.broadcastsSeen[sender] >= CreditsPerMessage {
			if err := e.sender.Send(addr, nil); err != nil {
				break
			}
			e.broadcastsSeen[sender] -= CreditsPerMessage
			e.creditTx++
			e.stats.CreditsSent++
			e.metrics.IncCreditReturn(sender)
			sent++
		}
	}
	return sent
}

// Stats returns a snapshot of this engine's counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Credits returns the current credit balance for peer, for tests and
// diagnostics.
func (e *Engine) Credits(peer uint8) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.credits[peer]
}
