// Package metrics is the Prometheus-or-noop sink every worker-facing
// package in mica-node depends on, following the same shape as
// arena-cache's pkg/metrics.go: a small internal-style interface with a
// zero-cost noop implementation so the hot path never pays for metrics it
// wasn't configured to collect, and a Prometheus implementation that is
// only wired in when a caller supplies a *prometheus.Registry.
//
// Where arena-cache labeled everything by shard, mica-node labels by the
// dimensions the data plane actually tracks: worker id, peer node id, and
// opcode — covering CacheIndex hit/miss, KVStore batch ops, Forwarder
// traffic, and the CoherenceEngine's per-peer credit bookkeeping.
//
// © 2025 mica-node authors. MIT License.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the metrics surface every component in this module programs
// against. Pass Noop{} to disable collection entirely.
type Sink interface {
	IncHit()
	IncMiss()
	IncStoreOp(opcode string)
	IncForward(targetNode uint8)
	IncForwardServed(originatorNode uint8)
	IncBroadcast(peer uint8, n int)
	IncCoherenceUpdate(peer uint8, n int)
	IncCreditReturn(peer uint8)
	SetCredits(peer uint8, value int)
	ObserveBatchSize(workerID uint8, n int)
}

// Noop discards every observation. It is the default Sink when a caller
// does not supply a *prometheus.Registry.
type Noop struct{}

func (Noop) IncHit()                              {}
func (Noop) IncMiss()                             {}
func (Noop) IncStoreOp(string)                    {}
func (Noop) IncForward(uint8)                     {}
func (Noop) IncForwardServed(uint8)                {}
func (Noop) IncBroadcast(uint8, int)              {}
func (Noop) IncCoherenceUpdate(uint8, int)        {}
func (Noop) IncCreditReturn(uint8)                {}
func (Noop) SetCredits(uint8, int)                {}
func (Noop) ObserveBatchSize(uint8, int)          {}

// Prom is the Prometheus-backed Sink, registered under the "mica" namespace.
type Prom struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	storeOps  *prometheus.CounterVec
	forwards  *prometheus.CounterVec
	served    *prometheus.CounterVec
	bcasts    *prometheus.CounterVec
	updates   *prometheus.CounterVec
	credits   *prometheus.GaugeVec
	creditRet *prometheus.CounterVec
	batchSize *prometheus.HistogramVec
}

// NewProm builds a Prom sink and registers its collectors on reg.
func NewProm(reg *prometheus.Registry) *Prom {
	p := &Prom{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mica", Name: "cache_hits_total", Help: "CacheIndex GET hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mica", Name: "cache_misses_total", Help: "CacheIndex GET misses.",
		}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mica", Name: "store_ops_total", Help: "KVStore operations by opcode.",
		}, []string{"opcode"}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mica", Name: "forwards_total", Help: "Requests forwarded to a remote owner, by target node.",
		}, []string{"target_node"}),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mica", Name: "forward_served_total", Help: "Forwarded requests executed locally, by originator node.",
		}, []string{"originator_node"}),
		bcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mica", Name: "coherence_broadcasts_total", Help: "UPDATE messages broadcast, by destination peer.",
		}, []string{"peer"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mica", Name: "coherence_updates_applied_total", Help: "UPDATE messages received and applied, by source peer.",
		}, []string{"peer"}),
		credits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mica", Name: "coherence_credits", Help: "Remaining broadcast credits, by peer.",
		}, []string{"peer"}),
		creditRet: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mica", Name: "coherence_credit_returns_total", Help: "Credit-return messages sent, by peer.",
		}, []string{"peer"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mica", Name: "worker_batch_size", Help: "Client requests drained per worker loop iteration.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}, []string{"worker"}),
	}
	reg.MustRegister(p.hits, p.misses, p.storeOps, p.forwards, p.served,
		p.bcasts, p.updates, p.credits, p.creditRet, p.batchSize)
	return p
}

func peerLabel(id uint8) string { return strconv.Itoa(int(id)) }

func (p *Prom) IncHit()  { p.hits.Inc() }
func (p *Prom) IncMiss() { p.misses.Inc() }

func (p *Prom) IncStoreOp(opcode string) { p.storeOps.WithLabelValues(opcode).Inc() }

func (p *Prom) IncForward(targetNode uint8) {
	p.forwards.WithLabelValues(peerLabel(targetNode)).Inc()
}

func (p *Prom) IncForwardServed(originatorNode uint8) {
	p.served.WithLabelValues(peerLabel(originatorNode)).Inc()
}

func (p *Prom) IncBroadcast(peer uint8, n int) {
	p.bcasts.WithLabelValues(peerLabel(peer)).Add(float64(n))
}

func (p *Prom) IncCoherenceUpdate(peer uint8, n int) {
	p.updates.WithLabelValues(peerLabel(peer)).Add(float64(n))
}

func (p *Prom) IncCreditReturn(peer uint8) {
	p.creditRet.WithLabelValues(peerLabel(peer)).Inc()
}

func (p *Prom) SetCredits(peer uint8, value int) {
	p.credits.WithLabelValues(peerLabel(peer)).Set(float64(value))
}

func (p *Prom) ObserveBatchSize(workerID uint8, n int) {
	p.batchSize.WithLabelValues(strconv.Itoa(int(workerID))).Observe(float64(n))
}
