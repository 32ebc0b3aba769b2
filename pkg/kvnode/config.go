// Package kvnode is mica-node's public surface: Node assembles one node's
// workers, CacheIndex, KVStore partitions, shard router, forwarder and
// coherence engine from a Config built with functional options, the same
// shape arena-cache's pkg/config.go uses for its Cache — a hidden config
// struct, Option values that only capture what they need, and a
// default-then-apply-then-validate construction sequence.
//
// © 2025 mica-node authors. MIT License.
package kvnode

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures a Node at construction time.
type Option func(*config)

type config struct {
	workerCount int
	maxBatch    int
	bucketCount int
	logCapacity int

	peerListenAddr   string
	clientListenAddr string

	registry *prometheus.Registry
	logger   *zap.Logger
}

func defaultConfig() *config {
	return &config{
		workerCount:      1,
		maxBatch:         32,
		bucketCount:      1024,
		logCapacity:      1 << 16,
		peerListenAddr:   "127.0.0.1:0",
		clientListenAddr: "127.0.0.1:0",
		logger:           zap.NewNop(),
	}
}

// WithWorkerCount sets W, the number of worker goroutines this node runs —
// one per logical shard slice.
func WithWorkerCount(w int) Option {
	return func(c *config) { c.workerCount = w }
}

// WithMaxBatch overrides B, the per-iteration batch size bound
// (WORKER_MAX_BATCH in the original).
func WithMaxBatch(b int) Option {
	return func(c *config) { c.maxBatch = b }
}

// WithBucketCount sets the bucket array size of the node's single
// CacheIndex, which all of its workers share. Must be a power of two.
func WithBucketCount(n int) Option {
	return func(c *config) { c.bucketCount = n }
}

// WithLogCapacity sets L, the circular log capacity (in records) of the
// node's single, shared CacheIndex.
func WithLogCapacity(n int) Option {
	return func(c *config) { c.logCapacity = n }
}

// WithListenAddrs sets the UDP addresses this node binds for inter-node
// traffic and client traffic respectively.
func WithListenAddrs(peerAddr, clientAddr string) Option {
	return func(c *config) { c.peerListenAddr = peerAddr; c.clientListenAddr = clientAddr }
}

// WithMetrics enables Prometheus metrics collection, registered on reg.
// Passing nil disables metrics (the default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithLogger plugs an external zap.Logger. The node hands it to its
// transport, which logs socket read failures, malformed datagrams and
// client requests dropped because the remote queue is full. The worker
// loop, the forwarder and the coherence engine do not log: send failures
// and credit stalls are not logged.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func applyOptions(cfg *config, opts []Option) error {
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.workerCount <= 0 {
		return errInvalidWorkerCount
	}
	if cfg.maxBatch <= 0 {
		return errInvalidMaxBatch
	}
	if cfg.bucketCount <= 0 || cfg.bucketCount&(cfg.bucketCount-1) != 0 {
		return errInvalidBucketCount
	}
	if cfg.logCapacity <= 0 {
		return errInvalidLogCapacity
	}
	return nil
}

var (
	errInvalidWorkerCount = errors.New("kvnode: worker count must be > 0")
	errInvalidMaxBatch    = errors.New("kvnode: max batch must be > 0")
	errInvalidBucketCount = errors.New("kvnode: bucket count must be a power of two and > 0")
	errInvalidLogCapacity = errors.New("kvnode: log capacity must be > 0")
)
