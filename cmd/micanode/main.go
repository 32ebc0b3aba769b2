package main

// main.go is micanode's process entrypoint: a single binary that runs one
// node of a mica-node deployment, the direct descendant of
// examples/basic/main.go's "embed the library in a real process" role, but
// serving the UDP data plane instead of an HTTP demo.
//
// It still exposes a small HTTP surface — /metrics and net/http/pprof —
// for the same operational reasons examples/basic and
// cmd/arena-cache-inspect do: Prometheus scraping and heap/goroutine
// profiling in production, without turning the data plane itself into an
// HTTP service.
//
// © 2025 mica-node authors. MIT License.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Voskan/mica-node/internal/bootstrap"
	"github.com/Voskan/mica-node/internal/wire"
	"github.com/Voskan/mica-node/pkg/kvnode"
)

func main() {
	opts, err := parseFlags()
	if err != nil {
		fatal(err)
	}
	if opts.version {
		fmt.Println(version)
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fatal(fmt.Errorf("build logger: %w", err))
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()

	node, err := kvnode.New(uint8(opts.node), uint8(opts.nodeCount),
		kvnode.WithWorkerCount(opts.workers),
		kvnode.WithMaxBatch(opts.maxBatch),
		kvnode.WithBucketCount(bucketCount(opts.bucketLog2)),
		kvnode.WithLogCapacity(opts.logCap),
		kvnode.WithListenAddrs(opts.peerListenAddr, opts.clientListenAddr),
		kvnode.WithMetrics(reg),
		kvnode.WithLogger(logger),
	)
	if err != nil {
		fatal(fmt.Errorf("assemble node: %w", err))
	}
	defer node.Close()

	for _, p := range opts.peers {
		node.Registry().Publish(bootstrap.PeerInfo{
			Node:       p.node,
			PeerAddr:   wire.Address(p.peerAddr),
			ClientAddr: wire.Address(p.clientAddr),
		})
	}

	logger.Info("micanode starting",
		zap.Int("node", opts.node), zap.Int("nodes", opts.nodeCount),
		zap.Int("workers", opts.workers),
		zap.String("peer_addr", node.PeerAddr()), zap.String("client_addr", node.ClientAddr()))

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/mica/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snap := map[string]any{
			"node":        node.LocalNode(),
			"client_addr": node.ClientAddr(),
			"peer_addr":   node.PeerAddr(),
		}
		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/pprof/", http.DefaultServeMux) // net/http/pprof registers there
	httpSrv := &http.Server{Addr: opts.metricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("micanode shutting down")
		cancel()
	}()

	if err := node.Run(ctx); err != nil {
		logger.Error("node run exited with error", zap.Error(err))
		_ = httpSrv.Close()
		os.Exit(1)
	}
	_ = httpSrv.Close()
}
