package main

// flags.go parses micanode's command-line surface: which node this process
// is, how many nodes and workers the deployment has, where to bind, and the
// static peer table every node needs before its first iteration.
//
// © 2025 mica-node authors. MIT License.

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type peerSpec struct {
	node       uint8
	peerAddr   string
	clientAddr string
}

type options struct {
	node       int
	nodeCount  int
	workers    int
	bucketLog2 int
	logCap     int
	maxBatch   int

	peerListenAddr   string
	clientListenAddr string
	metricsAddr      string

	peers []peerSpec

	version bool
}

var version = "dev"

func parseFlags() (*options, error) {
	opts := &options{}

	flag.IntVar(&opts.node, "node", 0, "this node's id (0-based)")
	flag.IntVar(&opts.nodeCount, "nodes", 1, "total number of nodes in the deployment")
	flag.IntVar(&opts.workers, "workers", 4, "worker goroutines on this node")
	flag.IntVar(&opts.bucketLog2, "bucket-log2", 16, "log2 of CacheIndex bucket count")
	flag.IntVar(&opts.logCap, "log-capacity", 1<<20, "CacheIndex circular log capacity, in records")
	flag.IntVar(&opts.maxBatch, "max-batch", 32, "per-iteration worker batch size bound")
	flag.StringVar(&opts.peerListenAddr, "peer-addr", "0.0.0.0:7000", "UDP address for inter-node traffic")
	flag.StringVar(&opts.clientListenAddr, "client-addr", "0.0.0.0:7001", "UDP address for client traffic")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "HTTP address serving /metrics and /debug/pprof")
	peersFlag := flag.String("peers", "", "comma-separated peer table, each entry node=peerAddr|clientAddr")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()

	if *peersFlag != "" {
		peers, err := parsePeers(*peersFlag)
		if err != nil {
			return nil, err
		}
		opts.peers = peers
	}

	return opts, nil
}

func parsePeers(spec string) ([]peerSpec, error) {
	var out []peerSpec
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		eq := strings.SplitN(entry, "=", 2)
		if len(eq) != 2 {
			return nil, fmt.Errorf("peers: malformed entry %q, want node=peerAddr|clientAddr", entry)
		}
		node, err := strconv.Atoi(eq[0])
		if err != nil || node < 0 || node > 255 {
			return nil, fmt.Errorf("peers: invalid node id in %q", entry)
		}
		addrs := strings.SplitN(eq[1], "|", 2)
		if len(addrs) != 2 {
			return nil, fmt.Errorf("peers: malformed addresses in %q, want peerAddr|clientAddr", entry)
		}
		out = append(out, peerSpec{node: uint8(node), peerAddr: addrs[0], clientAddr: addrs[1]})
	}
	return out, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "micanode:", err)
	os.Exit(1)
}

func bucketCount(log2 int) int {
	if log2 < 0 {
		log2 = 0
	}
	n := 1
	for i := 0; i < log2; i++ {
		n <<= 1
	}
	return n
}
