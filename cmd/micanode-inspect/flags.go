package main

// flags.go keeps parseFlags and options split out from main.go, matching
// how cmd/micanode separates its own flag parsing.
//
// © 2025 mica-node authors. MIT License.

import (
	"flag"
	"time"
)

var version = "dev"

type options struct {
	target           string
	json             bool
	watch            bool
	interval         time.Duration
	heapProfile      string
	goroutineProfile string
	version          bool
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.target, "target", "http://localhost:9090", "micanode admin base URL")
	flag.BoolVar(&opts.json, "json", false, "emit JSON instead of a pretty table")
	flag.BoolVar(&opts.watch, "watch", false, "poll repeatedly instead of a single snapshot")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval in watch mode")
	flag.StringVar(&opts.heapProfile, "heap-profile", "", "download a heap profile to this path and exit")
	flag.StringVar(&opts.goroutineProfile, "goroutine-profile", "", "download a goroutine profile to this path and exit")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()
	return opts
}
