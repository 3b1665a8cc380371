// Copyright 2026 The Authors
// This file is part of the vbstream library.
//
// vbstream is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// vbstream is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.

// vbstreamd hosts a checkpoint manager and active/passive stream endpoints
// for a configurable number of partitions.
package main

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var (
	app = &cli.App{
		Name:  "vbstreamd",
		Usage: "in-memory mutation log and replication stream daemon",
	}

	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "data directory for the on-disk backfill store",
		Value: "./vbstreamd-data",
	}
	partitionsFlag = &cli.UintFlag{
		Name:  "partitions",
		Usage: "number of partitions (vbuckets) to host",
		Value: 1024,
	}
	hashCacheBytesFlag = &cli.IntFlag{
		Name:  "hashcache-bytes",
		Usage: "approximate byte capacity of the resident-item hash cache",
		Value: 64 << 20,
	}
	backfillConcurrencyFlag = &cli.IntFlag{
		Name:  "backfill-concurrency",
		Usage: "maximum number of concurrent disk backfills",
		Value: 4,
	}
	checkpointConfigFlag = &cli.StringFlag{
		Name:  "checkpoint-config",
		Usage: "path to a checkpoint manager TOML config file (defaults built in if unset)",
	}
	pprofEnabledFlag = &cli.BoolFlag{
		Name:  "pprof-enabled",
		Usage: "enable pprof HTTP server for CPU/heap profiling",
		Value: false,
	}
	pprofListenAddrFlag = &cli.StringFlag{
		Name:  "pprof-listen-addr",
		Usage: "listen address for pprof HTTP server",
		Value: "127.0.0.1:6061",
	}
)

func init() {
	app.Action = runDaemon
	app.Flags = []cli.Flag{
		dataDirFlag,
		partitionsFlag,
		hashCacheBytesFlag,
		backfillConcurrencyFlag,
		checkpointConfigFlag,
		pprofEnabledFlag,
		pprofListenAddrFlag,
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(ctx *cli.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	cfg := &DaemonConfig{
		DataDir:             ctx.String(dataDirFlag.Name),
		Partitions:          uint16(ctx.Uint(partitionsFlag.Name)),
		HashCacheBytes:      ctx.Int(hashCacheBytesFlag.Name),
		BackfillConcurrency: ctx.Int(backfillConcurrencyFlag.Name),
		CheckpointConfig:    ctx.String(checkpointConfigFlag.Name),
		PprofEnabled:        ctx.Bool(pprofEnabledFlag.Name),
		PprofListenAddr:     ctx.String(pprofListenAddrFlag.Name),
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	runner, err := NewRunner(cfg)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	if cfg.PprofEnabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		go func() {
			if err := http.ListenAndServe(cfg.PprofListenAddr, mux); err != nil {
				log.Warn("vbstreamd pprof server exited", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := runner.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	log.Info("vbstreamd started", "datadir", cfg.DataDir, "partitions", cfg.Partitions)

	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)

	return runner.Stop()
}
