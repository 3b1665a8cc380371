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

package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/kvreplica/vbstream/backfill"
	"github.com/kvreplica/vbstream/checkpoint"
	"github.com/kvreplica/vbstream/storeref/diskstore"
	"github.com/kvreplica/vbstream/storeref/hashcache"
	"github.com/kvreplica/vbstream/stream"
)

// gcInterval is how often the runner sweeps every partition's checkpoint
// manager for reclaimable/collapsible snapshots, mirroring the teacher
// daemon's compactionInterval ticker.
const gcInterval = 30 * time.Second

// partition bundles one vbucket's checkpoint manager with the streaming
// context its active/passive streams are built against.
type partition struct {
	id      uint16
	manager *checkpoint.Manager
	ctx     *stream.Context
}

// Runner owns one checkpoint manager and streaming context per partition,
// plus the shared disk store, hash cache and backfill pool they run against.
// It mirrors the teacher daemon's Runner lifecycle (NewRunner/Start/Stop)
// applied to this library's domain instead of outbox consumption.
type Runner struct {
	cfg *DaemonConfig

	store     *diskstore.Store
	hashTable *hashcache.Table
	pool      *backfill.Pool

	mu         sync.Mutex
	running    bool
	partitions map[uint16]*partition

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunner opens the daemon's disk store and hash cache and builds one
// checkpoint manager per configured partition.
func NewRunner(cfg *DaemonConfig) (*Runner, error) {
	store, err := diskstore.Open(filepath.Join(cfg.DataDir, "vbstream"))
	if err != nil {
		return nil, fmt.Errorf("opening disk store: %w", err)
	}

	r := &Runner{
		cfg:        cfg,
		store:      store,
		hashTable:  hashcache.New(cfg.HashCacheBytes),
		pool:       backfill.NewPool(int64(cfg.BackfillConcurrency)),
		partitions: make(map[uint16]*partition, cfg.Partitions),
	}
	for id := uint16(0); id < cfg.Partitions; id++ {
		mgr := checkpoint.New(id, cfg.checkpoint)
		r.partitions[id] = &partition{
			id:      id,
			manager: mgr,
			ctx: &stream.Context{
				Manager:   mgr,
				Store:     store,
				HashTable: r.hashTable,
				Scheduler: r.pool,
			},
		}
	}
	return r, nil
}

// Partition returns the checkpoint manager and streaming context for id, or
// nil if id is out of the configured range.
func (r *Runner) Partition(id uint16) (*checkpoint.Manager, *stream.Context) {
	p, ok := r.partitions[id]
	if !ok {
		return nil, nil
	}
	return p.manager, p.ctx
}

// Start brings the daemon up and launches the background GC loop that
// reclaims and collapses closed checkpoints on every partition.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.gcLoop()
	log.Info("vbstreamd runner started", "partitions", r.cfg.Partitions, "datadir", r.cfg.DataDir)
	return nil
}

// gcLoop periodically reclaims and collapses closed checkpoints on every
// partition, applying the checkpoint config's KeepClosedCheckpoints/
// MaxCheckpoints/EnableCheckpointMerge knobs via Manager.Reclaim.
func (r *Runner) gcLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.mu.Lock()
			partitions := make([]*partition, 0, len(r.partitions))
			for _, p := range r.partitions {
				partitions = append(partitions, p)
			}
			r.mu.Unlock()

			for _, p := range partitions {
				p.manager.Reclaim()
			}
		}
	}
}

// Stop drains the backfill pool, stops the GC loop, and closes every
// manager and the disk store.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()

	r.pool.Close()
	r.pool.Wait()

	for _, p := range r.partitions {
		p.manager.Close()
	}
	return r.store.Close()
}
