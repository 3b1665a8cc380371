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

	"github.com/kvreplica/vbstream/config"
)

// DaemonConfig holds the vbstreamd process configuration: where its
// partitions persist to disk, how much memory their hash tables get, and how
// many concurrent backfills they may run.
type DaemonConfig struct {
	DataDir             string
	Partitions          uint16
	HashCacheBytes      int
	BackfillConcurrency int
	CheckpointConfig    string // path to a config.Checkpoint toml file; "" uses defaults
	PprofEnabled        bool
	PprofListenAddr     string

	checkpoint config.Checkpoint
}

// Validate checks the daemon configuration and loads the checkpoint config
// file, if one was given.
func (c *DaemonConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("datadir is required")
	}
	if c.Partitions == 0 {
		return fmt.Errorf("partitions must be > 0")
	}
	if c.BackfillConcurrency <= 0 {
		return fmt.Errorf("backfill-concurrency must be > 0")
	}

	if c.CheckpointConfig == "" {
		c.checkpoint = config.DefaultCheckpoint()
	} else {
		cfg, err := config.Load(c.CheckpointConfig)
		if err != nil {
			return fmt.Errorf("loading checkpoint config: %w", err)
		}
		c.checkpoint = cfg
	}
	return c.checkpoint.Validate()
}
