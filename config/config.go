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

// Package config holds the runtime-tunable options enumerated in §6 of the
// design and a TOML loader for them, in the same flat-struct-plus-loader
// shape the teacher's cmd/ubtconv/config.go uses.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/naoina/toml"
)

// Checkpoint holds the Checkpoint Manager's tunables. checkpoint.New keeps
// its own copy and reads that copy on every queue() call; changing a
// Checkpoint value afterwards does not affect an existing manager.
type Checkpoint struct {
	// PeriodSeconds is the time-based rotation threshold, in [1, 3600].
	PeriodSeconds uint32 `toml:"checkpoint_period_s"`
	// MaxItems is the size-based rotation threshold, in [10, 50000].
	MaxItems uint32 `toml:"checkpoint_max_items"`
	// MaxCheckpoints is the target number of snapshots to retain, in [1, 5].
	MaxCheckpoints uint32 `toml:"max_checkpoints"`
	// ItemCountRotation enables rotation by MaxItems.
	ItemCountRotation bool `toml:"item_count_rotation"`
	// KeepClosedCheckpoints, if true, defers GC of closed snapshots until
	// memory pressure rather than as soon as they're unreferenced.
	KeepClosedCheckpoints bool `toml:"keep_closed_checkpoints"`
	// EnableCheckpointMerge turns on collapse_checkpoints (§4.2).
	EnableCheckpointMerge bool `toml:"enable_checkpoint_merge"`
}

// DefaultCheckpoint returns the §6 defaults.
func DefaultCheckpoint() Checkpoint {
	return Checkpoint{
		PeriodSeconds:         5,
		MaxItems:              500,
		MaxCheckpoints:        2,
		ItemCountRotation:     true,
		KeepClosedCheckpoints: false,
		EnableCheckpointMerge: false,
	}
}

// Period returns PeriodSeconds as a time.Duration.
func (c Checkpoint) Period() time.Duration {
	return time.Duration(c.PeriodSeconds) * time.Second
}

// Validate enforces the §6 bounds.
func (c Checkpoint) Validate() error {
	if c.PeriodSeconds < 1 || c.PeriodSeconds > 3600 {
		return fmt.Errorf("config: checkpoint_period_s %d out of range [1,3600]", c.PeriodSeconds)
	}
	if c.MaxItems < 10 || c.MaxItems > 50000 {
		return fmt.Errorf("config: checkpoint_max_items %d out of range [10,50000]", c.MaxItems)
	}
	if c.MaxCheckpoints < 1 || c.MaxCheckpoints > 5 {
		return fmt.Errorf("config: max_checkpoints %d out of range [1,5]", c.MaxCheckpoints)
	}
	return nil
}

// Load reads a Checkpoint config from a TOML file at path, applying §6
// defaults for any field the file omits, then validating the result.
func Load(path string) (Checkpoint, error) {
	cfg := DefaultCheckpoint()
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Checkpoint{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Checkpoint{}, err
	}
	return cfg, nil
}
