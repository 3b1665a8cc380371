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

// Package mutation defines the immutable record type that flows through the
// checkpoint manager and the active/passive streams: a single write (or meta
// marker) tagged with the partition-scoped sequence number that orders it.
package mutation

import (
	"fmt"
	"time"
)

// Op identifies the kind of a Mutation.
type Op uint8

const (
	// Set is a key/value write.
	Set Op = iota
	// Delete removes a key; Value is absent.
	Delete
	// Expire is a TTL-driven removal; Value is absent.
	Expire
	// SnapshotStart is a meta item opening a new checkpoint's visible range.
	SnapshotStart
	// SnapshotEnd is a meta item closing a checkpoint.
	SnapshotEnd
	// Dummy is a meta item emitted immediately before SnapshotStart when a
	// checkpoint opens; it exists purely to consume a seqno so the first
	// real item in a checkpoint never collides with the boundary markers.
	Dummy
)

func (o Op) String() string {
	switch o {
	case Set:
		return "Set"
	case Delete:
		return "Delete"
	case Expire:
		return "Expire"
	case SnapshotStart:
		return "SnapshotStart"
	case SnapshotEnd:
		return "SnapshotEnd"
	case Dummy:
		return "Dummy"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// IsMeta reports whether the op is a checkpoint boundary marker rather than a
// data mutation. Meta items consume a seqno but are never deduplicated and
// are not counted as "live" entries for a key.
func (o Op) IsMeta() bool {
	switch o {
	case SnapshotStart, SnapshotEnd, Dummy:
		return true
	default:
		return false
	}
}

// Mutation is an immutable record of one write (or meta marker) within a
// partition's mutation history. Two Mutations are never equal by identity;
// BySeqno is the only total order.
type Mutation struct {
	Key         []byte
	Value       []byte // absent (nil) for Delete, Expire, and meta ops
	Op          Op
	BySeqno     int64  // monotone, unique within PartitionID across the manager's lifetime
	RevSeqno    uint64 // opaque conflict-resolution counter, carried not interpreted
	PartitionID uint16
	QueuedTime  time.Time
}

// PersistAgain wraps a Mutation to mark it for re-flushing (§4.1). The
// checkpoint manager does not hand these out: on PERSIST_AGAIN it shifts the
// persistence cursor back one step, so its next NextItem returns the new
// value, and counts the event in the persist_again metric.
type PersistAgain struct {
	Mutation
}

func (m Mutation) String() string {
	return fmt.Sprintf("%s(seq=%d key=%q rev=%d vb=%d)", m.Op, m.BySeqno, m.Key, m.RevSeqno, m.PartitionID)
}

// IsMeta reports whether m is a checkpoint boundary marker.
func (m Mutation) IsMeta() bool { return m.Op.IsMeta() }
