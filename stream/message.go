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

// Package stream implements the consumer-facing half of the core: the
// Active Stream state machine that drains a cursor (optionally behind a
// disk backfill) into a framed message sequence, and the Passive Stream
// that applies an inbound sequence to a local partition. See SPEC_FULL.md
// §4.3-§4.4.
package stream

import "github.com/kvreplica/vbstream/mutation"

// MarkerFlag distinguishes a historical (disk) snapshot from a live
// (in-memory) one; consumers use it to decide whether a marker's range can
// be trusted to already be durable.
type MarkerFlag uint8

const (
	// Disk markers bracket items replayed from the external store during backfill.
	Disk MarkerFlag = iota
	// Memory markers bracket items drained live from a checkpoint manager cursor.
	Memory
)

func (f MarkerFlag) String() string {
	if f == Disk {
		return "Disk"
	}
	return "Memory"
}

// EndReason classifies why a stream emitted StreamEnd.
type EndReason uint8

const (
	EndOK EndReason = iota
	EndClosed
	EndStateChanged
	EndDisconnected
	EndBackfillFailed
)

func (r EndReason) String() string {
	switch r {
	case EndOK:
		return "OK"
	case EndClosed:
		return "Closed"
	case EndStateChanged:
		return "StateChanged"
	case EndDisconnected:
		return "Disconnected"
	case EndBackfillFailed:
		return "BackfillFailed"
	default:
		return "Unknown"
	}
}

// VBucketState is the partition-ownership state conveyed by SetVBucketState
// and used by takeover handoff.
type VBucketState uint8

const (
	StateActive VBucketState = iota
	StateReplica
	StateVBucketDead
)

// Message is the sum type yielded by ActiveStream.Next and consumed by
// PassiveStream.Apply. Exactly one of the typed fields is meaningful,
// selected by Kind.
type Message struct {
	Kind Kind

	Opaque      uint64
	PartitionID uint16

	// SnapshotMarker fields.
	MarkerStart int64
	MarkerEnd   int64
	MarkerFlag  MarkerFlag

	// Mutation / Deletion / Expiration fields.
	Mutation mutation.Mutation

	// SetVBucketState field.
	State VBucketState

	// StreamEnd field.
	EndReason EndReason
}

// Kind tags which variant a Message carries.
type Kind uint8

const (
	KindNone Kind = iota
	KindSnapshotMarker
	KindMutation
	KindDeletion
	KindExpiration
	KindSetVBucketState
	KindStreamEnd
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindSnapshotMarker:
		return "SnapshotMarker"
	case KindMutation:
		return "Mutation"
	case KindDeletion:
		return "Deletion"
	case KindExpiration:
		return "Expiration"
	case KindSetVBucketState:
		return "SetVBucketState"
	case KindStreamEnd:
		return "StreamEnd"
	default:
		return "Unknown"
	}
}

func marker(partitionID uint16, start, end int64, flag MarkerFlag) Message {
	return Message{Kind: KindSnapshotMarker, PartitionID: partitionID, MarkerStart: start, MarkerEnd: end, MarkerFlag: flag}
}

func fromMutation(partitionID uint16, m mutation.Mutation) Message {
	kind := KindMutation
	switch m.Op {
	case mutation.Delete:
		kind = KindDeletion
	case mutation.Expire:
		kind = KindExpiration
	}
	return Message{Kind: kind, PartitionID: partitionID, Mutation: m}
}

func setVBucketState(partitionID uint16, state VBucketState) Message {
	return Message{Kind: KindSetVBucketState, PartitionID: partitionID, State: state}
}

func streamEnd(partitionID uint16, reason EndReason) Message {
	return Message{Kind: KindStreamEnd, PartitionID: partitionID, EndReason: reason}
}
