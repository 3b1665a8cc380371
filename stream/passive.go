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

package stream

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/kvreplica/vbstream/mutation"
	"github.com/kvreplica/vbstream/vberr"
)

// LocalStore is the subset of the external store the Passive Stream applies
// inbound mutations to; distinct from Store (which is read-only, used by
// ActiveStream's backfill path).
type LocalStore interface {
	Apply(m mutation.Mutation) error
}

// LocalManager is the slice of *checkpoint.Manager the Passive Stream needs
// to keep the local checkpoint list honest as markers arrive.
type LocalManager interface {
	Queue(m mutation.Mutation, genSeqno bool) bool
	CreateNewCheckpoint(force bool) uint64
	CheckAndAdd(id uint64)
}

// PassiveStream ingests an inbound message sequence (from a remote Active
// Stream) and applies it to a local partition (§4.4).
type PassiveStream struct {
	mu sync.Mutex

	partitionID uint16
	store       LocalStore
	manager     LocalManager

	lastSeqno     int64
	backfillPhase bool
	openCheckpoint uint64
}

// NewPassiveStream constructs a PassiveStream over a local partition.
func NewPassiveStream(partitionID uint16, store LocalStore, manager LocalManager) *PassiveStream {
	return &PassiveStream{partitionID: partitionID, store: store, manager: manager}
}

// LastSeqno reports the highest by_seqno accepted so far.
func (p *PassiveStream) LastSeqno() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeqno
}

// Apply processes one inbound message, enforcing monotonicity on mutations
// and adjusting the local checkpoint manager on markers (§4.4).
func (p *PassiveStream) Apply(msg Message) error {
	switch msg.Kind {
	case KindSnapshotMarker:
		return p.applyMarker(msg)
	case KindMutation, KindDeletion, KindExpiration:
		return p.applyMutation(msg)
	case KindSetVBucketState, KindStreamEnd, KindNone:
		return nil
	default:
		vberr.StateInvalid("passive stream vb %d: unknown message kind %d", p.partitionID, msg.Kind)
		return nil
	}
}

func (p *PassiveStream) applyMarker(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.MarkerFlag == Disk && p.lastSeqno == 0 {
		p.backfillPhase = true
		p.openCheckpoint = 0
		p.manager.CheckAndAdd(0)
		return nil
	}

	p.backfillPhase = false
	p.openCheckpoint++
	p.manager.CheckAndAdd(p.openCheckpoint)
	return nil
}

func (p *PassiveStream) applyMutation(msg Message) error {
	p.mu.Lock()
	m := msg.Mutation
	if m.BySeqno <= p.lastSeqno {
		p.mu.Unlock()
		err := &vberr.OutOfRangeError{Got: m.BySeqno, Expected: p.lastSeqno + 1}
		outOfRangeDroppedTotal.Inc(1)
		log.Warn("vbstream: passive stream dropped out-of-range mutation", "vb", p.partitionID, "err", err)
		return err
	}
	p.lastSeqno = m.BySeqno
	p.mu.Unlock()

	if err := p.store.Apply(m); err != nil {
		log.Error("vbstream: passive stream store apply failed, acking anyway", "vb", p.partitionID, "seq", m.BySeqno, "err", err)
		return nil
	}
	p.manager.Queue(m, false)
	return nil
}
