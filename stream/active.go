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
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/kvreplica/vbstream/mutation"
	"github.com/kvreplica/vbstream/vberr"
)

// State is a stage of the Active Stream state machine (§4.3).
type State uint8

const (
	StatePending State = iota
	StateBackfilling
	StateInMemory
	StateTakeoverSend
	StateTakeoverWait
	StateDead
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBackfilling:
		return "backfilling"
	case StateInMemory:
		return "in-memory"
	case StateTakeoverSend:
		return "takeover-send"
	case StateTakeoverWait:
		return "takeover-wait"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// legalTransitions enumerates the diagram in §4.3; dead is reachable from
// every non-terminal state ("at any time"), and is itself terminal.
var legalTransitions = map[State]map[State]bool{
	StatePending:      {StateBackfilling: true, StateDead: true},
	StateBackfilling:  {StateInMemory: true, StateTakeoverSend: true, StateDead: true},
	StateInMemory:     {StateDead: true},
	StateTakeoverSend: {StateTakeoverWait: true, StateDead: true},
	StateTakeoverWait: {StateTakeoverSend: true, StateDead: true},
	StateDead:         {},
}

// Config parameterizes a new ActiveStream, mirroring the Stream attributes
// enumerated in §3.
type Config struct {
	Name          string
	Opaque        uint64
	PartitionID   uint16
	StartSeqno    int64
	EndSeqno      int64
	Takeover      bool
	DiskOnly      bool
	TakeoverState VBucketState
}

// ActiveStream drains a checkpoint manager cursor, optionally behind a disk
// backfill, into a framed message sequence for one consumer (§4.3).
type ActiveStream struct {
	mu sync.Mutex

	ctx *Context

	name          string
	opaque        uint64
	partitionID   uint16
	partitionUUID uuid.UUID
	cursorName    string

	startSeqno    int64
	endSeqno      int64
	takeover      bool
	diskOnly      bool
	takeoverState VBucketState

	state State

	lastReadSeqno int64
	lastSentSeqno int64
	curChkSeqno   int64
	takeoverSeqno int64
	takeoverAcks  int

	backfillRemaining int64
	backfillEnd       int64
	backfillDone      bool

	readyQueue      []Message
	readyQueueBytes int64

	// lastMarkedSnapshot is the id of the snapshot a Memory marker was most
	// recently emitted for; 0 (no real snapshot has that id) before the
	// first one.
	lastMarkedSnapshot uint64
	firstMarkerEmitted bool
}

// maxReadyQueueBytes is the soft flow-control ceiling on a stream's ready
// queue (§12 supplemented feature, modeled on the original's connection-level
// outstanding-bytes tracking): past this, ReadyQueueOverloaded reports true
// so a caller pumping Next() in a loop knows to pause and let the consumer
// drain before pulling more.
const maxReadyQueueBytes = 16 << 20

func messageByteSize(msg Message) int64 {
	return int64(len(msg.Mutation.Key) + len(msg.Mutation.Value))
}

func (s *ActiveStream) pushReady(msg Message) {
	s.readyQueue = append(s.readyQueue, msg)
	s.readyQueueBytes += messageByteSize(msg)
}

func (s *ActiveStream) popReady() Message {
	msg := s.readyQueue[0]
	s.readyQueue = s.readyQueue[1:]
	s.readyQueueBytes -= messageByteSize(msg)
	return msg
}

// ReadyQueueOverloaded reports whether the stream's buffered-but-undelivered
// messages exceed the flow-control ceiling.
func (s *ActiveStream) ReadyQueueOverloaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyQueueBytes > maxReadyQueueBytes
}

// New constructs an ActiveStream in the pending state; call Start to
// transition it into backfilling or in-memory.
func New(ctx *Context, cfg Config) *ActiveStream {
	return &ActiveStream{
		ctx:           ctx,
		name:          cfg.Name,
		opaque:        cfg.Opaque,
		partitionID:   cfg.PartitionID,
		partitionUUID: uuid.New(),
		cursorName:    fmt.Sprintf("stream:%s:%d", cfg.Name, cfg.PartitionID),
		startSeqno:    cfg.StartSeqno,
		endSeqno:      cfg.EndSeqno,
		takeover:      cfg.Takeover,
		diskOnly:      cfg.DiskOnly,
		takeoverState: cfg.TakeoverState,
		state:         StatePending,
		lastReadSeqno: cfg.StartSeqno - 1, // start_seqno is the first desired item, inclusive
		takeoverSeqno: cfg.EndSeqno,
	}
}

// State returns the stream's current state; intended for observability and tests.
func (s *ActiveStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PartitionUUID returns the stream's generated partition UUID.
func (s *ActiveStream) PartitionUUID() uuid.UUID { return s.partitionUUID }

func isDataKind(k Kind) bool {
	return k == KindMutation || k == KindDeletion || k == KindExpiration
}

// transitionLocked moves the state machine to to, aborting the process via
// vberr.StateInvalid if the transition isn't in legalTransitions. Caller holds s.mu.
func (s *ActiveStream) transitionLocked(to State) {
	if s.state == to {
		return
	}
	if !legalTransitions[s.state][to] {
		vberr.StateInvalid("active stream %s: illegal transition %s -> %s", s.name, s.state, to)
	}
	log.Debug("vbstream: stream state transition", "stream", s.name, "vb", s.partitionID, "from", s.state, "to", to)
	s.state = to
}

// Start registers the stream's cursor and decides whether backfill is
// needed, per §4.3 "Backfill sequencing".
func (s *ActiveStream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.diskOnly {
		// A disk-only stream never reads from the manager; it needs no
		// cursor, and its backfill bound is simply its own end_seqno.
		s.curChkSeqno = s.endSeqno
	} else {
		res, err := s.ctx.Manager.RegisterCursor(s.cursorName, s.lastReadSeqno, false)
		if err != nil {
			log.Warn("vbstream: stream cursor registration failed", "stream", s.name, "vb", s.partitionID, "err", err)
			s.pushReady(streamEnd(s.partitionID, EndBackfillFailed))
			s.transitionLocked(StateDead)
			return
		}
		// cur_chk_seqno marks where in-memory data begins: when registration
		// landed at the backfill boundary (nothing in memory as far back as
		// start_seqno), the boundary itself (earliest retained) is already
		// in memory, so disk only needs to cover up to one before it.
		if res.StartedAtSnapshotBoundary {
			s.curChkSeqno = res.ResolvedSeqno - 1
		} else {
			s.curChkSeqno = res.ResolvedSeqno
		}
	}

	backfillStart := s.lastReadSeqno + 1
	backfillEnd := s.endSeqno
	if !s.diskOnly && s.curChkSeqno < backfillEnd {
		backfillEnd = s.curChkSeqno
	}

	s.transitionLocked(StateBackfilling)
	if backfillStart < backfillEnd {
		s.backfillRemaining = backfillEnd - backfillStart + 1
		s.backfillEnd = backfillEnd
		if s.ctx.Scheduler != nil {
			// The scheduler may run the task synchronously, and the task's
			// callbacks take s.mu themselves, so release it meanwhile.
			s.mu.Unlock()
			s.scheduleBackfill(backfillStart, backfillEnd)
			s.mu.Lock()
		}
		return
	}

	s.backfillDone = true
	switch {
	case s.takeover:
		s.transitionLocked(StateTakeoverSend)
	case s.diskOnly:
		s.pushReady(streamEnd(s.partitionID, EndOK))
		s.transitionLocked(StateDead)
	default:
		s.transitionLocked(StateInMemory)
	}
}

// scheduleBackfill hands a disk-replay task to the BackfillScheduler. The
// caller does not hold the stream lock; the task calls back into
// BackfillReceived/CompleteBackfill, which acquire it.
func (s *ActiveStream) scheduleBackfill(start, end int64) {
	store := s.ctx.Store
	hashTable := s.ctx.HashTable
	partitionID := s.partitionID

	s.ctx.Scheduler.Schedule(func(alive func() bool) {
		err := store.Dump(context.Background(), partitionID, start,
			func(m mutation.Mutation) error {
				if !alive() {
					return errBackfillAborted
				}
				s.BackfillReceived(m)
				return nil
			},
			cacheLookupAdapter{hashTable},
			func(obsStart, obsEnd int64) {
				s.BackfillMarker(obsStart, obsEnd)
			},
		)
		if err != nil && err != errBackfillAborted {
			log.Warn("vbstream: backfill task failed", "stream", s.name, "vb", partitionID, "err", err)
			s.BackfillFailed()
			return
		}
		if err == errBackfillAborted {
			return
		}
		s.CompleteBackfill()
	})
}

type cacheLookupAdapter struct{ ht HashTable }

func (c cacheLookupAdapter) Lookup(key []byte) (bool, int64, []byte, bool) {
	if c.ht == nil {
		return false, 0, nil, false
	}
	return c.ht.Lookup(key)
}

var errBackfillAborted = fmt.Errorf("vbstream: backfill aborted, stream no longer alive")

// BackfillMarker queues the Disk SnapshotMarker a backfill task emits before
// its first item. end is clamped to backfill_end since the store only knows
// where its scan started, not where this stream needs it to stop.
func (s *ActiveStream) BackfillMarker(start, end int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBackfilling {
		return
	}
	if end > s.backfillEnd {
		end = s.backfillEnd
	}
	s.pushReady(marker(s.partitionID, start, end, Disk))
}

// BackfillReceived queues one historical item produced by the backfill task.
// A disk store only knows the range's start, not its end, so it may keep
// replaying past backfill_end; anything beyond it is dropped here since the
// manager cursor will deliver it once the stream switches to in-memory.
func (s *ActiveStream) BackfillReceived(m mutation.Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBackfilling {
		return
	}
	if m.BySeqno > s.backfillEnd {
		return
	}
	s.pushReady(fromMutation(s.partitionID, m))
	if s.backfillRemaining > 0 {
		s.backfillRemaining--
	}
}

// CompleteBackfill signals that the backfill task has delivered everything
// up to backfill_end; Next() will perform the post-backfill transition once
// the ready queue drains.
func (s *ActiveStream) CompleteBackfill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backfillDone = true
}

// BackfillFailed aborts the stream with StreamEnd(BackfillFailed).
func (s *ActiveStream) BackfillFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDead {
		return
	}
	backfillFailedTotal.Inc(1)
	s.pushReady(streamEnd(s.partitionID, EndBackfillFailed))
	s.transitionLocked(StateDead)
}

// Next drives the state machine forward by one step, returning the next
// message to deliver or Message{Kind: KindNone} if nothing is ready yet;
// per the design notes on implicit fall-through, a state transition that
// produces no message still returns None and expects the caller to call
// Next again.
func (s *ActiveStream) Next() Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msg Message
	switch s.state {
	case StatePending:
		msg = Message{Kind: KindNone}
	case StateBackfilling:
		msg = s.nextBackfillingLocked()
	case StateInMemory:
		msg = s.drainFromManagerLocked()
		s.maybeEndLocked(msg)
	case StateTakeoverSend:
		msg = s.drainFromManagerLocked()
		s.maybeTakeoverLocked(msg)
	case StateTakeoverWait:
		msg = s.drainQueueOnlyLocked()
	case StateDead:
		msg = s.drainQueueOnlyLocked()
	default:
		vberr.StateInvalid("active stream %s: next() called in unknown state %d", s.name, s.state)
	}

	if msg.Kind != KindNone {
		messagesEmittedTotal.Inc(1)
	}
	if msg.Kind == KindStreamEnd {
		streamEndTotal.Inc(1)
	}
	return msg
}

func (s *ActiveStream) drainQueueOnlyLocked() Message {
	if len(s.readyQueue) == 0 {
		return Message{Kind: KindNone}
	}
	msg := s.popReady()
	return msg
}

func (s *ActiveStream) nextBackfillingLocked() Message {
	if len(s.readyQueue) > 0 {
		msg := s.popReady()
		if isDataKind(msg.Kind) {
			s.lastReadSeqno = msg.Mutation.BySeqno
			s.lastSentSeqno = msg.Mutation.BySeqno
		}
		return msg
	}
	if !s.backfillDone {
		return Message{Kind: KindNone}
	}

	switch {
	case s.lastReadSeqno >= s.endSeqno:
		s.transitionLocked(StateDead)
		return streamEnd(s.partitionID, EndOK)
	case s.takeover:
		s.transitionLocked(StateTakeoverSend)
		return Message{Kind: KindNone}
	case s.diskOnly:
		s.transitionLocked(StateDead)
		return streamEnd(s.partitionID, EndOK)
	default:
		s.transitionLocked(StateInMemory)
		return Message{Kind: KindNone}
	}
}

// drainFromManagerLocked pulls from the ready queue first, then from the
// manager cursor; on crossing into a new snapshot it defers the pulled
// mutation behind a SnapshotMarker(Memory) so markers always precede their
// first mutation (§4.3 invariant: "every mutation is bracketed by exactly
// one preceding SnapshotMarker").
func (s *ActiveStream) drainFromManagerLocked() Message {
	if len(s.readyQueue) > 0 {
		msg := s.popReady()
		if isDataKind(msg.Kind) {
			s.lastSentSeqno = msg.Mutation.BySeqno
		}
		return msg
	}

	for {
		res, err := s.ctx.Manager.NextItem(s.cursorName)
		if err != nil {
			log.Warn("vbstream: stream cursor lost", "stream", s.name, "vb", s.partitionID, "err", err)
			s.transitionLocked(StateDead)
			return streamEnd(s.partitionID, EndDisconnected)
		}
		if !res.HasItem {
			return Message{Kind: KindNone}
		}

		m := res.Mutation
		if m.IsMeta() {
			continue
		}

		s.lastReadSeqno = m.BySeqno
		msg := fromMutation(s.partitionID, m)

		// A snapshot id unseen since the last emitted marker means this is
		// the first data item of a (possibly still-open) snapshot: emit its
		// Memory marker first and deliver the mutation on the next call. This
		// is derived from the cursor's current snapshot rather than from
		// Dummy/SnapshotStart meta items, since the manager's very first
		// snapshot is never rotated into and so never carries them.
		if res.SnapshotID != s.lastMarkedSnapshot {
			start := res.SnapStartSeqno
			if !s.firstMarkerEmitted && start < s.startSeqno {
				// This stream resumes mid-snapshot; narrow the first marker
				// to what will actually be delivered rather than the full
				// original snapshot range.
				start = s.startSeqno
			}
			end := res.SnapEndSeqno
			if end == 0 || end > s.endSeqno {
				end = s.endSeqno
			}
			mk := marker(s.partitionID, start, end, Memory)
			s.lastMarkedSnapshot = res.SnapshotID
			s.firstMarkerEmitted = true
			s.pushReady(msg)
			return mk
		}

		s.lastSentSeqno = m.BySeqno
		return msg
	}
}

func (s *ActiveStream) maybeEndLocked(msg Message) {
	if !isDataKind(msg.Kind) {
		return
	}
	if s.lastSentSeqno >= s.endSeqno {
		s.pushReady(streamEnd(s.partitionID, EndOK))
		s.transitionLocked(StateDead)
	}
}

func (s *ActiveStream) maybeTakeoverLocked(msg Message) {
	if msg.Kind == KindSetVBucketState {
		// The SetVBucketState(active) queued by the first ack has been
		// delivered; wait for its acknowledgement.
		s.transitionLocked(StateTakeoverWait)
		return
	}
	if !isDataKind(msg.Kind) {
		return
	}
	if s.lastSentSeqno >= s.takeoverSeqno {
		s.pushReady(setVBucketState(s.partitionID, s.takeoverState))
		s.transitionLocked(StateTakeoverWait)
	}
}

// SetVBucketStateAckReceived handles a consumer's acknowledgement of a
// SetVBucketState message during takeover-wait (§4.3). onFirstAck, when
// non-nil, is invoked to flip the external partition state to dead; it runs
// under the stream lock and must not call back into the stream.
func (s *ActiveStream) SetVBucketStateAckReceived(onFirstAck func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTakeoverWait {
		return
	}
	s.takeoverAcks++
	if s.takeoverAcks == 1 {
		if onFirstAck != nil {
			onFirstAck()
		}
		_, high := s.ctx.Manager.SeqnoRange()
		s.takeoverSeqno = high
		s.pushReady(setVBucketState(s.partitionID, StateActive))
		s.transitionLocked(StateTakeoverSend)
		return
	}
	s.pushReady(streamEnd(s.partitionID, EndOK))
	s.transitionLocked(StateDead)
}

// Close tears the stream down immediately, releasing its cursor. If
// graceful is false, no StreamEnd is queued and pending messages are
// dropped (ConsumerDisconnected, §7); if graceful, a StreamEnd(Closed) is
// queued first.
func (s *ActiveStream) Close(graceful bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDead {
		return
	}
	if graceful {
		s.pushReady(streamEnd(s.partitionID, EndClosed))
	} else {
		s.readyQueue = nil
		s.readyQueueBytes = 0
	}
	s.ctx.Manager.RemoveCursor(s.cursorName)
	s.transitionLocked(StateDead)
}
