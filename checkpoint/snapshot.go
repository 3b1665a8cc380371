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

package checkpoint

import (
	"time"

	"github.com/kvreplica/vbstream/mutation"
)

// State is the lifecycle stage of a Snapshot.
type State uint8

const (
	// Open snapshots accept inserts; there is always exactly one per List, and it is always last.
	Open State = iota
	// Closed snapshots are immutable and are candidates for GC once unreferenced.
	Closed
)

func (s State) String() string {
	if s == Open {
		return "Open"
	}
	return "Closed"
}

// InsertResult reports what Snapshot.insert did with an incoming mutation.
type InsertResult uint8

const (
	// NewItem means the key had no live entry in this snapshot (or the item was meta).
	NewItem InsertResult = iota
	// Deduplicated means a live entry for the key existed and was replaced.
	Deduplicated
)

// perEntryOverhead approximates the bookkeeping cost of one indexed entry
// (node pointers + map bucket), added to memory_overhead alongside key length.
const perEntryOverhead = 64

// node is one slot in the snapshot's doubly-linked item sequence. Handles
// (i.e. *node) are stable across dedup: erasing a key re-splices the list
// and drops the old node from the index, but never moves surviving nodes, so
// a cursor holding a *node to some other item is never invalidated by an
// unrelated insert. This mirrors the arena+index-table approach called for
// in the source's raw-linked-list dedup pattern.
type node struct {
	item mutation.Mutation
	prev *node
	next *node
}

// Snapshot is an ordered, deduplicated sequence of Mutations for one
// partition, plus a key index resolving each live key to its surviving
// position. All mutation and read methods assume the caller holds the
// owning Manager's mutex; Snapshot has no lock of its own (§5).
type Snapshot struct {
	id             uint64
	partitionID    uint16
	createdAt      time.Time
	state          State
	head, tail     *node
	index          map[string]*node // live key -> node; meta items are never indexed
	numItems       int              // count of data items currently indexed (post-dedup)
	cursorRefcount int
	memoryOverhead uint64
}

func newSnapshot(id uint64, partitionID uint16, now time.Time) *Snapshot {
	return &Snapshot{
		id:          id,
		partitionID: partitionID,
		createdAt:   now,
		state:       Open,
		index:       make(map[string]*node),
	}
}

// ID returns the snapshot's identifier.
func (s *Snapshot) ID() uint64 { return s.id }

// State returns the current lifecycle state.
func (s *Snapshot) State() State { return s.state }

// NumItems returns the number of live (post-dedup) data items.
func (s *Snapshot) NumItems() int { return s.numItems }

// CreatedAt returns the snapshot's creation time, used for time-based rotation.
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// CursorRefcount returns how many cursors currently sit on this snapshot.
func (s *Snapshot) CursorRefcount() int { return s.cursorRefcount }

// MemoryOverhead returns the aggregate per-entry bookkeeping cost charged to this snapshot.
func (s *Snapshot) MemoryOverhead() uint64 { return s.memoryOverhead }

// registerCursor increments the reference count that blocks reclamation.
func (s *Snapshot) registerCursor() { s.cursorRefcount++ }

// deregisterCursor decrements the reference count.
func (s *Snapshot) deregisterCursor() {
	if s.cursorRefcount > 0 {
		s.cursorRefcount--
	}
}

// close transitions Open -> Closed. One-way; closing an already-closed
// snapshot is a no-op so call sites don't need to guard it themselves.
func (s *Snapshot) close() {
	s.state = Closed
}

// appendOutcome carries what insert did, including the node handles the
// Manager needs to reseat any cursor that was sitting on a replaced entry.
type appendOutcome struct {
	result  InsertResult
	newNode *node
	oldNode *node // non-nil only when result == Deduplicated
}

// insert appends m to the snapshot, deduplicating data items by key: a live
// entry for the same key is unlinked (but its node is returned, not freed,
// so the caller can reseat cursors) and the new entry is appended at the
// tail, preserving newest-write-wins insertion order. Meta items are always
// appended and never indexed.
func (s *Snapshot) insert(m mutation.Mutation) appendOutcome {
	n := &node{item: m}
	s.linkTail(n)

	if m.IsMeta() {
		return appendOutcome{result: NewItem, newNode: n}
	}

	key := string(m.Key)
	old, existed := s.index[key]
	s.index[key] = n
	s.memoryOverhead += uint64(len(m.Key)) + perEntryOverhead

	if !existed {
		s.numItems++
		return appendOutcome{result: NewItem, newNode: n}
	}

	s.unlink(old)
	return appendOutcome{result: Deduplicated, newNode: n, oldNode: old}
}

func (s *Snapshot) linkTail(n *node) {
	if s.tail == nil {
		s.head, s.tail = n, n
		return
	}
	n.prev = s.tail
	s.tail.next = n
	s.tail = n
}

// unlink splices n out of the list without touching the index; the caller
// is responsible for index bookkeeping. n's own prev/next are left intact so
// that a cursor currently positioned on n can still walk to n.next (§4.1:
// "shifted one step left" means the cursor's *next* call lands on whatever
// used to follow the removed entry).
func (s *Snapshot) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		s.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		s.tail = n.prev
	}
}

// lowSeqno returns the first data item's by_seqno. Undefined (returns 0) on
// a snapshot with no data items yet.
func (s *Snapshot) lowSeqno() int64 {
	for n := s.head; n != nil; n = n.next {
		if !n.item.IsMeta() {
			return n.item.BySeqno
		}
	}
	return 0
}

// highSeqno returns the last data item's by_seqno. Undefined (returns 0) on
// a snapshot with no data items yet.
func (s *Snapshot) highSeqno() int64 {
	for n := s.tail; n != nil; n = n.prev {
		if !n.item.IsMeta() {
			return n.item.BySeqno
		}
	}
	return 0
}

// covers reports whether seqno falls within [lowSeqno(), highSeqno()]. A
// snapshot with no data items covers nothing.
func (s *Snapshot) covers(seqno int64) bool {
	if s.head == nil {
		return false
	}
	low, high := s.lowSeqno(), s.highSeqno()
	if low == 0 && high == 0 {
		return false
	}
	return seqno >= low && seqno <= high
}

// iterFromSeqno returns the node whose by_seqno equals seqno, or the node
// with the largest by_seqno strictly less than seqno. Precondition: the
// snapshot must cover seqno (checked by the caller, typically via the List).
func (s *Snapshot) iterFromSeqno(seqno int64) *node {
	var best *node
	for n := s.head; n != nil; n = n.next {
		if n.item.BySeqno > seqno {
			break
		}
		best = n
	}
	return best
}

// firstNode returns the snapshot's first node (possibly a meta item), or nil if empty.
func (s *Snapshot) firstNode() *node { return s.head }

// lastDataNode returns the last non-meta node, or nil if the snapshot holds no data items.
func (s *Snapshot) lastDataNode() *node {
	for n := s.tail; n != nil; n = n.prev {
		if !n.item.IsMeta() {
			return n
		}
	}
	return nil
}

// countDataFrom returns the number of data items strictly after from (nil
// means "from the beginning"), within this snapshot only.
func (s *Snapshot) countDataFrom(from *node) int {
	start := s.head
	if from != nil {
		start = from.next
	}
	n := 0
	for cur := start; cur != nil; cur = cur.next {
		if !cur.item.IsMeta() {
			n++
		}
	}
	return n
}

// items returns every item strictly after from (nil means "from the
// beginning"), in order, including meta items.
func (s *Snapshot) items(from *node) []mutation.Mutation {
	start := s.head
	if from != nil {
		start = from.next
	}
	var out []mutation.Mutation
	for cur := start; cur != nil; cur = cur.next {
		out = append(out, cur.item)
	}
	return out
}

// lastDataBeforeEnd reports whether n is the last data item preceding a
// SnapshotEnd meta item in this (closed) snapshot.
func (s *Snapshot) lastDataBeforeEnd(n *node) bool {
	if n == nil || n.item.IsMeta() {
		return false
	}
	return n.next != nil && n.next.item.Op == mutation.SnapshotEnd
}
