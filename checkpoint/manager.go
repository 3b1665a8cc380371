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

// Package checkpoint implements the per-partition mutation log: an ordered
// list of deduplicated snapshots with named cursors traversing it. It is the
// single source of truth writers and consumers synchronize through; see
// SPEC_FULL.md §4.1-§4.2.
package checkpoint

import (
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"

	"github.com/kvreplica/vbstream/config"
	"github.com/kvreplica/vbstream/mutation"
	"github.com/kvreplica/vbstream/vberr"
)

// RegisterCursorResult is returned by RegisterCursor and RegisterCursorBySeqno.
type RegisterCursorResult struct {
	ResolvedSeqno           int64
	StartedAtSnapshotBoundary bool
}

// NextItemResult is returned by NextItem.
type NextItemResult struct {
	Mutation         mutation.Mutation
	HasItem          bool // false means AwaitingItems: nothing new beyond the open snapshot's boundary
	IsLastOfSnapshot bool
	SnapshotID       uint64
	SnapStartSeqno   int64
	SnapEndSeqno     int64
}

// Manager is the per-partition Checkpoint Manager: the enqueue path, cursor
// registry, rotation, collapse, and GC all live here, guarded by a single
// mutex (§5: "One manager mutex per partition guards the checkpoint list,
// the cursor table, and all manager counters").
type Manager struct {
	mu sync.Mutex

	partitionID uint16
	cfg         config.Checkpoint
	list        *list
	cursors     map[string]*Cursor
	numItems    int
	closed      bool

	// now is overridable for deterministic tests; defaults to time.Now.
	now func() time.Time
}

// New creates a Manager for partitionID with an always-present persistence
// cursor registered at the tail of the initial (empty) open snapshot.
func New(partitionID uint16, cfg config.Checkpoint) *Manager {
	m := &Manager{
		partitionID: partitionID,
		cfg:         cfg,
		cursors:     make(map[string]*Cursor),
		now:         time.Now,
	}
	m.list = newList(partitionID, m.now())
	persist := &Cursor{name: PersistenceCursorName, snapshot: m.list.open()}
	persist.snapshot.registerCursor()
	m.cursors[PersistenceCursorName] = persist
	cursorCount.Update(1)
	return m
}

// SetClock overrides the time source; intended for tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PartitionID returns the partition this manager serves.
func (m *Manager) PartitionID() uint16 { return m.partitionID }

// NumItems returns the aggregate live (post-dedup) item count across all snapshots.
func (m *Manager) NumItems() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numItems
}

// SeqnoRange returns the lowest retained and highest assigned seqno.
func (m *Manager) SeqnoRange() (low, high int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list.earliestLowSeqno(), m.list.lastBySeqno
}

// Queue appends mut to the open snapshot, assigning by_seqno when genSeqno is
// true. It returns true iff the effective queue size grew (§4.2 step 5).
func (m *Manager) Queue(mut mutation.Mutation, genSeqno bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}

	if genSeqno {
		mut.BySeqno = m.list.nextSeqno()
	} else {
		m.list.observeSeqno(mut.BySeqno)
	}
	mut.PartitionID = m.partitionID
	if mut.QueuedTime.IsZero() {
		mut.QueuedTime = m.now()
	}

	open := m.list.open()
	outcome := open.insert(mut)

	grew := false
	switch outcome.result {
	case NewItem:
		m.numItems++
		grew = true
	case Deduplicated:
		if m.handleDedup(open, outcome) {
			persistAgainTotal.Inc(1)
			log.Debug("vbstream: persist_again", "vb", m.partitionID, "key", string(mut.Key), "seq", mut.BySeqno)
		}
	}

	queueItemsTotal.Inc(1)
	openSnapshotItems.Update(int64(open.NumItems()))
	memoryOverheadBytes.Update(int64(open.MemoryOverhead()))

	m.maybeRotateLocked(open)
	return grew
}

// handleDedup reseats any cursor sitting exactly on the replaced entry one
// step left (§4.1) and reports whether the persistence cursor was among
// them (i.e. PERSIST_AGAIN applies: it had already delivered the old value).
func (m *Manager) handleDedup(snap *Snapshot, outcome appendOutcome) bool {
	persistAgain := false
	for _, c := range m.cursors {
		if c.snapshot != snap || c.position != outcome.oldNode {
			continue
		}
		c.position = outcome.oldNode.prev
		if c.isPersistenceCursor() {
			persistAgain = true
		}
	}
	return persistAgain
}

// maybeRotateLocked applies the §4.2 rotation policy. Caller holds m.mu.
func (m *Manager) maybeRotateLocked(open *Snapshot) {
	rotateByCount := m.cfg.ItemCountRotation && uint32(open.NumItems()) >= m.cfg.MaxItems
	rotateByTime := m.now().Sub(open.CreatedAt()) >= m.cfg.Period()
	if rotateByCount || rotateByTime {
		m.rotateLocked()
	}
}

// rotateLocked closes the current open snapshot (appending SnapshotEnd) and
// opens a fresh one (appending Dummy, SnapshotStart). Caller holds m.mu.
func (m *Manager) rotateLocked() (closed, opened *Snapshot) {
	open := m.list.open()
	endSeq := m.list.nextSeqno()
	open.insert(mutation.Mutation{Op: mutation.SnapshotEnd, BySeqno: endSeq, PartitionID: m.partitionID, QueuedTime: m.now()})

	closed, opened = m.list.rotate(m.now())

	dummySeq := m.list.nextSeqno()
	opened.insert(mutation.Mutation{Op: mutation.Dummy, BySeqno: dummySeq, PartitionID: m.partitionID, QueuedTime: m.now()})
	startSeq := m.list.nextSeqno()
	opened.insert(mutation.Mutation{Op: mutation.SnapshotStart, BySeqno: startSeq, PartitionID: m.partitionID, QueuedTime: m.now()})

	checkpointsRotatedTotal.Inc(1)
	log.Debug("vbstream: checkpoint rotated", "vb", m.partitionID, "closed", closed.ID(), "opened", opened.ID())
	return closed, opened
}

// CreateNewCheckpoint forces (or, if force is false and the open snapshot is
// empty, skips) a rotation. It returns the id of the snapshot that was open
// before the call, or 0 if no rotation happened.
func (m *Manager) CreateNewCheckpoint(force bool) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	open := m.list.open()
	if !force && open.NumItems() == 0 {
		return 0
	}
	prevID := open.ID()
	m.rotateLocked()
	return prevID
}

// RegisterCursor registers a new cursor at start_seqno. If start_seqno is
// below the earliest retained seqno, the cursor is parked at the earliest
// snapshot's beginning and StartedAtSnapshotBoundary is true, signaling the
// caller must drive a backfill first.
func (m *Manager) RegisterCursor(name string, startSeqno int64, alwaysFromBeginning bool) (RegisterCursorResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cursors[name]; exists {
		return RegisterCursorResult{}, vberr.ErrDuplicateCursor
	}
	return m.registerLocked(name, startSeqno, alwaysFromBeginning, false)
}

// RegisterCursorBySeqno registers a new cursor that must land on a seqno
// some retained snapshot actually covers; it returns UncoveredSeqnoError
// otherwise (§4.2).
func (m *Manager) RegisterCursorBySeqno(name string, startSeqno int64) (RegisterCursorResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cursors[name]; exists {
		return RegisterCursorResult{}, vberr.ErrDuplicateCursor
	}
	return m.registerLocked(name, startSeqno, false, true)
}

func (m *Manager) registerLocked(name string, startSeqno int64, alwaysFromBeginning, strict bool) (RegisterCursorResult, error) {
	earliest := m.list.earliestLowSeqno()
	covering := m.list.snapshotCovering(startSeqno)

	if covering == nil {
		if strict || earliest == 0 {
			return RegisterCursorResult{}, &vberr.UncoveredSeqnoError{Requested: startSeqno, EarliestValid: earliest}
		}
		// startSeqno < earliest: caller must backfill from the beginning.
		first := m.list.snapshots[0]
		c := &Cursor{name: name, snapshot: first, position: nil, fromBeginningOnCollapse: alwaysFromBeginning}
		first.registerCursor()
		m.cursors[name] = c
		cursorCount.Update(int64(len(m.cursors)))
		return RegisterCursorResult{ResolvedSeqno: earliest, StartedAtSnapshotBoundary: true}, nil
	}

	wasOnlyReader := covering.CursorRefcount() == 0
	pos := covering.iterFromSeqno(startSeqno)
	c := &Cursor{name: name, snapshot: covering, position: pos, fromBeginningOnCollapse: alwaysFromBeginning}
	covering.registerCursor()
	m.cursors[name] = c
	cursorCount.Update(int64(len(m.cursors)))

	if strict && covering.State() == Open && wasOnlyReader {
		m.rotateLocked()
	}

	return RegisterCursorResult{ResolvedSeqno: startSeqno, StartedAtSnapshotBoundary: false}, nil
}

// RemoveCursor deregisters name, returning whether it existed.
func (m *Manager) RemoveCursor(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return false
	}
	c.snapshot.deregisterCursor()
	delete(m.cursors, name)
	cursorCount.Update(int64(len(m.cursors)))
	return true
}

// NextItem advances name by one position and returns the item now at its
// position, or HasItem=false (AwaitingItems) if the open snapshot has
// nothing new beyond its boundary.
func (m *Manager) NextItem(name string) (NextItemResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return NextItemResult{}, vberr.ErrCursorUnregistered
	}

	n := c.nextNode()
	for n == nil {
		if c.snapshot.State() == Open {
			return NextItemResult{}, nil
		}
		next := m.list.snapshotAfter(c.snapshot)
		if next == nil {
			// Should be unreachable: the last snapshot in the list is
			// always open. Defensive stop rather than an infinite loop.
			return NextItemResult{}, nil
		}
		c.snapshot.deregisterCursor()
		c.snapshot = next
		c.position = nil
		next.registerCursor()
		n = c.nextNode()
	}

	c.position = n
	res := NextItemResult{
		Mutation:         n.item,
		HasItem:          true,
		IsLastOfSnapshot: c.snapshot.lastDataBeforeEnd(n),
		SnapshotID:       c.snapshot.ID(),
		SnapStartSeqno:   c.snapshot.lowSeqno(),
		SnapEndSeqno:     c.snapshot.highSeqno(),
	}
	return res, nil
}

// AllItemsFor returns every item from name's current position to the live
// tail across the remaining snapshots, without advancing the cursor.
func (m *Manager) AllItemsFor(name string) ([]mutation.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return nil, vberr.ErrCursorUnregistered
	}

	var out []mutation.Mutation
	snap := c.snapshot
	from := c.position
	for snap != nil {
		out = append(out, snap.items(from)...)
		snap = m.list.snapshotAfter(snap)
		from = nil
	}
	return out, nil
}

// CursorInfo returns the observable state of a registered cursor.
func (m *Manager) CursorInfo(name string) (CursorInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return CursorInfo{}, false
	}
	info := c.info()
	info.PendingCount = m.pendingCountLocked(c)
	return info, true
}

// pendingCountLocked computes the number of data items between c's current
// position and the live tail (property 6). This is a derived quantity,
// recomputed on demand rather than maintained incrementally through dedup
// and collapse — see DESIGN.md for why.
func (m *Manager) pendingCountLocked(c *Cursor) int {
	total := 0
	snap := c.snapshot
	from := c.position
	for snap != nil {
		total += snap.countDataFrom(from)
		snap = m.list.snapshotAfter(snap)
		from = nil
	}
	return total
}

// RemoveClosedUnreferenced reclaims closed snapshots from the front of the
// list while they are unreferenced, returning how many were purged. If
// reclamation leaves the list holding only a non-empty open snapshot, a
// fresh open snapshot is created so a reclaim-triggering caller (typically
// disk-pressure driven) always has headroom, and newOpenCreated is true.
func (m *Manager) RemoveClosedUnreferenced() (purged int, newOpenCreated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for n < len(m.list.snapshots)-1 { // never reclaim the open (always-last) snapshot
		s := m.list.snapshots[n]
		if s.State() != Closed || s.CursorRefcount() != 0 {
			break
		}
		n++
	}
	if n == 0 {
		return 0, false
	}
	removed := m.list.removeFront(n)
	for _, s := range removed {
		m.numItems -= s.NumItems()
	}
	snapshotsReclaimedTotal.Inc(int64(n))
	log.Debug("vbstream: reclaimed closed checkpoints", "vb", m.partitionID, "count", n)

	if len(m.list.snapshots) == 1 && m.list.open().NumItems() > 0 {
		m.rotateLocked()
		return n, true
	}
	return n, false
}

// CheckAndAdd ensures an open snapshot with the given id exists: it rotates
// forward if the current open id is behind, or collapses everything past id
// back down if the list has diverged ahead of it (used by the passive
// stream to reconcile an inbound SnapshotMarker against local state, §4.4).
func (m *Manager) CheckAndAdd(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.list.open()
	if open.ID() == id {
		return
	}
	if open.ID() < id {
		for m.list.open().ID() < id {
			m.rotateLocked()
		}
		return
	}
	// open.ID() > id: the local list has snapshots beyond id; collapse them
	// away so id becomes the open boundary again.
	idx := -1
	for i, s := range m.list.snapshots {
		if s.ID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return // id predates everything we retain; nothing sane to reconcile
	}
	m.collapseRangeLocked(idx+1, len(m.list.snapshots), id)
}

// CollapseCheckpoints folds every closed snapshot into a single merged
// snapshot whose id equals targetID (§4.2). No-op if fewer than two closed
// snapshots exist or merging is disabled in config.
func (m *Manager) CollapseCheckpoints(targetID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cfg.EnableCheckpointMerge {
		return
	}
	hi := len(m.list.snapshots) - 1 // exclude the open snapshot
	if hi < 2 {
		return
	}
	m.collapseRangeLocked(0, hi, targetID)
}

// collapseRangeLocked merges snapshots[lo:hi) (all must be closed) into one
// snapshot with id targetID, scanning newest-to-oldest across the range and
// keeping only each key's latest surviving entry. Caller holds m.mu.
func (m *Manager) collapseRangeLocked(lo, hi int, targetID uint64) {
	if hi-lo < 1 {
		return
	}
	toMerge := m.list.snapshots[lo:hi]

	seen := mapset.NewThreadUnsafeSet[string]()
	var kept []mutation.Mutation
	for i := len(toMerge) - 1; i >= 0; i-- {
		s := toMerge[i]
		for n := s.tail; n != nil; n = n.prev {
			if n.item.IsMeta() {
				continue
			}
			k := string(n.item.Key)
			if seen.Contains(k) {
				continue
			}
			seen.Add(k)
			kept = append(kept, n.item)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].BySeqno < kept[j].BySeqno })

	first, last := toMerge[0], toMerge[len(toMerge)-1]
	merged := newSnapshot(targetID, m.partitionID, first.CreatedAt())

	dummySeq, startSeq := boundarySeqnos(first)
	merged.insert(mutation.Mutation{Op: mutation.Dummy, BySeqno: dummySeq, PartitionID: m.partitionID})
	merged.insert(mutation.Mutation{Op: mutation.SnapshotStart, BySeqno: startSeq, PartitionID: m.partitionID})
	for _, item := range kept {
		merged.insert(item)
	}
	merged.insert(mutation.Mutation{Op: mutation.SnapshotEnd, BySeqno: last.highSeqno() + 1, PartitionID: m.partitionID})
	merged.close()

	oldRefcount := 0
	for _, s := range toMerge {
		oldRefcount += s.CursorRefcount()
	}
	merged.cursorRefcount = oldRefcount

	for _, c := range m.cursors {
		inRange := false
		for _, s := range toMerge {
			if c.snapshot == s {
				inRange = true
				break
			}
		}
		if !inRange {
			continue
		}
		if c.fromBeginningOnCollapse {
			c.position = nil
		} else {
			if last := merged.lastDataNode(); last != nil {
				c.position = last.prev
			} else {
				c.position = nil
			}
		}
		c.snapshot = merged
	}

	m.numItems -= totalItems(toMerge)
	m.numItems += merged.NumItems()

	m.list.replaceClosedRange(lo, hi, merged)
	checkpointsMergedTotal.Inc(1)
	log.Info("vbstream: checkpoints collapsed", "vb", m.partitionID, "merged_id", targetID, "folded", len(toMerge))
}

// ClosedSnapshotCount reports how many closed snapshots are currently
// retained (excluding the always-open tail).
func (m *Manager) ClosedSnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.list.snapshots) - 1
	if n < 0 {
		n = 0
	}
	return n
}

// CollapseTargetID returns the id CollapseCheckpoints should fold every
// closed snapshot down to (the newest closed one, so surviving cursors end
// up as close to the live tail as possible). ok is false if fewer than two
// closed snapshots exist, i.e. there is nothing to collapse.
func (m *Manager) CollapseTargetID() (id uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.list.snapshots) < 3 { // fewer than 2 closed + the open tail
		return 0, false
	}
	return m.list.snapshots[len(m.list.snapshots)-2].ID(), true
}

// Reclaim applies the §4.2 background GC policy: closed, unreferenced
// snapshots are dropped immediately unless KeepClosedCheckpoints defers that
// to memory pressure, and once more closed snapshots than MaxCheckpoints
// have piled up, they're folded down to one via CollapseCheckpoints.
// Intended to be driven by a periodic ticker (see cmd/vbstreamd's gcLoop).
func (m *Manager) Reclaim() {
	if !m.cfg.KeepClosedCheckpoints {
		m.RemoveClosedUnreferenced()
	}
	if m.cfg.EnableCheckpointMerge && m.ClosedSnapshotCount() > int(m.cfg.MaxCheckpoints) {
		if targetID, ok := m.CollapseTargetID(); ok {
			m.CollapseCheckpoints(targetID)
		}
	}
}

func totalItems(snaps []*Snapshot) int {
	n := 0
	for _, s := range snaps {
		n += s.NumItems()
	}
	return n
}

// boundarySeqnos reuses the first merged snapshot's Dummy/SnapshotStart
// seqnos for the merged snapshot's own boundary, preserving seqno
// continuity instead of minting fresh manager-global seqnos for a merge.
func boundarySeqnos(first *Snapshot) (dummySeq, startSeq int64) {
	for n := first.head; n != nil; n = n.next {
		switch n.item.Op {
		case mutation.Dummy:
			dummySeq = n.item.BySeqno
		case mutation.SnapshotStart:
			startSeq = n.item.BySeqno
			return
		}
	}
	if startSeq == 0 {
		startSeq = first.lowSeqno()
	}
	return
}

// Close tears the manager down: Queue and CreateNewCheckpoint are refused
// from this point. Cursor registration, NextItem, GC and collapse do not
// check the closed flag and keep working.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
