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

import "time"

// list is the ordered sequence of snapshots for one partition, plus the
// partition-scoped seqno counters. It owns sequence-number generation so
// that every caller — enqueue, rotation, cursor registration — assigns
// seqnos through the same counter. Callers hold the owning Manager's mutex.
type list struct {
	partitionID       uint16
	snapshots         []*Snapshot
	nextSnapshotID    uint64
	lastBySeqno       int64
	lastClosedBySeqno int64
}

func newList(partitionID uint16, now time.Time) *list {
	l := &list{partitionID: partitionID, nextSnapshotID: 1}
	l.snapshots = []*Snapshot{l.newOpenSnapshot(now)}
	return l
}

func (l *list) newOpenSnapshot(now time.Time) *Snapshot {
	id := l.nextSnapshotID
	l.nextSnapshotID++
	return newSnapshot(id, l.partitionID, now)
}

// open returns the always-present, always-last open snapshot.
func (l *list) open() *Snapshot {
	return l.snapshots[len(l.snapshots)-1]
}

// nextSeqno assigns and returns a fresh by_seqno.
func (l *list) nextSeqno() int64 {
	l.lastBySeqno++
	return l.lastBySeqno
}

// observeSeqno folds an externally-assigned seqno into the counter (gen_seqno=false path).
func (l *list) observeSeqno(seqno int64) {
	if seqno > l.lastBySeqno {
		l.lastBySeqno = seqno
	}
}

// snapshotAfter returns the snapshot immediately following s in the list, or nil if s is last.
func (l *list) snapshotAfter(s *Snapshot) *Snapshot {
	for i, cur := range l.snapshots {
		if cur == s {
			if i+1 < len(l.snapshots) {
				return l.snapshots[i+1]
			}
			return nil
		}
	}
	return nil
}

// snapshotCovering returns the snapshot whose [low,high] range covers seqno, or nil.
func (l *list) snapshotCovering(seqno int64) *Snapshot {
	for _, s := range l.snapshots {
		if s.covers(seqno) {
			return s
		}
		// An open snapshot with no data items yet still "covers" anything
		// >= the last closed high seqno, since it's where new items land.
		if s.state == Open && s.head == nil && seqno >= l.lastClosedBySeqno {
			return s
		}
	}
	return nil
}

// earliestLowSeqno returns the lowest retained seqno across all snapshots,
// or 0 if none hold data yet.
func (l *list) earliestLowSeqno() int64 {
	for _, s := range l.snapshots {
		if s.head != nil {
			low := s.lowSeqno()
			if low != 0 {
				return low
			}
		}
	}
	return 0
}

// rotate closes the current open snapshot (appending SnapshotEnd is the
// caller's job, since that consumes a seqno the Manager must assign) and
// appends a fresh open snapshot.
func (l *list) rotate(now time.Time) (closed, opened *Snapshot) {
	closed = l.open()
	closed.close()
	l.lastClosedBySeqno = closed.highSeqno()
	opened = l.newOpenSnapshot(now)
	l.snapshots = append(l.snapshots, opened)
	return closed, opened
}

// removeFront drops the first n snapshots from the list (used by GC).
func (l *list) removeFront(n int) []*Snapshot {
	removed := append([]*Snapshot(nil), l.snapshots[:n]...)
	l.snapshots = l.snapshots[n:]
	return removed
}

// replaceClosedRange replaces snapshots[lo:hi] (all closed, hi exclusive)
// with a single merged snapshot, used by collapse_checkpoints.
func (l *list) replaceClosedRange(lo, hi int, merged *Snapshot) {
	tail := append([]*Snapshot(nil), l.snapshots[hi:]...)
	l.snapshots = append(l.snapshots[:lo], merged)
	l.snapshots = append(l.snapshots, tail...)
}
