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

// PersistenceCursorName is the distinguished cursor that always exists and
// gates snapshot reclamation for durability (§3).
const PersistenceCursorName = "persistence"

// Cursor is a named reader position over a Manager's checkpoint list. A
// Cursor is always owned by exactly one Manager, which is the only thing
// that ever mutates it; callers never receive a *Cursor, only copies of its
// observable fields via CursorInfo.
type Cursor struct {
	name     string
	snapshot *Snapshot // current snapshot handle; manager holds the refcount via register/deregisterCursor
	position *node     // last item delivered in this snapshot; nil means nothing delivered yet

	fromBeginningOnCollapse bool
}

// CursorInfo is the read-only snapshot of a Cursor's state returned to callers.
// PendingCount is computed on demand by the Manager (see pendingCountLocked)
// rather than tracked incrementally here, since dedup and collapse can shift
// a cursor's effective position in ways that are ambiguous to adjust a
// running counter for; recomputing from the live list sidesteps that.
type CursorInfo struct {
	Name                    string
	SnapshotID              uint64
	PendingCount            int
	FromBeginningOnCollapse bool
}

func (c *Cursor) info() CursorInfo {
	return CursorInfo{
		Name:                    c.name,
		SnapshotID:              c.snapshot.ID(),
		FromBeginningOnCollapse: c.fromBeginningOnCollapse,
	}
}

// nextNode returns the node the cursor would read next within its current
// snapshot, or nil if it has exhausted that snapshot's items.
func (c *Cursor) nextNode() *node {
	if c.position == nil {
		return c.snapshot.firstNode()
	}
	return c.position.next
}

// isPersistenceCursor reports whether this is the distinguished persistence cursor.
func (c *Cursor) isPersistenceCursor() bool { return c.name == PersistenceCursorName }
