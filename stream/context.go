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

	"github.com/kvreplica/vbstream/checkpoint"
	"github.com/kvreplica/vbstream/mutation"
)

// CacheLookup lets Store.Dump satisfy an item from the live hash table
// instead of disk, named by interface only per the design's external
// collaborator boundary (§1, §6).
type CacheLookup interface {
	// Lookup reports whether key is resident in memory and, if so, its
	// current by_seqno and value; ok is false if the hash table has no
	// opinion (disk must be consulted).
	Lookup(key []byte) (resident bool, bySeqno int64, value []byte, ok bool)
}

// OnItem is invoked by Store.Dump for each historical item in seqno order.
type OnItem func(m mutation.Mutation) error

// OnMarker is invoked once by Store.Dump before the first item, reporting
// the observed [start, end] range the backfill will actually cover.
type OnMarker func(start, end int64)

// Store is the external on-disk key-value store's minimum surface (§6).
// The core never touches storage directly; it is implemented out of band
// (see storeref/diskstore for a reference implementation) and injected here.
type Store interface {
	// Dump streams historical items for partitionID starting at startSeqno,
	// in seqno order, until the store's current persisted end. lookup may be
	// consulted before touching disk for a given key.
	Dump(ctx context.Context, partitionID uint16, startSeqno int64, onItem OnItem, lookup CacheLookup, onMarker OnMarker) error
	// NumItems reports how many items a [start, end] dump would yield, for sizing.
	NumItems(partitionID uint16, start, end int64) (uint64, error)
	// PersistenceSeqno reports the highest seqno durably persisted for partitionID.
	PersistenceSeqno(partitionID uint16) (uint64, error)
}

// HashTable is the external point-lookup surface (§6); a reference
// implementation lives in storeref/hashcache.
type HashTable interface {
	Lookup(key []byte) (resident bool, bySeqno int64, value []byte, ok bool)
}

// BackfillScheduler hands a backfill task off to the out-of-core task
// pool (see the backfill package); the core only ever holds this interface.
type BackfillScheduler interface {
	Schedule(task func(alive func() bool))
}

// ManagerCursor is the slice of *checkpoint.Manager the Stream Context
// needs: cursor lifecycle and the read path. Declaring it as an interface
// here (rather than importing the concrete type everywhere) keeps the
// state machine's dependency on the manager to these five methods
// (ActiveStream calls all of them except AllItemsFor).
type ManagerCursor interface {
	RegisterCursor(name string, startSeqno int64, alwaysFromBeginning bool) (checkpoint.RegisterCursorResult, error)
	RemoveCursor(name string) bool
	NextItem(name string) (checkpoint.NextItemResult, error)
	AllItemsFor(name string) ([]mutation.Mutation, error)
	SeqnoRange() (low, high int64)
}

// Context bundles everything an ActiveStream needs to query: the partition's
// checkpoint manager, the external store, and a place to schedule backfills.
// It is the "Stream Context" component of §2.
type Context struct {
	Manager   ManagerCursor
	Store     Store
	HashTable HashTable
	Scheduler BackfillScheduler
}
