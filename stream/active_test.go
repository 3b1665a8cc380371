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
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvreplica/vbstream/checkpoint"
	"github.com/kvreplica/vbstream/config"
	"github.com/kvreplica/vbstream/mutation"
)

// syncScheduler runs every task synchronously on the calling goroutine,
// making backfill-driven tests deterministic without channels or sleeps.
type syncScheduler struct{}

func (syncScheduler) Schedule(task func(alive func() bool)) {
	task(func() bool { return true })
}

// fakeDiskStore replays a fixed, pre-seeded set of mutations.
type fakeDiskStore struct {
	byPartition map[uint16][]mutation.Mutation
}

func newFakeDiskStore() *fakeDiskStore {
	return &fakeDiskStore{byPartition: make(map[uint16][]mutation.Mutation)}
}

func (f *fakeDiskStore) seed(m mutation.Mutation) {
	f.byPartition[m.PartitionID] = append(f.byPartition[m.PartitionID], m)
}

func (f *fakeDiskStore) Dump(ctx context.Context, partitionID uint16, startSeqno int64, onItem OnItem, lookup CacheLookup, onMarker OnMarker) error {
	items := append([]mutation.Mutation(nil), f.byPartition[partitionID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].BySeqno < items[j].BySeqno })

	var toSend []mutation.Mutation
	for _, m := range items {
		if m.BySeqno >= startSeqno {
			toSend = append(toSend, m)
		}
	}
	if len(toSend) == 0 {
		onMarker(startSeqno, startSeqno)
		return nil
	}
	onMarker(toSend[0].BySeqno, toSend[len(toSend)-1].BySeqno)
	for _, m := range toSend {
		if err := onItem(m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeDiskStore) NumItems(partitionID uint16, start, end int64) (uint64, error) {
	return 0, nil
}

func (f *fakeDiskStore) PersistenceSeqno(partitionID uint16) (uint64, error) {
	items := f.byPartition[partitionID]
	var max int64
	for _, m := range items {
		if m.BySeqno > max {
			max = m.BySeqno
		}
	}
	return uint64(max), nil
}

func seedMemory(m *checkpoint.Manager, keys []string) {
	for _, k := range keys {
		m.Queue(mutation.Mutation{Key: []byte(k), Value: []byte("value"), Op: mutation.Set}, true)
	}
}

func drainAll(s *ActiveStream, limit int) []Message {
	var out []Message
	for i := 0; i < limit; i++ {
		msg := s.Next()
		if msg.Kind == KindNone {
			continue
		}
		out = append(out, msg)
		if msg.Kind == KindStreamEnd {
			break
		}
	}
	return out
}

// S1 — basic memory stream.
func TestScenarioS1BasicMemoryStream(t *testing.T) {
	cfg := config.DefaultCheckpoint()
	cfg.ItemCountRotation = false
	cfg.PeriodSeconds = 3600
	m := checkpoint.New(7, cfg)
	seedMemory(m, []string{"key1", "key2", "key3", "key4", "key5", "key6", "key7", "key8", "key9", "key10"})

	ctx := &Context{Manager: m}
	s := New(ctx, Config{Name: "s1", PartitionID: 7, StartSeqno: 0, EndSeqno: 10})
	s.Start()

	msgs := drainAll(s, 50)
	require.NotEmpty(t, msgs)
	assert.Equal(t, KindSnapshotMarker, msgs[0].Kind)
	assert.Equal(t, Memory, msgs[0].MarkerFlag)
	assert.Equal(t, int64(1), msgs[0].MarkerStart)
	assert.Equal(t, int64(10), msgs[0].MarkerEnd)

	var gotKeys []string
	for _, msg := range msgs {
		if msg.Kind == KindMutation {
			gotKeys = append(gotKeys, string(msg.Mutation.Key))
		}
	}
	assert.Equal(t, []string{"key1", "key2", "key3", "key4", "key5", "key6", "key7", "key8", "key9", "key10"}, gotKeys)
	assert.Equal(t, KindStreamEnd, msgs[len(msgs)-1].Kind)
	assert.Equal(t, EndOK, msgs[len(msgs)-1].EndReason)
}

// S2 — partial memory stream.
func TestScenarioS2PartialMemoryStream(t *testing.T) {
	cfg := config.DefaultCheckpoint()
	cfg.ItemCountRotation = false
	cfg.PeriodSeconds = 3600
	m := checkpoint.New(7, cfg)
	seedMemory(m, []string{"key1", "key2", "key3", "key4", "key5", "key6", "key7", "key8", "key9", "key10"})

	ctx := &Context{Manager: m}
	s := New(ctx, Config{Name: "s2", PartitionID: 7, StartSeqno: 5, EndSeqno: 10})
	s.Start()

	msgs := drainAll(s, 50)
	require.NotEmpty(t, msgs)
	assert.Equal(t, KindSnapshotMarker, msgs[0].Kind)

	var gotKeys []string
	for _, msg := range msgs {
		if msg.Kind == KindMutation {
			gotKeys = append(gotKeys, string(msg.Mutation.Key))
		}
	}
	assert.Equal(t, []string{"key5", "key6", "key7", "key8", "key9", "key10"}, gotKeys)
	assert.Equal(t, KindStreamEnd, msgs[len(msgs)-1].Kind)
}

// S3 — disk-only stream.
func TestScenarioS3DiskOnlyStream(t *testing.T) {
	store := newFakeDiskStore()
	for i := int64(1); i <= 10; i++ {
		store.seed(mutation.Mutation{Key: []byte("key"), PartitionID: 3, BySeqno: i, Op: mutation.Set, Value: []byte("value")})
	}

	cfg := config.DefaultCheckpoint()
	m := checkpoint.New(3, cfg) // empty manager: nothing in memory

	ctx := &Context{Manager: m, Store: store, Scheduler: syncScheduler{}}
	s := New(ctx, Config{Name: "s3", PartitionID: 3, StartSeqno: 0, EndSeqno: 10, DiskOnly: true})
	s.Start()

	msgs := drainAll(s, 50)
	require.NotEmpty(t, msgs)
	assert.Equal(t, KindSnapshotMarker, msgs[0].Kind)
	assert.Equal(t, Disk, msgs[0].MarkerFlag)

	var seqnos []int64
	for _, msg := range msgs {
		if msg.Kind == KindMutation {
			seqnos = append(seqnos, msg.Mutation.BySeqno)
		}
	}
	assert.Len(t, seqnos, 10)
	for i, seq := range seqnos {
		assert.Equal(t, int64(i+1), seq)
	}
	assert.Equal(t, KindStreamEnd, msgs[len(msgs)-1].Kind)
}

// S4 — mixed disk/memory with overlap. key1,key2 (seq 1,2) roll off with
// their checkpoint; the rotation's meta items take seq 3..5, so memory
// retains key3..key10 at seq 6..13. The disk store has 1..6, so the
// backfill's tail (seq 6) overlaps the in-memory head. No by_seqno may be
// delivered twice.
func TestScenarioS4MixedDiskMemoryWithOverlap(t *testing.T) {
	cfg := config.DefaultCheckpoint()
	cfg.ItemCountRotation = false
	cfg.PeriodSeconds = 3600
	m := checkpoint.New(9, cfg)

	seedMemory(m, []string{"key1", "key2"})
	m.CreateNewCheckpoint(true)
	require.True(t, m.RemoveCursor(checkpoint.PersistenceCursorName))
	purged, _ := m.RemoveClosedUnreferenced()
	require.Equal(t, 1, purged)
	seedMemory(m, []string{"key3", "key4", "key5", "key6", "key7", "key8", "key9", "key10"})

	store := newFakeDiskStore()
	for i := int64(1); i <= 6; i++ {
		store.seed(mutation.Mutation{Key: []byte("key"), PartitionID: 9, BySeqno: i, Op: mutation.Set, Value: []byte("value")})
	}

	ctx := &Context{Manager: m, Store: store, Scheduler: syncScheduler{}}
	s := New(ctx, Config{Name: "s4", PartitionID: 9, StartSeqno: 0, EndSeqno: 10})
	s.Start()

	msgs := drainAll(s, 50)
	require.NotEmpty(t, msgs)
	assert.Equal(t, KindSnapshotMarker, msgs[0].Kind)
	assert.Equal(t, Disk, msgs[0].MarkerFlag)
	diskEnd := msgs[0].MarkerEnd

	var seenMemoryMarker bool
	var memoryMarkerStart int64
	var seqnos []int64
	for _, msg := range msgs[1:] {
		switch msg.Kind {
		case KindSnapshotMarker:
			require.False(t, seenMemoryMarker, "only one memory marker expected")
			seenMemoryMarker = true
			assert.Equal(t, Memory, msg.MarkerFlag)
			memoryMarkerStart = msg.MarkerStart
		case KindMutation:
			seqnos = append(seqnos, msg.Mutation.BySeqno)
		}
	}
	assert.True(t, seenMemoryMarker)
	assert.Equal(t, diskEnd+1, memoryMarkerStart)

	seen := make(map[int64]bool)
	for _, seq := range seqnos {
		require.False(t, seen[seq], "by_seqno %d delivered twice", seq)
		seen[seq] = true
	}
	for i := int64(1); i <= 10; i++ {
		assert.True(t, seen[i], "missing by_seqno %d", i)
	}
	assert.Equal(t, KindStreamEnd, msgs[len(msgs)-1].Kind)
	assert.Equal(t, EndOK, msgs[len(msgs)-1].EndReason)
}

// S5 — dedup in open snapshot (non-consecutive).
func TestScenarioS5DedupInOpenSnapshot(t *testing.T) {
	cfg := config.DefaultCheckpoint()
	cfg.ItemCountRotation = false
	cfg.PeriodSeconds = 3600
	m := checkpoint.New(1, cfg)

	m.Queue(mutation.Mutation{Key: []byte("key1"), Value: []byte("v1"), Op: mutation.Set}, true) // seq 1
	m.Queue(mutation.Mutation{Key: []byte("key2"), Value: []byte("v2"), Op: mutation.Set}, true) // seq 2
	m.Queue(mutation.Mutation{Key: []byte("key3"), Value: []byte("v3"), Op: mutation.Set}, true) // seq 3
	m.Queue(mutation.Mutation{Key: []byte("key1"), Value: []byte("v4"), Op: mutation.Set}, true) // seq 4, dedups key1

	_, err := m.RegisterCursor("reader", 1, false)
	require.NoError(t, err)

	var keys []string
	for i := 0; i < 10; i++ {
		res, err := m.NextItem("reader")
		require.NoError(t, err)
		if !res.HasItem {
			break
		}
		if !res.Mutation.IsMeta() {
			keys = append(keys, string(res.Mutation.Key))
		}
	}
	// key1's original entry at seq 1 was deduplicated away; the cursor
	// (registered just after it) observes key2, key3, then key1's new value.
	assert.Equal(t, []string{"key2", "key3", "key1"}, keys)
}

// Takeover — a stream fully caught up with Takeover:true goes straight to
// takeover-send, hands off via SetVBucketState on the first ack, and ends on
// the second (§4.3 takeover handoff protocol).
func TestScenarioTakeoverHandoff(t *testing.T) {
	cfg := config.DefaultCheckpoint()
	cfg.ItemCountRotation = false
	cfg.PeriodSeconds = 3600
	m := checkpoint.New(4, cfg)
	seedMemory(m, []string{"key1", "key2", "key3"})

	ctx := &Context{Manager: m}
	s := New(ctx, Config{
		Name: "takeover", PartitionID: 4, StartSeqno: 0, EndSeqno: 3,
		Takeover: true, TakeoverState: StateReplica,
	})
	s.Start()
	assert.Equal(t, StateTakeoverSend, s.State())

	msg := s.Next()
	require.Equal(t, KindSnapshotMarker, msg.Kind)
	assert.Equal(t, Memory, msg.MarkerFlag)

	var gotKeys []string
	for i := 0; i < 3; i++ {
		msg = s.Next()
		require.Equal(t, KindMutation, msg.Kind)
		gotKeys = append(gotKeys, string(msg.Mutation.Key))
	}
	assert.Equal(t, []string{"key1", "key2", "key3"}, gotKeys)
	assert.Equal(t, StateTakeoverWait, s.State())

	msg = s.Next()
	require.Equal(t, KindSetVBucketState, msg.Kind)
	assert.Equal(t, StateReplica, msg.State)

	var firstAckFired bool
	s.SetVBucketStateAckReceived(func() { firstAckFired = true })
	assert.True(t, firstAckFired, "onFirstAck must run on the first ack")
	assert.Equal(t, StateTakeoverSend, s.State())

	msg = s.Next()
	require.Equal(t, KindSetVBucketState, msg.Kind)
	assert.Equal(t, StateActive, msg.State)

	msg = s.Next()
	assert.Equal(t, KindNone, msg.Kind, "no more mutations queued, cursor has nothing further to give")

	var secondAckFired bool
	s.SetVBucketStateAckReceived(func() { secondAckFired = true })
	assert.False(t, secondAckFired, "onFirstAck must not run again on the second ack")
	assert.Equal(t, StateDead, s.State())

	msg = s.Next()
	require.Equal(t, KindStreamEnd, msg.Kind)
	assert.Equal(t, EndOK, msg.EndReason)
}

// S6 — cursor registration beyond tail.
func TestScenarioS6CursorRegistrationBeyondTail(t *testing.T) {
	cfg := config.DefaultCheckpoint()
	m := checkpoint.New(1, cfg)
	m.Queue(mutation.Mutation{Key: []byte("a"), Op: mutation.Set, Value: []byte("v")}, true)
	m.Queue(mutation.Mutation{Key: []byte("b"), Op: mutation.Set, Value: []byte("v")}, true)
	m.Queue(mutation.Mutation{Key: []byte("c"), Op: mutation.Set, Value: []byte("v")}, true)

	_, err := m.RegisterCursorBySeqno("late", 10)
	require.Error(t, err)

	_, err = m.NextItem("late")
	require.Error(t, err)
}
