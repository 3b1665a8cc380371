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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvreplica/vbstream/mutation"
	"github.com/kvreplica/vbstream/vberr"
)

type fakeLocalStore struct {
	applied []mutation.Mutation
}

func (f *fakeLocalStore) Apply(m mutation.Mutation) error {
	f.applied = append(f.applied, m)
	return nil
}

type fakeLocalManager struct {
	queued       []mutation.Mutation
	checkAndAdds []uint64
}

func (f *fakeLocalManager) Queue(m mutation.Mutation, genSeqno bool) bool {
	f.queued = append(f.queued, m)
	return true
}

func (f *fakeLocalManager) CreateNewCheckpoint(force bool) uint64 { return 0 }

func (f *fakeLocalManager) CheckAndAdd(id uint64) {
	f.checkAndAdds = append(f.checkAndAdds, id)
}

func TestPassiveStreamDiskMarkerOnEmptyPartitionStartsBackfillPhase(t *testing.T) {
	store := &fakeLocalStore{}
	mgr := &fakeLocalManager{}
	p := NewPassiveStream(2, store, mgr)

	require.NoError(t, p.Apply(marker(2, 1, 10, Disk)))
	assert.Equal(t, []uint64{0}, mgr.checkAndAdds)
	assert.True(t, p.backfillPhase)
}

func TestPassiveStreamMemoryMarkerIncrementsOpenCheckpoint(t *testing.T) {
	store := &fakeLocalStore{}
	mgr := &fakeLocalManager{}
	p := NewPassiveStream(2, store, mgr)

	require.NoError(t, p.Apply(marker(2, 1, 5, Memory)))
	require.NoError(t, p.Apply(marker(2, 6, 10, Memory)))
	assert.Equal(t, []uint64{1, 2}, mgr.checkAndAdds)
	assert.False(t, p.backfillPhase)
}

func TestPassiveStreamAppliesInOrderMutations(t *testing.T) {
	store := &fakeLocalStore{}
	mgr := &fakeLocalManager{}
	p := NewPassiveStream(2, store, mgr)

	m1 := mutation.Mutation{Key: []byte("a"), Op: mutation.Set, BySeqno: 1, PartitionID: 2}
	m2 := mutation.Mutation{Key: []byte("b"), Op: mutation.Set, BySeqno: 2, PartitionID: 2}
	require.NoError(t, p.Apply(fromMutation(2, m1)))
	require.NoError(t, p.Apply(fromMutation(2, m2)))

	assert.Equal(t, int64(2), p.LastSeqno())
	require.Len(t, store.applied, 2)
	require.Len(t, mgr.queued, 2)
}

func TestPassiveStreamRejectsOutOfRangeMutation(t *testing.T) {
	store := &fakeLocalStore{}
	mgr := &fakeLocalManager{}
	p := NewPassiveStream(2, store, mgr)

	m1 := mutation.Mutation{Key: []byte("a"), Op: mutation.Set, BySeqno: 5, PartitionID: 2}
	require.NoError(t, p.Apply(fromMutation(2, m1)))

	stale := mutation.Mutation{Key: []byte("a"), Op: mutation.Set, BySeqno: 5, PartitionID: 2}
	err := p.Apply(fromMutation(2, stale))
	require.Error(t, err)
	var outOfRange *vberr.OutOfRangeError
	require.ErrorAs(t, err, &outOfRange)
	assert.Equal(t, int64(5), outOfRange.Got)
	assert.Equal(t, int64(6), outOfRange.Expected)

	// The rejected mutation must not have reached the store or manager again.
	assert.Len(t, store.applied, 1)
	assert.Len(t, mgr.queued, 1)
}

func TestPassiveStreamIgnoresControlMessages(t *testing.T) {
	store := &fakeLocalStore{}
	mgr := &fakeLocalManager{}
	p := NewPassiveStream(2, store, mgr)

	require.NoError(t, p.Apply(setVBucketState(2, StateActive)))
	require.NoError(t, p.Apply(streamEnd(2, EndOK)))
	require.NoError(t, p.Apply(Message{Kind: KindNone}))
}
