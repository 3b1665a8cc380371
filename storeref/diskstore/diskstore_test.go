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

package diskstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvreplica/vbstream/mutation"
)

type noopLookup struct{}

func (noopLookup) Lookup(key []byte) (bool, int64, []byte, bool) { return false, 0, nil, false }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAppendThenDumpRoundTrip(t *testing.T) {
	s := openTestStore(t)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.Append(mutation.Mutation{
			Key: []byte("key"), Value: []byte("value"), Op: mutation.Set,
			PartitionID: 3, BySeqno: i,
		}))
	}

	var got []mutation.Mutation
	var markerStart, markerEnd int64
	err := s.Dump(context.Background(), 3, 1,
		func(m mutation.Mutation) error { got = append(got, m); return nil },
		noopLookup{},
		func(start, end int64) { markerStart, markerEnd = start, end },
	)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, int64(i+1), m.BySeqno)
	}
	assert.Equal(t, int64(1), markerStart)
	assert.Equal(t, int64(5), markerEnd)
}

func TestStoreDumpRespectsStartSeqno(t *testing.T) {
	s := openTestStore(t)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.Append(mutation.Mutation{Key: []byte("key"), Value: []byte("v"), Op: mutation.Set, PartitionID: 1, BySeqno: i}))
	}

	var seqnos []int64
	err := s.Dump(context.Background(), 1, 3,
		func(m mutation.Mutation) error { seqnos = append(seqnos, m.BySeqno); return nil },
		noopLookup{}, func(int64, int64) {},
	)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, seqnos)
}

func TestStoreDumpIsolatesPartitions(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append(mutation.Mutation{Key: []byte("k"), Value: []byte("v"), Op: mutation.Set, PartitionID: 1, BySeqno: 1}))
	require.NoError(t, s.Append(mutation.Mutation{Key: []byte("k"), Value: []byte("v"), Op: mutation.Set, PartitionID: 2, BySeqno: 1}))

	var got []mutation.Mutation
	err := s.Dump(context.Background(), 2, 0,
		func(m mutation.Mutation) error { got = append(got, m); return nil },
		noopLookup{}, func(int64, int64) {},
	)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 2, got[0].PartitionID)
}

func TestStorePersistenceSeqnoReportsHighest(t *testing.T) {
	s := openTestStore(t)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.Append(mutation.Mutation{Key: []byte("k"), Value: []byte("v"), Op: mutation.Set, PartitionID: 4, BySeqno: i}))
	}
	seq, err := s.PersistenceSeqno(4)
	require.NoError(t, err)
	assert.EqualValues(t, 3, seq)
}

func TestStorePersistenceSeqnoEmptyPartition(t *testing.T) {
	s := openTestStore(t)
	seq, err := s.PersistenceSeqno(99)
	require.NoError(t, err)
	assert.EqualValues(t, 0, seq)
}

func TestStoreNumItemsCountsRange(t *testing.T) {
	s := openTestStore(t)
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, s.Append(mutation.Mutation{Key: []byte("k"), Value: []byte("v"), Op: mutation.Set, PartitionID: 5, BySeqno: i}))
	}
	n, err := s.NumItems(5, 3, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}
