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

// Package diskstore is a pebble-backed reference implementation of the
// stream.Store interface (§6): the on-disk collaborator the design treats
// as external, provided here so the core can be exercised end to end.
package diskstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/log"

	"github.com/kvreplica/vbstream/mutation"
	"github.com/kvreplica/vbstream/stream"
)

// Store is a pebble-backed key-value log keyed by (partition_id, by_seqno).
// It is the reference implementation of stream.Store, standing in for the
// engine's real on-disk storage.
type Store struct {
	mu sync.Mutex
	db *pebble.DB
}

// Open opens (creating if absent) a pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func encodeKey(partitionID uint16, seqno int64) []byte {
	k := make([]byte, 10)
	binary.BigEndian.PutUint16(k[0:2], partitionID)
	binary.BigEndian.PutUint64(k[2:10], uint64(seqno))
	return k
}

func decodeSeqno(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[2:10]))
}

func encodeValue(m mutation.Mutation) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeValue(data []byte) (mutation.Mutation, error) {
	var m mutation.Mutation
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m)
	return m, err
}

// Append durably records m, replaying the write path's persistence side of
// the pipeline (the mutation has already been queued into the checkpoint
// manager by the time it reaches here).
func (s *Store) Append(m mutation.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, err := encodeValue(m)
	if err != nil {
		return err
	}
	return s.db.Set(encodeKey(m.PartitionID, m.BySeqno), val, pebble.Sync)
}

// Dump implements stream.Store: it replays every record for partitionID
// with by_seqno >= startSeqno, in ascending seqno order, checking lookup
// before touching the decoded disk value so a still-resident in-memory
// version wins. The marker precedes the first item, so the true end of the
// range is found with a bounded lookup before the forward scan starts
// rather than discovered as the scan goes.
func (s *Store) Dump(ctx context.Context, partitionID uint16, startSeqno int64, onItem stream.OnItem, lookup stream.CacheLookup, onMarker stream.OnMarker) error {
	s.mu.Lock()
	lo := encodeKey(partitionID, startSeqno)
	hi := encodeKey(partitionID+1, 0)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer iter.Close()

	if !iter.First() {
		onMarker(startSeqno, startSeqno)
		return iter.Error()
	}
	rangeStart := decodeSeqno(iter.Key())
	if !iter.Last() {
		return iter.Error()
	}
	rangeEnd := decodeSeqno(iter.Key())
	onMarker(rangeStart, rangeEnd)

	for valid := iter.First(); valid; valid = iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m, err := decodeValue(iter.Value())
		if err != nil {
			log.Error("vbstream: diskstore decode failed", "vb", partitionID, "seq", decodeSeqno(iter.Key()), "err", err)
			continue
		}

		if resident, bySeqno, value, ok := lookup.Lookup(m.Key); ok && resident {
			m.Value = value
			m.BySeqno = bySeqno
		}

		if err := onItem(m); err != nil {
			return err
		}
	}
	return iter.Error()
}

// NumItems reports how many records a [start, end] dump would yield.
func (s *Store) NumItems(partitionID uint16, start, end int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: encodeKey(partitionID, start),
		UpperBound: encodeKey(partitionID, end+1),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	var n uint64
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n, iter.Error()
}

// PersistenceSeqno reports the highest seqno persisted for partitionID.
func (s *Store) PersistenceSeqno(partitionID uint16) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: encodeKey(partitionID, 0),
		UpperBound: encodeKey(partitionID+1, 0),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return uint64(decodeSeqno(iter.Key())), iter.Error()
}
