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

// Package hashcache is a fastcache-backed reference implementation of the
// stream.HashTable interface (§6): a locked point-lookup table standing in
// for the engine's real in-memory hash table.
package hashcache

import (
	"encoding/binary"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
)

// Table is a fixed-capacity, locked key -> (by_seqno, value) cache.
// fastcache already shards its own locking internally; the additional mutex
// here only guards the resident-set accounting this package adds on top.
type Table struct {
	mu       sync.RWMutex
	cache    *fastcache.Cache
	resident map[string]struct{}
}

// New creates a Table with the given approximate byte capacity.
func New(maxBytes int) *Table {
	return &Table{
		cache:    fastcache.New(maxBytes),
		resident: make(map[string]struct{}),
	}
}

// Put records key as resident with the given by_seqno and value.
func (t *Table) Put(key []byte, bySeqno int64, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Set(key, encodeEntry(bySeqno, value))
	t.resident[string(key)] = struct{}{}
}

// Evict marks key no longer resident (e.g. on eviction from the real
// engine's working set); subsequent lookups report ok=false.
func (t *Table) Evict(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.resident, string(key))
	t.cache.Del(key)
}

// Lookup implements stream.CacheLookup and stream.HashTable.
func (t *Table) Lookup(key []byte) (resident bool, bySeqno int64, value []byte, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, present := t.resident[string(key)]; !present {
		return false, 0, nil, false
	}
	raw, found := t.cache.HasGet(nil, key)
	if !found {
		return false, 0, nil, false
	}
	seq, val := decodeEntry(raw)
	return true, seq, val, true
}

func encodeEntry(bySeqno int64, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(bySeqno))
	copy(buf[8:], value)
	return buf
}

func decodeEntry(raw []byte) (int64, []byte) {
	if len(raw) < 8 {
		return 0, nil
	}
	seq := int64(binary.BigEndian.Uint64(raw[:8]))
	val := append([]byte(nil), raw[8:]...)
	return seq, val
}
