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

package hashcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTablePutThenLookup(t *testing.T) {
	tbl := New(1 << 20)
	tbl.Put([]byte("key1"), 7, []byte("value1"))

	resident, bySeqno, value, ok := tbl.Lookup([]byte("key1"))
	assert.True(t, ok)
	assert.True(t, resident)
	assert.Equal(t, int64(7), bySeqno)
	assert.Equal(t, []byte("value1"), value)
}

func TestTableLookupMissingKey(t *testing.T) {
	tbl := New(1 << 20)
	_, _, _, ok := tbl.Lookup([]byte("absent"))
	assert.False(t, ok)
}

func TestTableEvictMakesLookupMiss(t *testing.T) {
	tbl := New(1 << 20)
	tbl.Put([]byte("key1"), 1, []byte("v"))
	tbl.Evict([]byte("key1"))

	_, _, _, ok := tbl.Lookup([]byte("key1"))
	assert.False(t, ok)
}

func TestTablePutOverwritesPreviousValue(t *testing.T) {
	tbl := New(1 << 20)
	tbl.Put([]byte("key1"), 1, []byte("v1"))
	tbl.Put([]byte("key1"), 2, []byte("v2"))

	_, bySeqno, value, ok := tbl.Lookup([]byte("key1"))
	assert.True(t, ok)
	assert.Equal(t, int64(2), bySeqno)
	assert.Equal(t, []byte("v2"), value)
}
