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

// Package vberr defines the error kinds shared by the checkpoint manager and
// the stream state machines (§7). Only the conditions a caller must branch
// on get a distinguishable type; everything else is a plain wrapped error.
package vberr

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// ErrDuplicateCursor is returned by cursor registration when the name is
// already in use.
var ErrDuplicateCursor = errors.New("vbstream: cursor name already registered")

// ErrCursorUnregistered is returned by cursor operations on an unknown name,
// including a cursor that was registered but subsequently removed.
var ErrCursorUnregistered = errors.New("vbstream: cursor not registered")

// ErrConsumerDisconnected marks a stream torn down without a StreamEnd
// message; callers must not emit one. It is not logged at warning level
// (§7: "silent, no end message").
var ErrConsumerDisconnected = errors.New("vbstream: consumer disconnected")

// ErrBackfillStalled indicates the external store's persisted seqno has not
// yet caught up to the requested backfill end; the caller should reschedule.
var ErrBackfillStalled = errors.New("vbstream: backfill stalled, persisted seqno lags")

// OutOfRangeError reports a by_seqno that violates the strict-monotonicity
// invariant on the passive (replica-ingest) path.
type OutOfRangeError struct {
	Got      int64
	Expected int64 // smallest acceptable value, i.e. last_seqno+1
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("vbstream: out of range seqno %d, expected >= %d", e.Got, e.Expected)
}

// UncoveredSeqnoError reports a cursor registration request at a seqno no
// retained snapshot covers (below the earliest retained seqno, where the
// caller must trigger a backfill, or past the tail).
type UncoveredSeqnoError struct {
	Requested     int64
	EarliestValid int64
}

func (e *UncoveredSeqnoError) Error() string {
	return fmt.Sprintf("vbstream: seqno %d not covered, earliest retained is %d", e.Requested, e.EarliestValid)
}

// StateInvalid aborts the process: it signals a state machine transition
// that the design declares impossible. It is never returned as an error
// value; callers invoke StateInvalid itself.
func StateInvalid(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Error("vbstream: fatal invariant violation", "detail", msg)
	panic("vbstream: state invalid: " + msg)
}
