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

// Package backfill provides a bounded-concurrency task pool standing in for
// "the task scheduler that runs backfills" named as an external collaborator
// in §1 of the design. A Pool satisfies stream.BackfillScheduler.
package backfill

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"
)

// Pool runs backfill tasks with a fixed concurrency ceiling. Each task is
// handed a liveness probe: once the owning stream has gone dead, in-flight
// items must be discarded rather than delivered (§5).
type Pool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewPool creates a Pool that runs at most concurrency tasks at once.
func NewPool(concurrency int64) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{sem: semaphore.NewWeighted(concurrency)}
}

// Schedule implements stream.BackfillScheduler. task is run on its own
// goroutine once a concurrency slot is free; alive reports whether the
// owning stream is still accepting delivered items.
func (p *Pool) Schedule(task func(alive func() bool)) {
	if p.closed.Load() {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		task(func() bool { return !p.closed.Load() })
	}()
}

// Close marks the pool closed: alive() reports false to every in-flight task
// from this point, and no further tasks are accepted. It does not block;
// call Wait afterward to join outstanding goroutines.
func (p *Pool) Close() {
	p.closed.Store(true)
}

// Wait blocks until every scheduled task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
	log.Debug("vbstream: backfill pool drained")
}
