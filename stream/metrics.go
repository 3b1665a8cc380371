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

import "github.com/ethereum/go-ethereum/metrics"

var (
	messagesEmittedTotal  = metrics.NewRegisteredCounter("vbstream/stream/messages", nil)
	streamEndTotal         = metrics.NewRegisteredCounter("vbstream/stream/end", nil)
	backfillFailedTotal    = metrics.NewRegisteredCounter("vbstream/stream/backfill_failed", nil)
	outOfRangeDroppedTotal = metrics.NewRegisteredCounter("vbstream/stream/passive/out_of_range", nil)
)
