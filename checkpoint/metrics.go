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

package checkpoint

import "github.com/ethereum/go-ethereum/metrics"

var (
	queueItemsTotal         = metrics.NewRegisteredCounter("vbstream/checkpoint/queue/items", nil)
	checkpointsRotatedTotal = metrics.NewRegisteredCounter("vbstream/checkpoint/rotated", nil)
	checkpointsMergedTotal  = metrics.NewRegisteredCounter("vbstream/checkpoint/merged", nil)
	snapshotsReclaimedTotal = metrics.NewRegisteredCounter("vbstream/checkpoint/reclaimed", nil)
	persistAgainTotal       = metrics.NewRegisteredCounter("vbstream/checkpoint/persist_again", nil)
	openSnapshotItems       = metrics.NewRegisteredGauge("vbstream/checkpoint/open/items", nil)
	cursorCount             = metrics.NewRegisteredGauge("vbstream/checkpoint/cursors", nil)
	memoryOverheadBytes     = metrics.NewRegisteredGauge("vbstream/checkpoint/memory/overhead_bytes", nil)
)
