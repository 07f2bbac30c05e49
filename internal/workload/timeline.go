// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workload

import (
	"github.com/gomlx/tensorcore/pkg/core/allocator"
)

// TimelinePoint is the memory of a device after one trace entry.
type TimelinePoint struct {
	// Step is the index of the trace entry.
	Step int

	// Allocated bytes requested by users and not yet freed.
	Allocated int64

	// Reserved bytes of the segments held by the allocator.
	Reserved int64
}

// Timeline replays the trace of one device (allocator.SnapshotInfo.DeviceTraces) and returns the allocated and
// reserved memory after each entry.
//
// If the trace was truncated (it only keeps the last entries) the values are relative to the first entry kept,
// and may be negative.
func Timeline(trace []allocator.TraceEntry) []TimelinePoint {
	points := make([]TimelinePoint, 0, len(trace))
	var current TimelinePoint
	for step, entry := range trace {
		switch entry.Action {
		case allocator.TraceAlloc:
			current.Allocated += entry.Size
		case allocator.TraceFreeRequested:
			current.Allocated -= entry.Size
		case allocator.TraceSegmentAlloc:
			current.Reserved += entry.Size
		case allocator.TraceSegmentFree:
			current.Reserved -= entry.Size
		default:
			// FreeCompleted, Snapshot and OOM entries don't change the totals.
		}
		current.Step = step
		points = append(points, current)
	}
	return points
}

// Peak returns the point with the largest reserved memory, or the zero point if there are none.
func Peak(points []TimelinePoint) (peak TimelinePoint) {
	for ii, point := range points {
		if ii == 0 || point.Reserved > peak.Reserved {
			peak = point
		}
	}
	return
}
