// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/google/uuid"
)

// BlockInfo describes one block of a segment.
type BlockInfo struct {
	Size      int64
	GCCounter int

	// Allocated is true if the block is handed out to a user.
	Allocated bool

	// Active is true if the block is allocated, or freed but waiting for other streams to complete.
	Active bool

	// History of the allocations that used the block, if recording history.
	History []History
}

// SegmentInfo describes one segment: a device allocation, split in blocks.
type SegmentInfo struct {
	Device        int
	Address       device.Ptr
	TotalSize     int64
	AllocatedSize int64
	ActiveSize    int64
	Stream        device.Stream
	IsLarge       bool
	Blocks        []BlockInfo
}

// SnapshotInfo is a point-in-time view of the allocator.
type SnapshotInfo struct {
	// ID identifies the snapshot in the device traces: see TraceSnapshot.
	ID uuid.UUID

	// Segments of all devices, sorted by device and address.
	Segments []SegmentInfo

	// DeviceTraces holds the trace of each device, if history is being recorded.
	DeviceTraces [][]TraceEntry
}

// TotalReserved returns the sum of the sizes of the segments.
func (s *SnapshotInfo) TotalReserved() int64 {
	var total int64
	for _, segment := range s.Segments {
		total += segment.TotalSize
	}
	return total
}

// TotalAllocated returns the sum of the sizes of the allocated blocks.
func (s *SnapshotInfo) TotalAllocated() int64 {
	var total int64
	for _, segment := range s.Segments {
		total += segment.AllocatedSize
	}
	return total
}
