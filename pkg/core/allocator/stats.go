// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package allocator

//go:generate go tool enumer -type=StatType -trimprefix=Stat -output=gen_stattype_enumer.go stats.go

// StatType selects which pool a statistic refers to.
type StatType int

const (
	// StatAggregate accounts for both pools.
	StatAggregate StatType = iota
	StatSmallPool
	StatLargePool
)

// NumStatTypes is the number of StatType values.
const NumStatTypes = int(StatLargePool) + 1

// Stat is one statistic.
//
// Allocated - Freed == Current always holds: resetting the accumulated counters (see
// CachingAllocator.ResetAccumulatedStats) restarts Allocated from Current.
type Stat struct {
	Current   int64
	Peak      int64
	Allocated int64
	Freed     int64
}

func (s *Stat) update(amount int64) {
	s.Current += amount
	s.Peak = max(s.Peak, s.Current)
	if amount > 0 {
		s.Allocated += amount
	} else {
		s.Freed -= amount
	}
}

func (s *Stat) resetAccumulated() {
	s.Allocated = s.Current
	s.Freed = 0
}

func (s *Stat) resetPeak() {
	s.Peak = s.Current
}

// StatArray holds one Stat per StatType.
type StatArray [NumStatTypes]Stat

// statTypes selects which entries of a StatArray to update.
type statTypes [NumStatTypes]bool

func (a *StatArray) update(amount int64, types statTypes) {
	for ii, selected := range types {
		if selected {
			a[ii].update(amount)
		}
	}
}

func (a *StatArray) resetAccumulated() {
	for ii := range a {
		a[ii].resetAccumulated()
	}
}

func (a *StatArray) resetPeak() {
	for ii := range a {
		a[ii].resetPeak()
	}
}

// DeviceStats are the statistics of the allocator for one device.
type DeviceStats struct {
	// Allocation counts the blocks handed out by the allocator.
	Allocation StatArray

	// Segment counts the segments allocated from the device.
	Segment StatArray

	// Active counts the blocks in use (allocated, or freed but still in use by a recorded stream).
	Active StatArray

	// InactiveSplit counts the free blocks that are part of a split segment (a measure of fragmentation).
	InactiveSplit StatArray

	// AllocatedBytes, ReservedBytes, ActiveBytes and InactiveSplitBytes are the byte counts of the above.
	AllocatedBytes     StatArray
	ReservedBytes      StatArray
	ActiveBytes        StatArray
	InactiveSplitBytes StatArray

	// NumAllocRetries counts the allocations that had to flush the cache and retry the device allocation.
	NumAllocRetries int64

	// NumOOMs counts the allocations that failed with an out-of-memory error.
	NumOOMs int64

	// OversizeAllocations and OversizeSegments count the blocks and segments of MaxSplitSize or more.
	OversizeAllocations Stat
	OversizeSegments    Stat

	// MaxSplitSize configured.
	MaxSplitSize int64
}

func (s *DeviceStats) resetAccumulated() {
	for _, a := range s.arrays() {
		a.resetAccumulated()
	}
	s.NumAllocRetries = 0
	s.NumOOMs = 0
	s.OversizeAllocations.resetAccumulated()
	s.OversizeSegments.resetAccumulated()
}

func (s *DeviceStats) resetPeak() {
	for _, a := range s.arrays() {
		a.resetPeak()
	}
	s.OversizeAllocations.resetPeak()
	s.OversizeSegments.resetPeak()
}

func (s *DeviceStats) arrays() []*StatArray {
	return []*StatArray{&s.Allocation, &s.Segment, &s.Active, &s.InactiveSplit,
		&s.AllocatedBytes, &s.ReservedBytes, &s.ActiveBytes, &s.InactiveSplitBytes}
}
