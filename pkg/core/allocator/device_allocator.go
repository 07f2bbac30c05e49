// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"math"
	"slices"
	"sync"

	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// pendingEvent is an event that must complete before the block can be returned to its pool.
type pendingEvent struct {
	event device.Event
	block *block
}

// allocParams holds the state of one allocation request.
type allocParams struct {
	stream    device.Stream
	size      int64 // Rounded size of the block.
	allocSize int64 // Size of the segment, if one needs to be allocated.
	pool      *blockPool
	types     statTypes
	block     *block
}

// deviceAllocator manages the blocks of one device. All its state is protected by mu.
type deviceAllocator struct {
	index  int
	rt     device.Runtime
	config Config

	mu           sync.Mutex
	stats        DeviceStats
	largeBlocks  *blockPool
	smallBlocks  *blockPool
	activeBlocks sets.Set[*block]

	// events pending per stream, in the order they were recorded.
	events    map[device.Stream][]pendingEvent
	freeEvent []device.Event

	totalAllocatedMemory int64
	allowedMemoryMaximum int64
	setFraction          bool

	recordHistory bool
	contextFn     ContextFn
	recordContext bool
	trace         traceBuffer

	observers []OutOfMemoryObserver
}

func newDeviceAllocator(rt device.Runtime, index int, config Config) *deviceAllocator {
	d := &deviceAllocator{
		index:        index,
		rt:           rt,
		config:       config,
		largeBlocks:  newBlockPool(false),
		smallBlocks:  newBlockPool(true),
		activeBlocks: sets.Make[*block](),
		events:       make(map[device.Stream][]pendingEvent),
	}
	d.trace.reset(1)
	return d
}

func (d *deviceAllocator) poolFor(size int64) *blockPool {
	if size <= SmallSize {
		return d.smallBlocks
	}
	return d.largeBlocks
}

func (d *deviceAllocator) shouldSplit(b *block, size int64) bool {
	remaining := b.size - size
	if b.pool.isSmall {
		return remaining >= MinBlockSize
	}
	return size < d.config.MaxSplitSize && remaining > SmallSize
}

func (d *deviceAllocator) isOversize(size int64) bool {
	return size >= d.config.MaxSplitSize
}

// lockedRecordTrace must be called with d.mu locked.
func (d *deviceAllocator) lockedRecordTrace(action TraceAction, addr, size int64, stream device.Stream, context string) {
	if !d.recordHistory {
		return
	}
	if !d.recordContext {
		context = ""
	}
	d.trace.add(TraceEntry{Action: action, Addr: addr, Size: size, Stream: stream, Context: context})
}

// malloc returns a block of at least origSize bytes for the stream.
//
// freeMemory, if not nil, is called (without holding the lock) when no cached block can serve the request, before
// allocating a new segment. If it returns true the cache is searched again.
func (d *deviceAllocator) malloc(origSize int64, stream device.Stream, freeMemory func() bool) (*block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var context string
	if d.recordHistory && d.contextFn != nil {
		context = d.contextFn()
	}
	d.lockedProcessEvents()

	size := d.config.RoundSize(origSize)
	pool := d.poolFor(size)
	p := &allocParams{
		stream:    stream,
		size:      size,
		allocSize: allocationSize(size),
		pool:      pool,
		types:     pool.statTypes(),
	}

	found := d.lockedGetFreeBlock(p)
	if !found && freeMemory != nil {
		d.mu.Unlock()
		freed := freeMemory()
		d.mu.Lock()
		if freed {
			found = d.lockedGetFreeBlock(p)
		}
	}

	if !found {
		if d.setFraction && d.config.GarbageCollectionThreshold > 0 {
			if err := d.lockedGarbageCollectCachedBlocks(); err != nil {
				return nil, err
			}
		}
		var err error
		found, err = d.lockedAllocBlock(p, false)
		if err == nil && !found {
			var released bool
			released, err = d.lockedReleaseAvailableCachedBlocks(p)
			if err == nil && released {
				found, err = d.lockedAllocBlock(p, false)
			}
		}
		if err == nil && !found {
			klog.V(1).Infof("allocator: device %d flushing the cache to allocate %s", d.index, FormatSize(p.allocSize))
			err = d.lockedReleaseCachedBlocks()
			if err == nil {
				found, err = d.lockedAllocBlock(p, true)
			}
		}
		if err != nil {
			return nil, err
		}
		if found {
			d.lockedRecordTrace(TraceSegmentAlloc, int64(p.block.ptr), p.block.size, stream, context)
		}
	}

	if !found {
		return nil, d.lockedOutOfMemory(p, context)
	}

	b := p.block
	alreadySplit := b.isSplit()
	if d.shouldSplit(b, size) {
		remaining := b
		b = &block{device: d.index, stream: stream, pool: pool, ptr: remaining.ptr, size: size}
		b.prev = remaining.prev
		if b.prev != nil {
			b.prev.next = b
		}
		b.next = remaining
		remaining.prev = b
		remaining.ptr = remaining.ptr.Add(size)
		remaining.size -= size
		pool.blocks.ReplaceOrInsert(remaining)
		if alreadySplit {
			// An already split inactive block shrinks by size bytes.
			d.stats.InactiveSplitBytes.update(-b.size, p.types)
		} else {
			// A new inactive split block is created from an unsplit one.
			d.stats.InactiveSplitBytes.update(remaining.size, p.types)
			d.stats.InactiveSplit.update(1, p.types)
		}
	} else if alreadySplit {
		// An inactive split block becomes active.
		d.stats.InactiveSplitBytes.update(-b.size, p.types)
		d.stats.InactiveSplit.update(-1, p.types)
	}

	b.allocated = true
	b.requestedSize = origSize
	if d.recordHistory {
		b.history = append(b.history, History{Addr: b.ptr, RealSize: origSize, Context: context})
	}
	d.lockedRecordTrace(TraceAlloc, int64(b.ptr), origSize, stream, context)
	d.activeBlocks.Insert(b)

	d.stats.Allocation.update(1, p.types)
	d.stats.AllocatedBytes.update(b.size, p.types)
	d.stats.Active.update(1, p.types)
	d.stats.ActiveBytes.update(b.size, p.types)
	if d.isOversize(b.size) {
		d.stats.OversizeAllocations.update(1)
	}
	klog.V(2).Infof("allocator: device %d allocated %s at %s on %s", d.index, FormatSize(b.size), b.ptr, stream)
	return b, nil
}

// lockedOutOfMemory records the failure and builds the error. The observers are called without the lock.
func (d *deviceAllocator) lockedOutOfMemory(p *allocParams, context string) error {
	free, total, err := d.rt.MemGetInfo(d.index)
	if err != nil {
		klog.Warningf("allocator: device %d failed to get memory info: %+v", d.index, err)
	}
	d.lockedRecordTrace(TraceOOM, free, p.allocSize, p.stream, context)
	d.stats.NumOOMs++
	oom := &OutOfMemoryError{
		Device:    d.index,
		Requested: p.allocSize,
		Total:     total,
		Free:      free,
		Allocated: d.stats.AllocatedBytes[StatAggregate].Current,
		Reserved:  d.stats.ReservedBytes[StatAggregate].Current,
	}
	limit := total
	if d.setFraction {
		oom.Allowed = d.allowedMemoryMaximum
		limit = d.allowedMemoryMaximum
	}
	observers := slices.Clone(d.observers)
	klog.Warningf("allocator: %s", oom.Error())

	d.mu.Unlock()
	for _, observer := range observers {
		observer(d.index, p.allocSize, limit, free)
	}
	d.mu.Lock()
	return errors.WithStack(oom)
}

// lockedGetFreeBlock searches the pool for a cached block.
func (d *deviceAllocator) lockedGetFreeBlock(p *allocParams) bool {
	pool := p.pool
	if d.setFraction && d.config.GarbageCollectionThreshold > 0 {
		pool.blocks.Ascend(func(b *block) bool {
			b.gcCount++
			return true
		})
	}
	b := pool.lowerBound(p.stream, p.size)
	if b == nil {
		return false
	}
	// Oversize blocks are only used for requests of at least MaxSplitSize, and not much smaller than the block.
	maxSplitSize := d.config.MaxSplitSize
	if p.size < maxSplitSize && b.size >= maxSplitSize {
		return false
	}
	if p.size >= maxSplitSize && b.size >= p.size+LargeBuffer {
		return false
	}
	pool.blocks.Delete(b)
	b.gcCount = 0
	p.block = b
	return true
}

// lockedAllocBlock allocates a new segment from the device. It returns false (and no error) if the device is out
// of memory, or if the allocation would go above the memory fraction.
func (d *deviceAllocator) lockedAllocBlock(p *allocParams, isRetry bool) (bool, error) {
	size := p.allocSize
	if isRetry {
		d.stats.NumAllocRetries++
	}
	if d.setFraction && d.totalAllocatedMemory+size > d.allowedMemoryMaximum {
		return false, nil
	}
	ptr, err := d.rt.Malloc(d.index, size)
	if err != nil {
		if errors.Is(err, errkinds.ErrOutOfMemory) {
			klog.V(1).Infof("allocator: device %d malloc of %s failed: %v", d.index, FormatSize(size), err)
			return false, nil
		}
		return false, errors.WithMessagef(err, "allocator: device %d malloc of %s failed", d.index, FormatSize(size))
	}
	d.totalAllocatedMemory += size
	p.block = &block{device: d.index, stream: p.stream, pool: p.pool, ptr: ptr, size: size}
	d.stats.Segment.update(1, p.types)
	d.stats.ReservedBytes.update(size, p.types)
	if d.isOversize(size) {
		d.stats.OversizeSegments.update(1)
	}
	klog.V(1).Infof("allocator: device %d new segment of %s at %s", d.index, FormatSize(size), ptr)
	return true, nil
}

// lockedReleaseAvailableCachedBlocks frees oversize cached blocks of the stream to make room for the request.
// It's only used if MaxSplitSize is set.
func (d *deviceAllocator) lockedReleaseAvailableCachedBlocks(p *allocParams) (bool, error) {
	maxSplitSize := d.config.MaxSplitSize
	if maxSplitSize == math.MaxInt64 {
		return false, nil
	}
	pool := p.pool
	keySize := max(p.size, maxSplitSize)
	if b := pool.lowerBound(p.stream, keySize); b != nil {
		return true, d.lockedReleaseBlock(b)
	}

	// No single block is large enough: free multiple oversize blocks, starting with the largest.
	var toRelease []*block
	var totalReleased int64
	pool.blocks.DescendLessOrEqual(&block{stream: p.stream, size: keySize}, func(b *block) bool {
		if totalReleased >= keySize || b.size < maxSplitSize || b.stream != p.stream {
			return false
		}
		toRelease = append(toRelease, b)
		totalReleased += b.size
		return true
	})
	for _, b := range toRelease {
		if err := d.lockedReleaseBlock(b); err != nil {
			return false, err
		}
	}
	return totalReleased >= keySize, nil
}

// lockedReleaseCachedBlocks waits for all pending events, and returns all unsplit cached blocks to the device.
func (d *deviceAllocator) lockedReleaseCachedBlocks() error {
	d.lockedSynchronizeAndFreeEvents()
	if err := d.lockedReleaseBlocks(d.largeBlocks); err != nil {
		return err
	}
	return d.lockedReleaseBlocks(d.smallBlocks)
}

func (d *deviceAllocator) lockedReleaseBlocks(pool *blockPool) error {
	for _, b := range pool.all() {
		if !b.isSplit() {
			if err := d.lockedReleaseBlock(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// lockedReleaseBlock returns an unsplit cached block (a whole segment) to the device.
func (d *deviceAllocator) lockedReleaseBlock(b *block) error {
	if err := d.rt.Free(d.index, b.ptr); err != nil {
		return errors.WithMessagef(err, "allocator: device %d failed to free segment at %s", d.index, b.ptr)
	}
	d.totalAllocatedMemory -= b.size
	types := b.pool.statTypes()
	d.stats.Segment.update(-1, types)
	d.stats.ReservedBytes.update(-b.size, types)
	if d.isOversize(b.size) {
		d.stats.OversizeSegments.update(-1)
	}
	d.lockedRecordTrace(TraceSegmentFree, int64(b.ptr), b.size, b.stream, "")
	b.pool.blocks.Delete(b)
	klog.V(1).Infof("allocator: device %d released segment of %s at %s", d.index, FormatSize(b.size), b.ptr)
	return nil
}

// lockedGarbageCollectCachedBlocks releases cached unsplit large blocks, oldest first, until the reserved memory
// goes below the garbage collection threshold. It doesn't synchronize pending events.
func (d *deviceAllocator) lockedGarbageCollectCachedBlocks() error {
	gcThreshold := int64(d.config.GarbageCollectionThreshold * float64(d.allowedMemoryMaximum))
	if d.totalAllocatedMemory <= gcThreshold {
		return nil
	}
	targetSize := d.totalAllocatedMemory - gcThreshold
	var gcReclaimed int64

	// The average age of the freeable blocks is the threshold above which blocks are freed.
	var totalAge float64
	var freeableBlockCount int
	for _, b := range d.largeBlocks.all() {
		if !b.isSplit() {
			totalAge += float64(b.gcCount)
			freeableBlockCount++
		}
	}
	blockFreed := true
	for gcReclaimed < targetSize && blockFreed && freeableBlockCount > 0 {
		ageThreshold := totalAge / float64(freeableBlockCount)
		blockFreed = false
		for _, b := range d.largeBlocks.all() {
			if b.isSplit() || float64(b.gcCount) < ageThreshold {
				continue
			}
			blockFreed = true
			gcReclaimed += b.size
			totalAge -= float64(b.gcCount)
			freeableBlockCount--
			if err := d.lockedReleaseBlock(b); err != nil {
				return err
			}
		}
	}
	klog.V(1).Infof("allocator: device %d garbage collection reclaimed %s", d.index, FormatSize(gcReclaimed))
	return nil
}

// free returns an allocated block. If other streams used it, the block is only returned to the pool once the
// work queued on those streams (and on the allocation stream) completes.
func (d *deviceAllocator) free(b *block) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b.allocated = false
	types := b.pool.statTypes()
	d.stats.Allocation.update(-1, types)
	d.stats.AllocatedBytes.update(-b.size, types)
	if d.isOversize(b.size) {
		d.stats.OversizeAllocations.update(-1)
	}
	d.lockedRecordTrace(TraceFreeRequested, int64(b.ptr), b.requestedSize, b.stream, "")
	if b.streamUses.Len() > 0 {
		return d.lockedInsertEvents(b)
	}
	d.lockedFreeBlock(b)
	return nil
}

// lockedFreeBlock returns the block to its pool, merging it with its free neighbours.
func (d *deviceAllocator) lockedFreeBlock(b *block) {
	d.lockedRecordTrace(TraceFreeCompleted, int64(b.ptr), b.requestedSize, b.stream, "")
	originalSize := b.size
	pool := b.pool
	var netInactiveSplitBlocks, netInactiveSplitSize int64
	for _, candidate := range []*block{b.prev, b.next} {
		if subsumed := d.lockedTryMergeBlocks(b, candidate); subsumed > 0 {
			netInactiveSplitBlocks--
			netInactiveSplitSize -= subsumed
		}
	}
	d.activeBlocks.Delete(b)
	pool.blocks.ReplaceOrInsert(b)
	if b.isSplit() {
		netInactiveSplitBlocks++
		netInactiveSplitSize += b.size
	}
	types := pool.statTypes()
	d.stats.InactiveSplit.update(netInactiveSplitBlocks, types)
	d.stats.InactiveSplitBytes.update(netInactiveSplitSize, types)
	d.stats.Active.update(-1, types)
	d.stats.ActiveBytes.update(-originalSize, types)
}

// lockedTryMergeBlocks merges src into dst if src is free. It returns the number of bytes merged.
func (d *deviceAllocator) lockedTryMergeBlocks(dst, src *block) int64 {
	if src == nil || src.inUse() {
		return 0
	}
	if dst.prev == src {
		// [src dst]
		dst.ptr = src.ptr
		dst.prev = src.prev
		if dst.prev != nil {
			dst.prev.next = dst
		}
		dst.history = append(src.history, dst.history...)
	} else {
		// [dst src]
		dst.next = src.next
		if dst.next != nil {
			dst.next.prev = dst
		}
		dst.history = append(dst.history, src.history...)
	}
	subsumed := src.size
	dst.size += subsumed
	dst.pool.blocks.Delete(src)
	return subsumed
}

// lockedInsertEvents records one event on each stream that used the block, and on its allocation stream.
func (d *deviceAllocator) lockedInsertEvents(b *block) error {
	streams := b.streamUses
	b.streamUses = nil
	streams.Insert(b.stream)
	for stream := range streams.Items() {
		event, err := d.lockedGetEvent(stream.Device)
		if err == nil {
			err = event.Record(stream)
		}
		if err != nil {
			if event != nil {
				d.lockedReleaseEvent(stream.Device, event)
			}
			if b.eventCount == 0 {
				// Nothing will complete to free the block later.
				d.lockedFreeBlock(b)
			}
			return errors.WithMessagef(err, "allocator: failed to record event on %s for block %s", stream, b.ptr)
		}
		b.eventCount++
		d.events[stream] = append(d.events[stream], pendingEvent{event: event, block: b})
	}
	klog.V(2).Infof("allocator: device %d deferred free of %s at %s until %d streams complete",
		d.index, FormatSize(b.size), b.ptr, b.eventCount)
	return nil
}

func (d *deviceAllocator) lockedGetEvent(deviceIndex int) (device.Event, error) {
	if deviceIndex == d.index && len(d.freeEvent) > 0 {
		last := len(d.freeEvent) - 1
		event := d.freeEvent[last]
		d.freeEvent = d.freeEvent[:last]
		return event, nil
	}
	return d.rt.NewEvent(deviceIndex)
}

func (d *deviceAllocator) lockedReleaseEvent(deviceIndex int, event device.Event) {
	if deviceIndex == d.index {
		d.freeEvent = append(d.freeEvent, event)
		return
	}
	event.Destroy()
}

// lockedProcessEvents frees the blocks whose events have all completed. Each stream queue is processed in order,
// and stops at the first event not yet completed.
func (d *deviceAllocator) lockedProcessEvents() {
	for stream, queue := range d.events {
		n := 0
		for ; n < len(queue) && queue[n].event.Query(); n++ {
			d.lockedCompleteEvent(stream, queue[n])
		}
		if n == len(queue) {
			delete(d.events, stream)
		} else {
			d.events[stream] = queue[n:]
		}
	}
}

// lockedSynchronizeAndFreeEvents waits for all pending events and frees the corresponding blocks.
func (d *deviceAllocator) lockedSynchronizeAndFreeEvents() {
	for stream, queue := range d.events {
		for _, pe := range queue {
			pe.event.Synchronize()
			d.lockedCompleteEvent(stream, pe)
		}
	}
	clear(d.events)
}

func (d *deviceAllocator) lockedCompleteEvent(stream device.Stream, pe pendingEvent) {
	d.lockedReleaseEvent(stream.Device, pe.event)
	pe.block.eventCount--
	if pe.block.eventCount == 0 {
		d.lockedFreeBlock(pe.block)
	}
}

func (d *deviceAllocator) recordStream(b *block, stream device.Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if stream == b.stream {
		// Uses on the allocation stream don't require any special synchronization.
		return
	}
	if b.streamUses == nil {
		b.streamUses = sets.Make[device.Stream]()
	}
	b.streamUses.Insert(stream)
}

func (d *deviceAllocator) emptyCache() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lockedReleaseCachedBlocks()
}

func (d *deviceAllocator) setMemoryFraction(fraction float64) error {
	_, total, err := d.rt.MemGetInfo(d.index)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allowedMemoryMaximum = int64(fraction * float64(total))
	d.setFraction = true
	return nil
}

// cacheInfo returns the total size of the cached blocks, and the largest of the device free memory and the cached
// blocks.
func (d *deviceAllocator) cacheInfo() (totalCached, largest int64, err error) {
	largest, _, err = d.rt.MemGetInfo(d.index)
	if err != nil {
		return 0, 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, pool := range []*blockPool{d.largeBlocks, d.smallBlocks} {
		pool.blocks.Ascend(func(b *block) bool {
			totalCached += b.size
			largest = max(largest, b.size)
			return true
		})
	}
	return totalCached, largest, nil
}

func (d *deviceAllocator) baseAllocation(b *block) (device.Ptr, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for b.prev != nil {
		b = b.prev
	}
	base := b.ptr
	var size int64
	for ; b != nil; b = b.next {
		size += b.size
	}
	return base, size
}

func (d *deviceAllocator) getStats() DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := d.stats
	stats.MaxSplitSize = d.config.MaxSplitSize
	return stats
}

func (d *deviceAllocator) resetAccumulatedStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.resetAccumulated()
}

func (d *deviceAllocator) resetPeakStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.resetPeak()
}

func (d *deviceAllocator) setRecordHistory(enabled bool, contextFn ContextFn, maxEntries int, recordContext bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recordHistory = enabled
	d.contextFn = nil
	if enabled {
		d.contextFn = contextFn
	}
	d.recordContext = recordContext
	d.trace.reset(maxEntries)
}

func (d *deviceAllocator) attachObserver(observer OutOfMemoryObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, observer)
}

// snapshot returns the segments of the device, in address order, and its trace.
func (d *deviceAllocator) snapshot(id uuid.UUID) ([]SegmentInfo, []TraceEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	allBlocks := d.largeBlocks.all()
	allBlocks = append(allBlocks, d.smallBlocks.all()...)
	for b := range d.activeBlocks.Items() {
		allBlocks = append(allBlocks, b)
	}

	var segments []SegmentInfo
	var totalActive int64
	for _, head := range allBlocks {
		if head.prev != nil {
			continue
		}
		segment := SegmentInfo{
			Device:  head.device,
			Address: head.ptr,
			Stream:  head.stream,
			IsLarge: !head.pool.isSmall,
		}
		for b := head; b != nil; b = b.next {
			info := BlockInfo{
				Size:      b.size,
				GCCounter: b.gcCount,
				Allocated: b.allocated,
				Active:    b.inUse(),
				History:   slices.Clone(b.history),
			}
			segment.TotalSize += info.Size
			if info.Allocated {
				segment.AllocatedSize += info.Size
			}
			if info.Active {
				segment.ActiveSize += info.Size
			}
			segment.Blocks = append(segment.Blocks, info)
		}
		totalActive += segment.ActiveSize
		segments = append(segments, segment)
	}
	slices.SortFunc(segments, func(a, b SegmentInfo) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	if d.recordHistory {
		d.trace.add(TraceEntry{Action: TraceSnapshot, Size: totalActive, Snapshot: id})
	}
	var trace []TraceEntry
	if d.recordHistory {
		trace = d.trace.ordered()
	}
	return segments, trace
}
