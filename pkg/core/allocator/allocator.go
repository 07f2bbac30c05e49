// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package allocator implements a caching device memory allocator.
//
// Device allocation calls (device.Runtime.Malloc/Free) are slow and synchronizing. The CachingAllocator keeps freed
// memory in per-device pools of blocks, and reuses it for later requests of similar sizes:
//
//   - Requests of up to 1 MiB are served from the small pool, carved out of 2 MiB segments.
//   - Larger requests are served from the large pool, carved out of 20 MiB segments, or from segments of the
//     request size (rounded to 2 MiB) for requests of 10 MiB or more.
//
// Blocks are tied to the stream where they were allocated: a freed block is only reused by allocations on the
// same stream, so the stream ordering guarantees that the previous work on the block completed. If a block is also
// used by other streams, it must be declared with RecordStream: when freed, it is only returned to its pool after
// the work queued on those streams (and on the allocation stream) completes.
//
// If a request can't be satisfied, the allocator frees all cached (unused) segments and retries once. If that
// fails, it returns an *OutOfMemoryError, which matches errkinds.ErrOutOfMemory.
//
// The allocator is configured with a Config (see ParseConfig and ConfigFromEnv). The state of each device is
// protected by its own mutex, so different devices can be used in parallel.
package allocator

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// numShards of the map of allocated blocks.
const numShards = 16

type blockShard struct {
	mu     sync.Mutex
	blocks map[device.Ptr]*block
}

// CachingAllocator is the caching allocator for all devices of a device.Runtime.
// It is safe for concurrent use.
type CachingAllocator struct {
	rt      device.Runtime
	config  Config
	devices []*deviceAllocator
	shards  [numShards]blockShard

	muCallbacks sync.RWMutex
	callbacks   map[string]FreeMemoryCallback
}

// New creates a CachingAllocator for the devices of rt.
func New(rt device.Runtime, config Config) (*CachingAllocator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	a := &CachingAllocator{
		rt:        rt,
		config:    config,
		devices:   make([]*deviceAllocator, rt.NumDevices()),
		callbacks: make(map[string]FreeMemoryCallback),
	}
	for ii := range a.devices {
		a.devices[ii] = newDeviceAllocator(rt, ii, config)
	}
	for ii := range a.shards {
		a.shards[ii].blocks = make(map[device.Ptr]*block)
	}
	klog.V(1).Infof("allocator: caching allocator for %d %q devices, config %q", len(a.devices), rt.Name(), config)
	return a, nil
}

// MustNew is like New, but panics on error.
func MustNew(rt device.Runtime, config Config) *CachingAllocator {
	a, err := New(rt, config)
	if err != nil {
		panic(err)
	}
	return a
}

// Validate returns an error if the configuration is not valid.
func (c Config) Validate() error {
	if c.MaxSplitSize <= 0 {
		return errkinds.InvalidArgumentf("allocator config: MaxSplitSize must be > 0, got %d", c.MaxSplitSize)
	}
	if c.GarbageCollectionThreshold < 0 || c.GarbageCollectionThreshold >= 1 {
		return errkinds.InvalidArgumentf("allocator config: GarbageCollectionThreshold must be in [0, 1), got %g",
			c.GarbageCollectionThreshold)
	}
	if d := c.RoundupPower2Divisions; d < 0 || (d > 0 && d&(d-1) != 0) {
		return errkinds.InvalidArgumentf("allocator config: RoundupPower2Divisions must be a power of 2, got %d", d)
	}
	return nil
}

// Name of the allocator.
func (a *CachingAllocator) Name() string { return "caching" }

// Runtime returns the device runtime used by the allocator.
func (a *CachingAllocator) Runtime() device.Runtime { return a.rt }

// Config returns the configuration of the allocator.
func (a *CachingAllocator) Config() Config { return a.config }

// NumDevices returns the number of devices managed.
func (a *CachingAllocator) NumDevices() int { return len(a.devices) }

func (a *CachingAllocator) device(index int) (*deviceAllocator, error) {
	if index < 0 || index >= len(a.devices) {
		return nil, errkinds.PreconditionViolationf("allocator: device %d not available, there are %d devices",
			index, len(a.devices))
	}
	return a.devices[index], nil
}

type streamKey struct{}

// WithStream returns a context whose current stream is stream. See RawAlloc.
func WithStream(ctx context.Context, stream device.Stream) context.Context {
	return context.WithValue(ctx, streamKey{}, stream)
}

// StreamFromContext returns the current stream set with WithStream, or the default stream of device 0.
func StreamFromContext(ctx context.Context) device.Stream {
	if ctx != nil {
		if stream, ok := ctx.Value(streamKey{}).(device.Stream); ok {
			return stream
		}
	}
	return device.DefaultStream(0)
}

// RawAlloc allocates nbytes on the current stream of ctx (see WithStream).
func (a *CachingAllocator) RawAlloc(ctx context.Context, nbytes int64) (device.Ptr, error) {
	return a.RawAllocWithStream(nbytes, StreamFromContext(ctx))
}

// RawAllocWithStream allocates nbytes for use on the stream, in the stream's device.
// Allocating 0 bytes returns a nil pointer.
func (a *CachingAllocator) RawAllocWithStream(nbytes int64, stream device.Stream) (device.Ptr, error) {
	if nbytes == 0 {
		return 0, nil
	}
	if nbytes < 0 {
		return 0, errkinds.InvalidArgumentf("allocator: negative allocation size %d", nbytes)
	}
	d, err := a.device(stream.Device)
	if err != nil {
		return 0, err
	}
	b, err := d.malloc(nbytes, stream, a.runFreeMemoryCallbacks)
	if err != nil {
		return 0, err
	}
	shard := a.shard(b.ptr)
	shard.mu.Lock()
	shard.blocks[b.ptr] = b
	shard.mu.Unlock()
	return b.ptr, nil
}

// RawDelete frees memory allocated with RawAlloc or RawAllocWithStream. Deleting a nil pointer is a no-op.
func (a *CachingAllocator) RawDelete(ptr device.Ptr) error {
	if ptr == 0 {
		return nil
	}
	b := a.allocatedBlock(ptr, true)
	if b == nil {
		return errkinds.InvalidArgumentf("allocator: invalid device pointer %s", ptr)
	}
	return a.devices[b.device].free(b)
}

// RecordStream declares that the memory at ptr is used by work queued on stream. When freed, the block won't be
// reused until that work completes. Recording the allocation stream is a no-op.
func (a *CachingAllocator) RecordStream(ptr device.Ptr, stream device.Stream) error {
	if ptr == 0 {
		return nil
	}
	b := a.allocatedBlock(ptr, false)
	if b == nil {
		return errkinds.InvalidArgumentf("allocator: invalid device pointer %s", ptr)
	}
	a.devices[b.device].recordStream(b, stream)
	return nil
}

func (a *CachingAllocator) shard(ptr device.Ptr) *blockShard {
	return &a.shards[(uintptr(ptr)/MinBlockSize)%numShards]
}

func (a *CachingAllocator) allocatedBlock(ptr device.Ptr, remove bool) *block {
	shard := a.shard(ptr)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	b, found := shard.blocks[ptr]
	if !found {
		return nil
	}
	if remove {
		delete(shard.blocks, ptr)
	}
	return b
}

// EmptyCache returns all cached unsplit segments of all devices to the device runtime.
// It first waits for the work of the streams recorded with RecordStream on freed blocks.
// Allocated blocks are not affected.
func (a *CachingAllocator) EmptyCache() error {
	for _, d := range a.devices {
		if err := d.emptyCache(); err != nil {
			return err
		}
	}
	return nil
}

// DeviceStats returns the statistics of the device.
func (a *CachingAllocator) DeviceStats(index int) (DeviceStats, error) {
	d, err := a.device(index)
	if err != nil {
		return DeviceStats{}, err
	}
	return d.getStats(), nil
}

// ResetAccumulatedStats resets the accumulated counters, and the retries and OOM counts: Freed goes to 0 and
// Allocated to the current value of each stat.
func (a *CachingAllocator) ResetAccumulatedStats(index int) error {
	d, err := a.device(index)
	if err != nil {
		return err
	}
	d.resetAccumulatedStats()
	return nil
}

// ResetPeakStats resets the peaks to the current values.
func (a *CachingAllocator) ResetPeakStats(index int) error {
	d, err := a.device(index)
	if err != nil {
		return err
	}
	d.resetPeakStats()
	return nil
}

// Snapshot returns the segments of all devices and, if history is being recorded, their traces.
//
// Each device is captured atomically. A TraceSnapshot entry with the snapshot ID is added to each device trace.
func (a *CachingAllocator) Snapshot() SnapshotInfo {
	info := SnapshotInfo{ID: uuid.New()}
	info.DeviceTraces = make([][]TraceEntry, len(a.devices))
	for ii, d := range a.devices {
		segments, trace := d.snapshot(info.ID)
		info.Segments = append(info.Segments, segments...)
		info.DeviceTraces[ii] = trace
	}
	return info
}

// CacheInfo returns the total size of the cached (free) blocks of the device, and the largest of the device free
// memory and the cached blocks: the largest request that can be served without flushing the cache.
func (a *CachingAllocator) CacheInfo(index int) (totalCached, largest int64, err error) {
	d, err := a.device(index)
	if err != nil {
		return 0, 0, err
	}
	return d.cacheInfo()
}

// BaseAllocation returns the base address and total size of the segment that contains the allocated ptr.
func (a *CachingAllocator) BaseAllocation(ptr device.Ptr) (base device.Ptr, size int64, err error) {
	b := a.allocatedBlock(ptr, false)
	if b == nil {
		return 0, 0, errkinds.InvalidArgumentf("allocator: invalid device pointer %s", ptr)
	}
	base, size = a.devices[b.device].baseAllocation(b)
	return base, size, nil
}

// SetMemoryFraction limits the memory reserved by the allocator in the device to fraction of its total memory.
// Allocations that would go above it fail with an out-of-memory error.
func (a *CachingAllocator) SetMemoryFraction(fraction float64, index int) error {
	if fraction < 0 || fraction > 1 {
		return errkinds.InvalidArgumentf("allocator: invalid memory fraction %g, it must be between 0 and 1", fraction)
	}
	d, err := a.device(index)
	if err != nil {
		return err
	}
	return d.setMemoryFraction(fraction)
}

// RecordHistory enables (or disables) the recording of the trace of allocator events, and of the history of
// each block.
//
// contextFn, if not nil, is called on each allocation to describe its context (e.g. StackContext): it's stored in
// the block history, and in the trace entries if recordContext is true. The trace keeps the last maxEntries
// entries per device. Calling RecordHistory clears the previous trace.
func (a *CachingAllocator) RecordHistory(enabled bool, contextFn ContextFn, maxEntries int, recordContext bool) {
	for _, d := range a.devices {
		d.setRecordHistory(enabled, contextFn, maxEntries, recordContext)
	}
}

// AttachOutOfMemoryObserver adds an observer called on every out-of-memory failure, of any device.
func (a *CachingAllocator) AttachOutOfMemoryObserver(observer OutOfMemoryObserver) {
	for _, d := range a.devices {
		d.attachObserver(observer)
	}
}

// RegisterFreeMemoryCallback registers (or replaces) a named callback called before allocating new segments.
// A nil callback unregisters it.
func (a *CachingAllocator) RegisterFreeMemoryCallback(name string, callback FreeMemoryCallback) {
	a.muCallbacks.Lock()
	defer a.muCallbacks.Unlock()
	if callback == nil {
		delete(a.callbacks, name)
		return
	}
	a.callbacks[name] = callback
}

// runFreeMemoryCallbacks runs all callbacks, in name order, and returns whether any freed memory.
func (a *CachingAllocator) runFreeMemoryCallbacks() bool {
	a.muCallbacks.RLock()
	names := make([]string, 0, len(a.callbacks))
	for name := range a.callbacks {
		names = append(names, name)
	}
	callbacks := make([]FreeMemoryCallback, 0, len(names))
	slices.Sort(names)
	for _, name := range names {
		callbacks = append(callbacks, a.callbacks[name])
	}
	a.muCallbacks.RUnlock()

	var freed bool
	for _, callback := range callbacks {
		if callback() {
			freed = true
		}
	}
	return freed
}

// String returns a summary of the memory use of all devices.
func (a *CachingAllocator) String() string {
	var reserved, allocated int64
	for _, d := range a.devices {
		stats := d.getStats()
		reserved += stats.ReservedBytes[StatAggregate].Current
		allocated += stats.AllocatedBytes[StatAggregate].Current
	}
	return fmt.Sprintf("CachingAllocator(%s, %d devices, %s allocated, %s reserved)",
		a.rt.Name(), len(a.devices), FormatSize(allocated), FormatSize(reserved))
}
