// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simdevice implements a simulated accelerator, a device.Runtime backed by host memory.
//
// It enforces a per-device memory capacity, hands out synthetic device addresses and simulates streams:
// work is "launched" on a stream with Runtime.Launch and stays pending until Work.Complete is called.
// Events recorded on a stream capture the work pending at record time.
//
// It is registered as "sim" in package device, and can be selected with TENSORCORE_DEVICE="sim:<config>".
// See ParseConfig for the configuration format.
package simdevice

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/support/xsync"
	"github.com/google/btree"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the runtime in the device registry.
const Name = "sim"

func init() {
	device.Register(Name, func(config string) (device.Runtime, error) {
		return New(config)
	})
}

// Config of the simulated devices.
type Config struct {
	// NumDevices simulated, all with the same capacity.
	NumDevices int

	// Capacity of each device in bytes.
	Capacity int64

	// Alignment of the addresses returned by Malloc.
	Alignment int64
}

// DefaultConfig is used for the values not given in the configuration string.
var DefaultConfig = Config{
	NumDevices: 1,
	Capacity:   1 << 30,
	Alignment:  512,
}

// ParseConfig parses a comma-separated list of "key=value" settings. The keys are:
//
//   - devices: number of devices.
//   - capacity: memory per device, e.g. "64MiB" or "2GB".
//   - alignment: alignment of the returned addresses, e.g. "512".
//
// Keys not given take their value from DefaultConfig.
func ParseConfig(config string) (Config, error) {
	c := DefaultConfig
	for part := range strings.SplitSeq(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !found {
			return c, errkinds.InvalidArgumentf("simdevice: invalid setting %q in config %q, expected key=value", part, config)
		}
		switch key {
		case "devices":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return c, errkinds.InvalidArgumentf("simdevice: invalid number of devices %q", value)
			}
			c.NumDevices = n
		case "capacity", "alignment":
			n, err := humanize.ParseBytes(value)
			if err != nil || n == 0 {
				return c, errkinds.InvalidArgumentf("simdevice: invalid %s %q", key, value)
			}
			if key == "capacity" {
				c.Capacity = int64(n)
			} else {
				c.Alignment = int64(n)
			}
		default:
			return c, errkinds.InvalidArgumentf("simdevice: unknown setting %q in config %q", key, config)
		}
	}
	return c, nil
}

// segment of device memory. The host backing data is only created on first access.
type segment struct {
	base device.Ptr
	size int64
	data []byte
}

func segmentLess(a, b *segment) bool { return a.base < b.base }

// addressSpaceBits separates the synthetic address spaces of the devices.
const addressSpaceBits = 40

type simDevice struct {
	index int

	mu       sync.Mutex
	used     int64
	nextAddr device.Ptr
	segments *btree.BTreeG[*segment]
	streams  map[uint64][]*Work

	numMallocs, numFrees atomic.Int64
	failMallocs          atomic.Int32
	failEvents           atomic.Int32
}

// Runtime implements device.Runtime for simulated devices.
type Runtime struct {
	config  Config
	devices []*simDevice
}

var _ device.Runtime = (*Runtime)(nil)
var _ device.HostAccessor = (*Runtime)(nil)

// New creates a simulated runtime from a configuration string, see ParseConfig.
func New(config string) (*Runtime, error) {
	c, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(c), nil
}

// NewWithConfig creates a simulated runtime.
func NewWithConfig(config Config) *Runtime {
	if config.Alignment <= 0 {
		config.Alignment = DefaultConfig.Alignment
	}
	r := &Runtime{config: config, devices: make([]*simDevice, config.NumDevices)}
	for ii := range r.devices {
		r.devices[ii] = &simDevice{
			index:    ii,
			nextAddr: device.Ptr(uint64(ii+1) << addressSpaceBits),
			segments: btree.NewG(8, segmentLess),
			streams:  make(map[uint64][]*Work),
		}
	}
	klog.V(1).Infof("simdevice: created %d devices with %s each", config.NumDevices, humanize.IBytes(uint64(config.Capacity)))
	return r
}

// Name implements device.Runtime.
func (r *Runtime) Name() string { return Name }

// Type implements device.Runtime.
func (r *Runtime) Type() device.Type { return device.TypeSim }

// NumDevices implements device.Runtime.
func (r *Runtime) NumDevices() int { return len(r.devices) }

// Config returns the configuration of the runtime.
func (r *Runtime) Config() Config { return r.config }

func (r *Runtime) device(index int) (*simDevice, error) {
	if index < 0 || index >= len(r.devices) {
		return nil, errkinds.PreconditionViolationf("simdevice: device %d not available, there are %d devices", index, len(r.devices))
	}
	return r.devices[index], nil
}

// Malloc implements device.Runtime.
func (r *Runtime) Malloc(index int, nbytes int64) (device.Ptr, error) {
	d, err := r.device(index)
	if err != nil {
		return 0, err
	}
	if nbytes <= 0 {
		return 0, errkinds.InvalidArgumentf("simdevice: invalid allocation size %d", nbytes)
	}
	d.numMallocs.Add(1)
	if d.failMallocs.Load() > 0 && d.failMallocs.Add(-1) >= 0 {
		return 0, errkinds.OutOfMemoryf("simdevice: device %d injected malloc failure for %s", index, humanize.IBytes(uint64(nbytes)))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used+nbytes > r.config.Capacity {
		return 0, errkinds.OutOfMemoryf("simdevice: device %d can't allocate %s, %s free of %s", index,
			humanize.IBytes(uint64(nbytes)), humanize.IBytes(uint64(r.config.Capacity-d.used)),
			humanize.IBytes(uint64(r.config.Capacity)))
	}
	seg := &segment{base: d.nextAddr, size: nbytes}
	d.nextAddr = d.nextAddr.Add((nbytes + r.config.Alignment - 1) / r.config.Alignment * r.config.Alignment)
	d.used += nbytes
	d.segments.ReplaceOrInsert(seg)
	klog.V(2).Infof("simdevice: device %d malloc %s at %s", index, humanize.IBytes(uint64(nbytes)), seg.base)
	return seg.base, nil
}

// Free implements device.Runtime.
func (r *Runtime) Free(index int, ptr device.Ptr) error {
	d, err := r.device(index)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	seg, found := d.segments.Delete(&segment{base: ptr})
	if !found {
		return errkinds.InvalidArgumentf("simdevice: device %d free of unknown pointer %s", index, ptr)
	}
	d.numFrees.Add(1)
	d.used -= seg.size
	klog.V(2).Infof("simdevice: device %d free %s at %s", index, humanize.IBytes(uint64(seg.size)), ptr)
	return nil
}

// MemGetInfo implements device.Runtime.
func (r *Runtime) MemGetInfo(index int) (free, total int64, err error) {
	d, err := r.device(index)
	if err != nil {
		return 0, 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return r.config.Capacity - d.used, r.config.Capacity, nil
}

// HostBytes implements device.HostAccessor. The range must be within one segment returned by Malloc.
func (r *Runtime) HostBytes(index int, ptr device.Ptr, nbytes int64) ([]byte, error) {
	d, err := r.device(index)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var seg *segment
	d.segments.DescendLessOrEqual(&segment{base: ptr}, func(s *segment) bool {
		seg = s
		return false
	})
	if seg == nil || nbytes < 0 || int64(ptr-seg.base)+nbytes > seg.size {
		return nil, errkinds.InvalidArgumentf("simdevice: device %d range [%s, +%d) is not allocated", index, ptr, nbytes)
	}
	if seg.data == nil {
		seg.data = make([]byte, seg.size)
	}
	offset := int64(ptr - seg.base)
	return seg.data[offset : offset+nbytes : offset+nbytes], nil
}

// NumMallocs returns the number of calls to Malloc for the device, including failed ones.
func (r *Runtime) NumMallocs(index int) int64 { return r.devices[index].numMallocs.Load() }

// NumFrees returns the number of successful calls to Free for the device.
func (r *Runtime) NumFrees(index int) int64 { return r.devices[index].numFrees.Load() }

// NumSegments returns the number of live allocations in the device.
func (r *Runtime) NumSegments(index int) int {
	d := r.devices[index]
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.segments.Len()
}

// FailNextMallocs makes the next n calls to Malloc on the device fail with an out-of-memory error,
// regardless of the free memory. Used to simulate fragmentation of the device memory.
func (r *Runtime) FailNextMallocs(index int, n int) {
	r.devices[index].failMallocs.Store(int32(n))
}

// FailNextEvents makes the next n calls to NewEvent on the device fail.
func (r *Runtime) FailNextEvents(index int, n int) {
	r.devices[index].failEvents.Store(int32(n))
}

// Work is a unit of (simulated) work launched on a stream.
type Work struct {
	stream device.Stream
	done   *xsync.Latch
}

// Complete marks the work as finished. Completing more than once is a no-op.
func (w *Work) Complete() { w.done.Trigger() }

// Done returns whether the work has completed.
func (w *Work) Done() bool { return w.done.Test() }

// Stream where the work was launched.
func (w *Work) Stream() device.Stream { return w.stream }

// Launch enqueues a new pending work on the stream. It stays pending until Work.Complete is called.
func (r *Runtime) Launch(stream device.Stream) (*Work, error) {
	d, err := r.device(stream.Device)
	if err != nil {
		return nil, err
	}
	w := &Work{stream: stream, done: xsync.NewLatch()}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streams[stream.ID] = append(d.lockedPending(stream.ID), w)
	return w, nil
}

// lockedPending returns the pending work of the stream, dropping the completed ones.
// It must be called with d.mu locked.
func (d *simDevice) lockedPending(streamID uint64) []*Work {
	pending := d.streams[streamID]
	kept := pending[:0]
	for _, w := range pending {
		if !w.Done() {
			kept = append(kept, w)
		}
	}
	clear(pending[len(kept):])
	if len(kept) == 0 {
		delete(d.streams, streamID)
		return nil
	}
	d.streams[streamID] = kept
	return kept
}

// Synchronize implements device.Runtime: it blocks until all launched work of the device completes.
func (r *Runtime) Synchronize(index int) error {
	d, err := r.device(index)
	if err != nil {
		return err
	}
	d.mu.Lock()
	var latches []*xsync.Latch
	for _, pending := range d.streams {
		for _, w := range pending {
			latches = append(latches, w.done)
		}
	}
	d.mu.Unlock()
	xsync.WaitAll(latches...)
	return nil
}

// event implements device.Event.
type event struct {
	r     *Runtime
	index int

	mu        sync.Mutex
	captured  []*xsync.Latch
	destroyed bool
}

// NewEvent implements device.Runtime.
func (r *Runtime) NewEvent(index int) (device.Event, error) {
	d, err := r.device(index)
	if err != nil {
		return nil, err
	}
	if d.failEvents.Load() > 0 && d.failEvents.Add(-1) >= 0 {
		return nil, errors.Errorf("simdevice: device %d injected event creation failure", index)
	}
	return &event{r: r, index: index}, nil
}

// Record implements device.Event.
func (e *event) Record(stream device.Stream) error {
	if stream.Device != e.index {
		return errkinds.InvalidArgumentf("simdevice: event of device %d can't be recorded on %s", e.index, stream)
	}
	d := e.r.devices[e.index]
	d.mu.Lock()
	pending := d.lockedPending(stream.ID)
	latches := make([]*xsync.Latch, len(pending))
	for ii, w := range pending {
		latches[ii] = w.done
	}
	d.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return errors.Errorf("simdevice: event used after Destroy")
	}
	e.captured = latches
	return nil
}

// Query implements device.Event.
func (e *event) Query() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return xsync.AllTriggered(e.captured...)
}

// Synchronize implements device.Event.
func (e *event) Synchronize() {
	e.mu.Lock()
	latches := e.captured
	e.mu.Unlock()
	xsync.WaitAll(latches...)
}

// Destroy implements device.Event.
func (e *event) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
	e.captured = nil
}
