package tensors

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/gomlx/tensorcore/pkg/core/allocator"
	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/device/simdevice"
	"github.com/gomlx/tensorcore/pkg/core/dispatch"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/core/storage"
	"github.com/gomlx/tensorcore/pkg/core/typemeta"
	"github.com/gomlx/tensorcore/pkg/core/version"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// countedMeta is an element type of 8 bytes whose placement hooks count constructed and destroyed elements.
var (
	numConstructed, numDestroyed atomic.Int64
	countedMeta                  = must.M1(typemeta.Register("tensors_test.counted", 8,
		func(data []byte, n int64) {
			for i := range data[:n*8] {
				data[i] = 0xAB
			}
			numConstructed.Add(n)
		},
		func(data []byte, n int64) {
			numDestroyed.Add(n)
		}))
)

func TestRawMutableData(t *testing.T) {
	alloc := &storage.HostAllocator{}
	tensor := New(must.M1(storage.New(0, alloc, true)), cpuKeys, typemeta.Uninitialized)
	defer tensor.Finalize()
	require.NoError(t, tensor.SetSizesContiguous([]int64{4}))
	require.False(t, tensor.StorageInitialized())
	_, err := tensor.RawData()
	require.ErrorIs(t, err, errkinds.ErrPreconditionViolation)
	_, err = tensor.RawMutableData(typemeta.Uninitialized)
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)

	dp := must.M1(tensor.RawMutableData(typemeta.Make[float32]()))
	require.Len(t, dp.Host, 16)
	require.False(t, dp.Owned())
	require.Equal(t, int64(16), alloc.LiveBytes())
	require.True(t, tensor.StorageInitialized())
	require.True(t, tensor.DtypeInitialized())
	first := &dp.Host[0]

	// Same type: same data.
	dp = must.M1(tensor.RawMutableData(typemeta.Make[float32]()))
	require.Same(t, first, &dp.Host[0])
	dp = must.M1(tensor.RawData())
	require.Same(t, first, &dp.Host[0])

	// Smaller trivial type: the buffer is reused.
	dp = must.M1(tensor.RawMutableData(typemeta.Make[int16]()))
	require.Same(t, first, &dp.Host[0])
	require.Equal(t, int64(16), must.M1(tensor.Storage()).NBytes())

	// Larger type: reallocated, and the previous buffer is freed.
	dp = must.M1(tensor.RawMutableData(typemeta.Make[float64]()))
	require.Len(t, dp.Host, 32)
	require.NotSame(t, first, &dp.Host[0])
	require.Equal(t, int64(32), alloc.LiveBytes())

	// Views with an offset.
	require.NoError(t, tensor.SetSizesAndStrides([]int64{2}, []int64{1}))
	require.NoError(t, tensor.SetStorageOffset(2))
	dp = must.M1(tensor.RawData())
	require.Len(t, dp.Host, 16)
	base := must.M1(tensor.Storage()).DataPtr()
	require.Equal(t, base.Ptr.Add(16), dp.Ptr)

	// Changing the type resets the offset.
	dp = must.M1(tensor.RawMutableData(typemeta.Make[int32]()))
	require.Equal(t, int64(0), tensor.StorageOffset())
	require.Equal(t, base.Ptr, dp.Ptr)
}

func TestRawMutableDataPlacementHooks(t *testing.T) {
	constructed, destroyed := numConstructed.Load(), numDestroyed.Load()
	alloc := &storage.HostAllocator{}
	tensor := New(must.M1(storage.New(64, alloc, true)), cpuKeys, typemeta.Uninitialized)
	require.NoError(t, tensor.SetSizesContiguous([]int64{3}))

	// A type with a constructor never reuses raw bytes, even if there is enough room.
	dp := must.M1(tensor.RawMutableData(countedMeta))
	require.Equal(t, int64(24), alloc.LiveBytes())
	require.Equal(t, constructed+3, numConstructed.Load())
	for _, b := range dp.Host[:24] {
		require.Equal(t, byte(0xAB), b)
	}

	// Same type: nothing is constructed again.
	_ = must.M1(tensor.RawMutableData(countedMeta))
	require.Equal(t, constructed+3, numConstructed.Load())
	require.Equal(t, destroyed, numDestroyed.Load())

	// Switching to a trivial type: the previous elements must be destroyed, so it reallocates.
	_ = must.M1(tensor.RawMutableData(typemeta.Make[float64]()))
	require.Equal(t, destroyed+3, numDestroyed.Load())
	require.Equal(t, int64(24), alloc.LiveBytes())

	tensor.Finalize()
	require.Equal(t, destroyed+3, numDestroyed.Load())
	require.Equal(t, int64(0), alloc.LiveBytes())

	// Destructors run when the storage is released.
	tensor = New(must.M1(storage.New(0, alloc, true)), cpuKeys, typemeta.Uninitialized)
	require.NoError(t, tensor.SetSizesContiguous([]int64{2, 2}))
	_ = must.M1(tensor.RawMutableData(countedMeta))
	tensor.Finalize()
	require.Equal(t, destroyed+7, numDestroyed.Load())
}

func TestRawMutableDataEdgeCases(t *testing.T) {
	// No elements: nothing is allocated.
	alloc := &storage.HostAllocator{}
	tensor := New(must.M1(storage.New(0, alloc, true)), cpuKeys, typemeta.Uninitialized)
	require.NoError(t, tensor.SetSizesContiguous([]int64{3, 0}))
	dp := must.M1(tensor.RawMutableData(typemeta.Make[float32]()))
	require.True(t, dp.IsNil())
	require.True(t, tensor.StorageInitialized())
	require.Equal(t, int64(0), alloc.LiveBytes())
	dp = must.M1(tensor.RawData())
	require.True(t, dp.IsNil())
	tensor.Finalize()

	// External storage without allocator falls back to the default allocator of the device type.
	st := storage.NewFromBytes(make([]byte, 4))
	tensor = New(st, cpuKeys, typemeta.Uninitialized)
	require.NoError(t, tensor.SetSizesContiguous([]int64{4}))
	dp = must.M1(tensor.RawMutableData(typemeta.Make[float32]()))
	require.Len(t, dp.Host, 16)
	require.Equal(t, int64(16), st.NBytes())
	require.Nil(t, st.Allocator())
	tensor.Finalize()

	// Overflow in the number of bytes.
	tensor = New(must.M1(storage.New(0, alloc, true)), cpuKeys, typemeta.Uninitialized)
	require.NoError(t, tensor.SetSizesContiguous([]int64{1 << 61}))
	_, err := tensor.RawMutableData(typemeta.Make[float64]())
	require.ErrorIs(t, err, errkinds.ErrIntegerOverflow)
	tensor.Finalize()

	// No storage, or storage access disabled.
	tensor = New(nil, cpuKeys, typemeta.Uninitialized)
	_, err = tensor.RawMutableData(typemeta.Make[float32]())
	require.ErrorIs(t, err, errkinds.ErrPreconditionViolation)
	tensor = New(must.M1(storage.New(0, alloc, true)), cpuKeys, typemeta.Uninitialized)
	tensor.SetStorageAccessShouldFail(true)
	_, err = tensor.RawMutableData(typemeta.Make[float32]())
	require.ErrorIs(t, err, errkinds.ErrPreconditionViolation)
}

func TestSetStorage(t *testing.T) {
	alloc := &storage.HostAllocator{}
	tensor := MustEmpty(context.Background(), []int64{2}, typemeta.Make[int32](), alloc)
	old := must.M1(tensor.Storage())
	st := must.M1(storage.New(8, alloc, false))
	require.NoError(t, tensor.SetStorageKeepDtype(st))
	require.True(t, old.IsFreed())
	require.Same(t, st, must.M1(tensor.Storage()))
	require.Equal(t, typemeta.Make[int32](), tensor.Meta())

	st2 := must.M1(storage.New(16, alloc, false))
	require.NoError(t, tensor.SetStorageAndDtype(st2, typemeta.Make[int64]()))
	require.True(t, st.IsFreed())
	require.Equal(t, typemeta.Make[int64](), tensor.Meta())
	tensor.Finalize()
	require.Equal(t, int64(0), alloc.LiveBytes())

	// The storage device must match the backend of the tensor.
	simTensor := New(nil, dispatch.ForBackend(dispatch.KeySimDevice, false), typemeta.Make[float32]())
	st3 := must.M1(storage.New(8, alloc, false))
	require.ErrorIs(t, simTensor.SetStorageKeepDtype(st3), errkinds.ErrInvalidArgument)
	st3.Release()
}

func TestEmpty(t *testing.T) {
	ctx := context.Background()
	alloc := &storage.HostAllocator{}
	tensor := must.M1(Empty(ctx, []int64{2, 3}, typemeta.Make[float32](), alloc))
	require.Equal(t, []int64{3, 1}, tensor.Strides())
	require.Equal(t, int64(6), tensor.Numel())
	require.Equal(t, int64(24), alloc.LiveBytes())
	require.Equal(t, dispatch.KeyCPU, tensor.KeySet().Backend())
	require.False(t, tensor.IsInference())
	dev, found := tensor.Device()
	require.True(t, found)
	require.Equal(t, device.CPU, dev)
	tensor.Finalize()
	require.Equal(t, int64(0), alloc.LiveBytes())

	tensor = must.M1(Empty(version.WithInferenceMode(ctx, true), []int64{5}, typemeta.Make[int8](), alloc))
	require.True(t, tensor.IsInference())
	require.False(t, tensor.VersionCounter().Enabled())
	tensor.Finalize()

	_, err := Empty(ctx, []int64{2}, typemeta.Make[float32](), nil)
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)
	_, err = Empty(ctx, []int64{2, -1}, typemeta.Make[float32](), alloc)
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)
	require.Equal(t, int64(0), alloc.LiveBytes())
}

// Tensors on a simulated device, with memory from the caching allocator.
func TestCachingAllocatorStorage(t *testing.T) {
	rt := must.M1(simdevice.New("devices=1,capacity=64MiB"))
	a := must.M1(allocator.New(rt, allocator.DefaultConfig()))
	stream := device.Stream{Device: 0, ID: 1}
	tensor := must.M1(Empty(context.Background(), []int64{16, 16}, typemeta.Make[float32](), a.StorageAllocator(stream)))
	require.Equal(t, dispatch.KeySimDevice, tensor.KeySet().Backend())
	dp := must.M1(tensor.RawData())
	require.NotZero(t, dp.Ptr)
	require.Len(t, dp.Host, 1024)

	stats := must.M1(a.DeviceStats(0))
	require.Equal(t, int64(1), stats.Allocation[allocator.StatAggregate].Current)
	require.Equal(t, int64(1024), stats.AllocatedBytes[allocator.StatAggregate].Current)

	// A detached view keeps the block alive.
	view := must.M1(tensor.ShallowCopyAndDetach(version.New(0), true))
	tensor.Finalize()
	stats = must.M1(a.DeviceStats(0))
	require.Equal(t, int64(1), stats.Allocation[allocator.StatAggregate].Current)
	view.Finalize()
	stats = must.M1(a.DeviceStats(0))
	require.Equal(t, int64(0), stats.Allocation[allocator.StatAggregate].Current)
	require.Equal(t, int64(1), stats.Segment[allocator.StatAggregate].Current)
}

func TestRawMutableDataOutOfMemory(t *testing.T) {
	rt := must.M1(simdevice.New("devices=1,capacity=4MiB"))
	a := must.M1(allocator.New(rt, allocator.DefaultConfig()))
	tensor := must.M1(Empty(context.Background(), []int64{262144}, typemeta.Make[float32](),
		a.StorageAllocator(device.DefaultStream(0))))
	defer tensor.Finalize()
	require.NoError(t, tensor.SetStorageOffset(3))

	// complex128 needs 4MiB: the device can't hold it, and the tensor must be left as it was.
	_, err := tensor.RawMutableData(typemeta.Make[complex128]())
	require.ErrorIs(t, err, errkinds.ErrOutOfMemory)
	require.Equal(t, typemeta.Make[float32](), tensor.Meta())
	require.Equal(t, int64(3), tensor.StorageOffset())
	require.Equal(t, int64(262144*4), must.M1(tensor.Storage()).NBytes())
	dp := must.M1(tensor.RawData())
	require.Len(t, dp.Host, (262144-3)*4)
}
