package storage

import (
	"sync"
	"testing"

	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/stretchr/testify/require"
)

// countingAllocator wraps HostAllocator and counts allocations and frees.
type countingAllocator struct {
	HostAllocator
	mu            sync.Mutex
	allocs, frees int
}

func (a *countingAllocator) Allocate(nbytes int64) (DataPtr, error) {
	dp, err := a.HostAllocator.Allocate(nbytes)
	if err != nil || dp.deleter == nil {
		return dp, err
	}
	a.mu.Lock()
	a.allocs++
	a.mu.Unlock()
	inner := dp.deleter
	dp.deleter = func() {
		a.mu.Lock()
		a.frees++
		a.mu.Unlock()
		inner()
	}
	return dp, nil
}

func TestStorageRefCount(t *testing.T) {
	alloc := &countingAllocator{}
	s := MustNew(64, alloc, true)
	require.Equal(t, int32(1), s.RefCount())
	require.True(t, s.Unique())
	require.Len(t, s.Bytes(), 64)
	require.NotZero(t, s.Data())
	require.Equal(t, device.CPU, s.Device())
	require.Equal(t, int64(64), alloc.LiveBytes())

	view := s.Retain()
	require.False(t, s.Unique())
	require.False(t, view.Release())
	require.Equal(t, 0, alloc.frees)
	require.True(t, s.Release())
	require.True(t, s.IsFreed())
	require.Equal(t, 1, alloc.frees)
	require.Equal(t, int64(0), alloc.LiveBytes())

	require.Panics(t, func() { s.Release() })
	require.Panics(t, func() { s.Retain() })
}

func TestStorageConcurrentRelease(t *testing.T) {
	alloc := &countingAllocator{}
	s := MustNew(16, alloc, false)
	const numViews = 100
	views := make([]*Storage, numViews)
	for ii := range views {
		views[ii] = s.Retain()
	}
	var wg sync.WaitGroup
	for _, v := range views {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Release()
		}()
	}
	wg.Wait()
	require.Equal(t, 0, alloc.frees)
	s.Release()
	require.Equal(t, 1, alloc.frees)
}

func TestStorageReallocate(t *testing.T) {
	alloc := &countingAllocator{}
	s := MustNew(8, alloc, true)
	require.NoError(t, s.Reallocate(32))
	require.Equal(t, int64(32), s.NBytes())
	require.Equal(t, 2, alloc.allocs)
	require.Equal(t, 1, alloc.frees)
	s.Release()
	require.Equal(t, 2, alloc.frees)

	// External storage falls back to the default allocator of the device type.
	ext := NewFromBytes([]byte{1, 2, 3})
	require.Nil(t, ext.Allocator())
	require.False(t, ext.DataPtr().Owned())
	require.NoError(t, ext.Reallocate(10))
	require.Len(t, ext.Bytes(), 10)
	require.True(t, ext.DataPtr().Owned())
	ext.Release()

	noDefault := NewExternal(NewDataPtr(0x1000, device.Device{Type: device.TypeCUDA}, nil, nil), 100)
	require.ErrorIs(t, noDefault.Reallocate(10), errkinds.ErrPreconditionViolation)
}

func TestNewErrors(t *testing.T) {
	_, err := New(-1, &HostAllocator{}, false)
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)
	_, err = New(1, nil, false)
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)

	s := MustNew(0, &HostAllocator{}, false)
	require.True(t, s.DataPtr().IsNil())
	require.True(t, s.Release())
}

func TestDefaultAllocators(t *testing.T) {
	a, found := DefaultAllocator(device.TypeCPU)
	require.True(t, found)
	require.Equal(t, device.CPU, a.Device())

	_, found = DefaultAllocator(device.TypeSim)
	require.False(t, found)
	SetDefaultAllocator(device.TypeSim, &HostAllocator{})
	_, found = DefaultAllocator(device.TypeSim)
	require.True(t, found)
	SetDefaultAllocator(device.TypeSim, nil)
	_, found = DefaultAllocator(device.TypeSim)
	require.False(t, found)
}

func TestWithBeforeDelete(t *testing.T) {
	alloc := &countingAllocator{}
	dp, err := alloc.Allocate(16)
	require.NoError(t, err)
	var order []string
	dp = dp.WithBeforeDelete(func() {
		require.Equal(t, 0, alloc.frees, "hook must run before the memory is freed")
		order = append(order, "hook")
	})
	s := NewWithDataPtr(dp, 16, alloc, false)
	require.True(t, s.Release())
	require.Equal(t, []string{"hook"}, order)
	require.Equal(t, 1, alloc.frees)

	// Not owned buffers get a deleter with only the hook.
	external := NewDataPtr(0, device.CPU, make([]byte, 4), nil)
	require.False(t, external.Owned())
	var called bool
	external = external.WithBeforeDelete(func() { called = true })
	require.True(t, external.Owned())
	require.True(t, NewExternal(external, 4).Release())
	require.True(t, called)
}
