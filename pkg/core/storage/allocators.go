// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package storage

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
)

// HostAllocator allocates buffers in the Go heap. The zero value is ready to use.
type HostAllocator struct {
	live atomic.Int64
}

var _ Allocator = (*HostAllocator)(nil)

func hostDataPtr(data []byte, deleter func()) DataPtr {
	var ptr device.Ptr
	if len(data) > 0 {
		ptr = device.Ptr(uintptr(unsafe.Pointer(unsafe.SliceData(data))))
	}
	return NewDataPtr(ptr, device.CPU, data, deleter)
}

// Allocate implements Allocator.
func (a *HostAllocator) Allocate(nbytes int64) (DataPtr, error) {
	if nbytes < 0 {
		return DataPtr{}, errkinds.InvalidArgumentf("storage: negative allocation size %d", nbytes)
	}
	if nbytes == 0 {
		return DataPtr{Device: device.CPU}, nil
	}
	data := make([]byte, nbytes)
	a.live.Add(nbytes)
	return hostDataPtr(data, func() { a.live.Add(-nbytes) }), nil
}

// Device implements Allocator.
func (a *HostAllocator) Device() device.Device { return device.CPU }

// LiveBytes returns the number of bytes allocated and not yet freed.
func (a *HostAllocator) LiveBytes() int64 { return a.live.Load() }

var (
	muDefaults        sync.RWMutex
	defaultAllocators = map[device.Type]Allocator{
		device.TypeCPU: &HostAllocator{},
	}
)

// DefaultAllocator returns the allocator registered for the device type.
// There is always one for device.TypeCPU.
func DefaultAllocator(t device.Type) (Allocator, bool) {
	muDefaults.RLock()
	defer muDefaults.RUnlock()
	a, found := defaultAllocators[t]
	return a, found
}

// SetDefaultAllocator registers the default allocator for the device type. A nil allocator removes it.
func SetDefaultAllocator(t device.Type, a Allocator) {
	muDefaults.Lock()
	defer muDefaults.Unlock()
	if a == nil {
		delete(defaultAllocators, t)
		return
	}
	defaultAllocators[t] = a
}
