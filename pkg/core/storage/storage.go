// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package storage implements the reference counted buffers that back tensors.
//
// A Storage owns (or refers to) a raw buffer, described by a DataPtr, in some device. Many tensors (views) can
// share one Storage: each holds a reference (Retain), and releases it when done (Release). When the last reference
// is released the DataPtr's deleter runs, exactly once, usually returning the memory to the Allocator it came from.
package storage

import (
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DataPtr is the address of a buffer, the device where it lives, and how to free it.
type DataPtr struct {
	// Ptr is the device address of the buffer. It's 0 for empty buffers.
	Ptr device.Ptr

	// Device where the buffer lives.
	Device device.Device

	// Host is a host view of the buffer, if it is host accessible. It may be nil.
	Host []byte

	deleter func()
}

// NewDataPtr returns a DataPtr that calls deleter when it's no longer used. deleter can be nil for memory not owned.
func NewDataPtr(ptr device.Ptr, dev device.Device, host []byte, deleter func()) DataPtr {
	return DataPtr{Ptr: ptr, Device: dev, Host: host, deleter: deleter}
}

// IsNil returns whether the DataPtr points to no memory.
func (dp DataPtr) IsNil() bool { return dp.Ptr == 0 && dp.Host == nil }

// Owned returns whether the DataPtr has a deleter.
func (dp DataPtr) Owned() bool { return dp.deleter != nil }

// WithBeforeDelete returns a copy of dp that calls fn before its own deleter.
// It is used to destroy the elements stored in the buffer before the memory is released.
func (dp DataPtr) WithBeforeDelete(fn func()) DataPtr {
	deleter := dp.deleter
	dp.deleter = func() {
		fn()
		if deleter != nil {
			deleter()
		}
	}
	return dp
}

// Allocator creates buffers for one device.
type Allocator interface {
	// Allocate returns a buffer with at least nbytes. Allocating 0 bytes returns a nil DataPtr and no error.
	Allocate(nbytes int64) (DataPtr, error)

	// Device where the buffers are allocated.
	Device() device.Device
}

// Storage is a reference counted buffer.
//
// The reference count is atomic, so a Storage can be retained and released concurrently. The other mutating
// methods (Reset, SetNBytes) are not synchronized: they must only be called by the unique owner.
type Storage struct {
	refs      atomic.Int32
	freed     atomic.Bool
	dataPtr   DataPtr
	nbytes    int64
	allocator Allocator
	resizable bool
}

// New allocates a Storage of nbytes using allocator. It starts with one reference.
func New(nbytes int64, allocator Allocator, resizable bool) (*Storage, error) {
	if nbytes < 0 {
		return nil, errkinds.InvalidArgumentf("storage: negative size %d", nbytes)
	}
	if allocator == nil {
		return nil, errkinds.InvalidArgumentf("storage: nil allocator")
	}
	dp, err := allocator.Allocate(nbytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "storage: failed to allocate %d bytes on %s", nbytes, allocator.Device())
	}
	return NewWithDataPtr(dp, nbytes, allocator, resizable), nil
}

// MustNew is like New, but panics on error.
func MustNew(nbytes int64, allocator Allocator, resizable bool) *Storage {
	s, err := New(nbytes, allocator, resizable)
	if err != nil {
		panic(err)
	}
	return s
}

// NewWithDataPtr creates a Storage that takes ownership of dp, with one reference.
// allocator is used for later reallocations, and can be nil.
func NewWithDataPtr(dp DataPtr, nbytes int64, allocator Allocator, resizable bool) *Storage {
	s := &Storage{dataPtr: dp, nbytes: nbytes, allocator: allocator, resizable: resizable}
	s.refs.Store(1)
	return s
}

// NewExternal creates a Storage around memory not allocated by a tensorcore Allocator.
//
// It has no allocator: if the buffer needs to be reallocated, the default allocator for the device type is used,
// see DefaultAllocator.
func NewExternal(dp DataPtr, nbytes int64) *Storage {
	return NewWithDataPtr(dp, nbytes, nil, false)
}

// NewFromBytes creates a host Storage that refers to data, without copying.
func NewFromBytes(data []byte) *Storage {
	return NewExternal(hostDataPtr(data, nil), int64(len(data)))
}

// Retain adds a reference to the storage and returns it.
func (s *Storage) Retain() *Storage {
	if s.refs.Add(1) <= 1 {
		exceptions.Panicf("storage: Retain() called on a released Storage")
	}
	return s
}

// Release drops a reference. When the last reference is dropped the buffer is freed.
// It returns whether the buffer was freed.
func (s *Storage) Release() bool {
	refs := s.refs.Add(-1)
	if refs > 0 {
		return false
	}
	if refs < 0 {
		exceptions.Panicf("storage: Release() called more times than Retain()")
	}
	s.free()
	return true
}

// free runs the deleter of the current DataPtr, at most once.
func (s *Storage) free() {
	if !s.freed.CompareAndSwap(false, true) {
		return
	}
	runDeleter(s.dataPtr)
	s.dataPtr = DataPtr{Device: s.dataPtr.Device}
}

func runDeleter(dp DataPtr) {
	if dp.deleter == nil {
		return
	}
	klog.V(2).Infof("storage: freeing %s on %s", dp.Ptr, dp.Device)
	dp.deleter()
}

// RefCount returns the current number of references.
func (s *Storage) RefCount() int32 { return s.refs.Load() }

// Unique returns whether there is only one reference.
func (s *Storage) Unique() bool { return s.refs.Load() == 1 }

// IsFreed returns whether the last reference was released.
func (s *Storage) IsFreed() bool { return s.freed.Load() }

// DataPtr returns the current DataPtr.
func (s *Storage) DataPtr() DataPtr { return s.dataPtr }

// Data returns the device address of the buffer.
func (s *Storage) Data() device.Ptr { return s.dataPtr.Ptr }

// Bytes returns the host view of the buffer, or nil if it's not host accessible.
func (s *Storage) Bytes() []byte { return s.dataPtr.Host }

// Device where the buffer lives.
func (s *Storage) Device() device.Device { return s.dataPtr.Device }

// NBytes returns the capacity of the storage in bytes.
func (s *Storage) NBytes() int64 { return s.nbytes }

// SetNBytes changes the recorded capacity, without reallocating.
func (s *Storage) SetNBytes(nbytes int64) { s.nbytes = nbytes }

// Allocator used to (re)allocate the buffer. It may be nil for external storage.
func (s *Storage) Allocator() Allocator { return s.allocator }

// Resizable returns whether the storage can be resized.
func (s *Storage) Resizable() bool { return s.resizable }

// Reset replaces the buffer by dp, with capacity nbytes, freeing the previous buffer.
func (s *Storage) Reset(dp DataPtr, nbytes int64) {
	if s.freed.Load() {
		exceptions.Panicf("storage: Reset() called on a released Storage")
	}
	old := s.dataPtr
	s.dataPtr = dp
	s.nbytes = nbytes
	runDeleter(old)
}

// Reallocate replaces the buffer with a new one of nbytes from the storage allocator, or from the default
// allocator of its device type if it has none. The contents are not preserved.
func (s *Storage) Reallocate(nbytes int64) error {
	allocator := s.allocator
	if allocator == nil {
		var found bool
		allocator, found = DefaultAllocator(s.dataPtr.Device.Type)
		if !found {
			return errkinds.PreconditionViolationf("storage: no allocator for storage on %s, and no default allocator for %s",
				s.dataPtr.Device, s.dataPtr.Device.Type)
		}
	}
	dp, err := allocator.Allocate(nbytes)
	if err != nil {
		return errors.WithMessagef(err, "storage: failed to reallocate %d bytes on %s", nbytes, allocator.Device())
	}
	s.Reset(dp, nbytes)
	return nil
}
