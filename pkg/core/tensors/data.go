// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"math/bits"

	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/dispatch"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/core/storage"
	"github.com/gomlx/tensorcore/pkg/core/typemeta"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HasStorage returns whether the tensor is bound to a storage.
func (t *Tensor) HasStorage() bool { return t.storage != nil }

// Storage returns the storage of the tensor. It doesn't add a reference: call Retain on it to keep it beyond the
// lifetime of the tensor.
//
// It fails if the tensor has no storage, or if storage access was disabled with SetStorageAccessShouldFail.
func (t *Tensor) Storage() (*storage.Storage, error) {
	if t.flags.has(flagStorageAccessShouldFail) {
		return nil, errkinds.PreconditionViolationf("cannot access storage of %s", t.describe())
	}
	if t.storage == nil {
		return nil, errkinds.PreconditionViolationf("%s has no storage", t.describe())
	}
	return t.storage, nil
}

// StorageInitialized returns whether the storage holds a buffer for the elements of the tensor: either the tensor
// has no elements, or the storage has a non-nil buffer.
func (t *Tensor) StorageInitialized() bool {
	if t.storage == nil {
		return false
	}
	return t.numel == 0 || !t.storage.DataPtr().IsNil()
}

// numBytes returns numel * item size of meta, checking for overflow.
func (t *Tensor) numBytes(meta typemeta.Meta) (int64, error) {
	hi, lo := bits.Mul64(uint64(t.numel), uint64(meta.ItemSize()))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, errkinds.IntegerOverflowf("%d elements of %s (%d bytes each) overflow int64",
			t.numel, meta, meta.ItemSize())
	}
	return int64(lo), nil
}

// view returns a non-owning DataPtr pointing to the first element of the tensor.
func (t *Tensor) view(st *storage.Storage) (storage.DataPtr, error) {
	dp := st.DataPtr()
	offsetBytes := t.storageOffset * t.meta.ItemSize()
	var host []byte
	if dp.Host != nil {
		if offsetBytes > int64(len(dp.Host)) {
			return storage.DataPtr{}, errkinds.PreconditionViolationf(
				"storage offset of %s is beyond the end of its storage (%d bytes)", t.describe(), len(dp.Host))
		}
		host = dp.Host[offsetBytes:]
	}
	var ptr device.Ptr
	if dp.Ptr != 0 {
		ptr = dp.Ptr.Add(offsetBytes)
	}
	return storage.NewDataPtr(ptr, dp.Device, host, nil), nil
}

// RawData returns a non-owning pointer to the first element of the tensor.
//
// It fails if the element type is not set, or if the tensor has elements but its storage has no buffer
// (use RawMutableData to allocate it). For tensors without elements it returns a nil DataPtr.
func (t *Tensor) RawData() (storage.DataPtr, error) {
	st, err := t.Storage()
	if err != nil {
		return storage.DataPtr{}, err
	}
	if !t.meta.IsInitialized() {
		return storage.DataPtr{}, errkinds.PreconditionViolationf(
			"the element type of %s is not initialized, use RawMutableData to set it", t.describe())
	}
	if !t.StorageInitialized() {
		return storage.DataPtr{}, errkinds.PreconditionViolationf(
			"%s has a non-zero number of elements, but its data is not allocated yet, "+
				"use RawMutableData to allocate it", t.describe())
	}
	if t.numel == 0 {
		return storage.DataPtr{Device: st.Device()}, nil
	}
	return t.view(st)
}

// RawMutableData returns a pointer to the first element of the tensor, for writing, making sure the storage holds
// numel elements of type meta.
//
// If the tensor already has type meta and an initialized storage, the current data is returned. Otherwise the
// element type is set to meta, the storage offset reset to 0, and:
//
//   - If the storage is large enough, and meta has no placement constructor and the previous element type had no
//     placement destructor, the current buffer is reused.
//   - Otherwise a new buffer is allocated with the storage allocator (or the default allocator of its device type),
//     the placement constructor of meta is run over it, and the previous buffer is released (running the
//     placement destructor of its elements, if any).
//
// Element types with placement hooks require host accessible memory.
func (t *Tensor) RawMutableData(meta typemeta.Meta) (storage.DataPtr, error) {
	st, err := t.Storage()
	if err != nil {
		return storage.DataPtr{}, err
	}
	if !meta.IsInitialized() {
		return storage.DataPtr{}, errkinds.InvalidArgumentf("RawMutableData requires an initialized element type")
	}
	if t.meta == meta && t.StorageInitialized() {
		return t.view(st)
	}
	nbytes, err := t.numBytes(meta)
	if err != nil {
		return storage.DataPtr{}, err
	}

	hadPlacementDelete := t.meta.PlacementDelete() != nil
	if t.numel == 0 || (meta.PlacementNew() == nil && !hadPlacementDelete && st.NBytes() >= nbytes) {
		t.storageOffset = 0
		t.meta = meta
		return t.view(st)
	}

	allocator := st.Allocator()
	if allocator == nil {
		var found bool
		allocator, found = storage.DefaultAllocator(st.Device().Type)
		if !found {
			return storage.DataPtr{}, errkinds.PreconditionViolationf(
				"%s: storage has no allocator and there is no default allocator for %s",
				t.describe(), st.Device().Type)
		}
	}
	dp, err := allocator.Allocate(nbytes)
	if err != nil {
		return storage.DataPtr{}, errors.WithMessagef(err, "RawMutableData(%s) of %s", meta, t.describe())
	}
	if !meta.IsTrivial() {
		if dp.Host == nil {
			// Return the buffer to its allocator.
			storage.NewWithDataPtr(dp, nbytes, allocator, false).Release()
			return storage.DataPtr{}, errkinds.PreconditionViolationf(
				"element type %s requires host accessible memory, %s is not", meta, allocator.Device())
		}
		host, numel := dp.Host, t.numel
		if placementNew := meta.PlacementNew(); placementNew != nil {
			placementNew(host, numel)
		}
		if placementDelete := meta.PlacementDelete(); placementDelete != nil {
			dp = dp.WithBeforeDelete(func() { placementDelete(host, numel) })
		}
	}
	// The element type and offset only change once the new buffer is in place.
	st.Reset(dp, nbytes)
	t.storageOffset = 0
	t.meta = meta
	klog.V(2).Infof("tensors: allocated %d bytes on %s for %s", nbytes, allocator.Device(), t.describe())
	return t.view(st)
}

// SetStorageKeepDtype replaces the storage of the tensor, keeping the element type and the layout.
// The tensor takes ownership of one reference of st, and releases its reference to the previous storage.
//
// The device of st must match the backend of the tensor dispatch keys.
func (t *Tensor) SetStorageKeepDtype(st *storage.Storage) error {
	if err := t.checkMetadataChange("SetStorage"); err != nil {
		return err
	}
	if t.flags.has(flagStorageAccessShouldFail) {
		return errkinds.PreconditionViolationf("cannot set the storage of %s", t.describe())
	}
	if st != nil {
		want, got := t.keySet.Backend(), st.Device().Type.DispatchKey()
		if want != dispatch.KeyUndefined && want != got {
			return errkinds.InvalidArgumentf("SetStorage: storage on %s (%s) is not compatible with %s",
				st.Device(), got, t.describe())
		}
	}
	old := t.storage
	t.storage = st
	if old != nil {
		old.Release()
	}
	return nil
}

// SetStorageAndDtype replaces the storage and the element type of the tensor. See SetStorageKeepDtype.
func (t *Tensor) SetStorageAndDtype(st *storage.Storage, meta typemeta.Meta) error {
	if err := t.SetStorageKeepDtype(st); err != nil {
		return err
	}
	t.meta = meta
	return nil
}
