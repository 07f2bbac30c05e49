// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/storage"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// storageAllocator adapts the CachingAllocator to storage.Allocator, for one stream.
type storageAllocator struct {
	a      *CachingAllocator
	stream device.Stream
}

var _ storage.Allocator = (*storageAllocator)(nil)

// StorageAllocator returns a storage.Allocator that allocates on the given stream.
//
// The buffers are host accessible (storage.DataPtr.Host) if the device runtime implements device.HostAccessor.
func (a *CachingAllocator) StorageAllocator(stream device.Stream) storage.Allocator {
	return &storageAllocator{a: a, stream: stream}
}

// Device implements storage.Allocator.
func (s *storageAllocator) Device() device.Device {
	return device.Device{Type: s.a.rt.Type(), Index: s.stream.Device}
}

// Allocate implements storage.Allocator.
func (s *storageAllocator) Allocate(nbytes int64) (storage.DataPtr, error) {
	ptr, err := s.a.RawAllocWithStream(nbytes, s.stream)
	if err != nil {
		return storage.DataPtr{}, err
	}
	dev := s.Device()
	if ptr == 0 {
		return storage.DataPtr{Device: dev}, nil
	}
	var host []byte
	if accessor, ok := s.a.rt.(device.HostAccessor); ok {
		host, err = accessor.HostBytes(s.stream.Device, ptr, nbytes)
		if err != nil {
			_ = s.a.RawDelete(ptr)
			return storage.DataPtr{}, errors.WithMessagef(err, "allocator: failed to access %s of %s from host", ptr, dev)
		}
	}
	return storage.NewDataPtr(ptr, dev, host, func() {
		if err := s.a.RawDelete(ptr); err != nil {
			klog.Errorf("allocator: failed to free %s on %s: %+v", ptr, dev, err)
		}
	}), nil
}
