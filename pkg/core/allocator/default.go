// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"sync"

	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/storage"
	"github.com/pkg/errors"
)

var (
	muDefault        sync.Mutex
	defaultAllocator *CachingAllocator
)

// Default returns the process-wide default allocator, creating it on first use with device.New and ConfigFromEnv.
//
// Libraries should take a *CachingAllocator (or a storage.Allocator) explicitly: the default exists only for
// the wiring of applications.
func Default() (*CachingAllocator, error) {
	muDefault.Lock()
	defer muDefault.Unlock()
	if defaultAllocator != nil {
		return defaultAllocator, nil
	}
	rt, err := device.New()
	if err != nil {
		return nil, errors.WithMessage(err, "allocator: failed to create the default device runtime")
	}
	config, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	a, err := New(rt, config)
	if err != nil {
		return nil, err
	}
	lockedSetDefault(a)
	return a, nil
}

// SetDefault sets the process-wide default allocator, and registers it as the default storage.Allocator for its
// device type (using the default stream of device 0). Setting nil clears it.
func SetDefault(a *CachingAllocator) {
	muDefault.Lock()
	defer muDefault.Unlock()
	lockedSetDefault(a)
}

func lockedSetDefault(a *CachingAllocator) {
	if a == nil {
		if defaultAllocator != nil {
			storage.SetDefaultAllocator(defaultAllocator.rt.Type(), nil)
		}
		defaultAllocator = nil
		return
	}
	defaultAllocator = a
	storage.SetDefaultAllocator(a.rt.Type(), a.StorageAllocator(device.DefaultStream(0)))
}
