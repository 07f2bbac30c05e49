// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device defines the identity of the devices (accelerators) and the interface of the raw device
// primitives the caching allocator is built upon: device malloc/free, events and stream synchronization.
//
// An implementation of Runtime is registered with Register, usually during the initialization of its package,
// and created with New, which can be configured with the TENSORCORE_DEVICE environment variable.
// See sub-package simdevice for a pure Go simulated accelerator.
package device

import (
	"fmt"

	"github.com/gomlx/tensorcore/pkg/core/dispatch"
)

//go:generate go tool enumer -type=Type -trimprefix=Type -output=gen_type_enumer.go device.go

// Type of device.
type Type uint8

const (
	TypeCPU Type = iota
	TypeSim
	TypeCUDA
)

// DispatchKey returns the backend dispatch key of tensors living on this type of device.
func (t Type) DispatchKey() dispatch.Key {
	switch t {
	case TypeCPU:
		return dispatch.KeyCPU
	case TypeSim:
		return dispatch.KeySimDevice
	case TypeCUDA:
		return dispatch.KeyCUDA
	}
	return dispatch.KeyUndefined
}

// Device identifies one device: its type and its index among the devices of the same type.
type Device struct {
	Type  Type
	Index int
}

// CPU is the host device.
var CPU = Device{Type: TypeCPU}

// String implements fmt.Stringer, e.g. "Sim:1".
func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

// Ptr is a device address. The zero value is the null pointer.
type Ptr uintptr

// String implements fmt.Stringer.
func (p Ptr) String() string {
	return fmt.Sprintf("0x%x", uintptr(p))
}

// Add returns the address offset by n bytes.
func (p Ptr) Add(n int64) Ptr { return Ptr(int64(p) + n) }

// Stream is a device-side ordered queue of work. Work submitted to the same stream executes in order,
// work in different streams may run concurrently.
//
// ID 0 is the default stream of the device.
type Stream struct {
	Device int
	ID     uint64
}

// DefaultStream returns the default stream of the given device.
func DefaultStream(device int) Stream {
	return Stream{Device: device}
}

// String implements fmt.Stringer.
func (s Stream) String() string {
	return fmt.Sprintf("stream(device=%d, id=%d)", s.Device, s.ID)
}

// Event marks a point in a stream: it completes once all work submitted to the stream before Record completes.
type Event interface {
	// Record captures the work currently pending in the stream.
	// Recording again replaces the previously captured work.
	Record(stream Stream) error

	// Query returns whether the captured work has completed, without blocking.
	// An event never recorded is complete.
	Query() bool

	// Synchronize blocks until the captured work has completed.
	Synchronize()

	// Destroy releases the event. It must not be used afterwards.
	Destroy()
}

// Runtime is the raw device primitive used by the caching allocator. It is the equivalent of a device driver API:
// slow, synchronizing allocation calls, events and stream synchronization.
//
// Implementations must be safe for concurrent use.
type Runtime interface {
	// Name returns the short name of the runtime, e.g.: "sim".
	Name() string

	// Type returns the type of the devices handled by the runtime.
	Type() Type

	// NumDevices returns the number of devices available.
	NumDevices() int

	// Malloc allocates nbytes in the given device. It returns an error wrapping errkinds.ErrOutOfMemory if there
	// isn't enough free memory in the device.
	Malloc(device int, nbytes int64) (Ptr, error)

	// Free releases memory allocated with Malloc.
	Free(device int, ptr Ptr) error

	// MemGetInfo returns the free and total memory of the device in bytes.
	MemGetInfo(device int) (free, total int64, err error)

	// NewEvent creates a new, never recorded, event for the given device.
	NewEvent(device int) (Event, error)

	// Synchronize blocks until all work in all streams of the device completes.
	Synchronize(device int) error
}

// HostAccessor is optionally implemented by runtimes whose device memory can be accessed from the host.
type HostAccessor interface {
	// HostBytes returns a host view of nbytes of device memory starting at ptr.
	HostBytes(device int, ptr Ptr, nbytes int64) ([]byte, error)
}
