// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
)

// OutOfMemoryError is returned when an allocation fails even after flushing the cache.
//
// It matches errkinds.ErrOutOfMemory with errors.Is, and can be retrieved with errors.As to inspect the details.
type OutOfMemoryError struct {
	Device int

	// Requested is the size of the segment that couldn't be allocated.
	Requested int64

	// Total and Free memory of the device, as reported by the device runtime.
	Total, Free int64

	// Allowed is the memory limit set with SetMemoryFraction, or 0 if not set.
	Allowed int64

	// Allocated is the memory allocated to users, and Reserved the memory held by the allocator (allocated + cached).
	Allocated, Reserved int64
}

// Error implements error.
func (e *OutOfMemoryError) Error() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "out of memory: tried to allocate %s (device %d; %s total capacity; %s already allocated; %s free; ",
		FormatSize(e.Requested), e.Device, FormatSize(e.Total), FormatSize(e.Allocated), FormatSize(e.Free))
	if e.Allowed > 0 {
		_, _ = fmt.Fprintf(&sb, "%s allowed; ", FormatSize(e.Allowed))
	}
	_, _ = fmt.Fprintf(&sb, "%s reserved in total by the allocator)", FormatSize(e.Reserved))
	if e.Reserved > 2*e.Allocated && e.Reserved > 0 {
		_, _ = fmt.Fprintf(&sb, ". Reserved memory is much larger than allocated memory, try setting max_split_size_mb in $%s to avoid fragmentation", EnvConfig)
	}
	return sb.String()
}

// Is makes errors.Is(err, errkinds.ErrOutOfMemory) true.
func (e *OutOfMemoryError) Is(target error) bool {
	return target == errkinds.ErrOutOfMemory
}

// OutOfMemoryObserver is called when an allocation fails with out-of-memory, with the requested segment size,
// the memory limit (the allowed memory if a fraction is set, or the device total) and the free device memory.
type OutOfMemoryObserver func(device int, requested, limit, free int64)

// FreeMemoryCallback is called before allocating a new segment, when no cached block can serve a request.
// It should release memory (e.g. drop cached tensors) and return whether it freed anything.
type FreeMemoryCallback func() bool

// FormatSize returns a human-readable size, e.g. "2.0 MiB".
func FormatSize(size int64) string {
	if size < 0 {
		return "-" + humanize.IBytes(uint64(-size))
	}
	return humanize.IBytes(uint64(size))
}
