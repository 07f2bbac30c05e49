// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes implements the layout math of strided tensors: number of elements, canonical
// strides for each memory format, and the contiguity predicates.
//
// Everything here is a pure function of sizes and strides: the cached contiguity flags of a
// tensors.Tensor are always recomputed with ComputeFlags, and never treated as a source of truth.
//
// ## Glossary
//
//   - Sizes: the dimension of each axis. A scalar has no axes.
//   - Strides: for each axis, the number of elements to skip in storage to move one position in the axis.
//   - Contiguous: laid out in row-major order, with no gaps.
//   - Channels-last: the layout NHWC (rank 4) or NDHWC (rank 5) of a tensor with logical axes NCHW / NCDHW.
//   - Non-overlapping and dense: some permutation of the axes is contiguous.
package shapes

import (
	"math"
	"math/bits"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/tensorcore/pkg/core/errkinds"
)

// MemoryFormat is the canonical layout requested for a tensor.
type MemoryFormat uint8

//go:generate go tool enumer -type=MemoryFormat -trimprefix=MemoryFormat -output=gen_memoryformat_enumer.go shapes.go

const (
	// MemoryFormatContiguous is row-major.
	MemoryFormatContiguous MemoryFormat = iota

	// MemoryFormatPreserve keeps the layout of the source tensor. It is not a layout by itself.
	MemoryFormatPreserve

	// MemoryFormatChannelsLast is NHWC for rank 4 tensors.
	MemoryFormatChannelsLast

	// MemoryFormatChannelsLast3d is NDHWC for rank 5 tensors.
	MemoryFormatChannelsLast3d
)

// Numel returns the number of elements of a tensor with the given sizes.
//
// It returns an InvalidArgument error for negative sizes and an IntegerOverflow error if the
// product doesn't fit an int64.
func Numel(sizes []int64) (int64, error) {
	var n uint64 = 1
	overflow := false
	for axis, size := range sizes {
		if size < 0 {
			return 0, errkinds.InvalidArgumentf("negative size %d for axis %d in sizes %v", size, axis, sizes)
		}
		hi, lo := bits.Mul64(n, uint64(size))
		// Overflow is sticky, even if a later axis has size 0.
		overflow = overflow || hi != 0
		n = lo
	}
	if overflow || n > math.MaxInt64 {
		return 0, errkinds.IntegerOverflowf("numel: integer multiplication overflow for sizes %v", sizes)
	}
	return int64(n), nil
}

// ContiguousStrides returns the row-major strides for the given sizes.
// Axes of size 0 are treated as size 1, so strides are always positive.
func ContiguousStrides(sizes []int64) []int64 {
	strides := make([]int64, len(sizes))
	if len(sizes) == 0 {
		return strides
	}
	last := len(sizes) - 1
	strides[last] = 1
	for axis := last - 1; axis >= 0; axis-- {
		strides[axis] = strides[axis+1] * max(sizes[axis+1], 1)
	}
	return strides
}

// ChannelsLastStrides2d returns the NHWC strides for a rank 4 tensor.
func ChannelsLastStrides2d(sizes []int64) ([]int64, error) {
	switch len(sizes) {
	case 4:
		strides := make([]int64, 4)
		strides[1] = 1
		strides[3] = sizes[1]
		strides[2] = strides[3] * sizes[3]
		strides[0] = strides[2] * sizes[2]
		return strides, nil
	case 3:
		strides := make([]int64, 3)
		strides[0] = 1
		strides[2] = sizes[0]
		strides[1] = strides[2] * sizes[2]
		return strides, nil
	default:
		return nil, errkinds.InvalidArgumentf("ChannelsLast2d doesn't support rank %d (sizes %v)", len(sizes), sizes)
	}
}

// ChannelsLastStrides3d returns the NDHWC strides for a rank 5 tensor.
func ChannelsLastStrides3d(sizes []int64) ([]int64, error) {
	switch len(sizes) {
	case 5:
		strides := make([]int64, 5)
		strides[1] = 1
		strides[4] = sizes[1]
		strides[3] = strides[4] * sizes[4]
		strides[2] = strides[3] * sizes[3]
		strides[0] = strides[2] * sizes[2]
		return strides, nil
	case 4:
		strides := make([]int64, 4)
		strides[0] = 1
		strides[3] = sizes[0]
		strides[2] = strides[3] * sizes[3]
		strides[1] = strides[2] * sizes[2]
		return strides, nil
	default:
		return nil, errkinds.InvalidArgumentf("ChannelsLast3d doesn't support rank %d (sizes %v)", len(sizes), sizes)
	}
}

// StridesFor returns the canonical strides of the memory format.
// MemoryFormatPreserve is an InvalidArgument: it doesn't define a layout by itself.
func StridesFor(format MemoryFormat, sizes []int64) ([]int64, error) {
	switch format {
	case MemoryFormatContiguous:
		return ContiguousStrides(sizes), nil
	case MemoryFormatChannelsLast:
		if len(sizes) != 4 {
			return nil, errkinds.InvalidArgumentf("required rank 4 tensor to use channels_last format, got sizes %v", sizes)
		}
		return ChannelsLastStrides2d(sizes)
	case MemoryFormatChannelsLast3d:
		if len(sizes) != 5 {
			return nil, errkinds.InvalidArgumentf("required rank 5 tensor to use channels_last_3d format, got sizes %v", sizes)
		}
		return ChannelsLastStrides3d(sizes)
	default:
		return nil, errkinds.InvalidArgumentf("unsupported memory format %s", format)
	}
}

// IsContiguous returns whether the layout is row-major without gaps. Axes of size 1 are ignored,
// and a tensor with no elements is always contiguous.
func IsContiguous(sizes, strides []int64) bool {
	if slices.Contains(sizes, 0) {
		return true
	}
	var expected int64 = 1
	for axis := len(sizes) - 1; axis >= 0; axis-- {
		size := sizes[axis]
		if size == 1 {
			continue
		}
		if strides[axis] != expected {
			return false
		}
		expected *= size
	}
	return true
}

// isDenseInOrder checks the strides are dense following the given order of axes (innermost first).
func isDenseInOrder(sizes, strides []int64, order []int) bool {
	var expected int64 = 1
	for _, axis := range order {
		size := sizes[axis]
		if size == 1 {
			continue
		}
		if strides[axis] != expected {
			return false
		}
		expected *= size
	}
	return true
}

var (
	channelsLastOrder2d = []int{1, 3, 2, 0}
	channelsLastOrder3d = []int{1, 4, 3, 2, 0}
)

// IsChannelsLastContiguous2d returns whether a rank 4 layout is densely packed as NHWC.
func IsChannelsLastContiguous2d(sizes, strides []int64) bool {
	if len(sizes) != 4 {
		return false
	}
	return isDenseInOrder(sizes, strides, channelsLastOrder2d)
}

// IsChannelsLastContiguous3d returns whether a rank 5 layout is densely packed as NDHWC.
func IsChannelsLastContiguous3d(sizes, strides []int64) bool {
	if len(sizes) != 5 {
		return false
	}
	return isDenseInOrder(sizes, strides, channelsLastOrder3d)
}

// isStridesLikeOrder checks strides are non-decreasing following the given order of axes.
// Ambiguous cases (e.g. C=1) resolve to the row-major layout.
func isStridesLikeOrder(sizes, strides []int64, order []int) bool {
	var minStride int64
	if strides[1] == 0 {
		return false
	}
	for _, axis := range order {
		if sizes[axis] == 0 {
			return false
		}
		if strides[axis] < minStride {
			return false
		}
		// Fallback to row-major as default layout for ambiguous cases, e.g. sizes [N,1,H,W].
		if axis == 0 && minStride == strides[1] {
			return false
		}
		minStride = strides[axis]
		if sizes[axis] > 1 {
			minStride *= sizes[axis]
		}
	}
	return true
}

// IsStridesLikeChannelsLast2d returns whether the strides of a rank 4 tensor suggest NHWC, even if not dense.
func IsStridesLikeChannelsLast2d(sizes, strides []int64) bool {
	if len(sizes) != 4 {
		return false
	}
	return isStridesLikeOrder(sizes, strides, channelsLastOrder2d)
}

// IsStridesLikeChannelsLast3d returns whether the strides of a rank 5 tensor suggest NDHWC, even if not dense.
func IsStridesLikeChannelsLast3d(sizes, strides []int64) bool {
	if len(sizes) != 5 {
		return false
	}
	return isStridesLikeOrder(sizes, strides, channelsLastOrder3d)
}

// IsNonOverlappingAndDense returns whether some permutation of the axes makes the layout contiguous.
func IsNonOverlappingAndDense(sizes, strides []int64) bool {
	rank := len(sizes)
	if rank == 1 {
		return sizes[0] < 2 || strides[0] == 1
	}
	perm := make([]int, rank)
	for axis := range perm {
		perm[axis] = axis
	}
	// Axes of size 0 or 1 go to the end: they don't constrain the layout.
	slices.SortStableFunc(perm, func(a, b int) int {
		aSmall, bSmall := sizes[a] < 2, sizes[b] < 2
		switch {
		case aSmall && bSmall:
			return 0
		case aSmall:
			return 1
		case bSmall:
			return -1
		}
		switch {
		case strides[a] < strides[b]:
			return -1
		case strides[a] > strides[b]:
			return 1
		}
		return 0
	})
	var required int64 = 1
	for _, axis := range perm {
		size := sizes[axis]
		if size < 2 {
			return true
		}
		if strides[axis] != required {
			return false
		}
		required *= size
	}
	return true
}

// Flags are the contiguity properties of a layout.
type Flags struct {
	Contiguous                bool
	ChannelsLastContiguous    bool
	ChannelsLast3dContiguous  bool
	StridesLikeChannelsLast   bool
	StridesLikeChannelsLast3d bool
	NonOverlappingAndDense    bool
}

// ComputeFlags evaluates the contiguity decision table:
//
//   - rank 4: row-major, channels-last 2d (dense and "strides like"), non-overlapping-dense.
//   - rank 5: row-major, channels-last 3d (dense and "strides like"), non-overlapping-dense. The 2d
//     checks are evaluated first and exclude the 3d ones, but they never hold for rank 5.
//   - any other rank: row-major and non-overlapping-dense only; all channels-last flags are false.
func ComputeFlags(sizes, strides []int64) Flags {
	var f Flags
	f.Contiguous = IsContiguous(sizes, strides)
	switch len(sizes) {
	case 4:
		f.ChannelsLastContiguous = IsChannelsLastContiguous2d(sizes, strides)
		f.StridesLikeChannelsLast = IsStridesLikeChannelsLast2d(sizes, strides)
		f.NonOverlappingAndDense = f.Contiguous || f.ChannelsLastContiguous ||
			IsNonOverlappingAndDense(sizes, strides)
	case 5:
		// The 2d predicates are false for rank 5, they are evaluated to keep the precedence order.
		f.ChannelsLastContiguous = IsChannelsLastContiguous2d(sizes, strides)
		f.ChannelsLast3dContiguous = !f.ChannelsLastContiguous && IsChannelsLastContiguous3d(sizes, strides)
		f.StridesLikeChannelsLast = !f.ChannelsLast3dContiguous && IsStridesLikeChannelsLast2d(sizes, strides)
		f.StridesLikeChannelsLast3d = !f.StridesLikeChannelsLast && IsStridesLikeChannelsLast3d(sizes, strides)
		f.NonOverlappingAndDense = f.Contiguous || f.ChannelsLastContiguous || f.ChannelsLast3dContiguous ||
			IsNonOverlappingAndDense(sizes, strides)
	default:
		f.NonOverlappingAndDense = f.Contiguous || IsNonOverlappingAndDense(sizes, strides)
	}
	return f
}

// SuggestMemoryFormat returns the memory format that best describes the flags.
func (f Flags) SuggestMemoryFormat() MemoryFormat {
	switch {
	case f.StridesLikeChannelsLast:
		return MemoryFormatChannelsLast
	case f.StridesLikeChannelsLast3d:
		return MemoryFormatChannelsLast3d
	default:
		return MemoryFormatContiguous
	}
}

// Format sizes (or strides) as "[2 3 4]".
func Format(values []int64) string {
	parts := make([]string, len(values))
	for ii, v := range values {
		parts[ii] = strconv.FormatInt(v, 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// StorageEnd returns the number of bytes of storage needed by a view: from the start of the storage to the end of
// its last element, or 0 if the view has no elements. Negative strides are not supported, and a span that doesn't
// fit an int64 is an IntegerOverflow error.
func StorageEnd(offset int64, sizes, strides []int64, itemSize int64) (int64, error) {
	if slices.Contains(sizes, 0) {
		return 0, nil
	}
	overflow := func() error {
		return errkinds.IntegerOverflowf("view with sizes %s, strides %s and offset %d spans more than int64 bytes",
			Format(sizes), Format(strides), offset)
	}
	lastElement := uint64(offset)
	for axis, size := range sizes {
		if strides[axis] < 0 {
			return 0, errkinds.InvalidArgumentf("negative stride %d in axis %d", strides[axis], axis)
		}
		hi, lo := bits.Mul64(uint64(size-1), uint64(strides[axis]))
		sum, carry := bits.Add64(lastElement, lo, 0)
		if hi != 0 || carry != 0 || sum >= math.MaxInt64 {
			return 0, overflow()
		}
		lastElement = sum
	}
	hi, lo := bits.Mul64(lastElement+1, uint64(itemSize))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, overflow()
	}
	return int64(lo), nil
}
