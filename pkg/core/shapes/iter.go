// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"
	"slices"
)

// Iter iterates sequentially over all possible indices of the given sizes, in row-major order.
//
// It yields the flat index (counter) and a slice of indices for each axis.
//
// To avoid allocating the slice of indices, the yielded indices is owned by Iter:
// don't change it inside the loop.
func Iter(sizes []int64) iter.Seq2[int64, []int64] {
	return func(yield func(int64, []int64) bool) {
		indices := make([]int64, len(sizes))
		for flatIdx := range Offsets(sizes, nil, 0, indices) {
			if !yield(flatIdx, indices) {
				return
			}
		}
	}
}

// Offsets iterates over the elements of a strided view in row-major order of its indices.
//
// It yields the flat index (counter) and the position of the element in storage, in elements:
// offset + sum(indices[axis] * strides[axis]).
//
// If strides is nil the row-major contiguous strides are used. If indices is not nil, it must have
// len(sizes) entries, and it's updated with the indices of the current element during the iteration.
//
// Axes of size 1 don't take part in the iteration, and views with no elements yield nothing.
// A scalar (no axes) yields one element.
func Offsets(sizes, strides []int64, offset int64, indices []int64) iter.Seq2[int64, int64] {
	if strides == nil {
		strides = ContiguousStrides(sizes)
	}
	return func(yield func(int64, int64) bool) {
		if slices.Contains(sizes, 0) {
			return
		}
		for axis := range indices {
			indices[axis] = 0
		}

		// Only the axes with size > 1 are incremented, innermost first.
		spatialAxes := make([]int, 0, len(sizes))
		for axis := len(sizes) - 1; axis >= 0; axis-- {
			if sizes[axis] > 1 {
				spatialAxes = append(spatialAxes, axis)
			}
		}
		counters := make([]int64, len(sizes))
		var flatIdx int64
		position := offset
	yielder:
		for {
			if !yield(flatIdx, position) {
				return
			}
			flatIdx++
			for _, axis := range spatialAxes {
				counters[axis]++
				position += strides[axis]
				if indices != nil {
					indices[axis] = counters[axis]
				}
				if counters[axis] < sizes[axis] {
					continue yielder
				}
				// Carry over to the next outer axis.
				position -= counters[axis] * strides[axis]
				counters[axis] = 0
				if indices != nil {
					indices[axis] = 0
				}
			}
			return
		}
	}
}
