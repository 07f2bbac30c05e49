// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Sizes returns the sizes of each axis. The returned slice must not be modified.
func (t *Tensor) Sizes() []int64 {
	if t.policy >= PolicyCustomSizes {
		return t.override.Sizes(t)
	}
	return t.sizesStrides.sizes()
}

// Strides returns the strides (in elements) of each axis. The returned slice must not be modified.
//
// It panics if the layout has no strides (e.g. sparse tensors), see StridesE for a version that returns an error.
func (t *Tensor) Strides() []int64 {
	strides, err := t.StridesE()
	if err != nil {
		panic(err)
	}
	return strides
}

// StridesE is like Strides, but returns an error if the layout has no strides.
func (t *Tensor) StridesE() ([]int64, error) {
	if t.policy >= PolicyCustomStrides {
		return t.override.Strides(t)
	}
	return t.sizesStrides.strides(), nil
}

// Dim returns the rank of the tensor.
func (t *Tensor) Dim() int {
	if t.policy >= PolicyCustomSizes {
		return t.override.Dim(t)
	}
	return t.sizesStrides.rank
}

// Numel returns the number of elements, the product of the sizes.
func (t *Tensor) Numel() int64 {
	if t.policy >= PolicyCustomSizes {
		return t.override.Numel(t)
	}
	return t.numel
}

// Size returns the size of the axis dim. Negative values count from the end.
func (t *Tensor) Size(dim int) int64 {
	sizes := t.Sizes()
	return sizes[wrapDim(dim, len(sizes))]
}

// Stride returns the stride of the axis dim. Negative values count from the end.
func (t *Tensor) Stride(dim int) int64 {
	strides := t.Strides()
	return strides[wrapDim(dim, len(strides))]
}

// DefaultSizes returns the sizes stored in the tensor, ignoring the policy.
// Override implementations use it to answer the queries they don't customize.
func (t *Tensor) DefaultSizes() []int64 { return t.sizesStrides.sizes() }

// DefaultStrides returns the strides stored in the tensor, ignoring the policy.
func (t *Tensor) DefaultStrides() []int64 { return t.sizesStrides.strides() }

// DefaultDim returns the rank stored in the tensor, ignoring the policy.
func (t *Tensor) DefaultDim() int { return t.sizesStrides.rank }

// DefaultNumel returns the number of elements stored in the tensor, ignoring the policy.
func (t *Tensor) DefaultNumel() int64 { return t.numel }

// StorageOffset returns the offset, in elements, of the first element of the tensor in its storage.
func (t *Tensor) StorageOffset() int64 { return t.storageOffset }

func (t *Tensor) checkMetadataChange(op string) error {
	if !t.flags.has(flagAllowMetadataChange) {
		return errkinds.PreconditionViolationf(
			"%s is not allowed on %s: metadata changes were disabled, "+
				"probably because it's a detached view of another tensor", op, t.describe())
	}
	return nil
}

// SetSizesAndStrides sets the sizes and strides of the tensor.
//
// A negative stride means "the contiguous stride": 1 for the last axis, otherwise the stride of the next axis times
// its size (with sizes 0 counted as 1).
//
// Negative sizes are an InvalidArgument error, and a number of elements that overflows int64 an IntegerOverflow
// error. The tensor is not changed on error.
func (t *Tensor) SetSizesAndStrides(sizes, strides []int64) error {
	if err := t.checkMetadataChange("SetSizesAndStrides"); err != nil {
		return err
	}
	if len(sizes) != len(strides) {
		return errkinds.InvalidArgumentf("SetSizesAndStrides: dimensionality of sizes (%d) must match "+
			"dimensionality of strides (%d)", len(sizes), len(strides))
	}
	numel, err := shapes.Numel(sizes)
	if err != nil {
		return errors.WithMessagef(err, "SetSizesAndStrides(%s, %s)", shapes.Format(sizes), shapes.Format(strides))
	}

	// Resolve negative strides into a scratch buffer, inline for the usual ranks.
	rank := len(sizes)
	var scratch [MaxInlineRank]int64
	var newStrides []int64
	if rank <= MaxInlineRank {
		newStrides = scratch[:rank]
	} else {
		newStrides = make([]int64, rank)
	}
	for dim := rank - 1; dim >= 0; dim-- {
		switch {
		case strides[dim] >= 0:
			newStrides[dim] = strides[dim]
		case dim == rank-1:
			newStrides[dim] = 1
		default:
			newStrides[dim] = max(sizes[dim+1], 1) * newStrides[dim+1]
		}
	}

	t.sizesStrides.set(sizes, newStrides)
	t.numel = numel
	t.RefreshContiguous()
	return nil
}

// SetSizesContiguous sets the sizes of the tensor, with contiguous (row-major) strides.
func (t *Tensor) SetSizesContiguous(sizes []int64) error {
	if err := t.checkMetadataChange("SetSizesContiguous"); err != nil {
		return err
	}
	numel, err := shapes.Numel(sizes)
	if err != nil {
		return errors.WithMessagef(err, "SetSizesContiguous(%s)", shapes.Format(sizes))
	}
	t.sizesStrides.resize(len(sizes))
	copy(t.sizesStrides.sizes(), sizes)
	t.numel = numel
	t.restrideContiguous()
	return nil
}

// restrideContiguous sets the strides to the row-major strides of the current sizes, and refreshes the flags.
func (t *Tensor) restrideContiguous() {
	sizes, strides := t.sizesStrides.sizes(), t.sizesStrides.strides()
	stride := int64(1)
	for dim := len(sizes) - 1; dim >= 0; dim-- {
		strides[dim] = stride
		stride *= max(sizes[dim], 1)
	}
	t.RefreshContiguous()
}

// SetSize changes the size of one axis. Negative values of dim count from the end.
func (t *Tensor) SetSize(dim int, size int64) error {
	if err := t.checkMetadataChange("SetSize"); err != nil {
		return err
	}
	if t.policy >= PolicyCustomSizes {
		return errkinds.PreconditionViolationf("SetSize is not supported on tensors with %s policy", t.policy)
	}
	dim = wrapDim(dim, t.sizesStrides.rank)
	sizes := slices.Clone(t.sizesStrides.sizes())
	sizes[dim] = size
	numel, err := shapes.Numel(sizes)
	if err != nil {
		return errors.WithMessagef(err, "SetSize(%d, %d) of %s", dim, size, t.describe())
	}
	t.sizesStrides.sizes()[dim] = size
	t.numel = numel
	t.RefreshContiguous()
	return nil
}

// SetStride changes the stride of one axis. Negative values of dim count from the end.
func (t *Tensor) SetStride(dim int, stride int64) error {
	if err := t.checkMetadataChange("SetStride"); err != nil {
		return err
	}
	if t.policy >= PolicyCustomStrides {
		return errkinds.PreconditionViolationf("SetStride is not supported on tensors with %s policy", t.policy)
	}
	dim = wrapDim(dim, t.sizesStrides.rank)
	t.sizesStrides.strides()[dim] = stride
	t.RefreshContiguous()
	return nil
}

// SetStorageOffset sets the offset, in elements, of the first element in the storage.
func (t *Tensor) SetStorageOffset(offset int64) error {
	if err := t.checkMetadataChange("SetStorageOffset"); err != nil {
		return err
	}
	if offset < 0 {
		return errkinds.InvalidArgumentf("SetStorageOffset(%d): storage offset must be non-negative", offset)
	}
	t.storageOffset = offset
	return nil
}

// EmptyTensorRestride sets the strides to the canonical ones of format, for the current sizes.
//
// MemoryFormatChannelsLast requires rank 4, MemoryFormatChannelsLast3d rank 5. MemoryFormatPreserve is not a layout
// and is rejected.
func (t *Tensor) EmptyTensorRestride(format shapes.MemoryFormat) error {
	if err := t.checkMetadataChange("EmptyTensorRestride"); err != nil {
		return err
	}
	switch format {
	case shapes.MemoryFormatContiguous:
		t.restrideContiguous()
		return nil
	case shapes.MemoryFormatChannelsLast, shapes.MemoryFormatChannelsLast3d, shapes.MemoryFormatPreserve:
		strides, err := shapes.StridesFor(format, t.sizesStrides.sizes())
		if err != nil {
			return errors.WithMessagef(err, "EmptyTensorRestride(%s) of %s", format, t.describe())
		}
		copy(t.sizesStrides.strides(), strides)
		t.RefreshContiguous()
		return nil
	}
	exceptions.Panicf("EmptyTensorRestride: unknown memory format %d", format)
	return nil
}

// RefreshContiguous recomputes the cached contiguity flags from the stored sizes and strides.
// The setters call it already, it's only needed after changes made by Override implementations.
func (t *Tensor) RefreshContiguous() {
	f := shapes.ComputeFlags(t.sizesStrides.sizes(), t.sizesStrides.strides())
	t.flags.set(flagContiguous, f.Contiguous)
	t.flags.set(flagChannelsLastContiguous, f.ChannelsLastContiguous)
	t.flags.set(flagChannelsLast3dContiguous, f.ChannelsLast3dContiguous)
	t.flags.set(flagStridesLikeChannelsLast, f.StridesLikeChannelsLast)
	t.flags.set(flagStridesLikeChannelsLast3d, f.StridesLikeChannelsLast3d)
	t.flags.set(flagNonOverlappingAndDense, f.NonOverlappingAndDense)
}

// Flags returns the cached contiguity flags.
func (t *Tensor) Flags() shapes.Flags {
	return shapes.Flags{
		Contiguous:                t.flags.has(flagContiguous),
		ChannelsLastContiguous:    t.flags.has(flagChannelsLastContiguous),
		ChannelsLast3dContiguous:  t.flags.has(flagChannelsLast3dContiguous),
		StridesLikeChannelsLast:   t.flags.has(flagStridesLikeChannelsLast),
		StridesLikeChannelsLast3d: t.flags.has(flagStridesLikeChannelsLast3d),
		NonOverlappingAndDense:    t.flags.has(flagNonOverlappingAndDense),
	}
}

// IsContiguous returns whether the tensor is laid out densely in the given memory format.
// MemoryFormatContiguous (and MemoryFormatPreserve) check for row-major order.
func (t *Tensor) IsContiguous(format shapes.MemoryFormat) bool {
	if t.policy >= PolicyCustomStrides {
		return t.override.IsContiguous(t, format)
	}
	switch format {
	case shapes.MemoryFormatChannelsLast:
		return t.flags.has(flagChannelsLastContiguous)
	case shapes.MemoryFormatChannelsLast3d:
		return t.flags.has(flagChannelsLast3dContiguous)
	default:
		return t.flags.has(flagContiguous)
	}
}

// IsStridesLikeChannelsLast returns whether the strides are ordered like NHWC.
func (t *Tensor) IsStridesLikeChannelsLast() bool { return t.flags.has(flagStridesLikeChannelsLast) }

// IsStridesLikeChannelsLast3d returns whether the strides are ordered like NDHWC.
func (t *Tensor) IsStridesLikeChannelsLast3d() bool { return t.flags.has(flagStridesLikeChannelsLast3d) }

// IsNonOverlappingAndDense returns whether the elements fill a contiguous range of the storage, in any axis order.
func (t *Tensor) IsNonOverlappingAndDense() bool { return t.flags.has(flagNonOverlappingAndDense) }

// SuggestMemoryFormat returns the memory format that best matches the current strides.
func (t *Tensor) SuggestMemoryFormat() shapes.MemoryFormat {
	return t.Flags().SuggestMemoryFormat()
}
