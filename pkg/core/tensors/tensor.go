// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, the metadata of an N-dimensional strided view over a reference counted
// storage.Storage.
//
// A Tensor holds:
//
//   - Sizes and strides (stored inline for ranks up to MaxInlineRank), the storage offset, and the cached number
//     of elements (Numel).
//   - The element type (typemeta.Meta), which may be uninitialized until the first RawMutableData call.
//   - The dispatch keys (dispatch.KeySet) that select which implementation handles operations on the tensor.
//   - A version counter (version.Counter), shared by the views of the same data and bumped on in-place updates.
//   - Cached contiguity flags, recomputed whenever sizes or strides change.
//
// Most tensors use the default sizes/strides policy: the accessors return the cached values directly. Tensors with
// exotic layouts (sparse, nested) set a custom policy and an Override, which then answers the queries.
//
// Tensor metadata is not synchronized: a Tensor must not be mutated concurrently. The storage reference count and
// the version counter are atomic, so views sharing them can live in different goroutines.
//
// Example:
//
//	t, err := tensors.Empty(ctx, []int64{2, 3}, typemeta.Make[float32](), &storage.HostAllocator{})
//	if err != nil { ... }
//	defer t.Finalize()
//	fmt.Println(t.Strides())  // [3 1]
package tensors

//go:generate go tool enumer -type=SizesStridesPolicy -trimprefix=Policy -output=gen_sizesstridespolicy_enumer.go tensor.go

import (
	"context"
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/dispatch"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/core/shapes"
	"github.com/gomlx/tensorcore/pkg/core/storage"
	"github.com/gomlx/tensorcore/pkg/core/typemeta"
	"github.com/gomlx/tensorcore/pkg/core/version"
	"github.com/pkg/errors"
)

// SizesStridesPolicy selects who answers the sizes and strides queries of a Tensor.
type SizesStridesPolicy uint8

const (
	// PolicyDefault uses the sizes and strides stored in the Tensor.
	PolicyDefault SizesStridesPolicy = iota

	// PolicyCustomStrides delegates Strides and IsContiguous to the Override.
	PolicyCustomStrides

	// PolicyCustomSizes delegates Sizes, Dim and Numel too.
	PolicyCustomSizes
)

// Override answers the layout queries of tensors with a custom SizesStridesPolicy.
//
// Implementations are usually stateless and shared: ShallowCopyAndDetach copies the Override to the new tensor.
type Override interface {
	Sizes(t *Tensor) []int64

	// Strides returns an error if the layout can't be described with strides (e.g. sparse tensors).
	Strides(t *Tensor) ([]int64, error)

	Dim(t *Tensor) int
	Numel(t *Tensor) int64
	IsContiguous(t *Tensor, format shapes.MemoryFormat) bool
}

// flagBits packs the boolean state of a Tensor.
type flagBits uint16

const (
	flagContiguous flagBits = 1 << iota
	flagChannelsLastContiguous
	flagChannelsLast3dContiguous
	flagStridesLikeChannelsLast
	flagStridesLikeChannelsLast3d
	flagNonOverlappingAndDense
	flagAllowMetadataChange
	flagWrappedNumber
	flagStorageAccessShouldFail
	flagFinalized
)

func (f flagBits) has(bit flagBits) bool { return f&bit != 0 }

func (f *flagBits) set(bit flagBits, value bool) {
	if value {
		*f |= bit
	} else {
		*f &^= bit
	}
}

// Tensor is the metadata of a strided view over a storage.Storage. See package documentation.
//
// Millions of tensors can be alive at the same time in a training process, so the struct is kept small: flags
// are packed in bits, and sizes and strides of small ranks are stored inline.
type Tensor struct {
	storage       *storage.Storage
	version       version.Counter
	override      Override
	sizesStrides  sizesAndStrides
	storageOffset int64
	numel         int64
	keySet        dispatch.KeySet
	meta          typemeta.Meta
	policy        SizesStridesPolicy
	flags         flagBits
}

// New creates a Tensor backed by st, which may be nil. The tensor takes ownership of one reference of st: call
// st.Retain() before, if the caller keeps using it.
//
// The tensor starts 1-dimensional with no elements (sizes [0], strides [1]). The version counter is enabled,
// unless keySet describes an inference tensor (see dispatch.KeySet.IsInference).
func New(st *storage.Storage, keySet dispatch.KeySet, meta typemeta.Meta) *Tensor {
	t := &Tensor{
		storage: st,
		keySet:  keySet,
		meta:    meta,
	}
	if !keySet.IsInference() {
		t.version = version.New(0)
	}
	t.flags.set(flagAllowMetadataChange, true)
	t.sizesStrides.set([]int64{0}, []int64{1})
	t.RefreshContiguous()
	return t
}

// Empty creates a contiguous tensor with the given sizes and element type, with memory from allocator.
// The contents are not initialized (except by the placement constructor of meta, if any).
//
// If ctx is in inference mode (see version.WithInferenceMode) the tensor is an inference tensor.
func Empty(ctx context.Context, sizes []int64, meta typemeta.Meta, allocator storage.Allocator) (*Tensor, error) {
	if allocator == nil {
		return nil, errkinds.InvalidArgumentf("tensors.Empty: nil allocator")
	}
	st, err := storage.New(0, allocator, true)
	if err != nil {
		return nil, err
	}
	keySet := dispatch.ForBackend(allocator.Device().Type.DispatchKey(), version.IsInferenceMode(ctx))
	t := New(st, keySet, typemeta.Uninitialized)
	if err = t.SetSizesContiguous(sizes); err == nil {
		_, err = t.RawMutableData(meta)
	}
	if err != nil {
		t.Finalize()
		return nil, errors.WithMessagef(err, "tensors.Empty(%v, %s)", sizes, meta)
	}
	return t, nil
}

// MustEmpty is like Empty, but panics on error.
func MustEmpty(ctx context.Context, sizes []int64, meta typemeta.Meta, allocator storage.Allocator) *Tensor {
	t, err := Empty(ctx, sizes, meta, allocator)
	if err != nil {
		panic(err)
	}
	return t
}

// Ok returns whether the Tensor is not nil and hasn't been finalized.
func (t *Tensor) Ok() bool {
	return t != nil && !t.flags.has(flagFinalized)
}

// Finalize releases the reference to the storage and to the version counter.
// The metadata can still be read, but the tensor has no data anymore. Calling it more than once is a no-op.
func (t *Tensor) Finalize() {
	if t == nil || t.flags.has(flagFinalized) {
		return
	}
	if t.storage != nil {
		t.storage.Release()
		t.storage = nil
	}
	t.version.Release()
	t.version = version.Disabled
	t.flags.set(flagFinalized, true)
}

// KeySet returns the dispatch keys of the tensor.
func (t *Tensor) KeySet() dispatch.KeySet { return t.keySet }

// Meta returns the element type. It may be typemeta.Uninitialized.
func (t *Tensor) Meta() typemeta.Meta { return t.meta }

// DType returns the dtype of the elements, or dtypes.InvalidDType for uninitialized or custom element types.
func (t *Tensor) DType() dtypes.DType { return t.meta.DType() }

// ItemSize in bytes of the elements.
func (t *Tensor) ItemSize() int64 { return t.meta.ItemSize() }

// DtypeInitialized returns whether the element type has been set.
func (t *Tensor) DtypeInitialized() bool { return t.meta.IsInitialized() }

// Device returns the device of the storage, if the tensor has one.
func (t *Tensor) Device() (device.Device, bool) {
	if t.storage == nil {
		return device.Device{}, false
	}
	return t.storage.Device(), true
}

// Policy returns the sizes and strides policy.
func (t *Tensor) Policy() SizesStridesPolicy { return t.policy }

// SetCustomSizesStrides sets the sizes and strides policy, and the Override that answers the queries delegated
// by it. The Override can only be nil for PolicyDefault.
func (t *Tensor) SetCustomSizesStrides(policy SizesStridesPolicy, override Override) error {
	if !policy.IsASizesStridesPolicy() {
		return errkinds.InvalidArgumentf("invalid sizes and strides policy %s", policy)
	}
	if policy != PolicyDefault && override == nil {
		return errkinds.InvalidArgumentf("policy %s requires an Override", policy)
	}
	t.policy = policy
	t.override = override
	return nil
}

// AllowMetadataChange returns whether the sizes, strides, storage offset and storage can be changed.
func (t *Tensor) AllowMetadataChange() bool { return t.flags.has(flagAllowMetadataChange) }

// SetAllowMetadataChange enables or disables changes to the metadata.
func (t *Tensor) SetAllowMetadataChange(allow bool) { t.flags.set(flagAllowMetadataChange, allow) }

// IsWrappedNumber returns whether the tensor was created from a Go scalar by the operators, which affects type
// promotion.
func (t *Tensor) IsWrappedNumber() bool { return t.flags.has(flagWrappedNumber) }

// SetWrappedNumber marks a scalar (rank 0) tensor as a wrapped number.
func (t *Tensor) SetWrappedNumber(value bool) error {
	if t.Dim() != 0 {
		return errkinds.PreconditionViolationf("only rank 0 tensors can be wrapped numbers, got %s", t.describe())
	}
	t.flags.set(flagWrappedNumber, value)
	return nil
}

// SetStorageAccessShouldFail makes any access to the storage fail: for tensors whose storage is not meaningful
// to the user (e.g. sparse tensors, or functionalized wrappers).
func (t *Tensor) SetStorageAccessShouldFail(value bool) { t.flags.set(flagStorageAccessShouldFail, value) }

// IsSparse returns whether the tensor has a sparse layout.
func (t *Tensor) IsSparse() bool { return t.keySet.IsSparse() }

// IsQuantized returns whether the tensor is quantized.
func (t *Tensor) IsQuantized() bool { return t.keySet.IsQuantized() }

// IsNested returns whether the tensor is a nested tensor.
func (t *Tensor) IsNested() bool { return t.keySet.IsNested() }

// IsConj returns whether the tensor is lazily conjugated.
func (t *Tensor) IsConj() bool { return t.keySet.IsConj() }

// SetConj sets or clears the lazy conjugation bit.
func (t *Tensor) SetConj(value bool) { t.setKey(dispatch.KeyConjugate, value) }

// IsNeg returns whether the tensor is lazily negated.
func (t *Tensor) IsNeg() bool { return t.keySet.IsNeg() }

// SetNeg sets or clears the lazy negation bit.
func (t *Tensor) SetNeg(value bool) { t.setKey(dispatch.KeyNegative, value) }

func (t *Tensor) setKey(key dispatch.Key, value bool) {
	if value {
		t.keySet = t.keySet.Add(key)
	} else {
		t.keySet = t.keySet.Remove(key)
	}
}

// RequiresAutogradTracking returns whether operations on the tensor are recorded for autograd.
func (t *Tensor) RequiresAutogradTracking() bool { return t.keySet.RequiresAutograd() }

// IsInference returns whether this is an inference tensor: no autograd and no version tracking.
func (t *Tensor) IsInference() bool { return t.keySet.IsInference() }

// describe returns a one-line description of the tensor, used in error messages.
func (t *Tensor) describe() string {
	if t == nil {
		return "Tensor(nil)"
	}
	strides := "?"
	if s, err := t.StridesE(); err == nil {
		strides = shapes.Format(s)
	}
	backend := "no backend"
	if key := t.keySet.Backend(); key != dispatch.KeyUndefined {
		backend = key.String()
	}
	return fmt.Sprintf("Tensor(%s, sizes=%s, strides=%s, offset=%d, %s)",
		t.meta, shapes.Format(t.Sizes()), strides, t.storageOffset, backend)
}

// wrapDim converts a possibly negative axis index to a positive one. It panics for axes out of range.
func wrapDim(dim, rank int) int {
	if dim < -rank || dim >= rank {
		exceptions.Panicf("dimension %d out of range for a tensor of rank %d, expected to be in [%d, %d]",
			dim, rank, -rank, rank-1)
	}
	if dim < 0 {
		dim += rank
	}
	return dim
}
