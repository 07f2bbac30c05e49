// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/tensorcore/pkg/core/dispatch"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/core/shapes"
	"github.com/gomlx/tensorcore/pkg/core/typemeta"
	"github.com/pkg/errors"
)

// SparseLayout is the Override of sparse tensors, used with PolicyCustomStrides: they have sizes, but no strides,
// and are never contiguous.
type SparseLayout struct{}

var _ Override = SparseLayout{}

// Sizes implements Override.
func (SparseLayout) Sizes(t *Tensor) []int64 { return t.DefaultSizes() }

// Strides implements Override. Sparse tensors have no strides.
func (SparseLayout) Strides(t *Tensor) ([]int64, error) {
	return nil, errkinds.PreconditionViolationf("sparse tensors do not have strides")
}

// Dim implements Override.
func (SparseLayout) Dim(t *Tensor) int { return t.DefaultDim() }

// Numel implements Override.
func (SparseLayout) Numel(t *Tensor) int64 { return t.DefaultNumel() }

// IsContiguous implements Override.
func (SparseLayout) IsContiguous(t *Tensor, format shapes.MemoryFormat) bool { return false }

// NewSparse creates the metadata of a sparse tensor with the given sizes. The tensor has no storage (the indices and
// values are kept by the sparse kernels elsewhere), and accessing its storage or strides fails.
func NewSparse(keySet dispatch.KeySet, meta typemeta.Meta, sizes []int64) (*Tensor, error) {
	t := New(nil, keySet.Add(dispatch.KeySparse).Remove(dispatch.KeyDense), meta)
	if err := t.SetSizesContiguous(sizes); err != nil {
		return nil, errors.WithMessage(err, "NewSparse")
	}
	if err := t.SetCustomSizesStrides(PolicyCustomStrides, SparseLayout{}); err != nil {
		return nil, err
	}
	t.SetStorageAccessShouldFail(true)
	return t, nil
}
