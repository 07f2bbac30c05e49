// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"context"

	"github.com/gomlx/tensorcore/pkg/core/dispatch"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/core/version"
	"github.com/pkg/errors"
)

// VersionCounter returns the version counter of the tensor, without adding a reference to it: use Share on the
// returned value to give it to another tensor.
func (t *Tensor) VersionCounter() version.Counter { return t.version }

// Version returns the current version of the data. Inference tensors always return 0.
func (t *Tensor) Version() uint32 { return t.version.Current() }

// BumpVersion increments the version counter, and should be called on every in-place update of the data.
//
// For inference tensors (no version counter) it's a no-op in inference mode (see version.WithInferenceMode) and an
// error otherwise.
func (t *Tensor) BumpVersion(ctx context.Context) error {
	if err := t.version.Bump(ctx); err != nil {
		return errors.WithMessagef(err, "BumpVersion of %s", t.describe())
	}
	return nil
}

// SetVersionCounter replaces the version counter, taking ownership of counter and releasing the previous one.
//
// Inference tensors can't have an enabled version counter.
func (t *Tensor) SetVersionCounter(counter version.Counter) error {
	if t.IsInference() && counter.Enabled() {
		return errkinds.PreconditionViolationf("cannot set an enabled version counter on inference %s", t.describe())
	}
	t.version.Release()
	t.version = counter
	return nil
}

// ShallowCopyAndDetach returns a new tensor sharing the storage (a new reference is added) and with a copy of the
// metadata of t. The new tensor uses the given version counter (ownership is transferred), and allowMetadataChange
// selects whether its metadata can be changed.
//
// The metadata of the two tensors is independent afterward: changing the sizes of one doesn't affect the other.
func (t *Tensor) ShallowCopyAndDetach(counter version.Counter, allowMetadataChange bool) (*Tensor, error) {
	if t.IsInference() && counter.Enabled() {
		return nil, errkinds.PreconditionViolationf(
			"ShallowCopyAndDetach: cannot set an enabled version counter on a copy of inference %s", t.describe())
	}
	c := &Tensor{}
	copyMetadata(t, c, t.keySet)
	c.version = counter
	c.flags.set(flagAllowMetadataChange, allowMetadataChange)
	return c, nil
}

// ShallowCopyFrom copies the storage (adding a reference to it) and metadata of src into t.
// The version counter of t and whether its metadata can be changed are kept.
//
// Both tensors must have compatible layouts: a sparse or quantized tensor can only be copied from another of the
// same kind.
func (t *Tensor) ShallowCopyFrom(src *Tensor) error {
	if src == nil {
		return errkinds.InvalidArgumentf("ShallowCopyFrom: nil source tensor")
	}
	if t.IsSparse() != src.IsSparse() || t.IsQuantized() != src.IsQuantized() {
		return errkinds.InvalidArgumentf("ShallowCopyFrom: %s is not compatible with %s", src.describe(), t.describe())
	}
	keySet := src.keySet.Remove(dispatch.KeyPython)
	if t.keySet.Has(dispatch.KeyPython) {
		keySet = keySet.Add(dispatch.KeyPython)
	}
	if keySet.IsInference() && t.version.Enabled() {
		return errkinds.PreconditionViolationf(
			"ShallowCopyFrom: %s is an inference tensor, and %s has an enabled version counter",
			src.describe(), t.describe())
	}
	allow := t.AllowMetadataChange()
	copyMetadata(src, t, keySet)
	t.flags.set(flagAllowMetadataChange, allow)
	return nil
}

// copyMetadata copies everything but the version counter from src to dst, using the given key set.
// The storage of src is retained, and the previous storage of dst released.
func copyMetadata(src, dst *Tensor, keySet dispatch.KeySet) {
	if src.storage != nil {
		src.storage.Retain()
	}
	if dst.storage != nil {
		dst.storage.Release()
	}
	dst.storage = src.storage
	dst.sizesStrides = src.sizesStrides.clone()
	dst.storageOffset = src.storageOffset
	dst.numel = src.numel
	dst.meta = src.meta
	dst.keySet = keySet
	dst.policy = src.policy
	dst.override = src.override
	dst.flags = src.flags &^ flagFinalized
}
