// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/gob"
	"os"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorcore/pkg/core/dispatch"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/core/shapes"
	"github.com/gomlx/tensorcore/pkg/core/storage"
	"github.com/gomlx/tensorcore/pkg/core/typemeta"
	"github.com/gomlx/tensorcore/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// GobSerialize the tensor in binary format: dtype, sizes, strides, storage offset and the bytes of the storage up
// to the last element of the view, so strided views round trip unchanged.
//
// Version counters and dispatch keys are runtime state and are not serialized.
//
// Only tensors with a builtin dtype and host accessible storage can be serialized.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	dtype := t.meta.DType()
	if dtype == dtypes.InvalidDType {
		return errkinds.InvalidArgumentf("GobSerialize: only tensors with builtin dtypes can be serialized, got %s",
			t.describe())
	}
	strides, err := t.StridesE()
	if err != nil {
		return errors.WithMessage(err, "GobSerialize")
	}
	var data []byte
	if t.numel > 0 {
		st, err := t.Storage()
		if err != nil {
			return errors.WithMessage(err, "GobSerialize")
		}
		if !t.StorageInitialized() || st.Bytes() == nil {
			return errkinds.PreconditionViolationf("GobSerialize: storage of %s is not allocated or not host accessible",
				t.describe())
		}
		nbytes, err := shapes.StorageEnd(t.storageOffset, t.Sizes(), strides, t.meta.ItemSize())
		if err != nil {
			return errors.WithMessagef(err, "GobSerialize(%s)", t.describe())
		}
		if nbytes > int64(len(st.Bytes())) {
			return errkinds.PreconditionViolationf("GobSerialize: %s spans beyond the end of its storage", t.describe())
		}
		data = st.Bytes()[:nbytes]
	}

	enc := func(e any) {
		if err != nil {
			return
		}
		err = encoder.Encode(e)
		if err != nil {
			err = errors.Wrapf(err, "failed to serialize Tensor %s", t.describe())
		}
	}
	enc(dtype)
	enc(t.Sizes())
	enc(strides)
	enc(t.storageOffset)
	enc(data)
	return
}

// GobDeserialize a Tensor from the decoder.
//
// If allocator is nil the tensor keeps the decoded bytes in host memory, without copying. Otherwise, a storage is
// allocated with allocator (it must be host accessible) and the data is copied into it.
func GobDeserialize(decoder *gob.Decoder, allocator storage.Allocator) (t *Tensor, err error) {
	var (
		dtype          dtypes.DType
		sizes, strides []int64
		offset         int64
		data           []byte
	)
	dec := func(data any) {
		if err != nil {
			return
		}
		err = decoder.Decode(data)
		if err != nil {
			err = errors.Wrapf(err, "failed to deserialize Tensor")
		}
	}
	dec(&dtype)
	dec(&sizes)
	dec(&strides)
	dec(&offset)
	dec(&data)
	if err != nil {
		return nil, err
	}
	if dtype == dtypes.InvalidDType || dtype.Memory() == 0 {
		return nil, errkinds.InvalidArgumentf("GobDeserialize: invalid dtype %s", dtype)
	}
	if len(sizes) != len(strides) {
		return nil, errkinds.InvalidArgumentf("GobDeserialize: sizes %s and strides %s have different ranks",
			shapes.Format(sizes), shapes.Format(strides))
	}
	if offset < 0 {
		return nil, errkinds.InvalidArgumentf("GobDeserialize: negative storage offset %d", offset)
	}
	if _, err = shapes.Numel(sizes); err != nil {
		return nil, errors.WithMessage(err, "GobDeserialize")
	}
	meta := typemeta.Of(dtype)
	end, err := shapes.StorageEnd(offset, sizes, strides, meta.ItemSize())
	if err != nil {
		return nil, errors.WithMessage(err, "GobDeserialize")
	}
	nbytes := int64(len(data))
	if end > nbytes {
		return nil, errkinds.InvalidArgumentf("GobDeserialize: view %s with strides %s and offset %d of %s needs %d bytes, got %d",
			shapes.Format(sizes), shapes.Format(strides), offset, dtype, end, nbytes)
	}

	var st *storage.Storage
	if allocator == nil {
		st = storage.NewFromBytes(data)
	} else {
		st, err = storage.New(nbytes, allocator, true)
		if err != nil {
			return nil, errors.WithMessage(err, "GobDeserialize")
		}
		if nbytes > 0 && st.Bytes() == nil {
			st.Release()
			return nil, errkinds.PreconditionViolationf("GobDeserialize: memory of %s is not host accessible",
				allocator.Device())
		}
		copy(st.Bytes(), data)
	}
	t = New(st, dispatch.ForBackend(st.Device().Type.DispatchKey(), false), meta)
	err = t.SetSizesAndStrides(sizes, strides)
	if err == nil {
		err = t.SetStorageOffset(offset)
	}
	if err != nil {
		t.Finalize()
		return nil, errors.WithMessage(err, "GobDeserialize")
	}
	return t, nil
}

// Save the tensor to the given file path. A "~" prefix is replaced by the user home directory.
func (t *Tensor) Save(filePath string) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save tensor", filePath)
	}
	enc := gob.NewEncoder(f)
	err = t.GobSerialize(enc)
	if err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving Tensor to %q", filePath)
	}
	err = f.Close()
	if err != nil {
		return errors.Wrapf(err, "close file %q, where tensor was saved", filePath)
	}
	return nil
}

// Load a tensor from the file path given, see GobDeserialize for the meaning of allocator.
func Load(filePath string, allocator storage.Allocator) (*Tensor, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to open tensor file %q", filePath)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q to load Tensor", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	t, err := GobDeserialize(dec, allocator)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading Tensor from %q", filePath)
	}
	return t, nil
}
