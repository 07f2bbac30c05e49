package numpy

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/core/shapes"
	"github.com/gomlx/tensorcore/pkg/core/storage"
	"github.com/gomlx/tensorcore/pkg/core/tensors"
	"github.com/gomlx/tensorcore/pkg/core/typemeta"
	"github.com/gomlx/tensorcore/pkg/core/version"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func fromValues[T dtypes.Supported](t *testing.T, sizes []int64, values []T) *tensors.Tensor {
	t.Helper()
	tensor := must.M1(tensors.Empty(context.Background(), sizes, typemeta.Make[T](), &storage.HostAllocator{}))
	if len(values) > 0 {
		dp := must.M1(tensor.RawMutableData(typemeta.Make[T]()))
		copy(unsafe.Slice((*T)(unsafe.Pointer(&dp.Host[0])), len(values)), values)
	}
	return tensor
}

func TestNpyHeader(t *testing.T) {
	for _, sizes := range [][]int64{{}, {7}, {2, 3, 4}} {
		header := encodeHeader("<f4", false, sizes)
		require.Zero(t, len(header)%headerAlignment)
		require.Equal(t, byte('\n'), header[len(header)-1])
		h := must.M1(readHeader(bytes.NewReader(header)))
		require.Equal(t, dtypes.Float32, h.dtype)
		require.False(t, h.fortranOrder)
		require.False(t, h.bigEndian)
		require.Equal(t, sizes, h.sizes)
	}
	require.Contains(t, string(encodeHeader("<i8", false, []int64{7})), "'shape': (7,)")

	_, err := readHeader(bytes.NewReader([]byte("not a npy file")))
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)
	_, err = readHeader(bytes.NewReader(encodeHeader("<U8", false, []int64{2})))
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)
}

func TestNpyRoundTrip(t *testing.T) {
	matrix := fromValues(t, []int64{4, 6}, make([]float32, 24))
	dp := must.M1(matrix.RawMutableData(matrix.Meta()))
	values := unsafe.Slice((*float32)(unsafe.Pointer(&dp.Host[0])), 24)
	for ii := range values {
		values[ii] = float32(ii)
	}

	// Rows 0 and 2, odd columns: saved in row-major order.
	view := must.M1(matrix.ShallowCopyAndDetach(version.New(0), true))
	require.NoError(t, view.SetSizesAndStrides([]int64{2, 3}, []int64{12, 2}))
	require.NoError(t, view.SetStorageOffset(1))

	for _, tensor := range []*tensors.Tensor{matrix, view} {
		var buf bytes.Buffer
		require.NoError(t, ToNpyWriter(tensor, &buf))
		loaded := must.M1(FromNpyReader(&buf, nil))
		require.Equal(t, tensor.Sizes(), loaded.Sizes())
		require.True(t, loaded.IsContiguous(shapes.MemoryFormatContiguous))
		require.Equal(t, tensor.String(), loaded.String())
		loaded.Finalize()
	}

	// Scalars and tensors without elements.
	scalar := fromValues(t, nil, []int64{-3})
	empty := fromValues(t, []int64{0, 5}, []uint8{})
	filePath := filepath.Join(t.TempDir(), "npy", "scalar.npy")
	for _, tensor := range []*tensors.Tensor{scalar, empty} {
		require.NoError(t, ToNpyFile(tensor, filePath))
		loaded := must.M1(FromNpyFile(filePath, &storage.HostAllocator{}))
		require.Equal(t, tensor.Sizes(), loaded.Sizes())
		require.Equal(t, tensor.String(), loaded.String())
	}

	// BFloat16 has no NumPy equivalent.
	bf16 := must.M1(tensors.Empty(context.Background(), []int64{2}, typemeta.Of(dtypes.BFloat16),
		&storage.HostAllocator{}))
	require.ErrorIs(t, ToNpyWriter(bf16, &bytes.Buffer{}), errkinds.ErrInvalidArgument)
}

func TestNpyFortranOrder(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeHeader("<i4", true, []int64{2, 3}))
	// Column-major data of {{0, 1, 2}, {3, 4, 5}}.
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []int32{0, 3, 1, 4, 2, 5}))
	loaded := must.M1(FromNpyReader(&buf, nil))
	require.Equal(t, []int64{2, 3}, loaded.Sizes())
	require.Equal(t, []int64{1, 2}, loaded.Strides())
	require.False(t, loaded.IsContiguous(shapes.MemoryFormatContiguous))
	require.Equal(t, "[2][3]int32{\n {0, 1, 2},\n {3, 4, 5}}", loaded.String())

	// Written back in row-major order.
	buf.Reset()
	require.NoError(t, ToNpyWriter(loaded, &buf))
	reloaded := must.M1(FromNpyReader(&buf, nil))
	require.Equal(t, []int64{3, 1}, reloaded.Strides())
	require.Equal(t, loaded.String(), reloaded.String())
}

func TestNpyBigEndian(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeHeader(">i2", false, []int64{3}))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []int16{1, -2, 300}))
	loaded := must.M1(FromNpyReader(&buf, nil))
	require.Equal(t, "[3]int16{1, -2, 300}", loaded.String())

	buf.Reset()
	buf.Write(encodeHeader(">c8", false, []int64{1}))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []float32{1.5, -2}))
	loaded = must.M1(FromNpyReader(&buf, nil))
	require.Equal(t, "[1]complex64{(1.5+-2i)}", loaded.String())
}

func TestNpz(t *testing.T) {
	named := map[string]*tensors.Tensor{
		"weights": fromValues(t, []int64{2, 2}, []float64{1, 2, 3, 4}),
		"mask":    fromValues(t, []int64{3}, []bool{true, false, true}),
	}
	filePath := filepath.Join(t.TempDir(), "params.npz")
	require.NoError(t, ToNpzFile(named, filePath))
	loaded := must.M1(FromNpzFile(filePath, nil))
	require.Len(t, loaded, 2)
	for name, tensor := range named {
		require.Equal(t, tensor.String(), loaded[name].String())
	}

	// A tensor that can't be saved fails the whole archive.
	named["bf16"] = must.M1(tensors.Empty(context.Background(), []int64{2}, typemeta.Of(dtypes.BFloat16),
		&storage.HostAllocator{}))
	require.Error(t, ToNpzWriter(named, &bytes.Buffer{}))
}
