package tensors

import (
	"bytes"
	"encoding/gob"
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/core/storage"
	"github.com/gomlx/tensorcore/pkg/core/typemeta"
	"github.com/gomlx/tensorcore/pkg/core/version"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// stridedView returns a [2][3] view of a [4][6] float32 tensor with values 0..23: rows 0 and 2, odd columns.
func stridedView(t *testing.T) *Tensor {
	base := fromValues(t, []int64{4, 6}, iota32(24))
	view := must.M1(base.ShallowCopyAndDetach(version.New(0), true))
	base.Finalize()
	require.NoError(t, view.SetSizesAndStrides([]int64{2, 3}, []int64{12, 2}))
	require.NoError(t, view.SetStorageOffset(1))
	require.Equal(t, "[2][3]float32{\n {1, 3, 5},\n {13, 15, 17}}", view.String())
	return view
}

func TestGobRoundTrip(t *testing.T) {
	view := stridedView(t)
	require.NoError(t, view.BumpVersion(t.Context()))

	for _, allocator := range []storage.Allocator{nil, &storage.HostAllocator{}} {
		var buf bytes.Buffer
		require.NoError(t, view.GobSerialize(gob.NewEncoder(&buf)))
		loaded := must.M1(GobDeserialize(gob.NewDecoder(&buf), allocator))
		require.Equal(t, view.Sizes(), loaded.Sizes())
		require.Equal(t, view.Strides(), loaded.Strides())
		require.Equal(t, view.StorageOffset(), loaded.StorageOffset())
		require.Equal(t, view.Meta(), loaded.Meta())
		require.Equal(t, view.String(), loaded.String())

		// Bytes after the last element of the view are not saved.
		require.Equal(t, int64((1+1*12+2*2+1)*4), must.M1(loaded.Storage()).NBytes())

		// Version counters are not persisted.
		require.True(t, loaded.VersionCounter().Enabled())
		require.Equal(t, uint32(0), loaded.Version())
		loaded.Finalize()
	}
}

func TestGobEmptyAndScalar(t *testing.T) {
	empty := fromValues(t, []int64{0, 3}, []int32{})
	var buf bytes.Buffer
	require.NoError(t, empty.GobSerialize(gob.NewEncoder(&buf)))
	loaded := must.M1(GobDeserialize(gob.NewDecoder(&buf), nil))
	require.Equal(t, []int64{0, 3}, loaded.Sizes())
	require.Equal(t, int64(0), loaded.Numel())

	scalar := fromValues(t, nil, []float64{3.25})
	buf.Reset()
	require.NoError(t, scalar.GobSerialize(gob.NewEncoder(&buf)))
	loaded = must.M1(GobDeserialize(gob.NewDecoder(&buf), nil))
	require.Equal(t, "float64(3.25)", loaded.String())
}

func TestGobErrors(t *testing.T) {
	var buf bytes.Buffer
	sparse := must.M1(NewSparse(cpuKeys, typemeta.Make[float32](), []int64{2}))
	require.ErrorIs(t, sparse.GobSerialize(gob.NewEncoder(&buf)), errkinds.ErrPreconditionViolation)

	custom := New(nil, cpuKeys, countedMeta)
	require.ErrorIs(t, custom.GobSerialize(gob.NewEncoder(&buf)), errkinds.ErrInvalidArgument)

	// Not enough data for the view.
	buf.Reset()
	enc := gob.NewEncoder(&buf)
	require.NoError(t, enc.Encode(typemeta.Make[float32]().DType()))
	require.NoError(t, enc.Encode([]int64{2, 2}))
	require.NoError(t, enc.Encode([]int64{2, 1}))
	require.NoError(t, enc.Encode(int64(0)))
	require.NoError(t, enc.Encode(make([]byte, 8)))
	_, err := GobDeserialize(gob.NewDecoder(&buf), nil)
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)

	// Strides whose span overflows int64 are rejected, not wrapped around.
	for _, strides := range [][]int64{{1<<62 - 1}, {math.MaxInt64}} {
		buf.Reset()
		enc = gob.NewEncoder(&buf)
		require.NoError(t, enc.Encode(typemeta.Make[float32]().DType()))
		require.NoError(t, enc.Encode([]int64{2}))
		require.NoError(t, enc.Encode(strides))
		require.NoError(t, enc.Encode(int64(0)))
		require.NoError(t, enc.Encode(make([]byte, 4)))
		_, err = GobDeserialize(gob.NewDecoder(&buf), nil)
		require.ErrorIs(t, err, errkinds.ErrIntegerOverflow)
	}

	// Truncated stream.
	_, err = GobDeserialize(gob.NewDecoder(bytes.NewReader(nil)), nil)
	require.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	view := stridedView(t)
	filePath := filepath.Join(t.TempDir(), "view.bin")
	require.NoError(t, view.Save(filePath))
	loaded := must.M1(Load(filePath, nil))
	require.Equal(t, view.String(), loaded.String())

	_, err := Load(filepath.Join(t.TempDir(), "missing.bin"), nil)
	require.Error(t, err)
}
