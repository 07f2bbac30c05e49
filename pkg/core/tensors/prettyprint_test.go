package tensors

import (
	"context"
	"fmt"
	"testing"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tensorcore/pkg/core/storage"
	"github.com/gomlx/tensorcore/pkg/core/typemeta"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// fromValues creates a contiguous host tensor with the given sizes and values.
func fromValues[T dtypes.Supported](t *testing.T, sizes []int64, values []T) *Tensor {
	t.Helper()
	tensor := must.M1(Empty(context.Background(), sizes, typemeta.Make[T](), &storage.HostAllocator{}))
	require.Equal(t, int64(len(values)), tensor.Numel())
	if len(values) > 0 {
		dp := must.M1(tensor.RawMutableData(typemeta.Make[T]()))
		copy(unsafe.Slice((*T)(unsafe.Pointer(&dp.Host[0])), len(values)), values)
	}
	return tensor
}

func iota32(n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i)
	}
	return values
}

func TestSummary(t *testing.T) {
	matrix := fromValues(t, []int64{2, 3}, iota32(6))
	fmt.Printf("%s\n", matrix)
	require.Equal(t, "[2][3]float32{\n {0, 1, 2},\n {3, 4, 5}}", matrix.String())

	// Transposed view of the same storage.
	transposed := must.M1(matrix.ShallowCopyAndDetach(matrix.VersionCounter().Share(), true))
	require.NoError(t, transposed.SetSizesAndStrides([]int64{3, 2}, []int64{1, 3}))
	require.Equal(t, "[3][2]float32{\n {0, 3},\n {1, 4},\n {2, 5}}", transposed.String())

	// Scalar view of one element.
	require.NoError(t, transposed.SetSizesAndStrides(nil, nil))
	require.NoError(t, transposed.SetStorageOffset(4))
	require.Equal(t, "float32(4)", transposed.String())

	// Views out of bounds are not printed.
	require.NoError(t, transposed.SetStorageOffset(6))
	require.Contains(t, transposed.String(), "out of bounds")

	cube := fromValues(t, []int64{2, 2, 2}, []int8{0, 1, 2, 3, 4, 5, 6, 7})
	require.Equal(t, "[2][2][2]int8{\n {{0, 1},\n  {2, 3}},\n {{4, 5},\n  {6, 7}}}", cube.String())

	long := fromValues(t, []int64{10}, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	require.Equal(t, "[10]int32{0, 1, 2, ..., 7, 8, 9}", long.String())

	precision := fromValues(t, []int64{2}, []float64{1.0 / 3.0, 2.5})
	require.Equal(t, "[2]float64{0.3333, 2.5}", precision.String())
	require.Equal(t, "[2]float64{0.33, 2.5}", precision.Summary(2))

	halves := fromValues(t, []int64{2}, []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)})
	require.Equal(t, "[2]float16.Float16{1.5, -2}", halves.String())
	brains := fromValues(t, []int64{1}, []bfloat16.BFloat16{bfloat16.FromFloat32(0.25)})
	require.Equal(t, "[1]bfloat16.BFloat16{0.25}", brains.String())

	flags := fromValues(t, []int64{2}, []bool{true, false})
	require.Equal(t, "[2]bool{true, false}", flags.String())
	complexes := fromValues(t, []int64{1}, []complex64{complex(1, -2)})
	require.Equal(t, "[1]complex64{(1+-2i)}", complexes.String())
}

func TestSummaryWithoutValues(t *testing.T) {
	// No storage: only the metadata is described.
	tensor := New(nil, cpuKeys, typemeta.Make[float32]())
	require.NoError(t, tensor.SetSizesContiguous([]int64{2, 3}))
	require.Equal(t, "Tensor(Float32, sizes=[2 3], strides=[3 1], offset=0, CPU)", tensor.Summary(4))

	// Strides spanning beyond int64: only the metadata is described.
	huge := fromValues(t, []int64{1}, iota32(1))
	require.NoError(t, huge.SetSizesAndStrides([]int64{2}, []int64{1<<62 - 1}))
	require.Equal(t, "Tensor(Float32, sizes=[2], strides=[4611686018427387903], offset=0, CPU)", huge.Summary(4))
	huge.Finalize()

	// Finalized.
	matrix := fromValues(t, []int64{2}, iota32(2))
	matrix.Finalize()
	require.Contains(t, matrix.String(), "Tensor(")
}
