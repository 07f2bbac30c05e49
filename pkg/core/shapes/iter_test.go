package shapes

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIter(t *testing.T) {
	// Only one value to iterate.
	var collect [][]int64
	for flatIdx, indices := range Iter([]int64{1, 1, 1}) {
		collect = append(collect, slices.Clone(indices))
		require.Equal(t, int64(0), flatIdx)
	}
	require.Equal(t, [][]int64{{0, 0, 0}}, collect)

	// Scalar.
	collect = nil
	for _, indices := range Iter(nil) {
		collect = append(collect, slices.Clone(indices))
	}
	require.Equal(t, [][]int64{{}}, collect)

	// With trivial axes in between.
	collect = nil
	var counter int64
	for flatIdx, indices := range Iter([]int64{3, 1, 2, 1}) {
		collect = append(collect, slices.Clone(indices))
		require.Equal(t, counter, flatIdx)
		counter++
	}
	require.Equal(t, [][]int64{
		{0, 0, 0, 0},
		{0, 0, 1, 0},
		{1, 0, 0, 0},
		{1, 0, 1, 0},
		{2, 0, 0, 0},
		{2, 0, 1, 0},
	}, collect)

	// No elements.
	for range Iter([]int64{2, 0, 3}) {
		t.Fatal("unexpected element for sizes with 0")
	}

	// Early stop.
	counter = 0
	for range Iter([]int64{4, 4}) {
		counter++
		if counter == 5 {
			break
		}
	}
	require.Equal(t, int64(5), counter)
}

func TestOffsets(t *testing.T) {
	// Contiguous: positions are the flat indices shifted by the offset.
	var positions []int64
	for flatIdx, position := range Offsets([]int64{2, 3}, nil, 10, nil) {
		require.Equal(t, flatIdx+10, position)
		positions = append(positions, position)
	}
	require.Len(t, positions, 6)

	// Transposed [3][2] view of a [2][3] matrix.
	positions = nil
	for _, position := range Offsets([]int64{3, 2}, []int64{1, 3}, 0, nil) {
		positions = append(positions, position)
	}
	require.Equal(t, []int64{0, 3, 1, 4, 2, 5}, positions)

	// Rows 0 and 2, odd columns of a [4][6] matrix, with indices.
	positions = nil
	indices := make([]int64, 2)
	var collect [][]int64
	for _, position := range Offsets([]int64{2, 3}, []int64{12, 2}, 1, indices) {
		positions = append(positions, position)
		collect = append(collect, slices.Clone(indices))
	}
	require.Equal(t, []int64{1, 3, 5, 13, 15, 17}, positions)
	require.Equal(t, [][]int64{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}}, collect)

	// Broadcast (stride 0) axis.
	positions = nil
	for _, position := range Offsets([]int64{2, 2}, []int64{0, 1}, 0, nil) {
		positions = append(positions, position)
	}
	require.Equal(t, []int64{0, 1, 0, 1}, positions)
}
