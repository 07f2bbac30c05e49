package shapes

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/stretchr/testify/require"
)

func TestNumel(t *testing.T) {
	n, err := Numel(nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = Numel([]int64{2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, int64(24), n)

	n, err = Numel([]int64{3, 0, 5})
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	_, err = Numel([]int64{2, -1})
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)

	for _, sizes := range [][]int64{
		{1 << 32, 1 << 32},
		{1 << 62, 2},
		{math.MaxInt64, 3},
		{1 << 32, 1 << 32, 0}, // Overflow before the 0 is still an overflow.
	} {
		_, err = Numel(sizes)
		require.ErrorIsf(t, err, errkinds.ErrIntegerOverflow, "sizes=%v", sizes)
	}

	n, err = Numel([]int64{1 << 31, 1 << 31, 1})
	require.NoError(t, err)
	require.Equal(t, int64(1<<62), n)
}

func TestStrides(t *testing.T) {
	require.Equal(t, []int64{12, 4, 1}, ContiguousStrides([]int64{2, 3, 4}))
	require.Equal(t, []int64{4, 4, 1}, ContiguousStrides([]int64{2, 0, 4}))
	require.Empty(t, ContiguousStrides(nil))

	strides, err := ChannelsLastStrides2d([]int64{2, 3, 4, 5})
	require.NoError(t, err)
	require.Equal(t, []int64{60, 1, 15, 3}, strides)

	strides, err = ChannelsLastStrides3d([]int64{2, 3, 4, 5, 6})
	require.NoError(t, err)
	require.Equal(t, []int64{360, 1, 90, 18, 3}, strides)

	_, err = StridesFor(MemoryFormatChannelsLast, []int64{2, 3, 4})
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)
	_, err = StridesFor(MemoryFormatChannelsLast3d, []int64{2, 3, 4, 5})
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)
	_, err = StridesFor(MemoryFormatPreserve, []int64{2})
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)
}

func TestStorageEnd(t *testing.T) {
	end, err := StorageEnd(0, []int64{2, 3}, []int64{3, 1}, 4)
	require.NoError(t, err)
	require.Equal(t, int64(24), end)

	// Rows 0 and 2, odd columns of a [4][6] matrix.
	end, err = StorageEnd(1, []int64{2, 3}, []int64{12, 2}, 8)
	require.NoError(t, err)
	require.Equal(t, int64(18*8), end)

	// Views without elements need no storage, whatever their offset.
	end, err = StorageEnd(100, []int64{3, 0}, []int64{0, 1}, 4)
	require.NoError(t, err)
	require.Zero(t, end)

	_, err = StorageEnd(0, []int64{2}, []int64{-1}, 4)
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)

	for _, strides := range [][]int64{{1<<62 - 1}, {math.MaxInt64}, {1 << 61}} {
		_, err = StorageEnd(0, []int64{2}, strides, 4)
		require.ErrorIsf(t, err, errkinds.ErrIntegerOverflow, "strides=%v", strides)
	}
	_, err = StorageEnd(math.MaxInt64-1, []int64{2}, []int64{2}, 1)
	require.ErrorIs(t, err, errkinds.ErrIntegerOverflow)
}

func TestFlagsRank4(t *testing.T) {
	sizes := []int64{2, 3, 4, 5}
	f := ComputeFlags(sizes, ContiguousStrides(sizes))
	require.Equal(t, Flags{Contiguous: true, NonOverlappingAndDense: true}, f)
	require.Equal(t, MemoryFormatContiguous, f.SuggestMemoryFormat())

	cl, err := ChannelsLastStrides2d(sizes)
	require.NoError(t, err)
	f = ComputeFlags(sizes, cl)
	require.Equal(t, Flags{ChannelsLastContiguous: true, StridesLikeChannelsLast: true, NonOverlappingAndDense: true}, f)
	require.Equal(t, MemoryFormatChannelsLast, f.SuggestMemoryFormat())

	// C=1 is ambiguous: both contiguous flags hold, but the strides are not "like channels last".
	sizes = []int64{2, 1, 4, 5}
	f = ComputeFlags(sizes, ContiguousStrides(sizes))
	require.True(t, f.Contiguous)
	require.True(t, f.ChannelsLastContiguous)
	require.False(t, f.StridesLikeChannelsLast)
}

func TestFlagsRank5(t *testing.T) {
	sizes := []int64{2, 3, 4, 5, 6}
	cl3d, err := ChannelsLastStrides3d(sizes)
	require.NoError(t, err)
	f := ComputeFlags(sizes, cl3d)
	require.Equal(t, Flags{
		ChannelsLast3dContiguous:  true,
		StridesLikeChannelsLast3d: true,
		NonOverlappingAndDense:    true,
	}, f)
	require.Equal(t, MemoryFormatChannelsLast3d, f.SuggestMemoryFormat())

	f = ComputeFlags(sizes, ContiguousStrides(sizes))
	require.Equal(t, Flags{Contiguous: true, NonOverlappingAndDense: true}, f)
}

func TestNonOverlappingAndDense(t *testing.T) {
	require.True(t, IsNonOverlappingAndDense(nil, nil))
	require.True(t, IsNonOverlappingAndDense([]int64{1}, []int64{7}))
	require.False(t, IsNonOverlappingAndDense([]int64{5}, []int64{2}))

	// Transposed matrix: not contiguous, but dense.
	f := ComputeFlags([]int64{3, 4}, []int64{1, 3})
	require.False(t, f.Contiguous)
	require.True(t, f.NonOverlappingAndDense)

	// Overlapping and broadcast layouts.
	require.False(t, IsNonOverlappingAndDense([]int64{3, 4}, []int64{1, 1}))
	require.False(t, IsNonOverlappingAndDense([]int64{3, 4}, []int64{0, 1}))

	// Sliced (gaps).
	require.False(t, IsNonOverlappingAndDense([]int64{3, 4}, []int64{8, 1}))
}

// Channels-last flags are never set for ranks other than 4 and 5, whatever the strides.
func TestChannelsLastOnlyForRank4And5(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for range 2000 {
		rank := rng.IntN(8)
		if rank == 4 || rank == 5 {
			continue
		}
		sizes := make([]int64, rank)
		strides := make([]int64, rank)
		for axis := range rank {
			sizes[axis] = rng.Int64N(5)
			strides[axis] = rng.Int64N(100)
		}
		f := ComputeFlags(sizes, strides)
		require.False(t, f.ChannelsLastContiguous)
		require.False(t, f.ChannelsLast3dContiguous)
		require.False(t, f.StridesLikeChannelsLast)
		require.False(t, f.StridesLikeChannelsLast3d)
		// Idempotent: computing twice gives the same answer.
		require.Equal(t, f, ComputeFlags(sizes, strides))
	}
}

func TestMemoryFormatString(t *testing.T) {
	require.Equal(t, "ChannelsLast3d", MemoryFormatChannelsLast3d.String())
	mf, err := MemoryFormatString("channelslast")
	require.NoError(t, err)
	require.Equal(t, MemoryFormatChannelsLast, mf)
	require.Equal(t, "[2 3 4]", Format([]int64{2, 3, 4}))
}
