package allocator

import (
	"math"
	"testing"

	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), c)
	require.Equal(t, int64(math.MaxInt64), c.MaxSplitSize)
	require.Equal(t, "", c.String())

	const full = "max_split_size_mb:128,garbage_collection_threshold:0.6,roundup_power2_divisions:4"
	c, err = ParseConfig(full)
	require.NoError(t, err)
	require.Equal(t, Config{MaxSplitSize: 128 << 20, GarbageCollectionThreshold: 0.6, RoundupPower2Divisions: 4}, c)
	require.Equal(t, full, c.String())
	require.NoError(t, c.Validate())

	for _, bad := range []string{
		"max_split_size_mb:20",
		"max_split_size_mb:lots",
		"garbage_collection_threshold:1.0",
		"garbage_collection_threshold:0",
		"roundup_power2_divisions:3",
		"expandable_segments:True",
		"max_split_size_mb",
	} {
		_, err = ParseConfig(bad)
		require.ErrorIsf(t, err, errkinds.ErrInvalidArgument, "config %q", bad)
	}

	t.Setenv(EnvConfig, "max_split_size_mb:64")
	c, err = ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, int64(64<<20), c.MaxSplitSize)
	t.Setenv(EnvConfig, "bogus")
	_, err = ConfigFromEnv()
	require.ErrorIs(t, err, errkinds.ErrInvalidArgument)

	require.Error(t, Config{}.Validate())
	require.Error(t, Config{MaxSplitSize: 1, RoundupPower2Divisions: 6}.Validate())
}

func TestRoundSize(t *testing.T) {
	c := DefaultConfig()
	require.Equal(t, int64(512), c.RoundSize(1))
	require.Equal(t, int64(512), c.RoundSize(512))
	require.Equal(t, int64(1024), c.RoundSize(513))
	require.Equal(t, int64(5120), c.RoundSize(5000))

	c.RoundupPower2Divisions = 4
	require.Equal(t, int64(1536), c.RoundSize(1280))     // Not above 512*4: regular rounding.
	require.Equal(t, int64(5120), c.RoundSize(5000))     // Divisions of 1024 between 4096 and 8192.
	require.Equal(t, int64(4096), c.RoundSize(4096))     // Powers of 2 are kept.
	require.Equal(t, int64(6144), c.RoundSize(5121))     // Next division.
	require.Equal(t, int64(40<<20), c.RoundSize(39<<20)) // Divisions of 8MiB between 32MiB and 64MiB.
}

func TestAllocationSize(t *testing.T) {
	require.Equal(t, int64(SmallBuffer), allocationSize(512))
	require.Equal(t, int64(SmallBuffer), allocationSize(SmallSize))
	require.Equal(t, int64(LargeBuffer), allocationSize(SmallSize+512))
	require.Equal(t, int64(LargeBuffer), allocationSize(MinLargeAlloc-512))
	require.Equal(t, int64(MinLargeAlloc), allocationSize(MinLargeAlloc))
	require.Equal(t, int64(12<<20), allocationSize(11<<20))
}
