// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"math"
	"math/bits"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/pkg/errors"
)

// Size classes and segment sizes.
const (
	// MinBlockSize is the granularity of all block sizes: every request is rounded up to a multiple of it.
	MinBlockSize = 512

	// SmallSize is the largest request served from the small pool.
	SmallSize = 1 << 20

	// SmallBuffer is the size of the segments allocated for the small pool.
	SmallBuffer = 2 << 20

	// LargeBuffer is the size of the segments allocated for large requests smaller than MinLargeAlloc.
	LargeBuffer = 20 << 20

	// MinLargeAlloc is the request size from which segments are allocated with the exact (rounded) size.
	MinLargeAlloc = 10 << 20

	// RoundLarge is the rounding of segments for requests of MinLargeAlloc or more.
	RoundLarge = 2 << 20
)

const mb = 1 << 20

// EnvConfig is the environment variable read by ConfigFromEnv.
const EnvConfig = "TENSORCORE_ALLOC_CONF"

// Config of the caching allocator. The zero value is not valid, start from DefaultConfig.
type Config struct {
	// MaxSplitSize: cached blocks of this size or larger ("oversize" blocks) are never split, and are only
	// reused for requests of at least this size. It defaults to "unlimited" (math.MaxInt64).
	MaxSplitSize int64

	// GarbageCollectionThreshold, if > 0, and a memory fraction is set, makes the allocator release the
	// oldest cached unsplit blocks whenever the reserved memory goes above this fraction of the allowed maximum.
	// It must be in the open interval (0, 1), or 0 to disable it.
	GarbageCollectionThreshold float64

	// RoundupPower2Divisions, if > 0, rounds requests larger than MinBlockSize*RoundupPower2Divisions up to one
	// of this many equal divisions between consecutive powers of 2. It must be a power of 2.
	RoundupPower2Divisions int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{MaxSplitSize: math.MaxInt64}
}

// ParseConfig parses a configuration string with comma separated "key:value" settings, e.g.:
// "max_split_size_mb:128,garbage_collection_threshold:0.6,roundup_power2_divisions:4".
//
// Settings not given take the default values.
func ParseConfig(config string) (Config, error) {
	c := DefaultConfig()
	for setting := range strings.SplitSeq(config, ",") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		key, value, found := strings.Cut(setting, ":")
		if !found {
			return c, errkinds.InvalidArgumentf("allocator config: invalid setting %q, expected \"key:value\"", setting)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "max_split_size_mb":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return c, errkinds.InvalidArgumentf("allocator config: invalid max_split_size_mb %q", value)
			}
			if v <= LargeBuffer/mb {
				return c, errkinds.InvalidArgumentf("allocator config: max_split_size_mb too small, must be > %d", LargeBuffer/mb)
			}
			v = min(v, math.MaxInt64/mb)
			c.MaxSplitSize = v * mb
		case "garbage_collection_threshold":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return c, errkinds.InvalidArgumentf("allocator config: invalid garbage_collection_threshold %q", value)
			}
			if v <= 0 || v >= 1 {
				return c, errkinds.InvalidArgumentf("allocator config: garbage_collection_threshold %g must be in (0.0, 1.0)", v)
			}
			c.GarbageCollectionThreshold = v
		case "roundup_power2_divisions":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil || v <= 0 || bits.OnesCount64(uint64(v)) != 1 {
				return c, errkinds.InvalidArgumentf("allocator config: roundup_power2_divisions %q must be a power of 2", value)
			}
			c.RoundupPower2Divisions = v
		default:
			return c, errkinds.InvalidArgumentf("allocator config: unrecognized option %q", key)
		}
	}
	return c, nil
}

// ConfigFromEnv returns the configuration given by the environment variable TENSORCORE_ALLOC_CONF,
// or the default configuration if it is not set.
func ConfigFromEnv() (Config, error) {
	config, found := os.LookupEnv(EnvConfig)
	if !found {
		return DefaultConfig(), nil
	}
	c, err := ParseConfig(config)
	if err != nil {
		return c, errors.WithMessagef(err, "while parsing $%s", EnvConfig)
	}
	return c, nil
}

// String returns the configuration in the format accepted by ParseConfig. Default values are omitted.
func (c Config) String() string {
	var parts []string
	if c.MaxSplitSize != math.MaxInt64 {
		parts = append(parts, "max_split_size_mb:"+strconv.FormatInt(c.MaxSplitSize/mb, 10))
	}
	if c.GarbageCollectionThreshold > 0 {
		parts = append(parts, "garbage_collection_threshold:"+strconv.FormatFloat(c.GarbageCollectionThreshold, 'g', -1, 64))
	}
	if c.RoundupPower2Divisions > 0 {
		parts = append(parts, "roundup_power2_divisions:"+strconv.FormatInt(c.RoundupPower2Divisions, 10))
	}
	return strings.Join(parts, ",")
}

// RoundSize returns the block size used for a request of size bytes.
func (c Config) RoundSize(size int64) int64 {
	if size < MinBlockSize {
		return MinBlockSize
	}
	if divisions := c.RoundupPower2Divisions; divisions > 0 && size > MinBlockSize*divisions {
		return roundupPower2NextDivision(size, divisions)
	}
	return MinBlockSize * ((size + MinBlockSize - 1) / MinBlockSize)
}

// roundupPower2NextDivision divides the space between consecutive powers of 2 in equal divisions,
// and rounds size up to the next division.
func roundupPower2NextDivision(size, divisions int64) int64 {
	if size <= 4 || divisions <= 1 {
		return size
	}
	u := uint64(size)
	if bits.OnesCount64(u) == 1 {
		return size
	}
	power2Floor := uint64(1) << (63 - bits.LeadingZeros64(u))
	power2Division := power2Floor >> (63 - bits.LeadingZeros64(uint64(divisions)))
	if power2Division == 0 {
		return int64(power2Floor << 1)
	}
	roundSizeFloor := u &^ (power2Division - 1)
	if roundSizeFloor == u {
		return size
	}
	return int64(roundSizeFloor + power2Division)
}

// allocationSize returns the size of the segment to allocate for a block of size bytes.
func allocationSize(size int64) int64 {
	switch {
	case size <= SmallSize:
		return SmallBuffer
	case size < MinLargeAlloc:
		return LargeBuffer
	default:
		return RoundLarge * ((size + RoundLarge - 1) / RoundLarge)
	}
}
