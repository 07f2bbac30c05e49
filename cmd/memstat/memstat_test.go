package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/tensorcore/internal/workload"
	"github.com/gomlx/tensorcore/pkg/core/allocator"
	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/device/simdevice"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
	setColorProfile("never")
}

// setFlags sets the given flags for the duration of the test.
func setFlags(t *testing.T, values map[string]string) {
	for name, value := range values {
		previous := flag.Lookup(name).Value.String()
		require.NoError(t, flag.Set(name, value))
		t.Cleanup(func() { _ = flag.Set(name, previous) })
	}
}

func TestRun(t *testing.T) {
	plotPath := filepath.Join(t.TempDir(), "plots", "timeline.png")
	setFlags(t, map[string]string{
		"device":       "devices=2,capacity=512MiB",
		"device_index": "1",
		"alloc_conf":   "max_split_size_mb:24",
		"workers":      "2",
		"ops":          "300",
		"max_size":     "32MiB",
		"max_live":     "8",
		"progress":     "false",
		"report":       "summary,stats,segments,trace",
		"plot":         plotPath,
	})
	var buf bytes.Buffer
	require.NoError(t, runCLI(context.Background(), &buf))
	output := buf.String()
	for _, want := range []string{"Summary", "Allocator statistics", "Cached segments", "Trace (last 20",
		"allocated_bytes", "inactive_split", "max_split_size_mb:24", "oversize_segments", "Memory timeline saved to"} {
		require.Contains(t, output, want)
	}
	info := must.M1(os.Stat(plotPath))
	require.Positive(t, info.Size())
}

func TestRunErrors(t *testing.T) {
	setFlags(t, map[string]string{"progress": "false", "report": "summary", "min_size": "not a size"})
	require.Error(t, runCLI(context.Background(), &bytes.Buffer{}))

	setFlags(t, map[string]string{"min_size": "1KiB", "alloc_conf": "unknown_option:1"})
	require.Error(t, runCLI(context.Background(), &bytes.Buffer{}))

	setFlags(t, map[string]string{"alloc_conf": "", "device_index": "3"})
	require.Error(t, runCLI(context.Background(), &bytes.Buffer{}))

	require.Error(t, flag.Set("report", "summary,unknown"))
}

func TestTables(t *testing.T) {
	rt := must.M1(simdevice.New("devices=1,capacity=64MiB"))
	a := must.M1(allocator.New(rt, allocator.DefaultConfig()))
	stream := device.Stream{Device: 0, ID: 7}
	small := must.M1(a.RawAllocWithStream(1000, stream))
	large := must.M1(a.RawAllocWithStream(3<<20, stream))
	require.NoError(t, a.RawDelete(large))

	stats := must.M1(a.DeviceStats(0))
	rendered := statsTable(stats).Render()
	require.Contains(t, rendered, "reserved_bytes")
	require.Contains(t, rendered, "aggregate")
	require.Contains(t, rendered, "small")
	require.Contains(t, rendered, "22 MiB") // One small (2MiB) and one large (20MiB) segment.

	result := workload.Result{NumWorkers: 1, NumAllocs: 2, NumFrees: 1, Duration: time.Second}
	rendered = summaryTable(a, result, stats).Render()
	require.Contains(t, rendered, "3 ops/s")
	require.Contains(t, rendered, "peak reserved")

	// The large segment is entirely free, and it's flagged (but not distinguishable without colors).
	table := segmentsTable(a.Snapshot(), 0)
	require.Len(t, table.Reds, 1)
	rendered = table.Render()
	require.Contains(t, rendered, "large")
	require.Contains(t, rendered, "2 segments")
	require.Contains(t, rendered, stream.String())

	require.Equal(t, "small", statTypeName(allocator.StatSmallPool))
	require.Equal(t, "aggregate", statTypeName(allocator.StatAggregate))
	require.NoError(t, a.RawDelete(small))
}

func TestPlotTimeline(t *testing.T) {
	dir := t.TempDir()
	_, err := plotTimeline(filepath.Join(dir, "empty.png"), "empty", nil)
	require.Error(t, err)

	points := make([]workload.TimelinePoint, 2*maxPlotPoints+1)
	for ii := range points {
		points[ii] = workload.TimelinePoint{Step: ii, Allocated: int64(ii) << 10, Reserved: int64(ii) << 11}
	}
	filePath := must.M1(plotTimeline(filepath.Join(dir, "timeline.png"), "test", points))
	require.Positive(t, must.M1(os.Stat(filePath)).Size())
}
