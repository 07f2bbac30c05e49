// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tensorcore/internal/workload"
	"github.com/gomlx/tensorcore/pkg/core/allocator"
	"github.com/gomlx/tensorcore/pkg/support/xslices"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// setColorProfile of lipgloss: "auto" detects it from the terminal of stdout and the environment.
func setColorProfile(mode string) {
	switch mode {
	case "always":
		lipgloss.SetColorProfile(termenv.TrueColor)
	case "never":
		lipgloss.SetColorProfile(termenv.Ascii)
	case "auto":
		lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
	default:
		klog.Warningf("Unknown -color=%q, using \"auto\"", mode)
		setColorProfile("auto")
	}
}

// TableWithReds is a table where rows can be highlighted in red, to flag problems.
type TableWithReds struct {
	Table *lgtable.Table
	Count int
	Reds  map[int]bool
}

// Row adds a row, highlighted if isRed.
func (t *TableWithReds) Row(isRed bool, row ...string) {
	if isRed {
		t.Reds[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

// Render the table.
func (t *TableWithReds) Render() string {
	return t.Table.Render()
}

// newTable creates a table with alternating row styles. The alignments are given per column, and the last one
// is used for the remaining columns.
func newTable(alignments ...lipgloss.Position) *TableWithReds {
	t := &TableWithReds{
		Reds: make(map[int]bool),
	}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				s = headerRowStyle
				return
			}
			if t.Reds[row] {
				s = redRowStyle
			} else if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
	return t
}

// summaryTable describes the configuration and the results of the workload.
func summaryTable(a *allocator.CachingAllocator, result workload.Result, stats allocator.DeviceStats) *TableWithReds {
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "allocator", a.String())
	table.Row(false, "config", a.Config().String())
	table.Row(false, "workers", humanize.Comma(int64(result.NumWorkers)))
	table.Row(false, "allocations", humanize.Comma(result.NumAllocs))
	table.Row(false, "frees", humanize.Comma(result.NumFrees))
	table.Row(false, "cross-stream frees", humanize.Comma(result.NumCrossStream))
	table.Row(result.NumOOMs > 0, "out-of-memory", humanize.Comma(result.NumOOMs))
	table.Row(false, "bytes requested", allocator.FormatSize(result.BytesRequested))
	table.Row(false, "duration", result.Duration.String())
	if seconds := result.Duration.Seconds(); seconds > 0 {
		opsPerSec := float64(result.NumAllocs+result.NumFrees) / seconds
		table.Row(false, "throughput", humanize.SIWithDigits(opsPerSec, 2, "ops/s"))
	}
	table.Row(false, "peak allocated", allocator.FormatSize(stats.AllocatedBytes[allocator.StatAggregate].Peak))
	table.Row(false, "peak reserved", allocator.FormatSize(stats.ReservedBytes[allocator.StatAggregate].Peak))
	table.Row(false, "cached now", allocator.FormatSize(
		stats.ReservedBytes[allocator.StatAggregate].Current-stats.AllocatedBytes[allocator.StatAggregate].Current))
	return table
}

// statRow is one of the StatArray of DeviceStats.
type statRow struct {
	name    string
	isBytes bool
	array   allocator.StatArray
}

// statsTable lists every statistic of the device, per pool. Rows whose accounting doesn't add up
// (current != allocated - freed) are highlighted.
func statsTable(stats allocator.DeviceStats) *TableWithReds {
	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Statistic", "Pool", "Current", "Peak", "Allocated", "Freed")
	rows := []statRow{
		{"allocation", false, stats.Allocation},
		{"segment", false, stats.Segment},
		{"active", false, stats.Active},
		{"inactive_split", false, stats.InactiveSplit},
		{"allocated_bytes", true, stats.AllocatedBytes},
		{"reserved_bytes", true, stats.ReservedBytes},
		{"active_bytes", true, stats.ActiveBytes},
		{"inactive_split_bytes", true, stats.InactiveSplitBytes},
	}
	for _, row := range rows {
		format := formatCount
		if row.isBytes {
			format = allocator.FormatSize
		}
		for statType, stat := range row.array {
			values := xslices.Map([]int64{stat.Current, stat.Peak, stat.Allocated, stat.Freed}, format)
			table.Row(stat.Allocated-stat.Freed != stat.Current,
				append([]string{row.name, statTypeName(allocator.StatType(statType))}, values...)...)
		}
	}
	table.Row(false, "oversize_allocations", "", formatCount(stats.OversizeAllocations.Current),
		formatCount(stats.OversizeAllocations.Peak), formatCount(stats.OversizeAllocations.Allocated),
		formatCount(stats.OversizeAllocations.Freed))
	table.Row(false, "oversize_segments", "", formatCount(stats.OversizeSegments.Current),
		formatCount(stats.OversizeSegments.Peak), formatCount(stats.OversizeSegments.Allocated),
		formatCount(stats.OversizeSegments.Freed))
	table.Row(stats.NumAllocRetries > 0, "num_alloc_retries", "", formatCount(stats.NumAllocRetries))
	table.Row(stats.NumOOMs > 0, "num_ooms", "", formatCount(stats.NumOOMs))
	return table
}

func formatCount(n int64) string {
	return humanize.Comma(n)
}

// statTypeName returns a short name of the pool of a StatType, e.g. "small" for StatSmallPool.
func statTypeName(statType allocator.StatType) string {
	name := strings.TrimPrefix(statType.String(), "Stat")
	return strings.ToLower(strings.TrimSuffix(name, "Pool"))
}

// segmentsTable lists the segments of the device in the snapshot, sorted by stream and address.
// Segments with nothing allocated (that EmptyCache would release) are highlighted.
func segmentsTable(snapshot allocator.SnapshotInfo, deviceIndex int) *TableWithReds {
	var segments []allocator.SegmentInfo
	for _, segment := range snapshot.Segments {
		if segment.Device == deviceIndex {
			segments = append(segments, segment)
		}
	}
	slices.SortFunc(segments, func(a, b allocator.SegmentInfo) int {
		return cmp.Or(cmp.Compare(a.Stream.ID, b.Stream.ID), cmp.Compare(a.Address, b.Address))
	})

	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Address", "Stream", "Pool", "Total", "Allocated", "Active", "Blocks")
	var totalSize, totalAllocated int64
	for _, segment := range segments {
		pool := "small"
		if segment.IsLarge {
			pool = "large"
		}
		totalSize += segment.TotalSize
		totalAllocated += segment.AllocatedSize
		table.Row(segment.AllocatedSize == 0,
			segment.Address.String(), segment.Stream.String(), pool,
			allocator.FormatSize(segment.TotalSize), allocator.FormatSize(segment.AllocatedSize),
			allocator.FormatSize(segment.ActiveSize), humanize.Comma(int64(len(segment.Blocks))))
	}
	table.Row(false, "total", "", "", allocator.FormatSize(totalSize), allocator.FormatSize(totalAllocated), "",
		fmt.Sprintf("%d segments", len(segments)))
	return table
}
