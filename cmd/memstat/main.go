// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// memstat runs a synthetic allocation workload on simulated devices, through the caching allocator, and reports
// the allocator statistics, the cached segments and, optionally, a PNG plot of the memory timeline.
//
// Example:
//
//	memstat -device="devices=1,capacity=2GiB" -alloc_conf="max_split_size_mb:64" -workers=8 -plot=~/timeline.png
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorcore/internal/workerspool"
	"github.com/gomlx/tensorcore/internal/workload"
	"github.com/gomlx/tensorcore/pkg/core/allocator"
	"github.com/gomlx/tensorcore/pkg/core/device/simdevice"
	"github.com/gomlx/tensorcore/pkg/support/sets"
	"github.com/gomlx/tensorcore/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var defaultWorkload = workload.DefaultConfig()

// Reports that can be selected with -report.
const (
	reportSummary  = "summary"
	reportStats    = "stats"
	reportSegments = "segments"
	reportTrace    = "trace"
)

var validReports = sets.MakeWith(reportSummary, reportStats, reportSegments, reportTrace)

var (
	flagDevice = flag.String("device", "devices=1,capacity=1GiB",
		"Configuration of the simulated devices, a comma-separated list of key=value: devices and capacity.")
	flagDeviceIndex = flag.Int("device_index", 0, "Index of the device where the workload runs.")
	flagAllocConf   = flag.String("alloc_conf", "",
		fmt.Sprintf("Configuration of the caching allocator, e.g. \"max_split_size_mb:64,garbage_collection_threshold:0.8\". "+
			"If empty, it is read from $%s.", allocator.EnvConfig))
	flagMemoryFraction = flag.Float64("memory_fraction", 0,
		"If > 0, the memory reserved by the allocator is capped to this fraction of the device capacity.")

	flagWorkers     = flag.Int("workers", runtime.NumCPU(), "Number of concurrent workers, each one on its own stream.")
	flagOps         = flag.Int("ops", defaultWorkload.NumOps, "Number of operations (allocations or frees) per worker.")
	flagMinSize     = flag.String("min_size", humanize.IBytes(uint64(defaultWorkload.MinSize)), "Smallest size requested.")
	flagMaxSize     = flag.String("max_size", humanize.IBytes(uint64(defaultWorkload.MaxSize)), "Largest size requested.")
	flagMaxLive     = flag.Int("max_live", defaultWorkload.MaxLive, "Maximum number of live blocks per worker.")
	flagFreeProb    = flag.Float64("free_prob", defaultWorkload.FreeProbability, "Probability of an operation being a free.")
	flagCrossStream = flag.Float64("cross_stream", defaultWorkload.CrossStreamProbability,
		"Probability of a block being used by a second stream before being freed.")
	flagLatency = flag.Duration("latency", defaultWorkload.WorkLatency, "Duration of the simulated work on second streams.")
	flagTensors = flag.Bool("tensors", false, "Allocate float32 tensors instead of raw blocks.")
	flagSeed    = flag.Uint64("seed", 0, "Seed of the workload random number generators.")

	flagReport = xslices.Flag("report", []string{reportSummary, reportStats},
		"Comma-separated list of reports to display: summary, stats, segments and trace.",
		func(name string) (string, error) {
			if !validReports.Has(name) {
				return "", errors.Errorf("unknown report %q", name)
			}
			return name, nil
		})
	flagTraceEntries = flag.Int("trace_entries", 100_000,
		"Number of trace entries kept by the allocator, used by -plot and -report=trace.")
	flagTraceTail = flag.Int("trace_tail", 20, "Number of trace entries displayed by -report=trace.")
	flagPlot      = flag.String("plot", "", "If set, path of a PNG file where to save the memory timeline of the device.")
	flagProgress  = flag.Bool("progress", true, "Display a progress bar while the workload runs.")
	flagColor     = flag.String("color", "auto", "Color output: auto, always or never.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'memstat -help'.", flag.Args())
		os.Exit(1)
	}
	setColorProfile(*flagColor)
	if err := runCLI(context.Background(), os.Stdout); err != nil {
		klog.Errorf("memstat failed: %+v", err)
		os.Exit(1)
	}
}

// runCLI runs and converts panics of the setup (failed must checks) to errors.
func runCLI(ctx context.Context, w io.Writer) error {
	return exceptions.TryCatch[error](func() { must.M(run(ctx, w)) })
}

// allocatorConfig from -alloc_conf, or from the environment.
func allocatorConfig() (allocator.Config, error) {
	if *flagAllocConf == "" {
		return allocator.ConfigFromEnv()
	}
	return allocator.ParseConfig(*flagAllocConf)
}

// workloadConfig from the flags.
func workloadConfig() (workload.Config, error) {
	cfg := workload.Config{
		Device:                 *flagDeviceIndex,
		NumOps:                 *flagOps,
		MaxLive:                *flagMaxLive,
		FreeProbability:        *flagFreeProb,
		CrossStreamProbability: *flagCrossStream,
		WorkLatency:            *flagLatency,
		UseTensors:             *flagTensors,
		Seed:                   *flagSeed,
	}
	for _, size := range []struct {
		flag  string
		value string
		dst   *int64
	}{{"-min_size", *flagMinSize, &cfg.MinSize}, {"-max_size", *flagMaxSize, &cfg.MaxSize}} {
		parsed, err := humanize.ParseBytes(size.value)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid %s=%q", size.flag, size.value)
		}
		*size.dst = int64(parsed)
	}
	return cfg, cfg.Validate()
}

// run the workload and write the selected reports to w.
func run(ctx context.Context, w io.Writer) error {
	rt := must.M1(simdevice.New(*flagDevice))
	a := must.M1(allocator.New(rt, must.M1(allocatorConfig())))
	if *flagMemoryFraction > 0 {
		must.M(a.SetMemoryFraction(*flagMemoryFraction, *flagDeviceIndex))
	}
	reports := sets.MakeWith(*flagReport...)
	if *flagPlot != "" || reports.Has(reportTrace) {
		a.RecordHistory(true, nil, *flagTraceEntries, false)
	}

	pool := workerspool.New()
	pool.SetMaxParallelism(*flagWorkers)
	runner, err := workload.New(a, pool, must.M1(workloadConfig()))
	if err != nil {
		return err
	}
	var bar *progressBar
	if *flagProgress {
		bar = newProgressBar(runner.TotalOps())
		runner.WithProgress(bar.Add)
	}
	result, err := runner.Run(ctx)
	bar.Done()
	if err != nil {
		return err
	}

	snapshot := a.Snapshot()
	stats, err := a.DeviceStats(*flagDeviceIndex)
	if err != nil {
		return err
	}
	if reports.Has(reportSummary) {
		printTitle(w, "Summary")
		_, _ = fmt.Fprintln(w, summaryTable(a, result, stats).Render())
	}
	if reports.Has(reportStats) {
		printTitle(w, "Allocator statistics")
		_, _ = fmt.Fprintln(w, statsTable(stats).Render())
	}
	if reports.Has(reportSegments) {
		printTitle(w, fmt.Sprintf("Cached segments (snapshot %s)", snapshot.ID))
		_, _ = fmt.Fprintln(w, segmentsTable(snapshot, *flagDeviceIndex).Render())
	}
	trace := snapshot.DeviceTraces[*flagDeviceIndex]
	if reports.Has(reportTrace) {
		printTitle(w, fmt.Sprintf("Trace (last %d of %d entries)", min(*flagTraceTail, len(trace)), len(trace)))
		for _, entry := range trace[max(0, len(trace)-*flagTraceTail):] {
			_, _ = fmt.Fprintln(w, "  "+entry.String())
		}
	}
	if *flagPlot != "" {
		title := fmt.Sprintf("%s device %d: %s workers, %s ops", rt.Name(), *flagDeviceIndex,
			humanize.Comma(int64(result.NumWorkers)), humanize.Comma(result.NumAllocs+result.NumFrees))
		plotPath, err := plotTimeline(*flagPlot, title, workload.Timeline(trace))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "Memory timeline saved to %q\n", plotPath)
	}
	return nil
}

func printTitle(w io.Writer, title string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(title))
}
