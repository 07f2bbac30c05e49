// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workload generates synthetic allocation workloads to exercise (and measure) the caching allocator.
//
// Each worker owns one stream of the device and runs a random sequence of allocations and frees with sizes drawn
// from a log-uniform distribution. Optionally, blocks are "used" on a side stream before being freed (with
// RecordStream), so their reuse has to wait for the simulated work on that stream to complete.
package workload

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/tensorcore/internal/workerspool"
	"github.com/gomlx/tensorcore/pkg/core/allocator"
	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/core/device/simdevice"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/core/storage"
	"github.com/gomlx/tensorcore/pkg/core/tensors"
	"github.com/gomlx/tensorcore/pkg/core/typemeta"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a synthetic workload.
type Config struct {
	// Device index where memory is allocated.
	Device int

	// NumOps is the number of operations (allocations or frees) run by each worker.
	NumOps int

	// MinSize and MaxSize bound the sizes requested, which are drawn from a log-uniform distribution.
	MinSize, MaxSize int64

	// MaxLive is the maximum number of blocks kept alive by each worker: once reached, the next operation is a free.
	MaxLive int

	// FreeProbability is the probability of an operation being a free (when there are live blocks).
	FreeProbability float64

	// CrossStreamProbability is the probability that a block is used by a side stream before being freed.
	// It requires a simulated device.
	CrossStreamProbability float64

	// WorkLatency is how long the simulated work on the side streams takes to complete. The allocator may wait
	// for it when it needs to flush its cache.
	WorkLatency time.Duration

	// UseTensors makes workers allocate float32 tensors (through storage.Allocator) instead of raw blocks.
	UseTensors bool

	// Seed of the random number generators: each worker uses its own generator seeded with (Seed, worker).
	Seed uint64
}

// DefaultConfig returns a small mixed workload.
func DefaultConfig() Config {
	return Config{
		NumOps:                 10_000,
		MinSize:                allocator.MinBlockSize,
		MaxSize:                16 << 20,
		MaxLive:                64,
		FreeProbability:        0.45,
		CrossStreamProbability: 0.1,
		WorkLatency:            200 * time.Microsecond,
	}
}

// Validate returns an error if the configuration is not usable.
func (c Config) Validate() error {
	switch {
	case c.NumOps < 0:
		return errkinds.InvalidArgumentf("workload: NumOps must be >= 0, got %d", c.NumOps)
	case c.MinSize <= 0 || c.MaxSize < c.MinSize:
		return errkinds.InvalidArgumentf("workload: invalid size range [%d, %d]", c.MinSize, c.MaxSize)
	case c.MaxLive <= 0:
		return errkinds.InvalidArgumentf("workload: MaxLive must be > 0, got %d", c.MaxLive)
	case c.FreeProbability < 0 || c.FreeProbability > 1:
		return errkinds.InvalidArgumentf("workload: FreeProbability must be in [0, 1], got %g", c.FreeProbability)
	case c.CrossStreamProbability < 0 || c.CrossStreamProbability > 1:
		return errkinds.InvalidArgumentf("workload: CrossStreamProbability must be in [0, 1], got %g",
			c.CrossStreamProbability)
	case c.WorkLatency < 0:
		return errkinds.InvalidArgumentf("workload: WorkLatency must be >= 0, got %s", c.WorkLatency)
	}
	return nil
}

// Result of a workload run, summed over all workers.
type Result struct {
	NumWorkers int

	// NumAllocs and NumFrees count the successful operations, NumOOMs the allocations that failed with
	// out-of-memory (the workload continues after them).
	NumAllocs, NumFrees, NumOOMs int64

	// NumCrossStream counts the blocks used by a side stream before being freed.
	NumCrossStream int64

	// BytesRequested sums the sizes of the successful allocations.
	BytesRequested int64

	Duration time.Duration
}

// progressBatch is the number of operations reported at a time to the progress callback.
const progressBatch = 100

// sideStreamOffset separates the IDs of the side streams from the worker streams.
const sideStreamOffset = 1 << 16

// Runner runs workloads on a CachingAllocator.
type Runner struct {
	allocator *allocator.CachingAllocator
	sim       *simdevice.Runtime
	pool      *workerspool.Pool
	config    Config
	progress  func(numOps int)
}

// New creates a Runner. If pool is nil, a pool with the default parallelism is used.
//
// Cross-stream use is only simulated if the allocator runs on a simdevice.Runtime.
func New(a *allocator.CachingAllocator, pool *workerspool.Pool, config Config) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Device < 0 || config.Device >= a.NumDevices() {
		return nil, errkinds.InvalidArgumentf("workload: device %d out of range, allocator has %d devices",
			config.Device, a.NumDevices())
	}
	if pool == nil {
		pool = workerspool.New()
	}
	r := &Runner{allocator: a, pool: pool, config: config}
	r.sim, _ = a.Runtime().(*simdevice.Runtime)
	if r.sim == nil && config.CrossStreamProbability > 0 {
		klog.Warningf("workload: %s runtime can't simulate work on streams, disabling cross-stream use",
			a.Runtime().Name())
		r.config.CrossStreamProbability = 0
	}
	return r, nil
}

// WithProgress sets a callback called (concurrently, from the workers) with the number of operations done since
// the last call.
func (r *Runner) WithProgress(progress func(numOps int)) *Runner {
	r.progress = progress
	return r
}

// NumWorkers returns the number of workers (and streams) used by Run.
func (r *Runner) NumWorkers() int {
	return r.pool.NumWorkers()
}

// TotalOps returns the total number of operations of Run, over all workers.
func (r *Runner) TotalOps() int {
	return r.NumWorkers() * r.config.NumOps
}

// counters are shared by all workers.
type counters struct {
	allocs, frees, ooms, crossStream, bytes atomic.Int64
}

// Run the workload in parallel, one worker per stream, and wait for all workers to finish.
//
// All blocks are freed, and all simulated work completed, before Run returns, even on error.
// Out-of-memory failures are counted and don't interrupt the workload.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	start := time.Now()
	var (
		c        counters
		muErr    sync.Mutex
		firstErr error
	)
	r.pool.SaturateWithIndex(func(worker int) {
		err := r.runWorker(ctx, worker, &c)
		if err == nil {
			return
		}
		muErr.Lock()
		defer muErr.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	})
	result := Result{
		NumWorkers:     r.NumWorkers(),
		NumAllocs:      c.allocs.Load(),
		NumFrees:       c.frees.Load(),
		NumOOMs:        c.ooms.Load(),
		NumCrossStream: c.crossStream.Load(),
		BytesRequested: c.bytes.Load(),
		Duration:       time.Since(start),
	}
	klog.V(1).Infof("workload: %d workers, %d allocations, %d frees, %d OOMs in %s",
		result.NumWorkers, result.NumAllocs, result.NumFrees, result.NumOOMs, result.Duration)
	return result, firstErr
}

// liveBlock is either a raw block or a tensor.
type liveBlock struct {
	ptr    device.Ptr
	tensor *tensors.Tensor
}

// worker holds the state of one worker.
type worker struct {
	r          *Runner
	rng        *rand.Rand
	stream     device.Stream
	sideStream device.Stream
	storage    storage.Allocator
	live       []liveBlock
	pending    []*simdevice.Work
}

func (r *Runner) runWorker(ctx context.Context, index int, c *counters) (err error) {
	w := &worker{
		r:          r,
		rng:        rand.New(rand.NewPCG(r.config.Seed, uint64(index))),
		stream:     device.Stream{Device: r.config.Device, ID: uint64(index) + 1},
		sideStream: device.Stream{Device: r.config.Device, ID: uint64(index) + 1 + sideStreamOffset},
	}
	if r.config.UseTensors {
		w.storage = r.allocator.StorageAllocator(w.stream)
	}
	defer func() {
		if cleanupErr := w.cleanup(c); err == nil {
			err = cleanupErr
		}
	}()

	unreported := 0
	for op := range r.config.NumOps {
		if err = ctx.Err(); err != nil {
			return err
		}
		if len(w.live) > 0 && (len(w.live) >= r.config.MaxLive || w.rng.Float64() < r.config.FreeProbability) {
			err = w.freeRandom(c)
		} else {
			err = w.alloc(ctx, c)
		}
		if err != nil {
			return errors.WithMessagef(err, "workload: worker %d, operation %d", index, op)
		}
		unreported++
		if r.progress != nil && unreported == progressBatch {
			r.progress(unreported)
			unreported = 0
		}
	}
	if r.progress != nil && unreported > 0 {
		r.progress(unreported)
	}
	return nil
}

// sampleSize draws a size from the log-uniform distribution in [MinSize, MaxSize].
func (w *worker) sampleSize() int64 {
	lo, hi := math.Log(float64(w.r.config.MinSize)), math.Log(float64(w.r.config.MaxSize))
	size := int64(math.Exp(lo + w.rng.Float64()*(hi-lo)))
	return min(max(size, w.r.config.MinSize), w.r.config.MaxSize)
}

func (w *worker) alloc(ctx context.Context, c *counters) error {
	size := w.sampleSize()
	var block liveBlock
	var err error
	if w.storage != nil {
		numel := max(size/4, 1)
		size = numel * 4
		block.tensor, err = tensors.Empty(ctx, []int64{numel}, typemeta.Make[float32](), w.storage)
		if err == nil {
			var st *storage.Storage
			st, err = block.tensor.Storage()
			if err == nil {
				block.ptr = st.DataPtr().Ptr
			}
		}
	} else {
		block.ptr, err = w.r.allocator.RawAllocWithStream(size, w.stream)
	}
	if errors.Is(err, errkinds.ErrOutOfMemory) {
		c.ooms.Add(1)
		klog.V(2).Infof("workload: %s allocating %s", w.stream, allocator.FormatSize(size))
		return nil
	}
	if err != nil {
		return err
	}
	w.live = append(w.live, block)
	c.allocs.Add(1)
	c.bytes.Add(size)
	return nil
}

// freeRandom frees one of the live blocks, optionally after using it on the side stream.
func (w *worker) freeRandom(c *counters) error {
	idx := w.rng.IntN(len(w.live))
	block := w.live[idx]
	w.live[idx] = w.live[len(w.live)-1]
	w.live = w.live[:len(w.live)-1]

	if w.r.sim != nil && w.rng.Float64() < w.r.config.CrossStreamProbability {
		work, err := w.r.sim.Launch(w.sideStream)
		if err != nil {
			return err
		}
		w.pending = append(w.pending, work)
		time.AfterFunc(w.r.config.WorkLatency, work.Complete)
		if err = w.r.allocator.RecordStream(block.ptr, w.sideStream); err != nil {
			return err
		}
		c.crossStream.Add(1)
	}
	if err := w.free(block); err != nil {
		return err
	}
	c.frees.Add(1)
	return nil
}

func (w *worker) free(block liveBlock) error {
	if block.tensor != nil {
		block.tensor.Finalize()
		return nil
	}
	return w.r.allocator.RawDelete(block.ptr)
}

// cleanup frees all live blocks and completes the pending work without waiting for its latency.
func (w *worker) cleanup(c *counters) error {
	var firstErr error
	for _, block := range w.live {
		if err := w.free(block); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.frees.Add(1)
	}
	w.live = nil
	for _, work := range w.pending {
		work.Complete()
	}
	w.pending = nil
	return firstErr
}
