// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a soft-bounded pool of goroutines, used to drive concurrent allocator workloads:
// each worker typically owns one device stream.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool bounds the number of goroutines running tasks.
//
// The zero value is not usable, create it with New.
type Pool struct {
	// maxParallelism is a soft target on the number of tasks running in parallel.
	//   - 0: parallelism is disabled, tasks run inline.
	//   - <0: unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int

	// extraParallelism is temporarily increased when a worker goes to sleep waiting for others.
	extraParallelism atomic.Int32
}

// New returns a new Pool with the default parallelism, runtime.NumCPU().
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the soft target of tasks running in parallel: 0 means disabled and -1 unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the soft target of tasks running in parallel.
//
// It should only be changed while no task is running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// NumWorkers returns how many copies of a task Saturate runs.
func (w *Pool) NumWorkers() int {
	switch {
	case w.maxParallelism == 0:
		return 1
	case w.maxParallelism < 0:
		return runtime.NumCPU()
	}
	return w.maxParallelism
}

const goroutineToParallelismRatio = 2

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with w.mu locked.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism+int(w.extraParallelism.Load())
}

// WaitToStart waits until there is a worker available and starts the task in it.
//
// If parallelism is disabled the task runs inline, and WaitToStart only returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine starts the task and keeps tabs on w.numRunning.
//
// It must be called with w.mu locked.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// StartIfAvailable starts the task in a separate goroutine if there is a worker available, and returns whether
// it did. It's up to the caller to synchronize with the end of the task.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// Saturate runs NumWorkers copies of task in parallel and waits for all of them to finish.
// Typically, the task consumes work from a shared channel until it is closed.
//
// If parallelism is disabled, task runs once inline.
func (w *Pool) Saturate(task func()) {
	w.SaturateWithIndex(func(int) { task() })
}

// SaturateWithIndex is like Saturate, but each copy of the task receives its worker index, from 0 to
// NumWorkers()-1. Workers driving an allocator use it to select their own stream.
func (w *Pool) SaturateWithIndex(task func(worker int)) {
	if w.maxParallelism == 0 {
		task(0)
		return
	}
	numWorkers := w.NumWorkers()
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for worker := range numWorkers {
		go func() {
			defer wg.Done()
			task(worker)
		}()
	}
	wg.Wait()
}

// WorkerIsAsleep indicates the calling worker is going to sleep waiting for other workers, and temporarily
// increases the number of available workers.
//
// Call WorkerRestarted when the worker is ready to run again.
func (w *Pool) WorkerIsAsleep() {
	w.extraParallelism.Add(1)
}

// WorkerRestarted indicates the calling worker is ready to run again. It must follow a call to WorkerIsAsleep.
func (w *Pool) WorkerRestarted() {
	w.extraParallelism.Add(-1)
}
