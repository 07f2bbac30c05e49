// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/google/uuid"
)

//go:generate go tool enumer -type=TraceAction -trimprefix=Trace -output=gen_traceaction_enumer.go trace.go

// TraceAction is the type of event recorded in the allocator trace.
type TraceAction uint8

const (
	// TraceAlloc is a request for memory to the allocator.
	TraceAlloc TraceAction = iota

	// TraceFreeRequested is a request to free memory.
	TraceFreeRequested

	// TraceFreeCompleted is logged when the memory is actually returned to the pool.
	// It happens later than TraceFreeRequested if the block was in use by other streams (see RecordStream).
	TraceFreeCompleted

	// TraceSegmentAlloc is a device allocation.
	TraceSegmentAlloc

	// TraceSegmentFree is memory returned to the device.
	TraceSegmentFree

	// TraceSnapshot correlates a Snapshot with the trace.
	TraceSnapshot

	// TraceOOM is a failed allocation. The address of the entry holds the free memory reported by the device.
	TraceOOM
)

// ContextFn returns a description of the context of an allocation, e.g. a stack trace.
type ContextFn func() string

// StackContext is a ContextFn that returns the call stack of the caller of the allocator.
func StackContext() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "github.com/gomlx/tensorcore/pkg/core/allocator.") {
			_, _ = fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return sb.String()
}

// TraceEntry is one entry of the allocator trace.
type TraceEntry struct {
	Action TraceAction

	// Addr of the block or segment. For TraceOOM it is the free memory reported by the device.
	Addr int64

	// Size in bytes. For TraceSnapshot it is the total active memory.
	Size int64

	Stream device.Stream

	// Context of the allocation, only recorded if enabled in RecordHistory.
	Context string

	// Snapshot ID, for TraceSnapshot entries.
	Snapshot uuid.UUID
}

// String implements fmt.Stringer.
func (e TraceEntry) String() string {
	switch e.Action {
	case TraceOOM:
		return fmt.Sprintf("%s(size=%s, device free=%s, %s)", e.Action, FormatSize(e.Size), FormatSize(e.Addr), e.Stream)
	case TraceSnapshot:
		return fmt.Sprintf("%s(id=%s, active=%s)", e.Action, e.Snapshot, FormatSize(e.Size))
	}
	return fmt.Sprintf("%s(addr=%s, size=%s, %s)", e.Action, device.Ptr(e.Addr), FormatSize(e.Size), e.Stream)
}

// History of one allocation that used a block.
type History struct {
	Addr device.Ptr

	// RealSize is the requested size, before rounding.
	RealSize int64

	Context string
}

// traceBuffer is a ring buffer with the last maxEntries trace entries.
type traceBuffer struct {
	entries    []TraceEntry
	next       int
	maxEntries int
}

func (t *traceBuffer) reset(maxEntries int) {
	t.entries = nil
	t.next = 0
	t.maxEntries = max(1, maxEntries)
}

func (t *traceBuffer) add(e TraceEntry) {
	if len(t.entries) < t.maxEntries {
		t.entries = append(t.entries, e)
		return
	}
	t.entries[t.next] = e
	t.next++
	if t.next == t.maxEntries {
		t.next = 0
	}
}

// ordered returns a copy of the entries, from oldest to newest.
func (t *traceBuffer) ordered() []TraceEntry {
	result := make([]TraceEntry, 0, len(t.entries))
	result = append(result, t.entries[t.next:]...)
	return append(result, t.entries[:t.next]...)
}
