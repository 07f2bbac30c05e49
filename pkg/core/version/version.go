// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package version implements the version counter shared by the views of a tensor.
//
// Every in-place mutation of a tensor's values bumps its version counter. Autograd saves the
// version of the tensors it needs for the backward pass and compares it later, to detect
// illegal in-place mutations.
//
// Views of the same data share one counter (Counter.Share), while detached copies get a fresh one
// (New). A zero Counter is "disabled": that's what inference tensors use, since they don't
// track mutations at all.
package version

import (
	"context"
	"sync/atomic"

	"github.com/gomlx/tensorcore/pkg/core/errkinds"
)

// cell is the shared, reference counted, counter.
type cell struct {
	version atomic.Uint32
	refs    atomic.Int32
}

// Counter is a handle to a shared version counter. The zero value is a disabled counter.
//
// Counter is a value type: copying it doesn't create a new reference, use Share for that.
type Counter struct {
	c *cell
}

// Disabled is the counter used by inference tensors.
var Disabled = Counter{}

// New returns an enabled counter starting at the given version, with one reference.
func New(initial uint32) Counter {
	c := &cell{}
	c.version.Store(initial)
	c.refs.Store(1)
	return Counter{c: c}
}

// Enabled returns whether the counter tracks versions.
func (vc Counter) Enabled() bool { return vc.c != nil }

// Current version. It returns 0 for disabled counters.
//
// The load is sequentially consistent: a reader that sees a version also sees all the writes that
// happened before the corresponding Bump.
func (vc Counter) Current() uint32 {
	if vc.c == nil {
		return 0
	}
	return vc.c.version.Load()
}

// Share returns a new reference to the same counter. Sharing a disabled counter returns a disabled counter.
func (vc Counter) Share() Counter {
	if vc.c != nil {
		vc.c.refs.Add(1)
	}
	return vc
}

// Release drops this reference. The Counter must not be used afterwards.
func (vc Counter) Release() {
	if vc.c != nil {
		vc.c.refs.Add(-1)
	}
}

// Unique returns whether this is the only reference to the counter.
// Disabled counters are always unique.
func (vc Counter) Unique() bool {
	return vc.c == nil || vc.c.refs.Load() == 1
}

// SameAs returns whether both handles refer to the same counter. Two disabled counters are not the same.
func (vc Counter) SameAs(other Counter) bool {
	return vc.c != nil && vc.c == other.c
}

// Bump increments the version, for an in-place update.
//
// Bumping a disabled counter is a no-op inside inference mode (see WithInferenceMode), and a
// PreconditionViolation otherwise: an inference tensor can't be updated in-place in normal mode.
func (vc Counter) Bump(ctx context.Context) error {
	if vc.c == nil {
		if IsInferenceMode(ctx) {
			return nil
		}
		return errkinds.PreconditionViolationf(
			"in-place update to an inference tensor outside inference mode is not allowed, " +
				"make a clone to get a normal tensor before doing the in-place update")
	}
	vc.c.version.Add(1)
	return nil
}

type inferenceModeKey struct{}

// WithInferenceMode returns a context in which inference mode is enabled (or disabled).
func WithInferenceMode(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, inferenceModeKey{}, enabled)
}

// IsInferenceMode returns whether inference mode is enabled in ctx.
func IsInferenceMode(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	enabled, _ := ctx.Value(inferenceModeKey{}).(bool)
	return enabled
}
