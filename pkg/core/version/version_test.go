package version

import (
	"context"
	"sync"
	"testing"

	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	ctx := context.Background()
	vc := New(3)
	require.True(t, vc.Enabled())
	require.True(t, vc.Unique())
	require.Equal(t, uint32(3), vc.Current())
	require.NoError(t, vc.Bump(ctx))
	require.Equal(t, uint32(4), vc.Current())

	view := vc.Share()
	require.False(t, vc.Unique())
	require.True(t, view.SameAs(vc))
	require.NoError(t, view.Bump(ctx))
	require.Equal(t, uint32(5), vc.Current())
	view.Release()
	require.True(t, vc.Unique())

	detached := New(vc.Current())
	require.False(t, detached.SameAs(vc))
	require.NoError(t, detached.Bump(ctx))
	require.Equal(t, uint32(5), vc.Current())
	require.Equal(t, uint32(6), detached.Current())
}

func TestDisabled(t *testing.T) {
	var vc Counter
	require.False(t, vc.Enabled())
	require.True(t, vc.Unique())
	require.False(t, vc.SameAs(Disabled))
	require.Equal(t, uint32(0), vc.Current())

	err := vc.Bump(context.Background())
	require.ErrorIs(t, err, errkinds.ErrPreconditionViolation)

	ctx := WithInferenceMode(context.Background(), true)
	require.True(t, IsInferenceMode(ctx))
	require.NoError(t, vc.Bump(ctx))
	require.False(t, IsInferenceMode(WithInferenceMode(ctx, false)))
}

func TestConcurrentBumps(t *testing.T) {
	ctx := context.Background()
	vc := New(0)
	const numGoroutines, numBumps = 16, 1000
	var wg sync.WaitGroup
	for range numGoroutines {
		view := vc.Share()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer view.Release()
			for range numBumps {
				require.NoError(t, view.Bump(ctx))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint32(numGoroutines*numBumps), vc.Current())
	require.True(t, vc.Unique())
}
