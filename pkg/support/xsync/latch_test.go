package xsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	go l.Trigger()
	l.Wait()
	require.True(t, l.Test())
	l.Trigger() // No-op.
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan should be closed after Trigger")
	}
}

func TestLatchWaitContext(t *testing.T) {
	l := NewLatch()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.WaitContext(ctx), context.DeadlineExceeded)
	l.Trigger()
	require.NoError(t, l.WaitContext(context.Background()))
}

func TestAllTriggered(t *testing.T) {
	require.True(t, AllTriggered())
	l0, l1 := NewLatch(), NewLatch()
	l0.Trigger()
	require.False(t, AllTriggered(l0, l1))
	l1.Trigger()
	require.True(t, AllTriggered(l0, l1))
	WaitAll(l0, l1)
}
