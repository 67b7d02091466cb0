package backpressure

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
)

func TestSample_HysteresisAroundHighLowMarks(t *testing.T) {
	var depth int32
	g := New("test", func(ctx context.Context) (int, error) {
		return int(atomic.LoadInt32(&depth)), nil
	}, 10, 3, time.Millisecond, common.NewSilentLogger())
	ctx := context.Background()

	require.True(t, g.IsOpen())

	atomic.StoreInt32(&depth, 15)
	g.sample(ctx)
	assert.False(t, g.IsOpen(), "depth at/above the high mark must close the gate")

	// Between the marks, the gate must hold its prior closed state
	// instead of flapping open.
	atomic.StoreInt32(&depth, 5)
	g.sample(ctx)
	assert.False(t, g.IsOpen(), "depth between low and high marks must not reopen a closed gate")

	atomic.StoreInt32(&depth, 2)
	g.sample(ctx)
	assert.True(t, g.IsOpen(), "depth at/below the low mark must reopen the gate")

	// Symmetric check coming back down from open: depth between the
	// marks must not close an already-open gate.
	atomic.StoreInt32(&depth, 5)
	g.sample(ctx)
	assert.True(t, g.IsOpen())
}

func TestWaitIfNeeded_BlocksUntilGateReopens(t *testing.T) {
	var depth int32 = 20
	g := New("test", func(ctx context.Context) (int, error) {
		return int(atomic.LoadInt32(&depth)), nil
	}, 10, 3, 5*time.Millisecond, common.NewSilentLogger())
	ctx := context.Background()
	g.sample(ctx)
	require.False(t, g.IsOpen())

	done := make(chan struct{})
	go func() {
		_ = g.WaitIfNeeded(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitIfNeeded returned before the gate reopened")
	case <-time.After(20 * time.Millisecond):
	}

	atomic.StoreInt32(&depth, 0)
	g.sample(ctx)

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("WaitIfNeeded did not return after the gate reopened")
	}
}

func TestWaitIfNeeded_RespectsContextCancellation(t *testing.T) {
	var depth int32 = 20
	g := New("test", func(ctx context.Context) (int, error) {
		return int(atomic.LoadInt32(&depth)), nil
	}, 10, 3, 5*time.Millisecond, common.NewSilentLogger())
	g.sample(context.Background())
	require.False(t, g.IsOpen())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := g.WaitIfNeeded(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
