// Package backpressure implements a cooperative gate that pauses
// upstream producers when a downstream queue grows too deep, resuming
// once it drains below a lower mark, the same hysteresis pattern the
// job watcher uses for its periodic rescan loop.
package backpressure

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/metrics"
)

// DepthFunc reports the current depth of the queue being watched.
type DepthFunc func(ctx context.Context) (int, error)

// Gate polls a queue's depth and flips open/closed around configured
// high/low water marks.
type Gate struct {
	name          string
	depth         DepthFunc
	pauseHigh     int
	resumeLow     int
	checkInterval time.Duration
	logger        *common.Logger

	open int32 // atomic bool, 1 = open
}

// New creates a Gate, open by default, watching depth().
func New(name string, depth DepthFunc, pauseHigh, resumeLow int, checkInterval time.Duration, logger *common.Logger) *Gate {
	g := &Gate{
		name:          name,
		depth:         depth,
		pauseHigh:     pauseHigh,
		resumeLow:     resumeLow,
		checkInterval: checkInterval,
		logger:        logger,
	}
	atomic.StoreInt32(&g.open, 1)
	return g
}

// Run polls depth() on checkInterval until ctx is cancelled, updating
// the gate's open/closed state with hysteresis.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample(ctx)
		}
	}
}

func (g *Gate) sample(ctx context.Context) {
	depth, err := g.depth(ctx)
	if err != nil {
		g.logger.Warn().Str("gate", g.name).Err(err).Msg("backpressure gate failed to sample depth")
		return
	}

	wasOpen := g.IsOpen()
	switch {
	case depth >= g.pauseHigh && wasOpen:
		atomic.StoreInt32(&g.open, 0)
		metrics.RecordBackpressureEvent(g.name, "closed")
		g.logger.Info().Str("gate", g.name).Int("depth", depth).Msg("backpressure gate closed")
	case depth <= g.resumeLow && !wasOpen:
		atomic.StoreInt32(&g.open, 1)
		metrics.RecordBackpressureEvent(g.name, "open")
		g.logger.Info().Str("gate", g.name).Int("depth", depth).Msg("backpressure gate opened")
	}
	metrics.SetQueueDepth(g.name, depth)
}

// IsOpen reports the gate's current state without blocking.
func (g *Gate) IsOpen() bool {
	return atomic.LoadInt32(&g.open) == 1
}

// WaitIfNeeded blocks until the gate is open or ctx is done.
func (g *Gate) WaitIfNeeded(ctx context.Context) error {
	if g.IsOpen() {
		return nil
	}
	ticker := time.NewTicker(g.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if g.IsOpen() {
				return nil
			}
		}
	}
}
