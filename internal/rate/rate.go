// Package rate implements the adaptive rate controller (C6, §4.6): given a
// deadline and a measured progress, it computes (batch_pool_size,
// inter_bio_delay) and grows/shrinks the batch pool to match.
package rate

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/behrlich/btrfs-scrub/internal/batch"
	"github.com/behrlich/btrfs-scrub/internal/constants"
)

// BoostController is the optional I/O-priority lever (§4.6 "Optional
// 'boost' lever"); internal/priority provides the real implementation, a
// no-op satisfies tests that don't care about it.
type BoostController interface {
	Raise() error
	Restore() error
}

type noopBoost struct{}

func (noopBoost) Raise() error   { return nil }
func (noopBoost) Restore() error { return nil }

// Target holds the (pool_size, delay) pair the controller produced on its
// most recent evaluation.
type Target struct {
	PoolSize int
	Delay    time.Duration
}

// Controller is the per-device rate controller described in §4.6. It is
// safe for concurrent use: Evaluate is called from every completion.
type Controller struct {
	pool  *batch.Pool
	boost BoostController

	start    time.Time
	deadline time.Duration // 0 means "no deadline": steady state, no pacing
	target   int64         // estimated total bytes to scrub

	progress int64 // atomic: bytes scrubbed + verified so far

	boostEnabled bool
	boosted      atomic.Bool

	last Target
}

const batchBytes = constants.MaxPagesPerBatch * constants.PageSize

// New creates a Controller over pool. deadline == 0 disables pacing
// entirely (§8 "Deadline of 0 — default steady-state pool, no pacing").
func New(pool *batch.Pool, deadline time.Duration, targetBytes int64, boostEnabled bool, boost BoostController) *Controller {
	if boost == nil {
		boost = noopBoost{}
	}
	return &Controller{
		pool:         pool,
		boost:        boost,
		start:        time.Now(),
		deadline:     deadline,
		target:       targetBytes,
		boostEnabled: boostEnabled,
		last:         Target{PoolSize: constants.DefaultPoolSize, Delay: 0},
	}
}

// AddProgress records bytes scrubbed/verified.
func (c *Controller) AddProgress(n int64) {
	atomic.AddInt64(&c.progress, n)
}

// Progress returns the current cumulative progress in bytes.
func (c *Controller) Progress() int64 { return atomic.LoadInt64(&c.progress) }

// Last returns the most recently computed target without recomputing.
func (c *Controller) Last() Target { return c.last }

// Evaluate recomputes (pool_size, delay) per §4.6's algorithm and applies
// any pool growth/shrink. It is invoked on each batch completion when a
// deadline is set; with no deadline it always returns the steady-state
// default (§8 boundary: "Deadline of 0").
func (c *Controller) Evaluate() Target {
	if c.deadline <= 0 {
		t := Target{PoolSize: constants.DefaultPoolSize, Delay: 0}
		c.apply(t)
		c.last = t
		return t
	}

	elapsed := time.Since(c.start)
	progress := atomic.LoadInt64(&c.progress)

	remainingBytes := c.target - progress
	if remainingBytes < batchBytes {
		remainingBytes = batchBytes
	}

	var bytesPerSec float64
	if elapsed >= c.deadline {
		// §8 boundary: "elapsed >= deadline -> pool clamped to MAX, delay 0".
		bytesPerSec = math.Inf(1)
	} else {
		remainingTime := (c.deadline - elapsed).Seconds()
		bytesPerSec = math.Ceil(float64(remainingBytes) / remainingTime)
	}

	var t Target
	switch {
	case math.IsInf(bytesPerSec, 1):
		t = Target{PoolSize: constants.MaxPoolSize, Delay: 0}
	case bytesPerSec < float64(batchBytes):
		t = Target{
			PoolSize: constants.MinPoolSize,
			Delay:    time.Duration(float64(batchBytes) / bytesPerSec * float64(time.Second)),
		}
	default:
		poolSize := int(math.Ceil(bytesPerSec / float64(batchBytes)))
		t = Target{PoolSize: clamp(poolSize, constants.MinPoolSize, constants.MaxPoolSize), Delay: constants.OneTick}
	}

	c.apply(t)
	c.maybeBoost(elapsed, progress)
	c.last = t
	return t
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// apply grows or shrinks the pool to match t.PoolSize (§4.6 "Pool growth"/
// "Pool shrink").
func (c *Controller) apply(t Target) {
	cur := c.pool.Size()
	switch {
	case t.PoolSize > cur:
		c.pool.Grow(t.PoolSize - cur)
	case t.PoolSize < cur:
		c.pool.RequestShrink(cur - t.PoolSize)
	}
}

// maybeBoost engages/disengages the optional I/O-priority lever when
// progress lags the time-prorated goal by >= BoostThresholdBatches
// batches (§4.6 "falling far behind"), and restores it once progress
// catches back up to the goal.
func (c *Controller) maybeBoost(elapsed time.Duration, progress int64) {
	if !c.boostEnabled {
		return
	}
	frac := elapsed.Seconds() / c.deadline.Seconds()
	if frac > 1 {
		frac = 1
	}
	goal := int64(float64(c.target) * frac)
	lag := goal - progress
	behind := lag >= int64(constants.BoostThresholdBatches)*batchBytes
	if behind && c.boosted.CompareAndSwap(false, true) {
		_ = c.boost.Raise()
	} else if !behind && c.boosted.CompareAndSwap(true, false) {
		_ = c.boost.Restore()
	}
}

// ScaledDelay computes scaled_delay = delay * (batch_pages / max_pages_per_batch)
// for the pacing timer (§4.6 "Pacing").
func ScaledDelay(delay time.Duration, batchPages int) time.Duration {
	return time.Duration(float64(delay) * float64(batchPages) / float64(constants.MaxPagesPerBatch))
}
