// Package pipeline implements the submission & completion pipeline (C3,
// §4.2): it hands a filled batch.Batch to the consumed block-device
// collaborator, then on completion marks pages, drives each Block's
// per-page completion counter, and consults the rate controller (C6) for
// pacing before returning the batch to its pool.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/behrlich/btrfs-scrub/internal/batch"
	"github.com/behrlich/btrfs-scrub/internal/blockdev"
	"github.com/behrlich/btrfs-scrub/internal/constants"
	"github.com/behrlich/btrfs-scrub/internal/rate"
)

// Stats holds the scrub-context-wide counters named in §3 "Scrub
// context": bytes scrubbed/verified/skipped and error counts. Each field
// is updated only through atomic ops so completion workers never
// contend on a lock for the hot path (§5 "stat_lock ... held only for
// short updates" — here that's an atomic add instead of a mutex).
type Stats struct {
	BytesScrubbed int64
	BytesVerified int64
	BytesSkipped  int64
	ReadErrors    int64
}

// AddScrubbed/AddVerified/AddSkipped/AddReadError update the counters
// named in §6's wire-stable statistics record. Exported so both the
// pipeline's own completion path and the extent walker's verify step can
// update them.
func (s *Stats) AddScrubbed(n int64) { atomic.AddInt64(&s.BytesScrubbed, n) }
func (s *Stats) AddVerified(n int64) { atomic.AddInt64(&s.BytesVerified, n) }
func (s *Stats) AddSkipped(n int64)  { atomic.AddInt64(&s.BytesSkipped, n) }
func (s *Stats) AddReadError()       { atomic.AddInt64(&s.ReadErrors, 1) }

// Snapshot returns a point-in-time copy of the counters, safe to hand to
// a progress reporter.
func (s *Stats) Snapshot() Stats {
	return Stats{
		BytesScrubbed: atomic.LoadInt64(&s.BytesScrubbed),
		BytesVerified: atomic.LoadInt64(&s.BytesVerified),
		BytesSkipped:  atomic.LoadInt64(&s.BytesSkipped),
		ReadErrors:    atomic.LoadInt64(&s.ReadErrors),
	}
}

// Pipeline is the scrub context's submission/completion half: it owns
// the live bios_in_flight/bios_allocated counters from §3 and wires a
// batch.Pool's SubmitFunc to actual device I/O plus C6 pacing.
type Pipeline struct {
	Registry blockdev.Registry
	Pool     *batch.Pool
	Rate     *rate.Controller
	Stats    *Stats

	biosInFlight  int32
	biosAllocated int32
}

// New creates a Pipeline. rate may be nil (no deadline configured, per
// §4.6's "deadline == 0" steady-state case — Evaluate already handles
// that, but pacing is simply skipped when Rate itself is nil).
func New(registry blockdev.Registry, pool *batch.Pool, rc *rate.Controller, stats *Stats) *Pipeline {
	return &Pipeline{Registry: registry, Pool: pool, Rate: rc, Stats: stats}
}

// BiosInFlight and BiosAllocated expose the live counters §3's teardown
// precondition (`bios_in_flight == 0 ∧ bios_allocated == 0`) checks.
func (pl *Pipeline) BiosInFlight() int32  { return atomic.LoadInt32(&pl.biosInFlight) }
func (pl *Pipeline) BiosAllocated() int32 { return atomic.LoadInt32(&pl.biosAllocated) }

// Submit implements batch.SubmitFunc: `submit(ctx)` takes the current
// batch, increments in-flight/allocated, hands it to the block-device
// collaborator, and synchronously drives completion (§4.2). A missing
// device handle completes the batch synchronously with an I/O error
// rather than crashing, per §4.2's explicit requirement.
func (pl *Pipeline) Submit(ctx context.Context, b *batch.Batch) error {
	b.IssuedAt = time.Now()
	atomic.AddInt32(&pl.biosInFlight, 1)
	atomic.AddInt32(&pl.biosAllocated, 1)
	defer atomic.AddInt32(&pl.biosInFlight, -1)

	ioErr := pl.issue(ctx, b)
	pl.onCompletion(ctx, b, ioErr)
	return nil
}

func (pl *Pipeline) issue(ctx context.Context, b *batch.Batch) error {
	dev, ok := pl.Registry.Device(b.Dev)
	if !ok {
		return fmt.Errorf("pipeline: device %d not registered", b.Dev)
	}
	// Each page holds its Block alive for the duration of this I/O; the
	// matching release happens in onCompletion step (c) (§4.2).
	for _, p := range b.Pages {
		p.Block.Retain()
	}
	for _, p := range b.Pages {
		var err error
		if b.Dir == batch.Write {
			_, err = dev.WriteAt(p.Buf, p.Physical)
		} else {
			_, err = dev.ReadAt(p.Buf, p.Physical)
		}
		if err != nil {
			return fmt.Errorf("pipeline: dev %d offset %d: %w", b.Dev, p.Physical, err)
		}
	}
	return nil
}

// onCompletion runs the three completion steps from §4.2 ("(a) ... (b)
// ... (c)"), then consults C6 for pacing before releasing the batch.
func (pl *Pipeline) onCompletion(ctx context.Context, b *batch.Batch, ioErr error) {
	b.Err = ioErr

	if ioErr != nil {
		pl.Stats.AddReadError()
		for _, p := range b.Pages {
			p.IOError = true
			p.Block.ClearNoIOErrorSeen()
		}
	}

	bytes := int64(b.N) * int64(constants.PageSize)
	for _, p := range b.Pages {
		p.Block.CompletePage()
		p.Block.Release()
	}

	if ioErr == nil {
		pl.Stats.AddScrubbed(bytes)
	}

	if pl.Rate != nil {
		pl.Rate.AddProgress(bytes)
		pl.Rate.Evaluate()
	}

	pl.pace(b)
}

// pace implements §4.6 "Pacing": if the batch's in-flight time was
// shorter than its scaled delay, a single-shot timer defers the
// free-list release until the remainder has elapsed. A pending pause
// cancels pacing immediately so the drain-for-pause wait never stalls
// on a timer (§4.6 "A pending pause cancels pacing immediately").
func (pl *Pipeline) pace(b *batch.Batch) {
	if pl.Rate == nil {
		atomic.AddInt32(&pl.biosAllocated, -1)
		pl.Pool.Release(b)
		return
	}
	elapsed := time.Since(b.IssuedAt)
	scaled := rate.ScaledDelay(pl.Rate.Last().Delay, b.N)
	if scaled <= elapsed {
		atomic.AddInt32(&pl.biosAllocated, -1)
		pl.Pool.Release(b)
		return
	}
	wait := scaled - elapsed
	time.AfterFunc(wait, func() {
		atomic.AddInt32(&pl.biosAllocated, -1)
		pl.Pool.Release(b)
	})
}

// CancelPacing releases b immediately, used when a pause is observed
// while b's pacing timer is still pending.
func (pl *Pipeline) CancelPacing(b *batch.Batch) {
	atomic.AddInt32(&pl.biosAllocated, -1)
	pl.Pool.Release(b)
}
