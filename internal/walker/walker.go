// Package walker implements the extent walker (C7, §4.4): for each
// device-extent it iterates the RAID map's stripes, searches the extent
// tree at the commit root for overlapping extents, trims them to the
// stripe, splits them into sector/node-sized sub-blocks, and drives the
// batch builder (C2) for each one. On block-complete it invokes the
// checksum verifier (C4) and, on failure, the recovery state machine (C5).
package walker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/behrlich/btrfs-scrub/internal/batch"
	"github.com/behrlich/btrfs-scrub/internal/block"
	"github.com/behrlich/btrfs-scrub/internal/checksum"
	"github.com/behrlich/btrfs-scrub/internal/constants"
	"github.com/behrlich/btrfs-scrub/internal/metatree"
	"github.com/behrlich/btrfs-scrub/internal/pipeline"
	"github.com/behrlich/btrfs-scrub/internal/raidmap"
	"github.com/behrlich/btrfs-scrub/internal/recovery"
	"github.com/behrlich/btrfs-scrub/internal/synergy"
)

// ErrCancelled is returned when a cancellation request is observed at a
// stripe-iteration boundary (§4.4 step 5, §5 "Cancellation").
var ErrCancelled = errors.New("walker: cancelled")

// ErrStripeSpanningTreeBlock is logged (not returned as a hard error) when
// a tree block straddles a stripe boundary; it violates layout invariants
// and is skipped (§4.4 "Tie-breaks").
var ErrStripeSpanningTreeBlock = errors.New("walker: tree block straddles stripe boundary")

// PauseSignal is the cooperative pause/resume/cancel control surface the
// walker polls once per stripe iteration (§4.4 step 4, §5 "Suspension
// points"). The real fleet-wide broadcast channel is out of scope
// (spec.md §1, §6 "pause/cancel broadcast channel"); this is the narrow
// interface the walker consumes from it.
type PauseSignal interface {
	// Paused reports whether a pause is currently requested.
	Paused() bool
	// Cancelled reports whether cancellation was requested.
	Cancelled() bool
}

// Logger is the narrow structured-logging surface the walker uses for
// per-block and structural-error warnings (§7 "User-visible behavior").
type Logger interface {
	Warnf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...interface{}) {}

// PathResolver resolves a logical offset to the file(s) it backs, for
// warning messages (§7 "path resolution to affected file(s) when
// available"). Optional; nil disables path-resolved warnings.
type PathResolver interface {
	Resolve(logical int64) (paths []string, err error)
}

// Walker drives C2-C5 over a RAID-aware stripe walk of one device.
type Walker struct {
	DevID   uint64
	Mapper  raidmap.Mapper
	Root    metatree.CommitRoot
	Builder *batch.Builder

	Verifier  *checksum.Verifier
	Recoverer *recovery.Recoverer
	Filter    *synergy.Filter
	Resolver  PathResolver
	Pause     PauseSignal
	Log       Logger

	Stats *pipeline.Stats

	SectorSize int
	NodeSize   int
	CsumSize   int

	// ReplaceTarget is non-nil when this run is a device replace rather
	// than an in-place repair (§4.5 "Replace-mode differs"); it is
	// threaded straight through to every Recoverer.Recover call.
	ReplaceTarget *raidmap.Chunk

	// FSID/ChunkTreeUUID are the expected filesystem identity values
	// every tree/super block header must carry (§4.3 "fsid and
	// chunk-tree-uuid equality"); threaded into every checksum.Target
	// built for a tree-block or super-block flavored Block.
	FSID          [16]byte
	ChunkTreeUUID [16]byte

	// OnRecoverOutcome, if set, is called with every recovery.Outcome a
	// block-complete recovery attempt produces, for callers that want
	// the corrected/unverified/uncorrectable breakdown §6's statistics
	// record names beyond the coarse counters Stats already tracks.
	OnRecoverOutcome func(recovery.Outcome)

	mirrorRR int32
	mu       sync.Mutex
}

// New constructs a Walker. pause/filter/resolver/log may be nil.
func New(devID uint64, mapper raidmap.Mapper, root metatree.CommitRoot, builder *batch.Builder, verifier *checksum.Verifier, recoverer *recovery.Recoverer, filter *synergy.Filter, resolver PathResolver, pause PauseSignal, log Logger, stats *pipeline.Stats, sectorSize, nodeSize, csumSize int) *Walker {
	if log == nil {
		log = nopLogger{}
	}
	return &Walker{
		DevID: devID, Mapper: mapper, Root: root, Builder: builder,
		Verifier: verifier, Recoverer: recoverer, Filter: filter, Resolver: resolver,
		Pause: pause, Log: log, Stats: stats,
		SectorSize: sectorSize, NodeSize: nodeSize, CsumSize: csumSize,
	}
}

// Walk iterates every chunk the mapper knows about overlapping
// [startLogical, endLogical), stripe by stripe, per §4.4. A zero-length
// range is a no-op (§8 "Boundary behavior: Zero-length scrub range").
func (w *Walker) Walk(ctx context.Context, startLogical, endLogical int64) error {
	if endLogical <= startLogical {
		return nil
	}
	for _, chunk := range w.Mapper.Chunks() {
		chunkEnd := chunk.LogicalAt + chunk.Length
		if chunkEnd <= startLogical || chunk.LogicalAt >= endLogical {
			continue
		}
		if err := w.walkChunk(ctx, chunk, startLogical, endLogical); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) walkChunk(ctx context.Context, chunk raidmap.Chunk, rangeStart, rangeEnd int64) error {
	for stripeStart := chunk.LogicalAt; stripeStart < chunk.LogicalAt+chunk.Length; stripeStart += chunk.StripeLen {
		if w.observeControl() {
			if w.Pause != nil && w.Pause.Cancelled() {
				return ErrCancelled
			}
		}

		stripeEnd := stripeStart + chunk.StripeLen
		if stripeEnd > chunk.LogicalAt+chunk.Length {
			stripeEnd = chunk.LogicalAt + chunk.Length
		}
		lo, hi := stripeStart, stripeEnd
		if lo < rangeStart {
			lo = rangeStart
		}
		if hi > rangeEnd {
			hi = rangeEnd
		}
		if lo >= hi {
			continue
		}

		if err := w.walkStripe(ctx, lo, hi); err != nil {
			return err
		}

		// Flush any partially-filled current batch at the end of every
		// stripe so partial progress isn't stranded (builder.go comment,
		// §4.1 "Flush").
		if err := w.Builder.Flush(ctx); err != nil {
			return err
		}

		w.park(ctx)
	}
	return nil
}

// observeControl polls the pause/cancel signal once per stripe iteration
// (§4.4 step 4/5, §5 "Cancellation"). It returns true if a control signal
// is present (paused or cancelled) so callers can act.
func (w *Walker) observeControl() bool {
	if w.Pause == nil {
		return false
	}
	return w.Pause.Paused() || w.Pause.Cancelled()
}

// park drains in-flight work and waits out a pause request. The real
// drain-to-zero wait happens in the pipeline/pool layer; here we just
// honor the cooperative contract by not advancing past a paused stripe
// boundary. A production implementation would block on a condition
// variable signalled by resume; tests drive Pause directly.
func (w *Walker) park(ctx context.Context) {
	if w.Pause == nil || !w.Pause.Paused() {
		return
	}
	for w.Pause.Paused() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if w.Pause.Cancelled() {
			return
		}
	}
}

func (w *Walker) walkStripe(ctx context.Context, lo, hi int64) error {
	extents, err := w.Root.ExtentsIn(lo, hi)
	if err != nil {
		return fmt.Errorf("walker: extent search [%d,%d): %w", lo, hi, err)
	}
	for _, e := range extents {
		if e.Flags&metatree.ExtentTreeBlock != 0 && (e.Logical < lo || e.End() > hi) {
			w.Log.Warnf("tree block at %d straddles stripe [%d,%d), skipping", e.Logical, lo, hi)
			continue
		}
		if err := w.walkExtent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) walkExtent(ctx context.Context, e metatree.Extent) error {
	if w.Filter != nil && w.Filter.ShouldSkip(e.Logical, e.Length) {
		w.Stats.AddSkipped(e.Length)
		return nil
	}

	blockSize := int64(w.SectorSize)
	if e.Flags&metatree.ExtentTreeBlock != 0 {
		blockSize = int64(w.NodeSize)
	}
	if blockSize <= 0 {
		blockSize = e.Length
	}

	for off := e.Logical; off < e.End(); off += blockSize {
		subLen := blockSize
		if off+subLen > e.End() {
			subLen = e.End() - off
		}
		if err := w.submitSubBlock(ctx, off, subLen, e); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) submitSubBlock(ctx context.Context, logical, length int64, e metatree.Extent) error {
	mapping, err := w.Mapper.Map(logical, length)
	if err != nil {
		w.Log.Warnf("raid map failure at logical %d: %v", logical, err)
		return fmt.Errorf("walker: map logical %d: %w", logical, err)
	}
	if len(mapping.Stripes) == 0 {
		return fmt.Errorf("walker: empty mapping at logical %d", logical)
	}

	mirrorIdx := int(atomic.AddInt32(&w.mirrorRR, 1)-1) % len(mapping.Stripes)
	stripe := mapping.Stripes[mirrorIdx]

	pageSize := int64(constants.PageSize)
	npages := int((length + pageSize - 1) / pageSize)
	if npages == 0 {
		npages = 1
	}
	if npages > constants.MaxPagesPerBlock {
		npages = constants.MaxPagesPerBlock
	}
	pages := make([]*block.Page, npages)
	for pi := 0; pi < npages; pi++ {
		pageOff := int64(pi) * pageSize
		n := pageSize
		if pageOff+n > length {
			n = length - pageOff
		}
		pages[pi] = &block.Page{
			Buf:         make([]byte, n),
			Logical:     logical + pageOff,
			Physical:    stripe.Physical + pageOff,
			ExtentFlags: uint32(e.Flags),
			Generation:  e.Generation,
		}
	}

	blk := block.New(stripe.DevID, mirrorIdx, length, pages)

	target := checksum.Target{
		Flavor:        flavorFor(e.Flags),
		Logical:       logical,
		DevID:         stripe.DevID,
		Generation:    e.Generation,
		FSID:          w.FSID,
		ChunkTreeUUID: w.ChunkTreeUUID,
		SectorSize:    w.SectorSize,
		NodeSize:      w.NodeSize,
		CsumSize:      w.CsumSize,
	}

	if target.Flavor == checksum.Data && w.Root != nil {
		if csums, err := w.Root.Csums(logical, int64(w.SectorSize), w.SectorSize); err == nil && len(csums) > 0 {
			pages[0].Csum = csums[0]
			pages[0].HaveCsum = true
		}
	}

	blk.OnComplete = func(b *block.Block) { w.onBlockComplete(ctx, b, target, mapping, mirrorIdx) }

	for _, p := range pages {
		if err := w.Builder.AddPage(ctx, p); err != nil {
			return fmt.Errorf("walker: add_page at logical %d: %w", p.Logical, err)
		}
	}
	return nil
}

func flavorFor(flags metatree.ExtentFlags) checksum.Flavor {
	if flags&metatree.ExtentTreeBlock != 0 {
		return checksum.TreeBlock
	}
	return checksum.Data
}

// onBlockComplete is the Block's OnComplete hook (§4.3 "Block-complete
// decision"): verify if no I/O error was seen, otherwise go straight to
// recovery; on verify failure, also go to recovery.
func (w *Walker) onBlockComplete(ctx context.Context, b *block.Block, target checksum.Target, mapping raidmap.Mapping, mirrorIdx int) {
	if !b.HadIOError() {
		if w.Verifier.Verify(b, target) {
			w.Stats.AddVerified(b.Length)
			return
		}
	}
	w.recoverBlock(ctx, b, target, mirrorIdx)
}

func (w *Walker) recoverBlock(ctx context.Context, b *block.Block, target checksum.Target, mirrorIdx int) {
	if w.Recoverer == nil {
		w.warnUncorrectable(target)
		return
	}
	outcome, err := w.Recoverer.Recover(ctx, b, target.Logical, b.Length, mirrorIdx, target.Flavor, w.ReplaceTarget)
	if w.OnRecoverOutcome != nil {
		w.OnRecoverOutcome(outcome)
	}
	if err != nil || outcome.Uncorrectable {
		w.warnUncorrectable(target)
	}
}

func (w *Walker) warnUncorrectable(target checksum.Target) {
	paths := []string{}
	if w.Resolver != nil {
		if p, err := w.Resolver.Resolve(target.Logical); err == nil {
			paths = p
		}
	}
	w.Log.Warnf("uncorrectable error at logical=%d dev=%d paths=%v", target.Logical, target.DevID, paths)
}
