// Package recovery implements the error-recovery state machine (C5,
// §4.5): what happens after a mirror read fails checksum or I/O
// verification. It walks through the recheck/repair states, consulting
// the RAID mapper for sibling mirrors and the checksum verifier to judge
// which mirror is trustworthy.
package recovery

import (
	"context"

	"github.com/pkg/errors"

	"github.com/behrlich/btrfs-scrub/internal/batch"
	"github.com/behrlich/btrfs-scrub/internal/block"
	"github.com/behrlich/btrfs-scrub/internal/checksum"
	"github.com/behrlich/btrfs-scrub/internal/constants"
	"github.com/behrlich/btrfs-scrub/internal/raidmap"
	"github.com/behrlich/btrfs-scrub/internal/replace"
)

// State names the recovery state machine's states (§4.5).
type State int

const (
	StateOK State = iota
	StateSuperReportOnly
	StateNoDataSumFallback
	StateMirrorSearch
	StateRepairBlockFromGood
	StateRepairPagesOnly
	StateUncorrectable
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateSuperReportOnly:
		return "SUPER_REPORT_ONLY"
	case StateNoDataSumFallback:
		return "NODATASUM_FALLBACK"
	case StateMirrorSearch:
		return "MIRROR_SEARCH"
	case StateRepairBlockFromGood:
		return "REPAIR_BLOCK_FROM_GOOD"
	case StateRepairPagesOnly:
		return "REPAIR_PAGES_ONLY"
	case StateUncorrectable:
		return "UNCORRECTABLE"
	default:
		return "UNKNOWN"
	}
}

// Outcome summarizes what a recovery attempt did, for statistics and
// logging.
type Outcome struct {
	Final       State
	Unverified  bool // page-by-page re-read alone cleared the fault
	Corrected   bool
	Uncorrectable bool
	SuperErrors int
	MallocErrors int
}

// Rereader re-issues a page-by-page read of one mirror, defeating
// bio-merging at the block layer (§4.5 step 2). It is the only I/O this
// package performs directly; everything else works off Blocks already
// populated by the pipeline.
type Rereader interface {
	RereadPage(ctx context.Context, devID uint64, physical int64, buf []byte) error
}

// NoDataSumWorker schedules the deferred page-cache re-trigger used by
// NODATASUM_FALLBACK (§4.5 step 6). It is consumed, not implemented,
// here: the filesystem's on-the-fly correction path lives outside this
// engine's scope (spec.md §1).
type NoDataSumWorker interface {
	TriggerPageCacheRead(ctx context.Context, inode uint64, fileOffset int64, length int64, forceMirror int) error
}

// Recoverer drives the state machine for one failed Block.
type Recoverer struct {
	Mapper    raidmap.Mapper
	Verifier  *checksum.Verifier
	Rereader  Rereader
	NoDataSum NoDataSumWorker

	// Writer submits repair writes back onto the bad mirror's own
	// device — REPAIR_BLOCK_FROM_GOOD and REPAIR_PAGES_ONLY's actual
	// write-back (§4.5 steps 4-5). Nil disables in-place repair (a
	// read-only scrub still reports, but never corrects).
	Writer *batch.Builder

	// Replace submits replace-mode's good pages to the replacement
	// target (§4.5 "Replace-mode differs"). Nil disables replace mode
	// even if Recover is called with a non-nil replaceTarget.
	Replace *replace.Writer

	MallocErrors *uint64
	SuperErrors  *uint64
}

// New builds a Recoverer over the given collaborators. mallocErrors and
// superErrors, if non-nil, receive the failure-semantics counters from
// §4.5's "Failure semantics" paragraph.
func New(mapper raidmap.Mapper, verifier *checksum.Verifier, rereader Rereader, nodatasum NoDataSumWorker, mallocErrors, superErrors *uint64) *Recoverer {
	return &Recoverer{
		Mapper:       mapper,
		Verifier:     verifier,
		Rereader:     rereader,
		NoDataSum:    nodatasum,
		MallocErrors: mallocErrors,
		SuperErrors:  superErrors,
	}
}

func (r *Recoverer) bumpMalloc() {
	if r.MallocErrors != nil {
		*r.MallocErrors++
	}
}

func (r *Recoverer) bumpSuper() {
	if r.SuperErrors != nil {
		*r.SuperErrors++
	}
}

// Recover runs the §4.5 algorithm for the Block b, whose mirror
// failingMirror at logical X, length L, failed. replaceTarget is non-nil
// in replace mode (§4.5 "Replace-mode differs").
func (r *Recoverer) Recover(ctx context.Context, b *block.Block, logical int64, length int64, failingMirror int, flavor checksum.Flavor, replaceTarget *raidmap.Chunk) (Outcome, error) {
	if flavor == checksum.SuperBlock {
		r.bumpSuper()
		return Outcome{Final: StateSuperReportOnly, SuperErrors: 1}, nil
	}

	mapping, err := r.Mapper.Map(logical, length)
	if err != nil {
		r.bumpMalloc()
		return Outcome{Final: StateUncorrectable, Uncorrectable: true, MallocErrors: 1}, errors.Wrapf(err, "recovery: map logical %d", logical)
	}
	if len(mapping.Stripes) == 0 {
		r.bumpMalloc()
		return Outcome{Final: StateUncorrectable, Uncorrectable: true, MallocErrors: 1}, errors.Errorf("recovery: no stripes for logical %d", logical)
	}

	recheck, err := r.allocateRecheckBlocks(mapping)
	if err != nil {
		r.bumpMalloc()
		return Outcome{Final: StateUncorrectable, Uncorrectable: true, MallocErrors: 1}, err
	}

	if failingMirror < 0 || failingMirror >= len(mapping.Stripes) {
		r.bumpMalloc()
		return Outcome{Final: StateUncorrectable, Uncorrectable: true, MallocErrors: 1}, errors.Errorf("recovery: mirror %d out of range (have %d)", failingMirror, len(mapping.Stripes))
	}

	if r.Rereader == nil {
		return Outcome{Final: StateUncorrectable, Uncorrectable: true}, nil
	}
	if hadErr := r.readMirrorInto(ctx, recheck[failingMirror]); !hadErr {
		return Outcome{Final: StateOK, Unverified: true}, nil
	}

	// The failing mirror is genuinely bad; reread every sibling mirror so
	// the repair/reconstruct paths below have real content to work with
	// rather than the zero-valued buffers allocateRecheckBlocks started
	// with.
	for i := range mapping.Stripes {
		if i == failingMirror {
			continue
		}
		r.readMirrorInto(ctx, recheck[i])
	}

	if replaceTarget != nil {
		return r.recoverReplaceMode(ctx, mapping, recheck, failingMirror, replaceTarget)
	}

	erasure := mapping.Type == raidmap.RAID5 || mapping.Type == raidmap.RAID6
	if erasure {
		if outcome, handled := r.reconstructErasure(ctx, mapping, logical, length, failingMirror); handled {
			return outcome, nil
		}
		if fallbackOK := r.nodatasumFallback(ctx, logical, length, failingMirror); fallbackOK {
			return Outcome{Final: StateNoDataSumFallback, Corrected: false}, nil
		}
	} else {
		for i, stripe := range mapping.Stripes {
			if i == failingMirror {
				continue
			}
			blk := recheck[i]
			if blk.HasVerifyError() || blk.HadIOError() {
				continue
			}
			if err := r.rewriteBlockFrom(ctx, mapping.Stripes[failingMirror], stripe, blk); err != nil {
				continue
			}
			return Outcome{Final: StateRepairBlockFromGood, Corrected: true}, nil
		}

		if corrected, uncorrectable := r.repairPagesOnly(ctx, mapping, recheck, failingMirror); corrected {
			return Outcome{Final: StateRepairPagesOnly, Corrected: true}, nil
		} else if !uncorrectable {
			if fallbackOK := r.nodatasumFallback(ctx, logical, length, failingMirror); fallbackOK {
				return Outcome{Final: StateNoDataSumFallback, Corrected: false}, nil
			}
		}
	}

	return Outcome{Final: StateUncorrectable, Uncorrectable: true}, nil
}

// allocateRecheckBlocks materializes one recheck Block per mirror, each
// with fresh page buffers at this logical+length (§4.5 step 1), capped
// at constants.MaxMirrors.
func (r *Recoverer) allocateRecheckBlocks(mapping raidmap.Mapping) ([]*block.Block, error) {
	n := len(mapping.Stripes)
	if n > constants.MaxMirrors {
		n = constants.MaxMirrors
	}
	pageSize := int64(constants.PageSize)
	npages := int((mapping.Length + pageSize - 1) / pageSize)
	out := make([]*block.Block, len(mapping.Stripes))
	for i := 0; i < n; i++ {
		stripe := mapping.Stripes[i]
		pages := make([]*block.Page, npages)
		for pi := 0; pi < npages; pi++ {
			off := int64(pi) * pageSize
			n := pageSize
			if off+n > mapping.Length {
				n = mapping.Length - off
			}
			pages[pi] = &block.Page{
				Buf:      make([]byte, n),
				Logical:  mapping.Logical + off,
				Physical: stripe.Physical + off,
			}
		}
		out[i] = block.New(stripe.DevID, i, mapping.Length, pages)
	}
	return out, nil
}

// readMirrorInto re-issues blk's mirror read one page at a time into its
// already-allocated page buffers, defeating block-layer bio merging
// (§4.5 step 2-3) and giving the repair paths below real bytes to read
// from or judge. It marks io_error on any page whose reread fails
// without aborting the rest of the block, so disjoint per-page failures
// (§4.5 "Repair pages only") are captured rather than masked by the
// first error. It reports whether any page failed.
func (r *Recoverer) readMirrorInto(ctx context.Context, blk *block.Block) bool {
	if r.Rereader == nil {
		return false
	}
	anyError := false
	for _, p := range blk.Pages {
		if err := r.Rereader.RereadPage(ctx, p.DevID, p.Physical, p.Buf); err != nil {
			p.IOError = true
			anyError = true
		}
	}
	if anyError {
		blk.ClearNoIOErrorSeen()
	}
	return anyError
}

// rewriteBlockFrom copies good's verified content onto bad's device,
// forced when a checksum exists (§4.5 step 4 "forced write when a
// checksum exists, else only the pages flagged io_error").
func (r *Recoverer) rewriteBlockFrom(ctx context.Context, bad, good raidmap.Stripe, goodBlock *block.Block) error {
	if r.Writer == nil {
		return errors.New("recovery: no repair writer configured")
	}
	for _, gp := range goodBlock.Pages {
		if gp.IOError {
			return errors.New("recovery: good mirror has an io error, cannot rewrite")
		}
		buf := make([]byte, len(gp.Buf))
		copy(buf, gp.Buf)
		page := &block.Page{
			Buf:      buf,
			DevID:    bad.DevID,
			Logical:  gp.Logical,
			Physical: bad.Physical + (gp.Physical - good.Physical),
		}
		// Each repair page gets its own single-page Block for the
		// pipeline's Retain/CompletePage/Release bookkeeping.
		block.New(bad.DevID, 0, int64(len(buf)), []*block.Page{page})
		if err := r.Writer.AddPage(ctx, page); err != nil {
			return errors.Wrapf(err, "recovery: rewrite add_page at physical %d", page.Physical)
		}
	}
	if err := r.Writer.Flush(ctx); err != nil {
		return errors.Wrap(err, "recovery: rewrite flush")
	}
	return nil
}

// repairPagesOnly finds, for each bad page of the failing mirror, any
// other mirror whose corresponding page is I/O-clean, writes that page's
// bytes onto the bad mirror's physical location, and reports whether the
// block as a whole could be fully patched (§4.5 step 5). Nil Writer
// means no write path is configured (e.g. a read-only scrub): nothing is
// patched and the block is reported uncorrectable.
func (r *Recoverer) repairPagesOnly(ctx context.Context, mapping raidmap.Mapping, recheck []*block.Block, failingMirror int) (corrected bool, uncorrectable bool) {
	bad := recheck[failingMirror]
	if bad == nil || len(bad.Pages) == 0 {
		return false, true
	}
	if r.Writer == nil {
		return false, true
	}
	badStripe := mapping.Stripes[failingMirror]

	allFixed := true
	wrote := false
	for pi, badPage := range bad.Pages {
		if !badPage.IOError {
			continue
		}
		fixed := false
		for i, other := range recheck {
			if i == failingMirror || other == nil || pi >= len(other.Pages) {
				continue
			}
			op := other.Pages[pi]
			if op.IOError {
				continue
			}
			buf := make([]byte, len(op.Buf))
			copy(buf, op.Buf)
			page := &block.Page{
				Buf:      buf,
				DevID:    badStripe.DevID,
				Logical:  badPage.Logical,
				Physical: badPage.Physical,
			}
			block.New(badStripe.DevID, 0, int64(len(buf)), []*block.Page{page})
			if err := r.Writer.AddPage(ctx, page); err != nil {
				continue
			}
			wrote = true
			fixed = true
			break
		}
		if !fixed {
			allFixed = false
		}
	}
	if wrote {
		if err := r.Writer.Flush(ctx); err != nil {
			return false, true
		}
	}
	if !allFixed {
		return false, true
	}
	return true, false
}

// reconstructErasure handles a RAID5/6 data-shard failure by reading the
// stripe set's remaining data and parity shards and running Reed-Solomon
// reconstruction (§4.5, §4.4 "RAID5/RAID6"); the reconstructed bytes are
// then written back onto the failing mirror the same way
// rewriteBlockFrom does. handled is false when reconstruction could not
// be attempted (parity-disk failure, no Rereader, no Writer) or failed,
// so the caller can fall through to the nodatasum path.
func (r *Recoverer) reconstructErasure(ctx context.Context, mapping raidmap.Mapping, logical, length int64, failingMirror int) (Outcome, bool) {
	if failingMirror != mapping.DataStripe || r.Rereader == nil || r.Writer == nil {
		return Outcome{}, false
	}
	shards, dataDisks, parityDisks, err := r.Mapper.FullStripeSet(logical, length)
	if err != nil {
		return Outcome{}, false
	}
	bad := mapping.Stripes[failingMirror]

	bufs := make([][]byte, len(shards))
	dataIdx := -1
	for i, s := range shards {
		if s.DevID == bad.DevID && s.Physical == bad.Physical {
			dataIdx = i
			continue
		}
		buf := make([]byte, length)
		if err := r.Rereader.RereadPage(ctx, s.DevID, s.Physical, buf); err != nil {
			continue // left nil; reedsolomon may still reconstruct within its parity budget
		}
		bufs[i] = buf
	}
	if dataIdx < 0 {
		return Outcome{}, false
	}

	if err := raidmap.Reconstruct(bufs, dataDisks, parityDisks); err != nil {
		r.bumpMalloc()
		return Outcome{}, false
	}

	page := &block.Page{Buf: bufs[dataIdx], DevID: bad.DevID, Logical: logical, Physical: bad.Physical}
	block.New(bad.DevID, 0, int64(len(page.Buf)), []*block.Page{page})
	if err := r.Writer.AddPage(ctx, page); err != nil {
		return Outcome{}, false
	}
	if err := r.Writer.Flush(ctx); err != nil {
		return Outcome{}, false
	}
	return Outcome{Final: StateRepairBlockFromGood, Corrected: true}, true
}

// nodatasumFallback schedules the deferred page-cache re-trigger for
// extents without a checksum (§4.5 step 6).
func (r *Recoverer) nodatasumFallback(ctx context.Context, logical, length int64, failingMirror int) bool {
	if r.NoDataSum == nil {
		return false
	}
	if err := r.NoDataSum.TriggerPageCacheRead(ctx, 0, logical, length, failingMirror); err != nil {
		return false
	}
	return true
}

// recoverReplaceMode implements the replace-mode variant: good pages go
// to the replacement target rather than overwriting the bad mirror;
// pages with no good source are zero-filled and counted as errors
// (§4.5 "Replace-mode differs").
func (r *Recoverer) recoverReplaceMode(ctx context.Context, mapping raidmap.Mapping, recheck []*block.Block, failingMirror int, target *raidmap.Chunk) (Outcome, error) {
	bad := recheck[failingMirror]
	if bad == nil || len(bad.Pages) == 0 {
		return Outcome{Final: StateUncorrectable, Uncorrectable: true}, nil
	}
	if r.Replace == nil || len(target.PhysAt) == 0 {
		return Outcome{Final: StateUncorrectable, Uncorrectable: true}, errors.New("recovery: replace mode requires a configured Replace writer and target")
	}

	plans := make([]replace.PagePlan, len(bad.Pages))
	zeroFills := 0
	for i, badPage := range bad.Pages {
		plan := replace.PagePlan{
			Logical:        badPage.Logical,
			TargetPhysical: target.PhysAt[0] + (badPage.Logical - target.LogicalAt),
		}
		for j, other := range recheck {
			if j == failingMirror || other == nil || i >= len(other.Pages) {
				continue
			}
			op := other.Pages[i]
			if !op.IOError {
				buf := make([]byte, len(op.Buf))
				copy(buf, op.Buf)
				plan.Buf = buf
				break
			}
		}
		if plan.Buf == nil {
			zeroFills++
		}
		plans[i] = plan
	}

	if err := r.Replace.WritePages(ctx, plans); err != nil {
		r.bumpMalloc()
		return Outcome{Final: StateUncorrectable, Uncorrectable: true, MallocErrors: 1}, errors.Wrap(err, "recovery: replace write")
	}

	return Outcome{Final: StateRepairPagesOnly, Corrected: zeroFills < len(plans)}, nil
}
