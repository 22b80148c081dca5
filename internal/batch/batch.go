// Package batch implements the read/write batch builder (C2, §4.1) and the
// free-list batch pool it draws from (§3 "Read-batch (and Write-batch)").
package batch

import (
	"time"

	"github.com/behrlich/btrfs-scrub/internal/block"
	"github.com/behrlich/btrfs-scrub/internal/constants"
)

// Direction distinguishes a read batch (scrub verification reads) from a
// write batch (repair/replace rewrites).
type Direction int

const (
	Read Direction = iota
	Write
)

// Batch is a container of up to Cap Page-entries submitted as one I/O
// (§3 "Read-batch (and Write-batch)"). Pages within a batch are strictly
// physically and logically contiguous, in order (P2).
type Batch struct {
	slot int
	cap  int

	Dev uint64
	Dir Direction

	Phys int64
	Log  int64
	N    int
	Pages []*block.Page

	Err error

	IssuedAt time.Time
	Wasted   time.Duration // accumulated pacing-wait time (§9 open question (a))

	pauseStart time.Time
	paused     bool

	pacingTimer *time.Timer

	nextFree int32 // free-list link; -1 terminates (§3 "position in the free-list")
}

const freeListEnd = -1

func newBatch(slot, cap int) *Batch {
	return &Batch{slot: slot, cap: cap, Pages: make([]*block.Page, 0, cap), nextFree: freeListEnd}
}

// Slot returns this batch's fixed index in the pool array.
func (b *Batch) Slot() int { return b.slot }

func (b *Batch) reset(dev uint64, dir Direction, phys, log int64) {
	b.Dev = dev
	b.Dir = dir
	b.Phys = phys
	b.Log = log
	b.N = 0
	b.Pages = b.Pages[:0]
	b.Err = nil
	b.Wasted = 0
	b.paused = false
}

// physTail/logTail are the contiguity rule's B.phys/B.log + B.n*page_size
// (§4.1 "Contiguity rule").
func (b *Batch) physTail() int64 { return b.Phys + int64(b.N)*constants.PageSize }
func (b *Batch) logTail() int64  { return b.Log + int64(b.N)*constants.PageSize }

// Appendable reports whether page p may be appended to this batch without
// violating the contiguity rule or its capacity.
func (b *Batch) Appendable(p *block.Page) bool {
	if b.N >= b.cap {
		return false
	}
	if b.N == 0 {
		return true
	}
	return p.Physical == b.physTail() && p.Logical == b.logTail() && p.DevID == b.Dev
}

// Append adds p to the batch. Callers must check Appendable first; Append
// does not re-validate contiguity (the hot path in add_page already did).
func (b *Batch) Append(p *block.Page) {
	if b.N == 0 {
		b.Phys = p.Physical
		b.Log = p.Logical
		b.Dev = p.DevID
	}
	b.Pages = append(b.Pages, p)
	b.N++
}

// Full reports whether the batch has reached its capacity.
func (b *Batch) Full() bool { return b.N >= b.cap }

// Len returns the number of pages currently in the batch.
func (b *Batch) Len() int { return b.N }

// markPauseStart/markPauseEnd implement the "wasted time" accounting
// decided in §9 open question (a): wasted = sum over pause windows of
// (resume - pause).
func (b *Batch) markPauseStart(now time.Time) {
	b.paused = true
	b.pauseStart = now
}

func (b *Batch) markPauseEnd(now time.Time) {
	if !b.paused {
		return
	}
	b.Wasted += now.Sub(b.pauseStart)
	b.paused = false
}
