package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/behrlich/btrfs-scrub/internal/constants"
)

// ErrFreeBatchTimeout is returned by Acquire when no batch became
// available within constants.FreeBatchWaitTimeout (§5 "Timeouts apply only
// to the adaptive free-batch wait (bounded wait -> retry growth)").
var ErrFreeBatchTimeout = errors.New("batch: timed out waiting for a free batch")

// wakeInterval bounds how often a blocked Acquire rechecks ctx/deadline
// while waiting on the free-list condition variable.
const wakeInterval = 50 * time.Millisecond

// Pool is the scrub context's batch-slot array plus free-list head (§3
// "Scrub context: the batch pool (vector of batch slots by index +
// free-list head + current-slot index)", §4.1 "Free-list").
//
// Lock order follows §5: biosMu (bios_lock) -> listMu (list_lock).
// There is no separate curr_lock: the "current" slot lives in the Builder,
// which takes no lock around it.
type Pool struct {
	biosMu sync.Mutex // serializes grow/shrink with submission (bios_lock)
	listMu sync.Mutex // protects firstFree and batches' nextFree (list_lock)
	cond   *sync.Cond // signalled on release; used by blocking Acquire

	pageCap int
	slots   []*Batch
	firstFree int32

	pendingRemovals int32
	removalClaimed  []bool // per-slot: true once a removal is scheduled for it

	inFlight map[int]bool // slot -> true while a batch is in flight, for shrink safety (§9)
}

// NewPool creates a pool of n batches, each able to hold up to pageCap
// pages, daisy-chained onto the free-list.
func NewPool(n, pageCap int) *Pool {
	p := &Pool{pageCap: pageCap, firstFree: freeListEnd, inFlight: make(map[int]bool)}
	p.cond = sync.NewCond(&p.listMu)
	p.growLocked(n)
	return p
}

// Size returns the current number of slots in the pool.
func (p *Pool) Size() int {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	return len(p.slots)
}

// growLocked appends n fresh batches onto the free-list. Callers must hold
// biosMu; it takes listMu itself.
func (p *Pool) growLocked(n int) {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	for i := 0; i < n; i++ {
		slot := len(p.slots)
		b := newBatch(slot, p.pageCap)
		b.nextFree = p.firstFree
		p.firstFree = int32(slot)
		p.slots = append(p.slots, b)
		p.removalClaimed = append(p.removalClaimed, false)
	}
	p.cond.Broadcast()
}

// Grow adds n more batch slots to the pool (§4.6 "Pool growth").
func (p *Pool) Grow(n int) {
	if n <= 0 {
		return
	}
	p.biosMu.Lock()
	defer p.biosMu.Unlock()
	if len(p.slots)+n > constants.MaxPoolSize {
		n = constants.MaxPoolSize - len(p.slots)
	}
	if n <= 0 {
		return
	}
	p.growLocked(n)
}

// RequestShrink sets pendingRemovals so that n batches are removed as they
// next complete and return to the pool, rather than being freed while in
// flight (§4.6 "Pool shrink", §9 "Adaptive shrink vs. in-flight batches").
func (p *Pool) RequestShrink(n int) {
	if n <= 0 {
		return
	}
	p.biosMu.Lock()
	defer p.biosMu.Unlock()
	p.pendingRemovals += int32(n)
}

// Acquire pops a batch off the free-list, blocking until one is available
// or ctx is done. It is the blocking half of add_page's "takes one from the
// free-list (blocking if empty, with optional pool growth)" contract — pool
// growth itself is driven by the rate controller (C6), not by Acquire.
func (p *Pool) Acquire(ctx context.Context) (*Batch, error) {
	p.listMu.Lock()
	defer p.listMu.Unlock()

	deadline := time.Now().Add(constants.FreeBatchWaitTimeout)
	for p.firstFree == freeListEnd {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrFreeBatchTimeout
		}
		timer := time.AfterFunc(wakeInterval, func() {
			p.listMu.Lock()
			p.cond.Broadcast()
			p.listMu.Unlock()
		})
		p.cond.Wait()
		timer.Stop()
	}

	slot := p.firstFree
	b := p.slots[slot]
	p.firstFree = b.nextFree
	b.nextFree = freeListEnd
	p.inFlight[int(slot)] = true
	return b, nil
}

// Release returns a batch to the free-list, unless a shrink has claimed its
// slot — in which case the slot is removed and the pool array kept dense by
// moving the last slot into the freed index (§4.6 "Pool shrink").
func (p *Pool) Release(b *Batch) {
	p.biosMu.Lock()
	defer p.biosMu.Unlock()

	p.listMu.Lock()
	defer p.listMu.Unlock()

	delete(p.inFlight, b.slot)

	shouldRemove := p.pendingRemovals > 0 && !p.removalClaimed[b.slot]
	if shouldRemove {
		p.pendingRemovals--
		p.removalClaimed[b.slot] = true
	}

	if shouldRemove {
		p.removeSlotLocked(b.slot)
		p.cond.Broadcast()
		return
	}

	b.nextFree = p.firstFree
	p.firstFree = int32(b.slot)
	p.cond.Broadcast()
}

// removeSlotLocked frees slot's memory and backfills it from the tail slot,
// fixing up the moved batch's index and any free-list link pointing at the
// old tail position. Callers must hold listMu.
func (p *Pool) removeSlotLocked(slot int) {
	last := len(p.slots) - 1
	if slot != last {
		moved := p.slots[last]
		moved.slot = slot
		p.slots[slot] = moved
		p.removalClaimed[slot] = p.removalClaimed[last]
		// Fix up any free-list link that pointed at the old tail index.
		if p.firstFree == int32(last) {
			p.firstFree = int32(slot)
		} else {
			for _, s := range p.slots[:last] {
				if s.nextFree == int32(last) {
					s.nextFree = int32(slot)
				}
			}
		}
	}
	p.slots = p.slots[:last]
	p.removalClaimed = p.removalClaimed[:last]
}

// String aids debug logging of pool pressure.
func (p *Pool) String() string {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	return fmt.Sprintf("batch.Pool{size=%d, inFlight=%d, pendingRemovals=%d}", len(p.slots), len(p.inFlight), p.pendingRemovals)
}
