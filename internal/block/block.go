// Package block implements the Page-entry and Block entities (C1, §3).
package block

import (
	"sync"
	"sync/atomic"
)

// Page is a fixed-size unit of one mirror's data (§3 "Page-entry").
type Page struct {
	// Block is the owning Block; every Page belongs to exactly one (I1).
	Block *Block

	Buf []byte // owned page buffer

	DevID  uint64
	Mirror int

	Logical       int64
	Physical      int64
	ReplacePhys   int64 // replacement-target physical address, replace mode only
	HasReplaceLoc bool

	ExtentFlags uint32
	Generation  uint64
	Csum        uint64
	HaveCsum    bool
	IOError     bool

	refcount int32
}

// Release decrements the page's refcount; at zero its buffer is dropped
// (I5: Block/Page lifetimes extend past their last I/O completion by
// refcount).
func (p *Page) Release() {
	if atomic.AddInt32(&p.refcount, -1) == 0 {
		p.Buf = nil
	}
}

// Retain increments the page's refcount; used when a completion worker and
// the recovery state machine both need to keep a page alive.
func (p *Page) Retain() {
	atomic.AddInt32(&p.refcount, 1)
}

// PhysTail/LogTail return the physical/logical byte offset the next page
// would occupy if it continued the contiguous run ending at this page
// (used by the batch builder's contiguity rule, §4.1).
func (p *Page) PhysTail(pageSize int64) int64 { return p.Physical + pageSize }
func (p *Page) LogTail(pageSize int64) int64  { return p.Logical + pageSize }

// Block is an ordered sequence of Page-entries representing one mirror of
// one logical node/leaf/sector (§3 "Block").
type Block struct {
	mu sync.Mutex

	Pages []*Page

	DevID  uint64
	Mirror int
	Length int64 // bytes

	// outstanding is decremented by each page completion; on transition to
	// zero, block-complete (C4/C5) runs exactly once (I2, "Ordering
	// guarantee" §4.2).
	outstanding int32

	refcount int32

	// Sticky flags (I3, I4).
	HeaderError     bool
	ChecksumError   bool
	GenerationError bool
	NoIOErrorSeen   bool // monotonically cleared, never set back to true

	// OnComplete is invoked exactly once, on the goroutine that drives the
	// last outstanding-page decrement to zero.
	OnComplete func(b *Block)

	completeOnce sync.Once
}

// New creates a Block for a mirror with the given pages pre-populated with
// their Block backpointer and a starting refcount of 1 per page plus one
// for the walker's own hold.
func New(devID uint64, mirror int, length int64, pages []*Page) *Block {
	b := &Block{
		DevID:         devID,
		Mirror:        mirror,
		Length:        length,
		Pages:         pages,
		NoIOErrorSeen: true,
		refcount:      1,
	}
	for _, p := range pages {
		p.Block = b
		p.Mirror = mirror
		p.DevID = devID
		p.refcount = 1
	}
	b.outstanding = int32(len(pages))
	return b
}

// Outstanding returns the number of pages still in flight (I2).
func (b *Block) Outstanding() int32 { return atomic.LoadInt32(&b.outstanding) }

// MarkIOError flags every page in the block with io_error and clears
// no_io_error_seen (C3 completion step a).
func (b *Block) MarkIOError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.Pages {
		p.IOError = true
	}
	b.NoIOErrorSeen = false
}

// ClearNoIOErrorSeen clears the sticky no_io_error_seen flag for this
// block without touching any individual page's io_error bit — used by
// the completion path, which marks only the pages actually in the
// failed batch (C3 completion step a), unlike MarkIOError which marks
// every page in the block.
func (b *Block) ClearNoIOErrorSeen() {
	b.mu.Lock()
	b.NoIOErrorSeen = false
	b.mu.Unlock()
}

// CompletePage decrements outstanding for one page and, on the transition
// to zero, invokes OnComplete exactly once (C3 completion step b, "Ordering
// guarantee" in §4.2/§5).
func (b *Block) CompletePage() {
	if atomic.AddInt32(&b.outstanding, -1) == 0 {
		b.completeOnce.Do(func() {
			if b.OnComplete != nil {
				b.OnComplete(b)
			}
		})
	}
}

// Retain increments the block's refcount.
func (b *Block) Retain() { atomic.AddInt32(&b.refcount, 1) }

// Release decrements the block's refcount; callers that hold the last
// reference are responsible for dropping their pointer afterwards (I5).
func (b *Block) Release() int32 { return atomic.AddInt32(&b.refcount, -1) }

// SetHeaderError sets the sticky header_error flag (I3: only ever set after
// the verifier actually ran and failed — callers are trusted to respect
// that).
func (b *Block) SetHeaderError() {
	b.mu.Lock()
	b.HeaderError = true
	b.mu.Unlock()
}

// SetChecksumError sets the sticky checksum_error flag.
func (b *Block) SetChecksumError() {
	b.mu.Lock()
	b.ChecksumError = true
	b.mu.Unlock()
}

// SetGenerationError sets the sticky generation_error flag.
func (b *Block) SetGenerationError() {
	b.mu.Lock()
	b.GenerationError = true
	b.mu.Unlock()
}

// HasVerifyError reports whether any of the sticky verify flags are set.
func (b *Block) HasVerifyError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.HeaderError || b.ChecksumError || b.GenerationError
}

// HadIOError reports whether any page in the block ever failed I/O.
func (b *Block) HadIOError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.NoIOErrorSeen
}
