// Package replace implements the replace-mode write pipeline (spec.md §9
// "Replace mode — variant that writes good data onto a replacement
// device rather than repairing the source", §5 "wr_lock protects the
// single in-flight write batch used by replace mode"). It is fed by
// internal/recovery's good-page selection: recovery decides which pages
// are good and which must be zero-filled (§4.5 "pages with no good
// source are written as zeros with the error counter incremented");
// this package owns the single in-flight write batch that actually gets
// those bytes onto the replacement target.
package replace

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/behrlich/btrfs-scrub/internal/batch"
	"github.com/behrlich/btrfs-scrub/internal/block"
	"github.com/behrlich/btrfs-scrub/internal/constants"
)

// PagePlan is one page's replace-mode write instruction: copy Buf (from a
// good mirror) to TargetPhysical on the replacement device, or, if Buf is
// nil, write a zero-filled page (no good source was found for it).
type PagePlan struct {
	Logical        int64
	TargetPhysical int64
	Buf            []byte
}

// Writer owns the replacement device's write-pipeline context: a single
// in-flight write batch guarded by wr_lock, so that two concurrent
// recovery completions never interleave their pages into the replacement
// target out of order.
type Writer struct {
	wrLock      sync.Mutex
	builder     *batch.Builder
	targetDevID uint64

	zeroFills int64
}

// New builds a Writer submitting to targetDevID through builder (whose
// underlying batch.Pool/pipeline.Pipeline must already route writes to
// that device).
func New(builder *batch.Builder, targetDevID uint64) *Writer {
	return &Writer{builder: builder, targetDevID: targetDevID}
}

// ZeroFills reports how many pages have been written as zero-fill
// because no good source page existed for them, across the Writer's
// lifetime — feeds the statistics record's error counters.
func (w *Writer) ZeroFills() int64 {
	return atomic.LoadInt64(&w.zeroFills)
}

// WritePages submits plans as the single in-flight replace-mode write
// batch, blocking any other caller's WritePages until this one's batch
// has been flushed. Order within plans is preserved; a nil Buf is
// expanded to a zero-filled page of constants.PageSize bytes.
func (w *Writer) WritePages(ctx context.Context, plans []PagePlan) error {
	w.wrLock.Lock()
	defer w.wrLock.Unlock()

	for _, p := range plans {
		buf := p.Buf
		if buf == nil {
			buf = make([]byte, constants.PageSize)
			atomic.AddInt64(&w.zeroFills, 1)
		}
		page := &block.Page{
			Buf:      buf,
			Logical:  p.Logical,
			Physical: p.TargetPhysical,
			DevID:    w.targetDevID,
		}
		// Each replace-mode page completes independently of any
		// recheck block from recovery, so it gets its own
		// single-page Block to satisfy the pipeline's
		// CompletePage/Release bookkeeping on completion.
		block.New(w.targetDevID, 0, int64(len(buf)), []*block.Page{page})
		if err := w.builder.AddPage(ctx, page); err != nil {
			return fmt.Errorf("replace: add_page target-physical %d: %w", p.TargetPhysical, err)
		}
	}
	return w.builder.Flush(ctx)
}
