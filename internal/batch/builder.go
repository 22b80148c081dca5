package batch

import (
	"context"
	"fmt"

	"github.com/behrlich/btrfs-scrub/internal/block"
)

// SubmitFunc hands a filled batch off to the submission & completion
// pipeline (C3). It must not block the caller indefinitely; batch.Builder
// treats a non-nil error as a hard failure of the add_page call that
// triggered the submit.
type SubmitFunc func(ctx context.Context, b *Batch) error

// Builder implements add_page (C2, §4.1): it owns at most one "current"
// batch at a time and coalesces physically/logically contiguous pages into
// it, submitting and retrying when a page doesn't fit.
type Builder struct {
	pool   *Pool
	submit SubmitFunc
	dir    Direction

	curr *Batch
}

// NewBuilder creates a Builder over pool that submits completed batches via
// submit.
func NewBuilder(pool *Pool, dir Direction, submit SubmitFunc) *Builder {
	return &Builder{pool: pool, submit: submit, dir: dir}
}

// AddPage appends page to the current batch, acquiring one from the pool if
// none is open. If the page isn't contiguous with the current batch's tail
// or the batch is full, the current batch is submitted first and a fresh
// one is acquired — "submit-then-retry" per §4.1.
func (bd *Builder) AddPage(ctx context.Context, p *block.Page) error {
	if bd.curr != nil && !bd.curr.Appendable(p) {
		if err := bd.flushCurrent(ctx); err != nil {
			return err
		}
	}

	if bd.curr == nil {
		b, err := bd.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("batch: add_page acquire: %w", err)
		}
		b.reset(p.DevID, bd.dir, p.Physical, p.Logical)
		bd.curr = b
	}

	if !bd.curr.Appendable(p) {
		// Capacity 1 below a single page: the transport cannot hold even
		// one page (§4.1 "Failure"). This should not occur since a freshly
		// acquired batch always accepts its first page, but guard anyway.
		return fmt.Errorf("batch: page at logical=%d physical=%d does not fit a fresh batch", p.Logical, p.Physical)
	}
	bd.curr.Append(p)

	if bd.curr.Full() {
		return bd.flushCurrent(ctx)
	}
	return nil
}

// flushCurrent submits the current batch, if any, and clears the slot.
func (bd *Builder) flushCurrent(ctx context.Context) error {
	b := bd.curr
	bd.curr = nil
	if b == nil {
		return nil
	}
	return bd.submit(ctx, b)
}

// Flush submits any partially-filled current batch. Callers (the extent
// walker) call this at pause points and at the end of a stripe so partial
// progress isn't stranded in the "current" slot.
func (bd *Builder) Flush(ctx context.Context) error {
	return bd.flushCurrent(ctx)
}
