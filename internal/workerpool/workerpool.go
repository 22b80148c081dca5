// Package workerpool implements the bounded worker pools described in
// spec.md §5 "Concurrency & Resource Model": a small pool dedicated to
// scrub completions, and separate pools for recovery and nocow-replacement
// work, so that metadata-transaction-heavy recovery/replace work never
// blocks the completion pool that keeps the batch free-list draining.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent execution of submitted tasks to a fixed size,
// using a weighted semaphore so Submit blocks (rather than queuing
// unboundedly) once the pool is saturated — the same backpressure the
// batch pool's free-list applies to page submission (internal/batch).
type Pool struct {
	sem  *semaphore.Weighted
	size int64
	grp  *errgroup.Group
}

// New builds a Pool that runs at most size tasks concurrently.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size), grp: &errgroup.Group{}}
}

// Submit blocks until a worker slot is free (or ctx is cancelled), then
// runs fn on that slot. The error, if any, is recorded by Wait, the way
// errgroup.Group.Go/Wait behaves.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.grp.Go(func() error {
		defer p.sem.Release(1)
		return fn(ctx)
	})
	return nil
}

// Wait blocks until every submitted task has returned, and reports the
// first non-nil error seen (if any), matching errgroup.Group.Wait.
func (p *Pool) Wait() error {
	return p.grp.Wait()
}

// Size reports the pool's fixed concurrency bound.
func (p *Pool) Size() int {
	return int(p.size)
}

// Pools groups the three pools named in §5: completions (draining
// pipeline batch completions), recovery (running the C5 state machine),
// and nocow (replace-mode writes, §9's write-pipeline context).
type Pools struct {
	Completions *Pool
	Recovery    *Pool
	NoCOW       *Pool
}

// NewPools builds the three named pools at the given sizes.
func NewPools(completionSize, recoverySize, nocowSize int) *Pools {
	return &Pools{
		Completions: New(completionSize),
		Recovery:    New(recoverySize),
		NoCOW:       New(nocowSize),
	}
}

// WaitAll drains all three pools and returns the first error seen across
// any of them, in Completions/Recovery/NoCOW order.
func (p *Pools) WaitAll() error {
	if err := p.Completions.Wait(); err != nil {
		return err
	}
	if err := p.Recovery.Wait(); err != nil {
		return err
	}
	return p.NoCOW.Wait()
}
