package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/btrfs-scrub/internal/batch"
	"github.com/behrlich/btrfs-scrub/internal/block"
	"github.com/behrlich/btrfs-scrub/internal/blockdev"
	"github.com/behrlich/btrfs-scrub/internal/constants"
)

func newPage(devID uint64, physical int64) *block.Page {
	return &block.Page{DevID: devID, Physical: physical, Logical: physical, Buf: make([]byte, constants.PageSize)}
}

func TestSubmitReadSuccessCompletesBlock(t *testing.T) {
	dev := blockdev.NewFake("dev0", 1<<20)
	registry := blockdev.NewRegistry(map[uint64]blockdev.Device{0: dev})
	pool := batch.NewPool(2, constants.MaxPagesPerBatch)
	stats := &Stats{}
	pl := New(registry, pool, nil, stats)

	var completed bool
	p := newPage(0, 0)
	blk := block.New(0, 0, constants.PageSize, []*block.Page{p})
	blk.OnComplete = func(*block.Block) { completed = true }

	builder := batch.NewBuilder(pool, batch.Read, pl.Submit)
	require.NoError(t, builder.AddPage(context.Background(), p))
	require.NoError(t, builder.Flush(context.Background()))

	require.True(t, completed)
	require.Zero(t, stats.Snapshot().ReadErrors)
	require.Equal(t, int64(constants.PageSize), stats.Snapshot().BytesScrubbed)
}

func TestSubmitMissingDeviceCompletesSynchronouslyWithIOError(t *testing.T) {
	registry := blockdev.NewRegistry(map[uint64]blockdev.Device{})
	pool := batch.NewPool(1, constants.MaxPagesPerBatch)
	stats := &Stats{}
	pl := New(registry, pool, nil, stats)

	p := newPage(42, 0)
	blk := block.New(42, 0, constants.PageSize, []*block.Page{p})

	builder := batch.NewBuilder(pool, batch.Read, pl.Submit)
	require.NoError(t, builder.AddPage(context.Background(), p))
	require.NoError(t, builder.Flush(context.Background()))

	require.True(t, p.IOError)
	require.True(t, blk.HadIOError())
	require.EqualValues(t, 1, stats.Snapshot().ReadErrors)
}

func TestSubmitReadErrorMarksPagesAndBlock(t *testing.T) {
	dev := blockdev.NewFake("dev0", 1<<20)
	dev.FailReadRange(0, constants.PageSize)
	registry := blockdev.NewRegistry(map[uint64]blockdev.Device{0: dev})
	pool := batch.NewPool(1, constants.MaxPagesPerBatch)
	stats := &Stats{}
	pl := New(registry, pool, nil, stats)

	p := newPage(0, 0)
	blk := block.New(0, 0, constants.PageSize, []*block.Page{p})

	builder := batch.NewBuilder(pool, batch.Read, pl.Submit)
	require.NoError(t, builder.AddPage(context.Background(), p))
	require.NoError(t, builder.Flush(context.Background()))

	require.True(t, p.IOError)
	require.True(t, blk.HadIOError())
}

func TestPaceReleasesImmediatelyWithNoRateController(t *testing.T) {
	dev := blockdev.NewFake("dev0", 1<<20)
	registry := blockdev.NewRegistry(map[uint64]blockdev.Device{0: dev})
	pool := batch.NewPool(1, constants.MaxPagesPerBatch)
	stats := &Stats{}
	pl := New(registry, pool, nil, stats)

	p := newPage(0, 0)
	block.New(0, 0, constants.PageSize, []*block.Page{p})

	builder := batch.NewBuilder(pool, batch.Read, pl.Submit)
	require.NoError(t, builder.AddPage(context.Background(), p))
	require.NoError(t, builder.Flush(context.Background()))

	// With no rate controller, pace() releases synchronously: a second
	// Acquire should succeed immediately without blocking.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(b)
}
