package replace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/btrfs-scrub/internal/batch"
	"github.com/behrlich/btrfs-scrub/internal/blockdev"
	"github.com/behrlich/btrfs-scrub/internal/constants"
	"github.com/behrlich/btrfs-scrub/internal/pipeline"
)

func newTestWriter(t *testing.T) (*Writer, *blockdev.Fake) {
	t.Helper()
	target := blockdev.NewFake("replacement", 1<<20)
	registry := blockdev.NewRegistry(map[uint64]blockdev.Device{7: target})
	pool := batch.NewPool(4, constants.MaxPagesPerBatch)
	stats := &pipeline.Stats{}
	pl := pipeline.New(registry, pool, nil, stats)
	builder := batch.NewBuilder(pool, batch.Write, pl.Submit)
	return New(builder, 7), target
}

func TestWritePagesCopiesGoodContent(t *testing.T) {
	w, target := newTestWriter(t)
	content := make([]byte, constants.PageSize)
	for i := range content {
		content[i] = byte(i)
	}

	err := w.WritePages(context.Background(), []PagePlan{
		{Logical: 0, TargetPhysical: 0, Buf: content},
	})
	require.NoError(t, err)
	require.Zero(t, w.ZeroFills())

	got := make([]byte, constants.PageSize)
	_, err = target.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestWritePagesZeroFillsMissingSourceAndCountsIt(t *testing.T) {
	w, target := newTestWriter(t)

	err := w.WritePages(context.Background(), []PagePlan{
		{Logical: 0, TargetPhysical: 0, Buf: nil},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, w.ZeroFills())

	got := make([]byte, constants.PageSize)
	_, err = target.ReadAt(got, 0)
	require.NoError(t, err)
	for _, b := range got {
		require.Zero(t, b)
	}
}

func TestWritePagesMixedPlan(t *testing.T) {
	w, _ := newTestWriter(t)
	content := make([]byte, constants.PageSize)
	content[0] = 0xAB

	err := w.WritePages(context.Background(), []PagePlan{
		{Logical: 0, TargetPhysical: 0, Buf: content},
		{Logical: int64(constants.PageSize), TargetPhysical: int64(constants.PageSize), Buf: nil},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, w.ZeroFills())
}
