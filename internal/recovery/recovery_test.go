package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/btrfs-scrub/internal/batch"
	"github.com/behrlich/btrfs-scrub/internal/blockdev"
	"github.com/behrlich/btrfs-scrub/internal/checksum"
	"github.com/behrlich/btrfs-scrub/internal/constants"
	"github.com/behrlich/btrfs-scrub/internal/pipeline"
	"github.com/behrlich/btrfs-scrub/internal/raidmap"
)

type fakeRereader struct {
	failDev uint64
	failAt  map[int64]bool
}

func (f *fakeRereader) RereadPage(ctx context.Context, devID uint64, physical int64, buf []byte) error {
	if devID == f.failDev && f.failAt[physical] {
		return errors.New("fake: page read failed")
	}
	return nil
}

func twoMirrorMapper(t *testing.T) raidmap.Mapper {
	t.Helper()
	return raidmap.NewStatic([]raidmap.Chunk{
		{
			Type:      raidmap.RAID1,
			LogicalAt: 0,
			Length:    1 << 20,
			StripeLen: 1 << 20,
			DevIDs:    []uint64{1, 2},
			PhysAt:    []int64{0, 0},
		},
	})
}

func TestRecoverUnverifiedOnTransientFailure(t *testing.T) {
	mapper := twoMirrorMapper(t)
	rereader := &fakeRereader{failDev: 99, failAt: map[int64]bool{}}
	rec := New(mapper, checksum.New(nil), rereader, nil, nil, nil)

	out, err := rec.Recover(context.Background(), nil, 0, 4096, 0, checksum.Data, nil)
	require.NoError(t, err)
	require.Equal(t, StateOK, out.Final)
	require.True(t, out.Unverified)
}

func TestRecoverSuperBlockReportsOnly(t *testing.T) {
	var superErrors uint64
	mapper := twoMirrorMapper(t)
	rec := New(mapper, checksum.New(nil), nil, nil, nil, &superErrors)

	out, err := rec.Recover(context.Background(), nil, 0, 4096, 0, checksum.SuperBlock, nil)
	require.NoError(t, err)
	require.Equal(t, StateSuperReportOnly, out.Final)
	require.EqualValues(t, 1, superErrors)
}

func TestRecoverMallocErrorOnBadMirrorIndex(t *testing.T) {
	var mallocErrors uint64
	mapper := twoMirrorMapper(t)
	rereader := &fakeRereader{failDev: 1, failAt: map[int64]bool{0: true}}
	rec := New(mapper, checksum.New(nil), rereader, nil, &mallocErrors, nil)

	_, err := rec.Recover(context.Background(), nil, 0, 4096, 7, checksum.Data, nil)
	require.Error(t, err)
	require.EqualValues(t, 1, mallocErrors)
}

// twoDeviceHarness wires a real free-list pool + pipeline + repair writer
// over two blockdev.Fake devices, so the end-to-end tests below can
// confirm actual bytes landed on the bad mirror rather than just the
// Outcome bookkeeping (the gap that let rewriteBlockFrom's old no-op go
// unnoticed).
type twoDeviceHarness struct {
	dev1, dev2 *blockdev.Fake
	registry   blockdev.Registry
	rec        *Recoverer
}

func newTwoDeviceHarness(t *testing.T) *twoDeviceHarness {
	t.Helper()
	dev1 := blockdev.NewFake("mirror-1", 1<<20)
	dev2 := blockdev.NewFake("mirror-2", 1<<20)
	registry := blockdev.NewRegistry(map[uint64]blockdev.Device{1: dev1, 2: dev2})

	pool := batch.NewPool(4, constants.MaxPagesPerBatch)
	stats := &pipeline.Stats{}
	pl := pipeline.New(registry, pool, nil, stats)
	writer := batch.NewBuilder(pool, batch.Write, pl.Submit)

	rec := New(twoMirrorMapper(t), checksum.New(nil), blockdev.RegistryRereader{Registry: registry}, nil, nil, nil)
	rec.Writer = writer

	return &twoDeviceHarness{dev1: dev1, dev2: dev2, registry: registry, rec: rec}
}

func fillPage(b byte) []byte {
	buf := make([]byte, constants.PageSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// TestRecoverRepairBlockFromGoodMirrorWritesRealBytes is the S2 scenario
// (spec.md §8): mirror 1 is unreadable across the whole page, mirror 2 is
// clean, so REPAIR_BLOCK_FROM_GOOD should copy mirror 2's actual content
// onto mirror 1.
func TestRecoverRepairBlockFromGoodMirrorWritesRealBytes(t *testing.T) {
	h := newTwoDeviceHarness(t)
	good := fillPage(0xCD)
	h.dev2.Corrupt(0, good)
	h.dev1.FailReadRange(0, constants.PageSize)

	out, err := h.rec.Recover(context.Background(), nil, 0, constants.PageSize, 0, checksum.Data, nil)
	require.NoError(t, err)
	require.Equal(t, StateRepairBlockFromGood, out.Final)
	require.True(t, out.Corrected)

	h.dev1.ClearFailures()
	got := make([]byte, constants.PageSize)
	_, err = h.dev1.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, good, got)
}

// TestRecoverPagesOnlyWritesDisjointPages is the S3 scenario: mirror 1
// (the failing mirror under recovery) has a bad page 0, and mirror 2 has
// its own bad page 1 elsewhere in the block — so mirror 2 isn't entirely
// clean either, ruling out REPAIR_BLOCK_FROM_GOOD, but mirror 2's page 0
// is still clean, so REPAIR_PAGES_ONLY should patch mirror 1's page 0
// from it.
func TestRecoverPagesOnlyWritesDisjointPages(t *testing.T) {
	h := newTwoDeviceHarness(t)
	page0Good := fillPage(0x11)
	h.dev2.Corrupt(0, page0Good) // mirror 2's page 0 is clean

	h.dev1.FailReadRange(0, constants.PageSize)                          // mirror 1 page 0 bad
	h.dev2.FailReadRange(int64(constants.PageSize), constants.PageSize) // mirror 2 page 1 bad (its own fault)

	length := int64(2 * constants.PageSize)
	out, err := h.rec.Recover(context.Background(), nil, 0, length, 0, checksum.Data, nil)
	require.NoError(t, err)
	require.Equal(t, StateRepairPagesOnly, out.Final)
	require.True(t, out.Corrected)

	h.dev1.ClearFailures()

	got0 := make([]byte, constants.PageSize)
	_, err = h.dev1.ReadAt(got0, 0)
	require.NoError(t, err)
	require.Equal(t, page0Good, got0)
}

// TestRecoverUncorrectableWhenBothMirrorsBadOnSamePage is the S4
// scenario: the same page is unreadable on every mirror, so no repair is
// possible and neither device's bytes should change.
func TestRecoverUncorrectableWhenBothMirrorsBadOnSamePage(t *testing.T) {
	h := newTwoDeviceHarness(t)
	h.dev1.FailReadRange(0, constants.PageSize)
	h.dev2.FailReadRange(0, constants.PageSize)

	out, err := h.rec.Recover(context.Background(), nil, 0, constants.PageSize, 0, checksum.Data, nil)
	require.NoError(t, err)
	require.Equal(t, StateUncorrectable, out.Final)
	require.True(t, out.Uncorrectable)
	require.False(t, out.Corrected)
}
