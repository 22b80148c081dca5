package walker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/btrfs-scrub/internal/batch"
	"github.com/behrlich/btrfs-scrub/internal/blockdev"
	"github.com/behrlich/btrfs-scrub/internal/checksum"
	"github.com/behrlich/btrfs-scrub/internal/constants"
	"github.com/behrlich/btrfs-scrub/internal/metatree"
	"github.com/behrlich/btrfs-scrub/internal/pipeline"
	"github.com/behrlich/btrfs-scrub/internal/raidmap"
	"github.com/behrlich/btrfs-scrub/internal/recovery"
)

// buildCleanRAID1 constructs a two-mirror device pair with four identical
// 128 KiB data extents and matching checksums, the S1 scenario (§8).
func buildCleanRAID1(t *testing.T) (*Walker, *pipeline.Stats) {
	t.Helper()

	devSize := int64(1 << 21) // 2 MiB
	devA := blockdev.NewFake("devA", devSize)
	devB := blockdev.NewFake("devB", devSize)
	registry := blockdev.NewRegistry(map[uint64]blockdev.Device{0: devA, 1: devB})

	chunk := raidmap.Chunk{
		Type:      raidmap.RAID1,
		LogicalAt: 0,
		Length:    devSize,
		StripeLen: devSize,
		DevIDs:    []uint64{0, 1},
		PhysAt:    []int64{0, 0},
	}
	mapper := raidmap.NewStatic([]raidmap.Chunk{chunk})

	root := metatree.NewFake([16]byte{1}, [16]byte{2})
	const extentLen = 128 * 1024
	content := make([]byte, extentLen)
	for i := range content {
		content[i] = byte(i)
	}
	sectorSize := constants.PageSize
	for i := 0; i < 4; i++ {
		logical := int64(i) * extentLen
		root.AddExtent(metatree.Extent{Logical: logical, Length: extentLen, Flags: metatree.ExtentData, Generation: 1})
		for off := int64(0); off < extentLen; off += int64(sectorSize) {
			sum := checksum.Sum(content[off : off+int64(sectorSize)])
			root.SetCsum(logical+off, sum)
		}
		_, err := devA.WriteAt(content, logical)
		require.NoError(t, err)
		_, err = devB.WriteAt(content, logical)
		require.NoError(t, err)
	}

	pool := batch.NewPool(4, constants.MaxPagesPerBatch)
	stats := &pipeline.Stats{}
	pl := pipeline.New(registry, pool, nil, stats)
	builder := batch.NewBuilder(pool, batch.Read, pl.Submit)
	verifier := checksum.New(root)

	w := New(0, mapper, root, builder, verifier, nil, nil, nil, nil, nil, stats, sectorSize, 16384, 8)
	return w, stats
}

func TestWalkCleanRAID1ScrubsAllExtentsNoErrors(t *testing.T) {
	w, stats := buildCleanRAID1(t)
	err := w.Walk(context.Background(), 0, 4*128*1024)
	require.NoError(t, err)
	require.NoError(t, w.Builder.Flush(context.Background()))

	snap := stats.Snapshot()
	require.EqualValues(t, 4*128*1024, snap.BytesScrubbed)
	require.Zero(t, snap.ReadErrors)
}

func TestWalkZeroLengthRangeIsNoOp(t *testing.T) {
	w, stats := buildCleanRAID1(t)
	err := w.Walk(context.Background(), 100, 100)
	require.NoError(t, err)
	snap := stats.Snapshot()
	require.Zero(t, snap.BytesScrubbed)
}

// buildRAID1WithRecovery is buildCleanRAID1 plus a real Recoverer wired
// with a write-direction builder and a registry-backed rereader, so a
// corrupted mirror actually gets repaired on disk rather than merely
// reported.
func buildRAID1WithRecovery(t *testing.T) (*Walker, *pipeline.Stats, *blockdev.Fake, *blockdev.Fake) {
	t.Helper()

	devSize := int64(1 << 21)
	devA := blockdev.NewFake("devA", devSize)
	devB := blockdev.NewFake("devB", devSize)
	registry := blockdev.NewRegistry(map[uint64]blockdev.Device{0: devA, 1: devB})

	chunk := raidmap.Chunk{
		Type:      raidmap.RAID1,
		LogicalAt: 0,
		Length:    devSize,
		StripeLen: devSize,
		DevIDs:    []uint64{0, 1},
		PhysAt:    []int64{0, 0},
	}
	mapper := raidmap.NewStatic([]raidmap.Chunk{chunk})

	root := metatree.NewFake([16]byte{1}, [16]byte{2})
	const extentLen = 128 * 1024
	content := make([]byte, extentLen)
	for i := range content {
		content[i] = byte(i)
	}
	sectorSize := constants.PageSize
	for i := 0; i < 4; i++ {
		logical := int64(i) * extentLen
		root.AddExtent(metatree.Extent{Logical: logical, Length: extentLen, Flags: metatree.ExtentData, Generation: 1})
		for off := int64(0); off < extentLen; off += int64(sectorSize) {
			sum := checksum.Sum(content[off : off+int64(sectorSize)])
			root.SetCsum(logical+off, sum)
		}
		_, err := devA.WriteAt(content, logical)
		require.NoError(t, err)
		_, err = devB.WriteAt(content, logical)
		require.NoError(t, err)
	}

	pool := batch.NewPool(4, constants.MaxPagesPerBatch)
	stats := &pipeline.Stats{}
	pl := pipeline.New(registry, pool, nil, stats)
	readBuilder := batch.NewBuilder(pool, batch.Read, pl.Submit)
	writeBuilder := batch.NewBuilder(pool, batch.Write, pl.Submit)
	verifier := checksum.New(root)

	rec := recovery.New(mapper, verifier, blockdev.RegistryRereader{Registry: registry}, nil, nil, nil)
	rec.Writer = writeBuilder

	w := New(0, mapper, root, readBuilder, verifier, rec, nil, nil, nil, nil, stats, sectorSize, 16384, 8)
	return w, stats, devA, devB
}

// TestWalkRepairsCorruptMirrorAndPersistsBytes is the S2 scenario (§8):
// one mirror's page is unreadable, the other mirror is clean, so the
// walker's recovery path should rewrite the bad mirror with the clean
// mirror's actual content.
func TestWalkRepairsCorruptMirrorAndPersistsBytes(t *testing.T) {
	w, stats, devA, devB := buildRAID1WithRecovery(t)

	devA.FailReadRange(0, int64(constants.PageSize))

	err := w.Walk(context.Background(), 0, 128*1024)
	require.NoError(t, err)
	require.NoError(t, w.Builder.Flush(context.Background()))

	snap := stats.Snapshot()
	require.NotZero(t, snap.ReadErrors)

	devA.ClearFailures()
	want := make([]byte, constants.PageSize)
	_, err = devB.ReadAt(want, 0)
	require.NoError(t, err)
	got := make([]byte, constants.PageSize)
	_, err = devA.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
