package scrub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/btrfs-scrub/internal/blockdev"
	"github.com/behrlich/btrfs-scrub/internal/checksum"
	"github.com/behrlich/btrfs-scrub/internal/constants"
	"github.com/behrlich/btrfs-scrub/internal/logging"
	"github.com/behrlich/btrfs-scrub/internal/metatree"
	"github.com/behrlich/btrfs-scrub/internal/raidmap"
)

// buildCleanDeviceResources builds a two-mirror device pair with four
// identical 128 KiB data extents and matching checksums, mirroring the
// walker package's own S1 scenario fixture.
func buildCleanDeviceResources(t *testing.T) (DeviceResources, int64) {
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
	const numExtents = 4
	for i := 0; i < numExtents; i++ {
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

	return DeviceResources{
		Mapper:     mapper,
		Root:       root,
		Registry:   registry,
		SectorSize: sectorSize,
		NodeSize:   16384,
		CsumSize:   8,
	}, numExtents * extentLen
}

// buildDeviceResourcesWithFakes is buildCleanDeviceResources but also hands
// back the underlying *blockdev.Fake devices, so a caller can corrupt one
// mirror and, after a repair run, re-read its raw bytes to confirm the scrub
// actually wrote a fix rather than merely reporting one.
func buildDeviceResourcesWithFakes(t *testing.T) (DeviceResources, int64, *blockdev.Fake, *blockdev.Fake) {
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
	const numExtents = 4
	for i := 0; i < numExtents; i++ {
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

	res := DeviceResources{
		Mapper:     mapper,
		Root:       root,
		Registry:   registry,
		SectorSize: sectorSize,
		NodeSize:   16384,
		CsumSize:   8,
	}
	return res, numExtents * extentLen, devA, devB
}

func testLogger() *logging.RateLimited {
	return logging.NewRateLimited(logging.Default(), 0)
}

func TestNewDeviceRejectsUnknownDevice(t *testing.T) {
	res, _ := buildCleanDeviceResources(t)
	req := StartRequest{DeviceID: 99, StartLogical: 0, EndLogical: 1024, ReadOnly: true}

	_, err := newDevice("h1", req, res, nil, nil, nil, testLogger(), nil)
	require.Error(t, err)

	var sErr *Error
	require.ErrorAs(t, err, &sErr)
	require.Equal(t, CodeInvalidArgument, sErr.Code)
}

func TestNewDeviceRejectsInvertedRange(t *testing.T) {
	res, _ := buildCleanDeviceResources(t)
	req := StartRequest{DeviceID: 0, StartLogical: 1024, EndLogical: 0, ReadOnly: true}

	_, err := newDevice("h1", req, res, nil, nil, nil, testLogger(), nil)
	require.Error(t, err)
}

func TestDeviceRunScrubsCleanRAID1(t *testing.T) {
	res, total := buildCleanDeviceResources(t)
	req := StartRequest{DeviceID: 0, StartLogical: 0, EndLogical: total, ReadOnly: true}

	d, err := newDevice("h1", req, res, nil, nil, nil, testLogger(), nil)
	require.NoError(t, err)
	require.Equal(t, DeviceStateCreated, d.State())

	err = d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, DeviceStateCompleted, d.State())

	snap := d.Progress()
	require.EqualValues(t, total, snap.DataBytesScrubbed)
	require.Zero(t, snap.ReadErrors)
}

// TestDeviceRunRepairsCorruptMirrorAndPersistsBytes is the S2 scenario (§8)
// exercised at the full Device.Run level: mirror 0's first page is
// unreadable, mirror 1 is clean, and a read-write scrub run should rewrite
// mirror 0 with mirror 1's actual bytes rather than merely counting an
// error.
func TestDeviceRunRepairsCorruptMirrorAndPersistsBytes(t *testing.T) {
	res, total, devA, devB := buildDeviceResourcesWithFakes(t)
	devA.FailReadRange(0, int64(constants.PageSize))

	req := StartRequest{DeviceID: 0, StartLogical: 0, EndLogical: total, ReadOnly: false}
	d, err := newDevice("h1", req, res, nil, nil, nil, testLogger(), nil)
	require.NoError(t, err)

	err = d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, DeviceStateCompleted, d.State())

	snap := d.Progress()
	require.NotZero(t, snap.ReadErrors)
	require.NotZero(t, snap.CorrectedErrors)

	devA.ClearFailures()
	want := make([]byte, constants.PageSize)
	_, err = devB.ReadAt(want, 0)
	require.NoError(t, err)
	got := make([]byte, constants.PageSize)
	_, err = devA.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDeviceRunReportsCancellation(t *testing.T) {
	res, total := buildCleanDeviceResources(t)
	req := StartRequest{DeviceID: 0, StartLogical: 0, EndLogical: total, ReadOnly: true}

	signal := deviceSignal{c: newControl(), deviceID: 0}
	signal.c.cancelledAll.Store(true)

	d, err := newDevice("h1", req, res, nil, nil, signal, testLogger(), nil)
	require.NoError(t, err)

	err = d.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, DeviceStateCancelled, d.State())

	var sErr *Error
	require.ErrorAs(t, err, &sErr)
	require.Equal(t, CodeCancelled, sErr.Code)
}
