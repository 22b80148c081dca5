package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	s := openTemp(t)

	snap := Snapshot{
		DeviceID:          1,
		LastPhysical:      1 << 20,
		DataBytesScrubbed: 512 * 1024,
		CorrectedErrors:   2,
		UpdatedAt:         time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, s.Save(snap))

	got, ok, err := s.Load(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap.LastPhysical, got.LastPhysical)
	require.Equal(t, snap.DataBytesScrubbed, got.DataBytesScrubbed)
	require.Equal(t, snap.CorrectedErrors, got.CorrectedErrors)
	require.True(t, snap.UpdatedAt.Equal(got.UpdatedAt))
}

func TestLoadMissingDeviceReturnsNotOK(t *testing.T) {
	s := openTemp(t)
	_, ok, err := s.Load(99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveOverwritesPriorSnapshot(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Save(Snapshot{DeviceID: 1, LastPhysical: 100}))
	require.NoError(t, s.Save(Snapshot{DeviceID: 1, LastPhysical: 200}))

	got, ok, err := s.Load(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 200, got.LastPhysical)
}

func TestDeleteRemovesCheckpoint(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Save(Snapshot{DeviceID: 1, LastPhysical: 100}))
	require.NoError(t, s.Delete(1))

	_, ok, err := s.Load(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteNonexistentDeviceIsNotAnError(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Delete(42))
}

func TestSnapshotsAreIndependentPerDevice(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Save(Snapshot{DeviceID: 1, LastPhysical: 10}))
	require.NoError(t, s.Save(Snapshot{DeviceID: 2, LastPhysical: 20}))

	got1, ok, err := s.Load(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 10, got1.LastPhysical)

	got2, ok, err := s.Load(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 20, got2.LastPhysical)
}
