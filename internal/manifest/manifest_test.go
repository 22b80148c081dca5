package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
devices:
  - device_id: 0
    sector_size: 4096
    node_size: 16384
    csum_size: 8
    mirrors:
      - dev_id: 0
        fake_size: 2097152
      - dev_id: 1
        fake_size: 2097152
    chunks:
      - type: raid1
        logical_at: 0
        length: 2097152
        stripe_len: 2097152
        dev_ids: [0, 1]
        phys_at: [0, 0]
    extents:
      - logical: 0
        length: 131072
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoadParsesDeviceLayout(t *testing.T) {
	m, err := Load(writeSample(t))
	require.NoError(t, err)
	require.Len(t, m.Devices, 1)
	require.Equal(t, uint64(0), m.Devices[0].DeviceID)
	require.Len(t, m.Devices[0].Mirrors, 2)
	require.Len(t, m.Devices[0].Chunks, 1)
	require.Equal(t, "raid1", m.Devices[0].Chunks[0].Type)
}

func TestIndexBuildsUsableResourcesWithContentAlreadyOnDisk(t *testing.T) {
	m, err := Load(writeSample(t))
	require.NoError(t, err)

	built, err := Index(m, [16]byte{1}, [16]byte{2})
	require.NoError(t, err)
	defer func() {
		for _, d := range built.Devices {
			d.Close()
		}
	}()

	res, ok := built.Provider.Resources(0)
	require.True(t, ok)

	// Index has already computed checksums from whatever was on disk at
	// index time (all zero bytes for a fresh fake). Writing zeros to
	// mirror 0 afterwards leaves that content unchanged, and the
	// checksum Index stored for the first sector is still returned.
	dev0, ok := res.Registry.Device(0)
	require.True(t, ok)
	content := make([]byte, 131072)
	_, err = dev0.WriteAt(content, 0)
	require.NoError(t, err)

	sums, err := res.Root.Csums(0, 4096, 4096)
	require.NoError(t, err)
	require.Len(t, sums, 1)
}

func TestIndexRejectsUnknownChunkType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - device_id: 0
    mirrors:
      - dev_id: 0
        fake_size: 4096
    chunks:
      - type: nonsense
        logical_at: 0
        length: 4096
        stripe_len: 4096
        dev_ids: [0]
        phys_at: [0]
`), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	_, err = Index(m, [16]byte{}, [16]byte{})
	require.Error(t, err)
}
