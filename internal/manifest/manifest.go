// Package manifest loads an operator-supplied YAML description of a
// device's chunk layout and allocated extents, then indexes it: computing
// and recording the checksums/headers a real metadata B-tree would already
// carry. This is the generalized, daemon-facing form of the teacher's
// stub-backend pattern (testing.go) and internal/metatree's Fake — the
// on-disk B-tree itself stays out of scope (spec.md §1), but cmd/scrubd
// and cmd/scrubctl need *something* concrete to scrub that isn't a
// hand-built test fixture.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	scrub "github.com/behrlich/btrfs-scrub"
	"github.com/behrlich/btrfs-scrub/internal/blockdev"
	"github.com/behrlich/btrfs-scrub/internal/checksum"
	"github.com/behrlich/btrfs-scrub/internal/constants"
	"github.com/behrlich/btrfs-scrub/internal/metatree"
	"github.com/behrlich/btrfs-scrub/internal/raidmap"
)

// defaultSizes fills in sector/node/csum sizes a manifest left at zero,
// matching the values internal/walker's own tests use.
func defaultSizes(dm *DeviceManifest) {
	if dm.SectorSize == 0 {
		dm.SectorSize = constants.PageSize
	}
	if dm.NodeSize == 0 {
		dm.NodeSize = 16384
	}
	if dm.CsumSize == 0 {
		dm.CsumSize = 8
	}
}

// ChunkManifest describes one raidmap.Chunk in YAML form.
type ChunkManifest struct {
	Type      string   `yaml:"type"` // single|dup|raid0|raid1|raid10|raid5|raid6
	LogicalAt int64    `yaml:"logical_at"`
	Length    int64    `yaml:"length"`
	StripeLen int64    `yaml:"stripe_len"`
	DevIDs    []uint64 `yaml:"dev_ids"`
	PhysAt    []int64  `yaml:"phys_at"`
}

func (c ChunkManifest) chunkType() (raidmap.ChunkType, error) {
	switch c.Type {
	case "single":
		return raidmap.Single, nil
	case "dup":
		return raidmap.DUP, nil
	case "raid0":
		return raidmap.RAID0, nil
	case "raid1":
		return raidmap.RAID1, nil
	case "raid10":
		return raidmap.RAID10, nil
	case "raid5":
		return raidmap.RAID5, nil
	case "raid6":
		return raidmap.RAID6, nil
	default:
		return 0, fmt.Errorf("manifest: unknown chunk type %q", c.Type)
	}
}

// ExtentManifest describes one allocated extent and, for tree blocks, the
// generation a real extent-tree item would carry.
type ExtentManifest struct {
	Logical    int64  `yaml:"logical"`
	Length     int64  `yaml:"length"`
	TreeBlock  bool   `yaml:"tree_block"`
	Generation uint64 `yaml:"generation"`
}

// DeviceManifest describes one device_id's layout: its block devices (real
// paths, or sized fakes when Path is empty), RAID chunk layout, and
// allocated extents.
type DeviceManifest struct {
	DeviceID   uint64           `yaml:"device_id"`
	SectorSize int              `yaml:"sector_size"`
	NodeSize   int              `yaml:"node_size"`
	CsumSize   int              `yaml:"csum_size"`
	Mirrors    []MirrorManifest `yaml:"mirrors"`
	Chunks     []ChunkManifest  `yaml:"chunks"`
	Extents    []ExtentManifest `yaml:"extents"`
}

// MirrorManifest describes one physical device backing a chunk's DevIDs.
type MirrorManifest struct {
	DevID uint64 `yaml:"dev_id"`
	Path  string `yaml:"path"`      // real block device or file; empty => fake
	Size  int64  `yaml:"fake_size"` // used only when Path == ""
	Name  string `yaml:"name"`      // logging label; defaults to Path or a generated name
}

// Manifest is the top-level YAML document: one entry per device_id.
type Manifest struct {
	Devices []DeviceManifest `yaml:"devices"`
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return &m, nil
}

// Built holds everything Index produced: a ResourceProvider ready to hand
// to an Engine, plus the opened devices so the caller can close them on
// shutdown.
type Built struct {
	Provider scrub.ResourceProvider
	Devices  []blockdev.Device
}

type staticProvider struct {
	resources map[uint64]scrub.DeviceResources
}

func (p *staticProvider) Resources(deviceID uint64) (scrub.DeviceResources, bool) {
	r, ok := p.resources[deviceID]
	return r, ok
}

// Index builds DeviceResources for every device in m, opening real block
// devices where a mirror's Path is set and fakes otherwise, then computes
// and records the checksums (and, for tree blocks, headers) each extent's
// primary mirror already carries on disk — the indexing pass a real
// extent-tree lookup would make unnecessary.
func Index(m *Manifest, fsid, chunkTreeUUID [16]byte) (*Built, error) {
	resources := make(map[uint64]scrub.DeviceResources, len(m.Devices))
	var opened []blockdev.Device

	for _, dm := range m.Devices {
		defaultSizes(&dm)
		devices := make(map[uint64]blockdev.Device, len(dm.Mirrors))
		for _, mm := range dm.Mirrors {
			dev, err := openMirror(mm)
			if err != nil {
				closeAll(opened)
				return nil, err
			}
			devices[mm.DevID] = dev
			opened = append(opened, dev)
		}
		registry := blockdev.NewRegistry(devices)

		chunks := make([]raidmap.Chunk, 0, len(dm.Chunks))
		for _, cm := range dm.Chunks {
			ct, err := cm.chunkType()
			if err != nil {
				closeAll(opened)
				return nil, err
			}
			chunks = append(chunks, raidmap.Chunk{
				Type: ct, LogicalAt: cm.LogicalAt, Length: cm.Length,
				StripeLen: cm.StripeLen, DevIDs: cm.DevIDs, PhysAt: cm.PhysAt,
			})
		}
		mapper := raidmap.NewStatic(chunks)

		root := metatree.NewFake(fsid, chunkTreeUUID)
		for _, em := range dm.Extents {
			flags := metatree.ExtentData
			if em.TreeBlock {
				flags = metatree.ExtentTreeBlock
			}
			root.AddExtent(metatree.Extent{Logical: em.Logical, Length: em.Length, Flags: flags, Generation: em.Generation})
			if err := indexExtent(root, mapper, registry, em, dm.SectorSize, dm.NodeSize, dm.CsumSize); err != nil {
				closeAll(opened)
				return nil, err
			}
		}

		resources[dm.DeviceID] = scrub.DeviceResources{
			Mapper: mapper, Root: root, Registry: registry,
			SectorSize: dm.SectorSize, NodeSize: dm.NodeSize, CsumSize: dm.CsumSize,
			FSID: fsid, ChunkTreeUUID: chunkTreeUUID,
		}
	}

	return &Built{Provider: &staticProvider{resources: resources}, Devices: opened}, nil
}

func openMirror(mm MirrorManifest) (blockdev.Device, error) {
	if mm.Path == "" {
		name := mm.Name
		if name == "" {
			name = fmt.Sprintf("fake-%d", mm.DevID)
		}
		return blockdev.NewFake(name, mm.Size), nil
	}
	dev, err := blockdev.OpenOnDisk(mm.Path, true)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", mm.Path, err)
	}
	return dev, nil
}

func closeAll(devs []blockdev.Device) {
	for _, d := range devs {
		_ = d.Close()
	}
}

// indexExtent reads the primary mirror's on-disk bytes for em and records
// the checksums (data extents) or header (tree-block extents) that a real
// extent-tree/csum-tree would already have on file.
func indexExtent(root *metatree.Fake, mapper raidmap.Mapper, registry blockdev.Registry, em ExtentManifest, sectorSize, nodeSize, csumSize int) error {
	if em.TreeBlock {
		buf, err := readPrimary(mapper, registry, em.Logical, int64(nodeSize))
		if err != nil {
			return fmt.Errorf("manifest: index tree block at %d: %w", em.Logical, err)
		}
		if len(buf) < csumSize {
			return fmt.Errorf("manifest: tree block at %d shorter than csum_size", em.Logical)
		}
		root.SetHeader(em.Logical, metatree.Header{
			Bytenr: em.Logical, Generation: em.Generation,
			Checksum: checksum.Sum(buf[csumSize:]), NodeOrSectSize: nodeSize,
		})
		return nil
	}

	for off := em.Logical; off < em.Logical+em.Length; off += int64(sectorSize) {
		buf, err := readPrimary(mapper, registry, off, int64(sectorSize))
		if err != nil {
			return fmt.Errorf("manifest: index data sector at %d: %w", off, err)
		}
		root.SetCsum(off, checksum.Sum(buf))
	}
	return nil
}

func readPrimary(mapper raidmap.Mapper, registry blockdev.Registry, logical, length int64) ([]byte, error) {
	mapping, err := mapper.Map(logical, length)
	if err != nil {
		return nil, err
	}
	if len(mapping.Stripes) == 0 {
		return nil, fmt.Errorf("manifest: no stripes for logical %d", logical)
	}
	stripe := mapping.Stripes[0]
	dev, ok := registry.Device(stripe.DevID)
	if !ok {
		return nil, fmt.Errorf("manifest: device %d not in registry", stripe.DevID)
	}
	buf := make([]byte, length)
	if _, err := dev.ReadAt(buf, stripe.Physical); err != nil {
		return nil, err
	}
	return buf, nil
}
