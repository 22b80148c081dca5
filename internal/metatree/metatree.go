// Package metatree is the consumed metadata-B-tree collaborator (spec.md
// §6: "metadata B-tree: search, next-leaf, next-item primitives over a
// commit-root view"). The on-disk B-tree itself is explicitly out of scope
// (spec.md §1); this package defines the narrow surface the extent walker
// and checksum verifier need from it, plus an in-memory fake used by tests
// and the stub engine.
package metatree

import "fmt"

// ExtentFlags classifies what an extent item covers.
type ExtentFlags uint32

const (
	ExtentData ExtentFlags = 1 << iota
	ExtentTreeBlock
)

// Extent describes one allocated range in the logical address space.
type Extent struct {
	Logical    int64
	Length     int64
	Flags      ExtentFlags
	Generation uint64
}

// End returns the exclusive end of the extent's logical range.
func (e Extent) End() int64 { return e.Logical + e.Length }

// Header carries the fields the checksum verifier (C4) cross-checks
// against a tree/super block's logical placement (§4.3).
type Header struct {
	Bytenr         int64
	Generation     uint64
	FSID           [16]byte
	ChunkTreeUUID  [16]byte
	Checksum       uint64
	NodeOrSectSize int
}

// CommitRoot is the stable, snapshot-isolated view of filesystem metadata
// the extent walker searches (spec.md glossary: "Commit-root").
type CommitRoot interface {
	// ExtentsIn returns every extent item overlapping [start, end),
	// ordered by Logical ascending, trimmed to no wider than requested.
	ExtentsIn(start, end int64) ([]Extent, error)

	// Csums returns per-sector checksums covering [logical, logical+length).
	// Checksums are returned in sectorSize-sized chunks in logical order.
	Csums(logical, length int64, sectorSize int) ([]uint64, error)

	// TreeBlockHeader returns the header a tree-block at this logical
	// address is expected to carry.
	TreeBlockHeader(logical int64) (Header, error)

	// SuperBlockHeader returns the header for the super block at the
	// given physical offset on devID.
	SuperBlockHeader(devID uint64, physical int64) (Header, error)
}

// Fake is an in-memory CommitRoot used by tests; it is the scrub-domain
// analogue of go-ublk's stub backends.
type Fake struct {
	extents  []Extent
	csums    map[int64]uint64 // keyed by sector-aligned logical offset
	headers  map[int64]Header
	fsid     [16]byte
	chunkTSU [16]byte
}

// NewFake builds an empty fake commit-root with a fixed fsid/chunk-tree-uuid
// so header verification has something stable to compare against.
func NewFake(fsid, chunkTreeUUID [16]byte) *Fake {
	return &Fake{
		csums:    make(map[int64]uint64),
		headers:  make(map[int64]Header),
		fsid:     fsid,
		chunkTSU: chunkTreeUUID,
	}
}

// AddExtent registers an allocated extent.
func (f *Fake) AddExtent(e Extent) { f.extents = append(f.extents, e) }

// SetCsum records the checksum for one sector-aligned logical offset.
func (f *Fake) SetCsum(logical int64, csum uint64) { f.csums[logical] = csum }

// SetHeader records the expected tree/super header at a logical/physical
// address (callers key tree-block headers by logical, super headers by a
// negative/offset key space chosen by the test).
func (f *Fake) SetHeader(key int64, h Header) {
	h.FSID = f.fsid
	h.ChunkTreeUUID = f.chunkTSU
	f.headers[key] = h
}

func (f *Fake) ExtentsIn(start, end int64) ([]Extent, error) {
	var out []Extent
	for _, e := range f.extents {
		if e.End() <= start || e.Logical >= end {
			continue
		}
		trimmed := e
		if trimmed.Logical < start {
			trimmed.Length -= start - trimmed.Logical
			trimmed.Logical = start
		}
		if trimmed.End() > end {
			trimmed.Length = end - trimmed.Logical
		}
		out = append(out, trimmed)
	}
	return out, nil
}

func (f *Fake) Csums(logical, length int64, sectorSize int) ([]uint64, error) {
	var out []uint64
	for off := logical; off < logical+length; off += int64(sectorSize) {
		aligned := off - off%int64(sectorSize)
		c, ok := f.csums[aligned]
		if !ok {
			return nil, fmt.Errorf("metatree: no csum for logical %d", aligned)
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *Fake) TreeBlockHeader(logical int64) (Header, error) {
	h, ok := f.headers[logical]
	if !ok {
		return Header{}, fmt.Errorf("metatree: no header at logical %d", logical)
	}
	return h, nil
}

func (f *Fake) SuperBlockHeader(devID uint64, physical int64) (Header, error) {
	key := -(int64(devID)<<40 | physical)
	h, ok := f.headers[key]
	if !ok {
		return Header{}, fmt.Errorf("metatree: no super header for dev %d @ %d", devID, physical)
	}
	return h, nil
}

var _ CommitRoot = (*Fake)(nil)
