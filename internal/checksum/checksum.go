// Package checksum implements the checksum & header verifier (C4, §4.3).
// It streams page bytes through the checksum function and validates
// tree-block/super-block headers, setting the sticky flags §3 defines on a
// Block.
package checksum

import (
	"github.com/cespare/xxhash/v2"

	"github.com/behrlich/btrfs-scrub/internal/block"
	"github.com/behrlich/btrfs-scrub/internal/metatree"
)

// Flavor selects which of the three checksum shapes applies (§4.3).
type Flavor int

const (
	Data Flavor = iota
	TreeBlock
	SuperBlock
)

// Sum computes the checksum function used throughout the engine. The
// spec leaves the concrete function unspecified beyond "the checksum
// function"; xxhash64 (already in the example pack via aistore) is fast
// enough to run inline on the hot completion path.
func Sum(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Target bundles what Verify needs to know about the logical item a Block
// represents, beyond what's already on its pages.
type Target struct {
	Flavor        Flavor
	Logical       int64
	DevID         uint64
	Physical      int64 // super-block flavor only
	Generation    uint64
	FSID          [16]byte // expected filesystem id, tree/super flavors only
	ChunkTreeUUID [16]byte // expected chunk-tree uuid, tree/super flavors only
	SectorSize    int
	NodeSize      int
	CsumSize      int // bytes of the on-disk checksum field (8 for a 64-bit sum)
}

// Verifier runs the three checksum flavors against a Block's pages,
// consulting a metatree.CommitRoot for expected headers and, on a data
// mismatch, for a fresh csum-tree lookup to rule out staleness.
type Verifier struct {
	Root metatree.CommitRoot
}

// New creates a Verifier over root.
func New(root metatree.CommitRoot) *Verifier {
	return &Verifier{Root: root}
}

// Verify runs the flavor-appropriate check against b and sets the
// corresponding sticky flag(s) on b when it fails. It returns true when the
// block passed every applicable check.
func (v *Verifier) Verify(b *block.Block, t Target) bool {
	switch t.Flavor {
	case Data:
		return v.verifyData(b, t)
	case TreeBlock:
		return v.verifyTreeBlock(b, t)
	case SuperBlock:
		return v.verifySuperBlock(b, t)
	default:
		return false
	}
}

// verifyData streams t.SectorSize bytes starting at page 0 (spilling into
// subsequent pages if the sector is larger than one page) through Sum and
// compares to the on-disk checksum carried by page 0 (§4.3 "Data").
func (v *Verifier) verifyData(b *block.Block, t Target) bool {
	if len(b.Pages) == 0 {
		b.SetChecksumError()
		return false
	}
	p0 := b.Pages[0]
	if !p0.HaveCsum {
		// No checksum carried: this is the no-csum (non-COW) case handled
		// entirely by C5's NODATASUM_FALLBACK; verification has nothing to
		// compare against, so it trivially passes here.
		return true
	}

	buf := sectorBytes(b, t.SectorSize)
	if buf == nil {
		b.SetChecksumError()
		return false
	}
	got := Sum(buf)
	if got == p0.Csum {
		return true
	}

	// Fresh-read path: rule out a stale in-memory csum before declaring
	// failure, by re-fetching it from the csum-tree.
	if v.Root != nil {
		if fresh, err := v.Root.Csums(t.Logical, int64(t.SectorSize), t.SectorSize); err == nil && len(fresh) > 0 {
			if fresh[0] == got {
				return true
			}
		}
	}

	b.SetChecksumError()
	return false
}

// sectorBytes concatenates whole-page buffers until sectorSize bytes are
// collected, per the "spilling into subsequent pages if sector > page size"
// rule.
func sectorBytes(b *block.Block, sectorSize int) []byte {
	buf := make([]byte, 0, sectorSize)
	for _, p := range b.Pages {
		if len(buf) >= sectorSize {
			break
		}
		if p.Buf == nil {
			return nil
		}
		need := sectorSize - len(buf)
		if need > len(p.Buf) {
			need = len(p.Buf)
		}
		buf = append(buf, p.Buf[:need]...)
	}
	if len(buf) < sectorSize {
		return nil
	}
	return buf
}

// verifyTreeBlock validates bytenr/generation/fsid/chunk-tree-uuid then
// checksums nodesize-csum_size bytes past the csum field (§4.3 "Tree
// block").
func (v *Verifier) verifyTreeBlock(b *block.Block, t Target) bool {
	hdr, err := v.Root.TreeBlockHeader(t.Logical)
	if err != nil {
		b.SetHeaderError()
		return false
	}
	ok := true
	if hdr.Bytenr != t.Logical {
		b.SetHeaderError()
		ok = false
	}
	if hdr.Generation != t.Generation {
		b.SetGenerationError()
		ok = false
	}
	if hdr.FSID != t.FSID || hdr.ChunkTreeUUID != t.ChunkTreeUUID {
		b.SetHeaderError()
		ok = false
	}
	buf := sectorBytes(b, t.NodeSize)
	if buf == nil || len(buf) < t.CsumSize {
		b.SetChecksumError()
		return false
	}
	payload := buf[t.CsumSize:]
	if Sum(payload) != hdr.Checksum {
		b.SetChecksumError()
		ok = false
	}
	return ok
}

// verifySuperBlock has the same shape as verifyTreeBlock at super-block
// offsets; failures here are reported only — they are never repaired by
// this engine and are rewritten on the next transaction commit by an
// external collaborator (§4.3 "Super block").
func (v *Verifier) verifySuperBlock(b *block.Block, t Target) bool {
	hdr, err := v.Root.SuperBlockHeader(t.DevID, t.Physical)
	if err != nil {
		b.SetHeaderError()
		return false
	}
	if hdr.FSID != t.FSID || hdr.ChunkTreeUUID != t.ChunkTreeUUID {
		b.SetHeaderError()
		return false
	}
	buf := sectorBytes(b, t.NodeSize)
	if buf == nil || len(buf) < t.CsumSize {
		b.SetChecksumError()
		return false
	}
	payload := buf[t.CsumSize:]
	if Sum(payload) != hdr.Checksum {
		b.SetChecksumError()
		return false
	}
	return true
}
