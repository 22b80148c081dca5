// Package raidmap is the consumed RAID-mapper collaborator (spec.md §6):
// "map(logical, length, direction_hint) -> { stripes[], num_stripes,
// mirror_num, per_stripe(dev, physical) }". The real chunk-tree lookup that
// backs this in a production filesystem is out of scope; this package
// implements the mapping function itself for the layouts spec.md names so
// the walker and recovery state machine have something concrete to drive.
package raidmap

import "fmt"

// ChunkType selects the striping/mirroring layout of a chunk (§4.4).
type ChunkType int

const (
	Single ChunkType = iota
	DUP
	RAID0
	RAID1
	RAID10
	RAID5
	RAID6
)

func (t ChunkType) String() string {
	switch t {
	case Single:
		return "single"
	case DUP:
		return "dup"
	case RAID0:
		return "raid0"
	case RAID1:
		return "raid1"
	case RAID10:
		return "raid10"
	case RAID5:
		return "raid5"
	case RAID6:
		return "raid6"
	default:
		return "unknown"
	}
}

// Stripe is one mirror's physical location for a logical range.
type Stripe struct {
	DevID    uint64
	Physical int64
}

// Mapping is the result of Map: the stripes covering [Logical, Logical+Length)
// on every mirror, the stripe length, and which mirror count applies.
type Mapping struct {
	Logical    int64
	Length     int64
	StripeLen  int64
	Type       ChunkType
	Stripes    []Stripe // one entry per mirror, in mirror-index order
	DataStripe int      // index into Stripes of the "primary" data stripe (RAID5/6 parity rotation)
}

// NumMirrors reports how many independent copies this mapping has.
func (m Mapping) NumMirrors() int { return len(m.Stripes) }

// Chunk describes one chunk's layout: the logical range it covers and the
// physical devices it stripes/mirrors across.
type Chunk struct {
	Type      ChunkType
	LogicalAt int64
	Length    int64
	StripeLen int64
	DevIDs    []uint64 // device ids participating, in stripe order
	PhysAt    []int64  // each device's physical start for this chunk
}

func (c Chunk) contains(logical int64) bool {
	return logical >= c.LogicalAt && logical < c.LogicalAt+c.Length
}

// Mapper maps a logical byte range to its physical stripes, per spec.md §6.
type Mapper interface {
	// Map returns the stripe layout covering [logical, logical+length).
	// length must not cross a stripe boundary; callers (the extent walker)
	// are responsible for trimming to the stripe first (§4.4).
	Map(logical, length int64) (Mapping, error)

	// Chunks returns every chunk this mapper knows about, in ascending
	// logical order, for the extent walker to iterate device-extents.
	Chunks() []Chunk

	// FullStripeSet returns every shard location of the RAID5/6 stripe
	// set covering [logical, logical+length) — every data-disk shard (in
	// disk order) followed by the parity shard(s) — for Reed-Solomon
	// reconstruction (§4.5). It returns an error for any other chunk
	// type.
	FullStripeSet(logical, length int64) (shards []Stripe, dataDisks, parityDisks int, err error)
}

// Static is a fixed, precomputed Mapper — the in-memory stand-in for the
// chunk-tree lookup a real filesystem would perform against its metadata
// B-tree (out of scope per spec.md §1).
type Static struct {
	chunks []Chunk
}

// NewStatic builds a Mapper from an explicit chunk list. Chunks must be
// sorted by LogicalAt and non-overlapping.
func NewStatic(chunks []Chunk) *Static {
	cp := make([]Chunk, len(chunks))
	copy(cp, chunks)
	return &Static{chunks: cp}
}

func (s *Static) Chunks() []Chunk { return s.chunks }

func (s *Static) Map(logical, length int64) (Mapping, error) {
	for _, c := range s.chunks {
		if !c.contains(logical) {
			continue
		}
		if logical+length > c.LogicalAt+c.Length {
			return Mapping{}, fmt.Errorf("raidmap: range [%d,%d) crosses chunk boundary at %d", logical, logical+length, c.LogicalAt+c.Length)
		}
		off := logical - c.LogicalAt
		stripeIdx := off / c.StripeLen
		stripeOff := off % c.StripeLen
		if stripeOff+length > c.StripeLen {
			return Mapping{}, fmt.Errorf("raidmap: range [%d,%d) crosses stripe boundary", logical, logical+length)
		}

		switch c.Type {
		case Single, RAID0:
			devIdx := int(stripeIdx) % len(c.DevIDs)
			stripeNum := stripeIdx / int64(len(c.DevIDs))
			phys := c.PhysAt[devIdx] + stripeNum*c.StripeLen + stripeOff
			return Mapping{Logical: logical, Length: length, StripeLen: c.StripeLen, Type: c.Type,
				Stripes: []Stripe{{DevID: c.DevIDs[devIdx], Physical: phys}}}, nil

		case DUP:
			phys := c.PhysAt[0] + off
			stripes := make([]Stripe, 0, 2)
			for i := 0; i < 2 && i < len(c.DevIDs); i++ {
				stripes = append(stripes, Stripe{DevID: c.DevIDs[i%len(c.DevIDs)], Physical: phys})
			}
			return Mapping{Logical: logical, Length: length, StripeLen: c.StripeLen, Type: c.Type, Stripes: stripes}, nil

		case RAID1:
			stripes := make([]Stripe, len(c.DevIDs))
			for i, d := range c.DevIDs {
				stripes[i] = Stripe{DevID: d, Physical: c.PhysAt[i] + off}
			}
			return Mapping{Logical: logical, Length: length, StripeLen: c.StripeLen, Type: c.Type, Stripes: stripes}, nil

		case RAID10:
			numMirrors := 2
			numStripeSets := len(c.DevIDs) / numMirrors
			if numStripeSets == 0 {
				return Mapping{}, fmt.Errorf("raidmap: raid10 chunk needs >=2 devices")
			}
			setIdx := int(stripeIdx) % numStripeSets
			stripeNum := stripeIdx / int64(numStripeSets)
			stripes := make([]Stripe, numMirrors)
			for m := 0; m < numMirrors; m++ {
				devIdx := setIdx*numMirrors + m
				stripes[m] = Stripe{DevID: c.DevIDs[devIdx], Physical: c.PhysAt[devIdx] + stripeNum*c.StripeLen + stripeOff}
			}
			return Mapping{Logical: logical, Length: length, StripeLen: c.StripeLen, Type: c.Type, Stripes: stripes}, nil

		case RAID5, RAID6:
			parityDisks, _, parityStart, devIdx, stripeSetIdx, err := erasureLayout(c, stripeIdx)
			if err != nil {
				return Mapping{}, err
			}
			phys := c.PhysAt[devIdx] + stripeSetIdx*c.StripeLen + stripeOff
			stripes := []Stripe{{DevID: c.DevIDs[devIdx], Physical: phys}}
			// Include parity device locations so recovery can reconstruct.
			for p := 0; p < parityDisks; p++ {
				pIdx := (parityStart + p) % len(c.DevIDs)
				stripes = append(stripes, Stripe{DevID: c.DevIDs[pIdx], Physical: c.PhysAt[pIdx] + stripeSetIdx*c.StripeLen + stripeOff})
			}
			return Mapping{Logical: logical, Length: length, StripeLen: c.StripeLen, Type: c.Type, Stripes: stripes, DataStripe: 0}, nil
		}
		return Mapping{}, fmt.Errorf("raidmap: unsupported chunk type %v", c.Type)
	}
	return Mapping{}, fmt.Errorf("raidmap: no chunk covers logical offset %d", logical)
}

// erasureLayout computes the RAID5/6 parity rotation shared by Map and
// FullStripeSet: how many parity/data disks the chunk has, which disk the
// requested stripeIdx's data lands on, and the stripe set's parity start.
func erasureLayout(c Chunk, stripeIdx int64) (parityDisks, dataDisks, parityStart, devIdx int, stripeSetIdx int64, err error) {
	parityDisks = 1
	if c.Type == RAID6 {
		parityDisks = 2
	}
	ndisks := len(c.DevIDs)
	if ndisks <= parityDisks {
		return 0, 0, 0, 0, 0, fmt.Errorf("raidmap: %s chunk needs more devices", c.Type)
	}
	dataDisks = ndisks - parityDisks
	stripeSetIdx = stripeIdx / int64(dataDisks)
	dataIdxInSet := int(stripeIdx % int64(dataDisks))
	// Rotate parity position by stripe-set index, classic left-symmetric layout.
	parityStart = int(stripeSetIdx) % ndisks
	devIdx = (parityStart + parityDisks + dataIdxInSet) % ndisks
	return parityDisks, dataDisks, parityStart, devIdx, stripeSetIdx, nil
}

// FullStripeSet implements Mapper.FullStripeSet for Static: it returns
// every data-disk shard of the stripe set covering logical (in disk
// order), followed by the parity shard(s), so a caller holding a Reed-
// Solomon decoder can reconstruct any one missing shard.
func (s *Static) FullStripeSet(logical, length int64) ([]Stripe, int, int, error) {
	for _, c := range s.chunks {
		if !c.contains(logical) {
			continue
		}
		if c.Type != RAID5 && c.Type != RAID6 {
			return nil, 0, 0, fmt.Errorf("raidmap: chunk at %d is not RAID5/6", c.LogicalAt)
		}
		off := logical - c.LogicalAt
		stripeIdx := off / c.StripeLen
		stripeOff := off % c.StripeLen
		if stripeOff+length > c.StripeLen {
			return nil, 0, 0, fmt.Errorf("raidmap: range [%d,%d) crosses stripe boundary", logical, logical+length)
		}

		parityDisks, dataDisks, parityStart, _, stripeSetIdx, err := erasureLayout(c, stripeIdx)
		if err != nil {
			return nil, 0, 0, err
		}
		ndisks := len(c.DevIDs)
		shards := make([]Stripe, 0, ndisks)
		for d := 0; d < dataDisks; d++ {
			devIdx := (parityStart + parityDisks + d) % ndisks
			shards = append(shards, Stripe{DevID: c.DevIDs[devIdx], Physical: c.PhysAt[devIdx] + stripeSetIdx*c.StripeLen + stripeOff})
		}
		for p := 0; p < parityDisks; p++ {
			pIdx := (parityStart + p) % ndisks
			shards = append(shards, Stripe{DevID: c.DevIDs[pIdx], Physical: c.PhysAt[pIdx] + stripeSetIdx*c.StripeLen + stripeOff})
		}
		return shards, dataDisks, parityDisks, nil
	}
	return nil, 0, 0, fmt.Errorf("raidmap: no chunk covers logical offset %d", logical)
}
