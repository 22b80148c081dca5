package scrub

import "github.com/behrlich/btrfs-scrub/internal/constants"

// Re-export internal tunables callers may want without importing the
// internal packages directly.
const (
	PageSize         = constants.PageSize
	MaxPagesPerBlock = constants.MaxPagesPerBlock
	MaxPagesPerBatch = constants.MaxPagesPerBatch
	MaxMirrors       = constants.MaxMirrors
	DefaultPoolSize  = constants.DefaultPoolSize
	MaxPoolSize      = constants.MaxPoolSize
	MinPoolSize      = constants.MinPoolSize
)

// BGFlag is the background-mode flag bitfield passed to ScrubStart (§6
// "Background-mode flags (bitfield)").
type BGFlag uint32

const (
	// BGSCEnum requests a pre-enumeration pass over extents to refine
	// the target-bytes estimate before the paced run starts.
	BGSCEnum BGFlag = 1 << iota
	// BGSCBoost allows the rate controller to temporarily raise I/O
	// priority when progress falls far behind goal.
	BGSCBoost
)

// Has reports whether flag is set in f.
func (f BGFlag) Has(flag BGFlag) bool {
	return f&flag != 0
}
