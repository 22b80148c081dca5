package raidmap

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Reconstruct rebuilds one missing shard of a RAID5/6 stripe using
// Reed-Solomon parity. shards holds one []byte per stripe member in
// DevID order (data disks first, then parity disks), with the missing
// shard's slot left nil; dataDisks/parityDisks describe the stripe's
// layout. It is used by the error-recovery state machine (§4.5) when a
// RAID5/6 member mirror is unreadable and no whole clean mirror exists to
// copy from directly.
func Reconstruct(shards [][]byte, dataDisks, parityDisks int) error {
	if len(shards) != dataDisks+parityDisks {
		return fmt.Errorf("raidmap: expected %d shards, got %d", dataDisks+parityDisks, len(shards))
	}
	enc, err := reedsolomon.New(dataDisks, parityDisks)
	if err != nil {
		return fmt.Errorf("raidmap: reedsolomon.New: %w", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("raidmap: reconstruct: %w", err)
	}
	ok, err := enc.Verify(shards)
	if err != nil {
		return fmt.Errorf("raidmap: verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("raidmap: reconstructed stripe failed parity verification")
	}
	return nil
}
