package blockdev

import (
	"context"
	"fmt"
)

// RegistryRereader satisfies the error-recovery state machine's Rereader
// contract (§4.5 step 2 "re-issue the read one page at a time") by
// resolving devID through a Registry and reading straight from the
// device — the production counterpart of the page-by-page reread a real
// block layer performs to defeat bio-merging.
type RegistryRereader struct {
	Registry Registry
}

// RereadPage reads len(buf) bytes at physical from devID.
func (r RegistryRereader) RereadPage(ctx context.Context, devID uint64, physical int64, buf []byte) error {
	dev, ok := r.Registry.Device(devID)
	if !ok {
		return fmt.Errorf("blockdev: reread: device %d not found", devID)
	}
	_, err := dev.ReadAt(buf, physical)
	return err
}
