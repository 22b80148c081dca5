// Package blockdev defines the block-layer collaborator the scrub engine
// submits batches to and completes against. The real submit/complete path,
// the transaction manager, and the on-disk B-tree search primitives are all
// out of scope for this repository (spec.md §1) — blockdev is the seam
// where they would be wired in. A fake, in-memory implementation is
// provided for tests; ondisk.go provides a real pread/pwrite-based one for
// local devices and files.
package blockdev

import "io"

// Mirror identifies one of the N copies of a logical block, indexed 0..N-1.
type Mirror = int

// Device is the per-mirror collaborator the submission & completion
// pipeline (C3) drives. Unlike go-ublk's Backend (which serves a single
// logical address space for one virtual disk), a scrub Device exposes the
// physical address space of one underlying mirror.
type Device interface {
	io.Closer

	// Name identifies the device for logging/statistics (§7).
	Name() string

	// ReadAt reads len(p) bytes starting at the physical byte offset off.
	// A short read or I/O error must be reported through err; the caller
	// treats any non-nil err as an io_error on every page of the batch.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes at the physical byte offset off. Used
	// both by repair (rewrite a bad mirror) and replace mode (write to the
	// replacement target).
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the usable size of the device in bytes.
	Size() int64
}

// Registry resolves a RAID-mapper's per-stripe (dev, physical) pair to a
// Device. The scrub context never talks to devices by name; it always goes
// through the registry the RAID mapper's stripes refer to.
type Registry interface {
	Device(devID uint64) (Device, bool)
}

// staticRegistry is the straightforward map-backed Registry implementation
// used both by tests and by the real daemon (device set is fixed at scrub
// start — spec.md has no notion of devices appearing mid-scrub).
type staticRegistry struct {
	devices map[uint64]Device
}

// NewRegistry builds a Registry from a fixed device-id -> Device mapping.
func NewRegistry(devices map[uint64]Device) Registry {
	cp := make(map[uint64]Device, len(devices))
	for k, v := range devices {
		cp[k] = v
	}
	return &staticRegistry{devices: cp}
}

func (r *staticRegistry) Device(devID uint64) (Device, bool) {
	d, ok := r.devices[devID]
	return d, ok
}
