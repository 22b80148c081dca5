package blockdev

import (
	"fmt"
	"sync"
)

// Fake is an in-memory Device used by tests and by the stub scrub paths,
// the scrub-domain counterpart of go-ublk's backend.Memory.
type Fake struct {
	mu   sync.RWMutex
	name string
	data []byte

	// FailReads/FailWrites mark byte ranges that should fail I/O,
	// simulating a bad mirror (S2/S3/S4 in spec.md §8).
	failReads  []byteRange
	failWrites []byteRange
}

type byteRange struct{ start, end int64 }

func (r byteRange) overlaps(off, n int64) bool {
	return off < r.end && off+n > r.start
}

// NewFake creates a zero-filled in-memory device of the given size.
func NewFake(name string, size int64) *Fake {
	return &Fake{name: name, data: make([]byte, size)}
}

func (f *Fake) Name() string { return f.name }

// FailReadRange marks [off, off+n) as returning an I/O error on ReadAt.
func (f *Fake) FailReadRange(off, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads = append(f.failReads, byteRange{off, off + n})
}

// ClearFailures removes all injected read/write failures.
func (f *Fake) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads = nil
	f.failWrites = nil
}

// Corrupt flips bytes in [off, off+len(patch)) to patch's contents,
// without marking them as failing reads — used to simulate checksum
// mismatches rather than outright I/O errors.
func (f *Fake) Corrupt(off int64, patch []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.data[off:], patch)
}

func (f *Fake) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, r := range f.failReads {
		if r.overlaps(off, int64(len(p))) {
			return 0, fmt.Errorf("blockdev: simulated read error at %d", off)
		}
	}
	if off >= int64(len(f.data)) {
		return 0, fmt.Errorf("blockdev: read beyond end of device")
	}
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *Fake) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.failWrites {
		if r.overlaps(off, int64(len(p))) {
			return 0, fmt.Errorf("blockdev: simulated write error at %d", off)
		}
	}
	if off+int64(len(p)) > int64(len(f.data)) {
		return 0, fmt.Errorf("blockdev: write beyond end of device")
	}
	n := copy(f.data[off:], p)
	return n, nil
}

func (f *Fake) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.data))
}

func (f *Fake) Close() error { return nil }

var _ Device = (*Fake)(nil)
var _ Device = (*OnDisk)(nil)
