// Package synergy implements the synergistic filter (C8, §4.7): it
// consumes page-cache events from an external observer subsystem and
// maintains an LBA-range "already validated by the foreground" index the
// extent walker can consult to skip redundant I/O.
//
// The index is advisory, not authoritative (§4.7 "For correctness, any
// unmark races with a concurrent skip are fail-safe"), so it is backed by
// a cuckoo filter: false positives only ever cause a false skip, which a
// future scrub pass corrects, and false negatives never occur for an
// element actually inserted. That is exactly the failure mode the spec
// asks for, and it buys the filter O(1)-ish memory instead of a dense
// per-LBA bitmap.
package synergy

import (
	"context"
	"errors"
	"fmt"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/teris-io/shortid"

	"github.com/behrlich/btrfs-scrub/internal/constants"
)

// EventType classifies a page-cache event (§4.7).
type EventType int

const (
	EventAdd EventType = iota
	EventModify
)

// Event is one page-cache add/modify notification as delivered by the
// observer.
type Event struct {
	Inode     uint64
	PageIndex uint64
	Type      EventType
}

// EventMask selects which event types a registration wants (§4.7
// "register(event_mask, block_size, fs_handle) -> task_id").
type EventMask uint32

const (
	MaskAdd EventMask = 1 << iota
	MaskModify
)

// ErrWouldBlock is returned by a Resolver when resolving an event would
// require disk I/O; processing yields to the foreground rather than
// blocking (§4.7 "If event resolution would require disk I/O, processing
// yields to the foreground").
var ErrWouldBlock = errors.New("synergy: event resolution would require disk I/O")

// Observer is the external page-cache observer ABI consumed by the
// synergistic filter (§4.7, §6).
type Observer interface {
	Register(mask EventMask, blockSize int, fsHandle string) (taskID string, err error)
	Deregister(taskID string) error
	Fetch(taskID string, maxItems int) ([]Event, error)
}

// Resolver maps an (inode, page-index) pair to the LBA range it backs, by
// consulting the extent map — out of scope here per spec.md §1, consumed
// only through this interface.
type Resolver interface {
	Resolve(inode uint64, pageIndex uint64, blockSize int) (lba int64, length int64, err error)
}

// Filter is the per-scrub-context synergistic index (§3 "the synergistic
// observer task-id (optional)").
type Filter struct {
	observer  Observer
	resolver  Resolver
	blockSize int
	taskID    string

	cf *cuckoo.Filter

	skips uint64
}

// New creates a Filter. It does not register with the observer until
// Register is called, mirroring the ABI's explicit register/deregister
// lifecycle.
func New(observer Observer, resolver Resolver, blockSize int) *Filter {
	return &Filter{
		observer:  observer,
		resolver:  resolver,
		blockSize: blockSize,
		cf:        cuckoo.NewFilter(1 << 20),
	}
}

// Register registers interest in ADD and MODIFY events and stores the
// returned task_id.
func (f *Filter) Register(fsHandle string) error {
	if f.observer == nil {
		return nil
	}
	id, err := f.observer.Register(MaskAdd|MaskModify, f.blockSize, fsHandle)
	if err != nil {
		return fmt.Errorf("synergy: register: %w", err)
	}
	f.taskID = id
	return nil
}

// Deregister tears down the observer registration.
func (f *Filter) Deregister() error {
	if f.observer == nil || f.taskID == "" {
		return nil
	}
	err := f.observer.Deregister(f.taskID)
	f.taskID = ""
	return err
}

func chunkKey(lba int64) []byte {
	var buf [8]byte
	u := uint64(lba)
	for i := 0; i < 8; i++ {
		buf[i] = byte(u >> (8 * i))
	}
	return buf[:]
}

func (f *Filter) chunksOf(lba, length int64) []int64 {
	start := lba - lba%int64(f.blockSize)
	end := lba + length
	var chunks []int64
	for c := start; c < end; c += int64(f.blockSize) {
		chunks = append(chunks, c)
	}
	return chunks
}

// Mark records that [lba, lba+len) has been read in and validated by the
// foreground workload (ADD event).
func (f *Filter) Mark(lba, length int64) {
	for _, c := range f.chunksOf(lba, length) {
		f.cf.InsertUnique(chunkKey(c))
	}
}

// Unmark records that [lba, lba+len) has diverged from disk (MODIFY
// event).
func (f *Filter) Unmark(lba, length int64) {
	for _, c := range f.chunksOf(lba, length) {
		f.cf.Delete(chunkKey(c))
	}
}

// Check reports 1 if every chunk in [lba, lba+len) is marked, 0 if any is
// unmarked, matching the §4.7 ABI (-1/err is reserved for malformed
// ranges — Go callers get a real error instead).
func (f *Filter) Check(lba, length int64) (int, error) {
	if length <= 0 {
		return 0, fmt.Errorf("synergy: non-positive range length %d", length)
	}
	for _, c := range f.chunksOf(lba, length) {
		if !f.cf.Lookup(chunkKey(c)) {
			return 0, nil
		}
	}
	return 1, nil
}

// Skips returns the cumulative count of I/O skipped because Check
// returned 1.
func (f *Filter) Skips() uint64 { return f.skips }

// ShouldSkip checks the range and, if validated, bumps the skip counter —
// the walker's single call site for "ask C8 whether the region is already
// validated" (§4.4 step 1).
func (f *Filter) ShouldSkip(lba, length int64) bool {
	hit, err := f.Check(lba, length)
	if err != nil || hit != 1 {
		return false
	}
	f.skips++
	return true
}

// ProcessEvents drains up to constants.EventBatchSize events (capped by
// max) and applies them, per §4.7 "Event processing". It stops early,
// without error, if resolving an event would require disk I/O.
func (f *Filter) ProcessEvents(ctx context.Context, max int) (processed int, err error) {
	if f.observer == nil || f.taskID == "" {
		return 0, nil
	}
	if max > constants.EventBatchSize {
		max = constants.EventBatchSize
	}
	events, err := f.observer.Fetch(f.taskID, max)
	if err != nil {
		return 0, fmt.Errorf("synergy: fetch: %w", err)
	}
	for _, ev := range events {
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		default:
		}
		lba, length, rerr := f.resolver.Resolve(ev.Inode, ev.PageIndex, f.blockSize)
		if rerr != nil {
			if errors.Is(rerr, ErrWouldBlock) {
				return processed, nil
			}
			continue
		}
		switch ev.Type {
		case EventAdd:
			f.Mark(lba, length)
		case EventModify:
			f.Unmark(lba, length)
		}
		processed++
	}
	return processed, nil
}

// NewTaskID is a convenience for Fake Observer implementations that need a
// short, human-readable task id without depending on synergy internals.
func NewTaskID() (string, error) {
	return shortid.Generate()
}
