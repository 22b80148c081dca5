// Package pathresolve resolves a logical address to the file path(s) it
// backs, for §7's "per-block warnings include... for data — path
// resolution to affected file(s) when available." The real extent-owner
// backref index (walking the filesystem's B-tree) is one of spec.md §1's
// explicitly out-of-scope external collaborators; this package consumes
// it through the narrow OwnerIndex interface and falls back to an
// on-disk directory walk (karrick/godirwalk) keyed by inode number when
// the index can't or doesn't cache a path.
package pathresolve

import (
	"fmt"
	"sync"

	"github.com/karrick/godirwalk"
)

// Owner identifies one (inode, file-offset) pair whose extent covers a
// logical address, as reported by the backref index.
type Owner struct {
	Inode      uint64
	FileOffset int64
}

// OwnerIndex is the narrow collaborator interface onto the (out-of-scope)
// extent-owner backref search.
type OwnerIndex interface {
	OwnersOf(logical int64) ([]Owner, error)
}

// Resolver implements the walker.PathResolver interface: Resolve(logical)
// (paths []string, err error).
type Resolver struct {
	Owners OwnerIndex
	Root   string

	mu          sync.Mutex
	pathByInode map[uint64]string
	walked      bool
}

// New builds a Resolver over owners, falling back to an on-disk walk of
// root when a path isn't cached.
func New(owners OwnerIndex, root string) *Resolver {
	return &Resolver{Owners: owners, Root: root, pathByInode: make(map[uint64]string)}
}

// Resolve returns every file path backing logical, best-effort. A nil
// error with an empty slice means "no owner found"; resolution failures
// for an individual owner are skipped rather than failing the whole call,
// since this only ever feeds an already-rate-limited warning message.
func (r *Resolver) Resolve(logical int64) ([]string, error) {
	if r.Owners == nil {
		return nil, nil
	}
	owners, err := r.Owners.OwnersOf(logical)
	if err != nil {
		return nil, fmt.Errorf("pathresolve: owners of %d: %w", logical, err)
	}
	paths := make([]string, 0, len(owners))
	for _, o := range owners {
		if p, ok := r.pathForInode(o.Inode); ok {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (r *Resolver) pathForInode(inode uint64) (string, bool) {
	r.mu.Lock()
	if p, ok := r.pathByInode[inode]; ok {
		r.mu.Unlock()
		return p, true
	}
	walked := r.walked
	r.mu.Unlock()

	if walked || r.Root == "" {
		return "", false
	}
	r.walkRoot()

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pathByInode[inode]
	return p, ok
}

// walkRoot populates pathByInode from a single directory-tree walk of
// Root. It runs at most once per Resolver; the cache only grows stale if
// files are created after the first miss, which is an acceptable
// trade-off for a best-effort warning annotation.
func (r *Resolver) walkRoot() {
	r.mu.Lock()
	if r.walked {
		r.mu.Unlock()
		return
	}
	r.walked = true
	r.mu.Unlock()

	found := make(map[uint64]string)
	_ = godirwalk.Walk(r.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			if ino, ok := inodeOf(path); ok {
				found[ino] = path
			}
			return nil
		},
		ErrorCallback: func(string, error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})

	r.mu.Lock()
	for ino, path := range found {
		r.pathByInode[ino] = path
	}
	r.mu.Unlock()
}
