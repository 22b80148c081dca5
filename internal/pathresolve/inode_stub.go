//go:build !linux

package pathresolve

// inodeOf has no portable inode number on non-linux platforms; the
// fallback on-disk walk is a linux-only convenience (the production
// target is always a linux block device host).
func inodeOf(path string) (uint64, bool) {
	return 0, false
}
