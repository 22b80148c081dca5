//go:build linux

package pathresolve

import (
	"os"
	"syscall"
)

// inodeOf returns path's inode number, when the OS stat result carries
// one (linux always does via syscall.Stat_t).
func inodeOf(path string) (uint64, bool) {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0, false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return st.Ino, true
}
