//go:build linux

package priority

import "golang.org/x/sys/unix"

// ioprio_set/ioprio_get syscall numbers and encoding, per
// include/uapi/linux/ioprio.h. golang.org/x/sys/unix does not expose these
// directly (no stable cross-arch wrapper), so the raw syscall is used here,
// the same way go-ublk falls back to raw io_uring opcodes where the
// wrapper library doesn't cover a newer kernel feature.
const (
	ioprioWhoProcess = 1
	ioprioClassShift = 13
)

func ioprioValue(class Class, niceness int) int {
	return (int(class+1) << ioprioClassShift) | niceness
}

func setIOPrio(class Class, niceness int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, 0, uintptr(ioprioValue(class, niceness)))
	if errno != 0 {
		return errno
	}
	return nil
}

func setIOPrioRaw(value int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, 0, uintptr(value))
	if errno != 0 {
		return errno
	}
	return nil
}

func getIOPrio() (int, error) {
	v, _, errno := unix.Syscall(unix.SYS_IOPRIO_GET, ioprioWhoProcess, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(v), nil
}
