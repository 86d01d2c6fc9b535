//go:build !windows
// +build !windows

package stub

import (
	"golang.org/x/sys/unix"
)

// Stub functions link to unix libraries. Transport re-enumeration uses
// DeviceKey to tell whether a freshly appeared serial/USB device node is
// truly a new identity or the same one the kernel renamed in place.

func DeviceKey(path string) (uint64, bool) {
	var st Stat_t
	if err := Stat(path, &st); err != nil {
		return 0, false
	}
	return st.Rdev, true
}

func Major(dev uint64) uint32 {
	return unix.Major(dev)
}

func Minor(dev uint64) uint32 {
	return unix.Minor(dev)
}

func Mkdev(major, minor uint32) uint64 {
	return unix.Mkdev(major, minor)
}

func Mknod(path string, mode uint32, dev int) error {
	return unix.Mknod(path, mode, dev)
}

type Stat_t struct {
	unix.Stat_t
}

func Stat(path string, stat *Stat_t) error {
	return unix.Stat(path, &stat.Stat_t)
}
