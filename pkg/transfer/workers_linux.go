//go:build linux

package transfer

import (
	"golang.org/x/sys/unix"
)

// availableMemory returns free plus buffer memory as reported by sysinfo(2).
func availableMemory() (uint64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return (uint64(info.Freeram) + uint64(info.Bufferram)) * unit, true
}
