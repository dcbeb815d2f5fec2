//go:build linux

package resource

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// hostMemory reads /proc/meminfo and falls back to sysinfo(2) when it is
// unavailable.
func hostMemory() (MemoryInfo, error) {
	if info, err := readMeminfo(meminfoPath); err == nil {
		return info, nil
	}
	return sysinfoMemory()
}

// sysinfoMemory has no page cache figure, so only free and buffer memory
// count as available.
func sysinfoMemory() (MemoryInfo, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return MemoryInfo{}, fmt.Errorf("resource: sysinfo: %w", err)
	}
	unit := int64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	return MemoryInfo{
		Total:     int64(si.Totalram) * unit,
		Available: (int64(si.Freeram) + int64(si.Bufferram)) * unit,
	}, nil
}
