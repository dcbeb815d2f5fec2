//go:build !linux

package resource

import "errors"

func hostMemory() (MemoryInfo, error) {
	return MemoryInfo{}, errors.New("resource: host memory counters not supported on this platform")
}
