package resource

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// meminfoPath is the kernel's memory accounting file on Linux.
const meminfoPath = "/proc/meminfo"

// readMeminfo reads a meminfo file.
func readMeminfo(path string) (MemoryInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("resource: open %s: %w", path, err)
	}
	defer f.Close()
	return parseMeminfo(f)
}

// parseMeminfo extracts total and available memory from meminfo content.
// Available is MemAvailable, which counts reclaimable page cache as free.
// Kernels without MemAvailable get MemFree + Buffers + Cached.
func parseMeminfo(r io.Reader) (MemoryInfo, error) {
	fields := make(map[string]int64, 8)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		switch key {
		case "MemTotal", "MemAvailable", "MemFree", "Buffers", "Cached":
		default:
			continue
		}
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			continue
		}
		n, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return MemoryInfo{}, fmt.Errorf("resource: meminfo %s: %w", key, err)
		}
		if len(parts) > 1 && parts[1] == "kB" {
			n *= 1024
		}
		fields[key] = n
	}
	if err := sc.Err(); err != nil {
		return MemoryInfo{}, fmt.Errorf("resource: read meminfo: %w", err)
	}

	total, ok := fields["MemTotal"]
	if !ok || total <= 0 {
		return MemoryInfo{}, errors.New("resource: meminfo has no MemTotal")
	}
	avail, ok := fields["MemAvailable"]
	if !ok {
		avail = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}
	return MemoryInfo{Total: total, Available: min(avail, total)}, nil
}
