// Package cpus resolves the set of CPUs the daemon monitors.
package cpus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// Discover enumerates the online CPUs from the kernel's cpu time accounting.
func Discover(procRoot string) ([]int, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}

	stat, err := fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("read cpu stat: %w", err)
	}

	cpus := make([]int, 0, len(stat.CPU))
	for id := range stat.CPU {
		cpus = append(cpus, int(id))
	}
	sort.Ints(cpus)

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs found under %s", procRoot)
	}
	return cpus, nil
}

// Parse resolves a cpu-list expression ("all", "2", "0-3,8") against the
// discovered CPU set. Unknown CPUs in the list are an error.
func Parse(list string, available []int) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "all" {
		out := make([]int, len(available))
		copy(out, available)
		return out, nil
	}

	known := make(map[int]struct{}, len(available))
	for _, cpu := range available {
		known[cpu] = struct{}{}
	}

	selected := make(map[int]struct{})
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		first, last := part, part
		if idx := strings.IndexByte(part, '-'); idx >= 0 {
			first, last = part[:idx], part[idx+1:]
		}

		start, err := strconv.Atoi(first)
		if err != nil {
			return nil, fmt.Errorf("parse cpu list entry %q: %w", part, err)
		}
		end, err := strconv.Atoi(last)
		if err != nil {
			return nil, fmt.Errorf("parse cpu list entry %q: %w", part, err)
		}
		if start < 0 || end < start {
			return nil, fmt.Errorf("invalid cpu range %q", part)
		}

		for cpu := start; cpu <= end; cpu++ {
			if _, ok := known[cpu]; !ok {
				return nil, fmt.Errorf("cpu %d is not available on this host", cpu)
			}
			selected[cpu] = struct{}{}
		}
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("cpu list %q selects no CPUs", list)
	}

	out := make([]int, 0, len(selected))
	for cpu := range selected {
		out = append(out, cpu)
	}
	sort.Ints(out)
	return out, nil
}
