package monitor

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// IdleGate skips snapshotting CPUs that accrued idle time since the last
// cycle: an idle CPU ran its idle class, so nothing on it can be starving.
// The gate is not safe for concurrent use; every loop owns its own.
type IdleGate struct {
	fs      procfs.FS
	enabled bool
	last    map[int]float64
}

// NewIdleGate builds a gate over the kernel's per-CPU idle accounting. A
// disabled gate reports every CPU busy.
func NewIdleGate(procRoot string, enabled bool) (*IdleGate, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}
	return &IdleGate{
		fs:      fs,
		enabled: enabled,
		last:    make(map[int]float64),
	}, nil
}

// Filter returns the CPUs considered busy since the last observation. The
// first observation of a CPU is always busy so at least one baseline cycle
// runs; a failed read fails open.
func (g *IdleGate) Filter(cpus []int) []int {
	if !g.enabled {
		return append([]int(nil), cpus...)
	}

	stat, err := g.fs.Stat()
	if err != nil {
		return append([]int(nil), cpus...)
	}

	busy := make([]int, 0, len(cpus))
	for _, cpu := range cpus {
		cur, ok := stat.CPU[int64(cpu)]
		if !ok {
			busy = append(busy, cpu)
			continue
		}

		prev, seen := g.last[cpu]
		g.last[cpu] = cur.Idle

		if !seen || cur.Idle <= prev {
			busy = append(busy, cpu)
		}
	}
	return busy
}

// Busy is the single-CPU form of Filter.
func (g *IdleGate) Busy(cpu int) bool {
	return len(g.Filter([]int{cpu})) == 1
}
