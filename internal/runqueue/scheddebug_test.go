package runqueue

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const statefulDump = `Sched Debug Version: v0.11, 6.6.0
ktime                                   : 123456.789

cpu#0, 2400.000 MHz
  .nr_running                    : 0
  .nr_switches                   : 100
  .rt_nr_running                 : 0

runnable tasks:
 S            task   PID         tree-key  switches  prio     wait-time             sum-exec        sum-sleep
-------------------------------------------------------------------------------------------------------------

cpu#3, 2400.000 MHz
  .nr_running                    : 2
  .nr_switches                   : 4242
  .rt_nr_running                 : 1

runnable tasks:
 S            task   PID         tree-key  switches  prio     wait-time             sum-exec        sum-sleep
-------------------------------------------------------------------------------------------------------------
 R             hog  1000         0.000000      5000     0         0.0             0.0             0.0
 S          helper  1001         0.000000        42   120         0.0             0.0             0.0
`

const statelessDump = `Sched Debug Version: v0.09, 3.10.0
ktime                                   : 123456.789

cpu#3
  .nr_running                    : 3
  .nr_switches                   : 999

runnable tasks:
            task   PID         tree-key  switches  prio     exec-runtime         sum-exec        sum-sleep
----------------------------------------------------------------------------------------------------------
R            hog  1000         0.000000      5000     0             0.0             0.0             0.0
          helper  1001         0.000000        42   120             0.0             0.0             0.0
        sleeper  1002         0.000000        77   120             0.0             0.0             0.0
`

// statLine builds a minimal but complete /proc/<pid>/stat payload.
func statLine(pid int, comm, state string) string {
	return fmt.Sprintf("%d (%s) %s 1 %d %d 0 -1 4194304 123 0 0 0 10 5 0 0 20 0 1 0 100 10000000 150 "+
		"18446744073709551615 1 1 0 0 0 0 0 0 0 0 0 0 17 3 0 0 0 0 0 0 0 0 0 0 0 0 0\n",
		pid, comm, state, pid, pid)
}

func statusFile(pid, tgid int, name string) string {
	return fmt.Sprintf("Name:\t%s\nUmask:\t0022\nState:\tR (running)\nTgid:\t%d\nNgid:\t0\nPid:\t%d\nPPid:\t1\n"+
		"Uid:\t0\t0\t0\t0\nGid:\t0\t0\t0\t0\nThreads:\t1\nvoluntary_ctxt_switches:\t1\nnonvoluntary_ctxt_switches:\t1\n",
		name, tgid, pid)
}

type schedDebugFixture struct {
	backend *SchedDebug
	debugfs string
	proc    string
}

func newSchedDebugFixture(t *testing.T, dump string) *schedDebugFixture {
	t.Helper()

	root := t.TempDir()
	debugfs := filepath.Join(root, "debug")
	proc := filepath.Join(root, "proc")

	if err := os.MkdirAll(filepath.Join(debugfs, "sched"), 0o755); err != nil {
		t.Fatalf("mkdir debugfs: %v", err)
	}
	if err := os.MkdirAll(proc, 0o755); err != nil {
		t.Fatalf("mkdir proc: %v", err)
	}
	if err := os.WriteFile(filepath.Join(debugfs, "sched", "debug"), []byte(dump), 0o644); err != nil {
		t.Fatalf("write dump: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &schedDebugFixture{
		backend: NewSchedDebug(proc, debugfs, logger),
		debugfs: debugfs,
		proc:    proc,
	}
}

func (f *schedDebugFixture) addThread(t *testing.T, pid, tgid int, comm, state string) {
	t.Helper()
	dir := filepath.Join(f.proc, fmt.Sprint(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir proc/%d: %v", pid, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(statLine(pid, comm, state)), 0o644); err != nil {
		t.Fatalf("write stat: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "status"), []byte(statusFile(pid, tgid, comm)), 0o644); err != nil {
		t.Fatalf("write status: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644); err != nil {
		t.Fatalf("write comm: %v", err)
	}
}

func (f *schedDebugFixture) rewriteDump(t *testing.T, dump string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.debugfs, "sched", "debug"), []byte(dump), 0o644); err != nil {
		t.Fatalf("rewrite dump: %v", err)
	}
}

func TestSchedDebugStatefulFormat(t *testing.T) {
	f := newSchedDebugFixture(t, statefulDump)
	f.addThread(t, 1001, 900, "helper", "R")

	if err := f.backend.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if f.backend.format != formatStateful {
		t.Fatalf("expected stateful format, got %v", f.backend.format)
	}
	if f.backend.offsets != (columnOffsets{task: 1, pid: 2, switches: 4, prio: 5}) {
		t.Fatalf("unexpected offsets %+v", f.backend.offsets)
	}

	view, err := f.backend.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	snap, err := view.CPU(3)
	if err != nil {
		t.Fatalf("CPU(3): %v", err)
	}
	if snap.NrRunning != 2 || snap.NrRTRunning != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if len(snap.Tasks) != 2 {
		t.Fatalf("expected 2 task rows, got %d", len(snap.Tasks))
	}

	helper := snap.Tasks[1]
	if helper.TID != 1001 || helper.Comm != "helper" || helper.CtxSw != 42 || helper.Prio != 120 {
		t.Fatalf("unexpected helper entry: %+v", helper)
	}
	if helper.TGID != 900 {
		t.Fatalf("tgid not resolved: %+v", helper)
	}

	if !f.backend.HasStarvingCandidate(snap) {
		t.Fatalf("rt-running cpu should have a starving candidate")
	}

	empty, err := view.CPU(0)
	if err != nil {
		t.Fatalf("CPU(0): %v", err)
	}
	if len(empty.Tasks) != 0 {
		t.Fatalf("cpu 0 should have no tasks, got %d", len(empty.Tasks))
	}
	if f.backend.HasStarvingCandidate(empty) {
		t.Fatalf("idle cpu reported a starving candidate")
	}
}

func TestSchedDebugOfflineCPU(t *testing.T) {
	f := newSchedDebugFixture(t, statefulDump)
	if err := f.backend.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	view, err := f.backend.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := view.CPU(17); err != ErrCPUUnavailable {
		t.Fatalf("expected ErrCPUUnavailable for missing cpu, got %v", err)
	}
}

func TestSchedDebugStatelessFormat(t *testing.T) {
	f := newSchedDebugFixture(t, statelessDump)
	f.addThread(t, 1001, 900, "helper", "R")
	f.addThread(t, 1002, 901, "sleeper", "S")

	if err := f.backend.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if f.backend.format != formatStateless {
		t.Fatalf("expected stateless format, got %v", f.backend.format)
	}
	if f.backend.offsets != (columnOffsets{task: 0, pid: 1, switches: 3, prio: 4}) {
		t.Fatalf("unexpected offsets %+v", f.backend.offsets)
	}

	view, err := f.backend.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	snap, err := view.CPU(3)
	if err != nil {
		t.Fatalf("CPU(3): %v", err)
	}

	// The R row is the running task, and the sleeper's /proc state is not
	// runnable; only the helper survives.
	if len(snap.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d: %+v", len(snap.Tasks), snap.Tasks)
	}
	if snap.Tasks[0].TID != 1001 || snap.Tasks[0].Comm != "helper" {
		t.Fatalf("unexpected task: %+v", snap.Tasks[0])
	}

	if !f.backend.HasStarvingCandidate(snap) {
		t.Fatalf("waiting task should be a starving candidate")
	}
}

func TestSchedDebugStatelessSingleEntryShortCircuit(t *testing.T) {
	dump := strings.Replace(statelessDump,
		"          helper  1001         0.000000        42   120             0.0             0.0             0.0\n"+
			"        sleeper  1002         0.000000        77   120             0.0             0.0             0.0\n",
		"", 1)

	f := newSchedDebugFixture(t, dump)
	if err := f.backend.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	view, err := f.backend.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	snap, err := view.CPU(3)
	if err != nil {
		t.Fatalf("CPU(3): %v", err)
	}
	if len(snap.Tasks) != 0 {
		t.Fatalf("single-entry cpu cannot stall, got %d tasks", len(snap.Tasks))
	}
}

func TestSchedDebugBufferGrows(t *testing.T) {
	var filler strings.Builder
	filler.WriteString(statefulDump)
	for filler.Len() < 3*initialBufferPages*4096 {
		filler.WriteString("  .some_counter                   : 123456789\n")
	}

	f := newSchedDebugFixture(t, filler.String())
	if err := f.backend.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	before := f.backend.bufHint.Load()
	if int(before) < filler.Len() {
		t.Fatalf("buffer hint %d did not grow past dump size %d", before, filler.Len())
	}

	// Growth is monotonic: re-reading a smaller dump keeps the hint.
	f.rewriteDump(t, statefulDump)
	if _, err := f.backend.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if after := f.backend.bufHint.Load(); after < before {
		t.Fatalf("buffer hint shrank from %d to %d", before, after)
	}
}

func TestSchedDebugMissingFileIsUnavailable(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "proc"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := NewSchedDebug(filepath.Join(root, "proc"), filepath.Join(root, "debug"), logger)
	err := b.Init()
	if err == nil {
		t.Fatalf("expected init failure")
	}
	if !strings.Contains(err.Error(), "sched debug") {
		t.Fatalf("unexpected error: %v", err)
	}
}
