package runqueue

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/prometheus/procfs"
)

const (
	taskMarker = "runnable tasks:"

	// initialBufferPages sizes the first dump read; the hint grows from
	// there and never shrinks.
	initialBufferPages = 16
)

// taskFormat distinguishes the two sched debug generations.
type taskFormat int

const (
	formatUnknown taskFormat = iota
	// formatStateless: no per-task state column; the running task carries
	// a bare R marker and everything else needs a /proc state probe.
	formatStateless
	// formatStateful: a state column plus .nr_running/.rt_nr_running
	// aggregate counters per CPU block.
	formatStateful
)

// columnOffsets records the zero-based word positions of the header fields
// the parser needs, auto-detected once at init.
type columnOffsets struct {
	task     int
	pid      int
	switches int
	prio     int
}

// SchedDebug parses the kernel's whole-system sched debug text dump.
type SchedDebug struct {
	logger   *slog.Logger
	procRoot string
	debugfs  string

	path    string
	format  taskFormat
	offsets columnOffsets
	procFS  procfs.FS

	// bufHint is the monotonically growing size hint for dump reads,
	// shared by all views so growth observed by one worker benefits all.
	bufHint atomic.Int64
}

// NewSchedDebug constructs the textual backend. Init must be called before
// the first Acquire.
func NewSchedDebug(procRoot, debugfsRoot string, logger *slog.Logger) *SchedDebug {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SchedDebug{
		logger:   logger.With("component", "sched_debug"),
		procRoot: procRoot,
		debugfs:  debugfsRoot,
	}
}

// Init locates the dump file, auto-detects the per-line column layout and
// the dump generation, and primes the read buffer hint.
func (b *SchedDebug) Init() error {
	for _, candidate := range []string{
		filepath.Join(b.debugfs, "sched", "debug"),
		filepath.Join(b.procRoot, "sched_debug"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			b.path = candidate
			break
		}
	}
	if b.path == "" {
		return fmt.Errorf("%w: no sched debug file under %s or %s", ErrSourceUnavailable, b.debugfs, b.procRoot)
	}

	fs, err := procfs.NewFS(b.procRoot)
	if err != nil {
		return fmt.Errorf("open proc root: %w", err)
	}
	b.procFS = fs

	b.bufHint.Store(int64(initialBufferPages * os.Getpagesize()))

	dump, err := b.readDump()
	if err != nil {
		return fmt.Errorf("initial sched debug read: %w", err)
	}

	if err := b.detectTaskFormat(dump); err != nil {
		return err
	}

	b.logger.Info("sched debug source ready",
		"path", b.path,
		"format", map[taskFormat]string{formatStateless: "stateless", formatStateful: "stateful"}[b.format],
		"buffer", b.bufHint.Load(),
	)
	return nil
}

// Acquire reads the whole dump once and returns a view over it.
func (b *SchedDebug) Acquire() (View, error) {
	dump, err := b.readDump()
	if err != nil {
		return nil, err
	}
	return &schedDebugView{backend: b, dump: dump}, nil
}

// HasStarvingCandidate short-circuits detection: stateful dumps expose the
// rt-running count, stateless ones only the parsed waiting list.
func (b *SchedDebug) HasStarvingCandidate(s Snapshot) bool {
	if b.format == formatStateful {
		return s.NrRTRunning > 0
	}
	return len(s.Tasks) > 0
}

func (b *SchedDebug) Close() error {
	return nil
}

// readDump reads the dump into a buffer sized by the shared hint, growing
// the hint when a read comes close to filling it.
func (b *SchedDebug) readDump() (string, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", b.path, err)
	}
	defer f.Close()

	buf := make([]byte, b.bufHint.Load())
	position := 0
	for {
		if position == len(buf) {
			grown := make([]byte, len(buf)*2)
			copy(grown, buf)
			buf = grown
		}
		n, err := f.Read(buf[position:])
		position += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", b.path, err)
		}
		if n == 0 {
			break
		}
	}

	if hint := b.bufHint.Load(); int64(position+100) > hint {
		next := hint * 2
		for int64(position+100) > next {
			next *= 2
		}
		if b.bufHint.CompareAndSwap(hint, next) {
			b.logger.Info("sched debug dump is getting larger, increasing the buffer", "buffer", next)
		}
	}

	return string(buf[:position]), nil
}

// detectTaskFormat inspects the first runnable-tasks header to classify the
// dump generation and store the word offsets of the fields we parse.
func (b *SchedDebug) detectTaskFormat(dump string) error {
	idx := strings.Index(dump, taskMarker)
	if idx < 0 {
		return fmt.Errorf("%w: no %q marker in sched debug dump", ErrSourceUnavailable, taskMarker)
	}

	rest := dump[idx:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return fmt.Errorf("%w: truncated sched debug dump", ErrSourceUnavailable)
	}
	header := rest[nl+1:]
	if end := strings.IndexByte(header, '\n'); end >= 0 {
		header = header[:end]
	}

	words := strings.Fields(header)
	if len(words) == 0 {
		return fmt.Errorf("%w: empty task table header", ErrSourceUnavailable)
	}

	if words[0] == "S" {
		b.format = formatStateful
	} else {
		b.format = formatStateless
	}

	found := 0
	for i, word := range words {
		switch {
		case strings.HasPrefix(word, "task"):
			b.offsets.task = i
			found++
		case strings.HasPrefix(word, "PID"):
			b.offsets.pid = i
			found++
		case strings.HasPrefix(word, "switches"):
			b.offsets.switches = i
			found++
		case strings.HasPrefix(word, "prio"):
			b.offsets.prio = i
			found++
		}
	}
	if found != 4 {
		return fmt.Errorf("%w: task table header is missing fields (found %d of 4)", ErrSourceUnavailable, found)
	}
	return nil
}

// schedDebugView answers per-CPU queries from one dump read.
type schedDebugView struct {
	backend *SchedDebug
	dump    string
}

func (v *schedDebugView) CPU(cpu int) (Snapshot, error) {
	block, ok := cpuBlock(v.dump, cpu)
	if !ok {
		// The CPU might be offline.
		return Snapshot{}, ErrCPUUnavailable
	}
	return v.backend.parseCPUBlock(block)
}

// cpuBlock slices one cpu#<N> section out of the dump. The header carries a
// trailing comma on x86 ("cpu#3, 2400.000 MHz") and a bare newline elsewhere.
func cpuBlock(dump string, cpu int) (string, bool) {
	start := -1
	for _, header := range []string{
		fmt.Sprintf("cpu#%d,", cpu),
		fmt.Sprintf("cpu#%d\n", cpu),
	} {
		if idx := strings.Index(dump, header); idx >= 0 {
			start = idx
			break
		}
	}
	if start < 0 {
		return "", false
	}

	// Skip past the current header before searching for the next block.
	rest := dump[start:]
	if len(rest) > 10 {
		if next := strings.Index(rest[10:], "cpu#"); next >= 0 {
			rest = rest[:10+next]
		}
	}
	return rest, true
}

func (b *SchedDebug) parseCPUBlock(block string) (Snapshot, error) {
	var snap Snapshot

	if b.format == formatStateful {
		nrRunning, ok := variableValue(block, ".nr_running")
		if !ok {
			return Snapshot{}, fmt.Errorf("no .nr_running in cpu block")
		}
		nrRTRunning, ok := variableValue(block, ".rt_nr_running")
		if !ok {
			return Snapshot{}, fmt.Errorf("no .rt_nr_running in cpu block")
		}
		snap.NrRunning = nrRunning
		snap.NrRTRunning = nrRTRunning
	}

	idx := strings.Index(block, taskMarker)
	if idx < 0 {
		return Snapshot{}, fmt.Errorf("no %q section in cpu block", taskMarker)
	}

	lines := strings.Split(block[idx:], "\n")
	// Drop the marker line, the column headers and the dashed separator.
	if len(lines) < 4 {
		return snap, nil
	}
	lines = lines[3:]

	taskLines := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			break
		}
		taskLines = append(taskLines, line)
	}

	if b.format == formatStateless {
		// With fewer than two runnable entries on the CPU there is no
		// possibility of a stall.
		if len(taskLines) < 2 {
			return snap, nil
		}
	}

	hint := len(taskLines)
	if b.format == formatStateful && snap.NrRunning > 0 && snap.NrRunning < hint {
		hint = snap.NrRunning
	}
	snap.Tasks = make([]TaskSnapshot, 0, hint)

	for _, line := range taskLines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if b.format == formatStateless {
			// Only the one running task carries the R marker here,
			// and the running task cannot be starving.
			if fields[0] == "R" {
				continue
			}
		}

		task, err := b.parseTaskFields(fields)
		if err != nil {
			b.logger.Debug("skipping unparseable task line", "line", line, "err", err)
			continue
		}

		if b.format == formatStateless && !b.isRunnable(task.TID) {
			continue
		}

		task.TGID = b.resolveTGID(task.TID)
		snap.Tasks = append(snap.Tasks, task)
	}

	return snap, nil
}

func (b *SchedDebug) parseTaskFields(fields []string) (TaskSnapshot, error) {
	max := b.offsets.task
	for _, off := range []int{b.offsets.pid, b.offsets.switches, b.offsets.prio} {
		if off > max {
			max = off
		}
	}
	if len(fields) <= max {
		return TaskSnapshot{}, fmt.Errorf("short task line: %d fields", len(fields))
	}

	pid, err := strconv.Atoi(fields[b.offsets.pid])
	if err != nil {
		return TaskSnapshot{}, fmt.Errorf("parse pid: %w", err)
	}
	ctxsw, err := strconv.ParseUint(fields[b.offsets.switches], 10, 64)
	if err != nil {
		return TaskSnapshot{}, fmt.Errorf("parse switches: %w", err)
	}
	prio, err := strconv.Atoi(fields[b.offsets.prio])
	if err != nil {
		return TaskSnapshot{}, fmt.Errorf("parse prio: %w", err)
	}

	return TaskSnapshot{
		TID:   pid,
		Comm:  fields[b.offsets.task],
		Prio:  prio,
		CtxSw: ctxsw,
	}, nil
}

// isRunnable probes the per-thread state for the stateless format. Any probe
// failure excludes the entry.
func (b *SchedDebug) isRunnable(tid int) bool {
	if tid == 0 {
		return false
	}
	proc, err := b.procFS.Proc(tid)
	if err != nil {
		return false
	}
	stat, err := proc.Stat()
	if err != nil {
		return false
	}
	return stat.State == "R"
}

// resolveTGID reads the thread-group id; zero when unknown.
func (b *SchedDebug) resolveTGID(tid int) int {
	proc, err := b.procFS.Proc(tid)
	if err != nil {
		return 0
	}
	status, err := proc.NewStatus()
	if err != nil {
		return 0
	}
	return int(status.TGID)
}

// variableValue extracts an integer from a "<name> : <value>" line.
func variableValue(block, name string) (int, bool) {
	idx := strings.Index(block, name)
	if idx < 0 {
		return 0, false
	}
	rest := block[idx:]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return 0, false
	}
	rest = rest[colon+1:]
	if end := strings.IndexByte(rest, '\n'); end >= 0 {
		rest = rest[:end]
	}
	value, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return value, true
}
