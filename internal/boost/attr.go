package boost

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"golang.org/x/sys/unix"
)

// Method is the elevation mechanism selected once at startup.
type Method int

const (
	// MethodDeadline applies a SCHED_DEADLINE reservation to the target.
	MethodDeadline Method = iota
	// MethodFIFO emulates the deadline bandwidth with SCHED_FIFO bursts.
	MethodFIFO
)

func (m Method) String() string {
	if m == MethodDeadline {
		return "deadline"
	}
	return "fifo"
}

// schedOps abstracts the scheduling attribute syscalls so the engine's
// bookkeeping can be tested without CAP_SYS_NICE.
type schedOps interface {
	Get(tid int) (*unix.SchedAttr, error)
	Set(tid int, attr *unix.SchedAttr) error
}

type kernelOps struct{}

func (kernelOps) Get(tid int) (*unix.SchedAttr, error) {
	return unix.SchedGetAttr(tid, 0)
}

func (kernelOps) Set(tid int, attr *unix.SchedAttr) error {
	return unix.SchedSetAttr(tid, attr, 0)
}

// Probe selects the elevation method: it applies a deadline reservation to
// the calling thread and restores it. A permission failure is surfaced so
// startup can abort; any other failure selects the fixed-priority fallback.
// force bypasses the probe entirely.
func Probe(runtimeNS, periodNS uint64, force bool, logger *slog.Logger) (Method, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if force {
		logger.Info("fixed-priority boosting forced by configuration")
		return MethodFIFO, nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ops := kernelOps{}
	tid := unix.Gettid()

	saved, err := ops.Get(tid)
	if err != nil {
		return MethodFIFO, fmt.Errorf("read own scheduling attributes: %w", err)
	}

	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_DEADLINE,
		Runtime:  runtimeNS,
		Deadline: periodNS,
		Period:   periodNS,
	}

	if err := ops.Set(tid, attr); err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return MethodFIFO, fmt.Errorf("no permission to set scheduling attributes: %w", err)
		}
		logger.Info("deadline scheduling unavailable, selecting fixed-priority boosts", "err", err)
		return MethodFIFO, nil
	}

	if err := ops.Set(tid, saved); err != nil {
		return MethodDeadline, fmt.Errorf("restore own scheduling attributes after probe: %w", err)
	}

	logger.Info("deadline scheduling available")
	return MethodDeadline, nil
}

// SetSelfReservation puts the whole daemon under a SCHED_DEADLINE reservation
// of pct percent of CPU time. Periods longer than the kernel's deadline
// period limit are clamped to one second; the received share is the same.
func SetSelfReservation(pct int, periodNS uint64, logger *slog.Logger) error {
	if pct == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	periodSec := periodNS / 1_000_000_000
	if periodSec == 0 || periodSec > 4 {
		periodSec = 1
	}
	dlPeriod := periodSec * 1_000_000_000
	dlRuntime := dlPeriod * uint64(pct) / 100

	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_DEADLINE,
		Runtime:  dlRuntime,
		Deadline: dlPeriod,
		Period:   dlPeriod,
	}

	if err := unix.SchedSetAttr(0, attr, 0); err != nil {
		return fmt.Errorf("set %d%% reservation: %w", pct, err)
	}

	logger.Info("running under a deadline reservation",
		"percent", pct, "runtime_ns", dlRuntime, "period_ns", dlPeriod)
	return nil
}
