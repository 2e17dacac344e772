// Package throttle manages the kernel scheduling knobs the daemon depends
// on: the RT runtime limit, the HRTICK feature and the fair-server check.
package throttle

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const rtRuntimeFile = "sys/kernel/sched_rt_runtime_us"

// unbounded is the knob value that disables RT throttling.
const unbounded = -1

// Gate owns the RT runtime knob for the lifetime of the process.
type Gate struct {
	logger   *slog.Logger
	knobPath string

	saved    int64
	disabled bool
}

// NewGate builds a Gate over the given proc root.
func NewGate(procRoot string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gate{
		logger:   logger.With("component", "rt_throttle"),
		knobPath: filepath.Join(procRoot, rtRuntimeFile),
	}
}

// Disable turns RT throttling off for the lifetime of the daemon. When a
// supervisor guarantees an unbounded RT budget the knob is left alone. A
// knob that cannot be brought to the unbounded value is fatal.
func (g *Gate) Disable(supervised bool) error {
	current, err := g.read()
	if err != nil {
		return fmt.Errorf("read %s: %w", g.knobPath, err)
	}

	if current == unbounded {
		g.logger.Info("RT throttling already disabled, doing nothing")
		return nil
	}

	if supervised {
		g.logger.Info("supervisor manages RT throttling, skipping", "current_us", current)
		return nil
	}

	if err := os.WriteFile(g.knobPath, []byte("-1"), 0o644); err != nil {
		return fmt.Errorf("cannot disable RT throttling via %s: %w", g.knobPath, err)
	}

	g.saved = current
	g.disabled = true
	g.logger.Info("RT throttling disabled", "previous_us", current)
	return nil
}

// Restore puts the knob back to its pre-start value. Safe to call when
// Disable changed nothing.
func (g *Gate) Restore() {
	if !g.disabled {
		return
	}
	value := strconv.FormatInt(g.saved, 10)
	if err := os.WriteFile(g.knobPath, []byte(value), 0o644); err != nil {
		g.logger.Warn("error restoring RT throttling", "err", err)
		return
	}
	g.disabled = false
	g.logger.Info("RT throttling runtime restored", "runtime_us", g.saved)
}

func (g *Gate) read() (int64, error) {
	raw, err := os.ReadFile(g.knobPath)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", strings.TrimSpace(string(raw)), err)
	}
	return value, nil
}

// CheckFairServer warns when the kernel's automatic fair-server mechanism is
// present: operators who leave it enabled may observe zero detections.
func CheckFairServer(debugfsRoot string, logger *slog.Logger) {
	if logger == nil {
		return
	}
	if info, err := os.Stat(filepath.Join(debugfsRoot, "sched", "fair_server")); err == nil && info.IsDir() {
		logger.Warn("kernel fair server is present; starvation may be relieved before this daemon observes it")
	}
}

// SetupHRTick enables the high-resolution deadline tick so sub-millisecond
// runtimes are enforced accurately. In lockdown mode the feature file is not
// writable and the operator is assumed to have set it already. Reports
// whether boosting with short deadline runtimes is safe.
func SetupHRTick(debugfsRoot, sysfsRoot string, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if lockdownActive(sysfsRoot) {
		logger.Info("lockdown mode is on: assuming HRTICK_DL was set by the operator")
		return true
	}

	path := ""
	for _, candidate := range []string{
		filepath.Join(debugfsRoot, "sched", "features"),
		filepath.Join(debugfsRoot, "sched_features"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	if path == "" {
		logger.Info("no sched features file, not trying to set HRTICK")
		return false
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Info("could not read sched features", "path", path, "err", err)
		return false
	}
	features := string(raw)

	if strings.Contains(features, "HRTICK_DL") {
		if !strings.Contains(features, "NO_HRTICK_DL") {
			return true
		}
		if err := os.WriteFile(path, []byte("HRTICK_DL"), 0o644); err != nil {
			logger.Warn("failed to set HRTICK_DL", "err", err)
			return false
		}
		logger.Info("deadline runtime is shorter than 1ms, setting HRTICK_DL")
		return true
	}

	// Backward compatibility with kernels that only have HRTICK.
	if strings.Contains(features, "HRTICK") {
		if !strings.Contains(features, "NO_HRTICK") {
			return true
		}
		if err := os.WriteFile(path, []byte("HRTICK"), 0o644); err != nil {
			logger.Warn("failed to set HRTICK", "err", err)
			return false
		}
		logger.Info("deadline runtime is shorter than 1ms, setting HRTICK")
		return true
	}

	return false
}

// lockdownActive reports whether the kernel lockdown mode is engaged.
func lockdownActive(sysfsRoot string) bool {
	raw, err := os.ReadFile(filepath.Join(sysfsRoot, "kernel", "security", "lockdown"))
	if err != nil {
		// Probably an older kernel; assume lockdown is off.
		return false
	}
	return !strings.Contains(string(raw), "[none]")
}
