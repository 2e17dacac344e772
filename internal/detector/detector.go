// Package detector decides which waiting tasks have crossed the starvation
// threshold and are eligible for boosting.
package detector

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/prometheus/procfs"

	"github.com/openrtk/stalld/internal/runqueue"
)

// Detector applies the starvation threshold and the operator denylists to a
// merged per-CPU waiting list.
type Detector struct {
	logger          *slog.Logger
	threshold       time.Duration
	ignoreComms     []*regexp.Regexp
	ignoreProcesses []*regexp.Regexp
	procFS          procfs.FS
}

// New builds a Detector. The process denylist needs a proc root to resolve
// thread-group names.
func New(threshold time.Duration, ignoreComms, ignoreProcesses []*regexp.Regexp, procRoot string, logger *slog.Logger) (*Detector, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}

	return &Detector{
		logger:          logger.With("component", "detector"),
		threshold:       threshold,
		ignoreComms:     ignoreComms,
		ignoreProcesses: ignoreProcesses,
		procFS:          fs,
	}, nil
}

// Targets returns the waiting tasks on one CPU that have been denied the CPU
// for at least the threshold and are not denylisted.
func (d *Detector) Targets(st *runqueue.CPUState, now time.Time) []runqueue.TaskSnapshot {
	var targets []runqueue.TaskSnapshot
	for _, task := range st.Waiting {
		waited := now.Sub(task.Since)
		if waited < d.threshold {
			continue
		}
		if d.ignoredComm(task.Comm) {
			d.logger.Debug("ignoring starving thread by comm",
				"cpu", st.ID, "tid", task.TID, "comm", task.Comm)
			continue
		}
		if d.ignoredProcess(task.TGID) {
			d.logger.Debug("ignoring starving thread by process name",
				"cpu", st.ID, "tid", task.TID, "tgid", task.TGID)
			continue
		}
		targets = append(targets, task)
	}
	return targets
}

func (d *Detector) ignoredComm(comm string) bool {
	for _, re := range d.ignoreComms {
		if re.MatchString(comm) {
			return true
		}
	}
	return false
}

// ignoredProcess matches the thread group's name against the process
// denylist. A name that cannot be resolved is treated as no match.
func (d *Detector) ignoredProcess(tgid int) bool {
	if len(d.ignoreProcesses) == 0 || tgid == 0 {
		return false
	}

	proc, err := d.procFS.Proc(tgid)
	if err != nil {
		return false
	}
	status, err := proc.NewStatus()
	if err != nil {
		return false
	}

	for _, re := range d.ignoreProcesses {
		if re.MatchString(status.Name) {
			return true
		}
	}
	return false
}
