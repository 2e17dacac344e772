// Package monitor drives the detection/boost cycle across the monitored
// CPUs under one of three orchestration strategies.
package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/openrtk/stalld/internal/boost"
	"github.com/openrtk/stalld/internal/config"
	"github.com/openrtk/stalld/internal/detector"
	"github.com/openrtk/stalld/internal/events"
	"github.com/openrtk/stalld/internal/runqueue"
)

// drainAfterEmptyCycles is how many contiguous no-waiting-task cycles an
// adaptive worker tolerates before handing its CPU back to the coordinator.
const drainAfterEmptyCycles = 10

// Booster is the slice of the boost engine the monitor drives.
type Booster interface {
	Boost(ctx context.Context, target boost.Target) error
	BoostVector(ctx context.Context, targets []boost.Target) error
}

// Monitor owns the per-CPU retained state and runs the configured strategy
// until its context is cancelled.
type Monitor struct {
	cfg      config.Config
	logger   *slog.Logger
	backend  runqueue.Backend
	booster  Booster
	detector *detector.Detector
	broker   *events.Broker
	cpus     []int
	states   map[int]*runqueue.CPUState

	// now is a test seam; production uses time.Now.
	now func() time.Time
}

// New assembles a Monitor over pre-initialized collaborators.
func New(cfg config.Config, cpus []int, backend runqueue.Backend, booster Booster,
	det *detector.Detector, broker *events.Broker, logger *slog.Logger) *Monitor {

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	states := make(map[int]*runqueue.CPUState, len(cpus))
	for _, cpu := range cpus {
		states[cpu] = &runqueue.CPUState{ID: cpu}
	}

	return &Monitor{
		cfg:      cfg,
		logger:   logger.With("component", "monitor"),
		backend:  backend,
		booster:  booster,
		detector: det,
		broker:   broker,
		cpus:     cpus,
		states:   states,
		now:      time.Now,
	}
}

// Run executes the configured strategy until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor starting",
		"strategy", string(m.cfg.Strategy), "cpus", len(m.cpus), "granularity", m.cfg.Granularity)

	switch m.cfg.Strategy {
	case config.StrategyAggressive:
		return m.runAggressive(ctx)
	case config.StrategyAdaptive:
		return m.runAdaptive(ctx)
	default:
		return m.runPower(ctx)
	}
}

// runPower is the single-threaded strategy: one pass over all busy CPUs per
// cycle, boosting every target in one vectorized session.
func (m *Monitor) runPower(ctx context.Context) error {
	gate, err := NewIdleGate(m.cfg.ProcRoot, m.cfg.IdleGate)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(m.cfg.Granularity)
	defer ticker.Stop()

	for {
		m.powerCycle(ctx, gate)

		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) powerCycle(ctx context.Context, gate *IdleGate) {
	defer m.broker.CycleDone()

	busy := gate.Filter(m.cpus)
	if len(busy) == 0 {
		return
	}

	view, err := m.backend.Acquire()
	if err != nil {
		m.logger.Warn("snapshot failed, skipping cycle", "err", err)
		return
	}

	now := m.now()
	var targets []boost.Target
	for _, cpu := range busy {
		targets = append(targets, m.cycleCPU(view, m.states[cpu], now)...)
	}

	if len(targets) == 0 {
		return
	}
	if m.cfg.LogOnly {
		return
	}
	if err := m.booster.BoostVector(ctx, targets); err != nil {
		m.logger.Warn("vector boost failed", "err", err)
	}
}

// cycleCPU folds a fresh snapshot into the retained state and returns the
// boost targets for this CPU. A missing CPU drops its retained state; any
// other snapshot failure drops the CPU from this cycle only.
func (m *Monitor) cycleCPU(view runqueue.View, st *runqueue.CPUState, now time.Time) []boost.Target {
	snap, err := view.CPU(st.ID)
	if err != nil {
		if errors.Is(err, runqueue.ErrCPUUnavailable) {
			st.Reset()
			m.publishSummary(st, now)
			return nil
		}
		m.logger.Warn("per-cpu snapshot failed", "cpu", st.ID, "err", err)
		return nil
	}

	st.Apply(snap, now)
	m.publishSummary(st, now)

	if !m.backend.HasStarvingCandidate(snap) {
		return nil
	}

	detected := m.detector.Targets(st, now)
	targets := make([]boost.Target, 0, len(detected))
	for _, task := range detected {
		waited := now.Sub(task.Since)
		m.logger.Info("starving thread detected",
			"cpu", st.ID, "tid", task.TID, "comm", task.Comm,
			"waited", waited, "log_only", m.cfg.LogOnly)
		m.broker.Publish(events.Event{
			Time: now, Kind: events.KindStarving,
			CPU: st.ID, TID: task.TID, Comm: task.Comm,
			WaitedSec: waited.Seconds(),
		})
		targets = append(targets, boost.Target{CPU: st.ID, Task: task})
	}
	return targets
}

func (m *Monitor) publishSummary(st *runqueue.CPUState, now time.Time) {
	m.broker.UpdateCPU(events.CPUSummary{
		CPU:         st.ID,
		NrRunning:   st.NrRunning,
		NrRTRunning: st.NrRTRunning,
		Waiting:     len(st.Waiting),
		LongestWait: st.LongestWait(now).Seconds(),
		UpdatedAt:   now,
	})
}

// boostSequentially runs one session per target, in order. Used by the
// per-CPU workers, whose fixed-priority path cannot be vectorized.
func (m *Monitor) boostSequentially(ctx context.Context, targets []boost.Target) {
	if m.cfg.LogOnly {
		return
	}
	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		err := m.booster.Boost(ctx, target)
		if err != nil && !errors.Is(err, boost.ErrAlreadyBoosted) {
			m.logger.Warn("boost failed",
				"cpu", target.CPU, "tid", target.Task.TID, "err", err)
		}
	}
}
