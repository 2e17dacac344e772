package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrtk/stalld/internal/runqueue"
)

// Worker lifecycle states. A worker owns its CPU's retained state from spawn
// until the coordinator observes it detached.
const (
	workerDetached int32 = iota
	workerRunning
	workerDraining
)

// cpuWorker is a dedicated monitoring goroutine for one CPU.
type cpuWorker struct {
	cpu   int
	state atomic.Int32
	done  chan struct{}
}

func (w *cpuWorker) detached() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// runAdaptive runs the coordinator loop, spawning a dedicated worker for any
// CPU whose longest wait crosses half the starvation threshold. Workers hand
// their CPU back after enough consecutive calm cycles.
func (m *Monitor) runAdaptive(ctx context.Context) error {
	gate, err := NewIdleGate(m.cfg.ProcRoot, m.cfg.IdleGate)
	if err != nil {
		return err
	}

	workers := make(map[int]*cpuWorker, len(m.cpus))
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(m.cfg.Granularity)
	defer ticker.Stop()

	spawnAt := m.cfg.StarvingThreshold / 2

	for {
		m.adaptiveCycle(ctx, gate, workers, &wg, spawnAt)

		select {
		case <-ctx.Done():
			m.logger.Info("coordinator stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) adaptiveCycle(ctx context.Context, gate *IdleGate, workers map[int]*cpuWorker,
	wg *sync.WaitGroup, spawnAt time.Duration) {

	defer m.broker.CycleDone()

	busy := make(map[int]bool, len(m.cpus))
	for _, cpu := range gate.Filter(m.cpus) {
		busy[cpu] = true
	}

	var view runqueue.View
	now := m.now()

	for _, cpu := range m.cpus {
		if w, ok := workers[cpu]; ok {
			if !w.detached() {
				// The worker owns this CPU.
				continue
			}
			delete(workers, cpu)
			m.logger.Debug("reclaimed cpu from detached worker", "cpu", cpu)
		}

		if !busy[cpu] {
			continue
		}

		if view == nil {
			v, err := m.backend.Acquire()
			if err != nil {
				m.logger.Warn("snapshot failed, skipping cycle", "err", err)
				return
			}
			view = v
		}

		st := m.states[cpu]
		m.cycleCPU(view, st, now)

		if st.LongestWait(now) >= spawnAt {
			st.OverloadedCycles++
			workers[cpu] = m.spawnWorker(ctx, st, wg, true)
		}
	}
}

// runAggressive spawns one permanent worker per monitored CPU and waits for
// shutdown. There is no coordinator.
func (m *Monitor) runAggressive(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, cpu := range m.cpus {
		m.spawnWorker(ctx, m.states[cpu], &wg, false)
	}
	wg.Wait()
	m.logger.Info("all workers stopped", "reason", ctx.Err())
	return nil
}

func (m *Monitor) spawnWorker(ctx context.Context, st *runqueue.CPUState, wg *sync.WaitGroup, drains bool) *cpuWorker {
	w := &cpuWorker{cpu: st.ID, done: make(chan struct{})}
	w.state.Store(workerRunning)

	m.logger.Info("spawning per-cpu worker", "cpu", st.ID, "drains", drains)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(w.done)
		defer w.state.Store(workerDetached)
		m.workerLoop(ctx, w, st, drains)
	}()
	return w
}

// workerLoop runs snapshot+detect+boost cycles for one CPU. Boosting is
// sequential: the fixed-priority path cannot be vectorized. Draining workers
// count contiguous cycles without waiting tasks and exit after enough.
func (m *Monitor) workerLoop(ctx context.Context, w *cpuWorker, st *runqueue.CPUState, drains bool) {
	gate, err := NewIdleGate(m.cfg.ProcRoot, m.cfg.IdleGate)
	if err != nil {
		m.logger.Warn("worker could not open idle gate", "cpu", st.ID, "err", err)
		return
	}

	ticker := time.NewTicker(m.cfg.Granularity)
	defer ticker.Stop()

	emptyCycles := 0
	for {
		if gate.Busy(st.ID) {
			if view, err := m.backend.Acquire(); err != nil {
				m.logger.Warn("worker snapshot failed", "cpu", st.ID, "err", err)
			} else {
				now := m.now()
				targets := m.cycleCPU(view, st, now)
				m.boostSequentially(ctx, targets)

				if len(st.Waiting) == 0 {
					emptyCycles++
				} else {
					emptyCycles = 0
				}
			}
		} else {
			// An idle CPU ran something; whatever waited has moved on.
			emptyCycles++
		}

		if drains && emptyCycles >= drainAfterEmptyCycles {
			w.state.Store(workerDraining)
			m.logger.Info("worker draining, cpu calm", "cpu", st.ID)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
