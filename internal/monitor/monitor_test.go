package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openrtk/stalld/internal/boost"
	"github.com/openrtk/stalld/internal/config"
	"github.com/openrtk/stalld/internal/detector"
	"github.com/openrtk/stalld/internal/events"
	"github.com/openrtk/stalld/internal/runqueue"
)

// scriptedBackend replays a fixed sequence of snapshots per CPU; the last
// snapshot repeats once the script runs out.
type scriptedBackend struct {
	mu       sync.Mutex
	scripts  map[int][]runqueue.Snapshot
	cursor   map[int]int
	acquires int
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		scripts: make(map[int][]runqueue.Snapshot),
		cursor:  make(map[int]int),
	}
}

func (b *scriptedBackend) push(cpu int, snaps ...runqueue.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[cpu] = append(b.scripts[cpu], snaps...)
}

func (b *scriptedBackend) Init() error  { return nil }
func (b *scriptedBackend) Close() error { return nil }

func (b *scriptedBackend) Acquire() (runqueue.View, error) {
	b.mu.Lock()
	b.acquires++
	b.mu.Unlock()
	return b, nil
}

func (b *scriptedBackend) acquireCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquires
}

func (b *scriptedBackend) CPU(cpu int) (runqueue.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	script, ok := b.scripts[cpu]
	if !ok || len(script) == 0 {
		return runqueue.Snapshot{}, runqueue.ErrCPUUnavailable
	}

	idx := b.cursor[cpu]
	if idx >= len(script) {
		idx = len(script) - 1
	} else {
		b.cursor[cpu]++
	}
	return script[idx], nil
}

func (b *scriptedBackend) HasStarvingCandidate(s runqueue.Snapshot) bool {
	return len(s.Tasks) > 0
}

type fakeBooster struct {
	mu      sync.Mutex
	vectors [][]boost.Target
	singles []boost.Target
}

func (f *fakeBooster) Boost(_ context.Context, target boost.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singles = append(f.singles, target)
	return nil
}

func (f *fakeBooster) BoostVector(_ context.Context, targets []boost.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors = append(f.vectors, targets)
	return nil
}

func (f *fakeBooster) vectorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vectors)
}

func (f *fakeBooster) singleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.singles)
}

type powerFixture struct {
	monitor *Monitor
	backend *scriptedBackend
	booster *fakeBooster
	broker  *events.Broker
	gate    *IdleGate
	clock   time.Time
	mu      sync.Mutex
}

func newPowerFixture(t *testing.T, cfg config.Config, cpus []int) *powerFixture {
	t.Helper()

	root := t.TempDir()
	writeStatFile(t, root, nil)
	cfg.ProcRoot = root

	det, err := detector.New(cfg.StarvingThreshold, cfg.IgnoreThreads, cfg.IgnoreProcesses, root, nil)
	if err != nil {
		t.Fatalf("detector.New: %v", err)
	}

	f := &powerFixture{
		backend: newScriptedBackend(),
		booster: &fakeBooster{},
		broker:  events.NewBroker(),
		clock:   time.Unix(10_000, 0),
	}

	gate, err := NewIdleGate(root, cfg.IdleGate)
	if err != nil {
		t.Fatalf("NewIdleGate: %v", err)
	}
	f.gate = gate

	f.monitor = New(cfg, cpus, f.backend, f.booster, det, f.broker, nil)
	f.monitor.now = func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.clock
	}
	return f
}

// tick advances the fake clock and runs one power cycle.
func (f *powerFixture) tick(t *testing.T, ctx context.Context, advance time.Duration) {
	t.Helper()
	f.mu.Lock()
	f.clock = f.clock.Add(advance)
	f.mu.Unlock()
	f.monitor.powerCycle(ctx, f.gate)
}

func powerConfig() config.Config {
	return config.Config{
		Strategy:          config.StrategyPower,
		StarvingThreshold: 5 * time.Second,
		Granularity:       time.Second,
		BoostDuration:     3 * time.Second,
		IdleGate:          false,
	}
}

func waitingTask(tid int, ctxsw uint64) runqueue.Snapshot {
	return runqueue.Snapshot{
		NrRunning:   2,
		NrRTRunning: 1,
		Tasks: []runqueue.TaskSnapshot{
			{TID: tid, Comm: "helper", Prio: 120, CtxSw: ctxsw},
		},
	}
}

func TestPowerBoostsAfterThreshold(t *testing.T) {
	f := newPowerFixture(t, powerConfig(), []int{3})
	ctx := context.Background()

	// The helper stays at ctxsw K for every cycle.
	f.backend.push(3, waitingTask(100, 7))

	f.tick(t, ctx, 0) // baseline at t=0
	for i := 0; i < 4; i++ {
		f.tick(t, ctx, time.Second)
		if f.booster.vectorCount() != 0 {
			t.Fatalf("boosted before threshold at cycle %d", i+1)
		}
	}

	// t=5: threshold reached.
	f.tick(t, ctx, time.Second)
	if f.booster.vectorCount() != 1 {
		t.Fatalf("expected one vector boost at threshold, got %d", f.booster.vectorCount())
	}

	counters := f.broker.Counters()
	if counters.Detections == 0 {
		t.Fatalf("no detection events published")
	}
}

func TestPowerProgressResetsClock(t *testing.T) {
	f := newPowerFixture(t, powerConfig(), []int{3})
	ctx := context.Background()

	// ctxsw advances by one at the 4th sample: the thread ran in between.
	f.backend.push(3,
		waitingTask(100, 7), // t=0
		waitingTask(100, 7), // t=1
		waitingTask(100, 7), // t=2
		waitingTask(100, 7), // t=3
		waitingTask(100, 8), // t=4: progress, since resets
		waitingTask(100, 8), // t=5
	)

	f.tick(t, ctx, 0)
	for i := 0; i < 5; i++ {
		f.tick(t, ctx, time.Second)
	}

	if f.booster.vectorCount() != 0 {
		t.Fatalf("boosted a thread that made progress")
	}

	// Without further progress the clock runs from t=4: boost at t=9.
	for i := 0; i < 3; i++ {
		f.tick(t, ctx, time.Second)
		if f.booster.vectorCount() != 0 {
			t.Fatalf("boosted too early after reset, cycle t=%d", 6+i)
		}
	}
	f.tick(t, ctx, time.Second) // t=9
	if f.booster.vectorCount() != 1 {
		t.Fatalf("expected boost at t=9 after progress reset")
	}
}

func TestPowerEmptySnapshotProducesNothing(t *testing.T) {
	f := newPowerFixture(t, powerConfig(), []int{0})
	ctx := context.Background()

	f.backend.push(0, runqueue.Snapshot{NrRunning: 1})

	for i := 0; i < 10; i++ {
		f.tick(t, ctx, time.Second)
	}

	if f.booster.vectorCount() != 0 || f.broker.Counters().Detections != 0 {
		t.Fatalf("empty waiting list produced detections or boosts")
	}
}

func TestPowerGhostTaskIsDiscarded(t *testing.T) {
	f := newPowerFixture(t, powerConfig(), []int{3})
	ctx := context.Background()

	f.backend.push(3,
		waitingTask(100, 7),
		runqueue.Snapshot{NrRunning: 1}, // the task is gone
	)

	f.tick(t, ctx, 0)
	for i := 0; i < 10; i++ {
		f.tick(t, ctx, time.Second)
	}

	if f.booster.vectorCount() != 0 {
		t.Fatalf("ghost task was boosted")
	}
	if len(f.monitor.states[3].Waiting) != 0 {
		t.Fatalf("ghost task retained: %+v", f.monitor.states[3].Waiting)
	}
}

func TestPowerLogOnlySkipsBoosting(t *testing.T) {
	cfg := powerConfig()
	cfg.LogOnly = true
	f := newPowerFixture(t, cfg, []int{3})
	ctx := context.Background()

	f.backend.push(3, waitingTask(100, 7))

	f.tick(t, ctx, 0)
	for i := 0; i < 6; i++ {
		f.tick(t, ctx, time.Second)
	}

	if f.booster.vectorCount() != 0 {
		t.Fatalf("log-only mode must not boost")
	}
	if f.broker.Counters().Detections == 0 {
		t.Fatalf("log-only mode must still emit detections")
	}
}

func TestPowerOfflineCPUDropsRetainedState(t *testing.T) {
	f := newPowerFixture(t, powerConfig(), []int{3, 9})
	ctx := context.Background()

	f.backend.push(3, waitingTask(100, 7))
	// CPU 9 has no script: the backend reports it unavailable.

	f.tick(t, ctx, 0)
	f.tick(t, ctx, time.Second)

	if got := len(f.monitor.states[9].Waiting); got != 0 {
		t.Fatalf("offline cpu retained %d tasks", got)
	}
	// The online CPU still accumulates.
	if got := len(f.monitor.states[3].Waiting); got != 1 {
		t.Fatalf("online cpu lost its retained task")
	}
}

func TestPowerIdleGateShortCircuit(t *testing.T) {
	cfg := powerConfig()
	cfg.IdleGate = true
	f := newPowerFixture(t, cfg, []int{7})
	ctx := context.Background()

	// newPowerFixture already wrote a baseline; overwrite with known idle.
	root := f.monitor.cfg.ProcRoot
	writeStatFile(t, root, map[int]int{7: 1000})

	f.backend.push(7, waitingTask(100, 7))

	// Baseline cycle: first observation is busy, snapshot taken.
	f.tick(t, ctx, 0)
	if f.backend.acquireCount() != 1 {
		t.Fatalf("baseline cycle did not snapshot")
	}

	// Idle ticks grow: the source must not be queried this cycle and the
	// retained state is preserved unchanged.
	writeStatFile(t, root, map[int]int{7: 1100})
	f.tick(t, ctx, time.Second)
	if f.backend.acquireCount() != 1 {
		t.Fatalf("idle cpu was snapshotted")
	}
	if len(f.monitor.states[7].Waiting) != 1 {
		t.Fatalf("retained state lost during idle-gated cycle")
	}
}

func TestAdaptiveSpawnsWorkerAndBoostsIndividually(t *testing.T) {
	cfg := config.Config{
		Strategy:          config.StrategyAdaptive,
		StarvingThreshold: 300 * time.Millisecond,
		Granularity:       20 * time.Millisecond,
		BoostDuration:     50 * time.Millisecond,
		IdleGate:          false,
	}

	f := newPowerFixture(t, cfg, []int{1})
	f.monitor.now = time.Now

	f.backend.push(1, waitingTask(200, 9))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for f.booster.singleCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("adaptive worker never boosted")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if f.booster.vectorCount() != 0 {
		t.Fatalf("adaptive strategy used the vector path")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("monitor did not stop on cancellation")
	}
}

func TestAggressiveWorkersPerCPU(t *testing.T) {
	cfg := config.Config{
		Strategy:          config.StrategyAggressive,
		StarvingThreshold: 100 * time.Millisecond,
		Granularity:       20 * time.Millisecond,
		BoostDuration:     50 * time.Millisecond,
		IdleGate:          false,
	}

	f := newPowerFixture(t, cfg, []int{0, 1})
	f.monitor.now = time.Now

	f.backend.push(0, waitingTask(300, 1))
	f.backend.push(1, waitingTask(301, 2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		f.booster.mu.Lock()
		seen := make(map[int]bool)
		for _, target := range f.booster.singles {
			seen[target.CPU] = true
		}
		f.booster.mu.Unlock()
		if seen[0] && seen[1] {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("aggressive workers did not cover both CPUs")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("monitor did not stop on cancellation")
	}
}
