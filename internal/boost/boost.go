// Package boost elevates starving threads' scheduling attributes for a
// bounded duration and restores them afterwards.
package boost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openrtk/stalld/internal/events"
	"github.com/openrtk/stalld/internal/runqueue"
)

// ErrAlreadyBoosted marks a target that has a session in flight on another
// worker; the new attempt is skipped.
var ErrAlreadyBoosted = errors.New("target already has an active boost session")

// errVanished marks a target that exited before a session could be opened.
// It never escapes the package; callers treat it as a non-event.
var errVanished = errors.New("target vanished")

// Target is one starving thread scheduled for elevation.
type Target struct {
	CPU  int
	Task runqueue.TaskSnapshot
}

// Params are the frozen boost parameters.
type Params struct {
	RuntimeNS    uint64
	PeriodNS     uint64
	Duration     time.Duration
	FIFOPriority uint32
}

// Engine opens and closes boost sessions. The active-session set is the only
// process-wide mutable state shared between workers; its lock is never held
// across a sleep.
type Engine struct {
	logger *slog.Logger
	ops    schedOps
	method Method
	params Params
	broker *events.Broker

	mu     sync.Mutex
	active map[int]struct{}
}

// NewEngine builds an Engine driving the kernel's scheduling syscalls.
func NewEngine(method Method, params Params, broker *events.Broker, logger *slog.Logger) *Engine {
	return newEngine(kernelOps{}, method, params, broker, logger)
}

func newEngine(ops schedOps, method Method, params Params, broker *events.Broker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if broker == nil {
		broker = events.NewBroker()
	}
	return &Engine{
		logger: logger.With("component", "boost"),
		ops:    ops,
		method: method,
		params: params,
		broker: broker,
		active: make(map[int]struct{}),
	}
}

// Boost opens a session for one target, sleeps out the boost duration and
// restores the saved attributes. Cancellation cuts the sleep short but the
// restoration still runs; no session outlives this call.
func (e *Engine) Boost(ctx context.Context, target Target) error {
	tid := target.Task.TID
	if !e.tryClaim(tid) {
		return ErrAlreadyBoosted
	}
	defer e.release(tid)

	if e.method == MethodDeadline {
		return e.boostDeadline(ctx, target)
	}
	return e.boostFIFO(ctx, target)
}

// BoostVector opens deadline sessions for all targets, sleeps the common
// boost duration once, then restores all of them. Only valid with the
// deadline method.
func (e *Engine) BoostVector(ctx context.Context, targets []Target) error {
	if e.method != MethodDeadline {
		return fmt.Errorf("vectorized boosting requires the deadline method")
	}

	type session struct {
		target Target
		saved  *unix.SchedAttr
	}

	sessions := make([]session, 0, len(targets))
	for _, target := range targets {
		tid := target.Task.TID
		if !e.tryClaim(tid) {
			e.logger.Debug("skipping target with active session", "tid", tid)
			continue
		}

		saved, err := e.openDeadline(target)
		if err != nil {
			e.release(tid)
			continue
		}
		sessions = append(sessions, session{target: target, saved: saved})
	}

	if len(sessions) == 0 {
		return nil
	}

	e.sleep(ctx, e.params.Duration)

	for _, s := range sessions {
		e.restore(s.target, s.saved)
		e.finish(s.target)
		e.release(s.target.Task.TID)
	}
	return nil
}

func (e *Engine) boostDeadline(ctx context.Context, target Target) error {
	saved, err := e.openDeadline(target)
	if err != nil {
		if errors.Is(err, errVanished) {
			return nil
		}
		return err
	}

	e.sleep(ctx, e.params.Duration)

	e.restore(target, saved)
	e.finish(target)
	return nil
}

// openDeadline saves the target's attributes and applies the elevation. On
// failure no session is opened and the caller clears the claim.
func (e *Engine) openDeadline(target Target) (*unix.SchedAttr, error) {
	tid := target.Task.TID

	saved, err := e.ops.Get(tid)
	if err != nil {
		return nil, e.applyFailure(target, "save attributes", err)
	}

	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_DEADLINE,
		Runtime:  e.params.RuntimeNS,
		Deadline: e.params.PeriodNS,
		Period:   e.params.PeriodNS,
	}
	if err := e.ops.Set(tid, attr); err != nil {
		return nil, e.applyFailure(target, "apply deadline attributes", err)
	}

	e.logger.Info("boosting starving thread",
		"cpu", target.CPU, "tid", tid, "comm", target.Task.Comm, "method", MethodDeadline.String())
	e.broker.Publish(events.Event{
		Time: time.Now(), Kind: events.KindBoostStart,
		CPU: target.CPU, TID: tid, Comm: target.Task.Comm, Method: MethodDeadline.String(),
	})
	return saved, nil
}

// boostFIFO emulates the deadline bandwidth: runtime at fixed priority, the
// remainder of the period restored, repeated until the boost duration is
// spent. A fixed-priority thread left elevated unbounded would reintroduce
// the starvation it is meant to relieve.
func (e *Engine) boostFIFO(ctx context.Context, target Target) error {
	tid := target.Task.TID

	saved, err := e.ops.Get(tid)
	if err != nil {
		if failure := e.applyFailure(target, "save attributes", err); !errors.Is(failure, errVanished) {
			return failure
		}
		return nil
	}

	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: e.params.FIFOPriority,
	}

	onSlice := time.Duration(e.params.RuntimeNS)
	offSlice := time.Duration(e.params.PeriodNS - e.params.RuntimeNS)

	started := false
	start := time.Now()
	for {
		if err := e.ops.Set(tid, attr); err != nil {
			failure := e.applyFailure(target, "apply fifo attributes", err)
			if started {
				e.finish(target)
			}
			if errors.Is(failure, errVanished) {
				return nil
			}
			return failure
		}

		if !started {
			started = true
			e.logger.Info("boosting starving thread",
				"cpu", target.CPU, "tid", tid, "comm", target.Task.Comm, "method", MethodFIFO.String())
			e.broker.Publish(events.Event{
				Time: time.Now(), Kind: events.KindBoostStart,
				CPU: target.CPU, TID: tid, Comm: target.Task.Comm, Method: MethodFIFO.String(),
			})
		}

		e.sleep(ctx, onSlice)

		if !e.restore(target, saved) {
			e.finish(target)
			return nil
		}

		if ctx.Err() != nil || time.Since(start) >= e.params.Duration {
			e.finish(target)
			return nil
		}

		e.sleep(ctx, offSlice)

		if ctx.Err() != nil || time.Since(start) >= e.params.Duration {
			e.finish(target)
			return nil
		}
	}
}

// restore puts the saved attributes back. A vanished target is expected and
// closes the session quietly; any other failure is logged and counted but
// never propagated. Reports whether the target still exists.
func (e *Engine) restore(target Target, saved *unix.SchedAttr) bool {
	tid := target.Task.TID
	err := e.ops.Set(tid, saved)
	switch {
	case err == nil:
		return true
	case errors.Is(err, unix.ESRCH):
		e.logger.Info("boosted thread exited before restore", "cpu", target.CPU, "tid", tid)
		e.broker.Publish(events.Event{
			Time: time.Now(), Kind: events.KindVanished,
			CPU: target.CPU, TID: tid, Comm: target.Task.Comm,
		})
		return false
	default:
		e.logger.Warn("failed to restore scheduling attributes",
			"cpu", target.CPU, "tid", tid, "err", err)
		e.broker.Publish(events.Event{
			Time: time.Now(), Kind: events.KindRestoreWarn,
			CPU: target.CPU, TID: tid, Comm: target.Task.Comm, Error: err.Error(),
		})
		return true
	}
}

func (e *Engine) finish(target Target) {
	e.broker.Publish(events.Event{
		Time: time.Now(), Kind: events.KindBoostEnd,
		CPU: target.CPU, TID: target.Task.TID, Comm: target.Task.Comm, Method: e.method.String(),
	})
}

// applyFailure classifies a failure to open a session. A vanished target is
// routine; everything else is surfaced to the caller.
func (e *Engine) applyFailure(target Target, what string, err error) error {
	tid := target.Task.TID
	if errors.Is(err, unix.ESRCH) {
		e.logger.Info("target exited before boost", "cpu", target.CPU, "tid", tid)
		e.broker.Publish(events.Event{
			Time: time.Now(), Kind: events.KindVanished,
			CPU: target.CPU, TID: tid, Comm: target.Task.Comm,
		})
		return errVanished
	}

	e.logger.Warn("boost failed",
		"cpu", target.CPU, "tid", tid, "comm", target.Task.Comm, "stage", what, "err", err)
	e.broker.Publish(events.Event{
		Time: time.Now(), Kind: events.KindBoostFailed,
		CPU: target.CPU, TID: tid, Comm: target.Task.Comm, Error: err.Error(),
	})
	return fmt.Errorf("%s for tid %d: %w", what, tid, err)
}

func (e *Engine) tryClaim(tid int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[tid]; busy {
		return false
	}
	e.active[tid] = struct{}{}
	return true
}

func (e *Engine) release(tid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, tid)
}

// sleep waits for d or until the context is cancelled, whichever is first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
