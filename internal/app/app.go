// Package app wires up and runs the daemon services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openrtk/stalld/internal/boost"
	"github.com/openrtk/stalld/internal/config"
	"github.com/openrtk/stalld/internal/cpus"
	"github.com/openrtk/stalld/internal/detector"
	"github.com/openrtk/stalld/internal/events"
	"github.com/openrtk/stalld/internal/httpserver"
	"github.com/openrtk/stalld/internal/monitor"
	"github.com/openrtk/stalld/internal/runqueue"
	"github.com/openrtk/stalld/internal/throttle"
)

const shutdownTimeout = 10 * time.Second

// hrtickNeededBelow is the deadline runtime under which the scheduler needs
// the high-resolution tick to enforce the reservation.
const hrtickNeededBelow = 1_000_000 // 1ms in ns

// Run bootstraps the daemon lifecycle and blocks until shutdown.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	available, err := cpus.Discover(cfg.ProcRoot)
	if err != nil {
		return fmt.Errorf("discover cpus: %w", err)
	}
	monitored, err := cpus.Parse(cfg.CPUList, available)
	if err != nil {
		return fmt.Errorf("resolve cpu list: %w", err)
	}
	appLogger.Info("monitoring CPUs", "count", len(monitored), "of", len(available))

	gate := throttle.NewGate(cfg.ProcRoot, baseLogger)
	if !cfg.LogOnly {
		if err := gate.Disable(cfg.Supervised); err != nil {
			return err
		}
		defer gate.Restore()
	}

	method := boost.MethodDeadline
	if cfg.ForceFIFO {
		method = boost.MethodFIFO
	}
	if !cfg.LogOnly {
		method, err = boost.Probe(cfg.BoostRuntime, cfg.BoostPeriod, cfg.ForceFIFO, baseLogger)
		if err != nil {
			return fmt.Errorf("method probe: %w", err)
		}
		if method == boost.MethodFIFO && cfg.Strategy == config.StrategyPower {
			return fmt.Errorf("power strategy requires the deadline method, which is unavailable on this host")
		}
		appLogger.Info("boost method selected", "method", method.String())

		if method == boost.MethodDeadline && cfg.BoostRuntime < hrtickNeededBelow {
			if !throttle.SetupHRTick(cfg.DebugfsRoot, cfg.SysfsRoot, baseLogger) {
				return fmt.Errorf("cannot enable HRTICK: short deadline runtimes would not be enforced")
			}
		}

		if cfg.Reservation > 0 {
			if err := boost.SetSelfReservation(cfg.Reservation, cfg.BoostPeriod, baseLogger); err != nil {
				appLogger.Warn("could not apply self reservation", "err", err)
			}
		}
	}

	throttle.CheckFairServer(cfg.DebugfsRoot, appLogger)

	backend, err := newBackend(cfg, monitored, baseLogger)
	if err != nil {
		return err
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("init %s backend: %w", cfg.Backend, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			appLogger.Warn("backend close", "err", err)
		}
	}()

	det, err := detector.New(cfg.StarvingThreshold, cfg.IgnoreThreads, cfg.IgnoreProcesses,
		cfg.ProcRoot, baseLogger)
	if err != nil {
		return fmt.Errorf("init detector: %w", err)
	}

	broker := events.NewBroker()
	engine := boost.NewEngine(method, boost.Params{
		RuntimeNS:    cfg.BoostRuntime,
		PeriodNS:     cfg.BoostPeriod,
		Duration:     cfg.BoostDuration,
		FIFOPriority: uint32(cfg.FIFOPriority),
	}, broker, baseLogger)

	mon := monitor.New(cfg, monitored, backend, engine, det, broker, baseLogger)

	monitorCtx, monitorCancel := context.WithCancel(ctx)
	defer monitorCancel()

	monitorErrCh := make(chan error, 1)
	go func() {
		monitorErrCh <- mon.Run(monitorCtx)
	}()

	var (
		srv       *httpserver.Server
		httpErrCh chan error
	)
	if cfg.ListenAddr != "" {
		srv = httpserver.New(cfg, baseLogger.With("component", "http"), monitored, broker)
		appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

		httpErrCh = make(chan error, 1)
		go func() {
			httpErrCh <- srv.Start()
		}()
	}

	for {
		select {
		case err := <-monitorErrCh:
			monitorErrCh = nil
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				shutdownErr := srv.Shutdown(shutdownCtx)
				cancel()
				if shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
					appLogger.Warn("http shutdown", "err", shutdownErr)
				}
				if httpErr := <-httpErrCh; httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					appLogger.Warn("http server", "err", httpErr)
				}
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil

		case err := <-httpErrCh:
			httpErrCh = nil
			monitorCancel()
			if monErr := <-monitorErrCh; monErr != nil && !errors.Is(monErr, context.Canceled) {
				appLogger.Warn("monitor", "err", monErr)
			}
			return err

		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			monitorCancel()
			if monErr := <-monitorErrCh; monErr != nil && !errors.Is(monErr, context.Canceled) {
				appLogger.Warn("monitor", "err", monErr)
			}

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("http shutdown: %w", err)
				}
				if err := <-httpErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

// newBackend selects the runqueue source once; there is no runtime fallback
// between sources after startup.
func newBackend(cfg config.Config, monitored []int, logger *slog.Logger) (runqueue.Backend, error) {
	switch cfg.Backend {
	case config.BackendQueueTrack:
		return runqueue.NewQueueTrack(cfg.BPFObject, cfg.ProcRoot, monitored, logger), nil
	case config.BackendSchedDebug:
		return runqueue.NewSchedDebug(cfg.ProcRoot, cfg.DebugfsRoot, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
