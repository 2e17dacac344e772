// Package runqueue produces per-CPU runqueue snapshots from one of the
// kernel information sources and reconciles them against retained state.
package runqueue

import "errors"

var (
	// ErrSourceUnavailable is returned by Init when the source cannot work
	// on this host at all (file missing, object not loadable). The caller
	// treats it as an environment failure, never as a per-cycle one.
	ErrSourceUnavailable = errors.New("runqueue source unavailable on this host")

	// ErrCPUUnavailable marks a CPU that is absent from the current
	// snapshot, typically because it is offline. The caller discards the
	// CPU's retained state and drops it from the cycle.
	ErrCPUUnavailable = errors.New("cpu unavailable in this snapshot")
)

// Backend is one kernel runqueue information source. The two implementations
// share only this contract; callers must not assume the sources observe the
// same set of tasks.
type Backend interface {
	// Init probes and prepares the source once at startup.
	Init() error

	// Acquire returns a point-in-time view answering per-CPU queries.
	// File-based sources read the whole dump here; map-based sources
	// defer to per-CPU lookups. A View must not be shared between
	// goroutines; every worker acquires its own.
	Acquire() (View, error)

	// HasStarvingCandidate is a cheap pre-filter: false means detection
	// can be skipped for this CPU in the current cycle.
	HasStarvingCandidate(s Snapshot) bool

	Close() error
}

// View is one acquired snapshot of the source.
type View interface {
	CPU(cpu int) (Snapshot, error)
}
