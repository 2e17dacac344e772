package runqueue

import "time"

// TaskSnapshot captures one runnable-but-not-running thread observed on a
// CPU's runqueue.
type TaskSnapshot struct {
	TID   int       `json:"tid"`
	TGID  int       `json:"tgid"`
	Comm  string    `json:"comm"`
	Prio  int       `json:"prio"`
	CtxSw uint64    `json:"ctxsw"`
	Since time.Time `json:"since"`
}

// Snapshot is the fresh per-CPU view produced by a backend for one cycle.
// Tasks carries the waiting list in source order, unmerged.
type Snapshot struct {
	NrRunning   int
	NrRTRunning int
	Tasks       []TaskSnapshot
}

// CPUState is the retained working set for one monitored CPU. It has exactly
// one writer at any time: the worker that owns the CPU, or the coordinator
// when no worker is attached.
type CPUState struct {
	ID               int
	NrRunning        int
	NrRTRunning      int
	Waiting          []TaskSnapshot
	OverloadedCycles int
}

// Merge reconciles a fresh waiting list against the retained prior one.
// An entry keeps its starvation start timestamp only when both its thread id
// and its context-switch count are unchanged; any progress, and any thread
// not previously seen, starts the clock at now. Prior entries absent from the
// fresh list are dropped.
func Merge(prior, fresh []TaskSnapshot, now time.Time) []TaskSnapshot {
	merged := make([]TaskSnapshot, len(fresh))
	copy(merged, fresh)

	for i := range merged {
		merged[i].Since = now
		for _, p := range prior {
			if p.TID == merged[i].TID && p.CtxSw == merged[i].CtxSw {
				merged[i].Since = p.Since
				break
			}
		}
	}
	return merged
}

// Apply folds a fresh snapshot into the retained state.
func (st *CPUState) Apply(s Snapshot, now time.Time) {
	st.NrRunning = s.NrRunning
	st.NrRTRunning = s.NrRTRunning
	st.Waiting = Merge(st.Waiting, s.Tasks, now)
}

// Reset discards all retained state, e.g. when the CPU goes offline.
func (st *CPUState) Reset() {
	st.NrRunning = 0
	st.NrRTRunning = 0
	st.Waiting = nil
}

// LongestWait reports how long the oldest non-progressing entry has been
// waiting at now. Zero when the waiting list is empty.
func (st *CPUState) LongestWait(now time.Time) time.Duration {
	var longest time.Duration
	for _, t := range st.Waiting {
		if wait := now.Sub(t.Since); wait > longest {
			longest = wait
		}
	}
	return longest
}
